// Package synthesis turns mined candidate chains into composite tool
// proposals.
//
// The synthesizer analyzes recorded sample executions, classifies how
// parameters flow between steps, asks the LLM for a tool definition under a
// strict response schema, validates the answer structurally, and derives an
// error strategy from observed failure patterns. The output is a
// SynthesizedTool in state draft with version 1; lifecycle management
// belongs to the registry.
package synthesis

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Sentinel errors for synthesis operations.
var (
	// ErrSynthesisFailed is returned when synthesis fails for reasons other
	// than response-schema violations.
	ErrSynthesisFailed = errors.New("tool synthesis failed")

	// ErrSchemaInvalid is returned when the LLM response fails validation
	// twice (the initial attempt plus one retry with feedback).
	ErrSchemaInvalid = errors.New("synthesized tool definition is invalid")
)

type (
	// ToolState is the lifecycle state of a synthesized tool.
	ToolState string

	// SynthesizedTool is a proposed composite tool - Domain Model.
	//
	// Invariants: step indices dense from 0; the wiring-induced dependency
	// graph is acyclic; Version >= 1 and monotonically increases per slug.
	SynthesizedTool struct {
		// Slug is the stable identifier derived from constituent tool names.
		Slug string `json:"slug"`

		// Description is the human-readable summary produced by the LLM.
		Description string `json:"description"`

		// Parameters is the merged external parameter schema
		// (JSON Schema Draft 2020-12).
		Parameters map[string]any `json:"parameters"`

		// Steps is the ordered step list.
		Steps []Step `json:"steps"`

		// ErrorStrategy governs per-step failure handling.
		ErrorStrategy ErrorStrategy `json:"error_strategy"`

		// SourceChainID references the candidate chain this tool came from.
		SourceChainID uuid.UUID `json:"source_chain_id"`

		// SourceSupport is the chain's support at synthesis time, the
		// baseline for drift detection.
		SourceSupport float64 `json:"source_support"`

		// SourceTools is the chain's tool sequence, kept for drift re-mining.
		SourceTools []string `json:"source_tools"`

		// Version starts at 1 and increases on re-synthesis.
		Version int `json:"version"`

		// State is the lifecycle state.
		State ToolState `json:"state"`

		// CreatedAt, PromotedAt, RetiredAt are lifecycle timestamps.
		CreatedAt  time.Time  `json:"created_at"`
		PromotedAt *time.Time `json:"promoted_at,omitempty"`
		RetiredAt  *time.Time `json:"retired_at,omitempty"`
	}

	// Step is one underlying tool invocation within a composite tool.
	Step struct {
		// Index is the zero-based position, dense from 0.
		Index int `json:"index"`

		// ToolID identifies the underlying tool.
		ToolID string `json:"tool_id"`

		// InputMapping maps each input key to its source: "parameters.<name>"
		// for external inputs, "wiring.<step>.<field>" for upstream outputs,
		// anything else is a literal constant.
		InputMapping map[string]string `json:"input_mapping"`

		// Condition is an optional restricted predicate controlling skip.
		Condition string `json:"condition,omitempty"`

		// ParallelizableWith lists sibling step indices this step may run
		// concurrently with.
		ParallelizableWith []int `json:"parallelizable_with,omitempty"`

		// TimeoutMS is an optional per-step timeout.
		TimeoutMS int `json:"timeout_ms,omitempty"`
	}

	// RetryPolicy is a per-step retry configuration.
	RetryPolicy struct {
		MaxAttempts int    `json:"max_attempts"`
		Backoff     string `json:"backoff"` // "fixed" or "exponential"
		BaseDelayMS int    `json:"base_delay_ms"`
	}

	// ErrorStrategy governs failure handling for a composite tool.
	ErrorStrategy struct {
		// RetryPolicies maps step index to its retry policy.
		RetryPolicies map[int]RetryPolicy `json:"retry_policies,omitempty"`

		// Fallbacks maps step index to alternative tool sequences tried when
		// the step keeps failing.
		Fallbacks map[int][]string `json:"fallbacks,omitempty"`

		// AbortConditions are restricted predicates that abort the whole
		// composite when true.
		AbortConditions []string `json:"abort_conditions,omitempty"`

		// DefaultBehavior is one of "retry", "skip", "abort".
		DefaultBehavior string `json:"default_behavior"`
	}
)

const (
	// StateDraft is the initial state after synthesis.
	StateDraft ToolState = "draft"

	// StateTesting means validation is underway or approval is pending.
	StateTesting ToolState = "testing"

	// StatePromoted means the tool passed validation and is live.
	StatePromoted ToolState = "promoted"

	// StateRetired is terminal. A reappearing chain produces a new tool.
	StateRetired ToolState = "retired"
)

// IsValid checks if the ToolState is a valid enum value.
func (s ToolState) IsValid() bool {
	switch s {
	case StateDraft, StateTesting, StatePromoted, StateRetired:
		return true
	default:
		return false
	}
}

// String returns the string representation of the ToolState.
func (s ToolState) String() string {
	return string(s)
}

// ValidStates returns all valid tool lifecycle states.
func ValidStates() []ToolState {
	return []ToolState{StateDraft, StateTesting, StatePromoted, StateRetired}
}

// Mapping source prefixes.
const (
	sourceParametersPrefix = "parameters."
	sourceWiringPrefix     = "wiring."
)

// IsParameterRef reports whether a mapping source reads an external
// parameter, returning the parameter name.
func IsParameterRef(source string) (string, bool) {
	if name, ok := strings.CutPrefix(source, sourceParametersPrefix); ok && name != "" {
		return name, true
	}

	return "", false
}

// IsWiringRef reports whether a mapping source reads an upstream step
// output, returning the step index and field name.
func IsWiringRef(source string) (int, string, bool) {
	rest, ok := strings.CutPrefix(source, sourceWiringPrefix)
	if !ok {
		return 0, "", false
	}

	stepText, field, ok := strings.Cut(rest, ".")
	if !ok || field == "" {
		return 0, "", false
	}

	step, err := strconv.Atoi(stepText)
	if err != nil || step < 0 {
		return 0, "", false
	}

	return step, field, true
}

// WiringRef builds a wiring mapping source.
func WiringRef(step int, field string) string {
	return fmt.Sprintf("%s%d.%s", sourceWiringPrefix, step, field)
}

// ParameterRef builds an external parameter mapping source.
func ParameterRef(name string) string {
	return sourceParametersPrefix + name
}

// InternalWiring extracts the wiring view of the tool: for each step, the
// input keys resolved from upstream outputs.
func (t *SynthesizedTool) InternalWiring() map[int]map[string]string {
	wiring := make(map[int]map[string]string)

	for _, step := range t.Steps {
		for key, source := range step.InputMapping {
			if _, _, ok := IsWiringRef(source); ok {
				if wiring[step.Index] == nil {
					wiring[step.Index] = make(map[string]string)
				}

				wiring[step.Index][key] = source
			}
		}
	}

	return wiring
}

// Validate checks the structural invariants of a synthesized tool.
func (t *SynthesizedTool) Validate() error {
	if t.Slug == "" {
		return fmt.Errorf("%w: slug is empty", ErrSchemaInvalid)
	}

	if t.Version < 1 {
		return fmt.Errorf("%w: version must be >= 1, got %d", ErrSchemaInvalid, t.Version)
	}

	if !t.State.IsValid() {
		return fmt.Errorf("%w: unknown state '%s'", ErrSchemaInvalid, t.State)
	}

	if len(t.Steps) < 2 {
		return fmt.Errorf("%w: composite tool needs at least 2 steps, got %d", ErrSchemaInvalid, len(t.Steps))
	}

	for i, step := range t.Steps {
		if step.Index != i {
			return fmt.Errorf("%w: step indices must be dense from 0, got %d at position %d",
				ErrSchemaInvalid, step.Index, i)
		}

		if step.ToolID == "" {
			return fmt.Errorf("%w: step %d has no tool id", ErrSchemaInvalid, i)
		}

		for key, source := range step.InputMapping {
			if upstream, _, ok := IsWiringRef(source); ok && upstream >= i {
				return fmt.Errorf("%w: step %d input '%s' references non-upstream step %d",
					ErrSchemaInvalid, i, key, upstream)
			}
		}

		for _, sibling := range step.ParallelizableWith {
			if sibling < 0 || sibling >= len(t.Steps) || sibling == i {
				return fmt.Errorf("%w: step %d has out-of-bounds parallel sibling %d",
					ErrSchemaInvalid, i, sibling)
			}
		}
	}

	return nil
}
