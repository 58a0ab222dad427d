package validation

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/twinraven-io/twinraven/internal/canonicalization"
	"github.com/twinraven-io/twinraven/internal/config"
	"github.com/twinraven-io/twinraven/internal/synthesis"
	"github.com/twinraven-io/twinraven/internal/telemetry"
)

// lowOutcomeCoverage is the matched-event outcome coverage below which a
// warning is attached to the result.
const lowOutcomeCoverage = 0.8

// Validator replays synthesized tools against recorded sessions.
type Validator struct {
	store  telemetry.Store
	logger *slog.Logger
}

// replay is one session's projection outcome.
type replay struct {
	sessionID        string
	similarity       float64
	originalLatency  int64
	projectedLatency int64
	failedSteps      []int
	validOutcomes    int
	matchedEvents    int
}

// NewValidator creates a Validator over the given event store.
func NewValidator(store telemetry.Store) (*Validator, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: event store is required", ErrValidationFailed)
	}

	return &Validator{
		store: store,
		logger: slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: config.GetEnvLogLevel("LOG_LEVEL", slog.LevelInfo),
		})),
	}, nil
}

// Validate replays the tool against recorded sessions and scores output
// equivalence, latency, and error parity. The run fails with an error only
// when it cannot complete (bad config, wrong state, too few sessions); a
// completed run that fails its checks returns a result recommending draft.
func (v *Validator) Validate(ctx context.Context, tool *synthesis.SynthesizedTool, cfg Config) (*ValidationResult, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if err := tool.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrValidationFailed, err)
	}

	if tool.State != synthesis.StateDraft && tool.State != synthesis.StateTesting {
		return nil, fmt.Errorf("%w: tool '%s' is %s, only draft or testing tools are validated",
			ErrValidationFailed, tool.Slug, tool.State)
	}

	replays, err := v.replaySessions(ctx, tool, cfg)
	if err != nil {
		return nil, err
	}

	result := v.aggregate(tool, cfg, replays)

	v.logger.Info("validation run completed",
		slog.String("tool_slug", tool.Slug),
		slog.Int("tool_version", tool.Version),
		slog.Int("sessions_replayed", result.SessionsReplayed),
		slog.Bool("passed", result.Passed),
		slog.String("recommended_state", result.RecommendedState.String()),
	)

	return result, nil
}

// replaySessions selects matching sessions (most recent first) and projects
// the tool over each until the replay quota is met.
func (v *Validator) replaySessions(ctx context.Context, tool *synthesis.SynthesizedTool, cfg Config) ([]*replay, error) {
	tools := make([]string, len(tool.Steps))
	for i, step := range tool.Steps {
		tools[i] = step.ToolID
	}

	sessionIDs, err := v.store.GetSessions(ctx, cfg.Since, cfg.Until, len(tools))
	if err != nil {
		return nil, fmt.Errorf("%w: session query: %w", ErrValidationFailed, err)
	}

	replays := make([]*replay, 0, cfg.MinReplaySessions)

	for _, sessionID := range sessionIDs {
		if len(replays) >= cfg.MinReplaySessions {
			break
		}

		events, err := v.store.GetBySession(ctx, sessionID, telemetry.OrderChain)
		if err != nil {
			return nil, fmt.Errorf("%w: session '%s': %w", ErrValidationFailed, sessionID, err)
		}

		matched := matchSequence(events, tools)
		if matched == nil {
			continue
		}

		replays = append(replays, projectSession(tool, sessionID, matched, cfg.SimilarityMethod))
	}

	if len(replays) < cfg.MinReplaySessions {
		return nil, fmt.Errorf("%w: found %d matching sessions, need %d",
			ErrInsufficientData, len(replays), cfg.MinReplaySessions)
	}

	return replays, nil
}

// aggregate folds per-session replays into the final result.
func (v *Validator) aggregate(tool *synthesis.SynthesizedTool, cfg Config, replays []*replay) *ValidationResult {
	result := &ValidationResult{
		ID:               uuid.New(),
		ToolSlug:         tool.Slug,
		ToolVersion:      tool.Version,
		SessionsReplayed: len(replays),
		Method:           cfg.SimilarityMethod,
		Threshold:        cfg.EquivalenceThreshold,
		MinSimilarity:    1,
		ErrorParity:      true,
		ValidatedAt:      time.Now().UTC(),
	}

	var (
		similaritySum             float64
		originalSum, projectedSum int64
		validOutcomes, matched    int
	)

	for _, r := range replays {
		similaritySum += r.similarity
		if r.similarity < result.MinSimilarity {
			result.MinSimilarity = r.similarity
		}

		originalSum += r.originalLatency
		projectedSum += r.projectedLatency
		validOutcomes += r.validOutcomes
		matched += r.matchedEvents

		for _, step := range r.failedSteps {
			if !strategyCoversStep(&tool.ErrorStrategy, step) {
				result.ErrorParity = false

				result.FailureReasons = append(result.FailureReasons,
					fmt.Sprintf("session '%s': step %d failed with no matching retry, fallback, or abort clause",
						r.sessionID, step))
			}
		}
	}

	result.MeanSimilarity = similaritySum / float64(len(replays))

	if originalSum > 0 {
		result.LatencyRatio = float64(projectedSum) / float64(originalSum)
	} else {
		result.LatencyRatio = 1
	}

	if result.MeanSimilarity < cfg.EquivalenceThreshold {
		result.FailureReasons = append(result.FailureReasons,
			fmt.Sprintf("mean similarity %.3f below threshold %.3f", result.MeanSimilarity, cfg.EquivalenceThreshold))
	}

	if result.LatencyRatio > cfg.MaxLatencyRegression {
		result.FailureReasons = append(result.FailureReasons,
			fmt.Sprintf("latency ratio %.3f exceeds limit %.3f", result.LatencyRatio, cfg.MaxLatencyRegression))
	}

	// Outcomes are caller-supplied; low coverage degrades failure statistics
	// silently, so it surfaces as a warning, never a failure.
	if matched > 0 {
		coverage := float64(validOutcomes) / float64(matched)
		if coverage < lowOutcomeCoverage {
			result.Warnings = append(result.Warnings,
				fmt.Sprintf("outcome coverage %.2f is low, failure statistics may be unreliable", coverage))
		}
	}

	result.Passed = len(result.FailureReasons) == 0

	switch {
	case result.Passed && !cfg.RequireApproval:
		result.RecommendedState = synthesis.StatePromoted
	case result.Passed:
		result.RecommendedState = synthesis.StateTesting
	default:
		result.RecommendedState = synthesis.StateDraft
	}

	return result
}

// projectSession simulates the composite tool purely over recorded data.
//
// External parameters are read off the recorded inputs via the steps'
// parameter mappings. Each step's inputs are then re-resolved from those
// parameters, upstream recorded outputs, and literal constants. When every
// step reproduces its recorded inputs the projection yields the recorded
// final output; a diverging step yields that step's resolved inputs instead,
// which scores against the recorded output.
func projectSession(tool *synthesis.SynthesizedTool, sessionID string, matched []*telemetry.Event, method SimilarityMethod) *replay {
	r := &replay{sessionID: sessionID, matchedEvents: len(matched)}

	groups := parallelGroups(tool.Steps)

	for i, event := range matched {
		r.originalLatency += int64(event.LatencyMS)

		if event.Outcome == telemetry.OutcomeFailure {
			r.failedSteps = append(r.failedSteps, i)
		}

		if event.Outcome.IsValid() {
			r.validOutcomes++
		}
	}

	r.projectedLatency = r.originalLatency - parallelSavings(groups, matched)

	params := extractParameters(tool, matched)
	projected := matched[len(matched)-1].OutputSummary

	for i, step := range tool.Steps {
		resolved := resolveInputs(step, params, matched)

		if !sameInputs(resolved, matched[i].InputParams) {
			diverged, err := canonicalization.CanonicalJSON(resolved)
			if err != nil {
				diverged = nil
			}

			projected = string(diverged)

			break
		}
	}

	r.similarity = Similarity(method, projected, matched[len(matched)-1].OutputSummary)

	return r
}

// extractParameters recovers the composite's external inputs from the
// recorded step inputs: for every "parameters.<name>" mapping, the recorded
// value at that step supplies the parameter. First writer wins.
func extractParameters(tool *synthesis.SynthesizedTool, matched []*telemetry.Event) map[string]any {
	params := make(map[string]any)

	for i, step := range tool.Steps {
		if i >= len(matched) {
			break
		}

		for key, source := range step.InputMapping {
			name, ok := synthesis.IsParameterRef(source)
			if !ok {
				continue
			}

			if _, present := params[name]; present {
				continue
			}

			if value, recorded := matched[i].InputParams[key]; recorded {
				params[name] = value
			}
		}
	}

	return params
}

// resolveInputs builds one step's input map from the composite parameters,
// recorded upstream outputs, and literal constants.
func resolveInputs(step synthesis.Step, params map[string]any, matched []*telemetry.Event) map[string]any {
	resolved := make(map[string]any, len(step.InputMapping))

	for key, source := range step.InputMapping {
		if name, ok := synthesis.IsParameterRef(source); ok {
			if value, present := params[name]; present {
				resolved[key] = value
			}

			continue
		}

		if upstream, field, ok := synthesis.IsWiringRef(source); ok {
			if upstream < len(matched) {
				if value, present := outputField(matched[upstream].OutputSummary, field); present {
					resolved[key] = value
				}
			}

			continue
		}

		// Literal constant: JSON when it parses, raw string otherwise.
		var value any
		if err := json.Unmarshal([]byte(source), &value); err == nil {
			resolved[key] = value
		} else {
			resolved[key] = source
		}
	}

	return resolved
}

// outputField reads a possibly dotted field path out of a JSON-object output
// summary.
func outputField(summary, field string) (any, bool) {
	if summary == "" {
		return nil, false
	}

	var output map[string]any
	if err := json.Unmarshal([]byte(summary), &output); err != nil {
		return nil, false
	}

	parts := strings.Split(field, ".")

	var value any = output

	for _, part := range parts {
		object, ok := value.(map[string]any)
		if !ok {
			return nil, false
		}

		value, ok = object[part]
		if !ok {
			return nil, false
		}
	}

	return value, true
}

// sameInputs compares two input trees by canonical form.
func sameInputs(a, b map[string]any) bool {
	canonicalA, errA := canonicalization.CanonicalJSON(a)
	canonicalB, errB := canonicalization.CanonicalJSON(b)

	if errA != nil || errB != nil {
		return false
	}

	return string(canonicalA) == string(canonicalB)
}

// parallelGroups computes the connected components of mutual
// parallelizable_with markings.
func parallelGroups(steps []synthesis.Step) [][]int {
	parent := make([]int, len(steps))
	for i := range parent {
		parent[i] = i
	}

	var find func(int) int
	find = func(i int) int {
		if parent[i] != i {
			parent[i] = find(parent[i])
		}

		return parent[i]
	}

	mutual := func(a, b int) bool {
		for _, sibling := range steps[a].ParallelizableWith {
			if sibling == b {
				return true
			}
		}

		return false
	}

	for i, step := range steps {
		for _, sibling := range step.ParallelizableWith {
			if sibling >= 0 && sibling < len(steps) && mutual(sibling, i) {
				parent[find(i)] = find(sibling)
			}
		}
	}

	members := make(map[int][]int)
	for i := range steps {
		root := find(i)
		members[root] = append(members[root], i)
	}

	var groups [][]int

	for _, group := range members {
		if len(group) > 1 {
			groups = append(groups, group)
		}
	}

	return groups
}

// parallelSavings sums (sum - max) of recorded latencies per parallel group.
func parallelSavings(groups [][]int, matched []*telemetry.Event) int64 {
	var savings int64

	for _, group := range groups {
		var sum, max int64

		for _, index := range group {
			if index >= len(matched) {
				continue
			}

			latency := int64(matched[index].LatencyMS)
			sum += latency

			if latency > max {
				max = latency
			}
		}

		savings += sum - max
	}

	return savings
}

// strategyCoversStep reports whether the error strategy handles a failure at
// the given step: a retry policy, a fallback sequence, or an abort clause
// referencing the step's output.
func strategyCoversStep(strategy *synthesis.ErrorStrategy, step int) bool {
	if _, ok := strategy.RetryPolicies[step]; ok {
		return true
	}

	if _, ok := strategy.Fallbacks[step]; ok {
		return true
	}

	prefix := fmt.Sprintf("wiring.%d.", step)
	for _, condition := range strategy.AbortConditions {
		if strings.Contains(condition, prefix) {
			return true
		}
	}

	return false
}

// matchSequence finds the earliest occurrence of the tool sequence as a
// subsequence of the session's events.
func matchSequence(events []*telemetry.Event, tools []string) []*telemetry.Event {
	matched := make([]*telemetry.Event, 0, len(tools))

	next := 0
	for _, event := range events {
		if next >= len(tools) {
			break
		}

		if event.ToolID == tools[next] {
			matched = append(matched, event)
			next++
		}
	}

	if next < len(tools) {
		return nil
	}

	return matched
}
