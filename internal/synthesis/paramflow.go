package synthesis

import (
	"encoding/json"
	"reflect"
	"sort"

	"github.com/twinraven-io/twinraven/internal/telemetry"
)

type (
	// FlowClass classifies how one step input gets its value.
	FlowClass string

	// ClassifiedInput is the deterministic classification of one input key at
	// one step, injected into the synthesis prompt as a structured hint.
	ClassifiedInput struct {
		// Step is the zero-based step index within the chain.
		Step int `json:"step"`

		// Key is the input parameter name.
		Key string `json:"key"`

		// Class is the flow classification.
		Class FlowClass `json:"class"`

		// Source is the suggested mapping source: "parameters.<key>" for
		// external inputs, "wiring.<step>.<key>" for internal wiring, the
		// observed literal for constants, empty for ambiguous inputs.
		Source string `json:"source,omitempty"`
	}

	// Sample is one recorded execution of a chain: the session's events
	// matched to the chain's tool order, aligned by position.
	Sample struct {
		SessionID string
		Events    []*telemetry.Event
	}
)

const (
	// FlowExternal means the input comes from the composite tool's caller.
	FlowExternal FlowClass = "external"

	// FlowWiring means the input is produced by an upstream step's output.
	FlowWiring FlowClass = "wiring"

	// FlowConstant means the input value is identical across all samples.
	FlowConstant FlowClass = "constant"

	// FlowAmbiguous means no deterministic rule applies; resolution is left
	// to the LLM.
	FlowAmbiguous FlowClass = "ambiguous"
)

// AnalyzeFlows classifies every input key at every chain step across the
// given samples.
//
// Rules, applied per key at step N:
//   - Step 0 inputs are always external.
//   - Wiring when the same key, or a known rename of it, appears in step
//     N-1's output in every sample where both steps are present.
//   - Constant when the value is identical across all samples.
//   - External when the key never appears in any prior step's output.
//   - Ambiguous otherwise.
//
// A nil rename table disables rename matching; exact names still wire.
// Output order is deterministic: by step, then key.
func AnalyzeFlows(chainLength int, samples []*Sample, renames *Renames) []ClassifiedInput {
	var flows []ClassifiedInput

	for step := 0; step < chainLength; step++ {
		for _, key := range inputKeysAt(samples, step) {
			flows = append(flows, classifyInput(samples, step, key, renames))
		}
	}

	return flows
}

// classifyInput applies the flow rules to one (step, key) pair.
func classifyInput(samples []*Sample, step int, key string, renames *Renames) ClassifiedInput {
	input := ClassifiedInput{Step: step, Key: key}

	if step == 0 {
		input.Class = FlowExternal
		input.Source = ParameterRef(key)

		return input
	}

	if keyInPreviousOutput(samples, step, key, renames) {
		input.Class = FlowWiring
		input.Source = WiringRef(step-1, key)

		return input
	}

	if literal, constant := constantValue(samples, step, key); constant {
		input.Class = FlowConstant
		input.Source = literal

		return input
	}

	if !keyInAnyPriorOutput(samples, step, key, renames) {
		input.Class = FlowExternal
		input.Source = ParameterRef(key)

		return input
	}

	input.Class = FlowAmbiguous

	return input
}

// inputKeysAt collects the distinct input keys observed at a step, sorted.
func inputKeysAt(samples []*Sample, step int) []string {
	seen := make(map[string]bool)

	for _, sample := range samples {
		if step >= len(sample.Events) {
			continue
		}

		for key := range sample.Events[step].InputParams {
			seen[key] = true
		}
	}

	keys := make([]string, 0, len(seen))
	for key := range seen {
		keys = append(keys, key)
	}

	sort.Strings(keys)

	return keys
}

// keyInPreviousOutput reports whether the key, or a known rename of it,
// appears in the immediately preceding step's output in every sample that
// covers both steps.
func keyInPreviousOutput(samples []*Sample, step int, key string, renames *Renames) bool {
	covered := 0

	for _, sample := range samples {
		if step >= len(sample.Events) {
			continue
		}

		if _, present := sample.Events[step].InputParams[key]; !present {
			continue
		}

		covered++

		if !outputMatchesKey(sample.Events[step-1], key, renames) {
			return false
		}
	}

	return covered > 0
}

// keyInAnyPriorOutput reports whether any prior step's output exposes the
// key, or a known rename of it, in any sample.
func keyInAnyPriorOutput(samples []*Sample, step int, key string, renames *Renames) bool {
	for _, sample := range samples {
		limit := step
		if limit > len(sample.Events) {
			limit = len(sample.Events)
		}

		for prior := 0; prior < limit; prior++ {
			if outputMatchesKey(sample.Events[prior], key, renames) {
				return true
			}
		}
	}

	return false
}

// outputMatchesKey checks the event's output for the key itself or any of
// its known renames.
func outputMatchesKey(event *telemetry.Event, key string, renames *Renames) bool {
	if outputHasKey(event, key) {
		return true
	}

	for _, alias := range renames.KnownFor(key) {
		if outputHasKey(event, alias) {
			return true
		}
	}

	return false
}

// constantValue reports whether the key carries an identical value across
// all samples, returning its JSON literal.
func constantValue(samples []*Sample, step int, key string) (string, bool) {
	var (
		first any
		seen  bool
	)

	for _, sample := range samples {
		if step >= len(sample.Events) {
			continue
		}

		value, present := sample.Events[step].InputParams[key]
		if !present {
			continue
		}

		if !seen {
			first = value
			seen = true

			continue
		}

		if !reflect.DeepEqual(first, value) {
			return "", false
		}
	}

	if !seen {
		return "", false
	}

	literal, err := json.Marshal(first)
	if err != nil {
		return "", false
	}

	return string(literal), true
}

// outputHasKey parses an event's output summary as a JSON object and checks
// for the key. Non-object summaries never match.
func outputHasKey(event *telemetry.Event, key string) bool {
	if event.OutputSummary == "" {
		return false
	}

	var output map[string]any
	if err := json.Unmarshal([]byte(event.OutputSummary), &output); err != nil {
		return false
	}

	_, present := output[key]

	return present
}
