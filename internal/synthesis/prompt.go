package synthesis

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/twinraven-io/twinraven/internal/mining"
)

// ResponseSchema is the JSON Schema (Draft 2020-12) every synthesis response
// must conform to. The provider validates responses against it before they
// reach the decoder.
func ResponseSchema() map[string]any {
	return map[string]any{
		"$schema":              "https://json-schema.org/draft/2020-12/schema",
		"type":                 "object",
		"required":             []any{"description", "parameters", "steps"},
		"additionalProperties": false,
		"properties": map[string]any{
			"description": map[string]any{
				"type":      "string",
				"minLength": 1,
			},
			"parameters": map[string]any{
				"type": "object",
			},
			"steps": map[string]any{
				"type":     "array",
				"minItems": 2,
				"items": map[string]any{
					"type":                 "object",
					"required":             []any{"tool_id", "input_mapping"},
					"additionalProperties": false,
					"properties": map[string]any{
						"tool_id": map[string]any{
							"type":      "string",
							"minLength": 1,
						},
						"input_mapping": map[string]any{
							"type":                 "object",
							"additionalProperties": map[string]any{"type": "string"},
						},
						"condition": map[string]any{
							"type": "string",
						},
						"parallelizable_with": map[string]any{
							"type":  "array",
							"items": map[string]any{"type": "integer", "minimum": 0},
						},
					},
				},
			},
		},
	}
}

// buildPrompt assembles the synthesis prompt: the chain, the classified
// parameter flows as structured hints, and up to maxSamples recorded
// executions.
func buildPrompt(chain *mining.CandidateChain, flows []ClassifiedInput, samples []*Sample, maxSamples int) string {
	var b strings.Builder

	b.WriteString("You are designing a composite tool that replays a frequently observed tool call sequence as a single operation.\n\n")

	fmt.Fprintf(&b, "Tool sequence (one step per tool, in order):\n")

	for i, tool := range chain.Tools {
		fmt.Fprintf(&b, "  step %d: %s\n", i, tool)
	}

	fmt.Fprintf(&b, "\nObserved across sessions with support %.2f and confidence %.2f.\n\n",
		chain.Support, chain.Confidence)

	b.WriteString("Parameter flow analysis (precomputed, follow these classifications):\n")

	for _, flow := range flows {
		switch flow.Class {
		case FlowExternal:
			fmt.Fprintf(&b, "  step %d input %q: external caller input, map it to %q and expose it in the parameters schema\n",
				flow.Step, flow.Key, flow.Source)
		case FlowWiring:
			fmt.Fprintf(&b, "  step %d input %q: produced by the previous step, map it to %q\n",
				flow.Step, flow.Key, flow.Source)
		case FlowConstant:
			fmt.Fprintf(&b, "  step %d input %q: constant across all observations, map it to the literal %s\n",
				flow.Step, flow.Key, flow.Source)
		case FlowAmbiguous:
			fmt.Fprintf(&b, "  step %d input %q: ambiguous, decide the mapping yourself\n",
				flow.Step, flow.Key)
		}
	}

	b.WriteString("\nRecorded sample executions:\n")

	for i, sample := range samples {
		if i >= maxSamples {
			break
		}

		fmt.Fprintf(&b, "\nsample %d (session %s):\n", i+1, sample.SessionID)

		for j, event := range sample.Events {
			inputs, _ := json.Marshal(event.InputParams)

			fmt.Fprintf(&b, "  step %d %s inputs=%s outcome=%s latency_ms=%d\n",
				j, event.ToolID, inputs, event.Outcome, event.LatencyMS)

			if event.OutputSummary != "" {
				fmt.Fprintf(&b, "    output: %s\n", event.OutputSummary)
			}
		}
	}

	b.WriteString(`
Produce the composite tool definition:
  - "description": one or two sentences describing what the composite does.
  - "parameters": a JSON Schema (Draft 2020-12) object describing the external inputs; every "parameters.<name>" mapping source must have a matching property.
  - "steps": one entry per step in the order above. Each "input_mapping" maps an input key to "parameters.<name>" for caller inputs, "wiring.<step>.<field>" for an earlier step's output field, or a JSON literal for constants.
  - "condition" (optional): a guard predicate over parameters/wiring references using ==, !=, <, <=, >, >=, &&, ||, ! and parentheses. No function calls.
  - "parallelizable_with" (optional): indices of sibling steps that could run concurrently because neither depends on the other's output.
`)

	return b.String()
}

// retryFeedback wraps the original prompt with the validator's complaints for
// the single retry attempt.
func retryFeedback(prompt string, validationErr error) string {
	return prompt + fmt.Sprintf(`

Your previous answer was rejected:
  %s

Fix these problems and produce the corrected JSON document.
`, validationErr)
}
