package synthesis

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/twinraven-io/twinraven/internal/mining"
)

type (
	// responseDocument mirrors the LLM response schema.
	responseDocument struct {
		Description string         `json:"description"`
		Parameters  map[string]any `json:"parameters"`
		Steps       []responseStep `json:"steps"`
	}

	responseStep struct {
		ToolID             string            `json:"tool_id"`
		InputMapping       map[string]string `json:"input_mapping"`
		Condition          string            `json:"condition,omitempty"`
		ParallelizableWith []int             `json:"parallelizable_with,omitempty"`
	}
)

// decodeResponse turns a schema-validated response document into validated
// steps. The returned error doubles as retry feedback, so it names every
// problem found rather than stopping at the first.
func decodeResponse(parsed map[string]any, chain *mining.CandidateChain, maxParallelSteps int) (*responseDocument, error) {
	raw, err := json.Marshal(parsed)
	if err != nil {
		return nil, fmt.Errorf("response is not serializable: %w", err)
	}

	var doc responseDocument
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("response does not match the expected document shape: %w", err)
	}

	var problems []string

	known := make(map[string]bool, len(chain.Tools))
	for _, tool := range chain.Tools {
		known[tool] = true
	}

	for i, step := range doc.Steps {
		if !known[step.ToolID] {
			problems = append(problems,
				fmt.Sprintf("step %d uses unknown tool %q; only the chain's tools are allowed", i, step.ToolID))
		}

		for key, source := range step.InputMapping {
			if upstream, _, ok := IsWiringRef(source); ok && upstream >= i {
				problems = append(problems,
					fmt.Sprintf("step %d input %q references step %d, which is not upstream", i, key, upstream))
			}
		}

		if step.Condition != "" {
			if err := ValidateCondition(step.Condition); err != nil {
				problems = append(problems, fmt.Sprintf("step %d: %v", i, err))
			}
		}

		for _, sibling := range step.ParallelizableWith {
			if sibling < 0 || sibling >= len(doc.Steps) || sibling == i {
				problems = append(problems,
					fmt.Sprintf("step %d lists invalid parallel sibling %d", i, sibling))
			}
		}
	}

	if missing := unresolvedParameters(doc); len(missing) > 0 {
		problems = append(problems,
			fmt.Sprintf("parameters schema is missing properties for: %s", strings.Join(missing, ", ")))
	}

	if len(problems) > 0 {
		return nil, fmt.Errorf("%s", strings.Join(problems, "; "))
	}

	reconcileParallelism(doc.Steps, maxParallelSteps)

	return &doc, nil
}

// unresolvedParameters lists parameter references used in mappings that have
// no matching property in the parameters schema.
func unresolvedParameters(doc responseDocument) []string {
	properties, _ := doc.Parameters["properties"].(map[string]any)

	seen := make(map[string]bool)

	var missing []string

	for _, step := range doc.Steps {
		for _, source := range step.InputMapping {
			name, ok := IsParameterRef(source)
			if !ok || seen[name] {
				continue
			}

			seen[name] = true

			root := name
			if dot := strings.IndexByte(name, '.'); dot >= 0 {
				root = name[:dot]
			}

			if _, present := properties[root]; !present {
				missing = append(missing, name)
			}
		}
	}

	sort.Strings(missing)

	return missing
}

// reconcileParallelism rewrites parallelizable_with in place so that two
// steps stay marked only when neither is a transitive ancestor of the other
// through wiring, the marking is mutual, and no step exceeds the configured
// concurrency width.
func reconcileParallelism(steps []responseStep, maxParallelSteps int) {
	ancestors := wiringAncestors(steps)

	independent := func(a, b int) bool {
		return !ancestors[b][a] && !ancestors[a][b]
	}

	marked := make([]map[int]bool, len(steps))
	for i, step := range steps {
		marked[i] = make(map[int]bool, len(step.ParallelizableWith))

		for _, sibling := range step.ParallelizableWith {
			if independent(i, sibling) {
				marked[i][sibling] = true
			}
		}
	}

	// Mutual markings only, trimmed to the concurrency width.
	trimmed := make([]map[int]bool, len(steps))

	for i := range steps {
		var siblings []int

		for sibling := range marked[i] {
			if marked[sibling][i] {
				siblings = append(siblings, sibling)
			}
		}

		sort.Ints(siblings)

		if maxParallelSteps > 0 && len(siblings) > maxParallelSteps-1 {
			siblings = siblings[:maxParallelSteps-1]
		}

		trimmed[i] = make(map[int]bool, len(siblings))
		for _, sibling := range siblings {
			trimmed[i][sibling] = true
		}
	}

	// Trimming can break mutuality; intersect once more.
	for i := range steps {
		var siblings []int

		for sibling := range trimmed[i] {
			if trimmed[sibling][i] {
				siblings = append(siblings, sibling)
			}
		}

		sort.Ints(siblings)

		if len(siblings) == 0 {
			siblings = nil
		}

		steps[i].ParallelizableWith = siblings
	}
}

// wiringAncestors computes, per step, the set of steps reachable through
// input wiring (transitive closure). Wiring only points upstream, so a
// forward pass suffices.
func wiringAncestors(steps []responseStep) []map[int]bool {
	ancestors := make([]map[int]bool, len(steps))

	for i, step := range steps {
		ancestors[i] = make(map[int]bool)

		for _, source := range step.InputMapping {
			upstream, _, ok := IsWiringRef(source)
			if !ok || upstream >= i {
				continue
			}

			ancestors[i][upstream] = true

			for transitive := range ancestors[upstream] {
				ancestors[i][transitive] = true
			}
		}
	}

	return ancestors
}
