package synthesis

import (
	"reflect"
	"testing"

	"github.com/twinraven-io/twinraven/internal/telemetry"
)

// flowEvent builds a minimal event for flow analysis.
func flowEvent(toolID string, inputs map[string]any, output string) *telemetry.Event {
	return &telemetry.Event{
		ToolID:        toolID,
		InputParams:   inputs,
		OutputSummary: output,
		Outcome:       telemetry.OutcomeSuccess,
	}
}

func flowSample(sessionID string, events ...*telemetry.Event) *Sample {
	return &Sample{SessionID: sessionID, Events: events}
}

func findFlow(t *testing.T, flows []ClassifiedInput, step int, key string) ClassifiedInput {
	t.Helper()

	for _, flow := range flows {
		if flow.Step == step && flow.Key == key {
			return flow
		}
	}

	t.Fatalf("no classification for step %d key %q", step, key)

	return ClassifiedInput{}
}

func TestAnalyzeFlowsStepZeroIsExternal(t *testing.T) {
	samples := []*Sample{
		flowSample("s1",
			flowEvent("search", map[string]any{"query": "go"}, `{"results":["a"]}`),
			flowEvent("read", map[string]any{"doc": "a"}, ""),
		),
	}

	flows := AnalyzeFlows(2, samples, nil)

	flow := findFlow(t, flows, 0, "query")
	if flow.Class != FlowExternal || flow.Source != "parameters.query" {
		t.Errorf("step 0 query = %+v, want external parameters.query", flow)
	}
}

func TestAnalyzeFlowsWiringFromPreviousOutput(t *testing.T) {
	samples := []*Sample{
		flowSample("s1",
			flowEvent("search", map[string]any{"query": "go"}, `{"doc":"a"}`),
			flowEvent("read", map[string]any{"doc": "a"}, ""),
		),
		flowSample("s2",
			flowEvent("search", map[string]any{"query": "rust"}, `{"doc":"b"}`),
			flowEvent("read", map[string]any{"doc": "b"}, ""),
		),
	}

	flow := findFlow(t, AnalyzeFlows(2, samples, nil), 1, "doc")
	if flow.Class != FlowWiring || flow.Source != "wiring.0.doc" {
		t.Errorf("step 1 doc = %+v, want wiring wiring.0.doc", flow)
	}
}

func TestAnalyzeFlowsConstantAcrossSamples(t *testing.T) {
	samples := []*Sample{
		flowSample("s1",
			flowEvent("search", map[string]any{"query": "go"}, `{"doc":"a"}`),
			flowEvent("read", map[string]any{"format": "markdown"}, ""),
		),
		flowSample("s2",
			flowEvent("search", map[string]any{"query": "rust"}, `{"doc":"b"}`),
			flowEvent("read", map[string]any{"format": "markdown"}, ""),
		),
	}

	flow := findFlow(t, AnalyzeFlows(2, samples, nil), 1, "format")
	if flow.Class != FlowConstant || flow.Source != `"markdown"` {
		t.Errorf("step 1 format = %+v, want constant \"markdown\"", flow)
	}
}

func TestAnalyzeFlowsExternalWhenNeverInPriorOutputs(t *testing.T) {
	samples := []*Sample{
		flowSample("s1",
			flowEvent("search", map[string]any{"query": "go"}, `{"doc":"a"}`),
			flowEvent("read", map[string]any{"limit": 5}, ""),
		),
		flowSample("s2",
			flowEvent("search", map[string]any{"query": "rust"}, `{"doc":"b"}`),
			flowEvent("read", map[string]any{"limit": 10}, ""),
		),
	}

	flow := findFlow(t, AnalyzeFlows(2, samples, nil), 1, "limit")
	if flow.Class != FlowExternal || flow.Source != "parameters.limit" {
		t.Errorf("step 1 limit = %+v, want external parameters.limit", flow)
	}
}

func TestAnalyzeFlowsAmbiguousOtherwise(t *testing.T) {
	// The key varies, appears in an earlier (not immediately preceding)
	// output in one sample only, so no rule applies.
	samples := []*Sample{
		flowSample("s1",
			flowEvent("search", map[string]any{"query": "go"}, `{"ref":"x"}`),
			flowEvent("fetch", map[string]any{"url": "u1"}, `{"body":"..."}`),
			flowEvent("read", map[string]any{"ref": "x"}, ""),
		),
		flowSample("s2",
			flowEvent("search", map[string]any{"query": "rust"}, `{"other":1}`),
			flowEvent("fetch", map[string]any{"url": "u2"}, `{"body":"..."}`),
			flowEvent("read", map[string]any{"ref": "y"}, ""),
		),
	}

	flow := findFlow(t, AnalyzeFlows(3, samples, nil), 2, "ref")
	if flow.Class != FlowAmbiguous {
		t.Errorf("step 2 ref = %+v, want ambiguous", flow)
	}

	if flow.Source != "" {
		t.Errorf("ambiguous flow carries source %q, want empty", flow.Source)
	}
}

func TestAnalyzeFlowsWiringThroughKnownRename(t *testing.T) {
	// Upstream emits doc_id, downstream asks for document_id. Without the
	// rename table this is ambiguous; with it, it wires.
	samples := []*Sample{
		flowSample("s1",
			flowEvent("search", map[string]any{"query": "go"}, `{"doc_id":"a"}`),
			flowEvent("read", map[string]any{"document_id": "a"}, ""),
		),
		flowSample("s2",
			flowEvent("search", map[string]any{"query": "rust"}, `{"doc_id":"b"}`),
			flowEvent("read", map[string]any{"document_id": "b"}, ""),
		),
	}

	renames := NewRenames(map[string][]string{"document_id": {"doc_id"}})

	flow := findFlow(t, AnalyzeFlows(2, samples, renames), 1, "document_id")
	if flow.Class != FlowWiring || flow.Source != "wiring.0.document_id" {
		t.Errorf("step 1 document_id = %+v, want wiring wiring.0.document_id", flow)
	}

	// The same samples without the table stay external: the key varies and
	// never appears verbatim upstream.
	flow = findFlow(t, AnalyzeFlows(2, samples, nil), 1, "document_id")
	if flow.Class != FlowExternal {
		t.Errorf("step 1 document_id without renames = %+v, want external", flow)
	}
}

func TestAnalyzeFlowsRenameMustHoldAcrossSamples(t *testing.T) {
	// The rename matches in one sample but not the other, so wiring does
	// not apply.
	samples := []*Sample{
		flowSample("s1",
			flowEvent("search", map[string]any{"query": "go"}, `{"doc_id":"a"}`),
			flowEvent("read", map[string]any{"document_id": "a"}, ""),
		),
		flowSample("s2",
			flowEvent("search", map[string]any{"query": "rust"}, `{"hits":3}`),
			flowEvent("read", map[string]any{"document_id": "b"}, ""),
		),
	}

	renames := NewRenames(map[string][]string{"document_id": {"doc_id"}})

	flow := findFlow(t, AnalyzeFlows(2, samples, renames), 1, "document_id")
	if flow.Class == FlowWiring {
		t.Errorf("step 1 document_id = %+v, wiring must hold in every sample", flow)
	}
}

func TestAnalyzeFlowsDeterministicOrder(t *testing.T) {
	samples := []*Sample{
		flowSample("s1",
			flowEvent("search", map[string]any{"b": 1, "a": 2, "c": 3}, ""),
			flowEvent("read", map[string]any{"z": 1, "y": 2}, ""),
		),
	}

	first := AnalyzeFlows(2, samples, nil)

	for i := 0; i < 5; i++ {
		if again := AnalyzeFlows(2, samples, nil); !reflect.DeepEqual(first, again) {
			t.Fatalf("run %d differs: %+v vs %+v", i, first, again)
		}
	}

	var keys []string
	for _, flow := range first {
		keys = append(keys, flow.Key)
	}

	want := []string{"a", "b", "c", "y", "z"}
	if !reflect.DeepEqual(keys, want) {
		t.Errorf("flow order = %v, want %v", keys, want)
	}
}
