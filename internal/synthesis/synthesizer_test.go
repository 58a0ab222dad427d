package synthesis_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/twinraven-io/twinraven/internal/llm"
	"github.com/twinraven-io/twinraven/internal/mining"
	"github.com/twinraven-io/twinraven/internal/storage"
	"github.com/twinraven-io/twinraven/internal/synthesis"
	"github.com/twinraven-io/twinraven/internal/telemetry"
)

// fakeProvider scripts successive Generate results and records prompts.
type fakeProvider struct {
	results []fakeGeneration
	prompts []string
}

type fakeGeneration struct {
	parsed map[string]any
	err    error
}

func (f *fakeProvider) Generate(_ context.Context, req *llm.Request) (*llm.Response, error) {
	f.prompts = append(f.prompts, req.Prompt)

	index := len(f.prompts) - 1
	if index >= len(f.results) {
		index = len(f.results) - 1
	}

	result := f.results[index]
	if result.err != nil {
		return nil, result.err
	}

	return &llm.Response{Content: "{}", Parsed: result.parsed, Model: "claude-test"}, nil
}

// seedChainSession writes a linked search-then-read session and returns the
// first event's identifier for use as a sample anchor.
func seedChainSession(t *testing.T, store telemetry.Store, sessionID, query, doc string) uuid.UUID {
	t.Helper()

	base := time.Date(2026, 7, 1, 10, 0, 0, 0, time.UTC)

	first, err := telemetry.NewEvent(sessionID, "search", map[string]any{"query": query})
	require.NoError(t, err)

	first.Timestamp = base
	first.OutputSummary = fmt.Sprintf(`{"doc":%q}`, doc)
	first.LatencyMS = 120

	second, err := telemetry.NewEvent(sessionID, "read", map[string]any{"doc": doc})
	require.NoError(t, err)

	second.Timestamp = base.Add(time.Second)
	second.Predecessor = &first.ID
	second.LatencyMS = 80

	first.Successor = &second.ID

	require.NoError(t, store.AppendBatch(context.Background(), []*telemetry.Event{first, second}))

	return first.ID
}

func searchReadChain(sampleIDs ...uuid.UUID) *mining.CandidateChain {
	return &mining.CandidateChain{
		ID:             uuid.New(),
		Tools:          []string{"search", "read"},
		Support:        0.8,
		Confidence:     0.9,
		SampleEventIDs: sampleIDs,
		DiscoveredAt:   time.Date(2026, 7, 2, 0, 0, 0, 0, time.UTC),
	}
}

func validResponse() map[string]any {
	return map[string]any{
		"description": "searches and reads the top result",
		"parameters": map[string]any{
			"type": "object",
			"properties": map[string]any{
				"query": map[string]any{"type": "string"},
			},
		},
		"steps": []any{
			map[string]any{
				"tool_id":       "search",
				"input_mapping": map[string]any{"query": "parameters.query"},
			},
			map[string]any{
				"tool_id":       "read",
				"input_mapping": map[string]any{"doc": "wiring.0.doc"},
			},
		},
	}
}

func newTestSynthesizer(t *testing.T, store telemetry.Store, provider llm.Provider) *synthesis.Synthesizer {
	t.Helper()

	synthesizer, err := synthesis.NewSynthesizer(store, provider, synthesis.DefaultConfig())
	require.NoError(t, err)

	return synthesizer
}

func TestSynthesizeProducesDraft(t *testing.T) {
	store := storage.NewMemoryEventStore()
	anchorA := seedChainSession(t, store, "session-a", "go generics", "doc-1")
	anchorB := seedChainSession(t, store, "session-b", "go modules", "doc-2")

	provider := &fakeProvider{results: []fakeGeneration{{parsed: validResponse()}}}
	chain := searchReadChain(anchorA, anchorB)

	tool, err := newTestSynthesizer(t, store, provider).Synthesize(context.Background(), chain)
	require.NoError(t, err)

	assert.Equal(t, "search-read", tool.Slug)
	assert.Equal(t, synthesis.StateDraft, tool.State)
	assert.Equal(t, 1, tool.Version)
	assert.Equal(t, chain.ID, tool.SourceChainID)
	assert.Equal(t, chain.Support, tool.SourceSupport)
	assert.Equal(t, []string{"search", "read"}, tool.SourceTools)
	assert.Equal(t, "abort", tool.ErrorStrategy.DefaultBehavior)

	require.Len(t, tool.Steps, 2)
	assert.Equal(t, "wiring.0.doc", tool.Steps[1].InputMapping["doc"])

	// The prompt carries the precomputed wiring hint and a sample execution.
	require.Len(t, provider.prompts, 1)
	assert.Contains(t, provider.prompts[0], `"wiring.0.doc"`)
	assert.Contains(t, provider.prompts[0], "session-a")
}

func TestSynthesizeRetriesWithValidatorFeedback(t *testing.T) {
	store := storage.NewMemoryEventStore()
	anchor := seedChainSession(t, store, "session-a", "q", "doc-1")

	bad := validResponse()
	bad["steps"].([]any)[1].(map[string]any)["tool_id"] = "unrelated"

	provider := &fakeProvider{results: []fakeGeneration{
		{parsed: bad},
		{parsed: validResponse()},
	}}

	tool, err := newTestSynthesizer(t, store, provider).Synthesize(context.Background(), searchReadChain(anchor))
	require.NoError(t, err)
	assert.Equal(t, "search-read", tool.Slug)

	require.Len(t, provider.prompts, 2)
	assert.Contains(t, provider.prompts[1], "rejected")
	assert.Contains(t, provider.prompts[1], "unknown tool")
}

func TestSynthesizeFailsAfterSecondRejection(t *testing.T) {
	store := storage.NewMemoryEventStore()
	anchor := seedChainSession(t, store, "session-a", "q", "doc-1")

	bad := validResponse()
	bad["steps"].([]any)[0].(map[string]any)["tool_id"] = "unrelated"

	provider := &fakeProvider{results: []fakeGeneration{{parsed: bad}}}

	_, err := newTestSynthesizer(t, store, provider).Synthesize(context.Background(), searchReadChain(anchor))
	require.ErrorIs(t, err, synthesis.ErrSchemaInvalid)
	assert.Len(t, provider.prompts, 2, "exactly one retry")
}

func TestSynthesizeSchemaViolationFeedsRetry(t *testing.T) {
	store := storage.NewMemoryEventStore()
	anchor := seedChainSession(t, store, "session-a", "q", "doc-1")

	provider := &fakeProvider{results: []fakeGeneration{
		{err: fmt.Errorf("%w: missing steps", llm.ErrResponseSchema)},
		{parsed: validResponse()},
	}}

	tool, err := newTestSynthesizer(t, store, provider).Synthesize(context.Background(), searchReadChain(anchor))
	require.NoError(t, err)
	assert.Equal(t, 2, len(provider.prompts))
	assert.Equal(t, synthesis.StateDraft, tool.State)
}

func TestSynthesizeProviderFailureIsNotRetried(t *testing.T) {
	store := storage.NewMemoryEventStore()
	anchor := seedChainSession(t, store, "session-a", "q", "doc-1")

	provider := &fakeProvider{results: []fakeGeneration{
		{err: errors.New("backend down")},
	}}

	_, err := newTestSynthesizer(t, store, provider).Synthesize(context.Background(), searchReadChain(anchor))
	require.ErrorIs(t, err, synthesis.ErrSynthesisFailed)
	assert.Len(t, provider.prompts, 1)
}

func TestSynthesizeFailsWithoutUsableSamples(t *testing.T) {
	store := storage.NewMemoryEventStore()
	provider := &fakeProvider{results: []fakeGeneration{{parsed: validResponse()}}}

	// The anchor event was pruned: no usable samples remain.
	_, err := newTestSynthesizer(t, store, provider).Synthesize(context.Background(), searchReadChain(uuid.New()))
	require.ErrorIs(t, err, synthesis.ErrSynthesisFailed)
	assert.Empty(t, provider.prompts)
}

func TestSynthesizeSkipsVanishedSessions(t *testing.T) {
	store := storage.NewMemoryEventStore()
	good := seedChainSession(t, store, "session-good", "q", "doc-1")

	tool, err := newTestSynthesizer(t, store,
		&fakeProvider{results: []fakeGeneration{{parsed: validResponse()}}},
	).Synthesize(context.Background(), searchReadChain(uuid.New(), good))
	require.NoError(t, err)
	assert.Equal(t, "search-read", tool.Slug)
}

func TestSynthesizeRejectsInvalidChain(t *testing.T) {
	store := storage.NewMemoryEventStore()
	provider := &fakeProvider{}

	_, err := newTestSynthesizer(t, store, provider).Synthesize(context.Background(),
		&mining.CandidateChain{Tools: []string{"only-one"}})
	require.ErrorIs(t, err, synthesis.ErrSynthesisFailed)
}

func TestSynthesizeRejectsFailureProneChain(t *testing.T) {
	store := storage.NewMemoryEventStore()
	anchor := seedChainSession(t, store, "session-a", "q", "doc-1")
	provider := &fakeProvider{results: []fakeGeneration{{parsed: validResponse()}}}

	chain := searchReadChain(anchor)
	chain.FailureRate = 0.6

	_, err := newTestSynthesizer(t, store, provider).Synthesize(context.Background(), chain)
	require.ErrorIs(t, err, synthesis.ErrSynthesisFailed)
	assert.Contains(t, err.Error(), "failure rate")
	assert.Empty(t, provider.prompts, "rejected before any model call")
}

func TestNewSynthesizerValidation(t *testing.T) {
	_, err := synthesis.NewSynthesizer(nil, &fakeProvider{}, synthesis.DefaultConfig())
	require.ErrorIs(t, err, synthesis.ErrSynthesisFailed)

	_, err = synthesis.NewSynthesizer(storage.NewMemoryEventStore(), nil, synthesis.DefaultConfig())
	require.ErrorIs(t, err, synthesis.ErrSynthesisFailed)

	bad := synthesis.DefaultConfig()
	bad.MaxPromptSamples = 0

	_, err = synthesis.NewSynthesizer(storage.NewMemoryEventStore(), &fakeProvider{}, bad)
	require.ErrorIs(t, err, synthesis.ErrSynthesisFailed)
}

func TestLoadConfigReadsEnvironment(t *testing.T) {
	t.Setenv("TWINRAVEN__SYNTHESIS__MAX_PROMPT_SAMPLES", "7")
	t.Setenv("TWINRAVEN__SYNTHESIS__MAX_FAILURE_RATE", "0.5")

	cfg := synthesis.LoadConfig()

	assert.Equal(t, 7, cfg.MaxPromptSamples)
	assert.Equal(t, 4, cfg.MaxParallelSteps, "unset keys keep their defaults")
	assert.Equal(t, 4096, cfg.MaxTokens)
	assert.InDelta(t, 0.5, cfg.MaxFailureRate, 1e-9)
}
