package telemetry

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestObservation(t *testing.T) (*fakeStore, *ObservationContext) {
	t.Helper()

	store := newFakeStore()
	collector, err := NewCollector(store, immediateConfig())
	require.NoError(t, err)

	obs, err := collector.Observe(context.Background(), "session-1")
	require.NoError(t, err)

	return store, obs
}

func TestWrapperInvokeUnknownTool(t *testing.T) {
	_, obs := newTestObservation(t)
	wrapper := NewWrapper(obs)

	_, err := wrapper.Invoke(context.Background(), "missing", nil)
	require.ErrorIs(t, err, ErrUnsupportedTool)

	count, err := obs.collector.store.Count(context.Background(), CountFilter{})
	require.NoError(t, err)
	assert.Equal(t, int64(0), count, "unknown tool records nothing")
}

func TestWrapperInvokePassesThroughAndRecords(t *testing.T) {
	store, obs := newTestObservation(t)
	wrapper := NewWrapper(obs)

	wrapper.Register("double", func(_ context.Context, inputs map[string]any) (any, error) {
		n, _ := inputs["n"].(int)

		return n * 2, nil
	})

	ctx := context.Background()
	output, err := wrapper.Invoke(ctx, "double", map[string]any{"n": 21})
	require.NoError(t, err)
	assert.Equal(t, 42, output)

	events, err := store.GetBySession(ctx, "session-1", OrderTimestamp)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "double", events[0].ToolID)
	assert.Equal(t, OutcomeSuccess, events[0].Outcome)
	assert.Equal(t, "42", events[0].OutputSummary)
	assert.GreaterOrEqual(t, events[0].LatencyMS, int32(0))
}

func TestWrapperInvokeForwardsErrorAsFailure(t *testing.T) {
	store, obs := newTestObservation(t)
	wrapper := NewWrapper(obs)

	toolErr := errors.New("disk full")
	wrapper.Register("write", func(_ context.Context, _ map[string]any) (any, error) {
		return nil, toolErr
	})

	ctx := context.Background()
	_, err := wrapper.Invoke(ctx, "write", map[string]any{"path": "/tmp/x"})
	require.ErrorIs(t, err, toolErr, "underlying error passes through unchanged")

	events, err := store.GetBySession(ctx, "session-1", OrderTimestamp)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, OutcomeFailure, events[0].Outcome)
	assert.Equal(t, "disk full", events[0].OutputSummary)
}

func TestWrapperClassifierReportsPartial(t *testing.T) {
	store, obs := newTestObservation(t)
	wrapper := NewWrapper(obs, WithOutcomeClassifier(func(output any) Outcome {
		if m, ok := output.(map[string]any); ok {
			if incomplete, _ := m["incomplete"].(bool); incomplete {
				return OutcomePartial
			}
		}

		return OutcomeSuccess
	}))

	wrapper.Register("scan", func(_ context.Context, _ map[string]any) (any, error) {
		return map[string]any{"incomplete": true}, nil
	})

	ctx := context.Background()
	_, err := wrapper.Invoke(ctx, "scan", nil)
	require.NoError(t, err)

	events, err := store.GetBySession(ctx, "session-1", OrderTimestamp)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, OutcomePartial, events[0].Outcome)
}

func TestWrapReturnsDropInReplacement(t *testing.T) {
	store, obs := newTestObservation(t)
	wrapper := NewWrapper(obs)

	wrapped := wrapper.Wrap("echo", func(_ context.Context, inputs map[string]any) (any, error) {
		return inputs["msg"], nil
	})

	ctx := context.Background()
	output, err := wrapped(ctx, map[string]any{"msg": "hello"})
	require.NoError(t, err)
	assert.Equal(t, "hello", output)

	events, err := store.GetBySession(ctx, "session-1", OrderTimestamp)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "echo", events[0].ToolID)
}
