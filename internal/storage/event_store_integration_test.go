package storage

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"

	"github.com/twinraven-io/twinraven/internal/canonicalization"
	"github.com/twinraven-io/twinraven/internal/config"
	"github.com/twinraven-io/twinraven/internal/telemetry"
)

// newIntegrationEventStore spins up a migrated database and returns a store
// backed by it. Container and connection clean up with the test.
func newIntegrationEventStore(ctx context.Context, t *testing.T) *EventStore {
	t.Helper()

	testDB := config.SetupTestDatabase(ctx, t)

	t.Cleanup(func() {
		_ = testDB.Connection.Close()
		_ = testcontainers.TerminateContainer(testDB.Container)
	})

	store, err := NewEventStore(&Connection{DB: testDB.Connection})
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = store.Close()
	})

	return store
}

// storedEvent builds a valid event offset from a fixed microsecond-aligned
// base time, matching the precision of the timestamp column.
func storedEvent(t *testing.T, sessionID, toolID string, offset time.Duration, params map[string]any) *telemetry.Event {
	t.Helper()

	if params == nil {
		params = map[string]any{"query": "ravens", "limit": 10}
	}

	hash, err := canonicalization.InputHash(params)
	require.NoError(t, err)

	base := time.Date(2026, 2, 7, 12, 0, 0, 250000000, time.UTC)

	return &telemetry.Event{
		ID:          uuid.New(),
		SessionID:   sessionID,
		ToolID:      toolID,
		InputHash:   hash,
		InputParams: params,
		Timestamp:   base.Add(offset),
		LatencyMS:   17,
		Outcome:     telemetry.OutcomeSuccess,
		Tags:        []string{"integration"},
	}
}

func TestEventStoreAppendAndGetByID(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	store := newIntegrationEventStore(ctx, t)

	event := storedEvent(t, "session-1", "search", 0, map[string]any{
		"query": "corvids",
		"filters": map[string]any{
			"lang": "en",
		},
	})
	event.OutputSummary = `{"doc":"raven-42"}`
	event.Outcome = telemetry.OutcomePartial

	require.NoError(t, store.Append(ctx, event))

	got, err := store.GetByID(ctx, event.ID)
	require.NoError(t, err)

	assert.Equal(t, event.ID, got.ID)
	assert.Equal(t, event.SessionID, got.SessionID)
	assert.Equal(t, event.ToolID, got.ToolID)
	assert.Equal(t, event.InputHash, got.InputHash)
	assert.Equal(t, event.OutputSummary, got.OutputSummary)
	assert.Equal(t, telemetry.OutcomePartial, got.Outcome)
	assert.Equal(t, event.LatencyMS, got.LatencyMS)
	assert.Equal(t, []string{"integration"}, got.Tags)
	assert.True(t, event.Timestamp.Equal(got.Timestamp),
		"timestamp drifted: %v vs %v", event.Timestamp, got.Timestamp)

	// The jsonb round trip preserves nesting; numbers come back as float64.
	assert.Equal(t, "corvids", got.InputParams["query"])
	assert.Equal(t, "en", got.InputParams["filters"].(map[string]any)["lang"])

	// Duplicate identifiers are rejected.
	err = store.Append(ctx, event)
	assert.ErrorIs(t, err, telemetry.ErrDuplicateEvent)

	// Unknown identifiers report not found.
	_, err = store.GetByID(ctx, uuid.New())
	assert.ErrorIs(t, err, telemetry.ErrEventNotFound)

	require.NoError(t, store.HealthCheck(ctx))
}

func TestEventStoreAppendBatchIsAtomic(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	store := newIntegrationEventStore(ctx, t)

	first := storedEvent(t, "session-1", "search", 0, nil)
	second := storedEvent(t, "session-1", "read", time.Second, nil)

	// A duplicate inside the batch rolls back every row.
	duplicate := storedEvent(t, "session-1", "summarize", 2*time.Second, nil)
	duplicate.ID = first.ID

	err := store.AppendBatch(ctx, []*telemetry.Event{first, second, duplicate})
	require.ErrorIs(t, err, telemetry.ErrDuplicateEvent)

	count, err := store.Count(ctx, telemetry.CountFilter{SessionID: "session-1"})
	require.NoError(t, err)
	assert.Zero(t, count)

	// The same batch without the duplicate commits whole.
	require.NoError(t, store.AppendBatch(ctx, []*telemetry.Event{first, second}))

	count, err = store.Count(ctx, telemetry.CountFilter{SessionID: "session-1"})
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)
}

func TestEventStoreBatchForwardReferences(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	store := newIntegrationEventStore(ctx, t)

	// Chained events reference each other in both directions; the deferred
	// foreign keys allow the forward successor pointers within one batch.
	events := []*telemetry.Event{
		storedEvent(t, "session-1", "search", 0, nil),
		storedEvent(t, "session-1", "read", time.Second, nil),
		storedEvent(t, "session-1", "summarize", 2*time.Second, nil),
	}

	for i := range events {
		if i > 0 {
			events[i].Predecessor = &events[i-1].ID
		}

		if i < len(events)-1 {
			events[i].Successor = &events[i+1].ID
		}
	}

	require.NoError(t, store.AppendBatch(ctx, events))

	got, err := store.GetBySession(ctx, "session-1", telemetry.OrderChain)
	require.NoError(t, err)
	require.Len(t, got, 3)

	assert.Equal(t, "search", got[0].ToolID)
	assert.Equal(t, "read", got[1].ToolID)
	assert.Equal(t, "summarize", got[2].ToolID)

	require.NotNil(t, got[1].Predecessor)
	assert.Equal(t, events[0].ID, *got[1].Predecessor)
	require.NotNil(t, got[1].Successor)
	assert.Equal(t, events[2].ID, *got[1].Successor)
}

func TestEventStoreSuccessorBackfill(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	store := newIntegrationEventStore(ctx, t)

	first := storedEvent(t, "session-1", "search", 0, nil)
	require.NoError(t, store.Append(ctx, first))

	second := storedEvent(t, "session-1", "read", time.Second, nil)
	second.Predecessor = &first.ID
	require.NoError(t, store.Append(ctx, second))

	require.NoError(t, store.UpdateSuccessor(ctx, first.ID, second.ID))

	got, err := store.GetByID(ctx, first.ID)
	require.NoError(t, err)
	require.NotNil(t, got.Successor)
	assert.Equal(t, second.ID, *got.Successor)

	// Backfilling a missing predecessor reports not found.
	err = store.UpdateSuccessor(ctx, uuid.New(), second.ID)
	assert.ErrorIs(t, err, telemetry.ErrEventNotFound)
}

func TestEventStoreChainOrderAgainstShuffledTimestamps(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	store := newIntegrationEventStore(ctx, t)

	// Chain order and timestamp order disagree: the link pointers win for
	// OrderChain, the clock wins for OrderTimestamp.
	first := storedEvent(t, "session-1", "search", 2*time.Second, nil)
	second := storedEvent(t, "session-1", "read", 0, nil)

	first.Successor = &second.ID
	second.Predecessor = &first.ID

	require.NoError(t, store.AppendBatch(ctx, []*telemetry.Event{first, second}))

	chain, err := store.GetBySession(ctx, "session-1", telemetry.OrderChain)
	require.NoError(t, err)
	require.Len(t, chain, 2)
	assert.Equal(t, "search", chain[0].ToolID)
	assert.Equal(t, "read", chain[1].ToolID)

	byTime, err := store.GetBySession(ctx, "session-1", telemetry.OrderTimestamp)
	require.NoError(t, err)
	require.Len(t, byTime, 2)
	assert.Equal(t, "read", byTime[0].ToolID)
	assert.Equal(t, "search", byTime[1].ToolID)
}

func TestEventStoreGetByToolWindow(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	store := newIntegrationEventStore(ctx, t)

	base := time.Date(2026, 2, 7, 12, 0, 0, 250000000, time.UTC)

	var events []*telemetry.Event
	for i := 0; i < 5; i++ {
		events = append(events, storedEvent(t, "session-1", "search", time.Duration(i)*time.Minute, nil))
	}

	events = append(events, storedEvent(t, "session-1", "read", 30*time.Second, nil))
	require.NoError(t, store.AppendBatch(ctx, events))

	// [base+1m, base+4m) covers minutes 1-3 of the search events only.
	got, err := store.GetByTool(ctx, "search", base.Add(time.Minute), base.Add(4*time.Minute), 0)
	require.NoError(t, err)
	require.Len(t, got, 3)

	// Newest first.
	assert.True(t, got[0].Timestamp.After(got[1].Timestamp))
	assert.True(t, got[1].Timestamp.After(got[2].Timestamp))

	// Limit caps from the newest end.
	got, err = store.GetByTool(ctx, "search", base.Add(time.Minute), base.Add(4*time.Minute), 2)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.True(t, got[0].Timestamp.Equal(base.Add(3*time.Minute)))
}

func TestEventStoreGetSessionsAndCount(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	store := newIntegrationEventStore(ctx, t)

	events := []*telemetry.Event{
		storedEvent(t, "busy", "search", 0, nil),
		storedEvent(t, "busy", "read", time.Second, nil),
		storedEvent(t, "quiet", "search", 2*time.Second, nil),
	}
	events[1].Outcome = telemetry.OutcomeFailure

	require.NoError(t, store.AppendBatch(ctx, events))

	base := time.Date(2026, 2, 7, 0, 0, 0, 0, time.UTC)
	until := base.Add(24 * time.Hour)

	sessions, err := store.GetSessions(ctx, base, until, 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"busy"}, sessions)

	sessions, err = store.GetSessions(ctx, base, until, 1)
	require.NoError(t, err)
	assert.Len(t, sessions, 2)

	count, err := store.Count(ctx, telemetry.CountFilter{ToolID: "search"})
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)

	count, err = store.Count(ctx, telemetry.CountFilter{
		SessionID: "busy",
		Outcome:   telemetry.OutcomeFailure,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)

	count, err = store.Count(ctx, telemetry.CountFilter{Since: base, Until: until})
	require.NoError(t, err)
	assert.Equal(t, int64(3), count)
}

func TestEventStorePruneCutsChainAtBoundary(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	store := newIntegrationEventStore(ctx, t)

	events := []*telemetry.Event{
		storedEvent(t, "session-1", "search", 0, nil),
		storedEvent(t, "session-1", "read", time.Hour, nil),
		storedEvent(t, "session-1", "summarize", 2*time.Hour, nil),
	}

	for i := range events {
		if i > 0 {
			events[i].Predecessor = &events[i-1].ID
		}

		if i < len(events)-1 {
			events[i].Successor = &events[i+1].ID
		}
	}

	require.NoError(t, store.AppendBatch(ctx, events))

	// Cut between the first and second event.
	cutoff := events[1].Timestamp.Add(-time.Minute)

	deleted, err := store.Prune(ctx, cutoff)
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)

	_, err = store.GetByID(ctx, events[0].ID)
	assert.ErrorIs(t, err, telemetry.ErrEventNotFound)

	// The survivor at the boundary lost its predecessor and now heads the
	// chain; reconstruction carries on from there.
	chain, err := store.GetBySession(ctx, "session-1", telemetry.OrderChain)
	require.NoError(t, err)
	require.Len(t, chain, 2)
	assert.Equal(t, "read", chain[0].ToolID)
	assert.Nil(t, chain[0].Predecessor)
	assert.Equal(t, "summarize", chain[1].ToolID)

	// Pruning again below the cutoff is a no-op.
	deleted, err = store.Prune(ctx, cutoff)
	require.NoError(t, err)
	assert.Zero(t, deleted)
}
