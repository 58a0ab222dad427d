package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/twinraven-io/twinraven/internal/config"
	"github.com/twinraven-io/twinraven/internal/telemetry"
)

// Sentinel errors for event storage operations.
var (
	// ErrEventStoreFailed is returned when an event storage operation fails.
	ErrEventStoreFailed = errors.New("event storage failed")

	// ErrInvalidPruneInterval is returned when an invalid prune interval is provided.
	ErrInvalidPruneInterval = errors.New("prune interval must be greater than zero")

	// EventStore implements telemetry.Store (compile-time assertion).
	_ telemetry.Store = (*EventStore)(nil)
)

// Retention pruner constants.
const (
	// pruneQueryTimeout is the maximum time allowed for a single prune pass.
	pruneQueryTimeout = 30 * time.Second
	// pruneShutdownTimeout is the maximum time to wait for the pruner goroutine on Close.
	pruneShutdownTimeout = 5 * time.Second
	// pruneBatchSize is the maximum number of rows deleted per batch to avoid long locks.
	pruneBatchSize = 10000
	// pruneBatchSleep is the pause between batches so other queries can interleave.
	pruneBatchSleep = 100 * time.Millisecond

	// uniqueViolation is the PostgreSQL error code for duplicate keys.
	uniqueViolation = "23505"
)

const eventColumns = `event_id, session_id, tool_id, input_hash, input_params,
	output_summary, predecessor, successor, timestamp, latency_ms, outcome, tags`

type (
	// EventStore implements telemetry.Store with a PostgreSQL backend.
	//
	// Writes are append-dominated: single inserts, atomic batch inserts, the
	// successor backfill, and the retention pruner. Reads serve the four
	// mining/validation access patterns through the indexes of the events
	// table. An optional background pruner deletes events older than the
	// retention window in bounded batches.
	EventStore struct {
		conn            *Connection
		logger          *slog.Logger
		retentionWindow time.Duration
		pruneInterval   time.Duration
		pruneStop       chan struct{}
		pruneDone       chan struct{}
		closeOnce       sync.Once
	}

	// EventStoreOption configures optional EventStore behavior.
	EventStoreOption func(*EventStore)
)

// WithRetention enables the background retention pruner: every interval,
// events older than window are deleted in batches.
func WithRetention(window, interval time.Duration) EventStoreOption {
	return func(s *EventStore) {
		s.retentionWindow = window
		s.pruneInterval = interval
	}
}

// NewEventStore creates a PostgreSQL-backed event store.
//
// The retention pruner goroutine starts only when WithRetention is given,
// and stops gracefully on Close. The database connection is managed
// externally; Close does not close it.
func NewEventStore(conn *Connection, opts ...EventStoreOption) (*EventStore, error) {
	if conn == nil {
		return nil, ErrNoDatabaseConnection
	}

	store := &EventStore{
		conn: conn,
		logger: slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: config.GetEnvLogLevel("LOG_LEVEL", slog.LevelInfo),
		})),
		pruneStop: make(chan struct{}),
		pruneDone: make(chan struct{}),
	}

	for _, opt := range opts {
		opt(store)
	}

	if store.pruneInterval < 0 || (store.retentionWindow > 0 && store.pruneInterval == 0) {
		return nil, ErrInvalidPruneInterval
	}

	if store.retentionWindow > 0 {
		go store.runPruner()

		store.logger.Info("started retention pruner",
			slog.Duration("window", store.retentionWindow),
			slog.Duration("interval", store.pruneInterval),
		)
	} else {
		close(store.pruneDone)
	}

	return store, nil
}

// Close stops the retention pruner gracefully. Safe to call multiple times.
func (s *EventStore) Close() error {
	s.closeOnce.Do(func() {
		close(s.pruneStop)

		select {
		case <-s.pruneDone:
		case <-time.After(pruneShutdownTimeout):
			s.logger.Warn("retention pruner did not stop within timeout")
		}
	})

	return nil
}

// HealthCheck verifies the database connection is healthy.
func (s *EventStore) HealthCheck(ctx context.Context) error {
	if s.conn == nil {
		return ErrNoDatabaseConnection
	}

	return s.conn.HealthCheck(ctx)
}

// Append stores a single event. Fails with telemetry.ErrDuplicateEvent when
// the event identifier already exists.
func (s *EventStore) Append(ctx context.Context, event *telemetry.Event) error {
	if err := event.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrEventStoreFailed, err)
	}

	args, err := insertArgs(event)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO events (` + eventColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`

	if _, err := s.conn.ExecContext(ctx, query, args...); err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: %s", telemetry.ErrDuplicateEvent, event.ID)
		}

		return fmt.Errorf("%w: %w", ErrEventStoreFailed, err)
	}

	return nil
}

// AppendBatch stores multiple events in a single transaction. Any duplicate
// or storage failure rolls back the whole batch.
func (s *EventStore) AppendBatch(ctx context.Context, events []*telemetry.Event) error {
	if len(events) == 0 {
		return nil
	}

	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: failed to begin transaction: %w", ErrEventStoreFailed, err)
	}

	defer func() {
		_ = tx.Rollback() // Safe to call even after commit
	}()

	query := `
		INSERT INTO events (` + eventColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`

	for _, event := range events {
		if err := event.Validate(); err != nil {
			return fmt.Errorf("%w: %w", ErrEventStoreFailed, err)
		}

		args, err := insertArgs(event)
		if err != nil {
			return err
		}

		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			if isUniqueViolation(err) {
				return fmt.Errorf("%w: %s", telemetry.ErrDuplicateEvent, event.ID)
			}

			return fmt.Errorf("%w: %w", ErrEventStoreFailed, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: %w", ErrEventStoreFailed, err)
	}

	return nil
}

// UpdateSuccessor backfills the successor pointer of a previously appended
// event. Returns telemetry.ErrEventNotFound when the predecessor is absent.
func (s *EventStore) UpdateSuccessor(ctx context.Context, predecessorID, successorID uuid.UUID) error {
	query := `UPDATE events SET successor = $2 WHERE event_id = $1`

	result, err := s.conn.ExecContext(ctx, query, predecessorID, successorID)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrEventStoreFailed, err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("%w: %w", ErrEventStoreFailed, err)
	}

	if rows == 0 {
		return fmt.Errorf("%w: %s", telemetry.ErrEventNotFound, predecessorID)
	}

	return nil
}

// GetByID retrieves a single event by identifier.
func (s *EventStore) GetByID(ctx context.Context, id uuid.UUID) (*telemetry.Event, error) {
	query := `SELECT ` + eventColumns + ` FROM events WHERE event_id = $1`

	event, err := scanEvent(s.conn.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", telemetry.ErrEventNotFound, id)
		}

		return nil, fmt.Errorf("%w: %w", ErrEventStoreFailed, err)
	}

	return event, nil
}

// GetBySession retrieves all events of a session in the requested order.
// Chain order is reconstructed in memory from the link pointers; the query
// itself always sorts by timestamp (idx_events_session_timestamp).
func (s *EventStore) GetBySession(
	ctx context.Context,
	sessionID string,
	order telemetry.SessionOrder,
) ([]*telemetry.Event, error) {
	query := `
		SELECT ` + eventColumns + `
		FROM events
		WHERE session_id = $1
		ORDER BY timestamp ASC
	`

	events, err := s.queryEvents(ctx, query, sessionID)
	if err != nil {
		return nil, err
	}

	if order == telemetry.OrderChain {
		return telemetry.OrderByChain(events, s.logger), nil
	}

	return events, nil
}

// GetByTool retrieves events for a tool within [since, until), newest first,
// up to limit (0 means no limit).
func (s *EventStore) GetByTool(
	ctx context.Context,
	toolID string,
	since, until time.Time,
	limit int,
) ([]*telemetry.Event, error) {
	query := `
		SELECT ` + eventColumns + `
		FROM events
		WHERE tool_id = $1 AND timestamp >= $2 AND timestamp < $3
		ORDER BY timestamp DESC
	`
	args := []any{toolID, since, until}

	if limit > 0 {
		query += ` LIMIT $4`

		args = append(args, limit)
	}

	return s.queryEvents(ctx, query, args...)
}

// GetSessions lists distinct session identifiers with at least minEventCount
// events within [since, until), most recent activity first.
func (s *EventStore) GetSessions(
	ctx context.Context,
	since, until time.Time,
	minEventCount int,
) ([]string, error) {
	query := `
		SELECT session_id
		FROM events
		WHERE timestamp >= $1 AND timestamp < $2
		GROUP BY session_id
		HAVING COUNT(*) >= $3
		ORDER BY MAX(timestamp) DESC
	`

	rows, err := s.conn.QueryContext(ctx, query, since, until, minEventCount)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrEventStoreFailed, err)
	}
	defer func() { _ = rows.Close() }()

	var sessions []string

	for rows.Next() {
		var sessionID string
		if err := rows.Scan(&sessionID); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrEventStoreFailed, err)
		}

		sessions = append(sessions, sessionID)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrEventStoreFailed, err)
	}

	return sessions, nil
}

// Count returns the number of events matching the filter.
func (s *EventStore) Count(ctx context.Context, filter telemetry.CountFilter) (int64, error) {
	query := `SELECT COUNT(*) FROM events WHERE 1=1`

	var args []any

	appendClause := func(clause string, value any) {
		args = append(args, value)
		query += fmt.Sprintf(" AND %s $%d", clause, len(args))
	}

	if filter.SessionID != "" {
		appendClause("session_id =", filter.SessionID)
	}

	if filter.ToolID != "" {
		appendClause("tool_id =", filter.ToolID)
	}

	if filter.Outcome != "" {
		appendClause("outcome =", string(filter.Outcome))
	}

	if !filter.Since.IsZero() {
		appendClause("timestamp >=", filter.Since)
	}

	if !filter.Until.IsZero() {
		appendClause("timestamp <", filter.Until)
	}

	var count int64
	if err := s.conn.QueryRowContext(ctx, query, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("%w: %w", ErrEventStoreFailed, err)
	}

	return count, nil
}

// Prune deletes events older than the cutoff in bounded batches and returns
// the number of deleted rows. May break link continuity at the retention
// boundary; chain reconstruction tolerates the orphans.
func (s *EventStore) Prune(ctx context.Context, olderThan time.Time) (int64, error) {
	query := `
		DELETE FROM events
		WHERE event_id IN (
			SELECT event_id
			FROM events
			WHERE timestamp < $1
			ORDER BY timestamp ASC
			LIMIT $2
		)
	`

	var totalDeleted int64

	for {
		if ctx.Err() != nil {
			return totalDeleted, fmt.Errorf("%w: %w", ErrEventStoreFailed, ctx.Err())
		}

		result, err := s.conn.ExecContext(ctx, query, olderThan, pruneBatchSize)
		if err != nil {
			return totalDeleted, fmt.Errorf("%w: %w", ErrEventStoreFailed, err)
		}

		deleted, err := result.RowsAffected()
		if err != nil {
			return totalDeleted, fmt.Errorf("%w: %w", ErrEventStoreFailed, err)
		}

		totalDeleted += deleted

		if deleted < pruneBatchSize {
			return totalDeleted, nil
		}

		select {
		case <-ctx.Done():
			return totalDeleted, fmt.Errorf("%w: %w", ErrEventStoreFailed, ctx.Err())
		case <-time.After(pruneBatchSleep):
		}
	}
}

// runPruner periodically prunes events past the retention window until
// Close signals stop.
func (s *EventStore) runPruner() {
	defer close(s.pruneDone)

	ticker := time.NewTicker(s.pruneInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.pruneStop:
			s.logger.Info("stopping retention pruner")

			return
		case <-ticker.C:
			pruneCtx, cancel := context.WithTimeout(context.Background(), pruneQueryTimeout)

			cutoff := time.Now().UTC().Add(-s.retentionWindow)

			deleted, err := s.Prune(pruneCtx, cutoff)
			cancel()

			if err != nil {
				s.logger.Error("retention prune failed",
					slog.Int64("rows_deleted_before_error", deleted),
					slog.String("error", err.Error()),
				)

				continue
			}

			if deleted > 0 {
				s.logger.Info("pruned expired events",
					slog.Int64("rows_deleted", deleted),
					slog.Time("cutoff", cutoff),
				)
			}
		}
	}
}

// queryEvents runs a multi-row event query and scans the results.
func (s *EventStore) queryEvents(ctx context.Context, query string, args ...any) ([]*telemetry.Event, error) {
	rows, err := s.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrEventStoreFailed, err)
	}
	defer func() { _ = rows.Close() }()

	var events []*telemetry.Event

	for rows.Next() {
		event, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrEventStoreFailed, err)
		}

		events = append(events, event)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrEventStoreFailed, err)
	}

	return events, nil
}

// rowScanner abstracts sql.Row and sql.Rows for shared scanning.
type rowScanner interface {
	Scan(dest ...any) error
}

// insertArgs serializes an event into the insert argument list.
func insertArgs(event *telemetry.Event) ([]any, error) {
	inputParams, err := json.Marshal(event.InputParams)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to marshal input params: %w", ErrEventStoreFailed, err)
	}

	tags, err := json.Marshal(event.Tags)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to marshal tags: %w", ErrEventStoreFailed, err)
	}

	var outputSummary sql.NullString
	if event.OutputSummary != "" {
		outputSummary = sql.NullString{String: event.OutputSummary, Valid: true}
	}

	return []any{
		event.ID,
		event.SessionID,
		event.ToolID,
		event.InputHash,
		inputParams,
		outputSummary,
		uuidOrNil(event.Predecessor),
		uuidOrNil(event.Successor),
		event.Timestamp,
		event.LatencyMS,
		string(event.Outcome),
		tags,
	}, nil
}

// scanEvent reads one event row.
func scanEvent(row rowScanner) (*telemetry.Event, error) {
	var (
		event         telemetry.Event
		inputParams   []byte
		outputSummary sql.NullString
		predecessor   uuid.NullUUID
		successor     uuid.NullUUID
		outcome       string
		tags          []byte
	)

	err := row.Scan(
		&event.ID,
		&event.SessionID,
		&event.ToolID,
		&event.InputHash,
		&inputParams,
		&outputSummary,
		&predecessor,
		&successor,
		&event.Timestamp,
		&event.LatencyMS,
		&outcome,
		&tags,
	)
	if err != nil {
		return nil, err
	}

	if len(inputParams) > 0 {
		if err := json.Unmarshal(inputParams, &event.InputParams); err != nil {
			return nil, fmt.Errorf("failed to unmarshal input params: %w", err)
		}
	}

	if len(tags) > 0 {
		if err := json.Unmarshal(tags, &event.Tags); err != nil {
			return nil, fmt.Errorf("failed to unmarshal tags: %w", err)
		}
	}

	if outputSummary.Valid {
		event.OutputSummary = outputSummary.String
	}

	if predecessor.Valid {
		event.Predecessor = &predecessor.UUID
	}

	if successor.Valid {
		event.Successor = &successor.UUID
	}

	event.Outcome = telemetry.Outcome(outcome)
	event.Timestamp = event.Timestamp.UTC()

	return &event, nil
}

// uuidOrNil converts an optional uuid pointer to a nullable driver value.
func uuidOrNil(id *uuid.UUID) any {
	if id == nil {
		return nil
	}

	return *id
}

// isUniqueViolation checks for the PostgreSQL duplicate-key error code.
func isUniqueViolation(err error) bool {
	var pqErr *pq.Error

	return errors.As(err, &pqErr) && string(pqErr.Code) == uniqueViolation
}
