package telemetry

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"
)

// Sentinel errors shared by all Store implementations.
var (
	// ErrDuplicateEvent is returned when appending an event whose identifier
	// already exists. Batch appends fail atomically on any duplicate.
	ErrDuplicateEvent = errors.New("event identifier already exists")

	// ErrEventNotFound is returned when an event lookup finds no row.
	ErrEventNotFound = errors.New("event not found")
)

type (
	// SessionOrder selects the ordering of a session scan.
	SessionOrder string

	// CountFilter narrows a Count query. Zero values mean "no constraint".
	CountFilter struct {
		SessionID string
		ToolID    string
		Outcome   Outcome
		Since     time.Time
		Until     time.Time
	}

	// Store defines the interface for telemetry event persistence.
	//
	// The store is append-dominated: the only permitted writes are Append,
	// AppendBatch, the successor backfill (UpdateSuccessor, used solely by the
	// Collector), and Prune (the retention pruner, the only destructive
	// operation).
	//
	// Implementations must support:
	//   - Duplicate rejection: Append fails with ErrDuplicateEvent when the
	//     identifier already exists; AppendBatch is atomic all-or-nothing
	//   - Indexed access for the four mining/validation scan patterns
	//     (session by timestamp, session by chain, tool over window, distinct
	//     sessions over window)
	//   - Chain-order reconstruction tolerant of orphan tails and cycles
	Store interface {
		// Append stores a single event. Fails with ErrDuplicateEvent when the
		// event identifier already exists.
		Append(ctx context.Context, event *Event) error

		// AppendBatch stores multiple events in a single atomic operation.
		// Any duplicate or storage failure rolls back the whole batch.
		AppendBatch(ctx context.Context, events []*Event) error

		// UpdateSuccessor backfills the successor pointer of a previously
		// appended event. This is the one permitted write outside append,
		// used solely by the Collector for forward-link backfill.
		UpdateSuccessor(ctx context.Context, predecessorID, successorID uuid.UUID) error

		// GetByID retrieves a single event. Returns ErrEventNotFound when absent.
		GetByID(ctx context.Context, id uuid.UUID) (*Event, error)

		// GetBySession retrieves all events of a session in the requested order.
		GetBySession(ctx context.Context, sessionID string, order SessionOrder) ([]*Event, error)

		// GetByTool retrieves events for a tool within [since, until),
		// newest first, up to limit (0 means no limit).
		GetByTool(ctx context.Context, toolID string, since, until time.Time, limit int) ([]*Event, error)

		// GetSessions lists distinct session identifiers with at least
		// minEventCount events within [since, until).
		GetSessions(ctx context.Context, since, until time.Time, minEventCount int) ([]string, error)

		// Count returns the number of events matching the filter.
		Count(ctx context.Context, filter CountFilter) (int64, error)

		// Prune deletes events older than the given cutoff and returns the
		// number of deleted rows. Pruning may break link continuity at the
		// retention boundary; chain reconstruction tolerates the orphans.
		Prune(ctx context.Context, olderThan time.Time) (int64, error)

		// HealthCheck verifies the storage backend is reachable and ready.
		HealthCheck(ctx context.Context) error
	}
)

const (
	// OrderTimestamp orders a session scan by event timestamp.
	OrderTimestamp SessionOrder = "timestamp"

	// OrderChain orders a session scan by walking successor links from the
	// chain head, with unreachable events appended as a timestamp-ordered
	// orphan tail.
	OrderChain SessionOrder = "chain"
)

// OrderByChain reconstructs chain order from a session's events.
//
// Algorithm:
//  1. Sort by timestamp (stable base order for heads and orphans).
//  2. Find the head: the earliest event with no predecessor. When every
//     event has a predecessor (retention cut the head off), fall back to the
//     earliest event.
//  3. Walk successor links, marking visited events.
//  4. Append events unreachable from the head at the end, sorted by
//     timestamp (orphan tail).
//
// A cycle in the successor links breaks the walk: the traversal stops, a
// warning is logged, and the remainder degrades to timestamp order. The
// input slice is not modified.
func OrderByChain(events []*Event, logger *slog.Logger) []*Event {
	if len(events) <= 1 {
		return append([]*Event(nil), events...)
	}

	byTime := append([]*Event(nil), events...)
	sort.SliceStable(byTime, func(i, j int) bool {
		return byTime[i].Timestamp.Before(byTime[j].Timestamp)
	})

	byID := make(map[uuid.UUID]*Event, len(byTime))
	for _, e := range byTime {
		byID[e.ID] = e
	}

	head := findChainHead(byTime, byID)

	ordered := make([]*Event, 0, len(byTime))
	visited := make(map[uuid.UUID]bool, len(byTime))

	for current := head; current != nil; {
		if visited[current.ID] {
			// Cycle: break and degrade to timestamp order for the rest.
			if logger != nil {
				logger.Warn("cycle detected in event chain, degrading to timestamp order",
					slog.String("session_id", current.SessionID),
					slog.String("event_id", current.ID.String()),
				)
			}

			break
		}

		visited[current.ID] = true
		ordered = append(ordered, current)

		if current.Successor == nil {
			break
		}

		next, ok := byID[*current.Successor]
		if !ok {
			// Successor points outside the loaded session (pruned or lost).
			break
		}

		current = next
	}

	// Orphan tail: everything unreachable from the head, in timestamp order.
	for _, e := range byTime {
		if !visited[e.ID] {
			ordered = append(ordered, e)
		}
	}

	return ordered
}

// findChainHead returns the earliest event whose predecessor is unset or not
// present in the session, falling back to the earliest event overall.
func findChainHead(byTime []*Event, byID map[uuid.UUID]*Event) *Event {
	for _, e := range byTime {
		if e.Predecessor == nil {
			return e
		}

		if _, ok := byID[*e.Predecessor]; !ok {
			return e
		}
	}

	return byTime[0]
}
