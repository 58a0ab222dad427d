package storage

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/twinraven-io/twinraven/internal/telemetry"
)

// MemoryEventStore implements telemetry.Store (compile-time assertion).
var _ telemetry.Store = (*MemoryEventStore)(nil)

// MemoryEventStore is an in-memory telemetry.Store for unit tests and
// embedded use. Safe for concurrent use; no background goroutines.
type MemoryEventStore struct {
	mu     sync.RWMutex
	events map[uuid.UUID]*telemetry.Event
	logger *slog.Logger
}

// NewMemoryEventStore creates an empty in-memory event store.
func NewMemoryEventStore() *MemoryEventStore {
	return &MemoryEventStore{
		events: make(map[uuid.UUID]*telemetry.Event),
		logger: slog.Default(),
	}
}

// Append stores a single event, rejecting duplicates.
func (s *MemoryEventStore) Append(_ context.Context, event *telemetry.Event) error {
	if err := event.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrEventStoreFailed, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.events[event.ID]; exists {
		return fmt.Errorf("%w: %s", telemetry.ErrDuplicateEvent, event.ID)
	}

	s.events[event.ID] = copyEvent(event)

	return nil
}

// AppendBatch stores multiple events atomically: validation and duplicate
// checks run for the whole batch before anything is written.
func (s *MemoryEventStore) AppendBatch(_ context.Context, events []*telemetry.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	seen := make(map[uuid.UUID]bool, len(events))

	for _, event := range events {
		if err := event.Validate(); err != nil {
			return fmt.Errorf("%w: %w", ErrEventStoreFailed, err)
		}

		if _, exists := s.events[event.ID]; exists || seen[event.ID] {
			return fmt.Errorf("%w: %s", telemetry.ErrDuplicateEvent, event.ID)
		}

		seen[event.ID] = true
	}

	for _, event := range events {
		s.events[event.ID] = copyEvent(event)
	}

	return nil
}

// UpdateSuccessor backfills the successor pointer of a stored event.
func (s *MemoryEventStore) UpdateSuccessor(_ context.Context, predecessorID, successorID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	event, ok := s.events[predecessorID]
	if !ok {
		return fmt.Errorf("%w: %s", telemetry.ErrEventNotFound, predecessorID)
	}

	id := successorID
	event.Successor = &id

	return nil
}

// GetByID retrieves a single event by identifier.
func (s *MemoryEventStore) GetByID(_ context.Context, id uuid.UUID) (*telemetry.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	event, ok := s.events[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", telemetry.ErrEventNotFound, id)
	}

	return copyEvent(event), nil
}

// GetBySession retrieves all events of a session in the requested order.
func (s *MemoryEventStore) GetBySession(
	_ context.Context,
	sessionID string,
	order telemetry.SessionOrder,
) ([]*telemetry.Event, error) {
	s.mu.RLock()

	var events []*telemetry.Event

	for _, event := range s.events {
		if event.SessionID == sessionID {
			events = append(events, copyEvent(event))
		}
	}

	s.mu.RUnlock()

	sort.SliceStable(events, func(i, j int) bool {
		return events[i].Timestamp.Before(events[j].Timestamp)
	})

	if order == telemetry.OrderChain {
		return telemetry.OrderByChain(events, s.logger), nil
	}

	return events, nil
}

// GetByTool retrieves events for a tool within [since, until), newest first,
// up to limit (0 means no limit).
func (s *MemoryEventStore) GetByTool(
	_ context.Context,
	toolID string,
	since, until time.Time,
	limit int,
) ([]*telemetry.Event, error) {
	s.mu.RLock()

	var events []*telemetry.Event

	for _, event := range s.events {
		if event.ToolID != toolID {
			continue
		}

		if event.Timestamp.Before(since) || !event.Timestamp.Before(until) {
			continue
		}

		events = append(events, copyEvent(event))
	}

	s.mu.RUnlock()

	sort.SliceStable(events, func(i, j int) bool {
		return events[i].Timestamp.After(events[j].Timestamp)
	})

	if limit > 0 && len(events) > limit {
		events = events[:limit]
	}

	return events, nil
}

// GetSessions lists distinct session identifiers with at least minEventCount
// events within [since, until), most recent activity first.
func (s *MemoryEventStore) GetSessions(
	_ context.Context,
	since, until time.Time,
	minEventCount int,
) ([]string, error) {
	s.mu.RLock()

	counts := make(map[string]int)
	latest := make(map[string]time.Time)

	for _, event := range s.events {
		if event.Timestamp.Before(since) || !event.Timestamp.Before(until) {
			continue
		}

		counts[event.SessionID]++

		if event.Timestamp.After(latest[event.SessionID]) {
			latest[event.SessionID] = event.Timestamp
		}
	}

	s.mu.RUnlock()

	var sessions []string

	for sessionID, count := range counts {
		if count >= minEventCount {
			sessions = append(sessions, sessionID)
		}
	}

	sort.SliceStable(sessions, func(i, j int) bool {
		return latest[sessions[i]].After(latest[sessions[j]])
	})

	return sessions, nil
}

// Count returns the number of events matching the filter.
func (s *MemoryEventStore) Count(_ context.Context, filter telemetry.CountFilter) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var count int64

	for _, event := range s.events {
		if filter.SessionID != "" && event.SessionID != filter.SessionID {
			continue
		}

		if filter.ToolID != "" && event.ToolID != filter.ToolID {
			continue
		}

		if filter.Outcome != "" && event.Outcome != filter.Outcome {
			continue
		}

		if !filter.Since.IsZero() && event.Timestamp.Before(filter.Since) {
			continue
		}

		if !filter.Until.IsZero() && !event.Timestamp.Before(filter.Until) {
			continue
		}

		count++
	}

	return count, nil
}

// Prune deletes events older than the cutoff and returns the deleted count.
func (s *MemoryEventStore) Prune(_ context.Context, olderThan time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var deleted int64

	for id, event := range s.events {
		if event.Timestamp.Before(olderThan) {
			delete(s.events, id)

			deleted++
		}
	}

	return deleted, nil
}

// HealthCheck always succeeds for the in-memory store.
func (s *MemoryEventStore) HealthCheck(_ context.Context) error {
	return nil
}

// copyEvent returns a defensive copy so callers cannot mutate stored state.
func copyEvent(event *telemetry.Event) *telemetry.Event {
	clone := *event

	if event.Predecessor != nil {
		id := *event.Predecessor
		clone.Predecessor = &id
	}

	if event.Successor != nil {
		id := *event.Successor
		clone.Successor = &id
	}

	if event.InputParams != nil {
		params := make(map[string]any, len(event.InputParams))
		for k, v := range event.InputParams {
			params[k] = v
		}

		clone.InputParams = params
	}

	if event.Tags != nil {
		clone.Tags = append([]string(nil), event.Tags...)
	}

	return &clone
}
