// Package export streams telemetry events out of the store into external
// formats: line-delimited JSON, columnar Parquet, and trace spans on Kafka.
//
// All exporters pull from an Iterator one event at a time and never
// materialize the full event set in memory; a slow sink therefore throttles
// the source naturally. File exporters write through a temporary sibling
// path and rename into place on success, deleting the partial file on any
// failure, so a destination path is either absent or complete.
package export

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/twinraven-io/twinraven/internal/telemetry"
)

// Sentinel errors shared by all exporters.
var (
	// ErrExportFailed wraps any sink-side failure (file I/O, encoding,
	// broker rejection).
	ErrExportFailed = errors.New("export failed")

	// ErrDestinationExists is returned by file exporters when the
	// destination path already exists and overwrite was not requested.
	ErrDestinationExists = errors.New("export destination already exists")
)

type (
	// Iterator is the pull contract every exporter consumes. Next returns
	// the next event or io.EOF once the stream is exhausted. Implementations
	// must honor context cancellation between pulls.
	Iterator interface {
		Next(ctx context.Context) (*telemetry.Event, error)
	}

	// sliceIterator yields a fixed slice of events. Used for fixtures and
	// for re-exporting small in-memory sets.
	sliceIterator struct {
		events []*telemetry.Event
		pos    int
	}

	// sessionIterator streams store contents one session at a time: the
	// session list is fetched once, then each session is loaded lazily in
	// timestamp order as the previous one drains. Memory stays bounded by
	// the largest single session.
	sessionIterator struct {
		store    telemetry.Store
		since    time.Time
		until    time.Time
		sessions []string
		loaded   bool
		current  []*telemetry.Event
		pos      int
	}
)

// NewSliceIterator returns an Iterator over a fixed slice of events.
func NewSliceIterator(events []*telemetry.Event) Iterator {
	return &sliceIterator{events: events}
}

func (it *sliceIterator) Next(ctx context.Context) (*telemetry.Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if it.pos >= len(it.events) {
		return nil, io.EOF
	}

	event := it.events[it.pos]
	it.pos++

	return event, nil
}

// NewSessionIterator returns an Iterator over every event in [since, until),
// grouped by session and timestamp-ordered within each session. Sessions are
// loaded one at a time so the full window is never held in memory.
func NewSessionIterator(store telemetry.Store, since, until time.Time) Iterator {
	return &sessionIterator{store: store, since: since, until: until}
}

func (it *sessionIterator) Next(ctx context.Context) (*telemetry.Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if !it.loaded {
		sessions, err := it.store.GetSessions(ctx, it.since, it.until, 1)
		if err != nil {
			return nil, fmt.Errorf("%w: list sessions: %w", ErrExportFailed, err)
		}

		it.sessions = sessions
		it.loaded = true
	}

	for it.pos >= len(it.current) {
		if len(it.sessions) == 0 {
			return nil, io.EOF
		}

		sessionID := it.sessions[0]
		it.sessions = it.sessions[1:]

		events, err := it.store.GetBySession(ctx, sessionID, telemetry.OrderTimestamp)
		if err != nil {
			return nil, fmt.Errorf("%w: load session '%s': %w", ErrExportFailed, sessionID, err)
		}

		// GetBySession returns the whole session; trim to the window so the
		// iterator honors the same [since, until) bounds as the session list.
		it.current = it.current[:0]
		for _, event := range events {
			if event.Timestamp.Before(it.since) || !event.Timestamp.Before(it.until) {
				continue
			}

			it.current = append(it.current, event)
		}

		it.pos = 0
	}

	event := it.current[it.pos]
	it.pos++

	return event, nil
}
