package telemetry

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/twinraven-io/twinraven/internal/canonicalization"
)

func validEvent(t *testing.T) *Event {
	t.Helper()

	event, err := NewEvent("session-1", "search", map[string]any{"q": "go"})
	if err != nil {
		t.Fatalf("NewEvent failed: %v", err)
	}

	return event
}

func TestNewEvent(t *testing.T) {
	event := validEvent(t)

	if event.ID.String() == "00000000-0000-0000-0000-000000000000" {
		t.Error("expected a non-nil event identifier")
	}

	if len(event.InputHash) != canonicalization.InputHashLength {
		t.Errorf("input hash length = %d, want %d", len(event.InputHash), canonicalization.InputHashLength)
	}

	if event.Timestamp.Location() != time.UTC {
		t.Error("timestamp must be UTC")
	}

	if !event.Timestamp.Equal(event.Timestamp.Truncate(time.Microsecond)) {
		t.Error("timestamp must have microsecond precision")
	}

	if event.Predecessor != nil || event.Successor != nil {
		t.Error("link pointers must start nil")
	}

	if event.Outcome != OutcomeSuccess {
		t.Errorf("default outcome = %s, want success", event.Outcome)
	}
}

func TestNewEventHashStability(t *testing.T) {
	a, err := NewEvent("s", "t", map[string]any{"b": 2, "a": 1})
	if err != nil {
		t.Fatalf("NewEvent failed: %v", err)
	}

	b, err := NewEvent("s", "t", map[string]any{"a": 1, "b": 2})
	if err != nil {
		t.Fatalf("NewEvent failed: %v", err)
	}

	if a.InputHash != b.InputHash {
		t.Errorf("key order changed the hash: %s vs %s", a.InputHash, b.InputHash)
	}
}

func TestEventValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Event)
		wantErr error
	}{
		{
			name:   "valid event",
			mutate: func(*Event) {},
		},
		{
			name:    "empty session id",
			mutate:  func(e *Event) { e.SessionID = "  " },
			wantErr: ErrSessionIDEmpty,
		},
		{
			name:    "session id too long",
			mutate:  func(e *Event) { e.SessionID = strings.Repeat("s", MaxSessionIDLength+1) },
			wantErr: ErrSessionIDTooLong,
		},
		{
			name:    "empty tool id",
			mutate:  func(e *Event) { e.ToolID = "" },
			wantErr: ErrToolIDEmpty,
		},
		{
			name:    "tool id too long",
			mutate:  func(e *Event) { e.ToolID = strings.Repeat("t", MaxToolIDLength+1) },
			wantErr: ErrToolIDTooLong,
		},
		{
			name:    "bad input hash",
			mutate:  func(e *Event) { e.InputHash = "abc" },
			wantErr: ErrInputHashInvalid,
		},
		{
			name:    "zero timestamp",
			mutate:  func(e *Event) { e.Timestamp = time.Time{} },
			wantErr: ErrTimestampZero,
		},
		{
			name:    "negative latency",
			mutate:  func(e *Event) { e.LatencyMS = -1 },
			wantErr: ErrLatencyNegative,
		},
		{
			name:    "invalid outcome",
			mutate:  func(e *Event) { e.Outcome = "maybe" },
			wantErr: ErrOutcomeInvalid,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			event := validEvent(t)
			tt.mutate(event)

			err := event.Validate()
			if tt.wantErr == nil {
				if err != nil {
					t.Errorf("expected valid, got %v", err)
				}

				return
			}

			if !errors.Is(err, tt.wantErr) {
				t.Errorf("expected %v, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestOutcomeIsValid(t *testing.T) {
	for _, outcome := range ValidOutcomes() {
		if !outcome.IsValid() {
			t.Errorf("outcome %s should be valid", outcome)
		}
	}

	if Outcome("unknown").IsValid() {
		t.Error("unknown outcome should be invalid")
	}
}
