// Package telemetry provides the observation domain model and the collection
// façade for recording agent tool invocations.
//
// An Event is the unit of observation: one tool call inside one session.
// Events are written once and never mutated, with a single documented
// exception (the successor backfill performed by the Collector). Sessions are
// implicit groupings reconstructed on read; they are never stored as records
// of their own.
//
// This package defines the Store interface which represents what the domain
// needs for event persistence, following the Dependency Inversion Principle.
// Concrete implementations (PostgreSQL, in-memory) live in internal/storage.
package telemetry

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/twinraven-io/twinraven/internal/canonicalization"
)

const (
	// MaxSessionIDLength matches events.session_id VARCHAR(256).
	MaxSessionIDLength = 256

	// MaxToolIDLength matches events.tool_id VARCHAR(256).
	MaxToolIDLength = 256
)

type (
	// Event records a single tool call within a session - Domain Model.
	//
	// Lifecycle: created by the Collector, written once, never mutated except
	// for the successor backfill (the single documented mutation). Deleted
	// only by the retention pruner.
	//
	// Invariants:
	//   - InputHash is a deterministic function of the canonicalized input tree
	//   - Predecessor/Successor pointers, when present, form a forward linked
	//     list consistent with timestamp order within the session
	//   - LatencyMS >= 0
	Event struct {
		// ID is the globally unique event identifier.
		ID uuid.UUID

		// SessionID is the caller-assigned session grouping key.
		SessionID string

		// ToolID identifies the invoked tool.
		ToolID string

		// InputHash is the 16-hex-char stable digest of the canonicalized
		// input tree. See canonicalization.InputHash.
		InputHash string

		// InputParams is the original input parameter tree.
		InputParams map[string]any

		// OutputSummary is the optional compressed textual output summary.
		// Empty string means no summary was recorded (stored as NULL).
		OutputSummary string

		// Predecessor links to the previous sibling event in the session, if any.
		Predecessor *uuid.UUID

		// Successor links to the next sibling event in the session, if any.
		// Backfilled by the Collector after the next event is appended.
		Successor *uuid.UUID

		// Timestamp is the UTC creation time at microsecond precision.
		Timestamp time.Time

		// LatencyMS is the tool execution duration in milliseconds.
		LatencyMS int32

		// Outcome is the caller-supplied result classification.
		Outcome Outcome

		// Tags is an unordered multiset of string tags.
		Tags []string
	}

	// Outcome classifies the result of a tool call.
	Outcome string
)

const (
	// OutcomeSuccess indicates the tool call completed normally.
	OutcomeSuccess Outcome = "success"

	// OutcomeFailure indicates the tool call failed.
	OutcomeFailure Outcome = "failure"

	// OutcomePartial indicates the tool call produced incomplete results.
	// Partial outcomes do not count as failures in failure-rate statistics.
	OutcomePartial Outcome = "partial"
)

// Event validation errors (static sentinel errors for errors.Is() checks).
var (
	// ErrSessionIDEmpty indicates session_id is required.
	ErrSessionIDEmpty = errors.New("session_id cannot be empty")

	// ErrSessionIDTooLong indicates session_id exceeds 256 characters.
	ErrSessionIDTooLong = errors.New("session_id cannot exceed 256 characters")

	// ErrToolIDEmpty indicates tool_id is required.
	ErrToolIDEmpty = errors.New("tool_id cannot be empty")

	// ErrToolIDTooLong indicates tool_id exceeds 256 characters.
	ErrToolIDTooLong = errors.New("tool_id cannot exceed 256 characters")

	// ErrLatencyNegative indicates latency_ms cannot be negative.
	ErrLatencyNegative = errors.New("latency_ms cannot be negative")

	// ErrOutcomeInvalid indicates outcome is not a valid Outcome.
	ErrOutcomeInvalid = errors.New("outcome must be one of: success, failure, partial")

	// ErrTimestampZero indicates timestamp is required.
	ErrTimestampZero = errors.New("timestamp cannot be zero")

	// ErrInputHashInvalid indicates input_hash has the wrong length.
	ErrInputHashInvalid = errors.New("input_hash must be 16 hex characters")
)

// ValidOutcomes returns all valid event outcomes.
func ValidOutcomes() []Outcome {
	return []Outcome{OutcomeSuccess, OutcomeFailure, OutcomePartial}
}

// IsValid checks if the Outcome is a valid enum value.
func (o Outcome) IsValid() bool {
	switch o {
	case OutcomeSuccess, OutcomeFailure, OutcomePartial:
		return true
	default:
		return false
	}
}

// String returns the string representation of the Outcome.
func (o Outcome) String() string {
	return string(o)
}

// NewEvent constructs an Event with a fresh identifier, a canonical input
// hash, and a UTC microsecond timestamp. Link pointers start nil; the
// Collector sets Predecessor at record time and backfills Successor.
func NewEvent(sessionID, toolID string, inputs map[string]any) (*Event, error) {
	hash, err := canonicalization.InputHash(inputs)
	if err != nil {
		return nil, fmt.Errorf("failed to hash inputs: %w", err)
	}

	return &Event{
		ID:          uuid.New(),
		SessionID:   sessionID,
		ToolID:      toolID,
		InputHash:   hash,
		InputParams: inputs,
		Timestamp:   time.Now().UTC().Truncate(time.Microsecond),
		Outcome:     OutcomeSuccess,
		Tags:        []string{},
	}, nil
}

// Validate performs domain validation on the Event.
// Storage-level validations (duplicate IDs, FK constraints) are handled by
// the storage layer.
func (e *Event) Validate() error {
	if strings.TrimSpace(e.SessionID) == "" {
		return ErrSessionIDEmpty
	}

	if len(e.SessionID) > MaxSessionIDLength {
		return fmt.Errorf("%w: got %d characters", ErrSessionIDTooLong, len(e.SessionID))
	}

	if strings.TrimSpace(e.ToolID) == "" {
		return ErrToolIDEmpty
	}

	if len(e.ToolID) > MaxToolIDLength {
		return fmt.Errorf("%w: got %d characters", ErrToolIDTooLong, len(e.ToolID))
	}

	if len(e.InputHash) != canonicalization.InputHashLength {
		return fmt.Errorf("%w: got %d characters", ErrInputHashInvalid, len(e.InputHash))
	}

	if e.Timestamp.IsZero() {
		return ErrTimestampZero
	}

	if e.LatencyMS < 0 {
		return fmt.Errorf("%w: got %d", ErrLatencyNegative, e.LatencyMS)
	}

	if !e.Outcome.IsValid() {
		return fmt.Errorf("%w: got '%s'", ErrOutcomeInvalid, e.Outcome)
	}

	return nil
}
