// Package registry manages the lifecycle of synthesized tools.
//
// A tool lives as versioned on-disk JSON documents under a per-slug
// directory plus a database record set: one tool_records row per slug, one
// tool_versions row per (slug, version). Lifecycle transitions are enforced
// strictly; the background scans retire tools whose source chain drifted,
// that went unused, or whose failure rate spiked.
//
// This package defines the RecordStore interface which represents what the
// domain needs for record persistence. Concrete implementations (PostgreSQL,
// in-memory) live in internal/storage.
package registry

import (
	"context"
	"errors"
	"time"

	"github.com/twinraven-io/twinraven/internal/synthesis"
)

// Sentinel errors for registry operations.
var (
	// ErrToolNotFound is returned when a slug has no record.
	ErrToolNotFound = errors.New("tool not found")

	// ErrDuplicateTool is returned when registering a slug that already has a
	// record at the same version.
	ErrDuplicateTool = errors.New("tool already registered")

	// ErrInvalidTransition is returned for a lifecycle transition outside the
	// allowed set. The message carries current and requested states.
	ErrInvalidTransition = errors.New("invalid lifecycle transition")

	// ErrRegistryFailed wraps storage and filesystem failures.
	ErrRegistryFailed = errors.New("registry operation failed")
)

// Retirement reasons recorded on tool_records.
const (
	ReasonManual       = "manual"
	ReasonDrift        = "drift"
	ReasonUnused       = "auto_unused"
	ReasonFailureSpike = "failure_spike"
	ReasonSuperseded   = "superseded"
)

type (
	// ToolRecord is the per-slug registry row - Domain Model.
	ToolRecord struct {
		// Slug is the tool identifier, primary key.
		Slug string

		// CurrentVersion is the latest registered version.
		CurrentVersion int

		// State is the lifecycle state of the current version.
		State synthesis.ToolState

		// DefinitionPath is the on-disk path of the current version document.
		DefinitionPath string

		// RegisteredAt is the first registration time.
		RegisteredAt time.Time

		// LastUsedAt is the last recorded invocation, nil when never used.
		// Updated last-writer-wins.
		LastUsedAt *time.Time

		// InvocationCount is the total recorded invocations.
		InvocationCount int64

		// RetirementReason is set when State is retired.
		RetirementReason string
	}

	// ToolVersion is one immutable version row - Domain Model.
	ToolVersion struct {
		// Slug and Version form the composite key. Versions are dense from 1.
		Slug    string
		Version int

		// ValidationPassed and EquivalenceScore snapshot the validation run
		// that produced this version.
		ValidationPassed bool
		EquivalenceScore float64

		// CreatedAt is the version creation time.
		CreatedAt time.Time

		// SupersededAt is set when a newer version replaces this one, nil
		// while current.
		SupersededAt *time.Time
	}

	// RecordStore defines the interface for registry record persistence.
	RecordStore interface {
		// Insert creates the slug's record together with its first version.
		// Fails with ErrDuplicateTool when the slug already exists.
		Insert(ctx context.Context, record *ToolRecord, version *ToolVersion) error

		// Get retrieves a record. Returns ErrToolNotFound when absent.
		Get(ctx context.Context, slug string) (*ToolRecord, error)

		// List retrieves records, optionally filtered by state (empty state
		// means all), ordered by slug.
		List(ctx context.Context, state synthesis.ToolState) ([]*ToolRecord, error)

		// Update rewrites a record's mutable columns. Returns ErrToolNotFound
		// when absent.
		Update(ctx context.Context, record *ToolRecord) error

		// InsertVersion appends a version row and marks the prior current
		// version superseded in the same transaction.
		InsertVersion(ctx context.Context, version *ToolVersion) error

		// Versions lists a slug's versions in ascending order.
		Versions(ctx context.Context, slug string) ([]*ToolVersion, error)
	}
)

// allowedTransitions is the strict lifecycle edge set.
var allowedTransitions = map[synthesis.ToolState][]synthesis.ToolState{
	synthesis.StateDraft:    {synthesis.StateTesting},
	synthesis.StateTesting:  {synthesis.StateDraft, synthesis.StatePromoted},
	synthesis.StatePromoted: {synthesis.StateRetired},
	synthesis.StateRetired:  {},
}

// CanTransition reports whether the lifecycle edge is allowed.
func CanTransition(from, to synthesis.ToolState) bool {
	for _, next := range allowedTransitions[from] {
		if next == to {
			return true
		}
	}

	return false
}
