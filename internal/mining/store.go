package mining

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

// Sentinel errors shared by all CandidateStore implementations.
var (
	// ErrDuplicateCandidate is returned when saving a candidate whose
	// identifier already exists. Candidates are immutable after save.
	ErrDuplicateCandidate = errors.New("candidate identifier already exists")

	// ErrCandidateNotFound is returned when a candidate lookup finds no row.
	ErrCandidateNotFound = errors.New("candidate chain not found")
)

// CandidateStore defines the interface for candidate chain persistence.
//
// Candidates are write-once: Save rejects duplicates, there is no update
// path, and Delete is reserved for the orchestration layer when a candidate
// has been consumed by synthesis or rejected.
type CandidateStore interface {
	// Save persists a candidate chain. Fails with ErrDuplicateCandidate when
	// the identifier already exists.
	Save(ctx context.Context, chain *CandidateChain) error

	// Get retrieves a candidate by id. Returns ErrCandidateNotFound when absent.
	Get(ctx context.Context, id uuid.UUID) (*CandidateChain, error)

	// List returns all candidates ranked by support descending.
	List(ctx context.Context) ([]*CandidateChain, error)

	// Delete removes a consumed or rejected candidate. Returns
	// ErrCandidateNotFound when absent.
	Delete(ctx context.Context, id uuid.UUID) error
}
