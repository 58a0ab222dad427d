package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/twinraven-io/twinraven/internal/mining"
)

// ErrCandidateStoreFailed is returned when a candidate storage operation fails.
var ErrCandidateStoreFailed = errors.New("candidate storage failed")

// Compile-time interface assertions.
var (
	_ mining.CandidateStore = (*CandidateStore)(nil)
	_ mining.CandidateStore = (*MemoryCandidateStore)(nil)
)

const candidateColumns = `id, tools, support, confidence, avg_latency_ms,
	failure_rate, sample_event_ids, discovered_at, mining_config`

// CandidateStore implements mining.CandidateStore with a PostgreSQL backend.
// Candidates are write-once rows in candidate_chains.
type CandidateStore struct {
	conn *Connection
}

// NewCandidateStore creates a PostgreSQL-backed candidate store.
func NewCandidateStore(conn *Connection) (*CandidateStore, error) {
	if conn == nil {
		return nil, ErrNoDatabaseConnection
	}

	return &CandidateStore{conn: conn}, nil
}

// Save persists a candidate chain. Fails with mining.ErrDuplicateCandidate
// when the identifier already exists.
func (s *CandidateStore) Save(ctx context.Context, chain *mining.CandidateChain) error {
	if err := chain.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrCandidateStoreFailed, err)
	}

	tools, err := json.Marshal(chain.Tools)
	if err != nil {
		return fmt.Errorf("%w: failed to marshal tools: %w", ErrCandidateStoreFailed, err)
	}

	sampleIDs, err := json.Marshal(chain.SampleEventIDs)
	if err != nil {
		return fmt.Errorf("%w: failed to marshal sample event ids: %w", ErrCandidateStoreFailed, err)
	}

	miningConfig, err := json.Marshal(chain.MiningConfig)
	if err != nil {
		return fmt.Errorf("%w: failed to marshal mining config: %w", ErrCandidateStoreFailed, err)
	}

	query := `
		INSERT INTO candidate_chains (` + candidateColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`

	_, err = s.conn.ExecContext(ctx, query,
		chain.ID, tools, chain.Support, chain.Confidence, chain.AvgLatencyMS,
		chain.FailureRate, sampleIDs, chain.DiscoveredAt, miningConfig,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: %s", mining.ErrDuplicateCandidate, chain.ID)
		}

		return fmt.Errorf("%w: %w", ErrCandidateStoreFailed, err)
	}

	return nil
}

// Get retrieves a candidate by id.
func (s *CandidateStore) Get(ctx context.Context, id uuid.UUID) (*mining.CandidateChain, error) {
	query := `SELECT ` + candidateColumns + ` FROM candidate_chains WHERE id = $1`

	chain, err := scanCandidate(s.conn.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", mining.ErrCandidateNotFound, id)
		}

		return nil, fmt.Errorf("%w: %w", ErrCandidateStoreFailed, err)
	}

	return chain, nil
}

// List returns all candidates ranked by support descending.
func (s *CandidateStore) List(ctx context.Context) ([]*mining.CandidateChain, error) {
	query := `
		SELECT ` + candidateColumns + `
		FROM candidate_chains
		ORDER BY support DESC, discovered_at DESC
	`

	rows, err := s.conn.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCandidateStoreFailed, err)
	}
	defer func() { _ = rows.Close() }()

	var chains []*mining.CandidateChain

	for rows.Next() {
		chain, err := scanCandidate(rows)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrCandidateStoreFailed, err)
		}

		chains = append(chains, chain)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCandidateStoreFailed, err)
	}

	return chains, nil
}

// Delete removes a consumed or rejected candidate.
func (s *CandidateStore) Delete(ctx context.Context, id uuid.UUID) error {
	result, err := s.conn.ExecContext(ctx, `DELETE FROM candidate_chains WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrCandidateStoreFailed, err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("%w: %w", ErrCandidateStoreFailed, err)
	}

	if rows == 0 {
		return fmt.Errorf("%w: %s", mining.ErrCandidateNotFound, id)
	}

	return nil
}

// scanCandidate reads one candidate row.
func scanCandidate(row rowScanner) (*mining.CandidateChain, error) {
	var (
		chain        mining.CandidateChain
		tools        []byte
		sampleIDs    []byte
		miningConfig []byte
	)

	err := row.Scan(
		&chain.ID, &tools, &chain.Support, &chain.Confidence, &chain.AvgLatencyMS,
		&chain.FailureRate, &sampleIDs, &chain.DiscoveredAt, &miningConfig,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal(tools, &chain.Tools); err != nil {
		return nil, fmt.Errorf("failed to unmarshal tools: %w", err)
	}

	if len(sampleIDs) > 0 {
		if err := json.Unmarshal(sampleIDs, &chain.SampleEventIDs); err != nil {
			return nil, fmt.Errorf("failed to unmarshal sample event ids: %w", err)
		}
	}

	if len(miningConfig) > 0 {
		if err := json.Unmarshal(miningConfig, &chain.MiningConfig); err != nil {
			return nil, fmt.Errorf("failed to unmarshal mining config: %w", err)
		}
	}

	chain.DiscoveredAt = chain.DiscoveredAt.UTC()

	return &chain, nil
}

// MemoryCandidateStore is an in-memory mining.CandidateStore for unit tests
// and embedded use. Safe for concurrent use.
type MemoryCandidateStore struct {
	mu     sync.RWMutex
	chains map[uuid.UUID]*mining.CandidateChain
}

// NewMemoryCandidateStore creates an empty in-memory candidate store.
func NewMemoryCandidateStore() *MemoryCandidateStore {
	return &MemoryCandidateStore{chains: make(map[uuid.UUID]*mining.CandidateChain)}
}

// Save persists a candidate chain, rejecting duplicates.
func (s *MemoryCandidateStore) Save(_ context.Context, chain *mining.CandidateChain) error {
	if err := chain.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrCandidateStoreFailed, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.chains[chain.ID]; exists {
		return fmt.Errorf("%w: %s", mining.ErrDuplicateCandidate, chain.ID)
	}

	s.chains[chain.ID] = copyCandidate(chain)

	return nil
}

// Get retrieves a candidate by id.
func (s *MemoryCandidateStore) Get(_ context.Context, id uuid.UUID) (*mining.CandidateChain, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	chain, ok := s.chains[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", mining.ErrCandidateNotFound, id)
	}

	return copyCandidate(chain), nil
}

// List returns all candidates ranked by support descending.
func (s *MemoryCandidateStore) List(_ context.Context) ([]*mining.CandidateChain, error) {
	s.mu.RLock()

	chains := make([]*mining.CandidateChain, 0, len(s.chains))
	for _, chain := range s.chains {
		chains = append(chains, copyCandidate(chain))
	}

	s.mu.RUnlock()

	sort.SliceStable(chains, func(i, j int) bool {
		if chains[i].Support != chains[j].Support {
			return chains[i].Support > chains[j].Support
		}

		return chains[i].DiscoveredAt.After(chains[j].DiscoveredAt)
	})

	return chains, nil
}

// Delete removes a consumed or rejected candidate.
func (s *MemoryCandidateStore) Delete(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.chains[id]; !ok {
		return fmt.Errorf("%w: %s", mining.ErrCandidateNotFound, id)
	}

	delete(s.chains, id)

	return nil
}

// copyCandidate returns a defensive copy of a candidate chain.
func copyCandidate(chain *mining.CandidateChain) *mining.CandidateChain {
	clone := *chain
	clone.Tools = append([]string(nil), chain.Tools...)
	clone.SampleEventIDs = append([]uuid.UUID(nil), chain.SampleEventIDs...)
	clone.MiningConfig.SessionIDs = append([]string(nil), chain.MiningConfig.SessionIDs...)

	return &clone
}
