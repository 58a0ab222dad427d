package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/twinraven-io/twinraven/internal/registry"
	"github.com/twinraven-io/twinraven/internal/synthesis"
)

// ErrRecordStoreFailed is returned when a registry record operation fails.
var ErrRecordStoreFailed = errors.New("registry record storage failed")

// Compile-time interface assertions.
var (
	_ registry.RecordStore = (*RecordStore)(nil)
	_ registry.RecordStore = (*MemoryRecordStore)(nil)
)

const recordColumns = `slug, current_version, state, definition_path,
	registered_at, last_used_at, invocation_count, retirement_reason`

// RecordStore implements registry.RecordStore with a PostgreSQL backend over
// tool_records and tool_versions.
type RecordStore struct {
	conn *Connection
}

// NewRecordStore creates a PostgreSQL-backed registry record store.
func NewRecordStore(conn *Connection) (*RecordStore, error) {
	if conn == nil {
		return nil, ErrNoDatabaseConnection
	}

	return &RecordStore{conn: conn}, nil
}

// Insert creates the slug's record together with its first version in one
// transaction.
func (s *RecordStore) Insert(ctx context.Context, record *registry.ToolRecord, version *registry.ToolVersion) error {
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: begin: %w", ErrRecordStoreFailed, err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO tool_records (`+recordColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`,
		record.Slug, record.CurrentVersion, record.State.String(), record.DefinitionPath,
		record.RegisteredAt, nullTime(record.LastUsedAt), record.InvocationCount,
		nullString(record.RetirementReason),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: '%s'", registry.ErrDuplicateTool, record.Slug)
		}

		return fmt.Errorf("%w: %w", ErrRecordStoreFailed, err)
	}

	if err := insertVersionRow(ctx, tx, version); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: commit: %w", ErrRecordStoreFailed, err)
	}

	return nil
}

// Get retrieves a record by slug.
func (s *RecordStore) Get(ctx context.Context, slug string) (*registry.ToolRecord, error) {
	query := `SELECT ` + recordColumns + ` FROM tool_records WHERE slug = $1`

	record, err := scanRecord(s.conn.QueryRowContext(ctx, query, slug))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: '%s'", registry.ErrToolNotFound, slug)
		}

		return nil, fmt.Errorf("%w: %w", ErrRecordStoreFailed, err)
	}

	return record, nil
}

// List retrieves records, optionally filtered by state, ordered by slug.
func (s *RecordStore) List(ctx context.Context, state synthesis.ToolState) ([]*registry.ToolRecord, error) {
	query := `SELECT ` + recordColumns + ` FROM tool_records`

	var args []any

	if state != "" {
		query += ` WHERE state = $1`

		args = append(args, state.String())
	}

	query += ` ORDER BY slug`

	rows, err := s.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrRecordStoreFailed, err)
	}
	defer func() { _ = rows.Close() }()

	var records []*registry.ToolRecord

	for rows.Next() {
		record, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrRecordStoreFailed, err)
		}

		records = append(records, record)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrRecordStoreFailed, err)
	}

	return records, nil
}

// Update rewrites a record's mutable columns. The UPDATE takes the row lock
// that backs the registry's per-slug serialization across processes.
func (s *RecordStore) Update(ctx context.Context, record *registry.ToolRecord) error {
	result, err := s.conn.ExecContext(ctx, `
		UPDATE tool_records
		SET current_version = $2, state = $3, definition_path = $4,
		    last_used_at = $5, invocation_count = $6, retirement_reason = $7
		WHERE slug = $1
	`,
		record.Slug, record.CurrentVersion, record.State.String(), record.DefinitionPath,
		nullTime(record.LastUsedAt), record.InvocationCount, nullString(record.RetirementReason),
	)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrRecordStoreFailed, err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("%w: %w", ErrRecordStoreFailed, err)
	}

	if rows == 0 {
		return fmt.Errorf("%w: '%s'", registry.ErrToolNotFound, record.Slug)
	}

	return nil
}

// InsertVersion appends a version row and supersedes the prior current
// version in one transaction.
func (s *RecordStore) InsertVersion(ctx context.Context, version *registry.ToolVersion) error {
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: begin: %w", ErrRecordStoreFailed, err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		UPDATE tool_versions
		SET superseded_at = $2
		WHERE slug = $1 AND superseded_at IS NULL
	`, version.Slug, version.CreatedAt)
	if err != nil {
		return fmt.Errorf("%w: supersede: %w", ErrRecordStoreFailed, err)
	}

	if err := insertVersionRow(ctx, tx, version); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: commit: %w", ErrRecordStoreFailed, err)
	}

	return nil
}

// Versions lists a slug's versions in ascending order.
func (s *RecordStore) Versions(ctx context.Context, slug string) ([]*registry.ToolVersion, error) {
	rows, err := s.conn.QueryContext(ctx, `
		SELECT slug, version, validation_passed, equivalence_score, created_at, superseded_at
		FROM tool_versions
		WHERE slug = $1
		ORDER BY version
	`, slug)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrRecordStoreFailed, err)
	}
	defer func() { _ = rows.Close() }()

	var versions []*registry.ToolVersion

	for rows.Next() {
		var (
			version    registry.ToolVersion
			superseded sql.NullTime
		)

		err := rows.Scan(&version.Slug, &version.Version, &version.ValidationPassed,
			&version.EquivalenceScore, &version.CreatedAt, &superseded)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrRecordStoreFailed, err)
		}

		version.CreatedAt = version.CreatedAt.UTC()

		if superseded.Valid {
			at := superseded.Time.UTC()
			version.SupersededAt = &at
		}

		versions = append(versions, &version)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrRecordStoreFailed, err)
	}

	return versions, nil
}

func insertVersionRow(ctx context.Context, tx *sql.Tx, version *registry.ToolVersion) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO tool_versions (slug, version, validation_passed, equivalence_score, created_at, superseded_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`,
		version.Slug, version.Version, version.ValidationPassed,
		version.EquivalenceScore, version.CreatedAt, nullTime(version.SupersededAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: '%s' v%d", registry.ErrDuplicateTool, version.Slug, version.Version)
		}

		return fmt.Errorf("%w: %w", ErrRecordStoreFailed, err)
	}

	return nil
}

// scanRecord reads one tool_records row.
func scanRecord(row rowScanner) (*registry.ToolRecord, error) {
	var (
		record   registry.ToolRecord
		state    string
		lastUsed sql.NullTime
		reason   sql.NullString
	)

	err := row.Scan(&record.Slug, &record.CurrentVersion, &state, &record.DefinitionPath,
		&record.RegisteredAt, &lastUsed, &record.InvocationCount, &reason)
	if err != nil {
		return nil, err
	}

	record.State = synthesis.ToolState(state)
	record.RegisteredAt = record.RegisteredAt.UTC()
	record.RetirementReason = reason.String

	if lastUsed.Valid {
		at := lastUsed.Time.UTC()
		record.LastUsedAt = &at
	}

	return &record, nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}

	return sql.NullTime{Time: *t, Valid: true}
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}

	return sql.NullString{String: s, Valid: true}
}

// MemoryRecordStore is an in-memory registry.RecordStore for unit tests and
// embedded use. Safe for concurrent use.
type MemoryRecordStore struct {
	mu       sync.RWMutex
	records  map[string]*registry.ToolRecord
	versions map[string][]*registry.ToolVersion
}

// NewMemoryRecordStore creates an empty in-memory record store.
func NewMemoryRecordStore() *MemoryRecordStore {
	return &MemoryRecordStore{
		records:  make(map[string]*registry.ToolRecord),
		versions: make(map[string][]*registry.ToolVersion),
	}
}

// Insert creates the slug's record together with its first version.
func (s *MemoryRecordStore) Insert(_ context.Context, record *registry.ToolRecord, version *registry.ToolVersion) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.records[record.Slug]; exists {
		return fmt.Errorf("%w: '%s'", registry.ErrDuplicateTool, record.Slug)
	}

	s.records[record.Slug] = copyRecord(record)
	s.versions[record.Slug] = []*registry.ToolVersion{copyVersion(version)}

	return nil
}

// Get retrieves a record by slug.
func (s *MemoryRecordStore) Get(_ context.Context, slug string) (*registry.ToolRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	record, ok := s.records[slug]
	if !ok {
		return nil, fmt.Errorf("%w: '%s'", registry.ErrToolNotFound, slug)
	}

	return copyRecord(record), nil
}

// List retrieves records, optionally filtered by state, ordered by slug.
func (s *MemoryRecordStore) List(_ context.Context, state synthesis.ToolState) ([]*registry.ToolRecord, error) {
	s.mu.RLock()

	records := make([]*registry.ToolRecord, 0, len(s.records))

	for _, record := range s.records {
		if state != "" && record.State != state {
			continue
		}

		records = append(records, copyRecord(record))
	}

	s.mu.RUnlock()

	sort.Slice(records, func(i, j int) bool { return records[i].Slug < records[j].Slug })

	return records, nil
}

// Update rewrites a record's mutable columns.
func (s *MemoryRecordStore) Update(_ context.Context, record *registry.ToolRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.records[record.Slug]; !ok {
		return fmt.Errorf("%w: '%s'", registry.ErrToolNotFound, record.Slug)
	}

	s.records[record.Slug] = copyRecord(record)

	return nil
}

// InsertVersion appends a version row and supersedes the prior current one.
func (s *MemoryRecordStore) InsertVersion(_ context.Context, version *registry.ToolVersion) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.versions[version.Slug] {
		if existing.Version == version.Version {
			return fmt.Errorf("%w: '%s' v%d", registry.ErrDuplicateTool, version.Slug, version.Version)
		}
	}

	for _, existing := range s.versions[version.Slug] {
		if existing.SupersededAt == nil {
			at := version.CreatedAt
			existing.SupersededAt = &at
		}
	}

	s.versions[version.Slug] = append(s.versions[version.Slug], copyVersion(version))

	return nil
}

// Versions lists a slug's versions in ascending order.
func (s *MemoryRecordStore) Versions(_ context.Context, slug string) ([]*registry.ToolVersion, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	versions := make([]*registry.ToolVersion, 0, len(s.versions[slug]))
	for _, version := range s.versions[slug] {
		versions = append(versions, copyVersion(version))
	}

	sort.Slice(versions, func(i, j int) bool { return versions[i].Version < versions[j].Version })

	return versions, nil
}

func copyRecord(record *registry.ToolRecord) *registry.ToolRecord {
	clone := *record

	if record.LastUsedAt != nil {
		at := *record.LastUsedAt
		clone.LastUsedAt = &at
	}

	return &clone
}

func copyVersion(version *registry.ToolVersion) *registry.ToolVersion {
	clone := *version

	if version.SupersededAt != nil {
		at := *version.SupersededAt
		clone.SupersededAt = &at
	}

	return &clone
}
