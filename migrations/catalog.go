package main

import (
	"bytes"
	"crypto/sha256"
	"embed"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"regexp"
	"sort"
	"strconv"
)

//go:embed *.sql
var embeddedSQL embed.FS

// Catalog validation errors.
var (
	ErrEmptyCatalog     = errors.New("migration catalog is empty")
	ErrBadMigrationName = errors.New("migration file name does not follow NNN_name.(up|down).sql")
	ErrUnpairedStep     = errors.New("migration step is missing a direction")
	ErrSequenceGap      = errors.New("migration sequence is not dense")
	ErrEmptyMigration   = errors.New("migration file is empty")
)

// migrationNamePattern is the required file naming standard. The zero-padded
// sequence keeps lexicographic and numeric order identical.
var migrationNamePattern = regexp.MustCompile(`^(\d{3})_([a-zA-Z0-9_]+)\.(up|down)\.sql$`)

type (
	// Catalog is a read-only view over a set of SQL migration files. The
	// zero source is the catalog compiled into this binary, so a deployed
	// migrator carries everything it needs to bring a schema up to date.
	Catalog struct {
		fsys fs.FS
	}

	// step is one parsed migration file name.
	step struct {
		sequence  int
		name      string
		direction string
		filename  string
	}
)

// NewCatalog wraps a filesystem of migration files. A nil filesystem selects
// the embedded catalog.
func NewCatalog(fsys fs.FS) *Catalog {
	if fsys == nil {
		fsys = embeddedSQL
	}

	return &Catalog{fsys: fsys}
}

// Source exposes the underlying filesystem for the migration engine.
func (c *Catalog) Source() fs.FS {
	return c.fsys
}

// Files returns every .sql file in the catalog in lexicographic order, which
// for conforming names is also step order.
func (c *Catalog) Files() ([]string, error) {
	entries, err := fs.ReadDir(c.fsys, ".")
	if err != nil {
		return nil, fmt.Errorf("read migration catalog: %w", err)
	}

	var files []string

	for _, entry := range entries {
		if entry.IsDir() || path.Ext(entry.Name()) != ".sql" {
			continue
		}

		files = append(files, entry.Name())
	}

	sort.Strings(files)

	return files, nil
}

// Validate checks that the catalog is runnable and reports every problem it
// finds at once:
//
//   - the catalog holds at least one migration
//   - every .sql file name conforms to the naming standard
//   - both files of a step agree on the step name
//   - every step has an up and a down file
//   - no file is blank
//   - sequences are dense starting at 001
//
// A misnamed file is an error rather than an ignorable stray: a migration
// that silently never runs is worse than a failed start.
func (c *Catalog) Validate() error {
	files, err := c.Files()
	if err != nil {
		return err
	}

	if len(files) == 0 {
		return ErrEmptyCatalog
	}

	var problems []error

	bySequence := make(map[int]map[string]bool) // sequence -> directions seen
	stepNames := make(map[int]string)

	for _, filename := range files {
		st, err := parseStepName(filename)
		if err != nil {
			problems = append(problems, err)

			continue
		}

		content, err := fs.ReadFile(c.fsys, filename)
		if err != nil {
			problems = append(problems, fmt.Errorf("read %s: %w", filename, err))

			continue
		}

		if len(bytes.TrimSpace(content)) == 0 {
			problems = append(problems, fmt.Errorf("%w: %s", ErrEmptyMigration, filename))
		}

		if prior, seen := stepNames[st.sequence]; seen && prior != st.name {
			problems = append(problems, fmt.Errorf(
				"%w: step %03d named both %q and %q", ErrBadMigrationName, st.sequence, prior, st.name))
		} else {
			stepNames[st.sequence] = st.name
		}

		if bySequence[st.sequence] == nil {
			bySequence[st.sequence] = make(map[string]bool)
		}

		bySequence[st.sequence][st.direction] = true
	}

	sequences := make([]int, 0, len(bySequence))

	for sequence, directions := range bySequence {
		sequences = append(sequences, sequence)

		if !directions["up"] {
			problems = append(problems, fmt.Errorf(
				"%w: %03d_%s has no up file", ErrUnpairedStep, sequence, stepNames[sequence]))
		}

		if !directions["down"] {
			problems = append(problems, fmt.Errorf(
				"%w: %03d_%s has no down file", ErrUnpairedStep, sequence, stepNames[sequence]))
		}
	}

	sort.Ints(sequences)

	for i, sequence := range sequences {
		if sequence != i+1 {
			problems = append(problems, fmt.Errorf(
				"%w: expected %03d, found %03d", ErrSequenceGap, i+1, sequence))

			break
		}
	}

	return errors.Join(problems...)
}

// MaxSequence returns the highest step number in the catalog, 0 when the
// catalog is empty.
func (c *Catalog) MaxSequence() (int, error) {
	steps, err := c.steps()
	if err != nil {
		return 0, err
	}

	max := 0

	for _, st := range steps {
		if st.sequence > max {
			max = st.sequence
		}
	}

	return max, nil
}

// PendingAfter lists the up migrations with a sequence above the given schema
// version, in the order they would apply.
func (c *Catalog) PendingAfter(version int) ([]string, error) {
	steps, err := c.steps()
	if err != nil {
		return nil, err
	}

	var pending []string

	for _, st := range steps {
		if st.direction == "up" && st.sequence > version {
			pending = append(pending, st.filename)
		}
	}

	sort.Strings(pending)

	return pending, nil
}

// Checksums maps every catalog file to the hex SHA-256 of its content, for
// recording which exact migration text a binary shipped with.
func (c *Catalog) Checksums() (map[string]string, error) {
	files, err := c.Files()
	if err != nil {
		return nil, err
	}

	sums := make(map[string]string, len(files))

	for _, filename := range files {
		content, err := fs.ReadFile(c.fsys, filename)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", filename, err)
		}

		digest := sha256.Sum256(content)
		sums[filename] = hex.EncodeToString(digest[:])
	}

	return sums, nil
}

// steps parses every conforming file name; nonconforming names surface as
// errors here as well so callers cannot act on a catalog Validate rejects.
func (c *Catalog) steps() ([]step, error) {
	files, err := c.Files()
	if err != nil {
		return nil, err
	}

	steps := make([]step, 0, len(files))

	for _, filename := range files {
		st, err := parseStepName(filename)
		if err != nil {
			return nil, err
		}

		steps = append(steps, st)
	}

	return steps, nil
}

// parseStepName splits a migration file name into sequence, step name, and
// direction.
func parseStepName(filename string) (step, error) {
	matches := migrationNamePattern.FindStringSubmatch(filename)
	if matches == nil {
		return step{}, fmt.Errorf("%w: %s", ErrBadMigrationName, filename)
	}

	sequence, err := strconv.Atoi(matches[1])
	if err != nil {
		return step{}, fmt.Errorf("%w: %s: %w", ErrBadMigrationName, filename, err)
	}

	return step{
		sequence:  sequence,
		name:      matches[2],
		direction: matches[3],
		filename:  filename,
	}, nil
}
