package synthesis

import (
	"errors"
	"log/slog"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/twinraven-io/twinraven/internal/config"
)

// DefaultRenamesPath is the default location of the rename table file.
// Uses hidden file format following common tool conventions (.eslintrc, .prettierrc, etc.).
const DefaultRenamesPath = ".twinraven-renames.yaml"

// RenamesPathEnvVar is the environment variable name for a custom rename table path.
const RenamesPathEnvVar = "TWINRAVEN_RENAMES_PATH"

type (
	// renamesFile is the YAML document shape of the rename table.
	renamesFile struct {
		// ParameterRenames maps an input parameter name to the output field
		// names it is known to travel under. Key is the downstream input
		// name, values are upstream output spellings.
		//nolint:tagliatelle // snake_case is intentional for YAML config files
		ParameterRenames map[string][]string `yaml:"parameter_renames"`
	}

	// Renames is the known-rename table consulted by flow classification:
	// different tools spell the same field differently (doc_id vs
	// document_id), which would otherwise hide an internal wiring edge.
	// Thread-safe for concurrent use (immutable after construction).
	Renames struct {
		aliases map[string][]string
	}
)

// NewRenames builds a rename table from an input-name to output-spellings
// map. Empty names are dropped; a nil map yields an empty table.
func NewRenames(aliases map[string][]string) *Renames {
	table := &Renames{aliases: make(map[string][]string, len(aliases))}

	for input, outputs := range aliases {
		input = strings.TrimSpace(input)
		if input == "" {
			continue
		}

		kept := make([]string, 0, len(outputs))

		for _, output := range outputs {
			output = strings.TrimSpace(output)
			if output == "" || output == input {
				continue
			}

			kept = append(kept, output)
		}

		if len(kept) == 0 {
			continue
		}

		sort.Strings(kept)
		table.aliases[input] = kept
	}

	return table
}

// LoadRenames loads the rename table from a YAML file at the given path.
//
// Behavior:
//   - Returns an empty table if the file doesn't exist - renames are optional
//   - Returns an empty table + logs a warning if the YAML is invalid
//     (graceful degradation)
//   - Returns the populated table on success
//
// Classification works without a rename table; exact-name wiring detection
// still applies. A missing or broken table must never block synthesis.
func LoadRenames(path string) *Renames {
	data, err := os.ReadFile(path) //nolint:gosec // path is from trusted config source
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			slog.Debug("Rename table not found, continuing without renames",
				slog.String("path", path))

			return NewRenames(nil)
		}

		slog.Warn("Failed to read rename table, continuing without renames",
			slog.String("path", path),
			slog.String("error", err.Error()))

		return NewRenames(nil)
	}

	if len(data) == 0 {
		return NewRenames(nil)
	}

	var doc renamesFile
	if err := yaml.Unmarshal(data, &doc); err != nil {
		slog.Warn("Failed to parse rename table, continuing without renames",
			slog.String("path", path),
			slog.String("error", err.Error()))

		return NewRenames(nil)
	}

	return NewRenames(doc.ParameterRenames)
}

// LoadRenamesFromEnv loads the rename table from the path in
// TWINRAVEN_RENAMES_PATH, falling back to ".twinraven-renames.yaml" in the
// current directory.
func LoadRenamesFromEnv() *Renames {
	return LoadRenames(config.GetEnvStr(RenamesPathEnvVar, DefaultRenamesPath))
}

// KnownFor returns the output spellings the given input name is known to
// travel under, excluding the name itself. The result is sorted and must
// not be mutated.
func (r *Renames) KnownFor(input string) []string {
	if r == nil {
		return nil
	}

	return r.aliases[input]
}

// Len returns the number of input names with at least one known rename.
func (r *Renames) Len() int {
	if r == nil {
		return 0
	}

	return len(r.aliases)
}
