package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Layered configuration precedence, lowest to highest:
//
//  1. User defaults file (~/.twinraven.yaml)
//  2. Project override file (.twinraven.yaml, or TWINRAVEN_CONFIG_PATH)
//  3. Environment overrides (TWINRAVEN__SECTION__KEY)
//
// The merged document is a two-level map of section -> key -> scalar. Nested
// structure beyond two levels is intentionally unsupported: every tunable in
// the system addresses as section.key, which keeps the environment override
// scheme unambiguous.

const (
	// DefaultConfigPath is the default location for the project configuration file.
	// Uses hidden file format following common tool conventions (.eslintrc, .prettierrc, etc.).
	DefaultConfigPath = ".twinraven.yaml"

	// ConfigPathEnvVar is the environment variable name for a custom project config path.
	ConfigPathEnvVar = "TWINRAVEN_CONFIG_PATH"

	// envOverridePrefix is the prefix for environment variable overrides.
	// Format: TWINRAVEN__SECTION__KEY (double underscore separators).
	envOverridePrefix = "TWINRAVEN__"

	envOverrideParts = 2
)

// ErrInvalidConfigFile is returned when a configuration file exists but cannot be parsed.
// Unlike a missing file (which is acceptable), a malformed file is fatal at startup.
var ErrInvalidConfigFile = errors.New("invalid configuration file")

// Layered holds the merged configuration document.
type Layered struct {
	sections map[string]map[string]string
}

// LoadLayered loads and merges the user defaults file, the project override
// file, and environment overrides into a single Layered document.
//
// Behavior:
//   - A missing file at either layer is not an error; that layer is skipped.
//   - A malformed file at either layer is fatal (ErrInvalidConfigFile): a
//     half-read configuration must never silently initialize components.
//   - Environment variables of the form TWINRAVEN__SECTION__KEY override both
//     file layers.
func LoadLayered() (*Layered, error) {
	l := &Layered{sections: make(map[string]map[string]string)}

	if home, err := os.UserHomeDir(); err == nil {
		if err := l.mergeFile(filepath.Join(home, ".twinraven.yaml")); err != nil {
			return nil, err
		}
	}

	projectPath := GetEnvStr(ConfigPathEnvVar, DefaultConfigPath)
	if err := l.mergeFile(projectPath); err != nil {
		return nil, err
	}

	l.mergeEnv(os.Environ())

	return l, nil
}

// Get returns the value for section.key and whether it was set by any layer.
func (l *Layered) Get(section, key string) (string, bool) {
	sec, ok := l.sections[section]
	if !ok {
		return "", false
	}

	value, ok := sec[key]

	return value, ok
}

// GetStr returns the value for section.key or the default when unset.
func (l *Layered) GetStr(section, key, defaultValue string) string {
	if value, ok := l.Get(section, key); ok {
		return value
	}

	return defaultValue
}

// Sections returns the names of all configured sections, for diagnostics.
func (l *Layered) Sections() []string {
	names := make([]string, 0, len(l.sections))
	for name := range l.sections {
		names = append(names, name)
	}

	return names
}

// ApplyToEnv exports every merged section.key as TWINRAVEN__SECTION__KEY in
// the process environment, skipping variables that are already set so real
// environment overrides keep precedence. Components then read file-layer
// values through the same GetEnv* getters as everything else.
func (l *Layered) ApplyToEnv() error {
	for section, keys := range l.sections {
		for key, value := range keys {
			name := envOverridePrefix + strings.ToUpper(section) + "__" + strings.ToUpper(key)

			if _, set := os.LookupEnv(name); set {
				continue
			}

			if err := os.Setenv(name, value); err != nil {
				return fmt.Errorf("export %s: %w", name, err)
			}
		}
	}

	return nil
}

// mergeFile reads a YAML file and merges its section/key pairs over the
// current document. Missing files are skipped; malformed files are fatal.
func (l *Layered) mergeFile(path string) error {
	data, err := os.ReadFile(path) //nolint:gosec // path is from trusted config source
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}

		return fmt.Errorf("%w: %s: %w", ErrInvalidConfigFile, path, err)
	}

	if len(data) == 0 {
		return nil
	}

	var doc map[string]map[string]any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrInvalidConfigFile, path, err)
	}

	for section, keys := range doc {
		section = strings.ToLower(strings.TrimSpace(section))
		if l.sections[section] == nil {
			l.sections[section] = make(map[string]string)
		}

		for key, value := range keys {
			key = strings.ToLower(strings.TrimSpace(key))
			l.sections[section][key] = fmt.Sprintf("%v", value)
		}
	}

	return nil
}

// mergeEnv applies TWINRAVEN__SECTION__KEY overrides from the environment.
func (l *Layered) mergeEnv(environ []string) {
	for _, entry := range environ {
		name, value, found := strings.Cut(entry, "=")
		if !found || !strings.HasPrefix(name, envOverridePrefix) {
			continue
		}

		rest := strings.TrimPrefix(name, envOverridePrefix)

		parts := strings.SplitN(rest, "__", envOverrideParts)
		if len(parts) != envOverrideParts || parts[0] == "" || parts[1] == "" {
			continue
		}

		section := strings.ToLower(parts[0])
		key := strings.ToLower(parts[1])

		if l.sections[section] == nil {
			l.sections[section] = make(map[string]string)
		}

		l.sections[section][key] = value
	}
}
