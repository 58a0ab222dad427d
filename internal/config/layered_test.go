package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writeConfig drops a YAML config file into dir and returns its path.
func writeConfig(t *testing.T, dir, name, content string) string {
	t.Helper()

	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	return path
}

// isolateHome points the user layer at an empty throwaway home directory.
func isolateHome(t *testing.T) string {
	t.Helper()

	home := t.TempDir()
	t.Setenv("HOME", home)

	return home
}

func TestLoadLayeredPrecedence(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	home := isolateHome(t)

	writeConfig(t, home, ".twinraven.yaml", `
mining:
  min_support: 0.2
  max_chain_length: 6
storage:
  max_open_conns: 10
`)

	project := writeConfig(t, t.TempDir(), "project.yaml", `
mining:
  min_support: 0.4
`)
	t.Setenv(ConfigPathEnvVar, project)

	t.Setenv("TWINRAVEN__MINING__MIN_SUPPORT", "0.6")

	layered, err := LoadLayered()
	require.NoError(t, err)

	// Environment beats the project file, which beats the user file.
	assert.Equal(t, "0.6", layered.GetStr("mining", "min_support", ""))

	// Keys only the user file sets survive the merge.
	assert.Equal(t, "6", layered.GetStr("mining", "max_chain_length", ""))
	assert.Equal(t, "10", layered.GetStr("storage", "max_open_conns", ""))
}

func TestLoadLayeredMissingFilesAreFine(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	isolateHome(t)
	t.Setenv(ConfigPathEnvVar, filepath.Join(t.TempDir(), "does-not-exist.yaml"))

	layered, err := LoadLayered()
	require.NoError(t, err)

	value, ok := layered.Get("mining", "min_support")
	assert.False(t, ok)
	assert.Empty(t, value)
	assert.Equal(t, "0.3", layered.GetStr("mining", "min_support", "0.3"))
}

func TestLoadLayeredMalformedFileIsFatal(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	isolateHome(t)

	project := writeConfig(t, t.TempDir(), "broken.yaml", "just a scalar, not sections")
	t.Setenv(ConfigPathEnvVar, project)

	_, err := LoadLayered()
	assert.ErrorIs(t, err, ErrInvalidConfigFile)
}

func TestLoadLayeredNormalizesSectionAndKeyCase(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	isolateHome(t)

	project := writeConfig(t, t.TempDir(), "project.yaml", `
Mining:
  Min_Support: 0.25
`)
	t.Setenv(ConfigPathEnvVar, project)

	layered, err := LoadLayered()
	require.NoError(t, err)

	assert.Equal(t, "0.25", layered.GetStr("mining", "min_support", ""))
}

func TestLoadLayeredEnvOverrideParsing(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	isolateHome(t)
	t.Setenv(ConfigPathEnvVar, filepath.Join(t.TempDir(), "absent.yaml"))

	t.Setenv("TWINRAVEN__SCANS__DRIFT_INTERVAL", "12h")
	t.Setenv("TWINRAVEN__MALFORMED", "ignored") // no key part

	layered, err := LoadLayered()
	require.NoError(t, err)

	// Key names keep their internal underscores; only the first double
	// underscore splits section from key.
	assert.Equal(t, "12h", layered.GetStr("scans", "drift_interval", ""))

	_, ok := layered.Get("malformed", "")
	assert.False(t, ok)
}

func TestApplyToEnv(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	isolateHome(t)

	project := writeConfig(t, t.TempDir(), "project.yaml", `
storage:
  max_open_conns: 42
mining:
  min_support: 0.35
`)
	t.Setenv(ConfigPathEnvVar, project)

	// A variable the operator already set must not be overwritten.
	t.Setenv("TWINRAVEN__MINING__MIN_SUPPORT", "0.9")

	// ApplyToEnv exports this one itself, so clean it up by hand.
	t.Cleanup(func() { _ = os.Unsetenv("TWINRAVEN__STORAGE__MAX_OPEN_CONNS") })

	layered, err := LoadLayered()
	require.NoError(t, err)
	require.NoError(t, layered.ApplyToEnv())

	assert.Equal(t, "42", os.Getenv("TWINRAVEN__STORAGE__MAX_OPEN_CONNS"))
	assert.Equal(t, "0.9", os.Getenv("TWINRAVEN__MINING__MIN_SUPPORT"))

	// The exported values now flow through the ordinary getters.
	assert.Equal(t, 42, GetEnvInt("TWINRAVEN__STORAGE__MAX_OPEN_CONNS", 25))
}

func TestGetEnvGetters(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	tests := []struct {
		name  string
		setup func(t *testing.T)
		check func(t *testing.T)
	}{
		{
			name:  "string falls back when unset",
			setup: func(t *testing.T) {},
			check: func(t *testing.T) {
				assert.Equal(t, "fallback", GetEnvStr("TWINRAVEN_TEST_STR", "fallback"))
			},
		},
		{
			name:  "int ignores garbage",
			setup: func(t *testing.T) { t.Setenv("TWINRAVEN_TEST_INT", "many") },
			check: func(t *testing.T) {
				assert.Equal(t, 7, GetEnvInt("TWINRAVEN_TEST_INT", 7))
			},
		},
		{
			name:  "float parses",
			setup: func(t *testing.T) { t.Setenv("TWINRAVEN_TEST_FLOAT", "0.75") },
			check: func(t *testing.T) {
				assert.InDelta(t, 0.75, GetEnvFloat("TWINRAVEN_TEST_FLOAT", 0.1), 1e-9)
			},
		},
		{
			name:  "bool accepts yes and off",
			setup: func(t *testing.T) { t.Setenv("TWINRAVEN_TEST_BOOL", "yes") },
			check: func(t *testing.T) {
				assert.True(t, GetEnvBool("TWINRAVEN_TEST_BOOL", false))

				t.Setenv("TWINRAVEN_TEST_BOOL", "off")
				assert.False(t, GetEnvBool("TWINRAVEN_TEST_BOOL", true))
			},
		},
		{
			name:  "duration parses go syntax",
			setup: func(t *testing.T) { t.Setenv("TWINRAVEN_TEST_DUR", "90s") },
			check: func(t *testing.T) {
				assert.Equal(t, "1m30s", GetEnvDuration("TWINRAVEN_TEST_DUR", 0).String())
			},
		},
		{
			name:  "log level understands warning alias",
			setup: func(t *testing.T) { t.Setenv("TWINRAVEN_TEST_LEVEL", "warning") },
			check: func(t *testing.T) {
				assert.Equal(t, "WARN", GetEnvLogLevel("TWINRAVEN_TEST_LEVEL", 0).String())
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.setup(t)
			tt.check(t)
		})
	}
}

func TestParseCommaSeparatedList(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	assert.Equal(t,
		[]string{"broker-1:9092", "broker-2:9092"},
		ParseCommaSeparatedList(" broker-1:9092 , broker-2:9092 ,, "))
	assert.Empty(t, ParseCommaSeparatedList(""))
}
