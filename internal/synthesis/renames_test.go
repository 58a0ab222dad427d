package synthesis

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadRenames_ValidYAML(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "renames.yaml")

	content := `
parameter_renames:
  document_id: [doc_id, docid]
  query: [q]
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	renames := LoadRenames(path)

	require.NotNil(t, renames)
	assert.Equal(t, 2, renames.Len())
	assert.Equal(t, []string{"doc_id", "docid"}, renames.KnownFor("document_id"))
	assert.Equal(t, []string{"q"}, renames.KnownFor("query"))
	assert.Nil(t, renames.KnownFor("unknown"))
}

func TestLoadRenames_MissingFile(t *testing.T) {
	// Missing file yields an empty table, no failure (graceful degradation).
	renames := LoadRenames("/nonexistent/path/renames.yaml")

	require.NotNil(t, renames)
	assert.Equal(t, 0, renames.Len())
}

func TestLoadRenames_InvalidYAML(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "renames.yaml")

	require.NoError(t, os.WriteFile(path, []byte("parameter_renames: [not: a: map"), 0o644))

	renames := LoadRenames(path)

	require.NotNil(t, renames)
	assert.Equal(t, 0, renames.Len())
}

func TestLoadRenames_EmptyFile(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "renames.yaml")

	require.NoError(t, os.WriteFile(path, []byte(""), 0o644))

	renames := LoadRenames(path)

	require.NotNil(t, renames)
	assert.Equal(t, 0, renames.Len())
}

func TestNewRenamesNormalizes(t *testing.T) {
	renames := NewRenames(map[string][]string{
		"document_id": {" doc_id ", "", "document_id", "docid"},
		"  ":          {"x"},
		"query":       {"", "query"},
	})

	// Whitespace trims, empties and self-references drop, spellings sort.
	assert.Equal(t, 1, renames.Len())
	assert.Equal(t, []string{"doc_id", "docid"}, renames.KnownFor("document_id"))
	assert.Nil(t, renames.KnownFor("query"))
}

func TestRenamesNilReceiver(t *testing.T) {
	var renames *Renames

	assert.Nil(t, renames.KnownFor("anything"))
	assert.Equal(t, 0, renames.Len())
}

func TestLoadRenamesFromEnv(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "custom-renames.yaml")

	content := `
parameter_renames:
  url: [link, href]
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	t.Setenv(RenamesPathEnvVar, path)

	renames := LoadRenamesFromEnv()

	assert.Equal(t, []string{"href", "link"}, renames.KnownFor("url"))
}
