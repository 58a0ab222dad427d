package registry

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/twinraven-io/twinraven/internal/synthesis"
)

const (
	definitionDirPerm  = 0o755
	definitionFilePerm = 0o644
)

// metadata is the per-slug metadata.json document tracking the current
// version.
type metadata struct {
	Slug           string              `json:"slug"`
	CurrentVersion int                 `json:"current_version"`
	State          synthesis.ToolState `json:"state"`
	UpdatedAt      time.Time           `json:"updated_at"`
}

// definitionPath returns generated/<slug>/v<N>.json under the base
// directory.
func definitionPath(baseDir, slug string, version int) string {
	return filepath.Join(baseDir, slug, fmt.Sprintf("v%d.json", version))
}

func metadataPath(baseDir, slug string) string {
	return filepath.Join(baseDir, slug, "metadata.json")
}

// writeDefinition persists a version document atomically: temp sibling plus
// rename, partial removed on failure. Version documents are immutable once
// written.
func writeDefinition(baseDir string, tool *synthesis.SynthesizedTool) (string, error) {
	path := definitionPath(baseDir, tool.Slug, tool.Version)

	document, err := json.MarshalIndent(tool, "", "  ")
	if err != nil {
		return "", fmt.Errorf("%w: encode definition: %w", ErrRegistryFailed, err)
	}

	if err := atomicWrite(path, document); err != nil {
		return "", err
	}

	return path, nil
}

// writeMetadata persists metadata.json atomically. Unlike version documents,
// metadata is rewritten on every lifecycle change.
func writeMetadata(baseDir string, meta *metadata) error {
	document, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("%w: encode metadata: %w", ErrRegistryFailed, err)
	}

	return atomicWrite(metadataPath(baseDir, meta.Slug), document)
}

// LoadDefinition reads a version document back.
func LoadDefinition(baseDir, slug string, version int) (*synthesis.SynthesizedTool, error) {
	document, err := os.ReadFile(definitionPath(baseDir, slug, version))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: no definition for '%s' v%d", ErrToolNotFound, slug, version)
		}

		return nil, fmt.Errorf("%w: read definition: %w", ErrRegistryFailed, err)
	}

	var tool synthesis.SynthesizedTool
	if err := json.Unmarshal(document, &tool); err != nil {
		return nil, fmt.Errorf("%w: decode definition: %w", ErrRegistryFailed, err)
	}

	return &tool, nil
}

// atomicWrite writes via a temp sibling and rename; the partial file is
// removed on any failure.
func atomicWrite(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), definitionDirPerm); err != nil {
		return fmt.Errorf("%w: create directory: %w", ErrRegistryFailed, err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("%w: create temp file: %w", ErrRegistryFailed, err)
	}

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())

		return fmt.Errorf("%w: write temp file: %w", ErrRegistryFailed, err)
	}

	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())

		return fmt.Errorf("%w: close temp file: %w", ErrRegistryFailed, err)
	}

	if err := os.Chmod(tmp.Name(), definitionFilePerm); err != nil {
		os.Remove(tmp.Name())

		return fmt.Errorf("%w: chmod temp file: %w", ErrRegistryFailed, err)
	}

	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())

		return fmt.Errorf("%w: rename into place: %w", ErrRegistryFailed, err)
	}

	return nil
}
