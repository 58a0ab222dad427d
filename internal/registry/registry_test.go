package registry_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/twinraven-io/twinraven/internal/registry"
	"github.com/twinraven-io/twinraven/internal/storage"
	"github.com/twinraven-io/twinraven/internal/synthesis"
	"github.com/twinraven-io/twinraven/internal/validation"
)

func draftTool(slug string) *synthesis.SynthesizedTool {
	return &synthesis.SynthesizedTool{
		Slug:        slug,
		Description: "test composite",
		Parameters:  map[string]any{"type": "object"},
		Steps: []synthesis.Step{
			{Index: 0, ToolID: "search", InputMapping: map[string]string{"query": "parameters.query"}},
			{Index: 1, ToolID: "read", InputMapping: map[string]string{"doc": "wiring.0.doc"}},
		},
		ErrorStrategy: synthesis.ErrorStrategy{DefaultBehavior: "abort"},
		SourceChainID: uuid.New(),
		SourceSupport: 0.8,
		SourceTools:   []string{"search", "read"},
		Version:       1,
		State:         synthesis.StateDraft,
		CreatedAt:     time.Now().UTC(),
	}
}

func passedValidation(slug string) *validation.ValidationResult {
	return &validation.ValidationResult{
		ID:               uuid.New(),
		ToolSlug:         slug,
		ToolVersion:      1,
		MeanSimilarity:   0.97,
		Passed:           true,
		RecommendedState: synthesis.StatePromoted,
		ValidatedAt:      time.Now().UTC(),
	}
}

func newTestRegistry(t *testing.T) (*registry.Registry, *storage.MemoryRecordStore, string) {
	t.Helper()

	store := storage.NewMemoryRecordStore()

	cfg := registry.DefaultConfig()
	cfg.BaseDir = t.TempDir()

	reg, err := registry.NewRegistry(store, cfg)
	require.NoError(t, err)

	return reg, store, cfg.BaseDir
}

func TestRegisterFirstVersion(t *testing.T) {
	reg, _, baseDir := newTestRegistry(t)

	record, err := reg.Register(context.Background(), draftTool("search-read"), passedValidation("search-read"))
	require.NoError(t, err)

	assert.Equal(t, "search-read", record.Slug)
	assert.Equal(t, 1, record.CurrentVersion)
	assert.Equal(t, synthesis.StateDraft, record.State)
	assert.Equal(t, filepath.Join(baseDir, "search-read", "v1.json"), record.DefinitionPath)

	if _, err := os.Stat(record.DefinitionPath); err != nil {
		t.Errorf("definition file missing: %v", err)
	}

	if _, err := os.Stat(filepath.Join(baseDir, "search-read", "metadata.json")); err != nil {
		t.Errorf("metadata file missing: %v", err)
	}
}

func TestRegisterNextVersionSupersedes(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	ctx := context.Background()

	_, err := reg.Register(ctx, draftTool("search-read"), passedValidation("search-read"))
	require.NoError(t, err)

	record, err := reg.Register(ctx, draftTool("search-read"), passedValidation("search-read"))
	require.NoError(t, err)
	assert.Equal(t, 2, record.CurrentVersion)

	history, err := reg.VersionHistory(ctx, "search-read")
	require.NoError(t, err)
	require.Len(t, history, 2)

	assert.Equal(t, 1, history[0].Version)
	assert.NotNil(t, history[0].SupersededAt, "prior version must be superseded")
	assert.Equal(t, 2, history[1].Version)
	assert.Nil(t, history[1].SupersededAt)
}

func TestRegisterOverRetiredSlugRejected(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	ctx := context.Background()

	tool := draftTool("search-read")
	tool.State = synthesis.StatePromoted

	_, err := reg.Register(ctx, tool, passedValidation("search-read"))
	require.NoError(t, err)

	_, err = reg.Retire(ctx, "search-read", registry.ReasonManual)
	require.NoError(t, err)

	_, err = reg.Register(ctx, draftTool("search-read"), nil)
	require.ErrorIs(t, err, registry.ErrInvalidTransition)
}

func TestGetReturnsDefinition(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	ctx := context.Background()

	original := draftTool("search-read")
	_, err := reg.Register(ctx, original, nil)
	require.NoError(t, err)

	record, tool, err := reg.Get(ctx, "search-read")
	require.NoError(t, err)
	assert.Equal(t, 1, record.CurrentVersion)
	assert.Equal(t, original.Slug, tool.Slug)
	assert.Equal(t, original.SourceTools, tool.SourceTools)
	require.Len(t, tool.Steps, 2)
	assert.Equal(t, "wiring.0.doc", tool.Steps[1].InputMapping["doc"])

	_, _, err = reg.Get(ctx, "missing")
	require.ErrorIs(t, err, registry.ErrToolNotFound)
}

func TestLifecycleHappyPath(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	ctx := context.Background()

	_, err := reg.Register(ctx, draftTool("search-read"), nil)
	require.NoError(t, err)

	record, err := reg.Transition(ctx, "search-read", synthesis.StateTesting)
	require.NoError(t, err)
	assert.Equal(t, synthesis.StateTesting, record.State)

	record, err = reg.Promote(ctx, "search-read", 1)
	require.NoError(t, err)
	assert.Equal(t, synthesis.StatePromoted, record.State)

	record, err = reg.Retire(ctx, "search-read", registry.ReasonManual)
	require.NoError(t, err)
	assert.Equal(t, synthesis.StateRetired, record.State)
	assert.Equal(t, registry.ReasonManual, record.RetirementReason)
}

func TestInvalidTransitionsCarryStates(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	ctx := context.Background()

	_, err := reg.Register(ctx, draftTool("search-read"), nil)
	require.NoError(t, err)

	// draft cannot be promoted directly.
	_, err = reg.Promote(ctx, "search-read", 1)
	require.ErrorIs(t, err, registry.ErrInvalidTransition)
	assert.Contains(t, err.Error(), "draft -> promoted")

	// draft cannot be retired.
	_, err = reg.Retire(ctx, "search-read", registry.ReasonManual)
	require.ErrorIs(t, err, registry.ErrInvalidTransition)
}

func TestRetiredToolIsNeverRePromoted(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	ctx := context.Background()

	tool := draftTool("search-read")
	tool.State = synthesis.StatePromoted

	_, err := reg.Register(ctx, tool, passedValidation("search-read"))
	require.NoError(t, err)

	_, err = reg.Retire(ctx, "search-read", registry.ReasonDrift)
	require.NoError(t, err)

	_, err = reg.Promote(ctx, "search-read", 1)
	require.ErrorIs(t, err, registry.ErrInvalidTransition)
	assert.Contains(t, err.Error(), "retired -> promoted")

	_, err = reg.Transition(ctx, "search-read", synthesis.StateTesting)
	require.ErrorIs(t, err, registry.ErrInvalidTransition)
}

func TestPromoteRequiresCurrentVersion(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	ctx := context.Background()

	tool := draftTool("search-read")
	tool.State = synthesis.StateTesting

	_, err := reg.Register(ctx, tool, nil)
	require.NoError(t, err)

	_, err = reg.Promote(ctx, "search-read", 7)
	require.ErrorIs(t, err, registry.ErrRegistryFailed)
}

func TestApplyValidationPromotesThroughTesting(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	ctx := context.Background()

	_, err := reg.Register(ctx, draftTool("search-read"), nil)
	require.NoError(t, err)

	record, err := reg.ApplyValidation(ctx, passedValidation("search-read"))
	require.NoError(t, err)
	assert.Equal(t, synthesis.StatePromoted, record.State)
}

func TestApplyValidationSameStateIsNoop(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	ctx := context.Background()

	_, err := reg.Register(ctx, draftTool("search-read"), nil)
	require.NoError(t, err)

	failed := passedValidation("search-read")
	failed.Passed = false
	failed.RecommendedState = synthesis.StateDraft

	record, err := reg.ApplyValidation(ctx, failed)
	require.NoError(t, err)
	assert.Equal(t, synthesis.StateDraft, record.State)
}

func TestRecordUsage(t *testing.T) {
	reg, store, _ := newTestRegistry(t)
	ctx := context.Background()

	_, err := reg.Register(ctx, draftTool("search-read"), nil)
	require.NoError(t, err)

	require.NoError(t, reg.RecordUsage(ctx, "search-read"))
	require.NoError(t, reg.RecordUsage(ctx, "search-read"))

	record, err := store.Get(ctx, "search-read")
	require.NoError(t, err)
	assert.Equal(t, int64(2), record.InvocationCount)
	require.NotNil(t, record.LastUsedAt)
}

func TestStaleListsUnusedPromotedTools(t *testing.T) {
	reg, store, _ := newTestRegistry(t)
	ctx := context.Background()

	fresh := draftTool("fresh-tool")
	fresh.State = synthesis.StatePromoted
	_, err := reg.Register(ctx, fresh, nil)
	require.NoError(t, err)

	old := draftTool("old-tool")
	old.State = synthesis.StatePromoted
	_, err = reg.Register(ctx, old, nil)
	require.NoError(t, err)

	// Backdate the old tool's registration directly in the store.
	record, err := store.Get(ctx, "old-tool")
	require.NoError(t, err)

	record.RegisteredAt = time.Now().UTC().AddDate(0, 0, -90)
	require.NoError(t, store.Update(ctx, record))

	stale, err := reg.Stale(ctx, time.Now().UTC().AddDate(0, 0, -30))
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, "old-tool", stale[0].Slug)
}
