package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/twinraven-io/twinraven/internal/config"
	"github.com/twinraven-io/twinraven/internal/synthesis"
	"github.com/twinraven-io/twinraven/internal/validation"
)

// Default registry configuration.
const (
	defaultBaseDir               = "generated"
	defaultDriftThreshold        = 0.5
	defaultAutoRetireAfterDays   = 30
	defaultFailureSpikeThreshold = 0.3
)

type (
	// Config holds registry tuning knobs.
	Config struct {
		// BaseDir is the root of the generated/<slug>/ file layout.
		BaseDir string `yaml:"base_dir"`

		// DriftThreshold is the minimum current/original support ratio before
		// a promoted tool counts as drifted.
		DriftThreshold float64 `yaml:"drift_threshold"`

		// AutoRetireOnDrift retires drifted tools instead of only flagging.
		AutoRetireOnDrift bool `yaml:"auto_retire_on_drift"`

		// AutoRetireAfterDays retires promoted tools unused for this long.
		AutoRetireAfterDays int `yaml:"auto_retire_after_days"`

		// FailureSpikeThreshold is the 7-day failure rate that retires a tool.
		FailureSpikeThreshold float64 `yaml:"failure_spike_threshold"`
	}

	// Registry manages synthesized tool records, version files, and lifecycle.
	//
	// Writes serialize per slug through an in-process mutex; the Postgres
	// record store adds a row lock for cross-process safety. Reads are
	// lock-free.
	Registry struct {
		store  RecordStore
		config Config
		logger *slog.Logger

		mu    sync.Mutex
		locks map[string]*sync.Mutex
	}
)

// DefaultConfig returns the default registry configuration.
func DefaultConfig() Config {
	return Config{
		BaseDir:               defaultBaseDir,
		DriftThreshold:        defaultDriftThreshold,
		AutoRetireAfterDays:   defaultAutoRetireAfterDays,
		FailureSpikeThreshold: defaultFailureSpikeThreshold,
	}
}

// LoadConfig builds the registry configuration from environment variables,
// falling back to defaults.
func LoadConfig() Config {
	return Config{
		BaseDir:               config.GetEnvStr("TWINRAVEN__REGISTRY__BASE_DIR", defaultBaseDir),
		DriftThreshold:        config.GetEnvFloat("TWINRAVEN__REGISTRY__DRIFT_THRESHOLD", defaultDriftThreshold),
		AutoRetireOnDrift:     config.GetEnvBool("TWINRAVEN__REGISTRY__AUTO_RETIRE_ON_DRIFT", false),
		AutoRetireAfterDays:   config.GetEnvInt("TWINRAVEN__REGISTRY__AUTO_RETIRE_AFTER_DAYS", defaultAutoRetireAfterDays),
		FailureSpikeThreshold: config.GetEnvFloat("TWINRAVEN__REGISTRY__FAILURE_SPIKE_THRESHOLD", defaultFailureSpikeThreshold),
	}
}

// Validate checks the configuration ranges.
func (c *Config) Validate() error {
	if c.BaseDir == "" {
		return fmt.Errorf("%w: base directory is required", ErrRegistryFailed)
	}

	if c.DriftThreshold <= 0 || c.DriftThreshold > 1 {
		return fmt.Errorf("%w: drift threshold must be in (0, 1], got %g", ErrRegistryFailed, c.DriftThreshold)
	}

	if c.AutoRetireAfterDays < 1 {
		return fmt.Errorf("%w: auto retire after days must be >= 1, got %d", ErrRegistryFailed, c.AutoRetireAfterDays)
	}

	if c.FailureSpikeThreshold <= 0 || c.FailureSpikeThreshold > 1 {
		return fmt.Errorf("%w: failure spike threshold must be in (0, 1], got %g", ErrRegistryFailed, c.FailureSpikeThreshold)
	}

	return nil
}

// NewRegistry creates a Registry over the given record store.
func NewRegistry(store RecordStore, cfg Config) (*Registry, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: record store is required", ErrRegistryFailed)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &Registry{
		store:  store,
		config: cfg,
		logger: slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: config.GetEnvLogLevel("LOG_LEVEL", slog.LevelInfo),
		})),
		locks: make(map[string]*sync.Mutex),
	}, nil
}

// slugLock returns the per-slug write mutex, creating it on first use.
func (r *Registry) slugLock(slug string) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()

	lock, ok := r.locks[slug]
	if !ok {
		lock = &sync.Mutex{}
		r.locks[slug] = lock
	}

	return lock
}

// Register stores a synthesized tool with its validation snapshot.
//
// First registration creates the record at version 1. Re-registration of an
// existing slug appends the next dense version, writes a fresh version file,
// and marks the prior version superseded. Registering over a retired slug is
// rejected: retirement is terminal and a reappearing chain gets a new tool.
func (r *Registry) Register(ctx context.Context, tool *synthesis.SynthesizedTool, result *validation.ValidationResult) (*ToolRecord, error) {
	if err := tool.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrRegistryFailed, err)
	}

	lock := r.slugLock(tool.Slug)
	lock.Lock()
	defer lock.Unlock()

	now := time.Now().UTC()

	existing, err := r.store.Get(ctx, tool.Slug)

	switch {
	case err == nil:
		return r.registerNextVersion(ctx, existing, tool, result, now)
	case isNotFound(err):
		return r.registerFirstVersion(ctx, tool, result, now)
	default:
		return nil, err
	}
}

func (r *Registry) registerFirstVersion(ctx context.Context, tool *synthesis.SynthesizedTool, result *validation.ValidationResult, now time.Time) (*ToolRecord, error) {
	tool.Version = 1

	path, err := writeDefinition(r.config.BaseDir, tool)
	if err != nil {
		return nil, err
	}

	record := &ToolRecord{
		Slug:           tool.Slug,
		CurrentVersion: 1,
		State:          tool.State,
		DefinitionPath: path,
		RegisteredAt:   now,
	}

	if err := r.store.Insert(ctx, record, newVersionRow(tool, result, now)); err != nil {
		return nil, err
	}

	if err := r.writeMetadataFor(record, now); err != nil {
		return nil, err
	}

	r.logger.Info("registered tool",
		slog.String("slug", tool.Slug),
		slog.Int("version", 1),
		slog.String("state", tool.State.String()),
	)

	return record, nil
}

func (r *Registry) registerNextVersion(ctx context.Context, record *ToolRecord, tool *synthesis.SynthesizedTool, result *validation.ValidationResult, now time.Time) (*ToolRecord, error) {
	if record.State == synthesis.StateRetired {
		return nil, fmt.Errorf("%w: %s -> %s: '%s' is retired, a reappearing chain needs a fresh slug",
			ErrInvalidTransition, record.State, tool.State, tool.Slug)
	}

	tool.Version = record.CurrentVersion + 1

	path, err := writeDefinition(r.config.BaseDir, tool)
	if err != nil {
		return nil, err
	}

	if err := r.store.InsertVersion(ctx, newVersionRow(tool, result, now)); err != nil {
		return nil, err
	}

	record.CurrentVersion = tool.Version
	record.State = tool.State
	record.DefinitionPath = path

	if err := r.store.Update(ctx, record); err != nil {
		return nil, err
	}

	if err := r.writeMetadataFor(record, now); err != nil {
		return nil, err
	}

	r.logger.Info("registered tool version",
		slog.String("slug", tool.Slug),
		slog.Int("version", tool.Version),
	)

	return record, nil
}

func newVersionRow(tool *synthesis.SynthesizedTool, result *validation.ValidationResult, now time.Time) *ToolVersion {
	version := &ToolVersion{
		Slug:      tool.Slug,
		Version:   tool.Version,
		CreatedAt: now,
	}

	if result != nil {
		version.ValidationPassed = result.Passed
		version.EquivalenceScore = result.MeanSimilarity
	}

	return version
}

// Get retrieves a record together with its current version document.
func (r *Registry) Get(ctx context.Context, slug string) (*ToolRecord, *synthesis.SynthesizedTool, error) {
	record, err := r.store.Get(ctx, slug)
	if err != nil {
		return nil, nil, err
	}

	tool, err := LoadDefinition(r.config.BaseDir, slug, record.CurrentVersion)
	if err != nil {
		return nil, nil, err
	}

	return record, tool, nil
}

// List retrieves records, optionally filtered by state.
func (r *Registry) List(ctx context.Context, state synthesis.ToolState) ([]*ToolRecord, error) {
	return r.store.List(ctx, state)
}

// Transition moves a tool to the requested lifecycle state, enforcing the
// allowed edge set strictly.
func (r *Registry) Transition(ctx context.Context, slug string, to synthesis.ToolState) (*ToolRecord, error) {
	return r.transition(ctx, slug, to, "")
}

// Promote moves a testing tool to promoted. The version must be current.
func (r *Registry) Promote(ctx context.Context, slug string, version int) (*ToolRecord, error) {
	lock := r.slugLock(slug)
	lock.Lock()
	defer lock.Unlock()

	record, err := r.store.Get(ctx, slug)
	if err != nil {
		return nil, err
	}

	if version != record.CurrentVersion {
		return nil, fmt.Errorf("%w: version %d is not current (current is %d)",
			ErrRegistryFailed, version, record.CurrentVersion)
	}

	return r.applyTransition(ctx, record, synthesis.StatePromoted, "")
}

// Retire moves a promoted tool to retired with the given reason. Retired is
// terminal.
func (r *Registry) Retire(ctx context.Context, slug, reason string) (*ToolRecord, error) {
	if reason == "" {
		reason = ReasonManual
	}

	return r.transition(ctx, slug, synthesis.StateRetired, reason)
}

func (r *Registry) transition(ctx context.Context, slug string, to synthesis.ToolState, reason string) (*ToolRecord, error) {
	lock := r.slugLock(slug)
	lock.Lock()
	defer lock.Unlock()

	record, err := r.store.Get(ctx, slug)
	if err != nil {
		return nil, err
	}

	return r.applyTransition(ctx, record, to, reason)
}

func (r *Registry) applyTransition(ctx context.Context, record *ToolRecord, to synthesis.ToolState, reason string) (*ToolRecord, error) {
	if !CanTransition(record.State, to) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, record.State, to)
	}

	record.State = to
	record.RetirementReason = reason

	if err := r.store.Update(ctx, record); err != nil {
		return nil, err
	}

	if err := r.writeMetadataFor(record, time.Now().UTC()); err != nil {
		return nil, err
	}

	r.logger.Info("tool transitioned",
		slog.String("slug", record.Slug),
		slog.String("state", to.String()),
		slog.String("reason", reason),
	)

	return record, nil
}

// ApplyValidation applies a validation result's recommended state, enforcing
// the transition rules. A recommendation equal to the current state is a
// no-op.
func (r *Registry) ApplyValidation(ctx context.Context, result *validation.ValidationResult) (*ToolRecord, error) {
	lock := r.slugLock(result.ToolSlug)
	lock.Lock()
	defer lock.Unlock()

	record, err := r.store.Get(ctx, result.ToolSlug)
	if err != nil {
		return nil, err
	}

	if record.State == result.RecommendedState {
		return record, nil
	}

	// draft -> promoted passes through testing: validation began and passed
	// in the same run.
	if record.State == synthesis.StateDraft && result.RecommendedState == synthesis.StatePromoted {
		if record, err = r.applyTransition(ctx, record, synthesis.StateTesting, ""); err != nil {
			return nil, err
		}
	}

	return r.applyTransition(ctx, record, result.RecommendedState, "")
}

// RecordUsage bumps the invocation counter and last-used time. Last writer
// wins; the counters are idempotent enough in aggregate.
func (r *Registry) RecordUsage(ctx context.Context, slug string) error {
	record, err := r.store.Get(ctx, slug)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	record.LastUsedAt = &now
	record.InvocationCount++

	return r.store.Update(ctx, record)
}

// VersionHistory lists a slug's versions in ascending order.
func (r *Registry) VersionHistory(ctx context.Context, slug string) ([]*ToolVersion, error) {
	return r.store.Versions(ctx, slug)
}

// Stale lists promoted tools not used since the given time. Tools never used
// qualify by registration time.
func (r *Registry) Stale(ctx context.Context, unusedSince time.Time) ([]*ToolRecord, error) {
	promoted, err := r.store.List(ctx, synthesis.StatePromoted)
	if err != nil {
		return nil, err
	}

	var stale []*ToolRecord

	for _, record := range promoted {
		lastActivity := record.RegisteredAt
		if record.LastUsedAt != nil {
			lastActivity = *record.LastUsedAt
		}

		if lastActivity.Before(unusedSince) {
			stale = append(stale, record)
		}
	}

	return stale, nil
}

func (r *Registry) writeMetadataFor(record *ToolRecord, now time.Time) error {
	return writeMetadata(r.config.BaseDir, &metadata{
		Slug:           record.Slug,
		CurrentVersion: record.CurrentVersion,
		State:          record.State,
		UpdatedAt:      now,
	})
}

func isNotFound(err error) bool {
	return errors.Is(err, ErrToolNotFound)
}
