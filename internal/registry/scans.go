package registry

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/twinraven-io/twinraven/internal/mining"
	"github.com/twinraven-io/twinraven/internal/synthesis"
	"github.com/twinraven-io/twinraven/internal/telemetry"
)

// failureScanWindow is the lookback of the failure-spike scan.
const failureScanWindow = 7 * 24 * time.Hour

type (
	// DriftReport is one promoted tool's drift measurement.
	DriftReport struct {
		Slug            string
		OriginalSupport float64
		CurrentSupport  float64
		Ratio           float64
		Drifted         bool
		Retired         bool
	}

	// FailureReport is one promoted tool's failure-spike measurement.
	FailureReport struct {
		Slug        string
		Invocations int64
		Failures    int64
		FailureRate float64
		Retired     bool
	}
)

// DriftScan re-mines every promoted tool's source chain over the given
// window and compares current support against the support recorded at
// synthesis time. Tools below the drift threshold are flagged; with
// auto-retire enabled they are retired with reason drift.
func (r *Registry) DriftScan(ctx context.Context, miner *mining.Miner, since, until time.Time) ([]DriftReport, error) {
	promoted, err := r.store.List(ctx, synthesis.StatePromoted)
	if err != nil {
		return nil, err
	}

	reports := make([]DriftReport, 0, len(promoted))

	for _, record := range promoted {
		tool, err := LoadDefinition(r.config.BaseDir, record.Slug, record.CurrentVersion)
		if err != nil {
			return nil, err
		}

		if tool.SourceSupport <= 0 || len(tool.SourceTools) < mining.MinChainLength {
			continue
		}

		current, err := r.currentSupport(ctx, miner, tool, since, until)
		if err != nil {
			return nil, err
		}

		report := DriftReport{
			Slug:            record.Slug,
			OriginalSupport: tool.SourceSupport,
			CurrentSupport:  current,
			Ratio:           current / tool.SourceSupport,
		}

		report.Drifted = report.Ratio < r.config.DriftThreshold

		if report.Drifted {
			r.logger.Warn("promoted tool drifted from its source chain",
				slog.String("slug", record.Slug),
				slog.Float64("original_support", report.OriginalSupport),
				slog.Float64("current_support", report.CurrentSupport),
			)

			if r.config.AutoRetireOnDrift {
				if _, err := r.Retire(ctx, record.Slug, ReasonDrift); err != nil {
					return nil, err
				}

				report.Retired = true
			}
		}

		reports = append(reports, report)
	}

	return reports, nil
}

// currentSupport re-mines the tool's source chain and returns its support in
// the window, 0 when the chain no longer surfaces.
func (r *Registry) currentSupport(ctx context.Context, miner *mining.Miner, tool *synthesis.SynthesizedTool, since, until time.Time) (float64, error) {
	cfg := mining.DefaultConfig(since, until)
	cfg.MinSupport = 0.01
	cfg.MinConfidence = 0
	cfg.MaxChainLength = len(tool.SourceTools)
	// Keep every surfaced pattern: subsumption pruning could hide the exact
	// source chain behind a longer superset.
	cfg.SubsumptionThreshold = 0

	chains, err := miner.Mine(ctx, cfg)
	if err != nil {
		return 0, fmt.Errorf("%w: drift re-mining '%s': %w", ErrRegistryFailed, tool.Slug, err)
	}

	// Exact match preferred; a surviving superset pattern's support is a
	// lower bound when subsumption folded the source chain into it.
	best := 0.0

	for _, chain := range chains {
		if sameTools(chain.Tools, tool.SourceTools) {
			return chain.Support, nil
		}

		if containsSequence(chain.Tools, tool.SourceTools) && chain.Support > best {
			best = chain.Support
		}
	}

	return best, nil
}

// containsSequence reports whether needle occurs as a subsequence of
// haystack.
func containsSequence(haystack, needle []string) bool {
	next := 0
	for _, tool := range haystack {
		if next < len(needle) && tool == needle[next] {
			next++
		}
	}

	return next == len(needle)
}

// StalenessScan retires promoted tools unused for longer than the configured
// retirement age. Returns the retired records.
func (r *Registry) StalenessScan(ctx context.Context) ([]*ToolRecord, error) {
	cutoff := time.Now().UTC().AddDate(0, 0, -r.config.AutoRetireAfterDays)

	stale, err := r.Stale(ctx, cutoff)
	if err != nil {
		return nil, err
	}

	retired := make([]*ToolRecord, 0, len(stale))

	for _, record := range stale {
		updated, err := r.Retire(ctx, record.Slug, ReasonUnused)
		if err != nil {
			return nil, err
		}

		retired = append(retired, updated)
	}

	return retired, nil
}

// FailureSpikeScan computes each promoted tool's failure rate over the last
// seven days of its own invocation events and retires tools above the
// threshold. Tools with no recent invocations are skipped.
func (r *Registry) FailureSpikeScan(ctx context.Context, events telemetry.Store) ([]FailureReport, error) {
	promoted, err := r.store.List(ctx, synthesis.StatePromoted)
	if err != nil {
		return nil, err
	}

	until := time.Now().UTC()
	since := until.Add(-failureScanWindow)

	reports := make([]FailureReport, 0, len(promoted))

	for _, record := range promoted {
		total, err := events.Count(ctx, telemetry.CountFilter{
			ToolID: record.Slug,
			Since:  since,
			Until:  until,
		})
		if err != nil {
			return nil, fmt.Errorf("%w: failure scan '%s': %w", ErrRegistryFailed, record.Slug, err)
		}

		if total == 0 {
			continue
		}

		failures, err := events.Count(ctx, telemetry.CountFilter{
			ToolID:  record.Slug,
			Outcome: telemetry.OutcomeFailure,
			Since:   since,
			Until:   until,
		})
		if err != nil {
			return nil, fmt.Errorf("%w: failure scan '%s': %w", ErrRegistryFailed, record.Slug, err)
		}

		report := FailureReport{
			Slug:        record.Slug,
			Invocations: total,
			Failures:    failures,
			FailureRate: float64(failures) / float64(total),
		}

		if report.FailureRate > r.config.FailureSpikeThreshold {
			if _, err := r.Retire(ctx, record.Slug, ReasonFailureSpike); err != nil {
				return nil, err
			}

			report.Retired = true
		}

		reports = append(reports, report)
	}

	return reports, nil
}

func sameTools(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}

	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}

	return true
}
