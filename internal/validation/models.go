// Package validation replays synthesized tools offline against recorded
// sessions.
//
// The validator never invokes a tool. It selects historical sessions that
// contain the tool's source sequence, projects the composite's step graph
// over the recorded data, and scores output equivalence, latency, and error
// parity. The resulting ValidationResult recommends the lifecycle transition;
// applying it belongs to the registry.
package validation

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/twinraven-io/twinraven/internal/config"
	"github.com/twinraven-io/twinraven/internal/synthesis"
)

// Sentinel errors for validation operations.
var (
	// ErrValidationFailed is returned when a validation run cannot complete.
	// A completed run that fails its checks returns a result, not an error.
	ErrValidationFailed = errors.New("tool validation failed")

	// ErrInsufficientData is returned when fewer matching sessions exist than
	// the configured replay minimum.
	ErrInsufficientData = errors.New("not enough matching sessions to validate")
)

type (
	// SimilarityMethod selects the output equivalence scoring.
	SimilarityMethod string

	// Config holds the knobs of a validation run.
	Config struct {
		// MinReplaySessions is the number of sessions to replay. Fewer matching
		// sessions fail the run with ErrInsufficientData.
		MinReplaySessions int `yaml:"min_replay_sessions"`

		// EquivalenceThreshold is the minimum mean similarity for a pass.
		EquivalenceThreshold float64 `yaml:"equivalence_threshold"`

		// MaxLatencyRegression is the maximum allowed composite/original
		// latency ratio.
		MaxLatencyRegression float64 `yaml:"max_latency_regression"`

		// SimilarityMethod selects exact_match or cosine_tfidf scoring.
		SimilarityMethod SimilarityMethod `yaml:"similarity_method"`

		// RequireApproval keeps a passing tool in testing instead of promoting
		// it directly.
		RequireApproval bool `yaml:"require_approval"`

		// Since and Until bound the session search window.
		Since time.Time `yaml:"since"`
		Until time.Time `yaml:"until"`
	}

	// ValidationResult aggregates the three replay checks.
	ValidationResult struct {
		ID               uuid.UUID           `json:"id"`
		ToolSlug         string              `json:"tool_slug"`
		ToolVersion      int                 `json:"tool_version"`
		SessionsReplayed int                 `json:"sessions_replayed"`
		MeanSimilarity   float64             `json:"mean_similarity"`
		MinSimilarity    float64             `json:"min_similarity"`
		Method           SimilarityMethod    `json:"method"`
		Threshold        float64             `json:"threshold"`
		ErrorParity      bool                `json:"error_parity"`
		LatencyRatio     float64             `json:"latency_ratio"`
		Passed           bool                `json:"passed"`
		FailureReasons   []string            `json:"failure_reasons,omitempty"`
		Warnings         []string            `json:"warnings,omitempty"`
		RecommendedState synthesis.ToolState `json:"recommended_state"`
		ValidatedAt      time.Time           `json:"validated_at"`
	}
)

const (
	// MethodExactMatch scores 1 on byte equality, 0 otherwise.
	MethodExactMatch SimilarityMethod = "exact_match"

	// MethodCosineTFIDF scores the cosine similarity of TF-IDF vectors.
	MethodCosineTFIDF SimilarityMethod = "cosine_tfidf"
)

// Default validation configuration.
const (
	defaultMinReplaySessions    = 10
	defaultEquivalenceThreshold = 0.9
	defaultMaxLatencyRegression = 1.2
)

// DefaultConfig returns the default validation configuration over the given
// time range.
func DefaultConfig(since, until time.Time) Config {
	return Config{
		MinReplaySessions:    defaultMinReplaySessions,
		EquivalenceThreshold: defaultEquivalenceThreshold,
		MaxLatencyRegression: defaultMaxLatencyRegression,
		SimilarityMethod:     MethodExactMatch,
		Since:                since,
		Until:                until,
	}
}

// LoadConfig builds the validation configuration from environment variables,
// falling back to defaults. The time range still comes from the caller.
func LoadConfig(since, until time.Time) Config {
	return Config{
		MinReplaySessions:    config.GetEnvInt("TWINRAVEN__VALIDATION__MIN_REPLAY_SESSIONS", defaultMinReplaySessions),
		EquivalenceThreshold: config.GetEnvFloat("TWINRAVEN__VALIDATION__EQUIVALENCE_THRESHOLD", defaultEquivalenceThreshold),
		MaxLatencyRegression: config.GetEnvFloat("TWINRAVEN__VALIDATION__MAX_LATENCY_REGRESSION", defaultMaxLatencyRegression),
		SimilarityMethod:     SimilarityMethod(config.GetEnvStr("TWINRAVEN__VALIDATION__SIMILARITY_METHOD", string(MethodExactMatch))),
		RequireApproval:      config.GetEnvBool("TWINRAVEN__VALIDATION__REQUIRE_APPROVAL", false),
		Since:                since,
		Until:                until,
	}
}

// IsValid checks if the SimilarityMethod is a valid enum value.
func (m SimilarityMethod) IsValid() bool {
	switch m {
	case MethodExactMatch, MethodCosineTFIDF:
		return true
	default:
		return false
	}
}

// Validate checks the configuration ranges.
func (c *Config) Validate() error {
	if c.MinReplaySessions < 1 {
		return fmt.Errorf("%w: min replay sessions must be >= 1, got %d",
			ErrValidationFailed, c.MinReplaySessions)
	}

	if c.EquivalenceThreshold < 0 || c.EquivalenceThreshold > 1 {
		return fmt.Errorf("%w: equivalence threshold must be in [0, 1], got %g",
			ErrValidationFailed, c.EquivalenceThreshold)
	}

	if c.MaxLatencyRegression <= 0 {
		return fmt.Errorf("%w: max latency regression must be positive, got %g",
			ErrValidationFailed, c.MaxLatencyRegression)
	}

	if !c.SimilarityMethod.IsValid() {
		return fmt.Errorf("%w: unknown similarity method '%s'",
			ErrValidationFailed, c.SimilarityMethod)
	}

	if !c.Until.After(c.Since) {
		return fmt.Errorf("%w: until must be after since", ErrValidationFailed)
	}

	return nil
}
