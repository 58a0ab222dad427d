// Package mining discovers repeated tool-call sequences in recorded sessions.
//
// The miner is a pure function over event-store contents for a given Config:
// it prepares per-session tool sequences, runs sequential pattern mining
// (PrefixSpan, optionally followed by a GSP-style time-window filter), builds
// scored candidate chains, and deduplicates them. It writes nothing to the
// event store; results go to a CandidateStore managed by the orchestrator.
//
// For a fixed event set and config the output is deterministic: identical
// chain sets in identical order, with identical sample selection.
package mining

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const (
	// MinChainLength is the shortest pattern worth proposing as a tool.
	MinChainLength = 2

	defaultMaxChainLength       = 5
	defaultMaxSampleEvents      = 10
	defaultSubsumptionThreshold = 0.1
	defaultMinSupport           = 0.3
	defaultMinConfidence        = 0.5

	// sequenceLengthFactor caps prepared sequences at this multiple of
	// MaxChainLength. Longer sessions are dropped as mining noise.
	sequenceLengthFactor = 3
)

// ErrInvalidConfig is returned when mining configuration is out of range.
// Raised before any store access.
var ErrInvalidConfig = errors.New("invalid mining configuration")

type (
	// Algorithm selects the sequential pattern mining strategy.
	Algorithm string

	// Config holds the mining parameters. Every candidate chain embeds a
	// snapshot of the config that produced it.
	Config struct {
		// Algorithm selects prefixspan or gsp (prefixspan plus time-window filter).
		Algorithm Algorithm `yaml:"algorithm"`

		// MinSupport is the minimum fraction of sessions that must contain a
		// pattern as a subsequence, in (0, 1].
		MinSupport float64 `yaml:"min_support"`

		// MinConfidence is the minimum mean transition probability, in [0, 1].
		MinConfidence float64 `yaml:"min_confidence"`

		// MaxChainLength bounds pattern length, >= 2.
		MaxChainLength int `yaml:"max_chain_length"`

		// TimeWindow is the maximum inter-step gap accepted by the gsp filter.
		TimeWindow time.Duration `yaml:"time_window"`

		// Since and Until bound the mined event range.
		Since time.Time `yaml:"since"`
		Until time.Time `yaml:"until"`

		// SessionIDs optionally restricts mining to the given sessions.
		SessionIDs []string `yaml:"session_ids"`

		// CollapseRepeats drops consecutive duplicate tool calls from sequences.
		CollapseRepeats bool `yaml:"collapse_repeats"`

		// MaxSampleEvents bounds the provenance sample per candidate.
		MaxSampleEvents int `yaml:"max_sample_events"`

		// SubsumptionThreshold is the relative support difference under which
		// a subsequence chain is dropped in favor of its supersequence, in [0, 1].
		SubsumptionThreshold float64 `yaml:"subsumption_threshold"`

		// SampleRate deterministically samples sessions when < 1.0, in (0, 1].
		SampleRate float64 `yaml:"sample_rate"`
	}

	// CandidateChain is a mined pattern with its statistics - Domain Model.
	//
	// Immutable after save. Invariants: len(Tools) >= 2; Support, Confidence,
	// FailureRate in [0, 1].
	CandidateChain struct {
		// ID is the candidate identifier, assigned at construction.
		ID uuid.UUID

		// Tools is the ordered tool-id sequence, length >= 2.
		Tools []string

		// Support is the fraction of sessions containing the chain as a
		// subsequence.
		Support float64

		// Confidence is the mean transition probability across consecutive
		// links ("later in sequence", not strict adjacency).
		Confidence float64

		// AvgLatencyMS is the mean total latency of the chain across
		// containing sessions.
		AvgLatencyMS float64

		// FailureRate is the fraction of containing sessions whose final
		// step failed. Partial outcomes do not count as failures.
		FailureRate float64

		// SampleEventIDs holds up to MaxSampleEvents provenance event ids,
		// preferring recent sessions.
		SampleEventIDs []uuid.UUID

		// DiscoveredAt is the UTC mining time.
		DiscoveredAt time.Time

		// MiningConfig is the snapshot of the config that produced the chain.
		MiningConfig Config
	}
)

const (
	// AlgorithmPrefixSpan mines subsequence patterns with no timing constraint.
	AlgorithmPrefixSpan Algorithm = "prefixspan"

	// AlgorithmGSP mines like PrefixSpan, then filters patterns whose
	// occurrences exceed the configured inter-step time window.
	AlgorithmGSP Algorithm = "gsp"
)

// DefaultConfig returns a mining configuration with production defaults over
// the given time range.
func DefaultConfig(since, until time.Time) Config {
	return Config{
		Algorithm:            AlgorithmPrefixSpan,
		MinSupport:           defaultMinSupport,
		MinConfidence:        defaultMinConfidence,
		MaxChainLength:       defaultMaxChainLength,
		TimeWindow:           2 * time.Minute,
		Since:                since,
		Until:                until,
		CollapseRepeats:      true,
		MaxSampleEvents:      defaultMaxSampleEvents,
		SubsumptionThreshold: defaultSubsumptionThreshold,
		SampleRate:           1.0,
	}
}

// Validate checks all configuration ranges. Called before any store access.
func (c *Config) Validate() error {
	switch c.Algorithm {
	case AlgorithmPrefixSpan, AlgorithmGSP:
	default:
		return fmt.Errorf("%w: unknown algorithm '%s'", ErrInvalidConfig, c.Algorithm)
	}

	if c.MinSupport <= 0 || c.MinSupport > 1 {
		return fmt.Errorf("%w: min_support must be in (0, 1], got %g", ErrInvalidConfig, c.MinSupport)
	}

	if c.MinConfidence < 0 || c.MinConfidence > 1 {
		return fmt.Errorf("%w: min_confidence must be in [0, 1], got %g", ErrInvalidConfig, c.MinConfidence)
	}

	if c.MaxChainLength < MinChainLength {
		return fmt.Errorf("%w: max_chain_length must be >= %d, got %d",
			ErrInvalidConfig, MinChainLength, c.MaxChainLength)
	}

	if c.Algorithm == AlgorithmGSP && c.TimeWindow <= 0 {
		return fmt.Errorf("%w: time_window must be positive for gsp, got %s", ErrInvalidConfig, c.TimeWindow)
	}

	if c.MaxSampleEvents < 0 {
		return fmt.Errorf("%w: max_sample_events cannot be negative, got %d", ErrInvalidConfig, c.MaxSampleEvents)
	}

	if c.SubsumptionThreshold < 0 || c.SubsumptionThreshold > 1 {
		return fmt.Errorf("%w: subsumption_threshold must be in [0, 1], got %g",
			ErrInvalidConfig, c.SubsumptionThreshold)
	}

	if c.SampleRate <= 0 || c.SampleRate > 1 {
		return fmt.Errorf("%w: sample_rate must be in (0, 1], got %g", ErrInvalidConfig, c.SampleRate)
	}

	if !c.Since.IsZero() && !c.Until.IsZero() && !c.Since.Before(c.Until) {
		return fmt.Errorf("%w: since must precede until", ErrInvalidConfig)
	}

	return nil
}

// Validate checks candidate chain invariants.
func (c *CandidateChain) Validate() error {
	if len(c.Tools) < MinChainLength {
		return fmt.Errorf("%w: chain must contain at least %d tools, got %d",
			ErrInvalidConfig, MinChainLength, len(c.Tools))
	}

	for name, value := range map[string]float64{
		"support":      c.Support,
		"confidence":   c.Confidence,
		"failure_rate": c.FailureRate,
	} {
		if value < 0 || value > 1 {
			return fmt.Errorf("%w: %s must be in [0, 1], got %g", ErrInvalidConfig, name, value)
		}
	}

	return nil
}
