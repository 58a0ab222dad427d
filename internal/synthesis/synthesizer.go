package synthesis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/twinraven-io/twinraven/internal/canonicalization"
	"github.com/twinraven-io/twinraven/internal/config"
	"github.com/twinraven-io/twinraven/internal/llm"
	"github.com/twinraven-io/twinraven/internal/mining"
	"github.com/twinraven-io/twinraven/internal/telemetry"
)

// Default synthesizer configuration.
const (
	defaultMaxPromptSamples = 3
	defaultMaxParallelSteps = 4
	defaultMaxTokens        = 4096
	defaultMaxFailureRate   = 0.3
)

type (
	// Config holds synthesizer tuning knobs.
	Config struct {
		// MaxPromptSamples caps the recorded executions embedded in the prompt.
		MaxPromptSamples int `yaml:"max_prompt_samples"`

		// MaxParallelSteps caps the width of a parallel step group.
		MaxParallelSteps int `yaml:"max_parallel_steps"`

		// MaxTokens caps the completion length of a synthesis request.
		MaxTokens int `yaml:"max_tokens"`

		// MaxFailureRate rejects candidate chains whose observed failure rate
		// exceeds this fraction before any model call is made.
		MaxFailureRate float64 `yaml:"max_failure_rate"`
	}

	// Synthesizer turns a mined candidate chain into a draft composite tool.
	Synthesizer struct {
		store    telemetry.Store
		provider llm.Provider
		config   Config
		renames  *Renames
		logger   *slog.Logger
	}

	// Option configures optional Synthesizer behavior.
	Option func(*Synthesizer)
)

// WithRenames supplies the known-rename table consulted during parameter
// flow classification. Without it, only exact output names wire.
func WithRenames(renames *Renames) Option {
	return func(s *Synthesizer) {
		s.renames = renames
	}
}

// DefaultConfig returns the default synthesizer configuration.
func DefaultConfig() Config {
	return Config{
		MaxPromptSamples: defaultMaxPromptSamples,
		MaxParallelSteps: defaultMaxParallelSteps,
		MaxTokens:        defaultMaxTokens,
		MaxFailureRate:   defaultMaxFailureRate,
	}
}

// LoadConfig builds the synthesizer configuration from environment variables,
// falling back to defaults.
func LoadConfig() Config {
	return Config{
		MaxPromptSamples: config.GetEnvInt("TWINRAVEN__SYNTHESIS__MAX_PROMPT_SAMPLES", defaultMaxPromptSamples),
		MaxParallelSteps: config.GetEnvInt("TWINRAVEN__SYNTHESIS__MAX_PARALLEL_STEPS", defaultMaxParallelSteps),
		MaxTokens:        config.GetEnvInt("TWINRAVEN__SYNTHESIS__MAX_TOKENS", defaultMaxTokens),
		MaxFailureRate:   config.GetEnvFloat("TWINRAVEN__SYNTHESIS__MAX_FAILURE_RATE", defaultMaxFailureRate),
	}
}

// Validate checks the configuration ranges.
func (c *Config) Validate() error {
	if c.MaxPromptSamples < 1 {
		return fmt.Errorf("%w: max prompt samples must be >= 1, got %d", ErrSynthesisFailed, c.MaxPromptSamples)
	}

	if c.MaxParallelSteps < 1 {
		return fmt.Errorf("%w: max parallel steps must be >= 1, got %d", ErrSynthesisFailed, c.MaxParallelSteps)
	}

	if c.MaxTokens < 1 {
		return fmt.Errorf("%w: max tokens must be >= 1, got %d", ErrSynthesisFailed, c.MaxTokens)
	}

	if c.MaxFailureRate < 0 || c.MaxFailureRate > 1 {
		return fmt.Errorf("%w: max failure rate must be in [0, 1], got %g", ErrSynthesisFailed, c.MaxFailureRate)
	}

	return nil
}

// NewSynthesizer creates a Synthesizer over the given event store and
// language-model provider.
func NewSynthesizer(store telemetry.Store, provider llm.Provider, cfg Config, opts ...Option) (*Synthesizer, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: event store is required", ErrSynthesisFailed)
	}

	if provider == nil {
		return nil, fmt.Errorf("%w: llm provider is required", ErrSynthesisFailed)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	synthesizer := &Synthesizer{
		store:    store,
		provider: provider,
		config:   cfg,
		logger: slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: config.GetEnvLogLevel("LOG_LEVEL", slog.LevelInfo),
		})),
	}

	for _, opt := range opts {
		opt(synthesizer)
	}

	return synthesizer, nil
}

// Synthesize produces a draft composite tool from a candidate chain.
//
// Chains whose observed failure rate exceeds MaxFailureRate are rejected up
// front. The pipeline: retrieve recorded sample executions, classify
// parameter flows, ask the model for a definition under the response schema
// (temperature 0), validate the answer, and derive the error strategy from
// observed failures. A rejected answer gets exactly one retry with the
// validator's feedback; a second rejection fails with ErrSchemaInvalid.
func (s *Synthesizer) Synthesize(ctx context.Context, chain *mining.CandidateChain) (*SynthesizedTool, error) {
	if err := chain.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSynthesisFailed, err)
	}

	if chain.FailureRate > s.config.MaxFailureRate {
		return nil, fmt.Errorf("%w: chain %s failure rate %.2f exceeds limit %.2f",
			ErrSynthesisFailed, chain.ID, chain.FailureRate, s.config.MaxFailureRate)
	}

	samples, err := s.collectSamples(ctx, chain)
	if err != nil {
		return nil, err
	}

	flows := AnalyzeFlows(len(chain.Tools), samples, s.renames)
	prompt := buildPrompt(chain, flows, samples, s.config.MaxPromptSamples)

	doc, err := s.generateDefinition(ctx, chain, prompt)
	if err != nil {
		return nil, err
	}

	steps := make([]Step, len(doc.Steps))
	for i, step := range doc.Steps {
		steps[i] = Step{
			Index:              i,
			ToolID:             step.ToolID,
			InputMapping:       step.InputMapping,
			Condition:          step.Condition,
			ParallelizableWith: step.ParallelizableWith,
		}
	}

	slug, err := canonicalization.DeriveSlug(chain.Tools)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSynthesisFailed, err)
	}

	tool := &SynthesizedTool{
		Slug:          slug,
		Description:   doc.Description,
		Parameters:    doc.Parameters,
		Steps:         steps,
		ErrorStrategy: DeriveErrorStrategy(len(chain.Tools), samples),
		SourceChainID: chain.ID,
		SourceSupport: chain.Support,
		SourceTools:   append([]string(nil), chain.Tools...),
		Version:       1,
		State:         StateDraft,
		CreatedAt:     time.Now().UTC(),
	}

	if err := tool.Validate(); err != nil {
		return nil, err
	}

	s.logger.Info("synthesized composite tool draft",
		slog.String("slug", tool.Slug),
		slog.String("source_chain_id", chain.ID.String()),
		slog.Int("steps", len(tool.Steps)),
		slog.Int("samples", len(samples)),
	)

	return tool, nil
}

// generateDefinition runs the generate-validate loop: one attempt plus one
// retry carrying the validator's complaints.
func (s *Synthesizer) generateDefinition(ctx context.Context, chain *mining.CandidateChain, prompt string) (*responseDocument, error) {
	request := &llm.Request{
		Prompt:         prompt,
		ResponseSchema: ResponseSchema(),
		MaxTokens:      s.config.MaxTokens,
		Temperature:    0,
	}

	var lastValidation error

	for attempt := 1; attempt <= 2; attempt++ {
		if lastValidation != nil {
			request = &llm.Request{
				Prompt:         retryFeedback(prompt, lastValidation),
				ResponseSchema: ResponseSchema(),
				MaxTokens:      s.config.MaxTokens,
				Temperature:    0,
			}
		}

		response, err := s.provider.Generate(ctx, request)
		if err != nil {
			if !errors.Is(err, llm.ErrResponseSchema) {
				return nil, fmt.Errorf("%w: %w", ErrSynthesisFailed, err)
			}

			// Schema violations feed the retry like any validation failure.
			lastValidation = err

			s.logger.Warn("synthesis response rejected",
				slog.String("source_chain_id", chain.ID.String()),
				slog.Int("attempt", attempt),
				slog.String("error", err.Error()),
			)

			continue
		}

		doc, err := decodeResponse(response.Parsed, chain, s.config.MaxParallelSteps)
		if err == nil {
			return doc, nil
		}

		lastValidation = err

		s.logger.Warn("synthesis response rejected",
			slog.String("source_chain_id", chain.ID.String()),
			slog.Int("attempt", attempt),
			slog.String("error", err.Error()),
		)
	}

	return nil, fmt.Errorf("%w: %w", ErrSchemaInvalid, lastValidation)
}

// collectSamples loads the chain's sample executions: for each sample event,
// the session's chain-ordered events matched against the tool sequence.
// Unreadable or no-longer-matching sessions are skipped with a warning;
// synthesis fails only when no sample survives.
func (s *Synthesizer) collectSamples(ctx context.Context, chain *mining.CandidateChain) ([]*Sample, error) {
	samples := make([]*Sample, 0, len(chain.SampleEventIDs))
	seen := make(map[string]bool, len(chain.SampleEventIDs))

	for _, eventID := range chain.SampleEventIDs {
		anchor, err := s.store.GetByID(ctx, eventID)
		if err != nil {
			s.logger.Warn("sample event unavailable, skipping",
				slog.String("event_id", eventID.String()),
				slog.String("error", err.Error()),
			)

			continue
		}

		if seen[anchor.SessionID] {
			continue
		}

		seen[anchor.SessionID] = true

		events, err := s.store.GetBySession(ctx, anchor.SessionID, telemetry.OrderChain)
		if err != nil {
			s.logger.Warn("sample session unavailable, skipping",
				slog.String("session_id", anchor.SessionID),
				slog.String("error", err.Error()),
			)

			continue
		}

		matched := matchChainEvents(events, chain.Tools)
		if matched == nil {
			s.logger.Warn("sample session no longer contains the chain, skipping",
				slog.String("session_id", anchor.SessionID),
			)

			continue
		}

		samples = append(samples, &Sample{SessionID: anchor.SessionID, Events: matched})
	}

	if len(samples) == 0 {
		return nil, fmt.Errorf("%w: no usable sample executions for chain %s",
			ErrSynthesisFailed, chain.ID)
	}

	return samples, nil
}

// matchChainEvents finds the earliest occurrence of the tool sequence as a
// subsequence of the session's events, returning the matched events aligned
// with the chain steps. Returns nil when the sequence does not occur.
func matchChainEvents(events []*telemetry.Event, tools []string) []*telemetry.Event {
	matched := make([]*telemetry.Event, 0, len(tools))

	next := 0
	for _, event := range events {
		if next >= len(tools) {
			break
		}

		if event.ToolID == tools[next] {
			matched = append(matched, event)
			next++
		}
	}

	if next < len(tools) {
		return nil
	}

	return matched
}
