package telemetry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/twinraven-io/twinraven/internal/canonicalization"
	"github.com/twinraven-io/twinraven/internal/config"
)

// Sentinel errors for collector operations.
var (
	// ErrStoreUnavailable is returned when the event store cannot be reached
	// on Observe entry. This is the only fatal precondition surfaced to the
	// caller; once a context is open, telemetry failures never propagate.
	ErrStoreUnavailable = errors.New("event store unavailable")

	// ErrContextClosed is returned when recording on a closed observation context.
	ErrContextClosed = errors.New("observation context is closed")

	// ErrInvalidBufferMode is returned when the configured buffer mode is unknown.
	ErrInvalidBufferMode = errors.New("buffer mode must be 'immediate' or 'buffered'")

	// ErrInvalidFlushSize is returned when the buffered flush size is not positive.
	ErrInvalidFlushSize = errors.New("flush size must be greater than zero")
)

const (
	defaultHealthCheckTimeout = 5 * time.Second
	defaultFlushSize          = 50
	defaultFlushInterval      = 10 * time.Second
	defaultMaxOutputLength    = 2048

	truncationMarker = " …[truncated]"
)

type (
	// BufferMode selects how recorded events reach the store.
	BufferMode string

	// CollectorConfig holds collector behavior configuration.
	CollectorConfig struct {
		// Mode selects immediate (one append per record) or buffered
		// (accumulate, flush via AppendBatch) operation.
		Mode BufferMode

		// FlushSize is the buffered-mode size threshold.
		FlushSize int

		// FlushInterval is the buffered-mode time threshold.
		FlushInterval time.Duration

		// CompressOutput enables LLM summarization of oversized outputs.
		CompressOutput bool

		// MaxOutputLength is the serialized-output length above which
		// summarization (or truncation) applies.
		MaxOutputLength int

		// HealthCheckTimeout bounds the store reachability check on Observe entry.
		HealthCheckTimeout time.Duration
	}

	// Summarizer compresses an oversized tool output into a short summary.
	// Implementations typically call an LLM; failures degrade to truncation.
	Summarizer interface {
		Summarize(ctx context.Context, toolID, output string) (string, error)
	}

	// Collector opens per-session observation contexts against an event store.
	//
	// Collectors are safe for concurrent use: contexts for different sessions
	// run independently. Each ObservationContext, however, is a private
	// sequential owner of its predecessor pointer and must not be shared
	// across concurrent tasks.
	Collector struct {
		store      Store
		summarizer Summarizer
		config     *CollectorConfig
		logger     *slog.Logger
	}

	// CollectorOption configures optional Collector behavior.
	CollectorOption func(*Collector)

	// ObservationContext is the per-session write façade. Only one write
	// chain exists per context; one context per logical agent session.
	ObservationContext struct {
		collector  *Collector
		sessionID  string
		previous   *Event
		eventCount int
		closed     bool

		// Buffered mode state. buffer holds unflushed events; tail is the
		// last already-flushed event awaiting a successor backfill.
		buffer    []*Event
		tail      *Event
		lastFlush time.Time
	}

	// recordOptions carries per-record optional attributes.
	recordOptions struct {
		tags      []string
		latencyMS int32
	}

	// RecordOption configures optional per-record attributes.
	RecordOption func(*recordOptions)
)

const (
	// BufferImmediate appends each recorded event individually (default).
	BufferImmediate BufferMode = "immediate"

	// BufferBatched accumulates events and flushes via AppendBatch when the
	// size threshold, the time threshold, or context exit fires.
	BufferBatched BufferMode = "buffered"
)

// WithTags attaches tags to the recorded event.
func WithTags(tags ...string) RecordOption {
	return func(o *recordOptions) {
		o.tags = append(o.tags, tags...)
	}
}

// WithLatency sets the execution duration of the recorded event in
// milliseconds. Wrappers that time the underlying call use this; when
// absent, latency defaults to zero.
func WithLatency(latencyMS int32) RecordOption {
	return func(o *recordOptions) {
		o.latencyMS = latencyMS
	}
}

// WithSummarizer sets the output summarizer used for oversized outputs.
// If not set, oversized outputs are truncated.
func WithSummarizer(s Summarizer) CollectorOption {
	return func(c *Collector) {
		c.summarizer = s
	}
}

// LoadCollectorConfig loads collector configuration from environment
// variables with fallback to defaults.
func LoadCollectorConfig() *CollectorConfig {
	return &CollectorConfig{
		Mode:               BufferMode(config.GetEnvStr("TWINRAVEN__COLLECTOR__BUFFER_MODE", string(BufferImmediate))),
		FlushSize:          config.GetEnvInt("TWINRAVEN__COLLECTOR__FLUSH_SIZE", defaultFlushSize),
		FlushInterval:      config.GetEnvDuration("TWINRAVEN__COLLECTOR__FLUSH_INTERVAL", defaultFlushInterval),
		CompressOutput:     config.GetEnvBool("TWINRAVEN__COLLECTOR__COMPRESS_OUTPUT", true),
		MaxOutputLength:    config.GetEnvInt("TWINRAVEN__COLLECTOR__MAX_OUTPUT_LENGTH", defaultMaxOutputLength),
		HealthCheckTimeout: config.GetEnvDuration("TWINRAVEN__COLLECTOR__HEALTH_CHECK_TIMEOUT", defaultHealthCheckTimeout),
	}
}

// Validate checks if the collector configuration is valid.
func (c *CollectorConfig) Validate() error {
	switch c.Mode {
	case BufferImmediate, BufferBatched:
	default:
		return fmt.Errorf("%w: got '%s'", ErrInvalidBufferMode, c.Mode)
	}

	if c.Mode == BufferBatched && c.FlushSize <= 0 {
		return fmt.Errorf("%w: got %d", ErrInvalidFlushSize, c.FlushSize)
	}

	return nil
}

// NewCollector creates a collector over the given event store.
// Returns an error if the configuration is invalid.
func NewCollector(store Store, cfg *CollectorConfig, opts ...CollectorOption) (*Collector, error) {
	if cfg == nil {
		cfg = LoadCollectorConfig()
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	c := &Collector{
		store:  store,
		config: cfg,
		logger: slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: config.GetEnvLogLevel("LOG_LEVEL", slog.LevelInfo),
		})),
	}

	for _, opt := range opts {
		opt(c)
	}

	return c, nil
}

// Observe opens a scoped observation context for one agent session.
//
// Entry verifies store reachability with a bounded health check; failure to
// reach the store is the only fatal precondition surfaced to the caller
// (ErrStoreUnavailable). Once the context is open, telemetry failures are
// logged and absorbed, never propagated to the agent.
func (c *Collector) Observe(ctx context.Context, sessionID string) (*ObservationContext, error) {
	healthCtx, cancel := context.WithTimeout(ctx, c.config.HealthCheckTimeout)
	defer cancel()

	if err := c.store.HealthCheck(healthCtx); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}

	c.logger.Debug("observation context opened",
		slog.String("session_id", sessionID),
		slog.String("buffer_mode", string(c.config.Mode)),
	)

	return &ObservationContext{
		collector: c,
		sessionID: sessionID,
		lastFlush: time.Now(),
	}, nil
}

// Record observes one successful-or-partial tool call.
//
// Steps:
//  1. Serialize and, when oversized, summarize (or truncate) the output.
//  2. Hash the canonicalized inputs.
//  3. Construct the event linked to the previous event in this context.
//  4. Append (immediately or into the buffer).
//  5. Backfill the previous event's successor pointer; a backfill failure
//     after a successful append is a warning, not an error (forward link gap).
//
// Telemetry failures inside an open context are absorbed: a failed append
// drops that event, logs an error, and the chain continues with a gap.
func (o *ObservationContext) Record(
	ctx context.Context,
	toolID string,
	inputs map[string]any,
	output any,
	outcome Outcome,
	opts ...RecordOption,
) {
	summary := o.collector.summarizeOutput(ctx, toolID, output)
	o.record(ctx, toolID, inputs, summary, outcome, opts...)
}

// RecordFailure observes a failed tool call. The error is rendered as the
// stored output summary and the outcome is forced to failure. Failures are
// telemetry, never fatal to the context.
func (o *ObservationContext) RecordFailure(
	ctx context.Context,
	toolID string,
	inputs map[string]any,
	callErr error,
	opts ...RecordOption,
) {
	summary := ""
	if callErr != nil {
		summary = callErr.Error()
	}

	o.record(ctx, toolID, inputs, summary, OutcomeFailure, opts...)
}

// EventCount returns the number of events recorded through this context,
// including buffered events not yet flushed.
func (o *ObservationContext) EventCount() int {
	return o.eventCount
}

// SessionID returns the session this context observes.
func (o *ObservationContext) SessionID() string {
	return o.sessionID
}

// Close flushes any buffered events and logs the session summary. Committed
// events remain durable regardless of how the session ended. Close is
// idempotent; recording after Close drops the event with a warning.
func (o *ObservationContext) Close(ctx context.Context) error {
	if o.closed {
		return nil
	}

	o.closed = true
	o.flush(ctx)

	o.collector.logger.Info("observation context closed",
		slog.String("session_id", o.sessionID),
		slog.Int("event_count", o.eventCount),
	)

	return nil
}

// record constructs, links, and persists one event.
func (o *ObservationContext) record(
	ctx context.Context,
	toolID string,
	inputs map[string]any,
	summary string,
	outcome Outcome,
	opts ...RecordOption,
) {
	logger := o.collector.logger

	if o.closed {
		logger.Warn("record on closed observation context dropped",
			slog.String("session_id", o.sessionID),
			slog.String("tool_id", toolID),
		)

		return
	}

	options := recordOptions{}
	for _, opt := range opts {
		opt(&options)
	}

	event, err := NewEvent(o.sessionID, toolID, inputs)
	if err != nil {
		logger.Error("failed to construct event, dropping",
			slog.String("session_id", o.sessionID),
			slog.String("tool_id", toolID),
			slog.String("error", err.Error()),
		)

		return
	}

	event.OutputSummary = summary
	event.Outcome = outcome
	event.LatencyMS = options.latencyMS

	if len(options.tags) > 0 {
		event.Tags = options.tags
	}

	if o.previous != nil {
		predecessorID := o.previous.ID
		event.Predecessor = &predecessorID
	}

	if o.collector.config.Mode == BufferBatched {
		o.recordBuffered(ctx, event)

		return
	}

	o.recordImmediate(ctx, event)
}

// recordImmediate appends one event and backfills the predecessor's
// successor pointer. Append failure drops the event (chain gap); backfill
// failure after a successful append logs a warning and is not retried.
func (o *ObservationContext) recordImmediate(ctx context.Context, event *Event) {
	logger := o.collector.logger

	if err := o.collector.store.Append(ctx, event); err != nil {
		logger.Error("event append failed, dropping event",
			slog.String("session_id", o.sessionID),
			slog.String("tool_id", event.ToolID),
			slog.String("event_id", event.ID.String()),
			slog.String("error", err.Error()),
		)

		return
	}

	if o.previous != nil {
		if err := o.collector.store.UpdateSuccessor(ctx, o.previous.ID, event.ID); err != nil {
			logger.Warn("successor backfill failed, accepting chain gap",
				slog.String("session_id", o.sessionID),
				slog.String("predecessor", o.previous.ID.String()),
				slog.String("successor", event.ID.String()),
				slog.String("error", err.Error()),
			)
		}
	}

	o.previous = event
	o.eventCount++
}

// recordBuffered links the event in memory and flushes when the size or
// time threshold fires. In-buffer predecessors get their successor pointer
// set before insertion; the cross-batch link is backfilled at flush time.
func (o *ObservationContext) recordBuffered(ctx context.Context, event *Event) {
	if o.previous != nil && len(o.buffer) > 0 {
		// The predecessor is still unflushed; link it in memory so the
		// batch lands fully chained.
		successorID := event.ID
		o.buffer[len(o.buffer)-1].Successor = &successorID
	}

	o.buffer = append(o.buffer, event)
	o.previous = event
	o.eventCount++

	cfg := o.collector.config
	if len(o.buffer) >= cfg.FlushSize || time.Since(o.lastFlush) >= cfg.FlushInterval {
		o.flush(ctx)
	}
}

// flush writes the buffer via AppendBatch and backfills the link from the
// previous batch's tail. A failed flush drops the batch, logs an error, and
// the session continues (chain gap).
func (o *ObservationContext) flush(ctx context.Context) {
	if len(o.buffer) == 0 {
		return
	}

	logger := o.collector.logger
	batch := o.buffer
	o.buffer = nil
	o.lastFlush = time.Now()

	if err := o.collector.store.AppendBatch(ctx, batch); err != nil {
		logger.Error("buffered flush failed, dropping batch",
			slog.String("session_id", o.sessionID),
			slog.Int("batch_size", len(batch)),
			slog.String("error", err.Error()),
		)

		return
	}

	if o.tail != nil {
		if err := o.collector.store.UpdateSuccessor(ctx, o.tail.ID, batch[0].ID); err != nil {
			logger.Warn("cross-batch successor backfill failed, accepting chain gap",
				slog.String("session_id", o.sessionID),
				slog.String("predecessor", o.tail.ID.String()),
				slog.String("successor", batch[0].ID.String()),
				slog.String("error", err.Error()),
			)
		}
	}

	o.tail = batch[len(batch)-1]
}

// summarizeOutput serializes a tool output canonically and compresses it
// when it exceeds the configured length: via the summarizer when available,
// by truncation otherwise. A summarizer failure degrades to truncation.
func (c *Collector) summarizeOutput(ctx context.Context, toolID string, output any) string {
	if output == nil {
		return ""
	}

	serialized, err := canonicalization.CanonicalJSON(output)
	if err != nil {
		c.logger.Warn("output serialization failed, storing placeholder",
			slog.String("tool_id", toolID),
			slog.String("error", err.Error()),
		)

		return "[unserializable output]"
	}

	text := string(serialized)
	if !c.config.CompressOutput || len(text) <= c.config.MaxOutputLength {
		return text
	}

	if c.summarizer != nil {
		summary, err := c.summarizer.Summarize(ctx, toolID, text)
		if err == nil {
			return summary
		}

		c.logger.Warn("output summarization failed, falling back to truncation",
			slog.String("tool_id", toolID),
			slog.String("error", err.Error()),
		)
	}

	return text[:c.config.MaxOutputLength] + truncationMarker
}
