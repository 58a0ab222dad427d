package export

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/twinraven-io/twinraven/internal/canonicalization"
	"github.com/twinraven-io/twinraven/internal/config"
	"github.com/twinraven-io/twinraven/internal/telemetry"
)

// Span publishing defaults.
const (
	defaultSpanQueueSize = 1024
	spanBatchSize        = 100
	spanPublishAttempts  = 3
	spanRetryBaseDelay   = 250 * time.Millisecond
	spanDrainTimeout     = 10 * time.Second
	spanBatchWait        = 200 * time.Millisecond

	// spanAttributeDepth is how deep input parameters flatten into
	// attributes before values are serialized whole.
	spanAttributeDepth = 2

	microsPerMilli = 1000
)

type (
	// SpanStatus is the span-level result classification.
	SpanStatus string

	// Span is the trace-span rendering of one event. The trace identifier
	// is derived from the session so every event of a session lands on the
	// same trace; the span identifier is derived from the event identifier
	// so repeated exports stay stable.
	Span struct {
		TraceID     string         `json:"trace_id"`
		SpanID      string         `json:"span_id"`
		Name        string         `json:"name"`
		StartTimeUS int64          `json:"start_time_us"`
		EndTimeUS   int64          `json:"end_time_us"`
		Status      SpanStatus     `json:"status"`
		Attributes  map[string]any `json:"attributes"`
		Links       []SpanLink     `json:"links,omitempty"`
	}

	// SpanLink points at a causally related span. The predecessor pointer
	// maps to a link rather than a parent: sibling events form a chain,
	// not a call tree.
	SpanLink struct {
		TraceID string `json:"trace_id"`
		SpanID  string `json:"span_id"`
	}

	// SpanWriter is the broker-facing slice of kafka.Writer, extracted so
	// unit tests can capture published spans without a broker.
	SpanWriter interface {
		WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	}

	// SpanExporter publishes events as trace spans to Kafka.
	//
	// Export enqueues onto a bounded queue and a background publisher
	// drains it in batches with bounded retry. On queue overflow the
	// oldest span is dropped with an error log; the newest data always
	// gets a seat. Close drains whatever is still queued before stopping
	// the publisher.
	SpanExporter struct {
		writer    SpanWriter
		queue     chan kafka.Message
		stop      chan struct{}
		done      chan struct{}
		closeOnce sync.Once
		logger    *slog.Logger
	}

	// SpanExporterOption configures optional SpanExporter behavior.
	SpanExporterOption func(*spanExporterSettings)

	spanExporterSettings struct {
		queueSize int
	}
)

// Span status values, following trace conventions: partial outcomes map to
// UNSET, with the exact outcome preserved in the attributes.
const (
	SpanStatusOK    SpanStatus = "OK"
	SpanStatusError SpanStatus = "ERROR"
	SpanStatusUnset SpanStatus = "UNSET"
)

// WithSpanQueueSize overrides the bounded queue capacity.
func WithSpanQueueSize(size int) SpanExporterOption {
	return func(s *spanExporterSettings) {
		if size > 0 {
			s.queueSize = size
		}
	}
}

// NewKafkaSpanWriter builds a kafka-go writer for span publishing. The hash
// balancer keys on trace ID, so a session's spans stay on one partition in
// order.
func NewKafkaSpanWriter(brokers []string, topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireOne,
		AllowAutoTopicCreation: true,
	}
}

// NewSpanExporter creates a span exporter publishing through writer and
// starts its background publisher. Callers own the writer's lifecycle;
// Close stops the publisher but does not close the writer.
func NewSpanExporter(writer SpanWriter, opts ...SpanExporterOption) *SpanExporter {
	settings := spanExporterSettings{queueSize: defaultSpanQueueSize}
	for _, opt := range opts {
		opt(&settings)
	}

	exporter := &SpanExporter{
		writer: writer,
		queue:  make(chan kafka.Message, settings.queueSize),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
		logger: slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: config.GetEnvLogLevel("LOG_LEVEL", slog.LevelInfo),
		})),
	}

	go exporter.runPublisher()

	return exporter
}

// Export drains the iterator into the span queue and returns the number of
// spans enqueued. Spans already handed to the publisher stay committed when
// the context is cancelled mid-stream; the cancellation is surfaced as the
// error.
func (e *SpanExporter) Export(ctx context.Context, it Iterator) (int64, error) {
	var enqueued int64

	for {
		event, err := it.Next(ctx)
		if errors.Is(err, io.EOF) {
			return enqueued, nil
		}

		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return enqueued, err
			}

			return enqueued, fmt.Errorf("%w: pull event: %w", ErrExportFailed, err)
		}

		message, err := spanMessage(event)
		if err != nil {
			return enqueued, err
		}

		e.enqueue(message)
		enqueued++
	}
}

// Close drains the remaining queue and stops the publisher. Safe to call
// multiple times.
func (e *SpanExporter) Close() error {
	e.closeOnce.Do(func() {
		close(e.stop)

		select {
		case <-e.done:
		case <-time.After(spanDrainTimeout):
			e.logger.Warn("span publisher did not drain within timeout",
				slog.Int("spans_left", len(e.queue)),
			)
		}
	})

	return nil
}

// enqueue places a message on the bounded queue, evicting the oldest
// queued span when full. Eviction frees exactly one slot, so the loop
// terminates even under concurrent enqueues.
func (e *SpanExporter) enqueue(message kafka.Message) {
	for {
		select {
		case e.queue <- message:
			return
		default:
		}

		select {
		case dropped := <-e.queue:
			e.logger.Error("span queue overflow, dropping oldest span",
				slog.String("span_key", string(dropped.Key)),
				slog.Int("queue_size", cap(e.queue)),
			)
		default:
		}
	}
}

// runPublisher drains the queue in batches until stopped, then performs a
// final drain so Close does not lose queued spans.
func (e *SpanExporter) runPublisher() {
	defer close(e.done)

	for {
		select {
		case <-e.stop:
			e.publishBatch(e.collectBatch())

			for len(e.queue) > 0 {
				e.publishBatch(e.collectBatch())
			}

			return
		case message := <-e.queue:
			batch := append([]kafka.Message{message}, e.collectBatch()...)
			e.publishBatch(batch)
		}
	}
}

// collectBatch gathers whatever is immediately queued, up to the batch
// size, waiting briefly for stragglers when the queue is empty.
func (e *SpanExporter) collectBatch() []kafka.Message {
	var batch []kafka.Message

	timer := time.NewTimer(spanBatchWait)
	defer timer.Stop()

	for len(batch) < spanBatchSize {
		select {
		case message := <-e.queue:
			batch = append(batch, message)
		case <-timer.C:
			return batch
		case <-e.stop:
			// Final drain path: take only what is already queued.
			for len(batch) < spanBatchSize {
				select {
				case message := <-e.queue:
					batch = append(batch, message)
				default:
					return batch
				}
			}

			return batch
		}
	}

	return batch
}

// publishBatch writes one batch with bounded retry. A batch that still
// fails after the last attempt is dropped with an error log; span export is
// lossy by contract, never blocking.
func (e *SpanExporter) publishBatch(batch []kafka.Message) {
	if len(batch) == 0 {
		return
	}

	var lastErr error

	for attempt := 0; attempt < spanPublishAttempts; attempt++ {
		if attempt > 0 {
			time.Sleep(spanRetryBaseDelay << (attempt - 1))
		}

		ctx, cancel := context.WithTimeout(context.Background(), spanDrainTimeout)
		err := e.writer.WriteMessages(ctx, batch...)

		cancel()

		if err == nil {
			return
		}

		lastErr = err
	}

	e.logger.Error("span batch publish failed, dropping batch",
		slog.Int("spans", len(batch)),
		slog.Int("attempts", spanPublishAttempts),
		slog.String("error", lastErr.Error()),
	)
}

// spanMessage renders an event as a Kafka message keyed by trace ID.
func spanMessage(event *telemetry.Event) (kafka.Message, error) {
	span := EventSpan(event)

	payload, err := json.Marshal(span)
	if err != nil {
		return kafka.Message{}, fmt.Errorf("%w: encode span for '%s': %w", ErrExportFailed, event.ID, err)
	}

	return kafka.Message{
		Key:   []byte(span.TraceID),
		Value: payload,
		Time:  event.Timestamp,
	}, nil
}

// EventSpan maps one event to its span rendering:
//
//   - trace ID: first 16 bytes of SHA-256(session_id), hex
//   - span ID: first 8 bytes of the event UUID, hex
//   - status: success -> OK, failure -> ERROR, partial -> UNSET
//   - attributes: event metadata plus input parameters flattened to depth 2
//   - predecessor: emitted as a span link on the same trace
func EventSpan(event *telemetry.Event) *Span {
	start := event.Timestamp.UTC().UnixMicro()
	traceID := SessionTraceID(event.SessionID)

	span := &Span{
		TraceID:     traceID,
		SpanID:      eventSpanID(event.ID),
		Name:        event.ToolID,
		StartTimeUS: start,
		EndTimeUS:   start + int64(event.LatencyMS)*microsPerMilli,
		Status:      outcomeStatus(event.Outcome),
		Attributes:  spanAttributes(event),
	}

	if event.Predecessor != nil {
		span.Links = []SpanLink{{
			TraceID: traceID,
			SpanID:  eventSpanID(*event.Predecessor),
		}}
	}

	return span
}

// SessionTraceID derives the stable 16-byte trace identifier for a session.
func SessionTraceID(sessionID string) string {
	digest := sha256.Sum256([]byte(sessionID))

	return hex.EncodeToString(digest[:16])
}

func eventSpanID(id [16]byte) string {
	return hex.EncodeToString(id[:8])
}

func outcomeStatus(outcome telemetry.Outcome) SpanStatus {
	switch outcome {
	case telemetry.OutcomeSuccess:
		return SpanStatusOK
	case telemetry.OutcomeFailure:
		return SpanStatusError
	case telemetry.OutcomePartial:
		return SpanStatusUnset
	default:
		return SpanStatusUnset
	}
}

func spanAttributes(event *telemetry.Event) map[string]any {
	attributes := map[string]any{
		"session.id":       event.SessionID,
		"tool.id":          event.ToolID,
		"event.id":         event.ID.String(),
		"event.input_hash": event.InputHash,
		"event.outcome":    string(event.Outcome),
		"event.latency_ms": event.LatencyMS,
	}

	if len(event.Tags) > 0 {
		attributes["event.tags"] = event.Tags
	}

	if event.OutputSummary != "" {
		attributes["event.output_summary"] = event.OutputSummary
	}

	flattenParams(attributes, "input.", event.InputParams, spanAttributeDepth)

	return attributes
}

// flattenParams folds a parameter tree into dotted attribute keys down to
// the given depth. Anything deeper, and any array, is serialized whole as
// canonical JSON so no structure is lost.
func flattenParams(attributes map[string]any, prefix string, params map[string]any, depth int) {
	for key, value := range params {
		name := prefix + key

		nested, isMap := value.(map[string]any)
		if isMap && depth > 1 {
			flattenParams(attributes, name+".", nested, depth-1)

			continue
		}

		switch v := value.(type) {
		case nil, bool, string, int, int32, int64, float32, float64, json.Number:
			attributes[name] = v
		default:
			serialized, err := canonicalization.CanonicalJSON(v)
			if err != nil {
				attributes[name] = fmt.Sprintf("%v", v)

				continue
			}

			attributes[name] = string(serialized)
		}
	}
}
