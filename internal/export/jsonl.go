package export

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/twinraven-io/twinraven/internal/canonicalization"
	"github.com/twinraven-io/twinraven/internal/config"
	"github.com/twinraven-io/twinraven/internal/telemetry"
)

const (
	// timestampLayout is the fixed-width ISO 8601 UTC form used by file
	// exports. Microsecond precision matches the storage column.
	timestampLayout = "2006-01-02T15:04:05.000000Z"

	exportDirPerm = 0o755

	// jsonlMaxLineBytes bounds a single record line on re-ingest. Input
	// parameter trees are capped upstream, so 16 MiB is generous.
	jsonlMaxLineBytes = 16 << 20
)

type (
	// fileOptions carries the flags shared by the file-backed exporters.
	fileOptions struct {
		overwrite bool
	}

	// FileOption configures a file-backed exporter.
	FileOption func(*fileOptions)

	// JSONLExporter writes one canonical JSON record per line: keys in
	// lexicographic order at every nesting level, ISO 8601 UTC timestamps,
	// lowercase UUIDs, normalized numbers. Two exports of the same events
	// produce byte-identical files.
	JSONLExporter struct {
		path   string
		opts   fileOptions
		logger *slog.Logger
	}

	// jsonlRecord mirrors the canonical line layout for re-ingest.
	jsonlRecord struct {
		EventID       string         `json:"event_id"`
		InputHash     string         `json:"input_hash"`
		InputParams   map[string]any `json:"input_params"`
		LatencyMS     int32          `json:"latency_ms"`
		Outcome       string         `json:"outcome"`
		OutputSummary string         `json:"output_summary,omitempty"`
		Predecessor   string         `json:"predecessor,omitempty"`
		SessionID     string         `json:"session_id"`
		Successor     string         `json:"successor,omitempty"`
		Tags          []string       `json:"tags"`
		Timestamp     string         `json:"timestamp"`
		ToolID        string         `json:"tool_id"`
	}
)

// WithOverwrite allows a file exporter to replace an existing destination.
// Without it the exporter fails with ErrDestinationExists.
func WithOverwrite() FileOption {
	return func(o *fileOptions) {
		o.overwrite = true
	}
}

// NewJSONLExporter creates an exporter writing line-delimited JSON to path.
func NewJSONLExporter(path string, opts ...FileOption) *JSONLExporter {
	exporter := &JSONLExporter{
		path: path,
		logger: slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: config.GetEnvLogLevel("LOG_LEVEL", slog.LevelInfo),
		})),
	}

	for _, opt := range opts {
		opt(&exporter.opts)
	}

	return exporter
}

// Export drains the iterator into the destination file and returns the
// number of records written. The file appears atomically: records go to a
// temporary sibling which is renamed into place only after the iterator is
// exhausted and the data is flushed. On any failure, including context
// cancellation, the partial file is removed and the destination is left
// untouched.
func (e *JSONLExporter) Export(ctx context.Context, it Iterator) (int64, error) {
	tmp, err := createDestinationTemp(e.path, e.opts.overwrite)
	if err != nil {
		return 0, err
	}

	var written int64

	writer := bufio.NewWriter(tmp)

	abort := func(cause error) (int64, error) {
		tmp.Close()
		os.Remove(tmp.Name())

		return written, cause
	}

	for {
		event, err := it.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}

		if err != nil {
			return abort(fmt.Errorf("%w: pull event: %w", ErrExportFailed, err))
		}

		line, err := canonicalLine(event)
		if err != nil {
			return abort(err)
		}

		if _, err := writer.Write(line); err != nil {
			return abort(fmt.Errorf("%w: write record: %w", ErrExportFailed, err))
		}

		if err := writer.WriteByte('\n'); err != nil {
			return abort(fmt.Errorf("%w: write record: %w", ErrExportFailed, err))
		}

		written++
	}

	if err := writer.Flush(); err != nil {
		return abort(fmt.Errorf("%w: flush: %w", ErrExportFailed, err))
	}

	if err := commitDestinationTemp(tmp, e.path); err != nil {
		return written, err
	}

	e.logger.Info("jsonl export complete",
		slog.String("path", e.path),
		slog.Int64("records", written),
	)

	return written, nil
}

// canonicalLine renders one event as its canonical record bytes (no
// trailing newline). Nullable fields are omitted rather than emitted as
// null so absent and empty round-trip identically.
func canonicalLine(event *telemetry.Event) ([]byte, error) {
	record := map[string]any{
		"event_id":     event.ID.String(),
		"input_hash":   event.InputHash,
		"input_params": event.InputParams,
		"latency_ms":   event.LatencyMS,
		"outcome":      string(event.Outcome),
		"session_id":   event.SessionID,
		"tags":         tagsOrEmpty(event.Tags),
		"timestamp":    event.Timestamp.UTC().Format(timestampLayout),
		"tool_id":      event.ToolID,
	}

	if event.OutputSummary != "" {
		record["output_summary"] = event.OutputSummary
	}

	if event.Predecessor != nil {
		record["predecessor"] = event.Predecessor.String()
	}

	if event.Successor != nil {
		record["successor"] = event.Successor.String()
	}

	line, err := canonicalization.CanonicalJSON(record)
	if err != nil {
		return nil, fmt.Errorf("%w: encode event '%s': %w", ErrExportFailed, event.ID, err)
	}

	return line, nil
}

func tagsOrEmpty(tags []string) []string {
	if tags == nil {
		return []string{}
	}

	return tags
}

// ReadJSONL loads a line-delimited export back into events, inverse of
// JSONLExporter. Exporting the result again yields a byte-identical file.
func ReadJSONL(path string) ([]*telemetry.Event, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: open '%s': %w", ErrExportFailed, path, err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), jsonlMaxLineBytes)

	var events []*telemetry.Event

	lineNo := 0

	for scanner.Scan() {
		lineNo++

		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		event, err := decodeLine(line)
		if err != nil {
			return nil, fmt.Errorf("%w: line %d: %w", ErrExportFailed, lineNo, err)
		}

		events = append(events, event)
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("%w: read '%s': %w", ErrExportFailed, path, err)
	}

	return events, nil
}

func decodeLine(line []byte) (*telemetry.Event, error) {
	var record jsonlRecord
	if err := json.Unmarshal(line, &record); err != nil {
		return nil, fmt.Errorf("decode record: %w", err)
	}

	id, err := uuid.Parse(record.EventID)
	if err != nil {
		return nil, fmt.Errorf("parse event_id: %w", err)
	}

	timestamp, err := time.Parse(time.RFC3339Nano, record.Timestamp)
	if err != nil {
		return nil, fmt.Errorf("parse timestamp: %w", err)
	}

	event := &telemetry.Event{
		ID:            id,
		SessionID:     record.SessionID,
		ToolID:        record.ToolID,
		InputHash:     record.InputHash,
		InputParams:   record.InputParams,
		OutputSummary: record.OutputSummary,
		Timestamp:     timestamp.UTC(),
		LatencyMS:     record.LatencyMS,
		Outcome:       telemetry.Outcome(record.Outcome),
		Tags:          record.Tags,
	}

	if record.Predecessor != "" {
		predecessor, err := uuid.Parse(record.Predecessor)
		if err != nil {
			return nil, fmt.Errorf("parse predecessor: %w", err)
		}

		event.Predecessor = &predecessor
	}

	if record.Successor != "" {
		successor, err := uuid.Parse(record.Successor)
		if err != nil {
			return nil, fmt.Errorf("parse successor: %w", err)
		}

		event.Successor = &successor
	}

	return event, nil
}

// createDestinationTemp validates the destination path and opens a
// temporary sibling in the same directory, so the final rename never
// crosses a filesystem boundary.
func createDestinationTemp(path string, overwrite bool) (*os.File, error) {
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return nil, fmt.Errorf("%w: '%s'", ErrDestinationExists, path)
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: stat '%s': %w", ErrExportFailed, path, err)
		}
	}

	if err := os.MkdirAll(filepath.Dir(path), exportDirPerm); err != nil {
		return nil, fmt.Errorf("%w: create directory: %w", ErrExportFailed, err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp-*")
	if err != nil {
		return nil, fmt.Errorf("%w: create temp file: %w", ErrExportFailed, err)
	}

	return tmp, nil
}

// commitDestinationTemp flushes the temp sibling to disk and renames it
// over the destination. The partial is removed on any failure.
func commitDestinationTemp(tmp *os.File, path string) error {
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())

		return fmt.Errorf("%w: sync temp file: %w", ErrExportFailed, err)
	}

	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())

		return fmt.Errorf("%w: close temp file: %w", ErrExportFailed, err)
	}

	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())

		return fmt.Errorf("%w: rename into place: %w", ErrExportFailed, err)
	}

	return nil
}
