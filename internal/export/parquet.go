package export

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/parquet-go/parquet-go"

	"github.com/twinraven-io/twinraven/internal/canonicalization"
	"github.com/twinraven-io/twinraven/internal/config"
	"github.com/twinraven-io/twinraven/internal/telemetry"
)

// parquetRowGroupSize is the number of rows flushed per row group.
const parquetRowGroupSize = 10_000

type (
	// ParquetExporter writes events to a columnar Parquet file in 10 000-row
	// groups. Timestamps are stored as microsecond UTC integers, the nested
	// input tree as a canonical-JSON string column, and tags as a native
	// list column. Atomicity matches the JSONL exporter: temp sibling plus
	// rename, partial deleted on failure.
	ParquetExporter struct {
		path   string
		opts   fileOptions
		logger *slog.Logger
	}

	// parquetEvent is the columnar row layout.
	parquetEvent struct {
		EventID       string   `parquet:"event_id"`
		SessionID     string   `parquet:"session_id"`
		ToolID        string   `parquet:"tool_id"`
		InputHash     string   `parquet:"input_hash"`
		InputParams   string   `parquet:"input_params"`
		OutputSummary *string  `parquet:"output_summary,optional"`
		Predecessor   *string  `parquet:"predecessor,optional"`
		Successor     *string  `parquet:"successor,optional"`
		TimestampUS   int64    `parquet:"timestamp,timestamp(microsecond)"`
		LatencyMS     int32    `parquet:"latency_ms"`
		Outcome       string   `parquet:"outcome"`
		Tags          []string `parquet:"tags,list"`
	}
)

// NewParquetExporter creates an exporter writing a Parquet file to path.
func NewParquetExporter(path string, opts ...FileOption) *ParquetExporter {
	exporter := &ParquetExporter{
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
// number of rows written. Rows accumulate in memory only up to one row
// group before being flushed.
func (e *ParquetExporter) Export(ctx context.Context, it Iterator) (int64, error) {
	tmp, err := createDestinationTemp(e.path, e.opts.overwrite)
	if err != nil {
		return 0, err
	}

	var written int64

	writer := parquet.NewGenericWriter[parquetEvent](tmp)

	abort := func(cause error) (int64, error) {
		tmp.Close()
		os.Remove(tmp.Name())

		return written, cause
	}

	batch := make([]parquetEvent, 0, parquetRowGroupSize)

	for {
		event, err := it.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}

		if err != nil {
			return abort(fmt.Errorf("%w: pull event: %w", ErrExportFailed, err))
		}

		row, err := parquetRow(event)
		if err != nil {
			return abort(err)
		}

		batch = append(batch, row)

		if len(batch) == parquetRowGroupSize {
			if err := writeRowGroup(writer, batch); err != nil {
				return abort(err)
			}

			written += int64(len(batch))
			batch = batch[:0]
		}
	}

	if len(batch) > 0 {
		if err := writeRowGroup(writer, batch); err != nil {
			return abort(err)
		}

		written += int64(len(batch))
	}

	if err := writer.Close(); err != nil {
		return abort(fmt.Errorf("%w: finalize parquet file: %w", ErrExportFailed, err))
	}

	if err := commitDestinationTemp(tmp, e.path); err != nil {
		return written, err
	}

	e.logger.Info("parquet export complete",
		slog.String("path", e.path),
		slog.Int64("rows", written),
	)

	return written, nil
}

// writeRowGroup writes one batch and ends the current row group.
func writeRowGroup(writer *parquet.GenericWriter[parquetEvent], batch []parquetEvent) error {
	if _, err := writer.Write(batch); err != nil {
		return fmt.Errorf("%w: write row group: %w", ErrExportFailed, err)
	}

	if err := writer.Flush(); err != nil {
		return fmt.Errorf("%w: flush row group: %w", ErrExportFailed, err)
	}

	return nil
}

// parquetRow converts an event to its columnar layout. The input parameter
// tree is serialized to canonical JSON so identical inputs stay
// byte-identical across exports.
func parquetRow(event *telemetry.Event) (parquetEvent, error) {
	params, err := canonicalization.CanonicalJSON(event.InputParams)
	if err != nil {
		return parquetEvent{}, fmt.Errorf("%w: encode input params for '%s': %w", ErrExportFailed, event.ID, err)
	}

	row := parquetEvent{
		EventID:     event.ID.String(),
		SessionID:   event.SessionID,
		ToolID:      event.ToolID,
		InputHash:   event.InputHash,
		InputParams: string(params),
		TimestampUS: event.Timestamp.UTC().UnixMicro(),
		LatencyMS:   event.LatencyMS,
		Outcome:     string(event.Outcome),
		Tags:        tagsOrEmpty(event.Tags),
	}

	if event.OutputSummary != "" {
		summary := event.OutputSummary
		row.OutputSummary = &summary
	}

	if event.Predecessor != nil {
		predecessor := event.Predecessor.String()
		row.Predecessor = &predecessor
	}

	if event.Successor != nil {
		successor := event.Successor.String()
		row.Successor = &successor
	}

	return row, nil
}

// ReadParquet loads a Parquet export back into events, inverse of
// ParquetExporter.
func ReadParquet(path string) ([]*telemetry.Event, error) {
	rows, err := parquet.ReadFile[parquetEvent](path)
	if err != nil {
		return nil, fmt.Errorf("%w: read '%s': %w", ErrExportFailed, path, err)
	}

	events := make([]*telemetry.Event, 0, len(rows))

	for i, row := range rows {
		event, err := rowToEvent(row)
		if err != nil {
			return nil, fmt.Errorf("%w: row %d: %w", ErrExportFailed, i, err)
		}

		events = append(events, event)
	}

	return events, nil
}

func decodeCanonicalParams(raw string, out *map[string]any) error {
	if raw == "" || raw == "null" {
		return nil
	}

	return json.Unmarshal([]byte(raw), out)
}

func rowToEvent(row parquetEvent) (*telemetry.Event, error) {
	id, err := uuid.Parse(row.EventID)
	if err != nil {
		return nil, fmt.Errorf("parse event_id: %w", err)
	}

	var params map[string]any
	if err := decodeCanonicalParams(row.InputParams, &params); err != nil {
		return nil, fmt.Errorf("decode input_params: %w", err)
	}

	event := &telemetry.Event{
		ID:          id,
		SessionID:   row.SessionID,
		ToolID:      row.ToolID,
		InputHash:   row.InputHash,
		InputParams: params,
		Timestamp:   time.UnixMicro(row.TimestampUS).UTC(),
		LatencyMS:   row.LatencyMS,
		Outcome:     telemetry.Outcome(row.Outcome),
		Tags:        row.Tags,
	}

	if row.OutputSummary != nil {
		event.OutputSummary = *row.OutputSummary
	}

	if row.Predecessor != nil {
		predecessor, err := uuid.Parse(*row.Predecessor)
		if err != nil {
			return nil, fmt.Errorf("parse predecessor: %w", err)
		}

		event.Predecessor = &predecessor
	}

	if row.Successor != nil {
		successor, err := uuid.Parse(*row.Successor)
		if err != nil {
			return nil, fmt.Errorf("parse successor: %w", err)
		}

		event.Successor = &successor
	}

	return event, nil
}
