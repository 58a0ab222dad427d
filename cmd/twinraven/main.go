// Package main provides the TwinRaven telemetry and synthesis service.
//
// The service owns the Postgres-backed stores and runs the registry
// maintenance scans (drift, staleness, failure spike) on tickers until it
// receives a shutdown signal.
package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/twinraven-io/twinraven/internal/config"
	"github.com/twinraven-io/twinraven/internal/export"
	"github.com/twinraven-io/twinraven/internal/mining"
	"github.com/twinraven-io/twinraven/internal/registry"
	"github.com/twinraven-io/twinraven/internal/storage"
	"github.com/twinraven-io/twinraven/internal/telemetry"
)

// Version information.
const (
	version = "1.0.0-dev"
	name    = "twinraven"
)

// Scan scheduling defaults, overridable through TWINRAVEN__SCANS__* variables.
const (
	defaultDriftInterval        = 24 * time.Hour
	defaultDriftWindow          = 7 * 24 * time.Hour
	defaultStalenessInterval    = 24 * time.Hour
	defaultFailureSpikeInterval = time.Hour
)

// Span export defaults, overridable through TWINRAVEN__EXPORT__* variables.
const (
	defaultSpanTopic    = "twinraven.spans"
	defaultSpanInterval = 5 * time.Minute
)

func main() {
	versionFlag := flag.Bool("version", false, "show version information")
	flag.Parse()

	if *versionFlag {
		log.Printf("%s v%s\n", name, version)
		os.Exit(0)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: config.GetEnvLogLevel("LOG_LEVEL", slog.LevelInfo),
	}))

	logger.Info("Starting TwinRaven service",
		slog.String("service", name),
		slog.String("version", version),
	)

	// Layered file configuration feeds the same TWINRAVEN__* variables the
	// component configs read, with real environment variables winning.
	layered, err := config.LoadLayered()
	if err != nil {
		logger.Error("Failed to load configuration files", slog.String("error", err.Error()))
		os.Exit(1)
	}

	if err := layered.ApplyToEnv(); err != nil {
		logger.Error("Failed to apply configuration files", slog.String("error", err.Error()))
		os.Exit(1)
	}

	if sections := layered.Sections(); len(sections) > 0 {
		logger.Info("Configuration files loaded", slog.Any("sections", sections))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	storageConfig := storage.LoadConfig()

	dbConn, err := storage.Connect(ctx, storageConfig)
	if err != nil {
		logger.Error("Failed to connect to database", slog.String("error", err.Error()))
		os.Exit(1)
	}

	defer func() {
		_ = dbConn.Close() // Ensure connection closes on normal shutdown
	}()

	eventStore, err := newEventStore(dbConn, logger)
	if err != nil {
		logger.Error("Failed to create event store", slog.String("error", err.Error()))

		_ = dbConn.Close()
		//nolint:gocritic // Explicit cleanup before os.Exit is intentional (defer won't run)
		os.Exit(1)
	}

	defer func() {
		_ = eventStore.Close()
	}()

	logger.Info("Event store initialized",
		slog.String("database_url", storageConfig.MaskDatabaseURL()),
		slog.Int("database_max_open_conns", storageConfig.MaxOpenConns),
		slog.Int("database_max_idle_conns", storageConfig.MaxIdleConns),
		slog.Duration("database_conn_max_lifetime", storageConfig.ConnMaxLifetime),
		slog.Duration("database_conn_max_idle_time", storageConfig.ConnMaxIdleTime),
	)

	recordStore, err := storage.NewRecordStore(dbConn)
	if err != nil {
		logger.Error("Failed to create registry record store", slog.String("error", err.Error()))

		_ = dbConn.Close()
		os.Exit(1)
	}

	registryConfig := registry.LoadConfig()

	toolRegistry, err := registry.NewRegistry(recordStore, registryConfig)
	if err != nil {
		logger.Error("Failed to create tool registry", slog.String("error", err.Error()))

		_ = dbConn.Close()
		os.Exit(1)
	}

	logger.Info("Tool registry initialized",
		slog.String("base_dir", registryConfig.BaseDir),
		slog.Float64("drift_threshold", registryConfig.DriftThreshold),
		slog.Bool("auto_retire_on_drift", registryConfig.AutoRetireOnDrift),
		slog.Int("auto_retire_after_days", registryConfig.AutoRetireAfterDays),
		slog.Float64("failure_spike_threshold", registryConfig.FailureSpikeThreshold),
	)

	stopSpanExport := startSpanExport(ctx, logger, eventStore)
	defer stopSpanExport()

	runScans(ctx, logger, toolRegistry, eventStore, mining.NewMiner(eventStore))

	logger.Info("TwinRaven service stopped")
}

// startSpanExport publishes newly stored events as trace spans on a ticker,
// when a Kafka broker list is configured. Returns a stop function; without
// brokers it is a no-op.
func startSpanExport(ctx context.Context, logger *slog.Logger, events telemetry.Store) func() {
	brokerList := config.GetEnvStr("TWINRAVEN__EXPORT__KAFKA_BROKERS", "")
	if brokerList == "" {
		logger.Warn("Span export disabled",
			slog.String("note", "Set TWINRAVEN__EXPORT__KAFKA_BROKERS to enable span export"),
		)

		return func() {}
	}

	brokers := config.ParseCommaSeparatedList(brokerList)
	topic := config.GetEnvStr("TWINRAVEN__EXPORT__KAFKA_TOPIC", defaultSpanTopic)
	interval := config.GetEnvDuration("TWINRAVEN__EXPORT__SPAN_INTERVAL", defaultSpanInterval)

	writer := export.NewKafkaSpanWriter(brokers, topic)
	exporter := export.NewSpanExporter(writer)

	logger.Info("Span export scheduled",
		slog.String("topic", topic),
		slog.Int("brokers", len(brokers)),
		slog.Duration("interval", interval),
	)

	done := make(chan struct{})

	go func() {
		defer close(done)

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		lastTick := time.Now().UTC()

		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				until := now.UTC()
				it := export.NewSessionIterator(events, lastTick, until)

				enqueued, err := exporter.Export(ctx, it)
				if err != nil {
					logger.Error("Span export failed", slog.String("error", err.Error()))

					continue
				}

				lastTick = until

				logger.Info("Span export completed", slog.Int64("spans", enqueued))
			}
		}
	}()

	return func() {
		<-done

		_ = exporter.Close()
		_ = writer.Close()
	}
}

// newEventStore builds the Postgres event store, with the retention pruner
// enabled when a retention window is configured.
func newEventStore(conn *storage.Connection, logger *slog.Logger) (*storage.EventStore, error) {
	window := config.GetEnvDuration("TWINRAVEN__STORAGE__RETENTION_WINDOW", 0)
	interval := config.GetEnvDuration("TWINRAVEN__STORAGE__PRUNE_INTERVAL", time.Hour)

	if window <= 0 {
		logger.Warn("Event retention pruning disabled",
			slog.String("note", "Set TWINRAVEN__STORAGE__RETENTION_WINDOW to enable pruning"),
		)

		return storage.NewEventStore(conn)
	}

	return storage.NewEventStore(conn, storage.WithRetention(window, interval))
}

// runScans drives the registry maintenance scans until the context is
// cancelled by a shutdown signal.
func runScans(
	ctx context.Context,
	logger *slog.Logger,
	toolRegistry *registry.Registry,
	events telemetry.Store,
	miner *mining.Miner,
) {
	driftInterval := config.GetEnvDuration("TWINRAVEN__SCANS__DRIFT_INTERVAL", defaultDriftInterval)
	driftWindow := config.GetEnvDuration("TWINRAVEN__SCANS__DRIFT_WINDOW", defaultDriftWindow)
	stalenessInterval := config.GetEnvDuration("TWINRAVEN__SCANS__STALENESS_INTERVAL", defaultStalenessInterval)
	spikeInterval := config.GetEnvDuration("TWINRAVEN__SCANS__FAILURE_SPIKE_INTERVAL", defaultFailureSpikeInterval)

	logger.Info("Registry scans scheduled",
		slog.Duration("drift_interval", driftInterval),
		slog.Duration("drift_window", driftWindow),
		slog.Duration("staleness_interval", stalenessInterval),
		slog.Duration("failure_spike_interval", spikeInterval),
	)

	driftTicker := time.NewTicker(driftInterval)
	defer driftTicker.Stop()

	stalenessTicker := time.NewTicker(stalenessInterval)
	defer stalenessTicker.Stop()

	spikeTicker := time.NewTicker(spikeInterval)
	defer spikeTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info("Shutdown signal received, stopping registry scans")

			return
		case <-driftTicker.C:
			until := time.Now().UTC()

			reports, err := toolRegistry.DriftScan(ctx, miner, until.Add(-driftWindow), until)
			if err != nil {
				logger.Error("Drift scan failed", slog.String("error", err.Error()))

				continue
			}

			logger.Info("Drift scan completed", slog.Int("tools_scanned", len(reports)))
		case <-stalenessTicker.C:
			retired, err := toolRegistry.StalenessScan(ctx)
			if err != nil {
				logger.Error("Staleness scan failed", slog.String("error", err.Error()))

				continue
			}

			logger.Info("Staleness scan completed", slog.Int("tools_retired", len(retired)))
		case <-spikeTicker.C:
			reports, err := toolRegistry.FailureSpikeScan(ctx, events)
			if err != nil {
				logger.Error("Failure spike scan failed", slog.String("error", err.Error()))

				continue
			}

			logger.Info("Failure spike scan completed", slog.Int("tools_scanned", len(reports)))
		}
	}
}
