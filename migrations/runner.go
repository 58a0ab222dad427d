package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	_ "github.com/lib/pq" // PostgreSQL driver
)

const connectTimeout = 10 * time.Second

// Runner executes migration commands against one database, reading the
// migration text from the embedded catalog.
type Runner struct {
	config  *Config
	catalog *Catalog
	migrate *migrate.Migrate
	db      *sql.DB
}

// migrateLog forwards engine output through the standard logger.
type migrateLog struct{}

var _ migrate.Logger = migrateLog{}

// NewRunner validates the embedded catalog, connects to the database, and
// prepares a migration engine over the embedded files. The catalog check
// runs before the first connection attempt so a broken binary fails without
// touching the database.
func NewRunner(cfg *Config) (*Runner, error) {
	catalog := NewCatalog(nil)
	if err := catalog.Validate(); err != nil {
		return nil, fmt.Errorf("embedded catalog: %w", err)
	}

	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()

		return nil, fmt.Errorf("ping database: %w", err)
	}

	driver, err := postgres.WithInstance(db, &postgres.Config{
		MigrationsTable: cfg.MigrationTable,
	})
	if err != nil {
		_ = db.Close()

		return nil, fmt.Errorf("postgres driver: %w", err)
	}

	source, err := iofs.New(catalog.Source(), ".")
	if err != nil {
		_ = db.Close()

		return nil, fmt.Errorf("embedded source: %w", err)
	}

	engine, err := migrate.NewWithInstance("iofs", source, "postgres", driver)
	if err != nil {
		_ = db.Close()

		return nil, fmt.Errorf("migration engine: %w", err)
	}

	engine.Log = migrateLog{}

	log.Printf("migration runner ready: %s", cfg.Redacted())

	return &Runner{config: cfg, catalog: catalog, migrate: engine, db: db}, nil
}

// Up applies every pending migration.
func (r *Runner) Up() error {
	err := r.migrate.Up()

	switch {
	case errors.Is(err, migrate.ErrNoChange):
		log.Println("schema already up to date")
	case err != nil:
		return fmt.Errorf("apply migrations: %w", err)
	default:
		log.Println("all pending migrations applied")
	}

	return nil
}

// Down rolls back the most recent migration.
func (r *Runner) Down() error {
	err := r.migrate.Steps(-1)

	switch {
	case errors.Is(err, migrate.ErrNoChange):
		log.Println("nothing to roll back")
	case err != nil:
		return fmt.Errorf("roll back migration: %w", err)
	default:
		log.Println("rolled back one migration")
	}

	return nil
}

// Status reports the applied schema version against the catalog head and
// lists pending migrations by name.
func (r *Runner) Status() error {
	current, dirty, err := r.currentVersion()
	if err != nil {
		return err
	}

	head, err := r.catalog.MaxSequence()
	if err != nil {
		return err
	}

	switch {
	case current == 0:
		log.Println("database schema: none applied")
	case dirty:
		log.Printf("database schema: v%03d (dirty, manual intervention required)", current)
	default:
		log.Printf("database schema: v%03d", current)
	}

	log.Printf("catalog head: v%03d", head)

	if current > head {
		log.Println("warning: schema is ahead of this binary; rebuild with newer migrations")

		return nil
	}

	pending, err := r.catalog.PendingAfter(current)
	if err != nil {
		return err
	}

	if len(pending) == 0 {
		log.Println("up to date")

		return nil
	}

	log.Printf("%d migration(s) pending:", len(pending))

	for _, filename := range pending {
		log.Printf("  %s", filename)
	}

	return nil
}

// Version prints the applied schema version.
func (r *Runner) Version() error {
	current, dirty, err := r.currentVersion()
	if err != nil {
		return err
	}

	if current == 0 {
		log.Println("no migrations applied")

		return nil
	}

	suffix := ""
	if dirty {
		suffix = " (dirty)"
	}

	log.Printf("schema version v%03d%s", current, suffix)

	return nil
}

// Drop removes every table in the target database, including the migration
// tracking table.
func (r *Runner) Drop() error {
	if err := r.migrate.Drop(); err != nil {
		return fmt.Errorf("drop schema: %w", err)
	}

	log.Println("all tables dropped")

	return nil
}

// Close releases the migration engine and the database connection.
func (r *Runner) Close() error {
	var errs []error

	if r.migrate != nil {
		sourceErr, dbErr := r.migrate.Close()
		if sourceErr != nil {
			errs = append(errs, fmt.Errorf("close source: %w", sourceErr))
		}

		if dbErr != nil {
			errs = append(errs, fmt.Errorf("close engine connection: %w", dbErr))
		}
	}

	if r.db != nil {
		if err := r.db.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close database: %w", err))
		}
	}

	return errors.Join(errs...)
}

// currentVersion reads the applied schema version, mapping the engine's
// nil-version state to zero.
func (r *Runner) currentVersion() (int, bool, error) {
	version, dirty, err := r.migrate.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, nil
	}

	if err != nil {
		return 0, false, fmt.Errorf("read schema version: %w", err)
	}

	return int(version), dirty, nil // #nosec G115 -- versions are small catalog sequence numbers
}

func (migrateLog) Printf(format string, v ...any) {
	log.Printf("migrate: "+format, v...)
}

func (migrateLog) Verbose() bool {
	return false
}
