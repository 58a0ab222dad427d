// Package storage provides PostgreSQL and in-memory implementations of the
// persistence contracts defined by the domain packages (telemetry.Store,
// mining.CandidateStore, registry.RecordStore).
//
// The PostgreSQL implementations share one Connection: a bounded connection
// pool with lifetime recycling and a cheap bounded health check. In-memory
// counterparts back unit tests and embedded use.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	// PostgreSQL driver, registered as "postgres".
	_ "github.com/lib/pq"
)

const healthCheckTimeout = 5 * time.Second

// Sentinel errors for connection management.
var (
	// ErrNoDatabaseConnection is returned when a store is constructed or used
	// without a database connection.
	ErrNoDatabaseConnection = errors.New("no database connection")

	// ErrConnectionFailed is returned when the database cannot be reached.
	ErrConnectionFailed = errors.New("database connection failed")
)

// Connection wraps a bounded PostgreSQL connection pool.
//
// The pool applies the limits from Config (open/idle caps, lifetime and idle
// recycling). All stores in this package share one Connection; the caller
// owns its lifecycle and closes it after the stores are done.
type Connection struct {
	*sql.DB

	config *Config
}

// Connect opens a PostgreSQL connection pool and verifies reachability.
//
// Pool limits come from the config; the initial ping is bounded so a down
// database fails fast instead of hanging startup.
func Connect(ctx context.Context, config *Config) (*Connection, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	db, err := sql.Open("postgres", config.databaseURL)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}

	db.SetMaxOpenConns(config.MaxOpenConns)
	db.SetMaxIdleConns(config.MaxIdleConns)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)
	db.SetConnMaxIdleTime(config.ConnMaxIdleTime)

	pingCtx, cancel := context.WithTimeout(ctx, healthCheckTimeout)
	defer cancel()

	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()

		return nil, fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}

	return &Connection{DB: db, config: config}, nil
}

// HealthCheck verifies the database is reachable and ready to serve requests.
// Cheap and bounded; suitable for readiness probes and Collector entry checks.
func (c *Connection) HealthCheck(ctx context.Context) error {
	if c == nil || c.DB == nil {
		return ErrNoDatabaseConnection
	}

	checkCtx, cancel := context.WithTimeout(ctx, healthCheckTimeout)
	defer cancel()

	var one int
	if err := c.QueryRowContext(checkCtx, "SELECT 1").Scan(&one); err != nil {
		return fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}

	return nil
}
