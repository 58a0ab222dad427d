package config

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/golang-migrate/migrate/v4"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file" // file:// migration source
)

const (
	postgresImage    = "postgres:16-alpine"
	containerStartup = 120 * time.Second

	// migrationsSource points at the repository's migrations directory. Every
	// internal package sits two levels below the module root, so the same
	// relative path serves all integration tests.
	migrationsSource = "file://../../migrations"
)

// TestDatabase bundles the container and connection an integration test
// runs against. Callers terminate both via t.Cleanup.
type TestDatabase struct {
	Container  *postgres.PostgresContainer
	Connection *sql.DB
}

// SetupTestDatabase starts a disposable Postgres, applies the repository
// migrations, and returns an open connection to the migrated schema.
//
//	testDB := config.SetupTestDatabase(ctx, t)
//	t.Cleanup(func() {
//		_ = testDB.Connection.Close()
//		_ = testcontainers.TerminateContainer(testDB.Container)
//	})
func SetupTestDatabase(ctx context.Context, t *testing.T) *TestDatabase {
	t.Helper()

	container, err := postgres.Run(ctx,
		postgresImage,
		postgres.WithDatabase("twinraven_test"),
		postgres.WithUsername("test"),
		postgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			// Postgres logs readiness twice: once for the init bootstrap
			// and once for the real server.
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(containerStartup),
		),
	)
	require.NoError(t, err, "Failed to start postgres container")

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err, "Failed to resolve connection string")

	conn, err := sql.Open("postgres", dsn)
	require.NoError(t, err, "Failed to open database")

	if err := runTestMigrations(conn); err != nil {
		_ = conn.Close()
		_ = testcontainers.TerminateContainer(container)

		t.Fatalf("Failed to run migrations: %v", err)
	}

	return &TestDatabase{Container: container, Connection: conn}
}

// runTestMigrations brings the test schema to the catalog head, reading the
// SQL straight from the migrations directory so tests and deployments share
// one source of truth.
func runTestMigrations(db *sql.DB) error {
	driver, err := migratepg.WithInstance(db, &migratepg.Config{})
	if err != nil {
		return err
	}

	m, err := migrate.NewWithDatabaseInstance(migrationsSource, "postgres", driver)
	if err != nil {
		return err
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}

	return nil
}
