package main

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/twinraven-io/twinraven/internal/config"
)

const defaultMigrationTable = "schema_migrations"

// ErrDatabaseURLRequired is returned when DATABASE_URL is unset or blank.
var ErrDatabaseURLRequired = errors.New("DATABASE_URL is required")

// Config carries the migrator's settings, read from the environment:
// DATABASE_URL selects the target database and MIGRATION_TABLE the tracking
// table.
type Config struct {
	DatabaseURL    string
	MigrationTable string
}

func loadConfig() (*Config, error) {
	cfg := &Config{
		DatabaseURL:    config.GetEnvStr("DATABASE_URL", ""),
		MigrationTable: config.GetEnvStr("MIGRATION_TABLE", defaultMigrationTable),
	}

	if strings.TrimSpace(cfg.DatabaseURL) == "" {
		return nil, ErrDatabaseURLRequired
	}

	return cfg, nil
}

// Redacted renders the configuration for logs with credentials hidden.
func (c *Config) Redacted() string {
	return fmt.Sprintf("database=%s table=%s", redactDSN(c.DatabaseURL), c.MigrationTable)
}

// redactDSN hides the userinfo of a connection string. A DSN that does not
// parse as a URL is redacted wholesale rather than risk echoing a password
// with unusual characters.
func redactDSN(dsn string) string {
	if dsn == "" {
		return ""
	}

	parsed, err := url.Parse(dsn)
	if err != nil || parsed.Host == "" {
		return "(redacted)"
	}

	if parsed.User != nil {
		parsed.User = url.User("***")
	}

	return parsed.String()
}
