package storage

import (
	"errors"
	"net/url"
	"strings"
	"time"

	"github.com/twinraven-io/twinraven/internal/config"
)

// Pool defaults. Sized for a single service instance sharing one Connection
// across the event, candidate, and registry stores.
const (
	defaultMaxOpenConns    = 25
	defaultMaxIdleConns    = 5
	defaultConnMaxLifetime = 30 * time.Minute
	defaultConnMaxIdleTime = 10 * time.Minute
)

// ErrDatabaseURLEmpty is returned when no database URL is configured.
var ErrDatabaseURLEmpty = errors.New("database URL cannot be empty")

// Config holds the PostgreSQL pool configuration.
//
// The connection string comes from DATABASE_URL; pool tuning reads the
// TWINRAVEN__STORAGE__* overrides like every other tunable in the system.
type Config struct {
	databaseURL     string // kept private so it never lands in logs unmasked
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

// LoadConfig reads the pool configuration from the environment, falling back
// to the defaults above.
func LoadConfig() *Config {
	return &Config{
		databaseURL:     config.GetEnvStr("DATABASE_URL", ""),
		MaxOpenConns:    config.GetEnvInt("TWINRAVEN__STORAGE__MAX_OPEN_CONNS", defaultMaxOpenConns),
		MaxIdleConns:    config.GetEnvInt("TWINRAVEN__STORAGE__MAX_IDLE_CONNS", defaultMaxIdleConns),
		ConnMaxLifetime: config.GetEnvDuration("TWINRAVEN__STORAGE__CONN_MAX_LIFETIME", defaultConnMaxLifetime),
		ConnMaxIdleTime: config.GetEnvDuration("TWINRAVEN__STORAGE__CONN_MAX_IDLE_TIME", defaultConnMaxIdleTime),
	}
}

// Validate checks the configuration before any connection attempt.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.databaseURL) == "" {
		return ErrDatabaseURLEmpty
	}

	return nil
}

// MaskDatabaseURL returns the database URL with credentials hidden, safe for
// startup logs.
//
// URL-form DSNs keep their username with the password replaced; strings that
// do not parse as URLs but still carry a scheme://userinfo@host shape get the
// whole userinfo masked. Anything else is returned unchanged.
func (c *Config) MaskDatabaseURL() string {
	if c.databaseURL == "" {
		return ""
	}

	parsed, err := url.Parse(c.databaseURL)
	if err == nil {
		if parsed.User == nil {
			return c.databaseURL
		}

		if _, hasPassword := parsed.User.Password(); !hasPassword {
			return c.databaseURL
		}

		parsed.User = url.UserPassword(parsed.User.Username(), "***")

		return parsed.String()
	}

	// Unparseable, typically a password with URL-hostile characters. Mask the
	// entire userinfo rather than risk leaking any of it.
	schemeEnd := strings.Index(c.databaseURL, "://")
	if schemeEnd == -1 {
		return c.databaseURL
	}

	rest := c.databaseURL[schemeEnd+3:]

	at := strings.LastIndex(rest, "@")
	if at == -1 {
		return c.databaseURL
	}

	return c.databaseURL[:schemeEnd] + "://***@" + rest[at+1:]
}
