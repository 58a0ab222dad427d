// Package config provides functions for reading config settings from ENV
// and from layered YAML configuration files.
package config

import (
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// lookup fetches an environment variable, reporting presence. Set-but-empty
// counts as absent so deployments can blank a variable to get the default.
func lookup(key string) (string, bool) {
	value := os.Getenv(key)
	if value == "" {
		return "", false
	}

	return value, true
}

// GetEnvStr returns a string environment variable value or a default if not set.
//
// Example:
//
//	s := GetEnvStr("DATABASE_URL", "")
func GetEnvStr(key, defaultValue string) string {
	if value, ok := lookup(key); ok {
		return value
	}

	return defaultValue
}

// GetEnvInt returns an int environment variable value, or the default when
// the variable is unset or does not parse.
func GetEnvInt(key string, defaultValue int) int {
	value, ok := lookup(key)
	if !ok {
		return defaultValue
	}

	parsed, err := strconv.Atoi(value)
	if err != nil {
		return defaultValue
	}

	return parsed
}

// GetEnvFloat returns a float64 environment variable value, or the default
// when the variable is unset or does not parse.
//
// Example:
//
//	f := GetEnvFloat("TWINRAVEN__MINING__MIN_SUPPORT", 0.3)
func GetEnvFloat(key string, defaultValue float64) float64 {
	value, ok := lookup(key)
	if !ok {
		return defaultValue
	}

	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return defaultValue
	}

	return parsed
}

// GetEnvBool returns a bool environment variable value, or the default when
// the variable is unset or not recognizable. Beyond strconv.ParseBool's
// forms, yes/no and on/off are accepted.
func GetEnvBool(key string, defaultValue bool) bool {
	value, ok := lookup(key)
	if !ok {
		return defaultValue
	}

	switch strings.ToLower(strings.TrimSpace(value)) {
	case "yes", "on":
		return true
	case "no", "off":
		return false
	}

	parsed, err := strconv.ParseBool(strings.TrimSpace(value))
	if err != nil {
		return defaultValue
	}

	return parsed
}

// GetEnvDuration returns a time.Duration environment variable value in Go
// duration syntax ("90s", "5m", "1h30m"), or the default when the variable
// is unset or does not parse.
func GetEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value, ok := lookup(key)
	if !ok {
		return defaultValue
	}

	parsed, err := time.ParseDuration(value)
	if err != nil {
		return defaultValue
	}

	return parsed
}

// GetEnvLogLevel returns a slog level from the environment, or the default
// when the variable is unset or not a known level name.
//
// Example:
//
//	l := GetEnvLogLevel("LOG_LEVEL", slog.LevelInfo)
func GetEnvLogLevel(key string, defaultValue slog.Level) slog.Level {
	value, ok := lookup(key)
	if !ok {
		return defaultValue
	}

	name := strings.TrimSpace(value)
	if strings.EqualFold(name, "warning") {
		name = "warn"
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(name)); err != nil {
		return defaultValue
	}

	return level
}

// ParseCommaSeparatedList splits a comma-separated string into trimmed,
// non-empty elements.
func ParseCommaSeparatedList(input string) []string {
	parts := strings.Split(input, ",")
	result := make([]string, 0, len(parts))

	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			result = append(result, trimmed)
		}
	}

	return result
}
