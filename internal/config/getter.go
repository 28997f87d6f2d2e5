// Package config provides the service configuration: CLI/YAML settings plus
// helpers for reading overrides from ENV.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// GetEnvInt returns an int environment variable value or a default when the
// variable is unset or unparseable.
//
// Example:
//
//	i := GetEnvInt("BUILDLOG_DB_MAX_OPEN_CONNS", 25)
func GetEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}

	return defaultValue
}

// GetEnvDuration returns a duration environment variable value or a default
// when the variable is unset or unparseable.
//
// Example:
//
//	d := GetEnvDuration("BUILDLOG_DB_CONN_MAX_LIFETIME", 30*time.Minute)
func GetEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}

	return defaultValue
}

// ParseCommaSeparatedList parses a comma-separated string into a slice of
// trimmed strings. Empty values are filtered out.
func ParseCommaSeparatedList(input string) []string {
	if input == "" {
		return []string{}
	}

	parts := strings.Split(input, ",")
	result := make([]string, 0, len(parts))

	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			result = append(result, trimmed)
		}
	}

	return result
}
