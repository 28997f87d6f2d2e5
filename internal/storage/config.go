// Package storage provides the relational persistence layer for invocation
// aggregates, with SQLite and PostgreSQL backends selected by store URI.
package storage

import (
	"errors"
	"strings"
	"time"

	"github.com/buildlog-io/buildlog/internal/config"
)

const (
	defaultMaxOpenConns    = 25
	defaultMaxIdleConns    = 5
	defaultConnMaxLifetime = 30 * time.Minute
	defaultConnMaxIdleTime = 10 * time.Minute
)

var (
	// ErrStoreURIEmpty is returned when the store URI is an empty string.
	ErrStoreURIEmpty = errors.New("store URI cannot be empty")

	// ErrUnknownStoreURI is returned for URIs with an unsupported scheme.
	ErrUnknownStoreURI = errors.New("unknown store URI scheme (want sqlite:// or postgres://)")
)

// Backend identifies the database engine behind a Connection.
type Backend string

// Supported backends.
const (
	BackendSQLite   Backend = "sqlite"
	BackendPostgres Backend = "postgres"
)

// Config holds store connection configuration with production-ready defaults.
// StoreURI selects the backend: sqlite://<path> or postgres://<libpq-URI>.
type Config struct {
	StoreURI        string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

// LoadConfig returns a Config with pool settings taken from the environment
// where set. The store URI itself comes from the --db_path flag.
func LoadConfig(storeURI string) *Config {
	return &Config{
		StoreURI:        storeURI,
		MaxOpenConns:    config.GetEnvInt("BUILDLOG_DB_MAX_OPEN_CONNS", defaultMaxOpenConns),
		MaxIdleConns:    config.GetEnvInt("BUILDLOG_DB_MAX_IDLE_CONNS", defaultMaxIdleConns),
		ConnMaxLifetime: config.GetEnvDuration("BUILDLOG_DB_CONN_MAX_LIFETIME", defaultConnMaxLifetime),
		ConnMaxIdleTime: config.GetEnvDuration("BUILDLOG_DB_CONN_MAX_IDLE_TIME", defaultConnMaxIdleTime),
	}
}

// Validate checks the store configuration, including the URI scheme.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.StoreURI) == "" {
		return ErrStoreURIEmpty
	}

	_, err := c.Backend()

	return err
}

// Backend returns the engine the configured URI selects.
func (c *Config) Backend() (Backend, error) {
	switch {
	case strings.HasPrefix(c.StoreURI, "sqlite://"):
		return BackendSQLite, nil
	case strings.HasPrefix(c.StoreURI, "postgres://"), strings.HasPrefix(c.StoreURI, "postgresql://"):
		return BackendPostgres, nil
	default:
		return "", ErrUnknownStoreURI
	}
}
