package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	_ "github.com/lib/pq"  // PostgreSQL driver
	_ "modernc.org/sqlite" // SQLite driver (cgo-free)
)

// healthCheckTimeout bounds the ping used by HealthCheck.
const healthCheckTimeout = 5 * time.Second

// ErrNoDatabaseConnection is returned when a store is constructed without a
// connection.
var ErrNoDatabaseConnection = errors.New("no database connection")

// Connection is the pooled database handle shared by all stores. Pooling is
// bounded by the Config limits; each store operation checks a connection out
// for its duration and returns it on every exit path.
type Connection struct {
	db      *sqlx.DB
	backend Backend
	logger  *slog.Logger
}

// NewConnection opens a pooled connection for the configured store URI,
// verifies it with a ping, and applies all pending migrations. Startup must
// fail if any of those steps fail. The logger is the process logger, so the
// admin log-filter handle retunes this component too; nil falls back to
// slog.Default.
func NewConnection(cfg *Config, logger *slog.Logger) (*Connection, error) {
	if logger == nil {
		logger = slog.Default()
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	backend, err := cfg.Backend()
	if err != nil {
		return nil, err
	}

	driver, dsn := driverDSN(backend, cfg.StoreURI)

	db, err := sqlx.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %w", ErrBackend, backend, err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	if err := db.PingContext(context.Background()); err != nil {
		_ = db.Close()

		return nil, fmt.Errorf("%w: ping %s: %w", ErrBackend, backend, err)
	}

	conn := &Connection{
		db:      db,
		backend: backend,
		logger:  logger,
	}

	if err := conn.migrate(); err != nil {
		_ = db.Close()

		return nil, err
	}

	return conn, nil
}

// driverDSN maps a store URI to the driver name and DSN for sqlx.Open.
func driverDSN(backend Backend, uri string) (string, string) {
	if backend == BackendSQLite {
		path := strings.TrimPrefix(uri, "sqlite://")

		// Foreign keys must be on for invocation deletes to cascade.
		return "sqlite", path + "?_pragma=foreign_keys(ON)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	}

	return "postgres", uri
}

// Backend returns the engine this connection talks to.
func (c *Connection) Backend() Backend { return c.backend }

// HealthCheck verifies the database is reachable.
func (c *Connection) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, healthCheckTimeout)
	defer cancel()

	if err := c.db.PingContext(ctx); err != nil {
		return fmt.Errorf("%w: ping: %w", ErrBackend, err)
	}

	return nil
}

// Close closes the underlying pool.
func (c *Connection) Close() error {
	return c.db.Close()
}

// rebind translates ?-style placeholders to the backend's bindvar syntax.
func (c *Connection) rebind(query string) string {
	return c.db.Rebind(query)
}

// bindTime encodes a timestamp for storage: native timestamps on PostgreSQL,
// unix milliseconds on SQLite.
func (c *Connection) bindTime(t time.Time) any {
	if c.backend == BackendSQLite {
		return t.UnixMilli()
	}

	return t.UTC()
}

// bindNullTime is bindTime for optional timestamps.
func (c *Connection) bindNullTime(t *time.Time) any {
	if t == nil {
		return nil
	}

	return c.bindTime(*t)
}

// nullTime scans a timestamp stored by bindTime from either backend.
type nullTime struct {
	Time  time.Time
	Valid bool
}

// Scan implements sql.Scanner.
func (n *nullTime) Scan(v any) error {
	switch x := v.(type) {
	case nil:
		n.Time, n.Valid = time.Time{}, false
	case time.Time:
		n.Time, n.Valid = x.UTC(), true
	case int64:
		n.Time, n.Valid = time.UnixMilli(x).UTC(), true
	default:
		return fmt.Errorf("%w: cannot scan %T as timestamp", ErrBackend, v)
	}

	return nil
}

// ptr returns the scanned time as *time.Time, nil when NULL.
func (n *nullTime) ptr() *time.Time {
	if !n.Valid {
		return nil
	}

	t := n.Time

	return &t
}
