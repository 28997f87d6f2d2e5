package storage

import (
	"embed"
	"errors"
	"fmt"
	"log/slog"

	"github.com/golang-migrate/migrate/v4"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

// Migrations are embedded per backend and applied in lexicographic order on
// startup. Schemas are equivalent across backends modulo timestamp encoding
// and integer widths.
//
//go:embed migrations/postgres/*.sql
var postgresMigrations embed.FS

//go:embed migrations/sqlite/*.sql
var sqliteMigrations embed.FS

// migrate applies all pending up migrations for the connection's backend.
// Any failure aborts startup.
func (c *Connection) migrate() error {
	var (
		src  = "migrations/sqlite"
		fsys = sqliteMigrations
	)

	if c.backend == BackendPostgres {
		src = "migrations/postgres"
		fsys = postgresMigrations
	}

	sourceDriver, err := iofs.New(fsys, src)
	if err != nil {
		return fmt.Errorf("%w: open embedded migrations: %w", ErrBackend, err)
	}

	var m *migrate.Migrate

	switch c.backend {
	case BackendPostgres:
		driver, derr := migratepg.WithInstance(c.db.DB, &migratepg.Config{})
		if derr != nil {
			return fmt.Errorf("%w: create postgres migration driver: %w", ErrBackend, derr)
		}

		m, err = migrate.NewWithInstance("iofs", sourceDriver, "postgres", driver)
	case BackendSQLite:
		driver, derr := migratesqlite.WithInstance(c.db.DB, &migratesqlite.Config{})
		if derr != nil {
			return fmt.Errorf("%w: create sqlite migration driver: %w", ErrBackend, derr)
		}

		m, err = migrate.NewWithInstance("iofs", sourceDriver, "sqlite", driver)
	}

	if err != nil {
		return fmt.Errorf("%w: create migrate instance: %w", ErrBackend, err)
	}

	m.Log = &migrateLogger{logger: c.logger}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("%w: apply migrations: %w", ErrBackend, err)
	}

	c.logger.Info("Database migrations applied", slog.String("backend", string(c.backend)))

	return nil
}

// migrateLogger adapts slog to the migrate.Logger interface.
type migrateLogger struct {
	logger *slog.Logger
}

var _ migrate.Logger = (*migrateLogger)(nil)

func (l *migrateLogger) Printf(format string, v ...any) {
	l.logger.Info(fmt.Sprintf("migrate: "+format, v...))
}

func (l *migrateLogger) Verbose() bool { return false }
