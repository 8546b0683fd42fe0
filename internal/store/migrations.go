package store

import (
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jmoiron/sqlx"
)

//go:embed migrations/sqlite/*.sql migrations/postgres/*.sql
var migrationFS embed.FS

// migrateUp applies all pending migrations for the given driver and returns
// the resulting schema version.
//
// The migrate instance is deliberately not closed: closing it would close the
// shared *sql.DB owned by the store.
func migrateUp(db *sqlx.DB, driver string) (uint, error) {
	var (
		dbDriver database.Driver
		dir      string
		err      error
	)
	switch driver {
	case DriverSQLite:
		dbDriver, err = sqlite.WithInstance(db.DB, &sqlite.Config{})
		dir = "migrations/sqlite"
	case DriverPostgres:
		dbDriver, err = postgres.WithInstance(db.DB, &postgres.Config{})
		dir = "migrations/postgres"
	default:
		return 0, fmt.Errorf("unsupported driver %q", driver)
	}
	if err != nil {
		return 0, fmt.Errorf("migration driver %s: %w", driver, err)
	}

	src, err := iofs.New(migrationFS, dir)
	if err != nil {
		return 0, fmt.Errorf("migration source %s: %w", dir, err)
	}

	m, err := migrate.NewWithInstance("iofs", src, driver, dbDriver)
	if err != nil {
		return 0, fmt.Errorf("create migrator: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return 0, fmt.Errorf("migrate up: %w", err)
	}

	version, dirty, err := m.Version()
	if err != nil {
		return 0, fmt.Errorf("migration version: %w", err)
	}
	if dirty {
		return version, fmt.Errorf("schema version %d is dirty", version)
	}
	return version, nil
}
