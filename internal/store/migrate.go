package store

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	log "github.com/sirupsen/logrus"
)

//go:embed migrations
var migrationsFS embed.FS

// Migrate applies the embedded migrations for driver on a dedicated
// connection to dsn, which is closed before returning.
func Migrate(driver, dsn string) error {
	if driver != DriverPostgres && driver != DriverSQLite {
		return fmt.Errorf("%w: %q", ErrUnknownDriver, driver)
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return fmt.Errorf("store: migrate open: %w", err)
	}

	var dbDriver database.Driver
	if driver == DriverPostgres {
		dbDriver, err = postgres.WithInstance(db, &postgres.Config{})
	} else {
		dbDriver, err = sqlite.WithInstance(db, &sqlite.Config{})
	}
	if err != nil {
		db.Close()
		return fmt.Errorf("store: migrate driver: %w", err)
	}

	src, err := iofs.New(migrationsFS, "migrations/"+driver)
	if err != nil {
		dbDriver.Close()
		return fmt.Errorf("store: migrate source: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", src, driver, dbDriver)
	if err != nil {
		src.Close()
		dbDriver.Close()
		return fmt.Errorf("store: migrate init: %w", err)
	}
	defer m.Close()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("store: migrate up: %w", err)
	}
	if version, dirty, err := m.Version(); err == nil {
		log.Printf("[store] %s schema at version %d (dirty=%v)", driver, version, dirty)
	}
	return nil
}
