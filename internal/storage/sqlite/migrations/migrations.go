// Package migrations holds the task database schema and applies it with
// golang-migrate from the embedded SQL files.
package migrations

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	"github.com/h2a-dev/genq/internal/log"
)

//go:embed sql/*.sql
var schemaFiles embed.FS

// Apply brings the task schema up to date and returns its version.
func Apply(db *sql.DB, logger log.Logger) (uint, error) {
	if logger == nil {
		logger = log.Noop
	}

	var version uint
	err := withSchema(db, logger, func(m *migrate.Migrate) error {
		if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
			return fmt.Errorf("could not apply schema: %w", err)
		}

		v, dirty, err := m.Version()
		if err != nil {
			return fmt.Errorf("could not get schema version: %w", err)
		}
		if dirty {
			return fmt.Errorf("schema version %d is dirty, a previous migration failed", v)
		}
		version = v
		return nil
	})
	if err != nil {
		return 0, err
	}

	logger.Debugf("Task schema at version %d", version)
	return version, nil
}

// Revert drops the task schema. Stored tasks are lost.
func Revert(db *sql.DB, logger log.Logger) error {
	if logger == nil {
		logger = log.Noop
	}

	return withSchema(db, logger, func(m *migrate.Migrate) error {
		if err := m.Down(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
			return fmt.Errorf("could not revert schema: %w", err)
		}
		return nil
	})
}

func withSchema(db *sql.DB, logger log.Logger, f func(m *migrate.Migrate) error) error {
	if db == nil {
		return fmt.Errorf("db is required")
	}

	driver, err := sqlite3.WithInstance(db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("could not create schema driver: %w", err)
	}

	src, err := iofs.New(schemaFiles, "sql")
	if err != nil {
		return fmt.Errorf("could not load schema files: %w", err)
	}
	defer func() {
		if err := src.Close(); err != nil {
			logger.Warningf("could not close schema files: %s", err)
		}
	}()

	m, err := migrate.NewWithInstance("iofs", src, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("could not create migration instance: %w", err)
	}

	return f(m)
}
