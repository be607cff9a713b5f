package db

import (
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

//go:embed migrations/sqlite/*.sql migrations/postgres/*.sql
var migrations embed.FS

// migrator returns a migrate instance on the store's connection pool and a
// release func to call when done. The pool itself is left open.
func (s *Store) migrator() (*migrate.Migrate, func(), error) {
	source, err := iofs.New(migrations, "migrations/"+s.driver)
	if err != nil {
		return nil, nil, err
	}

	var instance database.Driver
	release := func() { source.Close() }

	switch s.driver {
	case DriverSQLite:
		instance, err = sqlite.WithInstance(s.db, &sqlite.Config{})
	case DriverPostgres:
		instance, err = postgres.WithInstance(s.db, &postgres.Config{})
		// The postgres driver holds a dedicated connection until closed
		release = func() {
			source.Close()
			instance.Close()
		}
	default:
		err = fmt.Errorf("unsupported database driver %q", s.driver)
	}
	if err != nil {
		source.Close()
		return nil, nil, err
	}

	m, err := migrate.NewWithInstance("iofs", source, s.driver, instance)
	if err != nil {
		release()
		return nil, nil, err
	}

	return m, release, nil
}

// Migrate applies all pending migrations
func (s *Store) Migrate() error {
	m, release, err := s.migrator()
	if err != nil {
		return fmt.Errorf("create migrator: %w", err)
	}
	defer release()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}

	version, dirty, _ := m.Version()
	log.WithFields(log.Fields{
		"version": version,
		"dirty":   dirty,
	}).Info("Database migrated")

	return nil
}

// Rollback reverts the last applied migration
func (s *Store) Rollback() error {
	m, release, err := s.migrator()
	if err != nil {
		return fmt.Errorf("create migrator: %w", err)
	}
	defer release()

	if err := m.Steps(-1); err != nil {
		return err
	}

	log.Info("Rolled back last migration")
	return nil
}
