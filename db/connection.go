package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	_ "github.com/lib/pq"
	log "github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

func connection(driver, dsn string) (*sql.DB, error) {
	switch driver {
	case DriverSQLite:
		return sqliteConnection(dsn)
	case DriverPostgres:
		return postgresConnection(dsn)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}
}

func sqliteConnection(path string) (*sql.DB, error) {
	// Enable foreign keys and WAL mode
	db, err := sql.Open("sqlite", fmt.Sprintf("%s?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)", path))
	if err != nil {
		return nil, err
	}

	db.SetMaxOpenConns(1) // SQLite only supports one writer at a time
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)
	db.SetConnMaxIdleTime(time.Hour)

	if _, err := db.Exec(`
		PRAGMA busy_timeout = 5000;
		PRAGMA synchronous = NORMAL;
		PRAGMA cache_size = -16000; -- 16MB cache
		PRAGMA temp_store = MEMORY;
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set pragmas: %w", err)
	}

	return db, nil
}

func postgresConnection(dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)
	db.SetConnMaxIdleTime(time.Hour)

	return db, nil
}

// Open connects to the database and waits for it to answer, retrying with
// exponential backoff until maxWait has passed
func Open(ctx context.Context, driver, dsn string, maxWait time.Duration) (*Store, error) {
	db, err := connection(driver, dsn)
	if err != nil {
		return nil, err
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.MaxInterval = 5 * time.Second
	b.Multiplier = 1.5
	b.MaxElapsedTime = maxWait

	ping := func() error {
		return db.PingContext(ctx)
	}
	notify := func(err error, next time.Duration) {
		log.WithFields(log.Fields{
			"driver": driver,
			"error":  err,
			"retry":  next,
		}).Warn("Database not reachable, retrying")
	}

	if err := backoff.RetryNotify(ping, backoff.WithContext(b, ctx), notify); err != nil {
		db.Close()
		return nil, fmt.Errorf("connect to %s database: %w", driver, err)
	}

	return newStore(db, driver), nil
}
