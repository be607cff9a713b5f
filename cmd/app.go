package cmd

import (
	"context"
	"fmt"
	"forest/config"
	"forest/db"
	"forest/fetcher"
	"forest/updatecache"
	"forest/updater"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"
)

// How long to wait for the database at startup
const connectTimeout = 30 * time.Second

// engine holds the wired update components
type engine struct {
	store   *db.Store
	cache   *updatecache.Cache
	updater *updater.Updater
}

func openStore(ctx context.Context, cfg *config.TomlConfig) (*db.Store, error) {
	log.WithFields(log.Fields{
		"driver": cfg.Database.Driver,
	}).Info("Connecting to database")

	return db.Open(ctx, cfg.Database.Driver, cfg.Database.Dsn, connectTimeout)
}

func newEngine(ctx context.Context, cfg *config.TomlConfig) (*engine, error) {
	store, err := openStore(ctx, cfg)
	if err != nil {
		return nil, err
	}

	if err := store.Migrate(); err != nil {
		store.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}

	cachePath, err := config.ExpandPath(cfg.Updater.CachePath)
	if err != nil {
		store.Close()
		return nil, err
	}
	cache := updatecache.Load(afero.NewOsFs(), cachePath)

	httpFetcher := fetcher.NewHTTPFetcher(fetcher.Config{
		Timeout:           cfg.Fetcher.Timeout.Duration,
		UserAgent:         cfg.Fetcher.UserAgent,
		RequestsPerSecond: cfg.Fetcher.RequestsPerSecond,
	})

	poolSize := cfg.Updater.PoolSize
	if poolSize == 0 {
		poolSize = fetcher.DefaultPoolSize()
	}
	pool, err := fetcher.NewPool(poolSize, httpFetcher)
	if err != nil {
		store.Close()
		return nil, err
	}

	log.WithFields(log.Fields{
		"cache":     cachePath,
		"poolSize":  poolSize,
		"chunkSize": cfg.Updater.ChunkSize,
	}).Info("Update engine ready")

	return &engine{
		store: store,
		cache: cache,
		updater: updater.New(store, pool, cache, updater.Config{
			ChunkSize: cfg.Updater.ChunkSize,
		}),
	}, nil
}

func (e *engine) Close() {
	if err := e.cache.Flush(); err != nil {
		log.WithError(err).Error("Could not flush update cache")
	}
	if err := e.store.Close(); err != nil {
		log.WithError(err).Error("Could not close database")
	}
}
