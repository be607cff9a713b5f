package cmd

import (
	"forest/config"
	"time"

	"github.com/urfave/cli/v2"
)

// Flags shared by every command. They are set on the root app and override
// values from the config file when given.
func globalFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:    "config",
			Aliases: []string{"c"},
			Usage:   "Path to a TOML configuration file",
			EnvVars: []string{"FOREST_CONFIG"},
		},
		&cli.StringFlag{
			Name:    "log-level",
			Value:   "info",
			Usage:   "Log level (debug, info, warn, error)",
			EnvVars: []string{"FOREST_LOG_LEVEL"},
		},
		&cli.StringFlag{
			Name:    "database-driver",
			Usage:   "Database driver, sqlite or postgres",
			EnvVars: []string{"FOREST_DATABASE_DRIVER"},
		},
		&cli.StringFlag{
			Name:    "database",
			Aliases: []string{"d"},
			Usage:   "SQLite database file or PostgreSQL connection url",
			EnvVars: []string{"FOREST_DATABASE"},
		},
	}
}

func updaterFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:    "cache-path",
			Usage:   "Location of the update cache document",
			EnvVars: []string{"FOREST_CACHE_PATH"},
		},
		&cli.IntFlag{
			Name:    "pool-size",
			Usage:   "Number of concurrent fetch workers, 0 picks one from the CPU count",
			EnvVars: []string{"FOREST_POOL_SIZE"},
		},
		&cli.IntFlag{
			Name:    "chunk-size",
			Usage:   "Number of feeds fetched together in one chunk",
			EnvVars: []string{"FOREST_CHUNK_SIZE"},
		},
		&cli.DurationFlag{
			Name:    "timeout",
			Usage:   "HTTP timeout for a single feed fetch",
			EnvVars: []string{"FOREST_FETCH_TIMEOUT"},
		},
		&cli.StringFlag{
			Name:    "user-agent",
			Usage:   "User agent sent with feed requests",
			EnvVars: []string{"FOREST_USER_AGENT"},
		},
	}
}

// loadConfig reads the config file, if any, and applies flag overrides
func loadConfig(ctx *cli.Context) (*config.TomlConfig, error) {
	cfg, err := config.LoadConfig(ctx.String("config"))
	if err != nil {
		return nil, err
	}

	setString(ctx, "database-driver", &cfg.Database.Driver)
	setString(ctx, "database", &cfg.Database.Dsn)
	setString(ctx, "cache-path", &cfg.Updater.CachePath)
	setString(ctx, "user-agent", &cfg.Fetcher.UserAgent)
	setString(ctx, "addr", &cfg.Server.Addr)
	setInt(ctx, "pool-size", &cfg.Updater.PoolSize)
	setInt(ctx, "chunk-size", &cfg.Updater.ChunkSize)
	setDuration(ctx, "timeout", &cfg.Fetcher.Timeout.Duration)
	setDuration(ctx, "interval", &cfg.Updater.Interval.Duration)
	setDuration(ctx, "older-than", &cfg.Database.Retention.Duration)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func setString(ctx *cli.Context, name string, target *string) {
	if ctx.IsSet(name) {
		*target = ctx.String(name)
	}
}

func setInt(ctx *cli.Context, name string, target *int) {
	if ctx.IsSet(name) {
		*target = ctx.Int(name)
	}
}

func setDuration(ctx *cli.Context, name string, target *time.Duration) {
	if ctx.IsSet(name) {
		*target = ctx.Duration(name)
	}
}
