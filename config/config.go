package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Duration wraps time.Duration so it can be written as "10m" in TOML
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = parsed
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// TomlUpdater configures the update cycle
type TomlUpdater struct {
	Interval           Duration `toml:"interval"`
	ChunkSize          int      `toml:"chunk_size"`
	PoolSize           int      `toml:"pool_size"` // 0 picks a size from the CPU count
	CachePath          string   `toml:"cache_path"`
	SleepGapThreshold  Duration `toml:"sleep_gap_threshold"`
	ClockJumpThreshold Duration `toml:"clock_jump_threshold"`
}

// TomlFetcher configures outbound HTTP
type TomlFetcher struct {
	Timeout           Duration `toml:"timeout"`
	UserAgent         string   `toml:"user_agent"`
	RequestsPerSecond float64  `toml:"requests_per_second"`
}

// TomlDatabase configures the content store
type TomlDatabase struct {
	Driver    string   `toml:"driver"`
	Dsn       string   `toml:"dsn"`
	Retention Duration `toml:"retention"`
}

type TomlServer struct {
	Addr string `toml:"addr"`
}

// TomlFeed is a feed onboarded at startup when not yet subscribed
type TomlFeed struct {
	Url        string `toml:"url"`
	CategoryId int64  `toml:"category_id"`
}

// TomlConfig represents the top-level configuration
type TomlConfig struct {
	Updater  TomlUpdater  `toml:"updater"`
	Fetcher  TomlFetcher  `toml:"fetcher"`
	Database TomlDatabase `toml:"database"`
	Server   TomlServer   `toml:"server"`
	Feeds    []TomlFeed   `toml:"feeds"`
}

// Defaults returns the configuration used when no file is given
func Defaults() *TomlConfig {
	return &TomlConfig{
		Updater: TomlUpdater{
			Interval:           Duration{10 * time.Minute},
			ChunkSize:          3,
			CachePath:          "~/.forest/update-cache.json",
			SleepGapThreshold:  Duration{30 * time.Second},
			ClockJumpThreshold: Duration{10 * time.Second},
		},
		Fetcher: TomlFetcher{
			Timeout:   Duration{15 * time.Second},
			UserAgent: "forest-feed-updater/1.0",
		},
		Database: TomlDatabase{
			Driver:    "sqlite",
			Dsn:       "forest.db",
			Retention: Duration{90 * 24 * time.Hour},
		},
		Server: TomlServer{
			Addr: ":3000",
		},
	}
}

// LoadConfig reads a TOML file on top of the defaults
func LoadConfig(path string) (*TomlConfig, error) {
	config := Defaults()
	if path == "" {
		return config, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	if err := toml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config file: %w", err)
	}

	return config, nil
}

// Validate checks settings that cannot be fixed up with a default
func (c *TomlConfig) Validate() error {
	var errs []error

	if c.Updater.Interval.Duration <= 0 {
		errs = append(errs, errors.New("updater.interval must be positive"))
	}
	if c.Updater.ChunkSize < 1 {
		errs = append(errs, errors.New("updater.chunk_size must be at least 1"))
	}
	if c.Updater.PoolSize < 0 {
		errs = append(errs, errors.New("updater.pool_size must not be negative"))
	}
	if c.Updater.CachePath == "" {
		errs = append(errs, errors.New("updater.cache_path is required"))
	}
	if c.Fetcher.RequestsPerSecond < 0 {
		errs = append(errs, errors.New("fetcher.requests_per_second must not be negative"))
	}
	if c.Database.Driver != "sqlite" && c.Database.Driver != "postgres" {
		errs = append(errs, fmt.Errorf("database.driver %q is not one of sqlite, postgres", c.Database.Driver))
	}
	for i, feed := range c.Feeds {
		if feed.Url == "" {
			errs = append(errs, fmt.Errorf("feeds[%d].url is required", i))
		}
	}

	return errors.Join(errs...)
}

// ExpandPath replaces a leading ~ with the home directory
func ExpandPath(path string) (string, error) {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home directory: %w", err)
	}

	return filepath.Join(home, strings.TrimPrefix(path, "~")), nil
}
