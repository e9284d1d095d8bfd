// Package config resolves the CLI surface and environment into one
// validated settings struct.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/pflag"

	"github.com/couchcryptid/relay-map-etl/internal/domain"
)

// Config holds all settings for one run, populated from the command line
// with environment overrides for the source endpoints.
type Config struct {
	// FirstDate and LastDate bound the inclusive run range, resolved from
	// the positional date argument.
	FirstDate domain.Date
	LastDate  domain.Date

	Parallel int
	Threads  int

	GeoIPPath         string
	BackfillCountries bool

	DataDir  string
	CacheDir string

	MetricsAddr string
	LogLevel    string
	LogFormat   string

	// Source endpoints; overridable for tests and mirrors.
	OnionooURL   string
	CollectorURL string
	UserstatsURL string

	HTTPTimeout time.Duration
}

// Load parses command-line arguments. args excludes the program name.
func Load(args []string) (*Config, error) {
	fs := pflag.NewFlagSet("relaymap", pflag.ContinueOnError)

	cfg := &Config{}
	fs.IntVar(&cfg.Parallel, "parallel", 4, "dates processed concurrently")
	fs.IntVar(&cfg.Threads, "threads", 0, "decompression threads (0 = all cores)")
	fs.StringVar(&cfg.GeoIPPath, "geoip", "", "path to a MaxMind city database")
	fs.BoolVar(&cfg.BackfillCountries, "backfill-countries", false,
		"re-fetch stored country files that are empty")
	fs.StringVar(&cfg.DataDir, "data-dir", "data", "snapshot output directory")
	fs.StringVar(&cfg.CacheDir, "cache-dir", "cache", "archive cache directory")
	fs.StringVar(&cfg.MetricsAddr, "metrics-addr", "",
		"listen address for health and metrics endpoints (disabled when empty)")
	fs.StringVar(&cfg.LogLevel, "log-level", "info", "log level (debug, info, warn, error)")
	fs.StringVar(&cfg.LogFormat, "log-format", "text", "log format (text, json)")
	fs.DurationVar(&cfg.HTTPTimeout, "http-timeout", 60*time.Second,
		"timeout for live roster and userstats requests")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	switch fs.NArg() {
	case 0:
		if !cfg.BackfillCountries {
			return nil, errors.New("a date argument is required: a day (2024-03-05), month (2024-03), year (2024), or range (2024-03-01:2024-03-10)")
		}
	case 1:
		first, last, err := domain.ParseDateArg(fs.Arg(0))
		if err != nil {
			return nil, err
		}
		cfg.FirstDate, cfg.LastDate = first, last
	default:
		return nil, fmt.Errorf("expected one date argument, got %d", fs.NArg())
	}

	cfg.OnionooURL = envOrDefault("ONIONOO_URL", "")
	cfg.CollectorURL = envOrDefault("COLLECTOR_URL", "")
	cfg.UserstatsURL = envOrDefault("USERSTATS_URL", "")

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks ranges and required fields.
func (c *Config) Validate() error {
	if c.Parallel < 1 {
		return errors.New("--parallel must be at least 1")
	}
	if c.Threads < 0 {
		return errors.New("--threads must not be negative")
	}
	if c.DataDir == "" {
		return errors.New("--data-dir is required")
	}
	if c.CacheDir == "" {
		return errors.New("--cache-dir is required")
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("unknown log format %q", c.LogFormat)
	}
	return nil
}

// HasRange reports whether a date range was given. Backfill-only runs
// may omit it.
func (c *Config) HasRange() bool {
	return !c.FirstDate.IsZero()
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
