// Package archive downloads, verifies, caches, and extracts the monthly
// CollecTor archives (hourly consensus snapshots and server descriptors).
//
// Downloads are deduplicated per archive through the flight group, written
// via temp-file-then-rename, and guarded by both a connection timeout and
// a stall watchdog: a transfer that connects but stops delivering bytes is
// aborted independently of how long the overall download takes.
package archive

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/couchcryptid/relay-map-etl/internal/flight"
	"github.com/couchcryptid/relay-map-etl/internal/observability"
	"github.com/couchcryptid/relay-map-etl/internal/retry"
)

// Kind selects which of the two monthly archives to operate on. The
// values double as URL path segments and are the only accepted ones.
type Kind string

const (
	KindConsensus   Kind = "consensuses"
	KindDescriptors Kind = "server-descriptors"
)

const (
	defaultBaseURL        = "https://collector.torproject.org/archive"
	defaultSuffix         = ".tar.xz"
	defaultMinArchiveSize = 1 << 20
	defaultConnectTimeout = 30 * time.Second
	defaultStallTimeout   = 60 * time.Second
)

// Config configures the archive cache.
type Config struct {
	Logger  *slog.Logger
	Metrics *observability.Metrics
	Flight  *flight.Group

	// Dir is the local cache directory for downloaded archives and
	// extracted months.
	Dir string

	BaseURL string
	// Suffix is the archive filename suffix, default ".tar.xz". The
	// decompressor is chosen from it.
	Suffix         string
	MinArchiveSize int64
	ConnectTimeout time.Duration
	// StallTimeout aborts a download when no bytes arrive for this long,
	// distinguishing "connected but frozen" from "never connected".
	StallTimeout time.Duration
	// Threads bounds decompression parallelism where the codec supports
	// it (zstd). Diminishing returns past a small count; xz streams
	// decode single-threaded regardless.
	Threads int

	Retry retry.Config
}

func (c *Config) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.Metrics == nil {
		return errors.New("metrics are required")
	}
	if c.Flight == nil {
		return errors.New("flight group is required")
	}
	if c.Dir == "" {
		return errors.New("cache dir is required")
	}
	if c.BaseURL == "" {
		c.BaseURL = defaultBaseURL
	}
	if c.Suffix == "" {
		c.Suffix = defaultSuffix
	}
	if c.MinArchiveSize == 0 {
		c.MinArchiveSize = defaultMinArchiveSize
	}
	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = defaultConnectTimeout
	}
	if c.StallTimeout == 0 {
		c.StallTimeout = defaultStallTimeout
	}
	if c.Threads <= 0 {
		c.Threads = 2
	}
	if c.Retry.MaxTries == 0 {
		c.Retry = retry.Default()
	}
	return nil
}

// Cache downloads and locally caches monthly archives.
type Cache struct {
	cfg    *Config
	log    *slog.Logger
	client *http.Client
}

// New creates the cache directory and the HTTP client. Failure to create
// the directory is fatal to the run.
func New(cfg *Config) (*Cache, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := ensureDir(cfg.Dir); err != nil {
		return nil, fmt.Errorf("create cache dir: %w", err)
	}
	return &Cache{
		cfg: cfg,
		log: cfg.Logger,
		client: &http.Client{
			Transport: &http.Transport{
				DialContext: (&net.Dialer{
					Timeout: cfg.ConnectTimeout,
				}).DialContext,
				TLSHandshakeTimeout:   cfg.ConnectTimeout,
				ResponseHeaderTimeout: cfg.ConnectTimeout,
			},
		},
	}, nil
}

// archiveName builds the deterministic monthly archive filename,
// validating every component that ends up in a path or URL.
func (c *Cache) archiveName(kind Kind, year int, month time.Month) (string, error) {
	if kind != KindConsensus && kind != KindDescriptors {
		return "", fmt.Errorf("unknown archive kind %q", kind)
	}
	if year < 2004 || year > 2100 {
		return "", fmt.Errorf("year %d out of range", year)
	}
	if month < time.January || month > time.December {
		return "", fmt.Errorf("month %d out of range", month)
	}
	return fmt.Sprintf("%s-%04d-%02d%s", kind, year, int(month), c.cfg.Suffix), nil
}
