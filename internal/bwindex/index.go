// Package bwindex builds the per-relay bandwidth time series from monthly
// server-descriptor archives.
//
// Resolution is three-tiered: an in-memory table for the process lifetime,
// an on-disk JSON side-cache trusted only while it is newer than the
// source archive, and finally a full streaming parse of the archive.
package bwindex

import (
	"archive/tar"
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/jellydator/ttlcache/v3"

	"github.com/couchcryptid/relay-map-etl/internal/archive"
	"github.com/couchcryptid/relay-map-etl/internal/domain"
	"github.com/couchcryptid/relay-map-etl/internal/flight"
	"github.com/couchcryptid/relay-map-etl/internal/observability"
	"github.com/couchcryptid/relay-map-etl/internal/store"
)

// Config configures the bandwidth index.
type Config struct {
	Logger   *slog.Logger
	Metrics  *observability.Metrics
	Flight   *flight.Group
	Archives *archive.Cache

	// Dir holds the JSON side-caches, one per month.
	Dir string
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
	if c.Archives == nil {
		return errors.New("archive cache is required")
	}
	if c.Dir == "" {
		return errors.New("side-cache dir is required")
	}
	return nil
}

// Index resolves monthly bandwidth tables.
type Index struct {
	cfg *Config
	log *slog.Logger
	mem *ttlcache.Cache[string, Table]
}

// New creates the index and its side-cache directory.
func New(cfg *Config) (*Index, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("create side-cache dir: %w", err)
	}
	return &Index{
		cfg: cfg,
		log: cfg.Logger,
		// Process-lifetime cache; entries are only invalidated by restart.
		mem: ttlcache.New(ttlcache.WithTTL[string, Table](ttlcache.NoTTL)),
	}, nil
}

// Load returns the fingerprint → bandwidth-history table for one month.
// Concurrent callers for the same month share a single resolution.
func (i *Index) Load(ctx context.Context, year int, month time.Month) (Table, error) {
	key := fmt.Sprintf("%04d-%02d", year, int(month))

	v, err := i.cfg.Flight.Do(flight.DomainDescriptors, key, func() (any, error) {
		if item := i.mem.Get(key); item != nil {
			i.cfg.Metrics.CacheLookups.WithLabelValues("bwindex", "hit").Inc()
			return item.Value(), nil
		}
		i.cfg.Metrics.CacheLookups.WithLabelValues("bwindex", "miss").Inc()

		sidePath := filepath.Join(i.cfg.Dir, fmt.Sprintf("bandwidths-%s.json", key))
		if table, ok := i.loadSideCache(sidePath, year, month); ok {
			i.mem.Set(key, table, ttlcache.DefaultTTL)
			return table, nil
		}

		table, err := i.parseMonth(ctx, year, month)
		if err != nil {
			return Table(nil), err
		}

		if err := store.WriteJSONAtomic(sidePath, table); err != nil {
			// The side-cache only saves a future re-parse; the table is
			// already complete.
			i.log.Warn("failed to persist bandwidth side-cache", "month", key, "error", err)
		}
		i.mem.Set(key, table, ttlcache.DefaultTTL)
		return table, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(Table), nil
}

// loadSideCache returns the persisted table when it is trustworthy: the
// side-cache must be newer than the source archive, or the archive must no
// longer exist locally.
func (i *Index) loadSideCache(sidePath string, year int, month time.Month) (Table, bool) {
	sideInfo, err := os.Stat(sidePath)
	if err != nil {
		return nil, false
	}

	archivePath, err := i.cfg.Archives.LocalPath(archive.KindDescriptors, year, month)
	if err != nil {
		return nil, false
	}
	if archiveInfo, err := os.Stat(archivePath); err == nil {
		if !sideInfo.ModTime().After(archiveInfo.ModTime()) {
			return nil, false
		}
	}

	data, err := os.ReadFile(sidePath)
	if err != nil {
		return nil, false
	}
	var table Table
	if err := json.Unmarshal(data, &table); err != nil {
		i.log.Warn("discarding unreadable bandwidth side-cache", "path", sidePath, "error", err)
		os.Remove(sidePath)
		return nil, false
	}
	return table, true
}

// parseMonth streams the month's descriptor archive once, feeding every
// file's lines through the record state machine.
func (i *Index) parseMonth(ctx context.Context, year int, month time.Month) (Table, error) {
	archivePath, err := i.cfg.Archives.Ensure(ctx, archive.KindDescriptors, year, month)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	rc, err := i.cfg.Archives.Open(archivePath)
	if err != nil {
		return nil, fmt.Errorf("open descriptor archive: %w", err)
	}
	defer rc.Close()

	p := newParser()
	tr := tar.NewReader(rc)
	files := 0
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("descriptor archive %04d-%02d: %w", year, int(month), err)
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}
		// Each archive file holds one or more descriptors; a file
		// boundary is always a record boundary.
		p.boundary()
		scanner := bufio.NewScanner(tr)
		scanner.Buffer(make([]byte, 64*1024), 1024*1024)
		for scanner.Scan() {
			p.consume(scanner.Text())
		}
		if err := scanner.Err(); err != nil {
			return nil, fmt.Errorf("descriptor stream %s: %w", hdr.Name, err)
		}
		files++
	}

	table := p.finish()
	i.cfg.Metrics.DescriptorParseDuration.Observe(time.Since(start).Seconds())
	i.log.Info("descriptor archive parsed",
		"month", fmt.Sprintf("%04d-%02d", year, int(month)),
		"files", files,
		"relays", len(table),
		"duration", time.Since(start).Round(time.Millisecond))
	return table, nil
}

// LookupForDate returns the bandwidth in effect on the target date: the
// last entry dated at or before it. When the relay's first descriptor
// postdates the target, the earliest entry is returned instead of nothing;
// best-available beats strict point-in-time accuracy here.
func LookupForDate(entries []domain.BandwidthEntry, date domain.Date) (int64, bool) {
	if len(entries) == 0 {
		return 0, false
	}
	target := date.String()
	best := entries[0].Bandwidth
	for _, e := range entries {
		if e.Date > target {
			break
		}
		best = e.Bandwidth
	}
	return best, true
}
