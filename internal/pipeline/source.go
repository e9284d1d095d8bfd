package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/couchcryptid/relay-map-etl/internal/archive"
	"github.com/couchcryptid/relay-map-etl/internal/bwindex"
	"github.com/couchcryptid/relay-map-etl/internal/consensus"
	"github.com/couchcryptid/relay-map-etl/internal/domain"
)

// CollectorSource produces historical relay observations for a date from
// the CollecTor archives: consensus snapshots for flags, uptime, and
// addresses, with per-relay bandwidth overridden from the month's server
// descriptors where a match exists.
type CollectorSource struct {
	log      *slog.Logger
	archives *archive.Cache
	index    *bwindex.Index
}

// NewCollectorSource creates a CollectorSource over an archive cache and
// descriptor bandwidth index.
func NewCollectorSource(log *slog.Logger, archives *archive.Cache, index *bwindex.Index) *CollectorSource {
	return &CollectorSource{log: log, archives: archives, index: index}
}

// PrepareMonth downloads, extracts, and parses a month's archives. The
// decompression work dominates run cost, so callers serialize these
// before fanning out per-date work.
func (s *CollectorSource) PrepareMonth(ctx context.Context, year int, month time.Month) error {
	if _, err := s.archives.EnsureExtracted(ctx, year, month); err != nil {
		return fmt.Errorf("prepare consensuses %04d-%02d: %w", year, int(month), err)
	}
	if _, err := s.index.Load(ctx, year, month); err != nil {
		return fmt.Errorf("prepare descriptors %04d-%02d: %w", year, int(month), err)
	}
	return nil
}

// RelaysForDate aggregates the date's hourly consensus snapshots and
// applies descriptor bandwidth overrides. Returns (nil, nil) when the
// month's archive has no snapshots for the date; that is day-unavailable,
// not an error.
func (s *CollectorSource) RelaysForDate(ctx context.Context, date domain.Date) ([]domain.RelayObservation, error) {
	dir, err := s.archives.EnsureExtracted(ctx, date.Year(), date.Month())
	if err != nil {
		return nil, err
	}

	relays, err := consensus.Aggregate(dir, date, s.log)
	if err != nil {
		return nil, err
	}
	if relays == nil {
		return nil, nil
	}

	table, err := s.index.Load(ctx, date.Year(), date.Month())
	if err != nil {
		s.log.Warn("descriptor index unavailable, keeping consensus bandwidths",
			"month", date.MonthKey(), "error", err)
	} else {
		consensus.ApplyBandwidthOverrides(relays, table, date)
	}
	return relays, nil
}
