// Package countries fetches per-country client estimates from the Tor
// metrics userstats CSV endpoint.
//
// Multi-date runs prefer one batched monthly request over N daily
// requests. Batch results are cached for the life of the process and
// fetched under a per-month lock so concurrent dates share one download.
package countries

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/jellydator/ttlcache/v3"

	"github.com/couchcryptid/relay-map-etl/internal/domain"
	"github.com/couchcryptid/relay-map-etl/internal/flight"
	"github.com/couchcryptid/relay-map-etl/internal/observability"
	"github.com/couchcryptid/relay-map-etl/internal/retry"
)

const (
	defaultBaseURL = "https://metrics.torproject.org"
	csvPath        = "/userstats-relay-country.csv"

	// BatchThreshold is the run size at which the monthly batch request
	// becomes worthwhile.
	BatchThreshold = 7

	// LagWindowDays is how far behind today the upstream publication
	// pipeline is allowed to be before missing data counts as a real gap.
	LagWindowDays = 10

	backwardSearchDays = 7
)

// HistoricalStart is the first date with upstream client-count data.
var HistoricalStart = domain.NewDate(2007, time.October, 1)

// Config carries the fetcher dependencies and tuning.
type Config struct {
	Logger  *slog.Logger
	Metrics *observability.Metrics
	Flight  *flight.Group

	BaseURL string
	Timeout time.Duration

	BatchRetry retry.Config
	DailyRetry retry.Config
}

// Validate checks required fields and fills defaults.
func (c *Config) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.Metrics == nil {
		return errors.New("metrics is required")
	}
	if c.Flight == nil {
		return errors.New("flight group is required")
	}
	if c.BaseURL == "" {
		c.BaseURL = defaultBaseURL
	}
	if c.Timeout <= 0 {
		c.Timeout = 60 * time.Second
	}
	if c.BatchRetry.MaxTries == 0 {
		c.BatchRetry = retry.Default()
	}
	if c.DailyRetry.MaxTries == 0 {
		c.DailyRetry = retry.Daily()
	}
	return nil
}

// monthTable maps date string to that day's parsed snapshot.
type monthTable map[string]domain.CountrySnapshot

// Fetcher resolves a date to a CountrySnapshot.
type Fetcher struct {
	log        *slog.Logger
	metrics    *observability.Metrics
	flight     *flight.Group
	httpClient *http.Client
	baseURL    string
	batchRetry retry.Config
	dailyRetry retry.Config

	months *ttlcache.Cache[string, monthTable]
}

// NewFetcher creates a Fetcher.
func NewFetcher(cfg Config) (*Fetcher, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("countries config: %w", err)
	}
	return &Fetcher{
		log:        cfg.Logger,
		metrics:    cfg.Metrics,
		flight:     cfg.Flight,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		baseURL:    cfg.BaseURL,
		batchRetry: cfg.BatchRetry,
		dailyRetry: cfg.DailyRetry,
		months:     ttlcache.New[string, monthTable](),
	}, nil
}

// Fetch resolves client counts for one date. preferBatch selects the
// monthly batch path; runs covering fewer than BatchThreshold dates
// should pass false. The returned snapshot may be empty; a nil error
// with an empty snapshot means the upstream has no data for the date.
func (f *Fetcher) Fetch(ctx context.Context, date domain.Date, preferBatch bool) (domain.CountrySnapshot, error) {
	var snap domain.CountrySnapshot
	resolved := false

	if preferBatch {
		table, err := f.monthTableFor(ctx, date)
		if err != nil {
			f.log.Warn("monthly country batch failed, falling back to daily fetch",
				"month", date.MonthKey(), "error", err)
		} else if s, ok := table[date.String()]; ok {
			snap = s
			resolved = true
		}
	}

	if !resolved {
		s, err := f.fetchDaily(ctx, date)
		if err != nil {
			return emptySnapshot(date), err
		}
		snap = s
	}

	if snap.Empty() && f.withinLagWindow(date) {
		if sub, ok := f.searchBackward(ctx, date); ok {
			return sub, nil
		}
	}
	return snap, nil
}

// monthTableFor returns the parsed batch table covering the date's month,
// fetching it once per process.
func (f *Fetcher) monthTableFor(ctx context.Context, date domain.Date) (monthTable, error) {
	key := date.MonthKey()
	if item := f.months.Get(key); item != nil {
		f.metrics.CacheLookups.WithLabelValues("countries", "hit").Inc()
		return item.Value(), nil
	}
	f.metrics.CacheLookups.WithLabelValues("countries", "miss").Inc()

	v, err := f.flight.Do(flight.DomainCountries, key, func() (any, error) {
		if item := f.months.Get(key); item != nil {
			return item.Value(), nil
		}
		first := domain.NewDate(date.Year(), date.Month(), 1)
		last := first.AddDays(daysInMonth(date) - 1)

		table, err := retry.Do(ctx, f.batchRetry, func() (monthTable, error) {
			return f.fetchRange(ctx, first, last)
		})
		if err != nil {
			return nil, err
		}
		f.months.Set(key, table, ttlcache.NoTTL)
		f.log.Info("fetched monthly country batch", "month", key, "dates", len(table))
		return table, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(monthTable), nil
}

func (f *Fetcher) fetchDaily(ctx context.Context, date domain.Date) (domain.CountrySnapshot, error) {
	table, err := retry.Do(ctx, f.dailyRetry, func() (monthTable, error) {
		return f.fetchRange(ctx, date, date)
	})
	if err != nil {
		return emptySnapshot(date), fmt.Errorf("daily country fetch %s: %w", date, err)
	}
	if s, ok := table[date.String()]; ok {
		return s, nil
	}
	return emptySnapshot(date), nil
}

// searchBackward walks up to backwardSearchDays into the past looking for
// the nearest date with data, then relabels it with the requested date so
// the manifest key stays stable. This is an approximation for upstream
// publication lag, not silent data loss; the log line records it.
func (f *Fetcher) searchBackward(ctx context.Context, date domain.Date) (domain.CountrySnapshot, bool) {
	for i := 1; i <= backwardSearchDays; i++ {
		prior := date.AddDays(-i)
		s, err := f.fetchDaily(ctx, prior)
		if err != nil {
			f.log.Warn("backward country search fetch failed",
				"date", prior.String(), "error", err)
			continue
		}
		if !s.Empty() {
			f.log.Info("substituting nearby country data for lagging date",
				"requested", date.String(), "substituted", prior.String())
			s.Date = date.String()
			return s, true
		}
	}
	return domain.CountrySnapshot{}, false
}

func (f *Fetcher) withinLagWindow(date domain.Date) bool {
	days := domain.Today().DaysSince(date)
	return days >= 0 && days <= LagWindowDays
}

// fetchRange downloads and parses the userstats CSV for an inclusive
// date range, grouped by date.
func (f *Fetcher) fetchRange(ctx context.Context, first, last domain.Date) (monthTable, error) {
	u := fmt.Sprintf("%s%s?start=%s&end=%s", f.baseURL, csvPath, first, last)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	resp, err := f.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("userstats request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("userstats API error: status %d: %s", resp.StatusCode, body)
	}
	return parseUserstats(resp.Body)
}

// parseUserstats reads the CSV rows (date, country, users, lower, upper)
// into per-date snapshots. An empty country field is the aggregate row
// and fixes the date's authoritative total; dates without one fall back
// to the sum of their per-country counts.
func parseUserstats(r io.Reader) (monthTable, error) {
	cr := csv.NewReader(r)
	cr.Comment = '#'
	cr.FieldsPerRecord = -1

	table := make(monthTable)
	hasAggregate := make(map[string]bool)

	for {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("parse userstats csv: %w", err)
		}
		if len(rec) < 5 || rec[0] == "date" {
			continue
		}

		date := rec[0]
		snap, ok := table[date]
		if !ok {
			snap = emptySnapshotString(date)
		}

		users := parseCount(rec[2])
		if rec[1] == "" {
			snap.TotalUsers = users
			hasAggregate[date] = true
		} else {
			snap.Countries[rec[1]] = domain.CountryCount{
				Users: users,
				Lower: parseCount(rec[3]),
				Upper: parseCount(rec[4]),
			}
			if !hasAggregate[date] {
				snap.TotalUsers += users
			}
		}
		table[date] = snap
	}
	return table, nil
}

// parseCount tolerates empty and fractional cells; upstream reports
// estimates that are occasionally non-integral.
func parseCount(s string) int64 {
	if s == "" {
		return 0
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return int64(f)
}

func emptySnapshot(date domain.Date) domain.CountrySnapshot {
	return emptySnapshotString(date.String())
}

func emptySnapshotString(date string) domain.CountrySnapshot {
	return domain.CountrySnapshot{
		Date:      date,
		Countries: make(map[string]domain.CountryCount),
	}
}

func daysInMonth(d domain.Date) int {
	return time.Date(d.Year(), d.Month()+1, 0, 0, 0, 0, 0, time.UTC).Day()
}
