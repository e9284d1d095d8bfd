// Package pipeline orchestrates per-date snapshot production: source
// routing between the live roster and historical archives, country
// client counts, atomic writes, and manifest rebuilds.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alitto/pond/v2"

	"github.com/couchcryptid/relay-map-etl/internal/countries"
	"github.com/couchcryptid/relay-map-etl/internal/domain"
	"github.com/couchcryptid/relay-map-etl/internal/nodes"
	"github.com/couchcryptid/relay-map-etl/internal/observability"
	"github.com/couchcryptid/relay-map-etl/internal/store"
)

// recencyDays is the routing boundary: dates this close to today are
// served by the live roster because archives for them are incomplete.
const recencyDays = 2

// LiveSource fetches the current relay roster.
type LiveSource interface {
	FetchRelays(ctx context.Context) ([]domain.RelayObservation, error)
}

// ArchiveSource builds relay observations for a historical date.
type ArchiveSource interface {
	PrepareMonth(ctx context.Context, year int, month time.Month) error
	RelaysForDate(ctx context.Context, date domain.Date) ([]domain.RelayObservation, error)
}

// CountrySource resolves per-country client counts for a date.
type CountrySource interface {
	Fetch(ctx context.Context, date domain.Date, preferBatch bool) (domain.CountrySnapshot, error)
}

// Locator assigns coordinates to a relay and names the provider in use.
type Locator interface {
	Locate(relay *domain.RelayObservation)
	Provider() string
}

// Summary is the per-run outcome tally.
type Summary struct {
	Processed int
	Skipped   int
	Failed    int
	Failures  map[string]string // date -> reason
}

// Pipeline coordinates all per-date work for a run.
type Pipeline struct {
	log       *slog.Logger
	metrics   *observability.Metrics
	store     *store.Store
	live      LiveSource
	archive   ArchiveSource
	countries CountrySource
	geo       Locator
	parallel  int
	ready     atomic.Bool

	mu      sync.Mutex
	summary Summary
}

// New creates a Pipeline. parallel bounds how many dates are processed
// concurrently.
func New(log *slog.Logger, metrics *observability.Metrics, st *store.Store,
	live LiveSource, arch ArchiveSource, cs CountrySource, geo Locator, parallel int) *Pipeline {
	if parallel < 1 {
		parallel = 1
	}
	return &Pipeline{
		log:       log,
		metrics:   metrics,
		store:     st,
		live:      live,
		archive:   arch,
		countries: cs,
		geo:       geo,
		parallel:  parallel,
		summary:   Summary{Failures: make(map[string]string)},
	}
}

// CheckReadiness returns nil once at least one date has been fully
// produced this run.
func (p *Pipeline) CheckReadiness(_ context.Context) error {
	if !p.ready.Load() {
		return errors.New("no date has been processed yet")
	}
	return nil
}

// Progress returns the outcome tally accumulated so far this run.
func (p *Pipeline) Progress() Summary {
	return p.snapshotSummary()
}

// Run processes every date in the inclusive range, capped at today. A
// failing date never halts the others; the returned Summary carries the
// per-date outcomes. The returned error is non-nil only when the run as
// a whole could not proceed.
func (p *Pipeline) Run(ctx context.Context, first, last domain.Date) (Summary, error) {
	today := domain.Today()
	if last.After(today) {
		last = today
	}
	dates := domain.DatesBetween(first, last)
	if len(dates) == 0 {
		return p.snapshotSummary(), fmt.Errorf("no dates to process in %s:%s", first, last)
	}

	p.log.Info("run started", "first", dates[0].String(),
		"last", dates[len(dates)-1].String(), "dates", len(dates), "parallel", p.parallel)
	p.metrics.RunActive.Set(1)
	defer p.metrics.RunActive.Set(0)

	preferBatch := len(dates) >= countries.BatchThreshold

	p.prepareMonths(ctx, dates)

	pool := pond.NewPool(p.parallel)
	for _, date := range dates {
		pool.Submit(func() {
			if ctx.Err() != nil {
				return
			}
			p.processDate(ctx, date, preferBatch)
		})
	}
	pool.StopAndWait()

	s := p.snapshotSummary()
	p.log.Info("run finished", "processed", s.Processed, "skipped", s.Skipped, "failed", s.Failed)
	for date, reason := range s.Failures {
		p.log.Warn("date failed", "date", date, "reason", reason)
	}
	return s, ctx.Err()
}

// prepareMonths downloads, extracts, and parses the archives for every
// month a historical date touches, one month at a time. Decompression is
// memory-heavy, so this stays outside the bounded pool. A failed month is
// logged and skipped; its dates fail individually later.
func (p *Pipeline) prepareMonths(ctx context.Context, dates []domain.Date) {
	var historical []domain.Date
	for _, d := range dates {
		if !p.isRecent(d) && !p.fullyMaterialized(d) {
			historical = append(historical, d)
		}
	}

	for _, m := range domain.MonthsCovered(historical) {
		if ctx.Err() != nil {
			return
		}
		if err := p.archive.PrepareMonth(ctx, m.Year(), m.Month()); err != nil {
			p.log.Warn("month preparation failed", "month", m.MonthKey(), "error", err)
		}
	}
}

// processDate produces the relay and country snapshots for one date and
// rebuilds the manifest. All failures are soft and recorded per date.
func (p *Pipeline) processDate(ctx context.Context, date domain.Date, preferBatch bool) {
	if p.fullyMaterialized(date) {
		p.log.Debug("date already materialized, skipping", "date", date.String())
		p.metrics.DatesSkipped.Inc()
		p.recordSkip()
		return
	}

	relayOK := p.ensureRelaySnapshot(ctx, date)
	countryOK := p.ensureCountrySnapshot(ctx, date, preferBatch)

	if relayOK {
		if err := p.store.RebuildManifest(); err != nil {
			p.log.Error("manifest rebuild failed", "date", date.String(), "error", err)
		}
	}

	if relayOK && countryOK {
		p.metrics.DatesProcessed.Inc()
		p.recordSuccess()
		p.ready.Store(true)
		return
	}
	p.metrics.DatesFailed.Inc()
	switch {
	case !relayOK && !countryOK:
		p.recordFailure(date, "relay and country snapshots unavailable")
	case !relayOK:
		p.recordFailure(date, "relay snapshot unavailable")
	default:
		p.recordFailure(date, "country snapshot unavailable")
	}
}

// ensureRelaySnapshot writes the date's relay snapshot unless it already
// exists. Reports whether the file is on disk afterwards.
func (p *Pipeline) ensureRelaySnapshot(ctx context.Context, date domain.Date) bool {
	if p.store.HasRelaySnapshot(date) {
		return true
	}

	relays, source, err := p.fetchRelays(ctx, date)
	if err != nil {
		p.log.Warn("relay fetch failed", "date", date.String(), "error", err)
		return false
	}
	if relays == nil {
		p.log.Warn("no relay data for date", "date", date.String())
		return false
	}

	for i := range relays {
		p.geo.Locate(&relays[i])
	}
	snap := nodes.BuildSnapshot(relays, source, p.geo.Provider())

	if err := p.store.WriteRelaySnapshot(date, snap); err != nil {
		p.log.Error("relay snapshot write failed", "date", date.String(), "error", err)
		return false
	}
	p.log.Info("relay snapshot written", "date", date.String(),
		"source", source, "relays", snap.RelayCount, "nodes", len(snap.Nodes))
	return true
}

// fetchRelays routes between the live roster and the archives. Recent
// dates prefer the live roster but fall back to the archives when it is
// unreachable; older dates go straight to the archives.
func (p *Pipeline) fetchRelays(ctx context.Context, date domain.Date) ([]domain.RelayObservation, string, error) {
	if p.isRecent(date) {
		relays, err := p.live.FetchRelays(ctx)
		if err == nil {
			return relays, domain.SourceOnionoo, nil
		}
		p.log.Warn("live roster unavailable, falling back to archives",
			"date", date.String(), "error", err)
	}
	relays, err := p.archive.RelaysForDate(ctx, date)
	return relays, domain.SourceCollector, err
}

// ensureCountrySnapshot writes the date's country snapshot unless it
// already exists, substituting the previous day's stored data when the
// fetch comes back empty and a prior file exists.
func (p *Pipeline) ensureCountrySnapshot(ctx context.Context, date domain.Date, preferBatch bool) bool {
	if p.store.HasCountrySnapshot(date) {
		return true
	}

	snap, err := p.countries.Fetch(ctx, date, preferBatch)
	if err != nil {
		p.log.Warn("country fetch failed", "date", date.String(), "error", err)
		return false
	}

	if snap.Empty() {
		if prior, ok := p.priorDayCountries(date); ok {
			p.log.Info("substituting previous day's country data",
				"date", date.String(), "from", prior.Date)
			prior.Date = date.String()
			snap = prior
		}
	}

	if err := p.store.WriteCountrySnapshot(date, snap); err != nil {
		p.log.Error("country snapshot write failed", "date", date.String(), "error", err)
		return false
	}
	return true
}

func (p *Pipeline) priorDayCountries(date domain.Date) (domain.CountrySnapshot, bool) {
	prior := date.AddDays(-1)
	if !p.store.HasCountrySnapshot(prior) {
		return domain.CountrySnapshot{}, false
	}
	snap, err := p.store.ReadCountrySnapshot(prior)
	if err != nil || snap.Empty() {
		return domain.CountrySnapshot{}, false
	}
	return snap, true
}

// Backfill re-fetches stored country snapshots that are empty, for dates
// old enough that upstream publication lag can no longer explain the gap.
func (p *Pipeline) Backfill(ctx context.Context) error {
	dates, err := p.store.CountryDates()
	if err != nil {
		return fmt.Errorf("scan country snapshots: %w", err)
	}

	today := domain.Today()
	refreshed := 0
	for _, date := range dates {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if date.Before(countries.HistoricalStart) {
			continue
		}
		if today.DaysSince(date) <= countries.LagWindowDays {
			continue
		}

		existing, err := p.store.ReadCountrySnapshot(date)
		if err != nil || !existing.Empty() {
			continue
		}

		snap, err := p.countries.Fetch(ctx, date, false)
		if err != nil {
			p.log.Warn("backfill fetch failed", "date", date.String(), "error", err)
			continue
		}
		if snap.Empty() {
			continue
		}
		if err := p.store.WriteCountrySnapshot(date, snap); err != nil {
			p.log.Error("backfill write failed", "date", date.String(), "error", err)
			continue
		}
		refreshed++
	}
	p.log.Info("country backfill finished", "candidates", len(dates), "refreshed", refreshed)
	return nil
}

func (p *Pipeline) fullyMaterialized(date domain.Date) bool {
	return p.store.HasRelaySnapshot(date) && p.store.HasCountrySnapshot(date)
}

func (p *Pipeline) isRecent(date domain.Date) bool {
	return domain.Today().DaysSince(date) < recencyDays
}

func (p *Pipeline) recordSuccess() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.summary.Processed++
}

func (p *Pipeline) recordSkip() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.summary.Skipped++
}

func (p *Pipeline) recordFailure(date domain.Date, reason string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.summary.Failed++
	p.summary.Failures[date.String()] = reason
}

func (p *Pipeline) snapshotSummary() Summary {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := Summary{
		Processed: p.summary.Processed,
		Skipped:   p.summary.Skipped,
		Failed:    p.summary.Failed,
		Failures:  make(map[string]string, len(p.summary.Failures)),
	}
	for k, v := range p.summary.Failures {
		s.Failures[k] = v
	}
	return s
}
