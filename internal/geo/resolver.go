// Package geo resolves relay IPs to coordinates.
//
// When a local MaxMind database is configured and loads, lookups are
// city-precision. Otherwise, or when a lookup misses, the caller falls
// back to the relay's reported country centroid perturbed by ±1° of
// jitter, so relays in the same country do not collapse into one point.
// Database load failure is a soft degradation for the whole run, recorded
// in snapshot metadata as the provider name.
package geo

import (
	"log/slog"
	"math/rand"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/oschwald/geoip2-golang"

	"github.com/couchcryptid/relay-map-etl/internal/domain"
	"github.com/couchcryptid/relay-map-etl/internal/observability"
)

const centroidJitterDegrees = 1.0

// Resolver resolves IPs via an optional GeoIP database with a
// country-centroid fallback.
type Resolver struct {
	log     *slog.Logger
	metrics *observability.Metrics
	db      *geoip2.Reader

	// rnd drives centroid jitter; guarded because date tasks resolve
	// concurrently and rand.Rand is not goroutine safe.
	mu  sync.Mutex
	rnd *rand.Rand
}

// NewResolver opens the database at dbPath when non-empty. Any load
// failure logs a warning and degrades to country-centroid mode for the
// entire run. Pass a seeded rnd for deterministic jitter in tests; nil
// gets a time-seeded source.
func NewResolver(log *slog.Logger, metrics *observability.Metrics, dbPath string, rnd *rand.Rand) *Resolver {
	if rnd == nil {
		rnd = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	r := &Resolver{log: log, metrics: metrics, rnd: rnd}

	if dbPath == "" {
		log.Info("no geoip database configured, using country centroids")
		return r
	}
	db, err := geoip2.Open(dbPath)
	if err != nil {
		log.Warn("failed to load geoip database, using country centroids", "path", dbPath, "error", err)
		return r
	}
	log.Info("geoip database loaded", "path", dbPath)
	r.db = db
	return r
}

// Provider names the location precision in effect for this run.
func (r *Resolver) Provider() string {
	if r.db != nil {
		return domain.GeoProviderMaxMind
	}
	return domain.GeoProviderCentroid
}

// Close releases the database, if one was loaded.
func (r *Resolver) Close() {
	if r.db != nil {
		r.db.Close()
	}
}

// Resolve looks the IP up in the database. Always misses when no database
// is loaded.
func (r *Resolver) Resolve(ipStr string) (lat, lng float64, ok bool) {
	if r.db == nil {
		return 0, 0, false
	}
	ip := net.ParseIP(ipStr)
	if ip == nil {
		return 0, 0, false
	}
	rec, err := r.db.City(ip)
	if err != nil {
		r.log.Debug("geoip lookup failed", "ip", ipStr, "error", err)
		r.metrics.GeoLookups.WithLabelValues(domain.GeoProviderMaxMind, "miss").Inc()
		return 0, 0, false
	}
	if rec.Location.Latitude == 0 && rec.Location.Longitude == 0 {
		r.metrics.GeoLookups.WithLabelValues(domain.GeoProviderMaxMind, "miss").Inc()
		return 0, 0, false
	}
	r.metrics.GeoLookups.WithLabelValues(domain.GeoProviderMaxMind, "ok").Inc()
	return rec.Location.Latitude, rec.Location.Longitude, true
}

// CountryCentroid returns the jittered centroid for a 2-letter country
// code, or ok=false for unknown codes.
func (r *Resolver) CountryCentroid(cc string) (lat, lng float64, ok bool) {
	c, found := countryCentroids[strings.ToUpper(cc)]
	if !found {
		r.metrics.GeoLookups.WithLabelValues(domain.GeoProviderCentroid, "miss").Inc()
		return 0, 0, false
	}
	r.mu.Lock()
	jlat := (r.rnd.Float64()*2 - 1) * centroidJitterDegrees
	jlng := (r.rnd.Float64()*2 - 1) * centroidJitterDegrees
	r.mu.Unlock()
	r.metrics.GeoLookups.WithLabelValues(domain.GeoProviderCentroid, "ok").Inc()
	return c[0] + jlat, c[1] + jlng, true
}

// Locate fills a relay's coordinates: database first, country centroid on
// miss. Relays with neither stay unlocated and are excluded from node
// aggregation.
func (r *Resolver) Locate(relay *domain.RelayObservation) {
	host := relay.Addr
	if h, _, err := net.SplitHostPort(relay.Addr); err == nil {
		host = h
	}
	if lat, lng, ok := r.Resolve(host); ok {
		relay.Lat, relay.Lng = lat, lng
		relay.GeoSource = domain.GeoProviderMaxMind
		return
	}
	if relay.Country == "" {
		return
	}
	if lat, lng, ok := r.CountryCentroid(relay.Country); ok {
		relay.Lat, relay.Lng = lat, lng
		relay.GeoSource = domain.GeoProviderCentroid
	}
}
