package geo

import (
	"log/slog"
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/couchcryptid/relay-map-etl/internal/domain"
	"github.com/couchcryptid/relay-map-etl/internal/observability"
)

func newTestResolver(t *testing.T, dbPath string) *Resolver {
	t.Helper()
	return NewResolver(
		slog.New(slog.DiscardHandler),
		observability.NewMetricsForTesting(),
		dbPath,
		rand.New(rand.NewSource(1)),
	)
}

func TestProviderDegradesWithoutDatabase(t *testing.T) {
	t.Run("no path configured", func(t *testing.T) {
		r := newTestResolver(t, "")
		assert.Equal(t, domain.GeoProviderCentroid, r.Provider())
	})

	t.Run("missing file is a soft failure", func(t *testing.T) {
		r := newTestResolver(t, "/nonexistent/GeoLite2-City.mmdb")
		assert.Equal(t, domain.GeoProviderCentroid, r.Provider())

		_, _, ok := r.Resolve("198.51.100.7")
		assert.False(t, ok)
	})
}

func TestCountryCentroidJitterBounds(t *testing.T) {
	r := newTestResolver(t, "")
	base := countryCentroids["DE"]

	for i := 0; i < 100; i++ {
		lat, lng, ok := r.CountryCentroid("de")
		require.True(t, ok)
		assert.LessOrEqual(t, math.Abs(lat-base[0]), centroidJitterDegrees)
		assert.LessOrEqual(t, math.Abs(lng-base[1]), centroidJitterDegrees)
	}
}

func TestCountryCentroidSpreadsRelays(t *testing.T) {
	r := newTestResolver(t, "")

	lat1, lng1, ok := r.CountryCentroid("US")
	require.True(t, ok)
	lat2, lng2, ok := r.CountryCentroid("US")
	require.True(t, ok)

	assert.False(t, lat1 == lat2 && lng1 == lng2, "two relays in one country must not overlap exactly")
}

func TestCountryCentroidUnknownCode(t *testing.T) {
	r := newTestResolver(t, "")
	_, _, ok := r.CountryCentroid("XX")
	assert.False(t, ok)
}

func TestLocateFallsBackToCentroid(t *testing.T) {
	r := newTestResolver(t, "")

	relay := domain.RelayObservation{Addr: "198.51.100.7:9001", Country: "se"}
	r.Locate(&relay)

	assert.Equal(t, domain.GeoProviderCentroid, relay.GeoSource)
	base := countryCentroids["SE"]
	assert.InDelta(t, base[0], relay.Lat, centroidJitterDegrees)
	assert.InDelta(t, base[1], relay.Lng, centroidJitterDegrees)
}

func TestLocateLeavesUnplaceableRelayAlone(t *testing.T) {
	r := newTestResolver(t, "")

	relay := domain.RelayObservation{Addr: "198.51.100.7:9001"}
	r.Locate(&relay)

	assert.False(t, relay.Located())
	assert.Zero(t, relay.Lat)
	assert.Zero(t, relay.Lng)
}
