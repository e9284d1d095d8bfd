package nodes

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/couchcryptid/relay-map-etl/internal/domain"
)

func located(nick string, lat, lng float64, bw int64, flags ...string) domain.RelayObservation {
	return domain.RelayObservation{
		Fingerprint: "0000000000000000000000000000000000000000",
		Nickname:    nick,
		Lat:         lat,
		Lng:         lng,
		Bandwidth:   bw,
		Flags:       flags,
		GeoSource:   domain.GeoProviderMaxMind,
	}
}

func TestAggregateBucketsByRoundedCoordinates(t *testing.T) {
	relays := []domain.RelayObservation{
		// Both round to (52.52, 13.40): one cluster.
		located("a", 52.5211, 13.4040, 100),
		located("b", 52.5189, 13.3959, 300),
		// Different bucket.
		located("c", 48.86, 2.35, 50),
	}

	out := Aggregate(relays)
	require.Len(t, out, 2)

	berlin := out[0]
	assert.Equal(t, int64(400), berlin.Bandwidth)
	require.Len(t, berlin.Relays, 2)
	assert.Equal(t, "b", berlin.Relays[0].Nickname, "relays sorted bandwidth-descending within node")
	assert.Equal(t, "b +1", berlin.Label)

	assert.Equal(t, int64(50), out[1].Bandwidth, "nodes sorted bandwidth-descending")
}

func TestAggregateWeightsSumToOne(t *testing.T) {
	relays := []domain.RelayObservation{
		located("a", 52.52, 13.40, 123),
		located("b", 48.86, 2.35, 456),
		located("c", 40.71, -74.01, 789),
		located("d", 40.71, -74.01, 11),
	}

	out := Aggregate(relays)
	var sum float64
	for _, n := range out {
		sum += n.Weight
	}
	assert.InDelta(t, 1.0, sum, 1e-9)
}

func TestAggregateZeroTotalBandwidth(t *testing.T) {
	relays := []domain.RelayObservation{
		located("a", 52.52, 13.40, 0),
		located("b", 48.86, 2.35, 0),
	}

	for _, n := range Aggregate(relays) {
		assert.Zero(t, n.Weight)
	}
}

func TestAggregateSkipsUnlocatedRelays(t *testing.T) {
	relays := []domain.RelayObservation{
		located("a", 52.52, 13.40, 100),
		{Nickname: "nowhere", Bandwidth: 999},
	}

	out := Aggregate(relays)
	require.Len(t, out, 1)
	assert.Equal(t, int64(100), out[0].Bandwidth)
}

func TestAggregateDirFlag(t *testing.T) {
	withDir := Aggregate([]domain.RelayObservation{located("a", 1, 1, 10, "Fast", "V2Dir")})
	require.Len(t, withDir, 1)
	assert.True(t, withDir[0].HasDirFlag)

	withoutDir := Aggregate([]domain.RelayObservation{located("b", 1, 1, 10, "Fast")})
	require.Len(t, withoutDir, 1)
	assert.False(t, withoutDir[0].HasDirFlag)
}

func TestProjectNormalizedBounds(t *testing.T) {
	tests := []struct {
		name     string
		lat, lng float64
	}{
		{"equator prime meridian", 0, 0},
		{"north east", 60, 120},
		{"south west", -45, -90},
		{"polar clamp", 89.9, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			x, y := project(tt.lat, tt.lng)
			assert.GreaterOrEqual(t, x, 0.0)
			assert.LessOrEqual(t, x, 1.0)
			assert.GreaterOrEqual(t, y, 0.0)
			assert.LessOrEqual(t, y, 1.0)
		})
	}

	x, y := project(0, 0)
	assert.InDelta(t, 0.5, x, 1e-9)
	assert.InDelta(t, 0.5, y, 1e-9)
}

func TestBuildSnapshotTotals(t *testing.T) {
	relays := []domain.RelayObservation{
		located("a", 52.52, 13.40, 300),
		located("b", 48.86, 2.35, 100),
		{Nickname: "unplaced", Bandwidth: 50},
	}

	snap := BuildSnapshot(relays, domain.SourceCollector, domain.GeoProviderMaxMind)

	assert.Equal(t, domain.SourceCollector, snap.Source)
	assert.Equal(t, domain.GeoProviderMaxMind, snap.GeoProvider)
	assert.Equal(t, 3, snap.RelayCount)
	assert.Equal(t, 2, snap.GeolocatedCount)
	assert.Equal(t, int64(400), snap.TotalBandwidth)
	assert.Equal(t, int64(300), snap.MaxNodeBandwidth)
	assert.Equal(t, int64(100), snap.MinNodeBandwidth)
	assert.False(t, snap.GeneratedAt.IsZero())
}
