package store

import (
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/couchcryptid/relay-map-etl/internal/domain"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(t.TempDir(), slog.New(slog.DiscardHandler))
	require.NoError(t, err)
	return s
}

func TestWriteAndReadSnapshots(t *testing.T) {
	s := newTestStore(t)
	date := domain.NewDate(2024, time.March, 5)

	assert.False(t, s.HasRelaySnapshot(date))
	assert.False(t, s.HasCountrySnapshot(date))

	relay := &domain.DailyRelaySnapshot{Source: domain.SourceCollector, TotalBandwidth: 1234, RelayCount: 2}
	require.NoError(t, s.WriteRelaySnapshot(date, relay))

	country := domain.CountrySnapshot{
		Date:       date.String(),
		TotalUsers: 100,
		Countries:  map[string]domain.CountryCount{"de": {Users: 60, Lower: 50, Upper: 70}},
	}
	require.NoError(t, s.WriteCountrySnapshot(date, country))

	assert.True(t, s.HasRelaySnapshot(date))
	assert.True(t, s.HasCountrySnapshot(date))

	gotRelay, err := s.ReadRelaySnapshot(date)
	require.NoError(t, err)
	assert.Equal(t, int64(1234), gotRelay.TotalBandwidth)

	gotCountry, err := s.ReadCountrySnapshot(date)
	require.NoError(t, err)
	assert.Equal(t, country, gotCountry)
}

func TestRebuildManifest(t *testing.T) {
	s := newTestStore(t)

	// Written out of order; manifest must come out ascending.
	for _, tc := range []struct {
		date string
		bw   int64
	}{
		{"2024-03-07", 300},
		{"2024-03-05", 100},
		{"2024-03-06", 200},
	} {
		d, err := domain.ParseDate(tc.date)
		require.NoError(t, err)
		require.NoError(t, s.WriteRelaySnapshot(d, &domain.DailyRelaySnapshot{TotalBandwidth: tc.bw}))
	}

	// A stray file must not end up in the manifest.
	require.NoError(t, os.WriteFile(filepath.Join(s.Dir(), "relays-notadate.json"), []byte("{}"), 0o644))

	require.NoError(t, s.RebuildManifest())

	var manifest domain.DateManifest
	data, err := os.ReadFile(filepath.Join(s.Dir(), ManifestName))
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, &manifest))

	assert.Equal(t, []string{"2024-03-05", "2024-03-06", "2024-03-07"}, manifest.Dates)
	assert.Equal(t, []int64{100, 200, 300}, manifest.TotalBandwidth)
}

func TestManifestRewriteLeavesNoPartialFile(t *testing.T) {
	s := newTestStore(t)
	d := domain.NewDate(2024, time.March, 5)
	require.NoError(t, s.WriteRelaySnapshot(d, &domain.DailyRelaySnapshot{TotalBandwidth: 7}))

	// Repeated rewrites must always leave a complete, parseable manifest
	// and no leftover temp files.
	for i := 0; i < 10; i++ {
		require.NoError(t, s.RebuildManifest())

		data, err := os.ReadFile(filepath.Join(s.Dir(), ManifestName))
		require.NoError(t, err)
		require.NotEmpty(t, data)
		var manifest domain.DateManifest
		require.NoError(t, json.Unmarshal(data, &manifest))
	}

	entries, err := os.ReadDir(s.Dir())
	require.NoError(t, err)
	for _, e := range entries {
		assert.False(t, strings.Contains(e.Name(), ".tmp-"), "leftover temp file %s", e.Name())
	}
}

func TestCountryDates(t *testing.T) {
	s := newTestStore(t)
	for _, date := range []string{"2024-03-07", "2024-03-05"} {
		d, err := domain.ParseDate(date)
		require.NoError(t, err)
		require.NoError(t, s.WriteCountrySnapshot(d, domain.CountrySnapshot{Date: date}))
	}

	dates, err := s.CountryDates()
	require.NoError(t, err)
	require.Len(t, dates, 2)
	assert.Equal(t, "2024-03-05", dates[0].String())
	assert.Equal(t, "2024-03-07", dates[1].String())
}
