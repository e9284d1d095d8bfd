package onionoo

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/couchcryptid/relay-map-etl/internal/domain"
)

func testClient(baseURL string) *Client {
	return NewClient(baseURL, 5*time.Second,
		slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestClient_FetchRelays_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/details", r.URL.Path)
		assert.Equal(t, "relay", r.URL.Query().Get("type"))

		resp := detailsResponse{
			RelaysPublished: "2026-08-30 12:00:00",
			Relays: []detailRelay{
				{
					Nickname:          "alpha",
					Fingerprint:       "9695dfc35ffeb861329b9f1ab04c46397020ce31",
					ORAddresses:       []string{"[2001:db8::1]:9001", "198.51.100.7:9001"},
					Country:           "DE",
					Flags:             []string{"Fast", "Running"},
					ObservedBandwidth: 123456,
				},
				{
					Nickname:    "beta",
					Fingerprint: "lpXfw1/+uGEym58asExGOXAgzjE",
					ORAddresses: []string{"203.0.113.9:443"},
					Country:     "se",
				},
			},
		}
		w.Header().Set("Content-Type", "application/json")
		require.NoError(t, json.NewEncoder(w).Encode(resp))
	}))
	defer srv.Close()

	relays, err := testClient(srv.URL).FetchRelays(context.Background())
	require.NoError(t, err)
	require.Len(t, relays, 2)

	assert.Equal(t, "9695DFC35FFEB861329B9F1AB04C46397020CE31", relays[0].Fingerprint)
	assert.Equal(t, "198.51.100.7:9001", relays[0].Addr, "IPv6 or_addresses skipped")
	assert.Equal(t, "de", relays[0].Country)
	assert.Equal(t, int64(123456), relays[0].Bandwidth)

	assert.Equal(t, "9695DFC35FFEB861329B9F1AB04C46397020CE31", relays[1].Fingerprint,
		"base64 fingerprints are normalized")
}

func TestClient_FetchRelays_BogusBandwidthZeroed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		resp := detailsResponse{
			Relays: []detailRelay{{
				Nickname:          "liar",
				Fingerprint:       "9695DFC35FFEB861329B9F1AB04C46397020CE31",
				ORAddresses:       []string{"198.51.100.7:9001"},
				ObservedBandwidth: domain.BogusBandwidth,
			}},
		}
		require.NoError(t, json.NewEncoder(w).Encode(resp))
	}))
	defer srv.Close()

	relays, err := testClient(srv.URL).FetchRelays(context.Background())
	require.NoError(t, err)
	require.Len(t, relays, 1)
	assert.Zero(t, relays[0].Bandwidth)
}

func TestClient_FetchRelays_BadFingerprintSkipped(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		resp := detailsResponse{
			Relays: []detailRelay{
				{Nickname: "broken", Fingerprint: "not-a-fingerprint"},
				{Nickname: "fine", Fingerprint: "9695DFC35FFEB861329B9F1AB04C46397020CE31"},
			},
		}
		require.NoError(t, json.NewEncoder(w).Encode(resp))
	}))
	defer srv.Close()

	relays, err := testClient(srv.URL).FetchRelays(context.Background())
	require.NoError(t, err)
	require.Len(t, relays, 1)
	assert.Equal(t, "fine", relays[0].Nickname)
}

func TestClient_FetchRelays_APIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("overloaded"))
	}))
	defer srv.Close()

	_, err := testClient(srv.URL).FetchRelays(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "503")
}

func TestClient_FetchRelays_Timeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, 50*time.Millisecond,
		slog.New(slog.NewTextHandler(io.Discard, nil)))
	_, err := c.FetchRelays(context.Background())
	require.Error(t, err)
}
