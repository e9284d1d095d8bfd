package archive

import (
	"archive/tar"
	"bytes"
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/couchcryptid/relay-map-etl/internal/flight"
	"github.com/couchcryptid/relay-map-etl/internal/observability"
	"github.com/couchcryptid/relay-map-etl/internal/retry"
)

type tarEntry struct {
	name string
	body string
}

// buildTarGz assembles a small .tar.gz archive in memory. Tests use the
// gzip suffix so fixtures stay dependency-free; the production default is
// .tar.xz and only the decompressor differs.
func buildTarGz(t *testing.T, entries []tarEntry) []byte {
	t.Helper()
	var buf bytes.Buffer
	gw := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gw)
	for _, e := range entries {
		require.NoError(t, tw.WriteHeader(&tar.Header{
			Name:     e.name,
			Typeflag: tar.TypeReg,
			Mode:     0o644,
			Size:     int64(len(e.body)),
		}))
		_, err := tw.Write([]byte(e.body))
		require.NoError(t, err)
	}
	require.NoError(t, tw.Close())
	require.NoError(t, gw.Close())
	return buf.Bytes()
}

type fixtureServer struct {
	*httptest.Server
	requests atomic.Int32
	payload  []byte
}

func newFixtureServer(payload []byte) *fixtureServer {
	fs := &fixtureServer{payload: payload}
	fs.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fs.requests.Add(1)
		w.Write(fs.payload)
	}))
	return fs
}

func newTestCache(t *testing.T, baseURL string) *Cache {
	t.Helper()
	c, err := New(&Config{
		Logger:         slog.New(slog.DiscardHandler),
		Metrics:        observability.NewMetricsForTesting(),
		Flight:         flight.New(),
		Dir:            t.TempDir(),
		BaseURL:        baseURL,
		Suffix:         ".tar.gz",
		MinArchiveSize: 16,
		StallTimeout:   5 * time.Second,
		Retry:          retry.Config{MaxTries: 3, InitialInterval: time.Millisecond},
	})
	require.NoError(t, err)
	return c
}

func TestEnsureDownloadsOnceAndCaches(t *testing.T) {
	payload := buildTarGz(t, []tarEntry{{name: "consensuses-2024-03/05/file", body: "hello consensus"}})
	srv := newFixtureServer(payload)
	defer srv.Close()

	c := newTestCache(t, srv.URL)
	ctx := context.Background()

	path, err := c.Ensure(ctx, KindConsensus, 2024, time.March)
	require.NoError(t, err)
	assert.FileExists(t, path)
	assert.Equal(t, int32(1), srv.requests.Load())

	// Second call must be served from the verified local cache.
	again, err := c.Ensure(ctx, KindConsensus, 2024, time.March)
	require.NoError(t, err)
	assert.Equal(t, path, again)
	assert.Equal(t, int32(1), srv.requests.Load())
}

func TestEnsureRedownloadsCorruptArchive(t *testing.T) {
	payload := buildTarGz(t, []tarEntry{{name: "a", body: "content that makes the archive plausibly sized"}})
	srv := newFixtureServer(payload)
	defer srv.Close()

	c := newTestCache(t, srv.URL)
	ctx := context.Background()

	path, err := c.Ensure(ctx, KindConsensus, 2024, time.March)
	require.NoError(t, err)

	// Corrupt the cached file while keeping it above the size floor.
	garbage := bytes.Repeat([]byte{0xde, 0xad}, 64)
	require.NoError(t, os.WriteFile(path, garbage, 0o644))

	_, err = c.Ensure(ctx, KindConsensus, 2024, time.March)
	require.NoError(t, err)
	assert.Equal(t, int32(2), srv.requests.Load())

	// The re-downloaded file must verify again.
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, payload, data)
}

func TestEnsureRejectsBadInputs(t *testing.T) {
	c := newTestCache(t, "http://unused.invalid")
	ctx := context.Background()

	_, err := c.Ensure(ctx, Kind("../../etc"), 2024, time.March)
	assert.Error(t, err)

	_, err = c.Ensure(ctx, KindConsensus, 1789, time.March)
	assert.Error(t, err)

	_, err = c.Ensure(ctx, KindConsensus, 2024, time.Month(13))
	assert.Error(t, err)
}

func TestEnsureFailsSoftAfterRetries(t *testing.T) {
	var requests atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		http.Error(w, "gone", http.StatusNotFound)
	}))
	defer srv.Close()

	c := newTestCache(t, srv.URL)
	path, err := c.Ensure(context.Background(), KindDescriptors, 2024, time.March)
	assert.Error(t, err)
	assert.Empty(t, path)
	assert.Equal(t, int32(3), requests.Load())
}

func TestDownloadStallDetection(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("partial"))
		w.(http.Flusher).Flush()
		<-r.Context().Done()
	}))
	defer srv.Close()

	c, err := New(&Config{
		Logger:         slog.New(slog.DiscardHandler),
		Metrics:        observability.NewMetricsForTesting(),
		Flight:         flight.New(),
		Dir:            t.TempDir(),
		BaseURL:        srv.URL,
		Suffix:         ".tar.gz",
		MinArchiveSize: 16,
		StallTimeout:   50 * time.Millisecond,
		Retry:          retry.Config{MaxTries: 1, InitialInterval: time.Millisecond},
	})
	require.NoError(t, err)

	start := time.Now()
	_, err = c.Ensure(context.Background(), KindConsensus, 2024, time.March)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "stalled")
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestEnsureExtractedIsIdempotent(t *testing.T) {
	payload := buildTarGz(t, []tarEntry{
		{name: "consensuses-2024-03/05/2024-03-05-02-00-00-consensus", body: "snapshot A"},
		{name: "consensuses-2024-03/05/2024-03-05-05-00-00-consensus", body: "snapshot B"},
	})
	srv := newFixtureServer(payload)
	defer srv.Close()

	c := newTestCache(t, srv.URL)
	ctx := context.Background()

	dir, err := c.EnsureExtracted(ctx, 2024, time.March)
	require.NoError(t, err)
	assert.FileExists(t, filepath.Join(dir, "consensuses-2024-03", "05", "2024-03-05-02-00-00-consensus"))

	// Re-extraction must be skipped entirely.
	again, err := c.EnsureExtracted(ctx, 2024, time.March)
	require.NoError(t, err)
	assert.Equal(t, dir, again)
	assert.Equal(t, int32(1), srv.requests.Load())
}

func TestExtractSkipsTraversalEntries(t *testing.T) {
	payload := buildTarGz(t, []tarEntry{
		{name: "../evil", body: "outside"},
		{name: "consensuses-2024-03/ok", body: "inside the tree"},
	})
	srv := newFixtureServer(payload)
	defer srv.Close()

	c := newTestCache(t, srv.URL)
	dir, err := c.EnsureExtracted(context.Background(), 2024, time.March)
	require.NoError(t, err)

	assert.FileExists(t, filepath.Join(dir, "consensuses-2024-03", "ok"))
	assert.NoFileExists(t, filepath.Join(filepath.Dir(dir), "evil"))
}

func TestSafeEntryName(t *testing.T) {
	tests := []struct {
		name string
		in   string
		ok   bool
	}{
		{"plain", "a/b/c", true},
		{"dot segments collapsed", "a/./b", true},
		{"empty", "", false},
		{"absolute", "/etc/passwd", false},
		{"parent escape", "../evil", false},
		{"nested parent escape", "a/../../evil", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, ok := safeEntryName(tt.in)
			assert.Equal(t, tt.ok, ok)
		})
	}
}
