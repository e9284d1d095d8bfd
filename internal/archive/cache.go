package archive

import (
	"archive/tar"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/couchcryptid/relay-map-etl/internal/flight"
	"github.com/couchcryptid/relay-map-etl/internal/retry"
)

// Ensure returns the local path of the monthly archive, downloading and
// verifying it if needed. An error means the month is unavailable; callers
// treat that as a soft failure, not a reason to stop the run.
func (c *Cache) Ensure(ctx context.Context, kind Kind, year int, month time.Month) (string, error) {
	name, err := c.archiveName(kind, year, month)
	if err != nil {
		return "", err
	}
	path := filepath.Join(c.cfg.Dir, name)

	v, err := c.cfg.Flight.Do(flight.DomainDownload, name, func() (any, error) {
		if c.cachedArchiveUsable(path) {
			c.cfg.Metrics.CacheLookups.WithLabelValues("archive", "hit").Inc()
			return path, nil
		}
		c.cfg.Metrics.CacheLookups.WithLabelValues("archive", "miss").Inc()

		url := fmt.Sprintf("%s/relay-descriptors/%s/%s", c.cfg.BaseURL, kind, name)
		_, err := retry.Do(ctx, c.cfg.Retry, func() (struct{}, error) {
			if err := c.download(ctx, url, path); err != nil {
				c.cfg.Metrics.ArchiveDownloads.WithLabelValues(string(kind), "error").Inc()
				return struct{}{}, err
			}
			if err := c.verify(path); err != nil {
				c.cfg.Metrics.ArchiveDownloads.WithLabelValues(string(kind), "corrupt").Inc()
				os.Remove(path)
				return struct{}{}, fmt.Errorf("verify %s: %w", name, err)
			}
			c.cfg.Metrics.ArchiveDownloads.WithLabelValues(string(kind), "ok").Inc()
			return struct{}{}, nil
		})
		if err != nil {
			return "", fmt.Errorf("archive %s unavailable: %w", name, err)
		}
		return path, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// cachedArchiveUsable checks a previously downloaded archive: plausible
// size first, then a full integrity pass. A corrupt file is deleted so the
// caller re-downloads it.
func (c *Cache) cachedArchiveUsable(path string) bool {
	info, err := os.Stat(path)
	if err != nil || info.Size() < c.cfg.MinArchiveSize {
		return false
	}
	if err := c.verify(path); err != nil {
		c.log.Warn("cached archive failed verification, re-downloading",
			"archive", filepath.Base(path), "error", err)
		os.Remove(path)
		return false
	}
	return true
}

// verify walks the archive's full decompressed tar stream. A lossless
// decode of every entry is the strongest corruption check available
// without checksums from the upstream. Unknown suffixes fall back to a
// plain tar listing.
func (c *Cache) verify(path string) error {
	rc, err := openCompressed(path, c.cfg.Threads)
	if err != nil {
		return err
	}
	defer rc.Close()

	tr := tar.NewReader(rc)
	entries := 0
	for {
		_, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("tar entry %d: %w", entries, err)
		}
		if _, err := io.Copy(io.Discard, tr); err != nil {
			return fmt.Errorf("tar entry %d body: %w", entries, err)
		}
		entries++
	}
	if entries == 0 {
		return errors.New("archive contains no entries")
	}
	return nil
}

// download fetches url into path via a temp file and atomic rename, with a
// stall watchdog that cancels the transfer when no bytes arrive within
// StallTimeout.
func (c *Cache) download(ctx context.Context, url, path string) error {
	dlCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	req, err := http.NewRequestWithContext(dlCtx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("download %s: %w", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("download %s: status %d", url, resp.StatusCode)
	}

	watchdog := newStallWatchdog(resp.Body, c.cfg.StallTimeout, cancel)
	defer watchdog.Stop()

	tmp, err := os.CreateTemp(c.cfg.Dir, filepath.Base(path)+".part-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()

	n, err := io.Copy(tmp, watchdog)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(tmpName)
		if watchdog.Stalled() {
			return fmt.Errorf("download %s: stalled, no data for %s", url, c.cfg.StallTimeout)
		}
		return fmt.Errorf("download %s: %w", url, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename into place: %w", err)
	}

	c.cfg.Metrics.ArchiveBytes.Observe(float64(n))
	c.log.Info("archive downloaded", "archive", filepath.Base(path), "bytes", n)
	return nil
}

// stallWatchdog wraps a reader and cancels the transfer when Read makes no
// progress for the stall interval. It is independent of the connection
// timeout: a stalled transfer has already connected.
type stallWatchdog struct {
	r       io.Reader
	timer   *time.Timer
	stall   time.Duration
	mu      sync.Mutex
	stalled bool
}

func newStallWatchdog(r io.Reader, stall time.Duration, cancel context.CancelFunc) *stallWatchdog {
	w := &stallWatchdog{r: r, stall: stall}
	w.timer = time.AfterFunc(stall, func() {
		w.mu.Lock()
		w.stalled = true
		w.mu.Unlock()
		cancel()
	})
	return w
}

func (w *stallWatchdog) Read(p []byte) (int, error) {
	n, err := w.r.Read(p)
	if n > 0 {
		w.timer.Reset(w.stall)
	}
	return n, err
}

func (w *stallWatchdog) Stop() { w.timer.Stop() }

func (w *stallWatchdog) Stalled() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.stalled
}

// LocalPath returns where the archive would live in the cache without
// downloading it. Used for side-cache freshness checks.
func (c *Cache) LocalPath(kind Kind, year int, month time.Month) (string, error) {
	name, err := c.archiveName(kind, year, month)
	if err != nil {
		return "", err
	}
	return filepath.Join(c.cfg.Dir, name), nil
}

// Open returns the decompressed stream of an archive previously returned
// by Ensure.
func (c *Cache) Open(path string) (io.ReadCloser, error) {
	return openCompressed(path, c.cfg.Threads)
}

func ensureDir(dir string) error {
	return os.MkdirAll(dir, 0o755)
}
