package archive

import (
	"archive/tar"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/couchcryptid/relay-map-etl/internal/flight"
)

// EnsureExtracted extracts the entire month's consensus archive once and
// returns the extraction directory. Decompressing the whole stream is the
// dominant cost, so extraction is per month, never per day. Idempotent: a
// previous run's non-empty output directory is reused as-is.
func (c *Cache) EnsureExtracted(ctx context.Context, year int, month time.Month) (string, error) {
	key := fmt.Sprintf("%s-%04d-%02d", KindConsensus, year, int(month))
	destDir := filepath.Join(c.cfg.Dir, "extracted", key)

	v, err := c.cfg.Flight.Do(flight.DomainExtract, key, func() (any, error) {
		if dirHasEntries(destDir) {
			c.cfg.Metrics.CacheLookups.WithLabelValues("extract", "hit").Inc()
			return destDir, nil
		}
		c.cfg.Metrics.CacheLookups.WithLabelValues("extract", "miss").Inc()

		archivePath, err := c.Ensure(ctx, KindConsensus, year, month)
		if err != nil {
			return "", err
		}

		if err := c.extractTo(archivePath, destDir); err != nil {
			return "", fmt.Errorf("extract %s: %w", key, err)
		}
		return destDir, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// extractTo unpacks the archive into destDir via a partial directory and a
// final rename, removing the partial output on any failure.
func (c *Cache) extractTo(archivePath, destDir string) error {
	partial := destDir + ".partial"
	if err := os.RemoveAll(partial); err != nil {
		return fmt.Errorf("clear partial dir: %w", err)
	}
	if err := os.MkdirAll(partial, 0o755); err != nil {
		return fmt.Errorf("create partial dir: %w", err)
	}

	if err := c.unpack(archivePath, partial); err != nil {
		os.RemoveAll(partial)
		return err
	}

	if err := os.RemoveAll(destDir); err != nil {
		os.RemoveAll(partial)
		return fmt.Errorf("clear dest dir: %w", err)
	}
	if err := os.Rename(partial, destDir); err != nil {
		os.RemoveAll(partial)
		return fmt.Errorf("rename extraction into place: %w", err)
	}
	c.log.Info("archive extracted", "archive", filepath.Base(archivePath), "dir", destDir)
	return nil
}

func (c *Cache) unpack(archivePath, dir string) error {
	rc, err := openCompressed(archivePath, c.cfg.Threads)
	if err != nil {
		return err
	}
	defer rc.Close()

	tr := tar.NewReader(rc)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read tar: %w", err)
		}

		rel, ok := safeEntryName(hdr.Name)
		if !ok {
			c.log.Warn("skipping unsafe archive entry", "entry", hdr.Name)
			continue
		}
		target := filepath.Join(dir, rel)

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return fmt.Errorf("create dir %s: %w", rel, err)
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return fmt.Errorf("create parent of %s: %w", rel, err)
			}
			if err := writeEntry(target, tr); err != nil {
				return fmt.Errorf("write %s: %w", rel, err)
			}
		default:
			// Symlinks and specials never appear in CollecTor archives;
			// refuse them rather than follow them.
			c.log.Warn("skipping non-regular archive entry", "entry", hdr.Name)
		}
	}
}

// safeEntryName validates a tar entry name against path traversal.
// Rejected names are skipped; they never reach the filesystem.
func safeEntryName(name string) (string, bool) {
	if name == "" || filepath.IsAbs(name) {
		return "", false
	}
	clean := filepath.Clean(name)
	if clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", false
	}
	return clean, true
}

func writeEntry(target string, r io.Reader) error {
	f, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	_, err = io.Copy(f, r)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	return err
}

func dirHasEntries(dir string) bool {
	entries, err := os.ReadDir(dir)
	return err == nil && len(entries) > 0
}
