// Package store persists snapshot files and the date manifest.
//
// Every file is written via a temp-file-then-rename pattern so a
// concurrent reader never observes a partial document, and snapshot files
// are immutable once written: they are only ever fully replaced.
package store

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"

	"github.com/couchcryptid/relay-map-etl/internal/domain"
)

const ManifestName = "index.json"

// relayFileRe allow-lists relay snapshot filenames and captures the date.
// Anything else in the output directory is ignored by the manifest scan.
var relayFileRe = regexp.MustCompile(`^relays-(\d{4}-\d{2}-\d{2})\.json$`)

// Store owns the output directory.
type Store struct {
	dir string
	log *slog.Logger
}

// New creates the output directory if needed. Failure to create it is the
// pipeline's only fatal condition besides the cache directory.
func New(dir string, log *slog.Logger) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create output dir: %w", err)
	}
	return &Store{dir: dir, log: log}, nil
}

// Dir returns the output directory path.
func (s *Store) Dir() string { return s.dir }

func (s *Store) relayPath(date domain.Date) string {
	return filepath.Join(s.dir, fmt.Sprintf("relays-%s.json", date))
}

func (s *Store) countryPath(date domain.Date) string {
	return filepath.Join(s.dir, fmt.Sprintf("countries-%s.json", date))
}

// HasRelaySnapshot reports whether a relay snapshot exists for the date.
func (s *Store) HasRelaySnapshot(date domain.Date) bool {
	return fileExists(s.relayPath(date))
}

// HasCountrySnapshot reports whether a country snapshot exists for the date.
func (s *Store) HasCountrySnapshot(date domain.Date) bool {
	return fileExists(s.countryPath(date))
}

// WriteRelaySnapshot atomically writes the day's relay snapshot.
func (s *Store) WriteRelaySnapshot(date domain.Date, snap *domain.DailyRelaySnapshot) error {
	return WriteJSONAtomic(s.relayPath(date), snap)
}

// WriteCountrySnapshot atomically writes the day's country snapshot.
func (s *Store) WriteCountrySnapshot(date domain.Date, snap domain.CountrySnapshot) error {
	return WriteJSONAtomic(s.countryPath(date), snap)
}

// ReadRelaySnapshot loads a previously written relay snapshot.
func (s *Store) ReadRelaySnapshot(date domain.Date) (*domain.DailyRelaySnapshot, error) {
	var snap domain.DailyRelaySnapshot
	if err := readJSON(s.relayPath(date), &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

// ReadCountrySnapshot loads a previously written country snapshot.
func (s *Store) ReadCountrySnapshot(date domain.Date) (domain.CountrySnapshot, error) {
	var snap domain.CountrySnapshot
	err := readJSON(s.countryPath(date), &snap)
	return snap, err
}

// CountryDates lists all dates with a persisted country snapshot, ascending.
func (s *Store) CountryDates() ([]domain.Date, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("scan output dir: %w", err)
	}
	countryFileRe := regexp.MustCompile(`^countries-(\d{4}-\d{2}-\d{2})\.json$`)
	var dates []domain.Date
	for _, e := range entries {
		m := countryFileRe.FindStringSubmatch(e.Name())
		if m == nil {
			continue
		}
		d, err := domain.ParseDate(m[1])
		if err != nil {
			continue
		}
		dates = append(dates, d)
	}
	sort.Slice(dates, func(i, j int) bool { return dates[i].Before(dates[j]) })
	return dates, nil
}

// ReadManifest loads the current date manifest.
func (s *Store) ReadManifest() (domain.DateManifest, error) {
	var m domain.DateManifest
	err := readJSON(filepath.Join(s.dir, ManifestName), &m)
	return m, err
}

// RebuildManifest scans all persisted relay snapshots and atomically
// replaces the manifest. Snapshot completion order does not matter: the
// rebuild is derived entirely from what is on disk, so it is idempotent
// and safe to run after each date regardless of dispatch order.
func (s *Store) RebuildManifest() error {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return fmt.Errorf("scan output dir: %w", err)
	}

	type dated struct {
		date string
		bw   int64
	}
	var rows []dated
	for _, e := range entries {
		m := relayFileRe.FindStringSubmatch(e.Name())
		if m == nil {
			continue
		}
		// Only the total is needed; skip decoding node lists.
		var head struct {
			TotalBandwidth int64 `json:"total_bandwidth"`
		}
		if err := readJSON(filepath.Join(s.dir, e.Name()), &head); err != nil {
			s.log.Warn("skipping unreadable snapshot in manifest scan", "file", e.Name(), "error", err)
			continue
		}
		rows = append(rows, dated{date: m[1], bw: head.TotalBandwidth})
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].date < rows[j].date })

	manifest := domain.DateManifest{
		Dates:          make([]string, len(rows)),
		TotalBandwidth: make([]int64, len(rows)),
		UpdatedAt:      domain.Now(),
	}
	for i, r := range rows {
		manifest.Dates[i] = r.date
		manifest.TotalBandwidth[i] = r.bw
	}
	return WriteJSONAtomic(filepath.Join(s.dir, ManifestName), manifest)
}

// WriteJSONAtomic marshals v and writes it to path via a temp file in the
// same directory followed by a rename.
func WriteJSONAtomic(path string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", filepath.Base(path), err)
	}
	return WriteFileAtomic(path, data)
}

// WriteFileAtomic writes data to path so that readers see either the old
// content or the new content, never a truncated file.
func WriteFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename into place: %w", err)
	}
	return nil
}

func readJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode %s: %w", filepath.Base(path), err)
	}
	return nil
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}
