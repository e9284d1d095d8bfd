// Package consensus merges a day's hourly consensus snapshots into one
// record per relay.
package consensus

import (
	"bufio"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/couchcryptid/relay-map-etl/internal/bwindex"
	"github.com/couchcryptid/relay-map-etl/internal/domain"
)

// snapshotNameRe allow-lists consensus snapshot filenames and captures the
// hour. CollecTor names them YYYY-MM-DD-HH-MM-SS-consensus.
var snapshotNameRe = regexp.MustCompile(`^(\d{4}-\d{2}-\d{2})-(\d{2})-\d{2}-\d{2}-consensus$`)

// Aggregate merges every hourly snapshot for the date found under
// extractedDir. Returns (nil, nil) when the day has no snapshot files;
// the caller treats that as the day being unavailable, not an error.
//
// A relay first seen gets uptime bitmap 0; each hour it appears in sets
// that hour's bit. Bandwidth is the maximum across hours: consensus
// weights fluctuate slightly hour to hour and the peak is taken as
// representative.
func Aggregate(extractedDir string, date domain.Date, log *slog.Logger) ([]domain.RelayObservation, error) {
	files, err := snapshotFiles(extractedDir, date)
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		return nil, nil
	}

	merged := make(map[string]*domain.RelayObservation)
	for _, f := range files {
		if err := mergeSnapshot(merged, f.path, f.hour, log); err != nil {
			return nil, err
		}
	}

	relays := make([]domain.RelayObservation, 0, len(merged))
	for _, r := range merged {
		relays = append(relays, *r)
	}
	// Deterministic output order regardless of map iteration.
	sort.Slice(relays, func(i, j int) bool { return relays[i].Fingerprint < relays[j].Fingerprint })

	log.Info("consensus day aggregated", "date", date.String(), "snapshots", len(files), "relays", len(relays))
	return relays, nil
}

type snapshotFile struct {
	path string
	hour int
}

func snapshotFiles(dir string, date domain.Date) ([]snapshotFile, error) {
	var files []snapshotFile
	prefix := date.String()
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		base := filepath.Base(path)
		if !strings.HasPrefix(base, prefix) {
			return nil
		}
		m := snapshotNameRe.FindStringSubmatch(base)
		if m == nil {
			return nil
		}
		hour, err := strconv.Atoi(m[2])
		if err != nil || hour < 0 || hour > 23 {
			return nil
		}
		files = append(files, snapshotFile{path: path, hour: hour})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", dir, err)
	}
	sort.Slice(files, func(i, j int) bool { return files[i].hour < files[j].hour })
	return files, nil
}

// mergeSnapshot parses one hourly snapshot into the merged map. Consensus
// entries span three line kinds per relay: "r" (summary), "s" (flags),
// and "w" (bandwidth weight).
func mergeSnapshot(merged map[string]*domain.RelayObservation, path string, hour int, log *slog.Logger) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open snapshot: %w", err)
	}
	defer f.Close()

	var current *domain.RelayObservation
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "r "):
			current = nil
			fields := strings.Fields(line)
			// r nickname identity digest date time IP ORPort DirPort
			if len(fields) < 9 {
				continue
			}
			fp, err := domain.NormalizeFingerprint(fields[2])
			if err != nil {
				log.Debug("skipping relay with malformed identity", "line", line)
				continue
			}
			r, ok := merged[fp]
			if !ok {
				r = &domain.RelayObservation{
					Fingerprint: fp,
					Nickname:    fields[1],
					Addr:        fields[6] + ":" + fields[7],
				}
				merged[fp] = r
			}
			r.Uptime |= 1 << hour
			current = r

		case strings.HasPrefix(line, "s "):
			if current == nil {
				continue
			}
			// Flags from the latest hour win; they rarely change within
			// a day.
			current.Flags = strings.Fields(line)[1:]

		case strings.HasPrefix(line, "w "):
			if current == nil {
				continue
			}
			if bw, ok := parseBandwidthWeight(line); ok && bw > current.Bandwidth {
				current.Bandwidth = bw
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read snapshot %s: %w", filepath.Base(path), err)
	}
	return nil
}

// parseBandwidthWeight extracts N from a "w Bandwidth=N ..." line. The
// MaxInt32 overflow sentinel and negative values are discarded.
func parseBandwidthWeight(line string) (int64, bool) {
	for _, field := range strings.Fields(line)[1:] {
		val, ok := strings.CutPrefix(field, "Bandwidth=")
		if !ok {
			continue
		}
		bw, err := strconv.ParseInt(val, 10, 64)
		if err != nil || bw < 0 || bw == domain.BogusBandwidth {
			return 0, false
		}
		return bw, true
	}
	return 0, false
}

// ApplyBandwidthOverrides replaces each relay's consensus-derived
// bandwidth with the descriptor-observed value for the date when the
// fingerprint is present in the table. Unmatched relays keep their
// consensus bandwidth.
func ApplyBandwidthOverrides(relays []domain.RelayObservation, table bwindex.Table, date domain.Date) {
	for i := range relays {
		entries, ok := table[relays[i].Fingerprint]
		if !ok {
			continue
		}
		if bw, ok := bwindex.LookupForDate(entries, date); ok {
			relays[i].Bandwidth = bw
		}
	}
}
