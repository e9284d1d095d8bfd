package domain

import (
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"
)

// BogusBandwidth is the 32-bit signed maximum, reported by some old relays
// as their observed bandwidth due to an integer overflow. Any bandwidth
// equal to this value is discarded, never stored.
const BogusBandwidth = math.MaxInt32

// Geolocation providers recorded in snapshot metadata so consumers know the
// location precision in effect for a run.
const (
	GeoProviderMaxMind  = "maxmind"
	GeoProviderCentroid = "country-centroid"
)

// Relay snapshot source tags.
const (
	SourceOnionoo   = "onionoo"
	SourceCollector = "collector"
)

// NormalizeFingerprint converts a relay identity to its canonical
// uppercase 40-hex form. Accepts hex in either case or the base64 identity
// digest used in consensus "r" lines (with or without padding).
func NormalizeFingerprint(s string) (string, error) {
	s = strings.TrimSpace(s)
	if len(s) == 40 {
		if raw, err := hex.DecodeString(s); err == nil && len(raw) == 20 {
			return strings.ToUpper(s), nil
		}
	}
	// Consensus identities are 20 bytes base64 encoded without padding (27
	// characters). Re-add padding before decoding.
	b64 := s
	if m := len(b64) % 4; m != 0 {
		b64 += strings.Repeat("=", 4-m)
	}
	raw, err := base64.StdEncoding.DecodeString(b64)
	if err != nil || len(raw) != 20 {
		return "", fmt.Errorf("fingerprint %q is neither 40-hex nor a 20-byte base64 digest", s)
	}
	return strings.ToUpper(hex.EncodeToString(raw)), nil
}

// RelayObservation is one relay's merged record for a single day.
type RelayObservation struct {
	Fingerprint string   `json:"fingerprint"`
	Nickname    string   `json:"nickname,omitempty"`
	Addr        string   `json:"addr,omitempty"`
	Flags       []string `json:"flags,omitempty"`
	Bandwidth   int64    `json:"bandwidth"`
	// Uptime is the 24-bit hourly-presence bitmap; bit h set means the
	// relay appeared in the hour-h consensus snapshot. Zero for live
	// (Onionoo) observations, which have no hourly granularity.
	Uptime  uint32 `json:"uptime,omitempty"`
	Country string `json:"country,omitempty"`

	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
	// GeoSource records how the coordinates were obtained: "maxmind",
	// "country-centroid", or empty when the relay could not be placed.
	GeoSource string `json:"geo_source,omitempty"`
}

// HasFlag reports whether the observation carries the named consensus flag.
func (r *RelayObservation) HasFlag(flag string) bool {
	for _, f := range r.Flags {
		if f == flag {
			return true
		}
	}
	return false
}

// Located reports whether the relay has usable coordinates.
func (r *RelayObservation) Located() bool {
	return r.GeoSource != ""
}

// BandwidthEntry is one (date, bandwidth) observation from a relay's
// server descriptor. Dates are YYYY-MM-DD strings, which compare
// lexicographically in calendar order.
type BandwidthEntry struct {
	Date      string `json:"d"`
	Bandwidth int64  `json:"b"`
}

// SortBandwidthEntries orders entries ascending by date. Source order is
// publish-time and not necessarily monotonic across archive boundaries, so
// every per-fingerprint list is re-sorted after streaming ingestion.
func SortBandwidthEntries(entries []BandwidthEntry) {
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].Date < entries[j].Date
	})
}

// AggregatedNode is a map-display cluster of all relays resolved to the
// same coordinate rounded to 2 decimal places (~1 km).
type AggregatedNode struct {
	Label string  `json:"label"`
	Lat   float64 `json:"lat"`
	Lng   float64 `json:"lng"`
	// X, Y are Mercator-projected coordinates normalized to [0,1]².
	X         float64 `json:"x"`
	Y         float64 `json:"y"`
	Bandwidth int64   `json:"bandwidth"`
	// Weight is this node's share of total network bandwidth; weights sum
	// to 1 across a snapshot when total bandwidth is positive.
	Weight     float64            `json:"weight"`
	HasDirFlag bool               `json:"has_dir_flag"`
	Relays     []RelayObservation `json:"relays"`
}

// DailyRelaySnapshot is the per-day output document. Once written it is
// immutable; it is only ever fully replaced, never patched.
type DailyRelaySnapshot struct {
	GeneratedAt time.Time        `json:"generated_at"`
	Source      string           `json:"source"`
	GeoProvider string           `json:"geo_provider"`
	Nodes       []AggregatedNode `json:"nodes"`

	TotalBandwidth   int64 `json:"total_bandwidth"`
	RelayCount       int   `json:"relay_count"`
	GeolocatedCount  int   `json:"geolocated_count"`
	MinNodeBandwidth int64 `json:"min_node_bandwidth"`
	MaxNodeBandwidth int64 `json:"max_node_bandwidth"`
}

// CountryCount is a per-country client estimate with its confidence bounds.
type CountryCount struct {
	Users int64 `json:"users"`
	Lower int64 `json:"lower"`
	Upper int64 `json:"upper"`
}

// CountrySnapshot is the per-day client-count output document. The date is
// the requested date, which may differ from the date the data was
// published for when the backward-search fallback substituted a nearby day.
type CountrySnapshot struct {
	Date       string                  `json:"date"`
	TotalUsers int64                   `json:"total_users"`
	Countries  map[string]CountryCount `json:"countries"`
}

// Empty reports whether the snapshot carries no usable data.
func (s CountrySnapshot) Empty() bool {
	return s.TotalUsers == 0 || len(s.Countries) == 0
}

// DateManifest indexes all available dates. TotalBandwidth is parallel to
// Dates and carries each day's network total for sparkline rendering.
type DateManifest struct {
	Dates          []string  `json:"dates"`
	TotalBandwidth []int64   `json:"total_bandwidth"`
	UpdatedAt      time.Time `json:"updated_at"`
}
