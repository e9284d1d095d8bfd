// Package nodes buckets geolocated relays into map clusters and assembles
// the daily relay snapshot.
package nodes

import (
	"fmt"
	"math"
	"sort"

	"github.com/couchcryptid/relay-map-etl/internal/domain"
)

// dirFlags are the consensus flags that mark a relay as serving directory
// traffic; a node carries the marker when any member relay has one.
var dirFlags = []string{"Authority", "V2Dir", "HSDir"}

// Aggregate buckets located relays by coordinates rounded to 2 decimal
// places (~1 km) and computes per-node bandwidth shares. Unlocated relays
// are excluded. Nodes come back sorted bandwidth-descending so consumers
// can take a prefix for density-limited display without re-sorting.
func Aggregate(relays []domain.RelayObservation) []domain.AggregatedNode {
	type bucket struct {
		lat, lng float64
		relays   []domain.RelayObservation
	}
	buckets := make(map[string]*bucket)
	var total int64

	for _, r := range relays {
		if !r.Located() {
			continue
		}
		lat := math.Round(r.Lat*100) / 100
		lng := math.Round(r.Lng*100) / 100
		key := fmt.Sprintf("%.2f,%.2f", lat, lng)
		b, ok := buckets[key]
		if !ok {
			b = &bucket{lat: lat, lng: lng}
			buckets[key] = b
		}
		b.relays = append(b.relays, r)
		total += r.Bandwidth
	}

	out := make([]domain.AggregatedNode, 0, len(buckets))
	for _, b := range buckets {
		sort.SliceStable(b.relays, func(i, j int) bool {
			return b.relays[i].Bandwidth > b.relays[j].Bandwidth
		})

		var nodeBW int64
		hasDir := false
		for i := range b.relays {
			nodeBW += b.relays[i].Bandwidth
			for _, f := range dirFlags {
				if b.relays[i].HasFlag(f) {
					hasDir = true
					break
				}
			}
		}

		weight := 0.0
		if total > 0 {
			weight = float64(nodeBW) / float64(total)
		}
		x, y := project(b.lat, b.lng)

		out = append(out, domain.AggregatedNode{
			Label:      nodeLabel(b.relays),
			Lat:        b.lat,
			Lng:        b.lng,
			X:          x,
			Y:          y,
			Bandwidth:  nodeBW,
			Weight:     weight,
			HasDirFlag: hasDir,
			Relays:     b.relays,
		})
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Bandwidth != out[j].Bandwidth {
			return out[i].Bandwidth > out[j].Bandwidth
		}
		// Stable tiebreak so output files are reproducible.
		return out[i].Label < out[j].Label
	})
	return out
}

// nodeLabel names a cluster after its highest-bandwidth relay.
func nodeLabel(relays []domain.RelayObservation) string {
	top := relays[0].Nickname
	if top == "" {
		top = relays[0].Fingerprint[:8]
	}
	if len(relays) == 1 {
		return top
	}
	return fmt.Sprintf("%s +%d", top, len(relays)-1)
}

// project maps a lat/lng pair onto Web-Mercator coordinates normalized to
// [0,1]². Latitudes beyond the Mercator cutoff clamp to the map edge.
func project(lat, lng float64) (x, y float64) {
	x = (lng + 180) / 360
	rad := lat * math.Pi / 180
	y = 0.5 - math.Log(math.Tan(rad)+1/math.Cos(rad))/(2*math.Pi)
	return clamp01(x), clamp01(y)
}

func clamp01(v float64) float64 {
	return math.Min(1, math.Max(0, v))
}

// BuildSnapshot assembles the immutable daily document from aggregated
// nodes plus source and geolocation metadata.
func BuildSnapshot(relays []domain.RelayObservation, source, geoProvider string) *domain.DailyRelaySnapshot {
	nodeList := Aggregate(relays)

	snap := &domain.DailyRelaySnapshot{
		GeneratedAt: domain.Now(),
		Source:      source,
		GeoProvider: geoProvider,
		Nodes:       nodeList,
		RelayCount:  len(relays),
	}
	for _, r := range relays {
		if r.Located() {
			snap.GeolocatedCount++
		}
	}
	for i, n := range nodeList {
		snap.TotalBandwidth += n.Bandwidth
		if i == 0 || n.Bandwidth > snap.MaxNodeBandwidth {
			snap.MaxNodeBandwidth = n.Bandwidth
		}
		if i == 0 || n.Bandwidth < snap.MinNodeBandwidth {
			snap.MinNodeBandwidth = n.Bandwidth
		}
	}
	return snap
}
