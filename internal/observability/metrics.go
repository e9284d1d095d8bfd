package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the Prometheus counters, histograms, and gauges for the
// ingestion pipeline.
type Metrics struct {
	DatesProcessed prometheus.Counter
	DatesSkipped   prometheus.Counter
	DatesFailed    prometheus.Counter
	RunActive      prometheus.Gauge

	// Archive handling metrics.
	ArchiveDownloads *prometheus.CounterVec // labels: kind={consensuses,server-descriptors}, outcome={ok,corrupt,error}
	ArchiveBytes     prometheus.Histogram
	CacheLookups     *prometheus.CounterVec // labels: cache={archive,extract,bwindex,countries}, result={hit,miss}

	// Parse metrics.
	DescriptorParseDuration prometheus.Histogram
	ConsensusFilesParsed    prometheus.Counter

	// Geolocation metrics.
	GeoLookups *prometheus.CounterVec // labels: provider={maxmind,country-centroid}, outcome={ok,miss}
}

// NewMetrics creates and registers all pipeline metrics with the default
// Prometheus registry.
func NewMetrics() *Metrics {
	m := newMetrics()
	prometheus.MustRegister(
		m.DatesProcessed,
		m.DatesSkipped,
		m.DatesFailed,
		m.RunActive,
		m.ArchiveDownloads,
		m.ArchiveBytes,
		m.CacheLookups,
		m.DescriptorParseDuration,
		m.ConsensusFilesParsed,
		m.GeoLookups,
	)
	return m
}

// NewMetricsForTesting creates Metrics without registering them, avoiding
// "already registered" panics when called from multiple tests.
func NewMetricsForTesting() *Metrics {
	return newMetrics()
}

func newMetrics() *Metrics {
	return &Metrics{
		DatesProcessed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "relaymap",
			Name:      "dates_processed_total",
			Help:      "Dates for which both snapshot files were produced.",
		}),
		DatesSkipped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "relaymap",
			Name:      "dates_skipped_total",
			Help:      "Dates skipped because snapshot files already existed.",
		}),
		DatesFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "relaymap",
			Name:      "dates_failed_total",
			Help:      "Dates that produced no relay snapshot.",
		}),
		RunActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "relaymap",
			Name:      "run_active",
			Help:      "1 while a pipeline run is in progress.",
		}),
		ArchiveDownloads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "relaymap",
			Name:      "archive_downloads_total",
			Help:      "Archive download attempts by kind and outcome.",
		}, []string{"kind", "outcome"}),
		ArchiveBytes: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "relaymap",
			Name:      "archive_bytes",
			Help:      "Size of downloaded archives in bytes.",
			Buckets:   prometheus.ExponentialBuckets(1<<20, 4, 8),
		}),
		CacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "relaymap",
			Name:      "cache_lookups_total",
			Help:      "Cache lookups by cache and result.",
		}, []string{"cache", "result"}),
		DescriptorParseDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "relaymap",
			Name:      "descriptor_parse_duration_seconds",
			Help:      "Duration of a full monthly descriptor archive parse.",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600},
		}),
		ConsensusFilesParsed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "relaymap",
			Name:      "consensus_files_parsed_total",
			Help:      "Hourly consensus snapshot files parsed.",
		}),
		GeoLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "relaymap",
			Name:      "geo_lookups_total",
			Help:      "Geolocation resolutions by provider and outcome.",
		}, []string{"provider", "outcome"}),
	}
}
