package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	DownloadEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tern",
			Name:      "download_events_total",
			Help:      "Count of download events processed by the reconciler.",
		},
		[]string{"type"},
	)

	SegmentRetries = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "tern",
			Name:      "segment_retries_total",
			Help:      "Segment fetch attempts that were retried after a failure.",
		},
	)

	SegmentFailovers = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "tern",
			Name:      "segment_failovers_total",
			Help:      "Segment retries reassigned to a different engine.",
		},
	)

	SegmentFetchLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "tern",
			Name:      "segment_fetch_seconds",
			Help:      "Latency of individual segment fetch attempts.",
		},
		[]string{"engine"},
	)

	ActiveDownloads = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "tern",
			Name:      "active_downloads",
			Help:      "Number of downloads currently past admission and not terminal.",
		},
	)

	QueuedDownloads = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "tern",
			Name:      "queued_downloads",
			Help:      "Number of downloads waiting in the admission queue.",
		},
	)
)

// Register registers the tern metrics into the default registry.
func Register() {
	prometheus.MustRegister(DownloadEvents, SegmentRetries, SegmentFailovers,
		SegmentFetchLatency, ActiveDownloads, QueuedDownloads)
}
