package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	HTTPRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "epgmerge",
		Name:      "http_requests_total",
		Help:      "Total HTTP requests by method, path and status code.",
	}, []string{"method", "path", "status"})

	HTTPRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "epgmerge",
		Name:      "http_request_duration_seconds",
		Help:      "HTTP request duration in seconds.",
		Buckets:   []float64{0.01, 0.05, 0.1, 0.3, 0.5, 1, 2, 5, 10},
	}, []string{"method", "path"})

	MergesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "epgmerge",
		Name:      "merges_total",
		Help:      "Total merge runs by terminal status.",
	}, []string{"status"})

	MergeDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "epgmerge",
		Name:      "merge_duration_seconds",
		Help:      "Wall-clock duration of merge runs in seconds.",
		Buckets:   []float64{5, 15, 30, 60, 120, 300, 600, 1200},
	})

	MergePeakMemoryMB = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "epgmerge",
		Name:      "merge_peak_memory_mb",
		Help:      "Peak resident memory observed during the last merge run, in MiB.",
	})

	MergeProgramsIncluded = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "epgmerge",
		Name:      "merge_programs_included",
		Help:      "Programme count written by the last successful merge.",
	})

	MergeChannelsIncluded = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "epgmerge",
		Name:      "merge_channels_included",
		Help:      "Channel count written by the last successful merge.",
	})

	JobsRunning = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "epgmerge",
		Name:      "jobs_running",
		Help:      "Number of merge jobs currently running (0 or 1).",
	})

	FeedCacheRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "epgmerge",
		Name:      "feed_cache_requests_total",
		Help:      "Feed cache lookups by outcome (HIT, MISS, CHANGED, UNCHANGED, STALE_REFETCH).",
	}, []string{"status"})

	FeedCacheBytesFetched = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "epgmerge",
		Name:      "feed_cache_bytes_fetched_total",
		Help:      "Total bytes downloaded from the upstream share.",
	})

	ArchivesSweptTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "epgmerge",
		Name:      "archives_swept_total",
		Help:      "Total expired archives removed by retention cleanup.",
	})

	NotificationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "epgmerge",
		Name:      "notifications_total",
		Help:      "Discord notifications attempted, by outcome.",
	}, []string{"outcome"})
)

func Register(reg prometheus.Registerer) {
	reg.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		MergesTotal,
		MergeDuration,
		MergePeakMemoryMB,
		MergeProgramsIncluded,
		MergeChannelsIncluded,
		JobsRunning,
		FeedCacheRequests,
		FeedCacheBytesFetched,
		ArchivesSweptTotal,
		NotificationsTotal,
	)
}
