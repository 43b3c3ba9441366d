package metrics

import "github.com/prometheus/client_golang/prometheus"

// Every collector is labelled with the directory of the log it describes.
var (
	Appends = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "statelog_appends_total",
			Help: "Total number of entries appended to the log",
		},
		[]string{"dir"},
	)

	AppendedBytes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "statelog_appended_bytes_total",
			Help: "Total number of payload bytes appended to the log",
		},
		[]string{"dir"},
	)

	FlushLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "statelog_flush_duration_seconds",
			Help:    "Histogram of successful flush latency",
			Buckets: prometheus.ExponentialBuckets(0.0001, 4, 8),
		},
		[]string{"dir"},
	)

	FlushFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "statelog_flush_failures_total",
			Help: "Total number of failed flush attempts, retries included",
		},
		[]string{"dir"},
	)

	Rollovers = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "statelog_rollovers_total",
			Help: "Total number of segments sealed to start a new one",
		},
		[]string{"dir"},
	)

	CompactedSegments = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "statelog_compacted_segments_total",
			Help: "Total number of segments deleted by compaction",
		},
		[]string{"dir"},
	)

	RecoveredBytes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "statelog_recovered_tail_bytes_total",
			Help: "Total number of torn tail bytes dropped while opening the log",
		},
		[]string{"dir"},
	)

	Segments = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "statelog_segments",
			Help: "Current number of segments",
		},
		[]string{"dir"},
	)

	SizeBytes = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "statelog_size_bytes",
			Help: "Current size of all segment files",
		},
		[]string{"dir"},
	)
)

func init() {
	prometheus.MustRegister(Appends, AppendedBytes, FlushLatency, FlushFailures)
	prometheus.MustRegister(Rollovers, CompactedSegments, RecoveredBytes, Segments, SizeBytes)
}

// Forget drops the series of a log that no longer exists.
func Forget(dir string) {
	for _, c := range []*prometheus.CounterVec{Appends, AppendedBytes, FlushFailures, Rollovers, CompactedSegments, RecoveredBytes} {
		c.DeleteLabelValues(dir)
	}
	FlushLatency.DeleteLabelValues(dir)
	Segments.DeleteLabelValues(dir)
	SizeBytes.DeleteLabelValues(dir)
}
