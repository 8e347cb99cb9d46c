package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "bloomwatch"

// Metrics holds the Prometheus collectors for detection, queries and upstream calls.
type Metrics struct {
	Detections        *prometheus.CounterVec // labels: outcome={success,validation_error,upstream_error,storage_error,canceled,timeout,error}
	DetectionDuration prometheus.Histogram
	Severity          prometheus.Histogram

	// Upstream provider metrics.
	UpstreamRequests *prometheus.CounterVec   // labels: provider={telemetry,inference}, outcome={success,error,empty}
	UpstreamDuration *prometheus.HistogramVec // labels: provider
	TelemetryCache   *prometheus.CounterVec   // labels: result={hit,miss}

	Queries *prometheus.CounterVec // labels: kind={nearby,lookup,history}, outcome={success,error}

	// Observation event publishing.
	EventsPublished  prometheus.Counter
	EventsDropped    prometheus.Counter
	PublisherRunning prometheus.Gauge

	RateLimited prometheus.Counter
}

// NewMetrics creates and registers all service metrics with the default Prometheus registry.
func NewMetrics() *Metrics {
	m := newMetrics()
	prometheus.MustRegister(
		m.Detections,
		m.DetectionDuration,
		m.Severity,
		m.UpstreamRequests,
		m.UpstreamDuration,
		m.TelemetryCache,
		m.Queries,
		m.EventsPublished,
		m.EventsDropped,
		m.PublisherRunning,
		m.RateLimited,
	)
	return m
}

// NewMetricsForTesting creates unregistered Metrics to avoid
// "already registered" panics when called from multiple tests.
func NewMetricsForTesting() *Metrics {
	return newMetrics()
}

func newMetrics() *Metrics {
	return &Metrics{
		Detections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "detections_total",
			Help:      "Detection attempts by outcome.",
		}, []string{"outcome"}),
		DetectionDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "detection_duration_seconds",
			Help:      "End-to-end duration of a detection attempt.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20},
		}),
		Severity: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "severity",
			Help:      "Severity of committed observations.",
			Buckets:   prometheus.LinearBuckets(10, 10, 10),
		}),
		UpstreamRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_requests_total",
			Help:      "Upstream provider requests by provider and outcome.",
		}, []string{"provider", "outcome"}),
		UpstreamDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "upstream_request_duration_seconds",
			Help:      "Upstream provider request duration in seconds.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"provider"}),
		TelemetryCache: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "telemetry_cache_total",
			Help:      "Telemetry cache lookups by result.",
		}, []string{"result"}),
		Queries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "queries_total",
			Help:      "Read queries by kind and outcome.",
		}, []string{"kind", "outcome"}),
		EventsPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_published_total",
			Help:      "Observation events written to Kafka.",
		}),
		EventsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_dropped_total",
			Help:      "Observation events dropped because the queue was full or the write failed.",
		}),
		PublisherRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "publisher_running",
			Help:      "1 when the event publisher loop is active, 0 otherwise.",
		}),
		RateLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limited_total",
			Help:      "Requests rejected by the rate limiter.",
		}),
	}
}
