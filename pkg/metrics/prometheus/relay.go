// Package prometheus provides the Prometheus-backed implementations of the
// metrics interfaces. Constructors return nil when metrics.Init was not
// called; callers pass that nil through and collection is skipped entirely.
package prometheus

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/usenetsync/usenetsync/pkg/metrics"
)

// relayMetrics is the Prometheus implementation of metrics.RelayMetrics.
type relayMetrics struct {
	posts         *prometheus.CounterVec
	postDuration  *prometheus.HistogramVec
	postBytes     prometheus.Counter
	fetches       *prometheus.CounterVec
	fetchDuration *prometheus.HistogramVec
	fetchBytes    prometheus.Counter
}

// NewRelayMetrics creates a Prometheus-backed RelayMetrics instance.
// Returns nil if metrics are not enabled.
func NewRelayMetrics() metrics.RelayMetrics {
	if !metrics.IsEnabled() {
		return nil
	}

	reg := metrics.GetRegistry()

	durationBuckets := []float64{
		0.05, // fast local relay
		0.1,
		0.25,
		0.5,
		1,
		2.5,
		5,
		10, // slow provider or large article
		30,
	}

	return &relayMetrics{
		posts: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "usenetsync_relay_posts_total",
				Help: "Total article post attempts by outcome",
			},
			[]string{"outcome"}, // "ok", "retryable", "permanent"
		),
		postDuration: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "usenetsync_relay_post_duration_seconds",
				Help:    "Duration of article post attempts in seconds",
				Buckets: durationBuckets,
			},
			[]string{"outcome"},
		),
		postBytes: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Name: "usenetsync_relay_post_bytes_total",
				Help: "Total article bytes posted, successful attempts only",
			},
		),
		fetches: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "usenetsync_relay_fetches_total",
				Help: "Total article fetch attempts by outcome",
			},
			[]string{"outcome"}, // "ok", "not_found", "retryable", "permanent"
		),
		fetchDuration: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "usenetsync_relay_fetch_duration_seconds",
				Help:    "Duration of article fetch attempts in seconds",
				Buckets: durationBuckets,
			},
			[]string{"outcome"},
		),
		fetchBytes: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Name: "usenetsync_relay_fetch_bytes_total",
				Help: "Total article bytes fetched, successful attempts only",
			},
		),
	}
}

func (m *relayMetrics) RecordPost(outcome string, duration time.Duration, bytes int) {
	m.posts.WithLabelValues(outcome).Inc()
	m.postDuration.WithLabelValues(outcome).Observe(duration.Seconds())
	if outcome == "ok" {
		m.postBytes.Add(float64(bytes))
	}
}

func (m *relayMetrics) RecordFetch(outcome string, duration time.Duration, bytes int) {
	m.fetches.WithLabelValues(outcome).Inc()
	m.fetchDuration.WithLabelValues(outcome).Observe(duration.Seconds())
	if outcome == "ok" {
		m.fetchBytes.Add(float64(bytes))
	}
}

// queueMetrics is the Prometheus implementation of metrics.QueueMetrics.
type queueMetrics struct {
	depth    *prometheus.GaugeVec
	outcomes *prometheus.CounterVec
}

// NewQueueMetrics creates a Prometheus-backed QueueMetrics instance.
// Returns nil if metrics are not enabled.
func NewQueueMetrics() metrics.QueueMetrics {
	if !metrics.IsEnabled() {
		return nil
	}

	reg := metrics.GetRegistry()

	return &queueMetrics{
		depth: promauto.With(reg).NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "usenetsync_queue_depth",
				Help: "Pending tasks per queue",
			},
			[]string{"kind"}, // "upload", "download"
		),
		outcomes: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "usenetsync_queue_tasks_total",
				Help: "Finished tasks per queue by outcome",
			},
			[]string{"kind", "outcome"}, // outcome: "completed", "retried", "failed"
		),
	}
}

func (m *queueMetrics) SetQueueDepth(kind string, depth int64) {
	m.depth.WithLabelValues(kind).Set(float64(depth))
}

func (m *queueMetrics) RecordTaskOutcome(kind, outcome string) {
	m.outcomes.WithLabelValues(kind, outcome).Inc()
}
