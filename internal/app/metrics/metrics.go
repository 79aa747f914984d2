package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Registry holds the application-specific Prometheus collectors.
	Registry = prometheus.NewRegistry()

	sandboxCalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "lapphost",
			Subsystem: "sandbox",
			Name:      "calls_total",
			Help:      "Total number of sandbox calls by outcome.",
		},
		[]string{"outcome"},
	)

	sandboxCallDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "lapphost",
			Subsystem: "sandbox",
			Name:      "call_duration_seconds",
			Help:      "Duration of sandbox calls.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12), // 1ms to ~4s
		},
		[]string{"outcome"},
	)

	runningLapps = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "lapphost",
			Subsystem: "registry",
			Name:      "running_lapps",
			Help:      "Number of lapps currently running.",
		},
	)

	gossipPublished = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "lapphost",
			Subsystem: "gossip",
			Name:      "published_total",
			Help:      "Total gossip messages published by this node.",
		},
	)

	gossipDelivered = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "lapphost",
			Subsystem: "gossip",
			Name:      "delivered_total",
			Help:      "Total gossip messages delivered to local lapps.",
		},
	)

	gossipDeduplicated = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "lapphost",
			Subsystem: "gossip",
			Name:      "deduplicated_total",
			Help:      "Total gossip messages dropped as duplicates.",
		},
	)

	gossipDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "lapphost",
			Subsystem: "gossip",
			Name:      "dropped_total",
			Help:      "Total gossip messages dropped at the retention boundary.",
		},
	)
)

func init() {
	Registry.MustRegister(
		sandboxCalls,
		sandboxCallDuration,
		runningLapps,
		gossipPublished,
		gossipDelivered,
		gossipDeduplicated,
		gossipDropped,
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
		prometheus.NewGoCollector(),
	)
}

// Handler returns an HTTP handler exposing the registered Prometheus metrics.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// RecordSandboxCall records a sandbox call outcome.
func RecordSandboxCall(outcome string, duration time.Duration) {
	if duration <= 0 {
		duration = time.Millisecond
	}
	sandboxCalls.WithLabelValues(outcome).Inc()
	sandboxCallDuration.WithLabelValues(outcome).Observe(duration.Seconds())
}

// SetRunningLapps updates the running lapp gauge.
func SetRunningLapps(n int) {
	runningLapps.Set(float64(n))
}

// RecordGossipPublished counts an outbound publication.
func RecordGossipPublished() { gossipPublished.Inc() }

// RecordGossipDelivered counts a message delivered to a local lapp.
func RecordGossipDelivered() { gossipDelivered.Inc() }

// RecordGossipDeduplicated counts a duplicate dropped at delivery.
func RecordGossipDeduplicated() { gossipDeduplicated.Inc() }

// RecordGossipDropped counts a message dropped at the retention boundary.
func RecordGossipDropped() { gossipDropped.Inc() }
