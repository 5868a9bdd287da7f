// Package metrics exposes gateway counters to Prometheus.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Collector registers and updates the gateway's Prometheus series.
type Collector struct {
	decisions       *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	backendHealth   *prometheus.GaugeVec
	backendLatency  *prometheus.GaugeVec
	rateLimitHits   *prometheus.CounterVec
	kvFailures      prometheus.Counter
	aiFailures      prometheus.Counter
}

// NewCollector registers the gateway series on the given registerer.
func NewCollector(reg prometheus.Registerer) *Collector {
	factory := promauto.With(reg)
	return &Collector{
		decisions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "edgegate_decisions_total",
			Help: "Requests by pipeline decision and bot bucket.",
		}, []string{"decision", "bucket"}),
		requestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "edgegate_request_duration_seconds",
			Help:    "End-to-end request duration by decision and status.",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}, []string{"decision", "status"}),
		backendHealth: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "edgegate_backend_healthy",
			Help: "Backend health as reported by the prober (1 healthy, 0 unhealthy).",
		}, []string{"backend"}),
		backendLatency: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "edgegate_backend_latency_p95_seconds",
			Help: "Probed p95 latency per backend.",
		}, []string{"backend"}),
		rateLimitHits: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "edgegate_rate_limit_throttled_total",
			Help: "Requests throttled by the rate limiter, by key type.",
		}, []string{"key_type"}),
		kvFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "edgegate_kv_failures_total",
			Help: "KV operations that failed and fell open.",
		}),
		aiFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "edgegate_ai_classifier_failures_total",
			Help: "AI classifier calls that errored or timed out.",
		}),
	}
}

// ObserveRequest records a finished request.
func (c *Collector) ObserveRequest(decision, bucket string, status int, duration time.Duration) {
	c.decisions.WithLabelValues(decision, bucket).Inc()
	c.requestDuration.WithLabelValues(decision, strconv.Itoa(status)).Observe(duration.Seconds())
}

// SetBackendHealth mirrors a prober report into the gauges.
func (c *Collector) SetBackendHealth(backendID string, healthy bool, latencyP95 time.Duration) {
	v := 0.0
	if healthy {
		v = 1.0
	}
	c.backendHealth.WithLabelValues(backendID).Set(v)
	c.backendLatency.WithLabelValues(backendID).Set(latencyP95.Seconds())
}

// ObserveThrottle counts a rate-limited request.
func (c *Collector) ObserveThrottle(keyType string) {
	c.rateLimitHits.WithLabelValues(keyType).Inc()
}

// ObserveKVFailure counts a KV error that fell open.
func (c *Collector) ObserveKVFailure() { c.kvFailures.Inc() }

// ObserveAIFailure counts a failed AI classifier call.
func (c *Collector) ObserveAIFailure() { c.aiFailures.Inc() }
