// Package observability provides Prometheus metrics, health endpoints,
// structured logging, and OpenTelemetry tracing for aiprompter.
package observability

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "aiprompter"

// Metrics pairs Prometheus collectors with atomic counters that tests and
// the admin server can read without scraping.
type Metrics struct {
	allowed          atomic.Int64
	limited          atomic.Int64
	storeErrors      atomic.Int64
	upstreamErrors   atomic.Int64
	analyticsDropped atomic.Int64
	analyticsErrors  atomic.Int64
	configReloads    atomic.Int64

	promAllowed          prometheus.Counter
	promLimited          prometheus.Counter
	promStoreErrors      prometheus.Counter
	promUpstreamErrors   *prometheus.CounterVec
	promPolicyApplied    *prometheus.CounterVec
	promAnalyticsDropped prometheus.Counter
	promAnalyticsErrors  prometheus.Counter
	promConfigReloads    prometheus.Counter

	// PromRequestDuration is labeled by route pattern, not raw path, to keep
	// cardinality bounded.
	PromRequestDuration *prometheus.HistogramVec

	// PromQuotaRemaining is the distribution of remaining daily quota seen
	// by admitted requests.
	PromQuotaRemaining prometheus.Histogram

	PromUpstreamDuration prometheus.Histogram
}

// NewMetrics creates and registers the collectors on reg, or on the default
// registerer when reg is nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		promAllowed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "enhance_allowed_total",
			Help:      "Enhancement requests admitted by the daily limiter.",
		}),
		promLimited: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "enhance_limited_total",
			Help:      "Enhancement requests rejected because the daily limit was reached.",
		}),
		promStoreErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "store_errors_total",
			Help:      "Counter store failures on the enforcement path.",
		}),
		promUpstreamErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_errors_total",
			Help:      "Completion API failures by HTTP status (0 = no response).",
		}, []string{"status_code"}),
		promPolicyApplied: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "failure_policy_applied_total",
			Help:      "Requests decided by the store failure policy.",
		}, []string{"policy"}),
		promAnalyticsDropped: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "analytics_dropped_total",
			Help:      "Analytics events dropped because the buffer was full.",
		}),
		promAnalyticsErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "analytics_flush_errors_total",
			Help:      "Analytics counter writes that failed.",
		}),
		promConfigReloads: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "config_reloads_total",
			Help:      "Configuration reloads applied.",
		}),
		PromRequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route", "status_code"}),
		PromQuotaRemaining: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "quota_remaining",
			Help:      "Remaining daily quota after admitted requests.",
			Buckets:   []float64{0, 1, 2, 3, 5, 10, 25, 50, 100},
		}),
		PromUpstreamDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "upstream_duration_seconds",
			Help:      "Completion API call duration in seconds.",
			Buckets:   []float64{0.25, 0.5, 1, 2, 4, 8, 16, 32, 64},
		}),
	}
}

func (m *Metrics) IncAllowed() {
	m.allowed.Add(1)
	m.promAllowed.Inc()
}

func (m *Metrics) IncLimited() {
	m.limited.Add(1)
	m.promLimited.Inc()
}

func (m *Metrics) IncStoreErrors() {
	m.storeErrors.Add(1)
	m.promStoreErrors.Inc()
}

// IncUpstreamErrors counts a completion failure. statusCode 0 means the
// request never got a response.
func (m *Metrics) IncUpstreamErrors(statusCode string) {
	m.upstreamErrors.Add(1)
	m.promUpstreamErrors.WithLabelValues(statusCode).Inc()
}

// IncPolicyApplied counts a request decided by the named failure policy.
func (m *Metrics) IncPolicyApplied(policy string) {
	m.promPolicyApplied.WithLabelValues(policy).Inc()
}

func (m *Metrics) IncAnalyticsDropped() {
	m.analyticsDropped.Add(1)
	m.promAnalyticsDropped.Inc()
}

func (m *Metrics) IncAnalyticsErrors() {
	m.analyticsErrors.Add(1)
	m.promAnalyticsErrors.Inc()
}

func (m *Metrics) IncConfigReloads() {
	m.configReloads.Add(1)
	m.promConfigReloads.Inc()
}

// ObserveRemaining records the remaining quota of an admitted request.
func (m *Metrics) ObserveRemaining(remaining int64) {
	m.PromQuotaRemaining.Observe(float64(remaining))
}

// MetricsSnapshot is a point-in-time copy of the atomic counters.
type MetricsSnapshot struct {
	Allowed          int64
	Limited          int64
	StoreErrors      int64
	UpstreamErrors   int64
	AnalyticsDropped int64
	AnalyticsErrors  int64
	ConfigReloads    int64
}

func (m *Metrics) Snapshot() MetricsSnapshot {
	return MetricsSnapshot{
		Allowed:          m.allowed.Load(),
		Limited:          m.limited.Load(),
		StoreErrors:      m.storeErrors.Load(),
		UpstreamErrors:   m.upstreamErrors.Load(),
		AnalyticsDropped: m.analyticsDropped.Load(),
		AnalyticsErrors:  m.analyticsErrors.Load(),
		ConfigReloads:    m.configReloads.Load(),
	}
}
