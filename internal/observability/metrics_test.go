package observability

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetricsCounters(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	m.IncAllowed()
	m.IncAllowed()
	m.IncLimited()
	m.IncStoreErrors()
	m.IncUpstreamErrors("502")
	m.IncUpstreamErrors("0")
	m.IncAnalyticsDropped()
	m.IncAnalyticsErrors()
	m.IncConfigReloads()

	assert.Equal(t, MetricsSnapshot{
		Allowed:          2,
		Limited:          1,
		StoreErrors:      1,
		UpstreamErrors:   2,
		AnalyticsDropped: 1,
		AnalyticsErrors:  1,
		ConfigReloads:    1,
	}, m.Snapshot())

	assert.InDelta(t, 2, testutil.ToFloat64(m.promAllowed), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.promUpstreamErrors.WithLabelValues("502")), 0)
}

func TestMetricsPolicyApplied(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())
	m.IncPolicyApplied("passthrough")
	m.IncPolicyApplied("passthrough")
	m.IncPolicyApplied("failclosed")

	assert.InDelta(t, 2, testutil.ToFloat64(m.promPolicyApplied.WithLabelValues("passthrough")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.promPolicyApplied.WithLabelValues("failclosed")), 0)
}

func TestMetricsRegistration(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	m.IncAllowed()
	m.ObserveRemaining(3)
	m.PromRequestDuration.WithLabelValues("POST", "/api/enhance", "200").Observe(0.4)

	families, err := reg.Gather()
	require.NoError(t, err)

	names := make(map[string]bool)
	for _, f := range families {
		names[f.GetName()] = true
	}
	assert.True(t, names["aiprompter_enhance_allowed_total"])
	assert.True(t, names["aiprompter_quota_remaining"])
	assert.True(t, names["aiprompter_request_duration_seconds"])
}

func TestNewMetricsDuplicateRegistrationPanics(t *testing.T) {
	reg := prometheus.NewRegistry()
	NewMetrics(reg)
	assert.Panics(t, func() { NewMetrics(reg) })
}
