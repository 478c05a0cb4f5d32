package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCountersRecord(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.AlertIngested("acme")
	m.AlertIngested("acme")
	m.WebhookRejected("rate_limited")
	m.IncidentsCorrelated(2, 3)
	m.Decision("assign")
	m.ProviderFailure()
	m.ObserveCorrelation(15 * time.Millisecond)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.alertsIngested.WithLabelValues("acme")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.webhookRejections.WithLabelValues("rate_limited")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.incidents.WithLabelValues("created")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.incidents.WithLabelValues("updated")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.providerFailures))

	families, err := reg.Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.AlertIngested("acme")
		m.Remediation("success")
		m.Approval("expired")
		m.ObserveCorrelation(time.Second)
	})
}
