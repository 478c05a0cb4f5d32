package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "opsgate"

// Metrics holds the service's Prometheus collectors. A nil *Metrics is valid
// and records nothing, which keeps tests free of registry plumbing.
type Metrics struct {
	alertsIngested     *prometheus.CounterVec
	webhookRejections  *prometheus.CounterVec
	duplicates         *prometheus.CounterVec
	incidents          *prometheus.CounterVec
	decisions          *prometheus.CounterVec
	providerFailures   prometheus.Counter
	remediations       *prometheus.CounterVec
	approvals          *prometheus.CounterVec
	correlationSeconds prometheus.Histogram
}

// New registers all collectors on reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		alertsIngested: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alerts_ingested_total",
			Help:      "Alerts accepted and persisted, by company.",
		}, []string{"company"}),
		webhookRejections: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "webhook_rejections_total",
			Help:      "Webhook deliveries rejected before persistence, by reason.",
		}, []string{"reason"}),
		duplicates: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "duplicate_deliveries_total",
			Help:      "Replayed deliveries answered without side effects.",
		}, []string{"company"}),
		incidents: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "incidents_correlated_total",
			Help:      "Incidents created or updated by correlation.",
		}, []string{"op"}),
		decisions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decisions_total",
			Help:      "Decision outcomes by action.",
		}, []string{"action"}),
		providerFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decision_provider_failures_total",
			Help:      "Decision provider calls that failed or timed out.",
		}),
		remediations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "remediations_total",
			Help:      "Runbook executions by outcome.",
		}, []string{"outcome"}),
		approvals: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "approvals_total",
			Help:      "Approval requests by terminal outcome.",
		}, []string{"outcome"}),
		correlationSeconds: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "correlation_pass_duration_seconds",
			Help:      "Duration of batch correlation passes.",
			Buckets:   prometheus.DefBuckets,
		}),
	}
}

func (m *Metrics) AlertIngested(company string) {
	if m == nil {
		return
	}
	m.alertsIngested.WithLabelValues(company).Inc()
}

func (m *Metrics) WebhookRejected(reason string) {
	if m == nil {
		return
	}
	m.webhookRejections.WithLabelValues(reason).Inc()
}

func (m *Metrics) DuplicateDelivery(company string) {
	if m == nil {
		return
	}
	m.duplicates.WithLabelValues(company).Inc()
}

func (m *Metrics) IncidentsCorrelated(created, updated int) {
	if m == nil {
		return
	}
	m.incidents.WithLabelValues("created").Add(float64(created))
	m.incidents.WithLabelValues("updated").Add(float64(updated))
}

func (m *Metrics) ObserveCorrelation(d time.Duration) {
	if m == nil {
		return
	}
	m.correlationSeconds.Observe(d.Seconds())
}

func (m *Metrics) Decision(action string) {
	if m == nil {
		return
	}
	m.decisions.WithLabelValues(action).Inc()
}

func (m *Metrics) ProviderFailure() {
	if m == nil {
		return
	}
	m.providerFailures.Inc()
}

func (m *Metrics) Remediation(outcome string) {
	if m == nil {
		return
	}
	m.remediations.WithLabelValues(outcome).Inc()
}

func (m *Metrics) Approval(outcome string) {
	if m == nil {
		return
	}
	m.approvals.WithLabelValues(outcome).Inc()
}
