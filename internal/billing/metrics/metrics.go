package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the billing service collectors. Collectors are registered on
// the registerer passed to New so tests can use a private registry.
type Metrics struct {
	events      *prometheus.CounterVec
	failures    *prometheus.CounterVec
	transitions *prometheus.CounterVec
	duration    prometheus.Histogram
	snapshots   *prometheus.CounterVec
	lastSuccess prometheus.Gauge
}

func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "billing_webhook_events_total",
			Help: "Webhook events acknowledged, by event type and outcome.",
		}, []string{"type", "outcome"}),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "billing_webhook_failures_total",
			Help: "Webhook requests rejected, by reason.",
		}, []string{"reason"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "billing_entitlement_transitions_total",
			Help: "Committed entitlement slot transitions.",
		}, []string{"slot", "direction"}),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "billing_webhook_duration_seconds",
			Help:    "Time spent handling a webhook request.",
			Buckets: prometheus.DefBuckets,
		}),
		snapshots: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "billing_snapshots_total",
			Help: "Ledger snapshot runs, by result.",
		}, []string{"result"}),
		lastSuccess: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "billing_snapshot_last_success_timestamp_seconds",
			Help: "Unix time of the last uploaded ledger snapshot.",
		}),
	}
	reg.MustRegister(m.events, m.failures, m.transitions, m.duration, m.snapshots, m.lastSuccess)
	return m
}

func (m *Metrics) EventHandled(eventType, outcome string) {
	m.events.WithLabelValues(eventType, outcome).Inc()
}

func (m *Metrics) EventFailed(reason string) {
	m.failures.WithLabelValues(reason).Inc()
}

func (m *Metrics) Transition(slot, direction string) {
	m.transitions.WithLabelValues(slot, direction).Inc()
}

func (m *Metrics) ObserveDuration(d time.Duration) {
	m.duration.Observe(d.Seconds())
}

func (m *Metrics) SnapshotSucceeded(at time.Time) {
	m.snapshots.WithLabelValues("success").Inc()
	m.lastSuccess.Set(float64(at.Unix()))
}

func (m *Metrics) SnapshotFailed() {
	m.snapshots.WithLabelValues("failure").Inc()
}
