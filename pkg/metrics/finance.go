package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// FinanceMetrics covers payout dispatch, webhooks, the outbox and integrity
// alerts. A nil receiver is a no-op so tests can pass nil.
type FinanceMetrics struct {
	dispatch    *prometheus.CounterVec
	dispatchDur prometheus.Histogram
	transitions *prometheus.CounterVec
	webhooks    *prometheus.CounterVec
	outbox      *prometheus.CounterVec
	alerts      *prometheus.CounterVec
}

func NewFinanceMetrics(reg prometheus.Registerer) *FinanceMetrics {
	if reg == nil {
		return nil
	}
	m := &FinanceMetrics{
		dispatch: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "settlement_payout_dispatch_total",
			Help: "Payout dispatch attempts by outcome.",
		}, []string{"outcome"}),
		dispatchDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "settlement_payout_dispatch_seconds",
			Help:    "Latency of provider payout calls.",
			Buckets: prometheus.DefBuckets,
		}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "settlement_payout_transitions_total",
			Help: "Payout state transitions by target state.",
		}, []string{"to"}),
		webhooks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "settlement_webhook_events_total",
			Help: "Inbound provider webhooks by result.",
		}, []string{"result"}),
		outbox: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "settlement_outbox_events_total",
			Help: "Outbox publish attempts by result.",
		}, []string{"result"}),
		alerts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "settlement_integrity_alerts_total",
			Help: "Integrity alerts raised by type.",
		}, []string{"type"}),
	}
	reg.MustRegister(m.dispatch, m.dispatchDur, m.transitions, m.webhooks, m.outbox, m.alerts)
	return m
}

func (m *FinanceMetrics) ObserveDispatch(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.dispatch.WithLabelValues(normalizeLabel(outcome)).Inc()
	m.dispatchDur.Observe(d.Seconds())
}

func (m *FinanceMetrics) IncTransition(to string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(normalizeLabel(to)).Inc()
}

func (m *FinanceMetrics) IncWebhook(result string) {
	if m == nil {
		return
	}
	m.webhooks.WithLabelValues(normalizeLabel(result)).Inc()
}

func (m *FinanceMetrics) IncOutbox(result string) {
	if m == nil {
		return
	}
	m.outbox.WithLabelValues(normalizeLabel(result)).Inc()
}

func (m *FinanceMetrics) IncAlert(alertType string) {
	if m == nil {
		return
	}
	m.alerts.WithLabelValues(normalizeLabel(alertType)).Inc()
}
