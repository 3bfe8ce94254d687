// Package observability exposes Prometheus metrics for the billing engine.
package observability

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/chatpay/billing-engine/internal/events"
)

type Metrics struct {
	Transitions   *prometheus.CounterVec
	Ticks         *prometheus.CounterVec
	BilledUnits   prometheus.Counter
	LowBalance    prometheus.Counter
	ActiveCalls   prometheus.Gauge
	LedgerRetries prometheus.Counter
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		Transitions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "billing_call_transitions_total",
			Help: "Call state transitions by destination state and end reason.",
		}, []string{"to_state", "reason"}),
		Ticks: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "billing_ticks_total",
			Help: "Billing ticks by outcome.",
		}, []string{"result"}),
		BilledUnits: factory.NewCounter(prometheus.CounterOpts{
			Name: "billing_charged_minor_units_total",
			Help: "Total minor units deducted for calls.",
		}),
		LowBalance: factory.NewCounter(prometheus.CounterOpts{
			Name: "billing_low_balance_warnings_total",
			Help: "Low balance warnings emitted during active calls.",
		}),
		ActiveCalls: factory.NewGauge(prometheus.GaugeOpts{
			Name: "billing_active_calls",
			Help: "Calls currently metered.",
		}),
		LedgerRetries: factory.NewCounter(prometheus.CounterOpts{
			Name: "billing_ledger_retries_total",
			Help: "Retried ledger writes after transient failures.",
		}),
	}
}

// Name and Handle make Metrics an events.Subscriber so transition counts
// come from the same stream the notification system sees.
func (m *Metrics) Name() string { return "prometheus" }

func (m *Metrics) Handle(_ context.Context, e events.Event) error {
	switch e.Kind {
	case events.KindLowBalanceWarning:
		m.LowBalance.Inc()
	case events.KindStateTransition:
		m.Transitions.WithLabelValues(string(e.ToState), e.Reason).Inc()
	}
	return nil
}
