package pulse

import "github.com/prometheus/client_golang/prometheus"

// Metrics are the scheduler gauges and counters exported to Prometheus.
type Metrics struct {
	Pulses         prometheus.Counter
	MinuteActions  prometheus.Counter
	Overloads      prometheus.Counter
	TokensFused    prometheus.Counter
	ActiveSessions prometheus.Gauge
	BusyAddresses  prometheus.Gauge
}

// NewMetrics registers the scheduler collectors on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Pulses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "gatehouse", Subsystem: "pulse", Name: "pulses_total",
			Help: "Scheduler pulses performed.",
		}),
		MinuteActions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "gatehouse", Subsystem: "pulse", Name: "minute_actions_total",
			Help: "Minute actions performed.",
		}),
		Overloads: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "gatehouse", Subsystem: "pulse", Name: "overloads_total",
			Help: "Alarm runs that fell behind their schedule.",
		}),
		TokensFused: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "gatehouse", Subsystem: "pulse", Name: "tokens_fused_total",
			Help: "Admission tokens fused for exceeding their budget.",
		}),
		ActiveSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "gatehouse", Subsystem: "pulse", Name: "active_sessions",
			Help: "Sessions not yet swept, as of the last minute action.",
		}),
		BusyAddresses: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "gatehouse", Subsystem: "pulse", Name: "busy_addresses",
			Help: "Addresses with requests this minute, as of the last minute action.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.Pulses, m.MinuteActions, m.Overloads,
			m.TokensFused, m.ActiveSessions, m.BusyAddresses)
	}
	return m
}
