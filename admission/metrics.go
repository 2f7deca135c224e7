package admission

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics are the admission counters exported to Prometheus.
type Metrics struct {
	Admitted  prometheus.Counter
	Rejected  *prometheus.CounterVec
	FailOpen  prometheus.Counter
	TokensCut prometheus.Counter
}

// NewMetrics registers the admission collectors on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Admitted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "gatehouse",
			Subsystem: "admission",
			Name:      "admitted_total",
			Help:      "Requests that passed the admission gate.",
		}),
		Rejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gatehouse",
			Subsystem: "admission",
			Name:      "rejected_total",
			Help:      "Requests rejected by the admission gate.",
		}, []string{"reason"}),
		FailOpen: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "gatehouse",
			Subsystem: "admission",
			Name:      "fail_open_total",
			Help:      "Requests admitted unbudgeted after counter retry exhaustion.",
		}),
		TokensCut: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "gatehouse",
			Subsystem: "admission",
			Name:      "tokens_issued_total",
			Help:      "Admission tokens issued.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.Admitted, m.Rejected, m.FailOpen, m.TokensCut)
	}
	return m
}
