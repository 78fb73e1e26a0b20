package admission

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	outcomeAllow       = "allow"
	outcomeRejectShort = "reject_short"
	outcomeRejectLong  = "reject_long"
	outcomeUnlimited   = "unlimited"
	outcomeError       = "error"
)

type Metrics struct {
	Decisions    *prometheus.CounterVec
	Fallbacks    *prometheus.CounterVec
	StoreLatency *prometheus.HistogramVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "quotagate_admission_decisions_total",
			Help: "Admission decisions by resolved plan, action and outcome",
		}, []string{"plan", "action", "outcome"}),
		Fallbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "quotagate_admission_fallback_total",
			Help: "Admission checks that degraded to the in-process fallback store",
		}, []string{"backend"}),
		StoreLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "quotagate_counter_store_duration_seconds",
			Help:    "Latency of primary counter store increments",
			Buckets: []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25, .5, 1},
		}, []string{"backend"}),
	}
	reg.MustRegister(m.Decisions, m.Fallbacks, m.StoreLatency)
	return m
}

func (m *Metrics) decision(plan, action, outcome string) {
	if m == nil {
		return
	}
	m.Decisions.WithLabelValues(plan, action, outcome).Inc()
}

func (m *Metrics) fallback(backend string) {
	if m == nil {
		return
	}
	m.Fallbacks.WithLabelValues(backend).Inc()
}

func (m *Metrics) storeLatency(backend string, d time.Duration) {
	if m == nil {
		return
	}
	m.StoreLatency.WithLabelValues(backend).Observe(d.Seconds())
}
