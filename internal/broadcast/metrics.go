package broadcast

import "github.com/prometheus/client_golang/prometheus"

// Metrics counts per-member outcomes of group sends. A nil *Metrics records nothing.
type Metrics struct {
	results *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them on reg when non-nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		results: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "devicehub_group_results_total",
			Help: "Per-member outcomes of group commands.",
		}, []string{"status"}),
	}
	if reg != nil {
		reg.MustRegister(m.results)
	}
	return m
}

func (m *Metrics) result(s Status) {
	if m != nil {
		m.results.WithLabelValues(string(s)).Inc()
	}
}
