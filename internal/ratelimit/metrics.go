package ratelimit

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds Prometheus counters for limiter decisions.
//
//   - mcpgateway_ratelimit_decisions_total{outcome} - allowed or blocked
type Metrics struct {
	Decisions *prometheus.CounterVec
}

// NewMetrics registers the limiter metrics on reg. A nil reg uses the
// default registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	return &Metrics{
		Decisions: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "mcpgateway_ratelimit_decisions_total",
				Help: "Rate limiter decisions by outcome",
			},
			[]string{"outcome"},
		),
	}
}

func (m *Metrics) observe(allowed bool) {
	if m == nil {
		return
	}
	outcome := "allowed"
	if !allowed {
		outcome = "blocked"
	}
	m.Decisions.WithLabelValues(outcome).Inc()
}
