package sse

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds Prometheus collectors for the push transport.
//
//   - mcpgateway_sse_connections - open streams
//   - mcpgateway_sse_events_total{event} - events written
//   - mcpgateway_sse_evictions_total{reason} - streams closed by the server
//   - mcpgateway_sse_rejected_total{reason} - streams refused before opening
type Metrics struct {
	Connections prometheus.Gauge
	Events      *prometheus.CounterVec
	Evictions   *prometheus.CounterVec
	Rejected    *prometheus.CounterVec
}

// NewMetrics registers the push metrics on reg, or on the default registerer
// when reg is nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)
	return &Metrics{
		Connections: f.NewGauge(prometheus.GaugeOpts{
			Name: "mcpgateway_sse_connections",
			Help: "Open event streams",
		}),
		Events: f.NewCounterVec(prometheus.CounterOpts{
			Name: "mcpgateway_sse_events_total",
			Help: "Events written to streams by event name",
		}, []string{"event"}),
		Evictions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "mcpgateway_sse_evictions_total",
			Help: "Streams closed by the server by reason",
		}, []string{"reason"}),
		Rejected: f.NewCounterVec(prometheus.CounterOpts{
			Name: "mcpgateway_sse_rejected_total",
			Help: "Stream requests refused before opening by reason",
		}, []string{"reason"}),
	}
}

func (m *Metrics) setConnections(n int) {
	if m != nil {
		m.Connections.Set(float64(n))
	}
}

func (m *Metrics) event(name string) {
	if m != nil {
		m.Events.WithLabelValues(name).Inc()
	}
}

func (m *Metrics) evicted(reason string) {
	if m != nil {
		m.Evictions.WithLabelValues(reason).Inc()
	}
}

func (m *Metrics) reject(reason string) {
	if m != nil {
		m.Rejected.WithLabelValues(reason).Inc()
	}
}
