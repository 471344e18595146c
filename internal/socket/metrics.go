package socket

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds Prometheus collectors for the socket transport.
//
//   - mcpgateway_socket_connections - open connections
//   - mcpgateway_socket_rejected_total{reason} - refused or dropped connections
//   - mcpgateway_socket_frames_total{kind} - inbound frames
type Metrics struct {
	Connections prometheus.Gauge
	Rejected    *prometheus.CounterVec
	Frames      *prometheus.CounterVec
}

// NewMetrics registers the socket metrics on reg, or on the default
// registerer when reg is nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)
	return &Metrics{
		Connections: f.NewGauge(prometheus.GaugeOpts{
			Name: "mcpgateway_socket_connections",
			Help: "Open socket connections",
		}),
		Rejected: f.NewCounterVec(prometheus.CounterOpts{
			Name: "mcpgateway_socket_rejected_total",
			Help: "Socket connections refused at the handshake or dropped later, by reason",
		}, []string{"reason"}),
		Frames: f.NewCounterVec(prometheus.CounterOpts{
			Name: "mcpgateway_socket_frames_total",
			Help: "Inbound socket frames by kind",
		}, []string{"kind"}),
	}
}

func (m *Metrics) setConnections(n int) {
	if m != nil {
		m.Connections.Set(float64(n))
	}
}

func (m *Metrics) reject(reason string) {
	if m != nil {
		m.Rejected.WithLabelValues(reason).Inc()
	}
}

func (m *Metrics) frame(kind string) {
	if m != nil {
		m.Frames.WithLabelValues(kind).Inc()
	}
}
