package server

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the server's Prometheus instruments. Pass a registry via
// WithRegistry to expose them; the default registry is used otherwise.
type Metrics struct {
	ConnectionsTotal  prometheus.Counter
	ActiveConnections prometheus.Gauge
	RequestsTotal     *prometheus.CounterVec
	RequestDuration   *prometheus.HistogramVec
	WebSocketUpgrades prometheus.Counter
	WebSocketMessages prometheus.Counter
	TunnelsTotal      prometheus.Counter
	TLSHandshakeFails prometheus.Counter
}

// NewMetrics creates and registers all instruments with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	return &Metrics{
		ConnectionsTotal: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Namespace: "portico",
				Name:      "connections_total",
				Help:      "Total accepted TCP connections",
			},
		),
		ActiveConnections: promauto.With(reg).NewGauge(
			prometheus.GaugeOpts{
				Namespace: "portico",
				Name:      "active_connections",
				Help:      "Connections currently being served",
			},
		),
		RequestsTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "portico",
				Name:      "requests_total",
				Help:      "Total HTTP requests served",
			},
			[]string{"method", "status"},
		),
		RequestDuration: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "portico",
				Name:      "request_duration_seconds",
				Help:      "Request handling duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method"},
		),
		WebSocketUpgrades: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Namespace: "portico",
				Name:      "websocket_upgrades_total",
				Help:      "Total successful WebSocket upgrades",
			},
		),
		WebSocketMessages: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Namespace: "portico",
				Name:      "websocket_messages_total",
				Help:      "Total WebSocket messages received and sent",
			},
		),
		TunnelsTotal: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Namespace: "portico",
				Name:      "connect_tunnels_total",
				Help:      "Total CONNECT tunnels established",
			},
		),
		TLSHandshakeFails: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Namespace: "portico",
				Name:      "tls_handshake_failures_total",
				Help:      "Total failed TLS handshakes",
			},
		),
	}
}
