// Package metrics exposes natproxy counters to Prometheus. Every method is
// safe on a nil *Metrics so components can run without instrumentation.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Drop reasons used with PacketDropped.
const (
	DropHandshakeACK = "handshake_ack"
	DropNoSession    = "no_session"
	DropMalformed    = "malformed"
	DropWriteError   = "write_error"
)

// Metrics holds all natproxy Prometheus metrics
type Metrics struct {
	// Engine
	PacketsRead    prometheus.Counter
	PacketsWritten *prometheus.CounterVec
	Bytes          *prometheus.CounterVec
	PacketsDropped *prometheus.CounterVec
	DNSQueries     prometheus.Counter
	DNSFailures    prometheus.Counter

	// Session table
	SessionsCreated prometheus.Counter
	SessionsEvicted prometheus.Counter
	SessionsActive  prometheus.Gauge

	// Tunnels
	TunnelsOpened *prometheus.CounterVec
	TunnelErrors  *prometheus.CounterVec
	TunnelsActive prometheus.Gauge
}

// NewMetrics creates a new Prometheus metrics collector
func NewMetrics() *Metrics {
	return &Metrics{
		PacketsRead: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "natproxy_packets_read_total",
			Help: "Total number of packets read from the virtual interface",
		}),
		PacketsWritten: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "natproxy_packets_written_total",
			Help: "Total number of packets written back to the virtual interface",
		}, []string{"direction"}),
		Bytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "natproxy_bytes_total",
			Help: "Total number of IP bytes forwarded by direction",
		}, []string{"direction"}),
		PacketsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "natproxy_packets_dropped_total",
			Help: "Total number of packets dropped by reason",
		}, []string{"reason"}),
		DNSQueries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "natproxy_dns_queries_total",
			Help: "Total number of DNS queries handed to the resolver",
		}),
		DNSFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "natproxy_dns_failures_total",
			Help: "Total number of DNS queries answered with SERVFAIL",
		}),

		SessionsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "natproxy_sessions_created_total",
			Help: "Total number of NAT sessions created",
		}),
		SessionsEvicted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "natproxy_sessions_evicted_total",
			Help: "Total number of NAT sessions evicted or replaced",
		}),
		SessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "natproxy_sessions_active",
			Help: "Number of NAT sessions in the table",
		}),

		TunnelsOpened: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "natproxy_tunnels_opened_total",
			Help: "Total number of tunnels connected by kind",
		}, []string{"kind"}),
		TunnelErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "natproxy_tunnel_errors_total",
			Help: "Total number of tunnel failures by kind and error kind",
		}, []string{"kind", "error"}),
		TunnelsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "natproxy_tunnels_active",
			Help: "Number of proxied connections currently open",
		}),
	}
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.PacketsRead, m.PacketsWritten, m.Bytes, m.PacketsDropped, m.DNSQueries, m.DNSFailures,
		m.SessionsCreated, m.SessionsEvicted, m.SessionsActive,
		m.TunnelsOpened, m.TunnelErrors, m.TunnelsActive,
	}
}

// Describe implements prometheus.Collector
func (m *Metrics) Describe(ch chan<- *prometheus.Desc) {
	for _, c := range m.collectors() {
		c.Describe(ch)
	}
}

// Collect implements prometheus.Collector
func (m *Metrics) Collect(ch chan<- prometheus.Metric) {
	for _, c := range m.collectors() {
		c.Collect(ch)
	}
}

// Register adds the metrics to reg.
func (m *Metrics) Register(reg prometheus.Registerer) error {
	return reg.Register(m)
}

// Handler serves the metrics gathered from g.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

func (m *Metrics) PacketRead() {
	if m == nil {
		return
	}
	m.PacketsRead.Inc()
}

// PacketForwarded counts a packet of n bytes written in direction
// ("outbound" toward the proxy, "inbound" back to the application).
func (m *Metrics) PacketForwarded(direction string, n int) {
	if m == nil {
		return
	}
	m.PacketsWritten.WithLabelValues(direction).Inc()
	m.Bytes.WithLabelValues(direction).Add(float64(n))
}

func (m *Metrics) PacketDropped(reason string) {
	if m == nil {
		return
	}
	m.PacketsDropped.WithLabelValues(reason).Inc()
}

func (m *Metrics) DNSQuery() {
	if m == nil {
		return
	}
	m.DNSQueries.Inc()
}

func (m *Metrics) DNSFailure() {
	if m == nil {
		return
	}
	m.DNSFailures.Inc()
}

func (m *Metrics) SessionCreated() {
	if m == nil {
		return
	}
	m.SessionsCreated.Inc()
}

func (m *Metrics) SessionEvicted() {
	if m == nil {
		return
	}
	m.SessionsEvicted.Inc()
}

func (m *Metrics) SetSessionsActive(n int) {
	if m == nil {
		return
	}
	m.SessionsActive.Set(float64(n))
}

// TunnelOpened counts a connected tunnel and bumps the active gauge.
// Call TunnelClosed when it ends.
func (m *Metrics) TunnelOpened(kind string) {
	if m == nil {
		return
	}
	m.TunnelsOpened.WithLabelValues(kind).Inc()
	m.TunnelsActive.Inc()
}

func (m *Metrics) TunnelClosed() {
	if m == nil {
		return
	}
	m.TunnelsActive.Dec()
}

func (m *Metrics) TunnelError(kind, errKind string) {
	if m == nil {
		return
	}
	m.TunnelErrors.WithLabelValues(kind, errKind).Inc()
}
