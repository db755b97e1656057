// Package metrics exposes the relay's Prometheus instruments. A nil
// *Metrics is valid and records nothing.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "backhaul"

// Pending request outcomes.
const (
	OutcomeReply      = "reply"
	OutcomeTimeout    = "timeout"
	OutcomeDisconnect = "disconnect"
	OutcomeCanceled   = "canceled"
)

type Metrics struct {
	registry *prometheus.Registry

	connections      *prometheus.GaugeVec
	handshakeRejects *prometheus.CounterVec
	tcpSessions      prometheus.Gauge
	pending          prometheus.Gauge
	pendingOutcomes  *prometheus.CounterVec
	framesDropped    *prometheus.CounterVec
	deliveries       *prometheus.CounterVec
	upstreamUp       prometheus.Gauge
	upstreamDials    *prometheus.CounterVec
}

// New creates the instruments on a fresh registry that also carries the Go
// runtime and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		connections: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "hub", Name: "connections",
			Help: "Open hub connections by mode.",
		}, []string{"mode"}),
		handshakeRejects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "hub", Name: "handshake_rejects_total",
			Help: "Rejected connection handshakes by reason.",
		}, []string{"reason"}),
		tcpSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "hub", Name: "tcp_sessions",
			Help: "Open TCP passthrough sessions.",
		}),
		pending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "hub", Name: "pending_requests",
			Help: "Requests awaiting a device reply.",
		}),
		pendingOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "hub", Name: "pending_outcomes_total",
			Help: "Completed device requests by outcome.",
		}, []string{"outcome"}),
		framesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "frames_dropped_total",
			Help: "Frames dropped by reason.",
		}, []string{"reason"}),
		deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "relay", Name: "deliveries_total",
			Help: "Planned deliveries by route.",
		}, []string{"route"}),
		upstreamUp: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "upstream", Name: "connected",
			Help: "1 while the upstream connector is open.",
		}),
		upstreamDials: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "upstream", Name: "dials_total",
			Help: "Upstream dial attempts by result.",
		}, []string{"result"}),
	}
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.connections, m.handshakeRejects, m.tcpSessions, m.pending,
		m.pendingOutcomes, m.framesDropped, m.deliveries, m.upstreamUp, m.upstreamDials,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) ConnectionOpened(mode string) {
	if m != nil {
		m.connections.WithLabelValues(mode).Inc()
	}
}

func (m *Metrics) ConnectionClosed(mode string) {
	if m != nil {
		m.connections.WithLabelValues(mode).Dec()
	}
}

func (m *Metrics) HandshakeRejected(reason string) {
	if m != nil {
		m.handshakeRejects.WithLabelValues(reason).Inc()
	}
}

func (m *Metrics) TCPSessionOpened() {
	if m != nil {
		m.tcpSessions.Inc()
	}
}

func (m *Metrics) TCPSessionClosed() {
	if m != nil {
		m.tcpSessions.Dec()
	}
}

func (m *Metrics) PendingAdded() {
	if m != nil {
		m.pending.Inc()
	}
}

// PendingDone records the single completion of a pending request.
func (m *Metrics) PendingDone(outcome string) {
	if m != nil {
		m.pending.Dec()
		m.pendingOutcomes.WithLabelValues(outcome).Inc()
	}
}

func (m *Metrics) FrameDropped(reason string) {
	if m != nil {
		m.framesDropped.WithLabelValues(reason).Inc()
	}
}

func (m *Metrics) Delivery(route string) {
	if m != nil {
		m.deliveries.WithLabelValues(route).Inc()
	}
}

func (m *Metrics) UpstreamConnected(up bool) {
	if m == nil {
		return
	}
	if up {
		m.upstreamUp.Set(1)
		return
	}
	m.upstreamUp.Set(0)
}

func (m *Metrics) UpstreamDial(result string) {
	if m != nil {
		m.upstreamDials.WithLabelValues(result).Inc()
	}
}
