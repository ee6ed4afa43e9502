package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// -------------------------------------------------------------------------
// Prometheus Metric Constants
// -------------------------------------------------------------------------

const namespace = "lobbygrid"

// Label names for lobbygrid metrics.
const (
	labelServerType  = "server_type"
	labelSessionType = "session_type"
	labelReason      = "reason"
)

// -------------------------------------------------------------------------
// Collector — Prometheus Fleet Metrics
// -------------------------------------------------------------------------

// Collector holds all lobbygrid Prometheus metrics.
//
// Metrics are designed for fleet operation:
//   - Peer and session gauges track current occupancy.
//   - Packet counters track receive/send/drop volumes per server type.
//   - Session lifecycle counters record churn and join failures for alerting.
type Collector struct {
	// ConnectedPeers tracks currently connected transport peers per server
	// type. Incremented on connect, decremented on disconnect.
	ConnectedPeers *prometheus.GaugeVec

	// LiveSessions tracks currently attached sessions per session type.
	LiveSessions *prometheus.GaugeVec

	// SessionServers tracks the number of provisioned session servers.
	SessionServers prometheus.Gauge

	// PacketsReceived counts inbound packets dispatched per server type.
	PacketsReceived *prometheus.CounterVec

	// PacketsSent counts outbound packets handed to the transport per server
	// type.
	PacketsSent *prometheus.CounterVec

	// PacketsDropped counts packets discarded (decode failure, unknown peer,
	// full queue) per server type and reason.
	PacketsDropped *prometheus.CounterVec

	// SessionsCreated counts sessions placed on the fleet per session type.
	SessionsCreated *prometheus.CounterVec

	// JoinFailures counts rejected join attempts per session type.
	JoinFailures *prometheus.CounterVec
}

// NewCollector creates a Collector with all metrics registered against the
// provided prometheus.Registerer. If reg is nil, prometheus.DefaultRegisterer
// is used.
//
// All metrics are created with the "lobbygrid_" prefix to avoid collisions
// with other exporters.
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	c := newMetrics()

	reg.MustRegister(
		c.ConnectedPeers,
		c.LiveSessions,
		c.SessionServers,
		c.PacketsReceived,
		c.PacketsSent,
		c.PacketsDropped,
		c.SessionsCreated,
		c.JoinFailures,
	)

	return c
}

// newMetrics creates all Prometheus metric vectors without registering them.
func newMetrics() *Collector {
	serverLabels := []string{labelServerType}
	sessionLabels := []string{labelSessionType}
	dropLabels := []string{labelServerType, labelReason}

	return &Collector{
		ConnectedPeers: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connected_peers",
			Help:      "Number of currently connected transport peers.",
		}, serverLabels),

		LiveSessions: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "live_sessions",
			Help:      "Number of currently attached sessions.",
		}, sessionLabels),

		SessionServers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "session_servers",
			Help:      "Number of provisioned session servers.",
		}),

		PacketsReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "packets_received_total",
			Help:      "Total inbound packets dispatched to handlers.",
		}, serverLabels),

		PacketsSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "packets_sent_total",
			Help:      "Total outbound packets handed to the transport.",
		}, serverLabels),

		PacketsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "packets_dropped_total",
			Help:      "Total packets discarded before dispatch or send.",
		}, dropLabels),

		SessionsCreated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_created_total",
			Help:      "Total sessions placed on the fleet.",
		}, sessionLabels),

		JoinFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "join_failures_total",
			Help:      "Total rejected session join attempts.",
		}, sessionLabels),
	}
}

// -------------------------------------------------------------------------
// Peer Lifecycle
// -------------------------------------------------------------------------

// PeerConnected increments the connected peers gauge for the server type.
func (c *Collector) PeerConnected(serverType string) {
	c.ConnectedPeers.WithLabelValues(serverType).Inc()
}

// PeerDisconnected decrements the connected peers gauge for the server type.
func (c *Collector) PeerDisconnected(serverType string) {
	c.ConnectedPeers.WithLabelValues(serverType).Dec()
}

// -------------------------------------------------------------------------
// Packet Counters
// -------------------------------------------------------------------------

// IncPacketsReceived increments the inbound packet counter.
func (c *Collector) IncPacketsReceived(serverType string) {
	c.PacketsReceived.WithLabelValues(serverType).Inc()
}

// IncPacketsSent increments the outbound packet counter.
func (c *Collector) IncPacketsSent(serverType string) {
	c.PacketsSent.WithLabelValues(serverType).Inc()
}

// IncPacketsDropped increments the dropped packet counter with a reason
// label (e.g. "decode", "unknown_peer", "send").
func (c *Collector) IncPacketsDropped(serverType, reason string) {
	c.PacketsDropped.WithLabelValues(serverType, reason).Inc()
}

// -------------------------------------------------------------------------
// Session Lifecycle
// -------------------------------------------------------------------------

// SessionAttached increments the live sessions gauge and the created counter.
func (c *Collector) SessionAttached(sessionType string) {
	c.LiveSessions.WithLabelValues(sessionType).Inc()
	c.SessionsCreated.WithLabelValues(sessionType).Inc()
}

// SessionDetached decrements the live sessions gauge.
func (c *Collector) SessionDetached(sessionType string) {
	c.LiveSessions.WithLabelValues(sessionType).Dec()
}

// ServerProvisioned increments the session server gauge.
func (c *Collector) ServerProvisioned() {
	c.SessionServers.Inc()
}

// IncJoinFailures increments the rejected join counter.
func (c *Collector) IncJoinFailures(sessionType string) {
	c.JoinFailures.WithLabelValues(sessionType).Inc()
}
