package server

import (
	"log/slog"

	"github.com/lobbygrid/lobbygrid/internal/protocol"
	"github.com/lobbygrid/lobbygrid/internal/transport"
)

// PacketHandler consumes one decoded frame's raw payload. Implementations
// are comparable values so duplicate registration can be detected.
type PacketHandler interface {
	Handle(s *Server, peer transport.Peer, payload []byte)
}

// typedHandler decodes the payload into T before invoking fn.
type typedHandler[T any] struct {
	fn func(s *Server, peer transport.Peer, payload T)
}

func (h *typedHandler[T]) Handle(s *Server, peer transport.Peer, payload []byte) {
	value, err := protocol.ParsePayload[T](payload)
	if err != nil {
		s.logger.Warn("payload decode failed",
			slog.Uint64("peer", peer.ID()),
			slog.String("error", err.Error()),
		)
	}
	h.fn(s, peer, value)
}

// NewHandler wraps fn as a PacketHandler that msgpack-decodes the payload
// into T. On decode failure the error is logged and fn still runs with the
// zero value; result payloads carry their own success flags.
func NewHandler[T any](fn func(s *Server, peer transport.Peer, payload T)) PacketHandler {
	return &typedHandler[T]{fn: fn}
}

// emptyHandler ignores the payload bytes.
type emptyHandler struct {
	fn func(s *Server, peer transport.Peer)
}

func (h *emptyHandler) Handle(s *Server, peer transport.Peer, _ []byte) {
	h.fn(s, peer)
}

// NewEmptyHandler wraps fn as a PacketHandler for payload-less packets.
func NewEmptyHandler(fn func(s *Server, peer transport.Peer)) PacketHandler {
	return &emptyHandler{fn: fn}
}

// MetricsReporter receives operational counters from the servers. The
// Prometheus implementation lives in internal/metrics; a no-op is used when
// none is supplied.
type MetricsReporter interface {
	PeerConnected(serverType string)
	PeerDisconnected(serverType string)
	IncPacketsReceived(serverType string)
	IncPacketsSent(serverType string)
	IncPacketsDropped(serverType, reason string)
	SessionAttached(sessionType string)
	SessionDetached(sessionType string)
	ServerProvisioned()
	IncJoinFailures(sessionType string)
}

// noopMetrics discards all reports.
type noopMetrics struct{}

func (noopMetrics) PeerConnected(string)             {}
func (noopMetrics) PeerDisconnected(string)          {}
func (noopMetrics) IncPacketsReceived(string)        {}
func (noopMetrics) IncPacketsSent(string)            {}
func (noopMetrics) IncPacketsDropped(string, string) {}
func (noopMetrics) SessionAttached(string)           {}
func (noopMetrics) SessionDetached(string)           {}
func (noopMetrics) ServerProvisioned()               {}
func (noopMetrics) IncJoinFailures(string)           {}
