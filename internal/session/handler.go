package session

import (
	"errors"
	"log/slog"

	"github.com/lobbygrid/lobbygrid/internal/protocol"
)

// Handler registration errors.
var (
	// ErrNilHandler indicates a nil handler was registered.
	ErrNilHandler = errors.New("nil packet handler")

	// ErrDuplicateHandler indicates the handler value is already registered
	// for the packet type.
	ErrDuplicateHandler = errors.New("handler already registered for packet type")

	// ErrDetached indicates the session is not attached to a server.
	ErrDetached = errors.New("session not attached to a server")
)

// PacketHandler consumes one raw payload routed into the session.
// Implementations are comparable values so duplicate registration can be
// detected.
type PacketHandler interface {
	Handle(s *Session, uid uint64, payload []byte)
}

// typedHandler decodes the payload into T before invoking fn.
type typedHandler[T any] struct {
	fn func(s *Session, uid uint64, payload T)
}

func (h *typedHandler[T]) Handle(s *Session, uid uint64, payload []byte) {
	value, err := protocol.ParsePayload[T](payload)
	if err != nil {
		s.logger.Warn("session payload decode failed",
			slog.Uint64("uid", uid),
			slog.String("error", err.Error()),
		)
	}
	h.fn(s, uid, value)
}

// NewHandler wraps fn as a PacketHandler that msgpack-decodes the payload
// into T. On decode failure the error is logged and fn still runs with the
// zero value.
func NewHandler[T any](fn func(s *Session, uid uint64, payload T)) PacketHandler {
	return &typedHandler[T]{fn: fn}
}

// emptyHandler ignores the payload bytes.
type emptyHandler struct {
	fn func(s *Session, uid uint64)
}

func (h *emptyHandler) Handle(s *Session, uid uint64, _ []byte) {
	h.fn(s, uid)
}

// NewEmptyHandler wraps fn as a PacketHandler for payload-less packets.
func NewEmptyHandler(fn func(s *Session, uid uint64)) PacketHandler {
	return &emptyHandler{fn: fn}
}
