// Package session holds the per-room state a session server hosts: member
// roster, typed packet handlers, and the fixed-rate tick loop driving the
// room's simulation.
package session

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lobbygrid/lobbygrid/internal/protocol"
	"github.com/lobbygrid/lobbygrid/internal/transport"
)

// defaultFramerate is used when Options.Framerate is non-positive.
const defaultFramerate = 60

// TickFunc advances the session's simulation. delta is the wall-clock time
// since the previous tick. Runs on the session's tick goroutine.
type TickFunc func(s *Session, delta time.Duration)

// ServerHandle is the session's view of the server hosting it. Installed at
// attach time; all methods are safe from the tick goroutine.
type ServerHandle interface {
	// PeerByUID resolves a logged-in user to its transport peer.
	PeerByUID(uid uint64) (transport.Peer, bool)

	// Send delivers pkt to peer on the given channel.
	Send(peer transport.Peer, channel uint8, pkt *protocol.Packet) error
}

// Options carries the construction parameters for a Session.
type Options struct {
	// Info describes the session. Identifier and CurrentPlayers are managed
	// by the hosting server.
	Info protocol.SessionInfo

	// Password guards joins when non-nil.
	Password *string

	// Framerate is the tick rate in ticks per second.
	Framerate int

	// Tick is invoked once per tick. May be nil.
	Tick TickFunc
}

// Session is one live room. Member and info mutations race between the tick
// goroutine and the server's event worker, so both go through the mutex.
type Session struct {
	framerate int
	tick      TickFunc
	password  *string

	mu       sync.RWMutex
	info     protocol.SessionInfo
	members  []uint64
	present  map[uint64]struct{}
	handlers map[uint16][]PacketHandler
	handle   ServerHandle

	running atomic.Bool

	// tickMu guards the stop handshake. stopCh is non-nil while a tick loop
	// owns the session; pendingStop records a Stop that arrived before the
	// loop's goroutine was scheduled, so the stop is not lost to that race.
	tickMu      sync.Mutex
	stopCh      chan struct{}
	pendingStop bool

	logger *slog.Logger
}

// New creates a detached Session. It does not tick until a server attaches
// it and starts RunTicker.
func New(opt Options, logger *slog.Logger) *Session {
	framerate := opt.Framerate
	if framerate <= 0 {
		framerate = defaultFramerate
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Session{
		framerate: framerate,
		tick:      opt.Tick,
		password:  opt.Password,
		info:      opt.Info,
		present:   make(map[uint64]struct{}),
		handlers:  make(map[uint16][]PacketHandler),
		logger:    logger.With(slog.String("component", "session")),
	}
}

// Bind installs the hosting server's handle and the session's fleet-wide
// identifier. Called by the server before the tick loop starts.
func (s *Session) Bind(handle ServerHandle, id protocol.SessionIdentifier) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handle = handle
	s.info.Identifier = id
	s.logger = s.logger.With(
		slog.Uint64("session_port", uint64(id.SessionPort)),
		slog.Uint64("session_number", uint64(id.SessionNumber)),
	)
}

// Info returns a snapshot of the session's descriptor with CurrentPlayers
// reflecting the live member count.
func (s *Session) Info() protocol.SessionInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	info := s.info
	info.CurrentPlayers = uint8(len(s.members))
	return info
}

// Identifier returns the session's fleet-wide identifier.
func (s *Session) Identifier() protocol.SessionIdentifier {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.info.Identifier
}

// ComparePassword reports whether supplied satisfies the session's password.
// A session without a password admits everyone.
func (s *Session) ComparePassword(supplied *string) bool {
	if s.password == nil {
		return true
	}
	return supplied != nil && *supplied == *s.password
}

// Full reports whether the session is at its player cap.
func (s *Session) Full() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.info.MaxPlayers > 0 && len(s.members) >= int(s.info.MaxPlayers)
}

// -------------------------------------------------------------------------
// Membership
// -------------------------------------------------------------------------

// AddMember records uid as a member. Returns false when uid already is one.
func (s *Session) AddMember(uid uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.present[uid]; ok {
		return false
	}
	s.present[uid] = struct{}{}
	s.members = append(s.members, uid)
	return true
}

// RemoveMember removes uid. removed reports whether uid was a member; empty
// reports whether the session has no members left afterwards.
func (s *Session) RemoveMember(uid uint64) (removed, empty bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.present[uid]; !ok {
		return false, len(s.members) == 0
	}
	delete(s.present, uid)
	for i, member := range s.members {
		if member == uid {
			s.members = append(s.members[:i], s.members[i+1:]...)
			break
		}
	}
	return true, len(s.members) == 0
}

// HasMember reports whether uid is a member.
func (s *Session) HasMember(uid uint64) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.present[uid]
	return ok
}

// MemberCount returns the live member count.
func (s *Session) MemberCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.members)
}

// Members returns the member uids in join order.
func (s *Session) Members() []uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]uint64, len(s.members))
	copy(out, s.members)
	return out
}

// -------------------------------------------------------------------------
// Handlers and dispatch
// -------------------------------------------------------------------------

// RegisterPacketHandler appends handler for typeID. The same handler value
// registered twice for one type is rejected.
func (s *Session) RegisterPacketHandler(typeID uint16, handler PacketHandler) error {
	if handler == nil {
		return ErrNilHandler
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.handlers[typeID] {
		if existing == handler {
			return ErrDuplicateHandler
		}
	}
	s.handlers[typeID] = append(s.handlers[typeID], handler)
	return nil
}

// RemovePacketHandler removes handler from typeID's list. Reports whether it
// was registered.
func (s *Session) RemovePacketHandler(typeID uint16, handler PacketHandler) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	list := s.handlers[typeID]
	for i, existing := range list {
		if existing == handler {
			s.handlers[typeID] = append(list[:i], list[i+1:]...)
			return true
		}
	}
	return false
}

// Dispatch routes a decoded packet from uid into the session's handlers.
// Packets from non-members are dropped.
func (s *Session) Dispatch(uid uint64, typeID uint16, payload []byte) {
	s.mu.RLock()
	if _, member := s.present[uid]; !member {
		s.mu.RUnlock()
		s.logger.Debug("dropping packet from non-member",
			slog.Uint64("uid", uid),
			slog.Uint64("type_id", uint64(typeID)),
		)
		return
	}
	list := s.handlers[typeID]
	snapshot := make([]PacketHandler, len(list))
	copy(snapshot, list)
	s.mu.RUnlock()

	for _, handler := range snapshot {
		handler.Handle(s, uid, payload)
	}
}

// -------------------------------------------------------------------------
// Output
// -------------------------------------------------------------------------

// SendToUser delivers pkt to one member.
func (s *Session) SendToUser(uid uint64, channel uint8, pkt *protocol.Packet) error {
	s.mu.RLock()
	handle := s.handle
	s.mu.RUnlock()

	if handle == nil {
		return ErrDetached
	}

	peer, ok := handle.PeerByUID(uid)
	if !ok {
		return transport.ErrUnknownPeer
	}
	return handle.Send(peer, channel, pkt)
}

// Broadcast delivers pkt to every member. Send failures are logged and do
// not stop the fan-out.
func (s *Session) Broadcast(channel uint8, pkt *protocol.Packet) {
	for _, uid := range s.Members() {
		if err := s.SendToUser(uid, channel, pkt); err != nil {
			s.logger.Debug("broadcast send failed",
				slog.Uint64("uid", uid),
				slog.String("error", err.Error()),
			)
		}
	}
}

// -------------------------------------------------------------------------
// Tick loop
// -------------------------------------------------------------------------

// Running reports whether the tick loop is active.
func (s *Session) Running() bool {
	return s.running.Load()
}

// Stop asks the tick loop to exit; the goroutine returns within one tick
// interval. When no loop is active the stop is recorded and cancels the next
// RunTicker instead, so a Stop racing the loop's goroutine launch still
// takes effect. Idempotent while a loop is active.
func (s *Session) Stop() {
	s.tickMu.Lock()
	defer s.tickMu.Unlock()

	if s.stopCh != nil {
		select {
		case <-s.stopCh:
		default:
			close(s.stopCh)
		}
		return
	}
	s.pendingStop = true
}

// RunTicker drives the session at its framerate until Stop. Each tick gets
// the wall-clock time since the previous one. When a tick overruns its
// interval the schedule slips rather than bursting to catch up. A Stop
// issued before this call cancels it; a second concurrent call is a no-op.
func (s *Session) RunTicker() {
	s.tickMu.Lock()
	if s.pendingStop {
		s.pendingStop = false
		s.tickMu.Unlock()
		return
	}
	if s.stopCh != nil {
		s.tickMu.Unlock()
		return
	}
	stop := make(chan struct{})
	s.stopCh = stop
	s.tickMu.Unlock()

	s.running.Store(true)
	defer func() {
		s.tickMu.Lock()
		s.stopCh = nil
		s.tickMu.Unlock()
		s.running.Store(false)
	}()

	interval := time.Second / time.Duration(s.framerate)
	last := time.Now()
	next := last.Add(interval)

	for {
		select {
		case <-stop:
			return
		default:
		}

		now := time.Now()
		delta := now.Sub(last)
		last = now

		if s.tick != nil {
			s.tick(s, delta)
		}

		next = next.Add(interval)
		if overrun := time.Now(); next.Before(overrun) {
			next = overrun
		}
		time.Sleep(time.Until(next))
	}
}
