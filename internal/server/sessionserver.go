package server

import (
	"log/slog"
	"strings"
	"sync"

	"github.com/lobbygrid/lobbygrid/internal/protocol"
	"github.com/lobbygrid/lobbygrid/internal/session"
	"github.com/lobbygrid/lobbygrid/internal/transport"
)

// SessionServer hosts up to maxSessions sessions of one type, each in a
// slot-indexed table with its own tick goroutine. The slot index doubles as
// the session number in SessionIdentifier.
type SessionServer struct {
	*Server

	sessionType string
	maxSessions uint16
	joinFlag    transport.SendFlag

	// mu guards the slot table and userSlot. Never held while calling into
	// the base server's registries.
	mu       sync.RWMutex
	sessions []*session.Session
	// userSlot maps a joined uid to its session slot. Kept consistent with
	// each session's member set under mu.
	userSlot map[uint64]uint16
}

// NewSessionServer creates a session server for sessionType on port, wires
// the join handler, the routing observer, and the disconnect cleanup, and
// starts the event worker.
func NewSessionServer(factory transport.Factory, port uint16, sessionType string, fleet SessionServerOption, logger *slog.Logger, metrics MetricsReporter) (*SessionServer, error) {
	base, err := New(factory, Options{
		TypeName: TypeNameSessionServer,
		Host: transport.HostConfig{
			Port:              port,
			MaxPeers:          fleet.MaxConnection,
			MaxChannels:       fleet.MaxChannel,
			QueueSize:         fleet.QueueSize,
			IncomingBandwidth: fleet.IncomingBandwidth,
			OutgoingBandwidth: fleet.OutgoingBandwidth,
			BufferSize:        fleet.BufferSize,
		},
		SessionChannel: fleet.SessionChannel,
		SessionFlag:    fleet.SessionFlag,
		Logger:         logger,
		Metrics:        metrics,
	})
	if err != nil {
		return nil, err
	}

	ss := &SessionServer{
		Server:      base,
		sessionType: sessionType,
		maxSessions: fleet.MaxSessions,
		joinFlag:    base.SessionFlag(),
		userSlot:    make(map[uint64]uint16),
	}

	if err := base.RegisterPacketHandler(protocol.TypeJoinSession, NewHandler(ss.handleJoin)); err != nil {
		base.Stop()
		return nil, err
	}

	base.RegisterDisconnectionObserver(ss.handleDisconnect)
	base.RegisterPacketObserver(ss.routePacket)

	return ss, nil
}

// SessionType returns the single session type this server hosts.
func (ss *SessionServer) SessionType() string { return ss.sessionType }

// -------------------------------------------------------------------------
// Fixed handlers and observers
// -------------------------------------------------------------------------

// handleJoin validates the join, binds the peer, adds the user to the
// session, and replies on the session channel.
func (ss *SessionServer) handleJoin(s *Server, peer transport.Peer, opt protocol.SessionJoinOption) {
	result := protocol.SessionJoinResult{Success: true}

	sess := ss.SessionAt(opt.SessionNumber)
	switch {
	case sess == nil:
		result = protocol.SessionJoinResult{Success: false, ErrorCode: protocol.ErrCodeInvalidJoin}
	case sess.Full():
		result = protocol.SessionJoinResult{Success: false, ErrorCode: protocol.ErrCodeInvalidJoin}
	case !sess.ComparePassword(opt.Password):
		result = protocol.SessionJoinResult{Success: false, ErrorCode: protocol.ErrCodeInvalidJoin}
	}

	if result.Success {
		// The peer is bound only once the user is actually in the session;
		// a rejected join (for example a duplicate uid) must not steal the
		// uid's existing binding, or its later disconnect would evict the
		// legitimate member.
		uid := opt.UserIdentifier.UserID
		if ss.AddUser(opt.SessionNumber, uid) {
			s.SetPeerUID(peer, uid)
		} else {
			result = protocol.SessionJoinResult{Success: false, ErrorCode: protocol.ErrCodeInvalidJoin}
		}
	}

	if !result.Success {
		ss.metrics.IncJoinFailures(ss.sessionType)
		ss.logger.Info("join rejected",
			slog.Uint64("peer", peer.ID()),
			slog.Uint64("session_number", uint64(opt.SessionNumber)),
		)
	}

	pkt, err := protocol.Encode(protocol.TypeJoinSession, result, ss.joinFlag)
	if err != nil {
		ss.logger.Error("encode join reply failed", slog.String("error", err.Error()))
		return
	}
	s.SendPacket(peer, s.SessionChannel(), pkt)
}

// handleDisconnect clears the peer from the peer-uid table and removes the
// user from its session.
func (ss *SessionServer) handleDisconnect(peer transport.Peer) {
	uid, ok := ss.PeerUID(peer)
	ss.RemovePeerUID(peer)
	if ok {
		ss.RemoveUser(uid)
	}
}

// routePacket forwards non-reserved packets to the sender's session.
// Reserved types (login, listing, creation, server type) never reach a
// session even before the uid lookup.
func (ss *SessionServer) routePacket(peer transport.Peer, _ uint8, data []byte) {
	header, payload, err := protocol.Decode(data)
	if err != nil {
		return
	}
	if protocol.IsReserved(header.TypeID) {
		return
	}

	uid, ok := ss.PeerUID(peer)
	if !ok {
		ss.logger.Debug("dropping packet from unjoined peer", slog.Uint64("peer", peer.ID()))
		return
	}

	ss.mu.RLock()
	slot, joined := ss.userSlot[uid]
	var sess *session.Session
	if joined && int(slot) < len(ss.sessions) {
		sess = ss.sessions[slot]
	}
	ss.mu.RUnlock()

	if sess == nil {
		return
	}
	sess.Dispatch(uid, header.TypeID, payload)
}

// -------------------------------------------------------------------------
// Session table
// -------------------------------------------------------------------------

// AttachSession places sess in the lowest empty slot (appending when all are
// occupied), binds it to this server, and starts its tick goroutine. Returns
// the slot index, which is the session number.
func (ss *SessionServer) AttachSession(sess *session.Session) uint16 {
	ss.mu.Lock()
	slot := -1
	for i, existing := range ss.sessions {
		if existing == nil {
			slot = i
			break
		}
	}
	if slot < 0 {
		ss.sessions = append(ss.sessions, nil)
		slot = len(ss.sessions) - 1
	}
	ss.sessions[slot] = sess
	ss.mu.Unlock()

	sess.Bind(ss.Server, protocol.SessionIdentifier{
		SessionPort:   ss.Port(),
		SessionNumber: uint16(slot),
	})
	go sess.RunTicker()

	ss.metrics.SessionAttached(ss.sessionType)
	ss.logger.Info("session attached",
		slog.String("name", sess.Info().Name),
		slog.Uint64("session_number", uint64(slot)),
	)
	return uint16(slot)
}

// DetachSession stops the session in slot sn and clears the slot. The tick
// goroutine is abandoned; it exits within one tick interval.
func (ss *SessionServer) DetachSession(sn uint16) {
	ss.mu.Lock()
	sess := ss.sessionAtLocked(sn)
	if sess != nil {
		ss.sessions[sn] = nil
		for uid, slot := range ss.userSlot {
			if slot == sn {
				delete(ss.userSlot, uid)
			}
		}
	}
	ss.mu.Unlock()

	if sess == nil {
		return
	}
	sess.Stop()
	ss.metrics.SessionDetached(ss.sessionType)
	ss.logger.Info("session detached", slog.Uint64("session_number", uint64(sn)))
}

// DetachAll detaches every occupied slot. Used at shutdown.
func (ss *SessionServer) DetachAll() {
	ss.mu.RLock()
	occupied := make([]uint16, 0, len(ss.sessions))
	for i, sess := range ss.sessions {
		if sess != nil {
			occupied = append(occupied, uint16(i))
		}
	}
	ss.mu.RUnlock()

	for _, sn := range occupied {
		ss.DetachSession(sn)
	}
}

// AddUser records uid as a member of the session in slot sn. Returns false
// when the slot is empty or uid is already in a session here.
func (ss *SessionServer) AddUser(sn uint16, uid uint64) bool {
	ss.mu.Lock()
	sess := ss.sessionAtLocked(sn)
	if sess == nil {
		ss.mu.Unlock()
		return false
	}
	if _, joined := ss.userSlot[uid]; joined {
		ss.mu.Unlock()
		return false
	}
	ss.userSlot[uid] = sn
	ss.mu.Unlock()

	return sess.AddMember(uid)
}

// RemoveUser removes uid from its session. When the last member leaves, the
// session is detached.
func (ss *SessionServer) RemoveUser(uid uint64) {
	ss.mu.Lock()
	sn, joined := ss.userSlot[uid]
	if !joined {
		ss.mu.Unlock()
		return
	}
	delete(ss.userSlot, uid)
	sess := ss.sessionAtLocked(sn)
	ss.mu.Unlock()

	if sess == nil {
		return
	}
	if _, empty := sess.RemoveMember(uid); empty {
		ss.DetachSession(sn)
	}
}

// SessionAt returns the session in slot sn, or nil.
func (ss *SessionServer) SessionAt(sn uint16) *session.Session {
	ss.mu.RLock()
	defer ss.mu.RUnlock()
	return ss.sessionAtLocked(sn)
}

func (ss *SessionServer) sessionAtLocked(sn uint16) *session.Session {
	if int(sn) >= len(ss.sessions) {
		return nil
	}
	return ss.sessions[sn]
}

// SessionCount returns the number of occupied slots.
func (ss *SessionServer) SessionCount() int {
	ss.mu.RLock()
	defer ss.mu.RUnlock()
	count := 0
	for _, sess := range ss.sessions {
		if sess != nil {
			count++
		}
	}
	return count
}

// MaxSessions returns the server's session cap.
func (ss *SessionServer) MaxSessions() uint16 { return ss.maxSessions }

// SessionList returns the descriptors of live, public sessions of
// sessionType, optionally filtered by a case-insensitive substring match on
// the session name.
func (ss *SessionServer) SessionList(sessionType string, nameFilter *string) []protocol.SessionInfo {
	var filter string
	if nameFilter != nil {
		filter = strings.ToLower(*nameFilter)
	}

	ss.mu.RLock()
	live := make([]*session.Session, 0, len(ss.sessions))
	for _, sess := range ss.sessions {
		if sess != nil {
			live = append(live, sess)
		}
	}
	ss.mu.RUnlock()

	out := make([]protocol.SessionInfo, 0, len(live))
	for _, sess := range live {
		info := sess.Info()
		if info.SessionType != sessionType {
			continue
		}
		if info.IsPrivate {
			continue
		}
		if filter != "" && !strings.Contains(strings.ToLower(info.Name), filter) {
			continue
		}
		out = append(out, info)
	}
	return out
}
