// Package server implements the evented servers of the fleet: the base
// transport event loop with its peer-uid table and handler registries, the
// MainServer entry point, the SessionServer room hosts, and the
// SessionManager placing sessions across the port range.
package server

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lobbygrid/lobbygrid/internal/protocol"
	"github.com/lobbygrid/lobbygrid/internal/transport"
)

// Server type names replied to GetServerType.
const (
	TypeNameServer        = "SERVER"
	TypeNameMainServer    = "MAIN_SERVER"
	TypeNameSessionServer = "SESSION_SERVER"
)

// serverTypeChannel carries GetServerType replies.
const serverTypeChannel = 0

// defaultServiceTimeout bounds one blocking transport poll.
const defaultServiceTimeout = 10 * time.Millisecond

// defaultOutboundSize bounds the outbound packet queue.
const defaultOutboundSize = 256

// Registration errors.
var (
	// ErrNilHandler indicates a nil handler was registered.
	ErrNilHandler = errors.New("nil packet handler")

	// ErrDuplicateHandler indicates the handler value is already registered
	// for the packet type.
	ErrDuplicateHandler = errors.New("handler already registered for packet type")

	// ErrUnknownTypeName indicates the packet type name is not registered.
	ErrUnknownTypeName = errors.New("unknown packet type name")
)

// HandlerID identifies one observer registration. Ids are process-global and
// monotonically increasing from 1, so registration order is comparable
// across servers.
type HandlerID uint64

var nextHandlerID atomic.Uint64

func newHandlerID() HandlerID {
	return HandlerID(nextHandlerID.Add(1))
}

// Observer callbacks. All run on the owning server's event worker.
type (
	// ConnectionObserver fires when a peer connects.
	ConnectionObserver func(peer transport.Peer)

	// DisconnectionObserver fires when a peer disconnects.
	DisconnectionObserver func(peer transport.Peer)

	// PacketObserver fires on every received transport packet, before typed
	// handler dispatch, with the raw frame bytes.
	PacketObserver func(peer transport.Peer, channel uint8, data []byte)
)

type observer[T any] struct {
	id HandlerID
	fn T
}

// Options carries the construction parameters for a base Server.
type Options struct {
	// TypeName is the GetServerType reply; empty defaults to "SERVER".
	TypeName string

	Host transport.HostConfig

	// ServiceTimeout bounds one blocking transport poll.
	ServiceTimeout time.Duration

	// SessionChannel and SessionFlag are the defaults for session-related
	// replies (list/create/join).
	SessionChannel uint8
	SessionFlag    transport.SendFlag

	Logger  *slog.Logger
	Metrics MetricsReporter
}

// Server is one transport host with an event worker. Events are serviced by
// exactly one goroutine, so handler dispatch is serialized per server; the
// peer-uid table and registries still take locks because session tick
// goroutines and embedders read them concurrently.
type Server struct {
	typeName       string
	host           transport.Host
	serviceTimeout time.Duration
	sessionChannel uint8
	sessionFlag    transport.SendFlag

	running  atomic.Bool
	finished chan struct{}

	outbound chan *protocol.Packet

	tableMu   sync.RWMutex
	peerToUID map[uint64]uint64
	uidToPeer map[uint64]transport.Peer

	regMu    sync.RWMutex
	handlers map[uint16][]PacketHandler
	connObs  []observer[ConnectionObserver]
	discObs  []observer[DisconnectionObserver]
	pktObs   []observer[PacketObserver]

	logger  *slog.Logger
	metrics MetricsReporter
}

// New creates the host and starts the event worker. The only fatal failure
// is host creation.
func New(factory transport.Factory, opt Options) (*Server, error) {
	Initialize()

	typeName := opt.TypeName
	if typeName == "" {
		typeName = TypeNameServer
	}
	logger := opt.Logger
	if logger == nil {
		logger = slog.Default()
	}
	metrics := opt.Metrics
	if metrics == nil {
		metrics = noopMetrics{}
	}
	timeout := opt.ServiceTimeout
	if timeout <= 0 {
		timeout = defaultServiceTimeout
	}
	flag := opt.SessionFlag
	if flag == transport.FlagNone {
		flag = transport.FlagReliable
	}

	host, err := factory.CreateHost(opt.Host)
	if err != nil {
		return nil, fmt.Errorf("create %s host: %w", typeName, err)
	}

	s := &Server{
		typeName:       typeName,
		host:           host,
		serviceTimeout: timeout,
		sessionChannel: opt.SessionChannel,
		sessionFlag:    flag,
		finished:       make(chan struct{}),
		outbound:       make(chan *protocol.Packet, defaultOutboundSize),
		peerToUID:      make(map[uint64]uint64),
		uidToPeer:      make(map[uint64]transport.Peer),
		handlers:       make(map[uint16][]PacketHandler),
		logger: logger.With(
			slog.String("server_type", typeName),
			slog.Uint64("port", uint64(host.Port())),
		),
		metrics: metrics,
	}

	if err := s.RegisterPacketHandler(protocol.TypeGetServerType, NewEmptyHandler(replyServerType)); err != nil {
		host.Destroy()
		return nil, fmt.Errorf("register server type handler: %w", err)
	}

	s.running.Store(true)
	go s.run()

	return s, nil
}

// replyServerType answers GetServerType with the server's type name.
func replyServerType(s *Server, peer transport.Peer) {
	pkt, err := protocol.Encode(protocol.TypeGetServerType, s.typeName, transport.FlagReliable)
	if err != nil {
		s.logger.Error("encode server type reply failed", slog.String("error", err.Error()))
		return
	}
	s.SendPacket(peer, serverTypeChannel, pkt)
}

// TypeName returns the server's GetServerType reply.
func (s *Server) TypeName() string { return s.typeName }

// Port returns the host's listening port.
func (s *Server) Port() uint16 { return s.host.Port() }

// SessionChannel returns the default channel for session-related replies.
func (s *Server) SessionChannel() uint8 { return s.sessionChannel }

// SessionFlag returns the default flag for session-related replies.
func (s *Server) SessionFlag() transport.SendFlag { return s.sessionFlag }

// Logger returns the server's logger.
func (s *Server) Logger() *slog.Logger { return s.logger }

// -------------------------------------------------------------------------
// Event worker
// -------------------------------------------------------------------------

// run is the event worker: drain the transport, fan events out, drain the
// outbound queue, repeat until Stop.
func (s *Server) run() {
	defer func() {
		s.host.Destroy()
		close(s.finished)
	}()

	for s.running.Load() {
		if ev, ok := s.host.Service(s.serviceTimeout); ok {
			s.handleEvent(ev)
			for {
				ev, ok := s.host.Service(0)
				if !ok {
					break
				}
				s.handleEvent(ev)
			}
		}

		s.drainOutbound()
	}
}

func (s *Server) handleEvent(ev transport.Event) {
	switch ev.Type {
	case transport.EventConnect:
		s.metrics.PeerConnected(s.typeName)
		s.logger.Debug("peer connected",
			slog.Uint64("peer", ev.Peer.ID()),
			slog.String("remote", ev.Peer.Addr().String()),
		)
		for _, obs := range s.connectionObservers() {
			obs.fn(ev.Peer)
		}

	case transport.EventReceive:
		s.metrics.IncPacketsReceived(s.typeName)
		for _, obs := range s.packetObservers() {
			obs.fn(ev.Peer, ev.Channel, ev.Data)
		}
		s.dispatch(ev.Peer, ev.Data)

	case transport.EventDisconnect:
		s.metrics.PeerDisconnected(s.typeName)
		s.logger.Debug("peer disconnected", slog.Uint64("peer", ev.Peer.ID()))
		for _, obs := range s.disconnectionObservers() {
			obs.fn(ev.Peer)
		}
	}
}

// dispatch decodes the frame and invokes the typed handlers for its type id
// in registration order. Decode failures drop the event after the raw
// observers have already seen it.
func (s *Server) dispatch(peer transport.Peer, data []byte) {
	header, payload, err := protocol.Decode(data)
	if err != nil {
		s.metrics.IncPacketsDropped(s.typeName, "decode")
		s.logger.Warn("dropping undecodable packet",
			slog.Uint64("peer", peer.ID()),
			slog.String("error", err.Error()),
		)
		return
	}

	s.regMu.RLock()
	list := s.handlers[header.TypeID]
	snapshot := make([]PacketHandler, len(list))
	copy(snapshot, list)
	s.regMu.RUnlock()

	for _, handler := range snapshot {
		handler.Handle(s, peer, payload)
	}
}

// drainOutbound empties the internal outbound queue. The queue is reserved
// for embedders; queued packets are currently discarded.
func (s *Server) drainOutbound() {
	for {
		select {
		case <-s.outbound:
		default:
			return
		}
	}
}

// QueuePacket places pkt on the internal outbound queue. Drops when full.
func (s *Server) QueuePacket(pkt *protocol.Packet) {
	select {
	case s.outbound <- pkt:
	default:
		s.metrics.IncPacketsDropped(s.typeName, "queue_full")
	}
}

// Stop asks the event worker to exit after its current service tick and
// waits for it. The host is destroyed when the worker exits. Idempotent.
func (s *Server) Stop() {
	s.running.Store(false)
	s.Wait()
}

// Wait blocks until the event worker has exited.
func (s *Server) Wait() {
	<-s.finished
}

// Running reports whether the event worker is active.
func (s *Server) Running() bool {
	return s.running.Load()
}

// -------------------------------------------------------------------------
// Peer-uid table
// -------------------------------------------------------------------------

// SetPeerUID binds peer and uid in both directions. Stale bindings on either
// side (the peer's previous uid, or the uid's previous peer) are evicted so
// the table stays a bijection.
func (s *Server) SetPeerUID(peer transport.Peer, uid uint64) {
	if peer == nil {
		return
	}
	s.tableMu.Lock()
	defer s.tableMu.Unlock()

	if oldUID, ok := s.peerToUID[peer.ID()]; ok && oldUID != uid {
		delete(s.uidToPeer, oldUID)
	}
	if oldPeer, ok := s.uidToPeer[uid]; ok && oldPeer.ID() != peer.ID() {
		delete(s.peerToUID, oldPeer.ID())
	}

	s.peerToUID[peer.ID()] = uid
	s.uidToPeer[uid] = peer
}

// RemovePeerUID unbinds peer from both directions. Reports whether a binding
// existed.
func (s *Server) RemovePeerUID(peer transport.Peer) bool {
	if peer == nil {
		return false
	}
	s.tableMu.Lock()
	defer s.tableMu.Unlock()

	uid, ok := s.peerToUID[peer.ID()]
	if !ok {
		return false
	}
	delete(s.peerToUID, peer.ID())
	delete(s.uidToPeer, uid)
	return true
}

// PeerUID returns the uid bound to peer.
func (s *Server) PeerUID(peer transport.Peer) (uint64, bool) {
	if peer == nil {
		return 0, false
	}
	s.tableMu.RLock()
	defer s.tableMu.RUnlock()
	uid, ok := s.peerToUID[peer.ID()]
	return uid, ok
}

// PeerByUID returns the peer bound to uid.
func (s *Server) PeerByUID(uid uint64) (transport.Peer, bool) {
	s.tableMu.RLock()
	defer s.tableMu.RUnlock()
	peer, ok := s.uidToPeer[uid]
	return peer, ok
}

// -------------------------------------------------------------------------
// Handler and observer registries
// -------------------------------------------------------------------------

// RegisterPacketHandler appends handler for typeID. The same handler value
// registered twice for one type is rejected.
func (s *Server) RegisterPacketHandler(typeID uint16, handler PacketHandler) error {
	if handler == nil {
		return ErrNilHandler
	}

	s.regMu.Lock()
	defer s.regMu.Unlock()

	for _, existing := range s.handlers[typeID] {
		if existing == handler {
			return ErrDuplicateHandler
		}
	}
	s.handlers[typeID] = append(s.handlers[typeID], handler)
	return nil
}

// RegisterPacketHandlerByName is RegisterPacketHandler keyed by registered
// type name.
func (s *Server) RegisterPacketHandlerByName(typeName string, handler PacketHandler) error {
	typeID, ok := protocol.TypeID(typeName)
	if !ok {
		return fmt.Errorf("register handler for %q: %w", typeName, ErrUnknownTypeName)
	}
	return s.RegisterPacketHandler(typeID, handler)
}

// RemovePacketHandler removes the first equal handler registered for typeID.
// Reports whether one was removed.
func (s *Server) RemovePacketHandler(typeID uint16, handler PacketHandler) bool {
	s.regMu.Lock()
	defer s.regMu.Unlock()

	list := s.handlers[typeID]
	for i, existing := range list {
		if existing == handler {
			s.handlers[typeID] = append(list[:i], list[i+1:]...)
			return true
		}
	}
	return false
}

// RegisterConnectionObserver adds obs; it fires on every connect in
// registration order.
func (s *Server) RegisterConnectionObserver(obs ConnectionObserver) HandlerID {
	id := newHandlerID()
	s.regMu.Lock()
	s.connObs = append(s.connObs, observer[ConnectionObserver]{id: id, fn: obs})
	s.regMu.Unlock()
	return id
}

// RegisterDisconnectionObserver adds obs; it fires on every disconnect in
// registration order.
func (s *Server) RegisterDisconnectionObserver(obs DisconnectionObserver) HandlerID {
	id := newHandlerID()
	s.regMu.Lock()
	s.discObs = append(s.discObs, observer[DisconnectionObserver]{id: id, fn: obs})
	s.regMu.Unlock()
	return id
}

// RegisterPacketObserver adds obs; it fires on every received packet, before
// typed dispatch, in registration order.
func (s *Server) RegisterPacketObserver(obs PacketObserver) HandlerID {
	id := newHandlerID()
	s.regMu.Lock()
	s.pktObs = append(s.pktObs, observer[PacketObserver]{id: id, fn: obs})
	s.regMu.Unlock()
	return id
}

// RemoveConnectionObserver removes the observer registered under id.
func (s *Server) RemoveConnectionObserver(id HandlerID) bool {
	s.regMu.Lock()
	defer s.regMu.Unlock()
	for i, obs := range s.connObs {
		if obs.id == id {
			s.connObs = append(s.connObs[:i], s.connObs[i+1:]...)
			return true
		}
	}
	return false
}

// RemoveDisconnectionObserver removes the observer registered under id.
func (s *Server) RemoveDisconnectionObserver(id HandlerID) bool {
	s.regMu.Lock()
	defer s.regMu.Unlock()
	for i, obs := range s.discObs {
		if obs.id == id {
			s.discObs = append(s.discObs[:i], s.discObs[i+1:]...)
			return true
		}
	}
	return false
}

// RemovePacketObserver removes the observer registered under id.
func (s *Server) RemovePacketObserver(id HandlerID) bool {
	s.regMu.Lock()
	defer s.regMu.Unlock()
	for i, obs := range s.pktObs {
		if obs.id == id {
			s.pktObs = append(s.pktObs[:i], s.pktObs[i+1:]...)
			return true
		}
	}
	return false
}

func (s *Server) connectionObservers() []observer[ConnectionObserver] {
	s.regMu.RLock()
	defer s.regMu.RUnlock()
	out := make([]observer[ConnectionObserver], len(s.connObs))
	copy(out, s.connObs)
	return out
}

func (s *Server) disconnectionObservers() []observer[DisconnectionObserver] {
	s.regMu.RLock()
	defer s.regMu.RUnlock()
	out := make([]observer[DisconnectionObserver], len(s.discObs))
	copy(out, s.discObs)
	return out
}

func (s *Server) packetObservers() []observer[PacketObserver] {
	s.regMu.RLock()
	defer s.regMu.RUnlock()
	out := make([]observer[PacketObserver], len(s.pktObs))
	copy(out, s.pktObs)
	return out
}

// -------------------------------------------------------------------------
// Output
// -------------------------------------------------------------------------

// Send delivers pkt to peer on channel, returning the transport error.
func (s *Server) Send(peer transport.Peer, channel uint8, pkt *protocol.Packet) error {
	if pkt == nil {
		return nil
	}
	if peer == nil {
		return transport.ErrNilPeer
	}
	if err := s.host.Send(peer, channel, pkt.Data, pkt.Flag); err != nil {
		return err
	}
	s.metrics.IncPacketsSent(s.typeName)
	return nil
}

// SendPacket delivers pkt to peer on channel. Failures, including a nil
// peer, are logged and dropped.
func (s *Server) SendPacket(peer transport.Peer, channel uint8, pkt *protocol.Packet) {
	if err := s.Send(peer, channel, pkt); err != nil {
		s.metrics.IncPacketsDropped(s.typeName, "send")
		s.logger.Warn("packet send failed", slog.String("error", err.Error()))
	}
}

// SendPacketToUser delivers pkt to the peer bound to uid. Unknown uids are
// logged and dropped.
func (s *Server) SendPacketToUser(uid uint64, channel uint8, pkt *protocol.Packet) {
	peer, ok := s.PeerByUID(uid)
	if !ok {
		s.metrics.IncPacketsDropped(s.typeName, "unknown_uid")
		s.logger.Warn("packet send to unbound uid dropped", slog.Uint64("uid", uid))
		return
	}
	s.SendPacket(peer, channel, pkt)
}
