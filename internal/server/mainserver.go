package server

import (
	"log/slog"

	"github.com/lobbygrid/lobbygrid/internal/protocol"
	"github.com/lobbygrid/lobbygrid/internal/transport"
)

// LoginFunc is the application's authentication predicate. A successful
// result must carry the UserIdentifier to bind.
type LoginFunc func(data protocol.LoginData) protocol.LoginResult

// MainServerOptions carries the construction parameters for a MainServer.
type MainServerOptions struct {
	Port          uint16
	MaxConnection int
	MaxChannel    int
	QueueSize     int

	// LoginChannel and LoginFlag shape the login reply; the zero flag means
	// reliable.
	LoginChannel uint8
	LoginFlag    transport.SendFlag

	// SessionChannel and SessionFlag shape the list/create replies.
	SessionChannel uint8
	SessionFlag    transport.SendFlag

	// Login authenticates clients. nil rejects everyone.
	Login LoginFunc

	// Username resolves uids to display names for session descriptors.
	Username UsernameProvider

	// Fleet parameterizes the session servers the manager provisions.
	Fleet SessionServerOption
}

// MainServer is the fleet's single entry point: it authenticates peers,
// lists sessions, and creates them via its SessionManager.
type MainServer struct {
	*Server

	manager      *SessionManager
	login        LoginFunc
	loginChannel uint8
	loginFlag    transport.SendFlag
}

// NewMainServer creates the main server, its session manager, and wires the
// Login, GetSessionList and CreateSession handlers. The event worker starts
// immediately.
func NewMainServer(factory transport.Factory, opt MainServerOptions, logger *slog.Logger, metrics MetricsReporter) (*MainServer, error) {
	base, err := New(factory, Options{
		TypeName: TypeNameMainServer,
		Host: transport.HostConfig{
			Port:        opt.Port,
			MaxPeers:    opt.MaxConnection,
			MaxChannels: opt.MaxChannel,
			QueueSize:   opt.QueueSize,
		},
		SessionChannel: opt.SessionChannel,
		SessionFlag:    opt.SessionFlag,
		Logger:         logger,
		Metrics:        metrics,
	})
	if err != nil {
		return nil, err
	}

	loginFlag := opt.LoginFlag
	if loginFlag == transport.FlagNone {
		loginFlag = transport.FlagReliable
	}

	m := &MainServer{
		Server:       base,
		login:        opt.Login,
		loginChannel: opt.LoginChannel,
		loginFlag:    loginFlag,
		manager:      NewSessionManager(factory, opt.Fleet, opt.Username, base.Logger(), base.metrics),
	}

	for typeID, handler := range map[uint16]PacketHandler{
		protocol.TypeLogin:          NewHandler(m.handleLogin),
		protocol.TypeGetSessionList: NewHandler(m.handleSessionList),
		protocol.TypeCreateSession:  NewHandler(m.handleCreateSession),
	} {
		if err := base.RegisterPacketHandler(typeID, handler); err != nil {
			base.Stop()
			return nil, err
		}
	}

	base.RegisterDisconnectionObserver(func(peer transport.Peer) {
		base.RemovePeerUID(peer)
	})

	return m, nil
}

// Manager returns the session manager for generator and observer
// registration.
func (m *MainServer) Manager() *SessionManager { return m.manager }

// handleLogin runs the login predicate, binds the peer on success, and
// replies on the login channel.
func (m *MainServer) handleLogin(s *Server, peer transport.Peer, data protocol.LoginData) {
	var result protocol.LoginResult
	if m.login != nil {
		result = m.login(data)
	}

	if result.Success && result.UserIdentifier != nil {
		s.SetPeerUID(peer, result.UserIdentifier.UserID)
		s.logger.Info("login succeeded",
			slog.Uint64("peer", peer.ID()),
			slog.Uint64("uid", result.UserIdentifier.UserID),
		)
	} else {
		result.Success = false
		s.logger.Info("login rejected", slog.Uint64("peer", peer.ID()))
	}

	pkt, err := protocol.Encode(protocol.TypeLogin, result, m.loginFlag)
	if err != nil {
		s.logger.Error("encode login reply failed", slog.String("error", err.Error()))
		return
	}
	s.SendPacket(peer, m.loginChannel, pkt)
}

// handleSessionList forwards to the manager and replies on the session
// channel.
func (m *MainServer) handleSessionList(s *Server, peer transport.Peer, opt protocol.SessionListOption) {
	result := m.manager.GetSessionList(opt)

	pkt, err := protocol.Encode(protocol.TypeGetSessionList, result, s.SessionFlag())
	if err != nil {
		s.logger.Error("encode session list reply failed", slog.String("error", err.Error()))
		return
	}
	s.SendPacket(peer, s.SessionChannel(), pkt)
}

// handleCreateSession forwards to the manager and replies on the session
// channel.
func (m *MainServer) handleCreateSession(s *Server, peer transport.Peer, opt protocol.SessionCreationOption) {
	result := m.manager.CreateSession(opt)

	pkt, err := protocol.Encode(protocol.TypeCreateSession, result, s.SessionFlag())
	if err != nil {
		s.logger.Error("encode session creation reply failed", slog.String("error", err.Error()))
		return
	}
	s.SendPacket(peer, s.SessionChannel(), pkt)
}

// Shutdown stops the fleet and then the main server itself.
func (m *MainServer) Shutdown() {
	m.manager.Stop()
	m.Stop()
}
