package server

import (
	"log/slog"
	"sync"

	"github.com/lobbygrid/lobbygrid/internal/protocol"
	"github.com/lobbygrid/lobbygrid/internal/session"
	"github.com/lobbygrid/lobbygrid/internal/transport"
)

// PortRange bounds the ports session servers are provisioned on, inclusive.
type PortRange struct {
	Low  uint16
	High uint16
}

// SessionServerOption parameterizes every session server the manager
// provisions, fed once through the MainServer.
type SessionServerOption struct {
	MaxConnection int
	MaxChannel    int

	// MaxSessions caps sessions per session server, and the fleet size.
	MaxSessions uint16

	PortRange PortRange

	QueueSize         int
	IncomingBandwidth uint32
	OutgoingBandwidth uint32
	BufferSize        transport.BufferSize

	// SessionChannel and SessionFlag are the defaults for join replies.
	SessionChannel uint8
	SessionFlag    transport.SendFlag
}

// SessionGenerator builds the application's session for a creation request.
// info is the descriptor the manager seeded from the option; generators pass
// it through session.Options and add framerate, tick and handlers.
type SessionGenerator func(opt protocol.SessionCreationOption, info protocol.SessionInfo) *session.Session

// UsernameProvider resolves a uid to a display name for SessionInfo's
// author field.
type UsernameProvider func(uid uint64) string

// SessionManager provisions session servers across the port range and
// places sessions on them. Each server is mono-typed for its lifetime:
// sessions of type T go to the first server of type T with spare capacity,
// else onto a freshly spawned server.
type SessionManager struct {
	factory  transport.Factory
	opt      SessionServerOption
	username UsernameProvider

	mu          sync.Mutex
	generators  map[string]SessionGenerator
	servers     []*SessionServer
	serverTypes []string

	// Global observers are replayed onto servers provisioned after their
	// registration; servers already running are not retrofitted.
	connObs []ConnectionObserver
	discObs []DisconnectionObserver
	pktObs  []PacketObserver

	logger  *slog.Logger
	metrics MetricsReporter
}

// NewSessionManager creates an empty fleet.
func NewSessionManager(factory transport.Factory, opt SessionServerOption, username UsernameProvider, logger *slog.Logger, metrics MetricsReporter) *SessionManager {
	if logger == nil {
		logger = slog.Default()
	}
	if metrics == nil {
		metrics = noopMetrics{}
	}
	if username == nil {
		username = func(uint64) string { return "" }
	}

	return &SessionManager{
		factory:    factory,
		opt:        opt,
		username:   username,
		generators: make(map[string]SessionGenerator),
		logger:     logger.With(slog.String("component", "session_manager")),
		metrics:    metrics,
	}
}

// RegisterSessionGenerator installs the generator for sessionType,
// replacing any previous one. Generators are expected to be installed at
// startup, before traffic.
func (m *SessionManager) RegisterSessionGenerator(sessionType string, gen SessionGenerator) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.generators[sessionType] = gen
}

// RegisterConnectionObserver records obs for replay onto every session
// server provisioned from now on.
func (m *SessionManager) RegisterConnectionObserver(obs ConnectionObserver) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connObs = append(m.connObs, obs)
}

// RegisterDisconnectionObserver records obs for replay onto every session
// server provisioned from now on.
func (m *SessionManager) RegisterDisconnectionObserver(obs DisconnectionObserver) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.discObs = append(m.discObs, obs)
}

// RegisterPacketObserver records obs for replay onto every session server
// provisioned from now on.
func (m *SessionManager) RegisterPacketObserver(obs PacketObserver) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pktObs = append(m.pktObs, obs)
}

// CreateSession places a new session on the fleet.
//
// Failure modes surface in the result: an unregistered session type yields
// errorCode 1, an exhausted fleet (or a failed server provision) errorCode 2.
func (m *SessionManager) CreateSession(opt protocol.SessionCreationOption) protocol.SessionCreationResult {
	m.mu.Lock()
	defer m.mu.Unlock()

	gen, ok := m.generators[opt.SessionType]
	if !ok {
		m.logger.Warn("create session with unknown type", slog.String("session_type", opt.SessionType))
		return protocol.SessionCreationResult{Success: false, ErrorCode: protocol.ErrCodeUnknownSessionType}
	}

	info := protocol.SessionInfo{
		Name:        opt.Name,
		MaxPlayers:  opt.MaxPlayers,
		IsPrivate:   opt.IsPrivate,
		HasPassword: opt.Password != nil,
		AuthorName:  m.username(opt.UserIdentifier.UserID),
		SessionType: opt.SessionType,
	}

	sess := gen(opt, info)
	if sess == nil {
		m.logger.Error("session generator returned nil", slog.String("session_type", opt.SessionType))
		return protocol.SessionCreationResult{Success: false, ErrorCode: protocol.ErrCodeUnknownSessionType}
	}

	// First fit on the existing mono-typed fleet.
	for i, server := range m.servers {
		if m.serverTypes[i] != opt.SessionType {
			continue
		}
		if server.SessionCount() >= int(m.opt.MaxSessions) {
			continue
		}
		return m.attach(server, sess)
	}

	server, ok := m.provision(opt.SessionType)
	if !ok {
		return protocol.SessionCreationResult{Success: false, ErrorCode: protocol.ErrCodeFleetCapacity}
	}
	return m.attach(server, sess)
}

// attach binds sess to server and reports the resulting descriptor.
func (m *SessionManager) attach(server *SessionServer, sess *session.Session) protocol.SessionCreationResult {
	server.AttachSession(sess)
	info := sess.Info()
	return protocol.SessionCreationResult{Success: true, SessionInfo: &info}
}

// provision spawns the next session server. The k-th server ever created
// listens on PortRange.Low + k, so clients can connect straight from the
// creation result without a discovery step. Called with m.mu held.
func (m *SessionManager) provision(sessionType string) (*SessionServer, bool) {
	if len(m.servers) >= int(m.opt.MaxSessions) {
		m.logger.Warn("fleet at capacity", slog.Int("servers", len(m.servers)))
		return nil, false
	}

	port := uint32(m.opt.PortRange.Low) + uint32(len(m.servers))
	if port > uint32(m.opt.PortRange.High) {
		m.logger.Warn("fleet port range exhausted",
			slog.Uint64("port", uint64(port)),
			slog.Uint64("range_high", uint64(m.opt.PortRange.High)),
		)
		return nil, false
	}

	server, err := NewSessionServer(m.factory, uint16(port), sessionType, m.opt, m.logger, m.metrics)
	if err != nil {
		m.logger.Error("session server provision failed",
			slog.Uint64("port", uint64(port)),
			slog.String("error", err.Error()),
		)
		return nil, false
	}

	for _, obs := range m.connObs {
		server.RegisterConnectionObserver(obs)
	}
	for _, obs := range m.discObs {
		server.RegisterDisconnectionObserver(obs)
	}
	for _, obs := range m.pktObs {
		server.RegisterPacketObserver(obs)
	}

	m.servers = append(m.servers, server)
	m.serverTypes = append(m.serverTypes, sessionType)
	m.metrics.ServerProvisioned()
	m.logger.Info("session server provisioned",
		slog.Uint64("port", uint64(port)),
		slog.String("session_type", sessionType),
	)
	return server, true
}

// GetSessionList concatenates every server's filtered listing in fleet
// order and applies 1-based paging. TotalSessionCount counts the matches
// before paging.
func (m *SessionManager) GetSessionList(opt protocol.SessionListOption) protocol.SessionListResult {
	m.mu.Lock()
	servers := make([]*SessionServer, len(m.servers))
	copy(servers, m.servers)
	m.mu.Unlock()

	var all []protocol.SessionInfo
	for _, server := range servers {
		all = append(all, server.SessionList(opt.SessionType, opt.NameFilter)...)
	}

	total := uint32(len(all))

	page := opt.Page
	if page < 1 {
		page = 1
	}
	per := opt.SessionPerPage
	if per == 0 {
		return protocol.SessionListResult{TotalSessionCount: total, SessionInfoList: []protocol.SessionInfo{}}
	}

	start := uint64(page-1) * uint64(per)
	if start >= uint64(total) {
		return protocol.SessionListResult{TotalSessionCount: total, SessionInfoList: []protocol.SessionInfo{}}
	}
	end := start + uint64(per)
	if end > uint64(total) {
		end = uint64(total)
	}

	return protocol.SessionListResult{
		TotalSessionCount: total,
		SessionInfoList:   all[start:end],
	}
}

// Servers returns the live fleet in provisioning order.
func (m *SessionManager) Servers() []*SessionServer {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*SessionServer, len(m.servers))
	copy(out, m.servers)
	return out
}

// Stop shuts every session server down: sessions are stopped first so their
// tick goroutines exit, then the event workers are joined.
func (m *SessionManager) Stop() {
	for _, server := range m.Servers() {
		server.DetachAll()
		server.Stop()
	}
}
