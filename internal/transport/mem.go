package transport

import (
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// MemNetwork is an in-process transport: hosts are addressed by port and
// clients dial them directly. It implements Factory so server code can run
// unchanged against it. Used by the test suites and by embedders that want
// a loopback fleet.
type MemNetwork struct {
	mu    sync.Mutex
	hosts map[uint16]*memHost
}

// NewMemNetwork creates an empty in-process network.
func NewMemNetwork() *MemNetwork {
	return &MemNetwork{hosts: make(map[uint16]*memHost)}
}

// CreateHost binds a host to cfg.Port. Binding an occupied port fails, the
// in-memory analogue of a socket bind failure.
func (n *MemNetwork) CreateHost(cfg HostConfig) (Host, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if _, taken := n.hosts[cfg.Port]; taken {
		return nil, fmt.Errorf("create host on port %d: address in use", cfg.Port)
	}

	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}

	h := &memHost{
		net:         n,
		port:        cfg.Port,
		maxPeers:    cfg.MaxPeers,
		maxChannels: cfg.MaxChannels,
		events:      make(chan Event, queueSize),
		peers:       make(map[uint64]*memPeer),
		done:        make(chan struct{}),
	}
	n.hosts[cfg.Port] = h
	return h, nil
}

// Dial connects a client to the host bound on port.
func (n *MemNetwork) Dial(port uint16) (*MemConn, error) {
	n.mu.Lock()
	h, ok := n.hosts[port]
	n.mu.Unlock()

	if !ok {
		return nil, fmt.Errorf("dial port %d: connection refused", port)
	}
	return h.connect()
}

// ClientPacket is one packet received on the client side of a MemConn.
type ClientPacket struct {
	Channel uint8
	Data    []byte
}

// MemConn is the client end of an in-process connection.
type MemConn struct {
	host *memHost
	peer *memPeer
}

// Send delivers data to the host as a Receive event.
func (c *MemConn) Send(channel uint8, data []byte, _ SendFlag) error {
	if c.host.maxChannels > 0 && int(channel) >= c.host.maxChannels {
		return fmt.Errorf("send on channel %d: %w", channel, ErrChannelOutOfRange)
	}

	buf := make([]byte, len(data))
	copy(buf, data)

	select {
	case <-c.peer.closed:
		return ErrUnknownPeer
	default:
	}

	c.host.emit(Event{Type: EventReceive, Peer: c.peer, Channel: channel, Data: buf})
	return nil
}

// Recv blocks up to timeout for the next packet from the host.
func (c *MemConn) Recv(timeout time.Duration) (ClientPacket, bool) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case pkt := <-c.peer.inbox:
		return pkt, true
	case <-timer.C:
		return ClientPacket{}, false
	case <-c.peer.closed:
		// Drain anything delivered before the close.
		select {
		case pkt := <-c.peer.inbox:
			return pkt, true
		default:
			return ClientPacket{}, false
		}
	}
}

// Close disconnects the client; the host observes a Disconnect event.
func (c *MemConn) Close() {
	c.host.disconnect(c.peer)
}

// memAddr is the fake remote address of an in-process peer.
type memAddr struct {
	port uint16
	id   uint64
}

func (a memAddr) Network() string { return "mem" }
func (a memAddr) String() string  { return fmt.Sprintf("mem:%d#%d", a.port, a.id) }

// memPeer is the server-side view of one connected MemConn.
type memPeer struct {
	id    uint64
	addr  memAddr
	inbox chan ClientPacket

	closeOnce sync.Once
	closed    chan struct{}
}

func (p *memPeer) ID() uint64     { return p.id }
func (p *memPeer) Addr() net.Addr { return p.addr }

// memHost implements Host over channels.
type memHost struct {
	net         *MemNetwork
	port        uint16
	maxPeers    int
	maxChannels int

	events chan Event

	mu    sync.Mutex
	peers map[uint64]*memPeer

	done      chan struct{}
	destroyed atomic.Bool
}

func (h *memHost) connect() (*MemConn, error) {
	if h.destroyed.Load() {
		return nil, fmt.Errorf("dial port %d: %w", h.port, ErrHostDestroyed)
	}

	peer := &memPeer{
		id:     nextPeerID.Add(1),
		inbox:  make(chan ClientPacket, defaultQueueSize),
		closed: make(chan struct{}),
	}
	peer.addr = memAddr{port: h.port, id: peer.id}

	h.mu.Lock()
	if h.maxPeers > 0 && len(h.peers) >= h.maxPeers {
		h.mu.Unlock()
		return nil, fmt.Errorf("dial port %d: %w", h.port, ErrHostFull)
	}
	h.peers[peer.id] = peer
	h.mu.Unlock()

	h.emit(Event{Type: EventConnect, Peer: peer})
	return &MemConn{host: h, peer: peer}, nil
}

func (h *memHost) disconnect(peer *memPeer) {
	h.mu.Lock()
	_, connected := h.peers[peer.id]
	delete(h.peers, peer.id)
	h.mu.Unlock()

	peer.closeOnce.Do(func() { close(peer.closed) })
	if connected {
		h.emit(Event{Type: EventDisconnect, Peer: peer})
	}
}

func (h *memHost) emit(ev Event) {
	select {
	case h.events <- ev:
	case <-h.done:
	}
}

func (h *memHost) Service(timeout time.Duration) (Event, bool) {
	if timeout <= 0 {
		select {
		case ev := <-h.events:
			return ev, true
		default:
			return Event{}, false
		}
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case ev := <-h.events:
		return ev, true
	case <-timer.C:
		return Event{}, false
	case <-h.done:
		return Event{}, false
	}
}

func (h *memHost) Send(peer Peer, channel uint8, data []byte, _ SendFlag) error {
	if peer == nil {
		return ErrNilPeer
	}
	if h.maxChannels > 0 && int(channel) >= h.maxChannels {
		return fmt.Errorf("send on channel %d: %w", channel, ErrChannelOutOfRange)
	}
	if h.destroyed.Load() {
		return ErrHostDestroyed
	}

	mp, ok := peer.(*memPeer)
	if !ok {
		return ErrUnknownPeer
	}

	h.mu.Lock()
	_, connected := h.peers[mp.id]
	h.mu.Unlock()
	if !connected {
		return fmt.Errorf("send to peer %d: %w", mp.id, ErrUnknownPeer)
	}

	buf := make([]byte, len(data))
	copy(buf, data)

	select {
	case mp.inbox <- ClientPacket{Channel: channel, Data: buf}:
		return nil
	case <-mp.closed:
		return fmt.Errorf("send to peer %d: %w", mp.id, ErrUnknownPeer)
	}
}

func (h *memHost) Destroy() {
	if h.destroyed.Swap(true) {
		return
	}

	h.net.mu.Lock()
	delete(h.net.hosts, h.port)
	h.net.mu.Unlock()

	close(h.done)

	h.mu.Lock()
	for _, peer := range h.peers {
		peer.closeOnce.Do(func() { close(peer.closed) })
	}
	h.peers = make(map[uint64]*memPeer)
	h.mu.Unlock()
}

func (h *memHost) Port() uint16 { return h.port }
