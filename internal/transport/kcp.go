package transport

import (
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	kcp "github.com/xtaci/kcp-go/v5"
)

// frameHeaderSize is the per-message prefix on a KCP stream:
// 4-byte little-endian payload length followed by a 1-byte channel id.
const frameHeaderSize = 5

// maxFrameSize caps a single transport frame. Frames above this are treated
// as a protocol violation and drop the peer.
const maxFrameSize = 8 << 20

// nextPeerID allocates process-unique peer ids across all hosts.
var nextPeerID atomic.Uint64

// KCPFactory creates hosts backed by kcp-go ARQ sessions over UDP.
type KCPFactory struct {
	logger *slog.Logger
}

// NewKCPFactory returns a Factory producing KCP hosts.
func NewKCPFactory(logger *slog.Logger) *KCPFactory {
	return &KCPFactory{
		logger: logger.With(slog.String("component", "transport.kcp")),
	}
}

// CreateHost listens on cfg.Port and starts the accept loop.
func (f *KCPFactory) CreateHost(cfg HostConfig) (Host, error) {
	ln, err := kcp.ListenWithOptions(fmt.Sprintf(":%d", cfg.Port), nil, 0, 0)
	if err != nil {
		return nil, fmt.Errorf("create host on port %d: %w", cfg.Port, err)
	}

	if cfg.BufferSize > BufferDefault {
		if sErr := ln.SetReadBuffer(int(cfg.BufferSize)); sErr != nil {
			f.logger.Warn("failed to set read buffer",
				slog.Uint64("port", uint64(cfg.Port)),
				slog.String("error", sErr.Error()),
			)
		}
		if sErr := ln.SetWriteBuffer(int(cfg.BufferSize)); sErr != nil {
			f.logger.Warn("failed to set write buffer",
				slog.Uint64("port", uint64(cfg.Port)),
				slog.String("error", sErr.Error()),
			)
		}
	}

	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}

	h := &kcpHost{
		ln:          ln,
		port:        cfg.Port,
		maxPeers:    cfg.MaxPeers,
		maxChannels: cfg.MaxChannels,
		events:      make(chan Event, queueSize),
		peers:       make(map[uint64]*kcpPeer),
		done:        make(chan struct{}),
		logger:      f.logger.With(slog.Uint64("port", uint64(cfg.Port))),
	}

	go h.acceptLoop()

	return h, nil
}

// kcpHost multiplexes many kcp sessions behind the Host event surface.
type kcpHost struct {
	ln          *kcp.Listener
	port        uint16
	maxPeers    int
	maxChannels int

	events chan Event

	mu    sync.Mutex
	peers map[uint64]*kcpPeer

	done      chan struct{}
	destroyed atomic.Bool

	logger *slog.Logger
}

// kcpPeer is one accepted kcp session.
type kcpPeer struct {
	id   uint64
	conn *kcp.UDPSession

	// writeMu serializes frame writes; Send may be called from the server
	// event worker and from session tick goroutines concurrently.
	writeMu sync.Mutex
}

func (p *kcpPeer) ID() uint64     { return p.id }
func (p *kcpPeer) Addr() net.Addr { return p.conn.RemoteAddr() }

// acceptLoop admits sessions until the listener is closed.
func (h *kcpHost) acceptLoop() {
	for {
		conn, err := h.ln.AcceptKCP()
		if err != nil {
			select {
			case <-h.done:
			default:
				h.logger.Error("accept failed", slog.String("error", err.Error()))
			}
			return
		}

		if !h.admit(conn) {
			_ = conn.Close()
			continue
		}
	}
}

// admit registers the session and starts its read loop. Returns false when
// the host is at capacity.
func (h *kcpHost) admit(conn *kcp.UDPSession) bool {
	conn.SetStreamMode(true)
	conn.SetNoDelay(1, 10, 2, 1)

	peer := &kcpPeer{id: nextPeerID.Add(1), conn: conn}

	h.mu.Lock()
	if h.maxPeers > 0 && len(h.peers) >= h.maxPeers {
		h.mu.Unlock()
		h.logger.Warn("rejecting connection: host at peer capacity",
			slog.String("remote", conn.RemoteAddr().String()),
		)
		return false
	}
	h.peers[peer.id] = peer
	h.mu.Unlock()

	h.emit(Event{Type: EventConnect, Peer: peer})
	go h.readLoop(peer)

	return true
}

// readLoop decodes length-prefixed frames off the peer's stream until it
// errors out, then emits the disconnect.
func (h *kcpHost) readLoop(peer *kcpPeer) {
	defer func() {
		h.mu.Lock()
		delete(h.peers, peer.id)
		h.mu.Unlock()

		_ = peer.conn.Close()
		h.emit(Event{Type: EventDisconnect, Peer: peer})
	}()

	header := make([]byte, frameHeaderSize)
	for {
		if _, err := io.ReadFull(peer.conn, header); err != nil {
			return
		}

		length := binary.LittleEndian.Uint32(header)
		channel := header[4]
		if length > maxFrameSize {
			h.logger.Warn("dropping peer: oversized frame",
				slog.Uint64("peer", peer.id),
				slog.Uint64("frame_len", uint64(length)),
			)
			return
		}

		data := make([]byte, length)
		if _, err := io.ReadFull(peer.conn, data); err != nil {
			return
		}

		h.emit(Event{Type: EventReceive, Peer: peer, Channel: channel, Data: data})
	}
}

// emit enqueues ev, giving up when the host is destroyed.
func (h *kcpHost) emit(ev Event) {
	select {
	case h.events <- ev:
	case <-h.done:
	}
}

func (h *kcpHost) Service(timeout time.Duration) (Event, bool) {
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

func (h *kcpHost) Send(peer Peer, channel uint8, data []byte, _ SendFlag) error {
	if peer == nil {
		return ErrNilPeer
	}
	if h.maxChannels > 0 && int(channel) >= h.maxChannels {
		return fmt.Errorf("send on channel %d: %w", channel, ErrChannelOutOfRange)
	}
	if h.destroyed.Load() {
		return ErrHostDestroyed
	}

	kp, ok := peer.(*kcpPeer)
	if !ok {
		return ErrUnknownPeer
	}

	h.mu.Lock()
	_, connected := h.peers[kp.id]
	h.mu.Unlock()
	if !connected {
		return fmt.Errorf("send to peer %d: %w", kp.id, ErrUnknownPeer)
	}

	frame := make([]byte, frameHeaderSize+len(data))
	binary.LittleEndian.PutUint32(frame, uint32(len(data)))
	frame[4] = channel
	copy(frame[frameHeaderSize:], data)

	kp.writeMu.Lock()
	defer kp.writeMu.Unlock()
	if _, err := kp.conn.Write(frame); err != nil {
		return fmt.Errorf("send to peer %d: %w", kp.id, err)
	}
	return nil
}

func (h *kcpHost) Destroy() {
	if h.destroyed.Swap(true) {
		return
	}
	close(h.done)
	_ = h.ln.Close()

	h.mu.Lock()
	for _, peer := range h.peers {
		_ = peer.conn.Close()
	}
	h.peers = make(map[uint64]*kcpPeer)
	h.mu.Unlock()
}

func (h *kcpHost) Port() uint16 { return h.port }
