// Package transport abstracts the reliable-UDP host that servers are built
// on: connect/receive/disconnect events, flagged sends on numbered channels.
//
// Two implementations are provided: a production host backed by kcp-go ARQ
// sessions over UDP, and an in-process memory network used by tests and
// embedders.
package transport

import (
	"errors"
	"net"
	"time"
)

// SendFlag controls delivery semantics for an outgoing packet. The KCP
// transport is reliable-ordered regardless; flags are carried so embedders
// and future transports can honor them.
type SendFlag uint32

const (
	// FlagNone requests best-effort delivery.
	FlagNone SendFlag = 0

	// FlagReliable requests reliable, ordered delivery.
	FlagReliable SendFlag = 1

	// FlagUnsequenced requests delivery without ordering guarantees.
	FlagUnsequenced SendFlag = 2
)

// BufferSize selects the socket buffer size for a host.
type BufferSize int32

const (
	BufferDefault BufferSize = 0
	BufferSmall   BufferSize = 262144  // 256 KiB
	BufferMedium  BufferSize = 524288  // 512 KiB
	BufferLarge   BufferSize = 1048576 // 1 MiB
)

// EventType discriminates transport events.
type EventType uint8

const (
	// EventConnect signals a new peer.
	EventConnect EventType = iota + 1

	// EventReceive carries one inbound packet from a peer.
	EventReceive

	// EventDisconnect signals a peer going away.
	EventDisconnect
)

// Event is one transport occurrence drained via Host.Service. Data is only
// set for EventReceive and is owned by the receiver.
type Event struct {
	Type    EventType
	Peer    Peer
	Channel uint8
	Data    []byte
}

// Peer is a transport-level connection endpoint. Implementations are
// comparable so peers can key maps.
type Peer interface {
	// ID is unique for the lifetime of the process.
	ID() uint64

	// Addr is the remote address, for logging.
	Addr() net.Addr
}

// Host is one listening endpoint multiplexing many peers.
//
// Service and Destroy are safe to call from the owning server goroutine;
// Send is safe from any goroutine.
type Host interface {
	// Service blocks up to timeout for the next pending event. The second
	// return is false when no event arrived within the timeout or the host
	// has been destroyed.
	Service(timeout time.Duration) (Event, bool)

	// Send delivers data to peer on the given channel.
	Send(peer Peer, channel uint8, data []byte, flag SendFlag) error

	// Destroy tears the host down and releases the port. Idempotent.
	Destroy()

	// Port is the listening port.
	Port() uint16
}

// HostConfig carries the construction parameters for a Host.
type HostConfig struct {
	Port        uint16
	MaxPeers    int
	MaxChannels int

	// QueueSize bounds the pending event queue.
	QueueSize int

	// IncomingBandwidth and OutgoingBandwidth are byte/s hints; zero means
	// unlimited. The KCP host does not shape traffic and ignores them.
	IncomingBandwidth uint32
	OutgoingBandwidth uint32

	BufferSize BufferSize
}

// Factory creates hosts. The session manager uses one to provision session
// servers across its port range.
type Factory interface {
	CreateHost(cfg HostConfig) (Host, error)
}

// Sentinel errors shared by Host implementations.
var (
	// ErrNilPeer indicates a send to a nil peer.
	ErrNilPeer = errors.New("nil peer")

	// ErrUnknownPeer indicates the peer is not (or no longer) connected to
	// this host.
	ErrUnknownPeer = errors.New("peer not connected to host")

	// ErrChannelOutOfRange indicates the channel id is not below the host's
	// configured channel count.
	ErrChannelOutOfRange = errors.New("channel out of range")

	// ErrHostDestroyed indicates the host has been destroyed.
	ErrHostDestroyed = errors.New("host destroyed")

	// ErrHostFull indicates the host is at its peer limit.
	ErrHostFull = errors.New("host at peer capacity")
)

// defaultQueueSize bounds the event queue when HostConfig.QueueSize is zero.
const defaultQueueSize = 1024
