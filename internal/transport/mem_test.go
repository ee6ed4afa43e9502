package transport_test

import (
	"errors"
	"testing"
	"time"

	"github.com/lobbygrid/lobbygrid/internal/transport"
)

const eventTimeout = 2 * time.Second

func newHost(t *testing.T, net *transport.MemNetwork, cfg transport.HostConfig) transport.Host {
	t.Helper()

	host, err := net.CreateHost(cfg)
	if err != nil {
		t.Fatalf("CreateHost: %v", err)
	}
	t.Cleanup(host.Destroy)
	return host
}

// service drains until an event of the wanted type arrives or the deadline
// passes.
func service(t *testing.T, host transport.Host, want transport.EventType) transport.Event {
	t.Helper()

	deadline := time.Now().Add(eventTimeout)
	for time.Now().Before(deadline) {
		ev, ok := host.Service(50 * time.Millisecond)
		if ok && ev.Type == want {
			return ev
		}
	}
	t.Fatalf("no %v event within %v", want, eventTimeout)
	return transport.Event{}
}

func TestMemConnectSendReceive(t *testing.T) {
	t.Parallel()

	net := transport.NewMemNetwork()
	host := newHost(t, net, transport.HostConfig{Port: 7000, MaxPeers: 4, MaxChannels: 2})

	conn, err := net.Dial(7000)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	ev := service(t, host, transport.EventConnect)
	peer := ev.Peer

	if err := conn.Send(1, []byte("ping"), transport.FlagReliable); err != nil {
		t.Fatalf("client Send: %v", err)
	}

	ev = service(t, host, transport.EventReceive)
	if string(ev.Data) != "ping" {
		t.Errorf("received %q, want %q", ev.Data, "ping")
	}
	if ev.Channel != 1 {
		t.Errorf("received on channel %d, want 1", ev.Channel)
	}

	if err := host.Send(peer, 0, []byte("pong"), transport.FlagReliable); err != nil {
		t.Fatalf("host Send: %v", err)
	}

	pkt, ok := conn.Recv(eventTimeout)
	if !ok {
		t.Fatal("client Recv timed out")
	}
	if string(pkt.Data) != "pong" {
		t.Errorf("client received %q, want %q", pkt.Data, "pong")
	}
	if pkt.Channel != 0 {
		t.Errorf("client received on channel %d, want 0", pkt.Channel)
	}
}

func TestMemDisconnectEvent(t *testing.T) {
	t.Parallel()

	net := transport.NewMemNetwork()
	host := newHost(t, net, transport.HostConfig{Port: 7001})

	conn, err := net.Dial(7001)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}

	connected := service(t, host, transport.EventConnect)
	conn.Close()

	ev := service(t, host, transport.EventDisconnect)
	if ev.Peer.ID() != connected.Peer.ID() {
		t.Errorf("disconnect peer %d, want %d", ev.Peer.ID(), connected.Peer.ID())
	}

	// Sends to a gone peer must fail.
	if err := host.Send(connected.Peer, 0, []byte("x"), transport.FlagNone); !errors.Is(err, transport.ErrUnknownPeer) {
		t.Errorf("Send after disconnect = %v, want ErrUnknownPeer", err)
	}
}

func TestMemPortConflict(t *testing.T) {
	t.Parallel()

	net := transport.NewMemNetwork()
	newHost(t, net, transport.HostConfig{Port: 7002})

	if _, err := net.CreateHost(transport.HostConfig{Port: 7002}); err == nil {
		t.Fatal("CreateHost on occupied port succeeded, want error")
	}
}

func TestMemDestroyReleasesPort(t *testing.T) {
	t.Parallel()

	net := transport.NewMemNetwork()
	host, err := net.CreateHost(transport.HostConfig{Port: 7003})
	if err != nil {
		t.Fatalf("CreateHost: %v", err)
	}

	host.Destroy()
	host.Destroy() // idempotent

	if _, err := net.Dial(7003); err == nil {
		t.Error("Dial after Destroy succeeded, want error")
	}

	newHost(t, net, transport.HostConfig{Port: 7003})
}

func TestMemPeerCapacity(t *testing.T) {
	t.Parallel()

	net := transport.NewMemNetwork()
	newHost(t, net, transport.HostConfig{Port: 7004, MaxPeers: 1})

	if _, err := net.Dial(7004); err != nil {
		t.Fatalf("first Dial: %v", err)
	}

	if _, err := net.Dial(7004); !errors.Is(err, transport.ErrHostFull) {
		t.Errorf("second Dial = %v, want ErrHostFull", err)
	}
}

func TestMemChannelRange(t *testing.T) {
	t.Parallel()

	net := transport.NewMemNetwork()
	host := newHost(t, net, transport.HostConfig{Port: 7005, MaxChannels: 2})

	conn, err := net.Dial(7005)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	if err := conn.Send(2, []byte("x"), transport.FlagNone); !errors.Is(err, transport.ErrChannelOutOfRange) {
		t.Errorf("client Send channel 2 = %v, want ErrChannelOutOfRange", err)
	}

	ev := service(t, host, transport.EventConnect)
	if err := host.Send(ev.Peer, 5, []byte("x"), transport.FlagNone); !errors.Is(err, transport.ErrChannelOutOfRange) {
		t.Errorf("host Send channel 5 = %v, want ErrChannelOutOfRange", err)
	}
}

func TestMemServiceTimeout(t *testing.T) {
	t.Parallel()

	net := transport.NewMemNetwork()
	host := newHost(t, net, transport.HostConfig{Port: 7006})

	start := time.Now()
	_, ok := host.Service(20 * time.Millisecond)
	if ok {
		t.Fatal("Service returned an event on an idle host")
	}
	if elapsed := time.Since(start); elapsed < 15*time.Millisecond {
		t.Errorf("Service returned after %v, want >= ~20ms", elapsed)
	}

	// Zero timeout polls without blocking.
	if _, ok := host.Service(0); ok {
		t.Fatal("zero-timeout Service returned an event on an idle host")
	}
}
