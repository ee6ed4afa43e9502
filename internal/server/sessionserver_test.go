package server_test

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/lobbygrid/lobbygrid/internal/protocol"
	"github.com/lobbygrid/lobbygrid/internal/server"
	"github.com/lobbygrid/lobbygrid/internal/session"
	"github.com/lobbygrid/lobbygrid/internal/transport"
)

const arenaType = "arena"

func newArenaServer(t *testing.T, net *transport.MemNetwork, port uint16) *server.SessionServer {
	t.Helper()

	ss, err := server.NewSessionServer(net, port, arenaType, server.SessionServerOption{
		MaxConnection: 8,
		MaxChannel:    4,
		MaxSessions:   4,
		QueueSize:     64,
	}, testLogger(), nil)
	if err != nil {
		t.Fatalf("NewSessionServer: %v", err)
	}
	t.Cleanup(func() {
		ss.DetachAll()
		ss.Stop()
	})
	return ss
}

func newArenaSession(name string, maxPlayers uint8, password *string) *session.Session {
	return session.New(session.Options{
		Info: protocol.SessionInfo{
			Name:        name,
			MaxPlayers:  maxPlayers,
			SessionType: arenaType,
		},
		Password:  password,
		Framerate: testFramerate,
	}, testLogger())
}

func TestAttachSessionSlotReuse(t *testing.T) {
	t.Parallel()

	net := transport.NewMemNetwork()
	ss := newArenaServer(t, net, 9100)

	if sn := ss.AttachSession(newArenaSession("a", 4, nil)); sn != 0 {
		t.Fatalf("first attach slot = %d, want 0", sn)
	}
	if sn := ss.AttachSession(newArenaSession("b", 4, nil)); sn != 1 {
		t.Fatalf("second attach slot = %d, want 1", sn)
	}

	ss.DetachSession(0)
	if got := ss.SessionCount(); got != 1 {
		t.Fatalf("SessionCount after detach = %d, want 1", got)
	}

	// The freed slot is reused before the table grows.
	if sn := ss.AttachSession(newArenaSession("c", 4, nil)); sn != 0 {
		t.Fatalf("attach after detach slot = %d, want 0", sn)
	}

	sess := ss.SessionAt(0)
	if sess == nil || sess.Info().Name != "c" {
		t.Fatal("slot 0 does not hold the reattached session")
	}
	id := sess.Identifier()
	if id.SessionPort != 9100 || id.SessionNumber != 0 {
		t.Errorf("identifier = %+v, want {9100 0}", id)
	}
}

func TestAddRemoveUserDetachOnEmpty(t *testing.T) {
	t.Parallel()

	net := transport.NewMemNetwork()
	ss := newArenaServer(t, net, 9101)

	sn := ss.AttachSession(newArenaSession("room", 4, nil))

	if !ss.AddUser(sn, 1) {
		t.Fatal("AddUser(1) = false, want true")
	}
	if ss.AddUser(sn, 1) {
		t.Error("second AddUser(1) = true, want false")
	}
	if ss.AddUser(9, 2) {
		t.Error("AddUser on empty slot = true, want false")
	}
	if !ss.AddUser(sn, 2) {
		t.Fatal("AddUser(2) = false, want true")
	}

	ss.RemoveUser(1)
	if ss.SessionCount() != 1 {
		t.Fatal("session detached while a member remained")
	}

	ss.RemoveUser(2)
	if got := ss.SessionCount(); got != 0 {
		t.Errorf("SessionCount after last leave = %d, want 0", got)
	}
	if ss.SessionAt(sn) != nil {
		t.Error("slot still occupied after empty-session detach")
	}

	// Removing an unknown user is a no-op.
	ss.RemoveUser(42)
}

func TestJoinSessionOverWire(t *testing.T) {
	t.Parallel()

	secret := "hunter2"
	wrong := "nope"

	net := transport.NewMemNetwork()
	ss := newArenaServer(t, net, 9102)
	ss.AttachSession(newArenaSession("locked", 1, &secret))

	join := func(uid uint64, sn uint16, password *string) protocol.SessionJoinResult {
		conn, err := net.Dial(9102)
		if err != nil {
			t.Fatalf("Dial: %v", err)
		}
		t.Cleanup(conn.Close)

		sendTyped(t, conn, 0, protocol.TypeJoinSession, protocol.SessionJoinOption{
			UserIdentifier: protocol.UserIdentifier{UserID: uid},
			SessionNumber:  sn,
			Password:       password,
		})
		result, _ := recvTyped[protocol.SessionJoinResult](t, conn, protocol.TypeJoinSession)
		return result
	}

	if result := join(1, 0, &wrong); result.Success || result.ErrorCode != protocol.ErrCodeInvalidJoin {
		t.Errorf("wrong password join = %+v, want rejection code %d", result, protocol.ErrCodeInvalidJoin)
	}
	if result := join(1, 5, &secret); result.Success || result.ErrorCode != protocol.ErrCodeInvalidJoin {
		t.Errorf("empty slot join = %+v, want rejection code %d", result, protocol.ErrCodeInvalidJoin)
	}

	if result := join(1, 0, &secret); !result.Success {
		t.Fatalf("valid join = %+v, want success", result)
	}

	// The room holds one player; the next join finds it full.
	if result := join(2, 0, &secret); result.Success || result.ErrorCode != protocol.ErrCodeInvalidJoin {
		t.Errorf("join on full session = %+v, want rejection code %d", result, protocol.ErrCodeInvalidJoin)
	}

	if !ss.SessionAt(0).HasMember(1) {
		t.Error("joined uid missing from the session roster")
	}
}

func TestRejectedDuplicateUIDJoinLeavesOriginalBound(t *testing.T) {
	t.Parallel()

	const typeMove = 51

	net := transport.NewMemNetwork()
	ss := newArenaServer(t, net, 9106)

	sess := newArenaSession("room", 4, nil)
	moves := make(chan uint64, 4)
	if err := sess.RegisterPacketHandler(typeMove, session.NewEmptyHandler(func(_ *session.Session, uid uint64) {
		moves <- uid
	})); err != nil {
		t.Fatalf("register move handler: %v", err)
	}
	ss.AttachSession(sess)

	join := func(conn *transport.MemConn) protocol.SessionJoinResult {
		sendTyped(t, conn, 0, protocol.TypeJoinSession, protocol.SessionJoinOption{
			UserIdentifier: protocol.UserIdentifier{UserID: 7},
			SessionNumber:  0,
		})
		result, _ := recvTyped[protocol.SessionJoinResult](t, conn, protocol.TypeJoinSession)
		return result
	}

	connA, err := net.Dial(9106)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer connA.Close()
	if result := join(connA); !result.Success {
		t.Fatalf("first join = %+v, want success", result)
	}

	connB, err := net.Dial(9106)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	if result := join(connB); result.Success || result.ErrorCode != protocol.ErrCodeInvalidJoin {
		t.Fatalf("duplicate-uid join = %+v, want rejection code %d", result, protocol.ErrCodeInvalidJoin)
	}

	// The rejected connection going away must not disturb the member it
	// failed to impersonate.
	connB.Close()

	// A game packet from the original connection still dispatches, which
	// proves both the membership and the peer binding survived; it also
	// orders this check after the disconnect on the event queue.
	sendTyped(t, connA, 0, typeMove, protocol.LoginData{})
	select {
	case uid := <-moves:
		if uid != 7 {
			t.Fatalf("move dispatched for uid %d, want 7", uid)
		}
	case <-time.After(recvTimeout):
		t.Fatal("original member's packet no longer dispatches")
	}

	if got := ss.SessionCount(); got != 1 {
		t.Errorf("SessionCount = %d, want 1", got)
	}
	if !ss.SessionAt(0).HasMember(7) {
		t.Error("uid 7 missing from the session roster")
	}
	if _, ok := ss.PeerByUID(7); !ok {
		t.Error("uid 7 no longer bound to any peer")
	}
}

func TestDisconnectDetachesEmptySession(t *testing.T) {
	t.Parallel()

	net := transport.NewMemNetwork()
	ss := newArenaServer(t, net, 9103)
	ss.AttachSession(newArenaSession("room", 4, nil))

	conn, err := net.Dial(9103)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}

	sendTyped(t, conn, 0, protocol.TypeJoinSession, protocol.SessionJoinOption{
		UserIdentifier: protocol.UserIdentifier{UserID: 7},
		SessionNumber:  0,
	})
	if result, _ := recvTyped[protocol.SessionJoinResult](t, conn, protocol.TypeJoinSession); !result.Success {
		t.Fatalf("join = %+v, want success", result)
	}

	conn.Close()

	deadline := time.Now().Add(recvTimeout)
	for ss.SessionCount() != 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if got := ss.SessionCount(); got != 0 {
		t.Fatalf("SessionCount after disconnect = %d, want 0", got)
	}
}

func TestReservedTypesNeverReachSessions(t *testing.T) {
	t.Parallel()

	const typeMove = 50

	net := transport.NewMemNetwork()
	ss := newArenaServer(t, net, 9104)

	sess := newArenaSession("room", 4, nil)
	var reserved atomic.Int64
	moves := make(chan uint64, 4)

	if err := sess.RegisterPacketHandler(protocol.TypeLogin, session.NewEmptyHandler(func(*session.Session, uint64) {
		reserved.Add(1)
	})); err != nil {
		t.Fatalf("register reserved handler: %v", err)
	}
	if err := sess.RegisterPacketHandler(typeMove, session.NewEmptyHandler(func(_ *session.Session, uid uint64) {
		moves <- uid
	})); err != nil {
		t.Fatalf("register move handler: %v", err)
	}

	ss.AttachSession(sess)

	conn, err := net.Dial(9104)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	sendTyped(t, conn, 0, protocol.TypeJoinSession, protocol.SessionJoinOption{
		UserIdentifier: protocol.UserIdentifier{UserID: 3},
		SessionNumber:  0,
	})
	if result, _ := recvTyped[protocol.SessionJoinResult](t, conn, protocol.TypeJoinSession); !result.Success {
		t.Fatalf("join = %+v, want success", result)
	}

	// A reserved frame first, then a game frame; both arrive in order on the
	// event worker, so seeing the move proves the reserved one was filtered.
	sendTyped(t, conn, 0, protocol.TypeLogin, protocol.LoginData{ID: "x"})
	sendTyped(t, conn, 0, typeMove, protocol.LoginData{})

	select {
	case uid := <-moves:
		if uid != 3 {
			t.Errorf("move dispatched for uid %d, want 3", uid)
		}
	case <-time.After(recvTimeout):
		t.Fatal("game packet never reached the session")
	}

	if got := reserved.Load(); got != 0 {
		t.Errorf("reserved-type handler fired %d times, want 0", got)
	}
}

func TestSessionListFiltering(t *testing.T) {
	t.Parallel()

	net := transport.NewMemNetwork()
	ss := newArenaServer(t, net, 9105)

	ss.AttachSession(newArenaSession("Capture The Flag", 8, nil))
	ss.AttachSession(newArenaSession("deathmatch", 8, nil))

	private := session.New(session.Options{
		Info: protocol.SessionInfo{
			Name:        "Hidden Flag",
			MaxPlayers:  8,
			IsPrivate:   true,
			SessionType: arenaType,
		},
		Framerate: testFramerate,
	}, testLogger())
	ss.AttachSession(private)

	other := session.New(session.Options{
		Info:      protocol.SessionInfo{Name: "flag duel", MaxPlayers: 2, SessionType: "duel"},
		Framerate: testFramerate,
	}, testLogger())
	ss.AttachSession(other)

	all := ss.SessionList(arenaType, nil)
	if len(all) != 2 {
		t.Fatalf("unfiltered list has %d entries, want 2", len(all))
	}

	filter := "FLAG"
	got := ss.SessionList(arenaType, &filter)
	if len(got) != 1 || got[0].Name != "Capture The Flag" {
		t.Errorf("filtered list = %+v, want [Capture The Flag]", got)
	}

	if got := ss.SessionList("duel", nil); len(got) != 1 || got[0].Name != "flag duel" {
		t.Errorf("duel list = %+v, want [flag duel]", got)
	}
}
