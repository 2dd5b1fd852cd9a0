package namespace

import (
	"sync"
	"testing"
	"time"

	"github.com/jamfoundry/jamcore/pkg/clock"
	"github.com/jamfoundry/jamcore/pkg/logger"
)

type fakeConn struct {
	mu     sync.Mutex
	id     string
	events []string
	closed string
}

func (c *fakeConn) ID() string { return c.id }

func (c *fakeConn) Send(event string, payload interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, event)
	return nil
}

func (c *fakeConn) Close(reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = reason
}

func (c *fakeConn) RemoteIP() string { return "127.0.0.1" }

func (c *fakeConn) received() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.events...)
}

func newTestManager(t *testing.T) (*Manager, *clock.Manual) {
	t.Helper()
	clk := clock.NewManual(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	return NewManager(clk, logger.NewDefaultLogger(logger.ErrorLevel, "text")), clk
}

func TestGetIsIdempotent(t *testing.T) {
	m, _ := newTestManager(t)

	a := m.Get("/room/room_1")
	b := m.Get("/room/room_1")
	if a != b {
		t.Error("Get should return the same handle for the same path")
	}
	if m.Count() != 1 {
		t.Errorf("Expected 1 namespace, got %d", m.Count())
	}
}

func TestEmitReachesAllConnections(t *testing.T) {
	m, _ := newTestManager(t)
	n := m.Get("/room/room_1")

	c1 := &fakeConn{id: "conn_1"}
	c2 := &fakeConn{id: "conn_2"}
	n.Join(c1)
	n.Join(c2)

	n.Emit("chat_message", map[string]string{"message": "hi"})

	if len(c1.received()) != 1 || len(c2.received()) != 1 {
		t.Errorf("Both connections should receive the emit, got %d/%d",
			len(c1.received()), len(c2.received()))
	}
}

func TestEmitExceptSkipsSender(t *testing.T) {
	m, _ := newTestManager(t)
	n := m.Get("/room/room_1")

	sender := &fakeConn{id: "conn_1"}
	other := &fakeConn{id: "conn_2"}
	n.Join(sender)
	n.Join(other)

	n.EmitExcept("conn_1", "recording_preview", nil)

	if len(sender.received()) != 0 {
		t.Error("Sender should be excluded")
	}
	if len(other.received()) != 1 {
		t.Error("Other connections should receive the emit")
	}
}

func TestEmitTo(t *testing.T) {
	m, _ := newTestManager(t)
	n := m.Get("/room/room_1")
	c := &fakeConn{id: "conn_1"}
	n.Join(c)

	if !n.EmitTo("conn_1", "state_sync", nil) {
		t.Error("EmitTo should find the connection")
	}
	if n.EmitTo("conn_missing", "state_sync", nil) {
		t.Error("EmitTo on an absent connection should report false")
	}
}

func TestActivityTracking(t *testing.T) {
	m, clk := newTestManager(t)
	n := m.Get("/room/room_1")
	created := n.CreatedAt()

	clk.Advance(10 * time.Minute)
	n.Emit("play_note", nil)

	if !n.LastActivity().After(created) {
		t.Error("Emit should bump activity")
	}
	if n.CreatedAt() != created {
		t.Error("CreatedAt should not move")
	}
}

func TestDisposeDisconnectsAndDrops(t *testing.T) {
	m, _ := newTestManager(t)
	n := m.Get("/room/room_1")
	c := &fakeConn{id: "conn_1"}
	n.Join(c)

	if !m.Dispose("/room/room_1", "room_closed") {
		t.Fatal("Dispose should find the namespace")
	}
	if c.closed != "room_closed" {
		t.Errorf("Connection should be closed with the reason, got %q", c.closed)
	}
	if m.Lookup("/room/room_1") != nil {
		t.Error("Namespace should be dropped")
	}
	if m.Dispose("/room/room_1", "again") {
		t.Error("Second dispose should report false")
	}
}

func TestPathHelpers(t *testing.T) {
	if RoomPath("room_1") != "/room/room_1" {
		t.Errorf("Unexpected room path: %s", RoomPath("room_1"))
	}
	if ApprovalPath("room_1") != "/approval/room_1" {
		t.Errorf("Unexpected approval path: %s", ApprovalPath("room_1"))
	}
	if !IsApprovalPath("/approval/room_1") {
		t.Error("Approval path should be recognized")
	}
	if IsApprovalPath("/room/room_1") || IsApprovalPath(LobbyMonitorPath) {
		t.Error("Non-approval paths should not be recognized")
	}
}
