package approval

import (
	"testing"
	"time"

	"github.com/jamfoundry/jamcore/pkg/clock"
	"github.com/jamfoundry/jamcore/pkg/logger"
	"github.com/jamfoundry/jamcore/pkg/session"
)

func newTestCoordinator(t *testing.T) (*Coordinator, *clock.Manual) {
	t.Helper()
	clk := clock.NewManual(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	c := NewCoordinator(clk, logger.NewDefaultLogger(logger.ErrorLevel, "text"))
	t.Cleanup(c.Stop)
	return c, clk
}

func pending(connID, userID, roomID string) *Session {
	return &Session{
		ConnectionID: connID,
		RoomID:       roomID,
		UserID:       userID,
		Username:     userID,
		Role:         session.RoleBandMember,
	}
}

func TestRegisterAndLookup(t *testing.T) {
	c, _ := newTestCoordinator(t)

	c.Register(pending("conn_1", "alice", "room_1"))

	if s := c.Get("conn_1"); s == nil || s.UserID != "alice" {
		t.Fatalf("Expected alice's approval, got %+v", s)
	}
	if s := c.GetByUser("alice"); s == nil || s.ConnectionID != "conn_1" {
		t.Errorf("User index should resolve alice, got %+v", s)
	}
}

func TestRegisterEvictsPriorUserRequest(t *testing.T) {
	c, _ := newTestCoordinator(t)

	c.Register(pending("conn_1", "alice", "room_1"))
	evicted := c.Register(pending("conn_2", "alice", "room_2"))

	if evicted == nil || evicted.ConnectionID != "conn_1" {
		t.Fatalf("First request should be evicted, got %+v", evicted)
	}
	if c.Get("conn_1") != nil {
		t.Error("Evicted request should be gone")
	}
	if s := c.GetByUser("alice"); s == nil || s.RoomID != "room_2" {
		t.Errorf("Alice should now be pending on room_2, got %+v", s)
	}
}

func TestRemoveOnResponseOrDisconnect(t *testing.T) {
	c, _ := newTestCoordinator(t)

	c.Register(pending("conn_1", "alice", "room_1"))
	s := c.Remove("conn_1")
	if s == nil || s.UserID != "alice" {
		t.Fatalf("Remove should return the session, got %+v", s)
	}
	if c.GetByUser("alice") != nil {
		t.Error("User index should be cleared")
	}
	if c.Remove("conn_1") != nil {
		t.Error("Second remove should return nil")
	}
}

func TestExpireDueFiresHandler(t *testing.T) {
	c, clk := newTestCoordinator(t)

	var expired []*Session
	c.SetExpireHandler(func(s *Session) { expired = append(expired, s) })

	c.Register(pending("conn_1", "alice", "room_1"))
	clk.Advance(10 * time.Second)
	c.Register(pending("conn_2", "bob", "room_1"))

	clk.Advance(25 * time.Second)
	c.ExpireDue()

	if len(expired) != 1 || expired[0].UserID != "alice" {
		t.Fatalf("Only alice (35s old) should expire, got %+v", expired)
	}
	if c.Get("conn_2") == nil {
		t.Error("Bob's request (25s old) should survive")
	}
}

func TestStats(t *testing.T) {
	c, clk := newTestCoordinator(t)

	c.Register(pending("conn_1", "alice", "room_1"))
	clk.Advance(5 * time.Second)
	c.Register(pending("conn_2", "bob", "room_1"))
	clk.Advance(2 * time.Second)

	stats := c.Stats()
	if stats.Pending != 2 {
		t.Errorf("Expected 2 pending, got %d", stats.Pending)
	}
	if stats.OldestAge != (7 * time.Second).Milliseconds() {
		t.Errorf("Oldest age should be 7000ms, got %d", stats.OldestAge)
	}
}

func TestCleanupRoom(t *testing.T) {
	c, _ := newTestCoordinator(t)

	c.Register(pending("conn_1", "alice", "room_1"))
	c.Register(pending("conn_2", "bob", "room_1"))
	c.Register(pending("conn_3", "carol", "room_2"))

	if removed := c.CleanupRoom("room_1"); removed != 2 {
		t.Errorf("Expected 2 removed, got %d", removed)
	}
	if c.GetByUser("carol") == nil {
		t.Error("Other rooms' approvals should survive")
	}
}

func TestCleanupDropsExpiredSilently(t *testing.T) {
	c, clk := newTestCoordinator(t)

	fired := false
	c.SetExpireHandler(func(*Session) { fired = true })

	c.Register(pending("conn_1", "alice", "room_1"))
	clk.Advance(40 * time.Second)

	if removed := c.Cleanup(); removed != 1 {
		t.Errorf("Expected 1 removed, got %d", removed)
	}
	if fired {
		t.Error("Cleanup should not fire the expire handler")
	}
}
