package session

import (
	"testing"
	"time"

	"github.com/jamfoundry/jamcore/pkg/clock"
	"github.com/jamfoundry/jamcore/pkg/logger"
)

func newTestRegistry(t *testing.T) (*Registry, *clock.Manual) {
	t.Helper()
	clk := clock.NewManual(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	r := NewRegistry(clk, logger.NewDefaultLogger(logger.ErrorLevel, "text"))
	t.Cleanup(r.Stop)
	return r, clk
}

func roomSession(connID, userID, roomID string) *Session {
	return &Session{
		ConnectionID:  connID,
		RoomID:        roomID,
		UserID:        userID,
		Username:      userID,
		Role:          RoleBandMember,
		NamespacePath: "/room/" + roomID,
		Kind:          KindRoom,
	}
}

func TestAttachAndGet(t *testing.T) {
	r, _ := newTestRegistry(t)

	r.Attach(roomSession("conn_1", "alice", "room_1"))

	s := r.Get("conn_1")
	if s == nil || s.UserID != "alice" {
		t.Fatalf("Expected alice's session, got %+v", s)
	}
	if got := r.GetByUser("alice"); got == nil || got.ConnectionID != "conn_1" {
		t.Errorf("User index should resolve alice to conn_1, got %+v", got)
	}
}

func TestAttachEvictsPriorUserSession(t *testing.T) {
	r, _ := newTestRegistry(t)

	r.Attach(roomSession("conn_1", "alice", "room_1"))
	evicted := r.Attach(roomSession("conn_2", "alice", "room_2"))

	if evicted != "conn_1" {
		t.Errorf("Expected conn_1 evicted, got %q", evicted)
	}
	if r.Get("conn_1") != nil {
		t.Error("Old connection should have no session")
	}
	if got := r.GetByUser("alice"); got == nil || got.ConnectionID != "conn_2" {
		t.Errorf("Alice should resolve to conn_2, got %+v", got)
	}
}

func TestDetachCleansIndexes(t *testing.T) {
	r, _ := newTestRegistry(t)

	r.Attach(roomSession("conn_1", "alice", "room_1"))
	s := r.Detach("conn_1")

	if s == nil || s.UserID != "alice" {
		t.Fatalf("Detach should return the session, got %+v", s)
	}
	if r.GetByUser("alice") != nil {
		t.Error("User index should be cleared")
	}
	if got := r.ForNamespace("/room/room_1"); len(got) != 0 {
		t.Errorf("Namespace index should be cleared, got %d sessions", len(got))
	}
	if r.Detach("conn_1") != nil {
		t.Error("Second detach should return nil")
	}
}

func TestForNamespace(t *testing.T) {
	r, _ := newTestRegistry(t)

	r.Attach(roomSession("conn_1", "alice", "room_1"))
	r.Attach(roomSession("conn_2", "bob", "room_1"))
	r.Attach(roomSession("conn_3", "carol", "room_2"))

	got := r.ForNamespace("/room/room_1")
	if len(got) != 2 {
		t.Errorf("Expected 2 sessions in room_1's namespace, got %d", len(got))
	}
}

func TestEvictUser(t *testing.T) {
	r, _ := newTestRegistry(t)

	r.Attach(roomSession("conn_1", "alice", "room_1"))
	s := r.EvictUser("alice")
	if s == nil || s.ConnectionID != "conn_1" {
		t.Fatalf("Evict should return alice's session, got %+v", s)
	}
	if r.Count() != 0 {
		t.Errorf("Registry should be empty, got %d", r.Count())
	}
	if r.EvictUser("alice") != nil {
		t.Error("Evicting an absent user should return nil")
	}
}

func TestStaleSessions(t *testing.T) {
	r, clk := newTestRegistry(t)

	r.Attach(roomSession("conn_1", "alice", "room_1"))
	clk.Advance(30 * time.Minute)
	r.Attach(roomSession("conn_2", "bob", "room_1"))
	r.Touch("conn_2")

	stale := r.Stale(20 * time.Minute)
	if len(stale) != 1 || stale[0].UserID != "alice" {
		t.Errorf("Only alice should be stale, got %+v", stale)
	}
}

func TestGraceLifecycle(t *testing.T) {
	r, clk := newTestRegistry(t)

	snap := UserSnapshot{Username: "alice", Role: RoleBandMember, Instrument: "piano"}
	r.AddGrace("alice", "room_1", snap, false)

	if !r.IsInGrace("alice", "room_1") {
		t.Fatal("Alice should be in grace immediately after disconnect")
	}
	if r.IsInGrace("alice", "room_2") {
		t.Error("Grace is scoped to the room")
	}

	clk.Advance(29 * time.Second)
	if !r.IsInGrace("alice", "room_1") {
		t.Error("Grace should still hold at 29s")
	}

	entry := r.ClearGrace("alice", "room_1")
	if entry == nil || entry.Snapshot.Instrument != "piano" {
		t.Fatalf("ClearGrace should return the snapshot, got %+v", entry)
	}
	if r.IsInGrace("alice", "room_1") {
		t.Error("Cleared entry should not report in-grace")
	}
}

func TestGraceExpireSweep(t *testing.T) {
	r, clk := newTestRegistry(t)

	r.AddGrace("alice", "room_1", UserSnapshot{Username: "alice"}, false)
	r.AddGrace("bob", "room_1", UserSnapshot{Username: "bob"}, true)
	r.AddGrace("carol", "room_2", UserSnapshot{Username: "carol"}, false)

	clk.Advance(10 * time.Second)
	if got := r.ExpireSweep(); len(got) != 0 {
		t.Errorf("Nothing should expire at 10s, got %d rooms", len(got))
	}

	clk.Advance(25 * time.Second)
	expired := r.ExpireSweep()
	if len(expired) != 2 {
		t.Fatalf("Both rooms should lose entries, got %d", len(expired))
	}
	if len(expired["room_1"]) != 2 {
		t.Errorf("room_1 should lose 2 entries, got %d", len(expired["room_1"]))
	}
	if r.GraceCount() != 0 {
		t.Errorf("All entries should be gone, got %d", r.GraceCount())
	}
}

func TestGraceReDisconnectRestartsWindow(t *testing.T) {
	r, clk := newTestRegistry(t)

	r.AddGrace("alice", "room_1", UserSnapshot{Username: "alice"}, false)
	clk.Advance(25 * time.Second)
	r.AddGrace("alice", "room_1", UserSnapshot{Username: "alice"}, false)
	clk.Advance(20 * time.Second)

	if !r.IsInGrace("alice", "room_1") {
		t.Error("Second disconnect should restart the 30s window")
	}
}
