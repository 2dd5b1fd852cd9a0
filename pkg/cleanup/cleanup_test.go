package cleanup

import (
	"testing"
	"time"

	"github.com/jamfoundry/jamcore/pkg/clock"
	"github.com/jamfoundry/jamcore/pkg/config"
	"github.com/jamfoundry/jamcore/pkg/logger"
	"github.com/jamfoundry/jamcore/pkg/namespace"
	"github.com/jamfoundry/jamcore/pkg/session"
)

type fakeConn struct {
	id     string
	closed string
}

func (c *fakeConn) ID() string                                 { return c.id }
func (c *fakeConn) Send(event string, payload interface{}) error { return nil }
func (c *fakeConn) Close(reason string)                        { c.closed = reason }
func (c *fakeConn) RemoteIP() string                           { return "127.0.0.1" }

type fakeApprovals struct {
	cleaned []string
}

func (f *fakeApprovals) CleanupRoom(roomID string) int {
	f.cleaned = append(f.cleaned, roomID)
	return 1
}

type fakePressure struct {
	factor float64
}

func (f *fakePressure) SetPressureFactor(factor float64) { f.factor = factor }

type fixture struct {
	sched      *Scheduler
	namespaces *namespace.Manager
	sessions   *session.Registry
	approvals  *fakeApprovals
	pressure   *fakePressure
	clk        *clock.Manual
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clk := clock.NewManual(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	log := logger.NewDefaultLogger(logger.ErrorLevel, "text")
	ns := namespace.NewManager(clk, log)
	reg := session.NewRegistry(clk, log)
	t.Cleanup(reg.Stop)
	approvals := &fakeApprovals{}
	pressure := &fakePressure{factor: 1.0}

	sched := NewScheduler(config.DefaultConfig().Cleanup, ns, reg, approvals, pressure, clk, log)
	sched.heapMB = func() float64 { return 100 }
	return &fixture{sched: sched, namespaces: ns, sessions: reg, approvals: approvals, pressure: pressure, clk: clk}
}

func TestEmptyNamespaceDisposed(t *testing.T) {
	f := newFixture(t)

	f.namespaces.Get("/room/room_1")
	f.clk.Advance(6 * time.Minute)

	m := f.sched.RunRegular()
	if m.NamespacesCleanedUp != 1 {
		t.Fatalf("Empty namespace idle 6m should be disposed, got %+v", m)
	}
	if f.namespaces.Lookup("/room/room_1") != nil {
		t.Error("Namespace should be gone")
	}
}

func TestActiveNamespaceSurvives(t *testing.T) {
	f := newFixture(t)

	n := f.namespaces.Get("/room/room_1")
	n.Join(&fakeConn{id: "conn_1"})
	f.clk.Advance(6 * time.Minute)

	m := f.sched.RunRegular()
	if m.NamespacesCleanedUp != 0 {
		t.Errorf("Populated namespace idle 6m should survive the regular pass, got %+v", m)
	}
}

func TestInactiveNamespaceDisposedWithSessions(t *testing.T) {
	f := newFixture(t)

	n := f.namespaces.Get("/room/room_1")
	c := &fakeConn{id: "conn_1"}
	n.Join(c)
	f.sessions.Attach(&session.Session{
		ConnectionID:  "conn_1",
		RoomID:        "room_1",
		UserID:        "alice",
		NamespacePath: "/room/room_1",
		Kind:          session.KindRoom,
	})

	f.clk.Advance(31 * time.Minute)
	m := f.sched.RunRegular()

	if m.NamespacesCleanedUp != 1 {
		t.Fatalf("Namespace idle 31m should be disposed, got %+v", m)
	}
	if c.closed == "" {
		t.Error("Connections should be closed on dispose")
	}
	if f.sessions.Get("conn_1") != nil {
		t.Error("Related sessions should be detached")
	}
}

func TestStaleApprovalNamespace(t *testing.T) {
	f := newFixture(t)

	n := f.namespaces.Get("/approval/room_1")
	n.Join(&fakeConn{id: "conn_1"})

	f.clk.Advance(11 * time.Minute)
	n.Touch() // active but old

	f.sched.RunRegular()
	if f.namespaces.Lookup("/approval/room_1") != nil {
		t.Error("Approval namespace older than 10m should be disposed even when active")
	}
	if len(f.approvals.cleaned) != 1 || f.approvals.cleaned[0] != "room_1" {
		t.Errorf("Pending approvals for the room should be dropped, got %v", f.approvals.cleaned)
	}
}

func TestLobbyMonitorNeverDisposed(t *testing.T) {
	f := newFixture(t)

	f.namespaces.Get(namespace.LobbyMonitorPath)
	f.clk.Advance(24 * time.Hour)

	f.sched.RunAggressive()
	if f.namespaces.Lookup(namespace.LobbyMonitorPath) == nil {
		t.Error("/lobby-monitor must survive every pass")
	}
}

func TestMemoryPressureRule(t *testing.T) {
	f := newFixture(t)
	f.sched.heapMB = func() float64 { return 900 }

	n := f.namespaces.Get("/room/room_1")
	n.Join(&fakeConn{id: "conn_1"}) // 1 connection < 2
	busy := f.namespaces.Get("/room/room_2")
	busy.Join(&fakeConn{id: "conn_2"})
	busy.Join(&fakeConn{id: "conn_3"})

	m := f.sched.RunRegular()
	if f.namespaces.Lookup("/room/room_1") != nil {
		t.Error("Low-population namespace should be disposed under memory pressure")
	}
	if f.namespaces.Lookup("/room/room_2") == nil {
		t.Error("Populated namespace should survive memory pressure")
	}
	if m.NamespacesCleanedUp != 1 {
		t.Errorf("Expected 1 cleaned, got %+v", m)
	}
}

func TestPressureFactorFeedsAdmission(t *testing.T) {
	f := newFixture(t)

	f.sched.heapMB = func() float64 { return 100 }
	f.sched.RunRegular()
	if f.pressure.factor != 1.0 {
		t.Errorf("No pressure should restore factor 1.0, got %v", f.pressure.factor)
	}

	f.sched.heapMB = func() float64 { return 900 }
	f.sched.RunRegular()
	if f.pressure.factor < 0.5 || f.pressure.factor > 0.8 {
		t.Errorf("Under pressure the factor should land in [0.5, 0.8], got %v", f.pressure.factor)
	}
}

func TestAggressiveLowPopulationRule(t *testing.T) {
	f := newFixture(t)

	n := f.namespaces.Get("/room/room_1")
	n.Join(&fakeConn{id: "conn_1"})
	n.Join(&fakeConn{id: "conn_2"}) // 2 connections < 3

	f.clk.Advance(16 * time.Minute)

	if m := f.sched.RunRegular(); m.NamespacesCleanedUp != 0 {
		t.Fatalf("Regular pass should keep it, got %+v", m)
	}
	if m := f.sched.RunAggressive(); m.NamespacesCleanedUp != 1 {
		t.Errorf("Aggressive pass should dispose it, got %+v", m)
	}
}

func TestStaleSessionSweep(t *testing.T) {
	f := newFixture(t)

	f.sessions.Attach(&session.Session{
		ConnectionID: "conn_1",
		UserID:       "alice",
		Kind:         session.KindRoom,
	})
	f.clk.Advance(61 * time.Minute)

	m := f.sched.RunRegular()
	if m.SessionsCleanedUp != 1 {
		t.Errorf("Session idle 61m should be swept, got %+v", m)
	}
	if f.sessions.Count() != 0 {
		t.Errorf("Registry should be empty, got %d", f.sessions.Count())
	}
}

func TestMetricsRecorded(t *testing.T) {
	f := newFixture(t)

	f.namespaces.Get("/room/room_1")
	f.clk.Advance(6 * time.Minute)
	f.sched.RunRegular()

	m := f.sched.LastMetrics()
	if m.NamespacesChecked != 1 || m.NamespacesCleanedUp != 1 {
		t.Errorf("Metrics should record the pass, got %+v", m)
	}
	if m.LastRun.IsZero() {
		t.Error("LastRun should be set")
	}
}
