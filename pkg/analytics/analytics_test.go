package analytics

import (
	"testing"
	"time"

	"github.com/jamfoundry/jamcore/pkg/clock"
	"github.com/jamfoundry/jamcore/pkg/logger"
)

func newTestTracker() (*Tracker, *clock.Manual) {
	clk := clock.NewManual(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	return NewTracker(clk, logger.NewDefaultLogger(logger.ErrorLevel, "text")), clk
}

func TestSessionLifecycle(t *testing.T) {
	tr, clk := newTestTracker()

	tr.StartSession("s1", "alice", "room_1")
	if tr.ActiveSessions() != 1 {
		t.Fatalf("Expected 1 active session, got %d", tr.ActiveSessions())
	}

	clk.Advance(90 * time.Second)
	duration, ok := tr.EndSession("s1")
	if !ok {
		t.Fatal("EndSession should find the open session")
	}
	if duration != 90*time.Second {
		t.Errorf("Expected 90s duration, got %v", duration)
	}
	if tr.ActiveSessions() != 0 {
		t.Errorf("Session should be closed, got %d active", tr.ActiveSessions())
	}

	if _, ok := tr.EndSession("s1"); ok {
		t.Error("Ending an unknown session should report false")
	}
}

func TestEndSessionsForUser(t *testing.T) {
	tr, _ := newTestTracker()

	tr.StartSession("s1", "alice", "room_1")
	tr.StartSession("s2", "alice", "room_2")
	tr.StartSession("s3", "bob", "room_1")

	if closed := tr.EndSessionsForUser("alice"); closed != 2 {
		t.Errorf("Expected 2 sessions closed, got %d", closed)
	}
	if tr.ActiveSessions() != 1 {
		t.Errorf("Bob's session should survive, got %d", tr.ActiveSessions())
	}
}

func TestLatencyMetrics(t *testing.T) {
	tr, _ := newTestTracker()

	for _, ms := range []float64{10, 20, 30, 40} {
		tr.RecordLatency(ms)
	}
	tr.RecordLatency(-5) // discarded

	m := tr.Latency()
	if m.Count != 4 {
		t.Fatalf("Expected 4 measurements, got %d", m.Count)
	}
	if m.MinMs != 10 || m.MaxMs != 40 {
		t.Errorf("Expected min 10 max 40, got %v/%v", m.MinMs, m.MaxMs)
	}
	if m.AvgMs != 25 {
		t.Errorf("Expected avg 25, got %v", m.AvgMs)
	}
	if m.P95Ms < 30 || m.P95Ms > 40 {
		t.Errorf("P95 should sit near the top of the window, got %v", m.P95Ms)
	}
}

func TestLatencyWindowBounded(t *testing.T) {
	tr, _ := newTestTracker()

	for i := 0; i < latencySampleCap+100; i++ {
		tr.RecordLatency(float64(i))
	}

	m := tr.Latency()
	if m.Samples != latencySampleCap {
		t.Errorf("Sample window should be capped at %d, got %d", latencySampleCap, m.Samples)
	}
	if m.Count != int64(latencySampleCap+100) {
		t.Errorf("Count should keep the full history, got %d", m.Count)
	}
}
