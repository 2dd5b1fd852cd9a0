// Package analytics accounts for client sessions and tracks round-trip
// latency observed through ping measurements.
package analytics

import (
	"sort"
	"sync"
	"time"

	"github.com/jamfoundry/jamcore/pkg/clock"
	"github.com/jamfoundry/jamcore/pkg/logger"
)

// latencySampleCap bounds the window used for percentile estimates
const latencySampleCap = 1024

// Session is one measured client session
type Session struct {
	ID        string
	UserID    string
	RoomID    string
	StartedAt time.Time
}

// LatencyMetrics summarizes observed round trips
type LatencyMetrics struct {
	Count   int64   `json:"count"`
	MinMs   float64 `json:"minMs"`
	MaxMs   float64 `json:"maxMs"`
	AvgMs   float64 `json:"avgMs"`
	P95Ms   float64 `json:"p95Ms"`
	Samples int     `json:"samples"`
}

// Tracker owns analytics sessions and latency accounting
type Tracker struct {
	mu       sync.Mutex
	sessions map[string]*Session

	count   int64
	sumMs   float64
	minMs   float64
	maxMs   float64
	samples []float64

	clock  clock.Clock
	logger logger.Logger
}

// NewTracker creates an empty tracker
func NewTracker(clk clock.Clock, log logger.Logger) *Tracker {
	return &Tracker{
		sessions: make(map[string]*Session),
		clock:    clk,
		logger:   log,
	}
}

// StartSession opens an analytics session; restarting an open session id
// resets its start time
func (t *Tracker) StartSession(sessionID, userID, roomID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.sessions[sessionID] = &Session{
		ID:        sessionID,
		UserID:    userID,
		RoomID:    roomID,
		StartedAt: t.clock.Now(),
	}
}

// EndSession closes a session and returns its duration; an unknown id
// returns false
func (t *Tracker) EndSession(sessionID string) (time.Duration, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	s, ok := t.sessions[sessionID]
	if !ok {
		return 0, false
	}
	delete(t.sessions, sessionID)

	duration := t.clock.Now().Sub(s.StartedAt)
	t.logger.Debug("Analytics session ended",
		logger.String("session_id", sessionID),
		logger.String("user_id", s.UserID),
		logger.Int64("duration_ms", duration.Milliseconds()),
	)
	return duration, true
}

// EndSessionsForUser closes every session held by a user; used when the
// user's connection drops without explicit end events
func (t *Tracker) EndSessionsForUser(userID string) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	closed := 0
	for id, s := range t.sessions {
		if s.UserID == userID {
			delete(t.sessions, id)
			closed++
		}
	}
	return closed
}

// ActiveSessions reports open sessions
func (t *Tracker) ActiveSessions() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.sessions)
}

// RecordLatency folds one round-trip measurement into the metrics
func (t *Tracker) RecordLatency(ms float64) {
	if ms < 0 {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	t.count++
	t.sumMs += ms
	if t.count == 1 || ms < t.minMs {
		t.minMs = ms
	}
	if ms > t.maxMs {
		t.maxMs = ms
	}

	t.samples = append(t.samples, ms)
	if len(t.samples) > latencySampleCap {
		t.samples = t.samples[len(t.samples)-latencySampleCap:]
	}
}

// Latency summarizes everything recorded so far
func (t *Tracker) Latency() LatencyMetrics {
	t.mu.Lock()
	defer t.mu.Unlock()

	m := LatencyMetrics{
		Count:   t.count,
		MinMs:   t.minMs,
		MaxMs:   t.maxMs,
		Samples: len(t.samples),
	}
	if t.count > 0 {
		m.AvgMs = t.sumMs / float64(t.count)
	}
	if len(t.samples) > 0 {
		sorted := append([]float64(nil), t.samples...)
		sort.Float64s(sorted)
		idx := int(float64(len(sorted))*0.95) - 1
		if idx < 0 {
			idx = 0
		}
		m.P95Ms = sorted[idx]
	}
	return m
}
