// Package cleanup reclaims idle namespaces, stale sessions, and expired
// approval channels on two cadences, with an aggressive pass under memory
// pressure.
package cleanup

import (
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/jamfoundry/jamcore/pkg/clock"
	"github.com/jamfoundry/jamcore/pkg/config"
	"github.com/jamfoundry/jamcore/pkg/logger"
	"github.com/jamfoundry/jamcore/pkg/namespace"
	"github.com/jamfoundry/jamcore/pkg/session"
)

// aggressiveIdleThreshold disposes low-population namespaces in the
// aggressive pass
const aggressiveIdleThreshold = 15 * time.Minute

// Metrics records one cleanup run
type Metrics struct {
	NamespacesChecked   int       `json:"namespacesChecked"`
	NamespacesCleanedUp int       `json:"namespacesCleanedUp"`
	SessionsCleanedUp   int       `json:"sessionsCleanedUp"`
	MemoryFreedMB       float64   `json:"memoryFreed"`
	DurationMs          int64     `json:"durationMs"`
	LastRun             time.Time `json:"lastRun"`
	Aggressive          bool      `json:"aggressive"`
}

// ApprovalCleaner drops pending approvals when their namespace is reclaimed
type ApprovalCleaner interface {
	CleanupRoom(roomID string) int
}

// PressureSink receives the cap-scaling factor computed from heap usage
type PressureSink interface {
	SetPressureFactor(factor float64)
}

// Scheduler runs the cleanup passes
type Scheduler struct {
	cfg        config.CleanupConfig
	namespaces *namespace.Manager
	sessions   *session.Registry
	approvals  ApprovalCleaner
	pressure   PressureSink

	// heapMB reports current heap usage; replaceable in tests
	heapMB func() float64

	mu   sync.Mutex
	last Metrics

	clock  clock.Clock
	logger logger.Logger
	stop   chan struct{}
	once   sync.Once
}

// NewScheduler wires the scheduler; call Start to begin the cadences
func NewScheduler(cfg config.CleanupConfig, ns *namespace.Manager, reg *session.Registry, approvals ApprovalCleaner, pressure PressureSink, clk clock.Clock, log logger.Logger) *Scheduler {
	return &Scheduler{
		cfg:        cfg,
		namespaces: ns,
		sessions:   reg,
		approvals:  approvals,
		pressure:   pressure,
		heapMB:     liveHeapMB,
		clock:      clk,
		logger:     log,
		stop:       make(chan struct{}),
	}
}

// Start launches the regular and aggressive cadences
func (s *Scheduler) Start() {
	go s.run()
}

// Stop halts the cadences
func (s *Scheduler) Stop() {
	s.once.Do(func() { close(s.stop) })
}

// LastMetrics returns the most recent run's metrics
func (s *Scheduler) LastMetrics() Metrics {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}

// RunRegular applies the prioritized rules once. Exposed for the force-run
// endpoint.
func (s *Scheduler) RunRegular() Metrics {
	return s.runPass(false)
}

// RunAggressive applies the aggressive pass once
func (s *Scheduler) RunAggressive() Metrics {
	return s.runPass(true)
}

func (s *Scheduler) run() {
	regular := time.NewTicker(s.cfg.Interval)
	aggressive := time.NewTicker(s.cfg.AggressiveInterval)
	defer regular.Stop()
	defer aggressive.Stop()

	for {
		select {
		case <-regular.C:
			s.RunRegular()
		case <-aggressive.C:
			s.RunAggressive()
		case <-s.stop:
			return
		}
	}
}

func (s *Scheduler) runPass(aggressive bool) Metrics {
	started := time.Now()
	heapBefore := s.heapMB()
	now := s.clock.Now()

	m := Metrics{Aggressive: aggressive}
	underPressure := heapBefore > float64(s.cfg.MemoryPressureThresholdMB)

	for _, ns := range s.namespaces.List() {
		m.NamespacesChecked++
		path := ns.Path()
		if path == namespace.LobbyMonitorPath {
			continue
		}

		idle := now.Sub(ns.LastActivity())
		age := now.Sub(ns.CreatedAt())
		count := ns.ConnectionCount()

		var reason string
		switch {
		case count == 0 && idle > s.cfg.EmptyThreshold:
			reason = "empty"
		case idle > s.cfg.InactiveThreshold:
			reason = "inactive"
		case namespace.IsApprovalPath(path) && age > s.cfg.ApprovalMaxAge:
			reason = "stale_approval"
		case underPressure && count < 2:
			reason = "memory_pressure"
		case aggressive && count == 0:
			reason = "aggressive_empty"
		case aggressive && count < 3 && idle > aggressiveIdleThreshold:
			reason = "aggressive_low_population"
		default:
			continue
		}

		m.SessionsCleanedUp += s.disposeWithSessions(path, reason)
		m.NamespacesCleanedUp++
	}

	m.SessionsCleanedUp += s.sweepStaleSessions()

	if s.pressure != nil {
		s.pressure.SetPressureFactor(s.pressureFactor(heapBefore))
	}

	if aggressive && m.NamespacesCleanedUp > 0 {
		runtime.GC()
	}

	if freed := heapBefore - s.heapMB(); freed > 0 {
		m.MemoryFreedMB = freed
	}
	m.DurationMs = time.Since(started).Milliseconds()
	m.LastRun = now

	s.mu.Lock()
	s.last = m
	s.mu.Unlock()

	if m.NamespacesCleanedUp > 0 || m.SessionsCleanedUp > 0 {
		s.logger.Info("Cleanup pass finished",
			logger.Bool("aggressive", aggressive),
			logger.Int("namespaces_checked", m.NamespacesChecked),
			logger.Int("namespaces_cleaned", m.NamespacesCleanedUp),
			logger.Int("sessions_cleaned", m.SessionsCleanedUp),
			logger.Int64("duration_ms", m.DurationMs),
		)
	}

	return m
}

// disposeWithSessions drops the namespace, its sessions, and any pending
// approvals it carried
func (s *Scheduler) disposeWithSessions(path, reason string) int {
	cleaned := 0
	for _, sess := range s.sessions.ForNamespace(path) {
		if s.sessions.Detach(sess.ConnectionID) != nil {
			cleaned++
		}
	}

	if namespace.IsApprovalPath(path) && s.approvals != nil {
		roomID := strings.TrimPrefix(path, "/approval/")
		s.approvals.CleanupRoom(roomID)
	}

	s.namespaces.Dispose(path, reason)
	return cleaned
}

func (s *Scheduler) sweepStaleSessions() int {
	cleaned := 0
	for _, sess := range s.sessions.Stale(s.cfg.StaleSessionThreshold) {
		if s.sessions.Detach(sess.ConnectionID) != nil {
			cleaned++
		}
	}
	return cleaned
}

// pressureFactor maps heap usage to the admission cap scale: 1.0 when under
// the threshold, shrinking toward 0.5 as usage grows past it
func (s *Scheduler) pressureFactor(heapMB float64) float64 {
	threshold := float64(s.cfg.MemoryPressureThresholdMB)
	if threshold <= 0 || heapMB <= threshold {
		return 1.0
	}
	factor := threshold / heapMB
	if factor < 0.5 {
		return 0.5
	}
	if factor > 0.8 {
		return 0.8
	}
	return factor
}

func liveHeapMB() float64 {
	var stats runtime.MemStats
	runtime.ReadMemStats(&stats)
	return float64(stats.HeapAlloc) / (1024 * 1024)
}
