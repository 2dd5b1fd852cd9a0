package api

import (
	"net/http"
	"runtime"
	"time"
)

// systemStats snapshots process-level health
func (s *Server) systemStats() map[string]interface{} {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	return map[string]interface{}{
		"uptimeSec":      int64(time.Since(s.started).Seconds()),
		"goroutines":     runtime.NumGoroutine(),
		"heapAllocMB":    float64(mem.HeapAlloc) / (1 << 20),
		"heapSysMB":      float64(mem.HeapSys) / (1 << 20),
		"numGC":          mem.NumGC,
		"activeSessions": s.deps.Analytics.ActiveSessions(),
		"latency":        s.deps.Analytics.Latency(),
	}
}

// roomStats snapshots every live room with its connection pressure
func (s *Server) roomStats() map[string]interface{} {
	snapshots := s.deps.Rooms.List()
	rooms := make([]map[string]interface{}, 0, len(snapshots))
	for _, snap := range snapshots {
		rooms = append(rooms, map[string]interface{}{
			"id":          snap.ID,
			"name":        snap.Name,
			"roomType":    snap.RoomType,
			"isPrivate":   snap.IsPrivate,
			"userCount":   len(snap.Users),
			"connections": s.deps.Admission.RoomCount(snap.ID),
		})
	}
	return map[string]interface{}{
		"total": len(rooms),
		"rooms": rooms,
	}
}

// connectionHealth snapshots admission and session pressure
func (s *Server) connectionHealth() map[string]interface{} {
	global, queued := s.deps.Admission.Counts()
	cfg := s.deps.Config.Admission

	return map[string]interface{}{
		"connections":      global,
		"queued":           queued,
		"maxGlobal":        cfg.MaxConnectionsGlobal,
		"maxPerRoom":       cfg.MaxConnectionsPerRoom,
		"sessions":         s.deps.Sessions.Count(),
		"gracePeriod":      s.deps.Sessions.GraceCount(),
		"pendingApprovals": s.deps.Approvals.Stats(),
		"namespaces":       s.deps.Namespaces.Count(),
		"utilizationPct":   utilization(global, cfg.MaxConnectionsGlobal),
	}
}

// connectionOptimization reports the emit/transport tuning in effect
func (s *Server) connectionOptimization() map[string]interface{} {
	cfg := s.deps.Config.Admission
	return map[string]interface{}{
		"batchingEnabled":    cfg.BatchingEnabled,
		"batchSize":          cfg.BatchSize,
		"batchDelayMs":       cfg.BatchDelay.Milliseconds(),
		"compressionEnabled": cfg.CompressionEnabled,
		"heartbeatSec":       int64(s.deps.Config.Server.HeartbeatInterval.Seconds()),
	}
}

func (s *Server) handlePerformanceSystem(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.systemStats())
}

func (s *Server) handlePerformanceRooms(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.roomStats())
}

func (s *Server) handleConnectionHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.connectionHealth())
}

func (s *Server) handleConnectionOptimization(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.connectionOptimization())
}

func (s *Server) handleCleanupMetrics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Cleanup.LastMetrics())
}

// handleCleanupForce runs a cleanup cycle on demand. aggressive=true runs the
// memory-pressure variant.
func (s *Server) handleCleanupForce(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var metrics interface{}
	if r.URL.Query().Get("aggressive") == "true" {
		metrics = s.deps.Cleanup.RunAggressive()
	} else {
		metrics = s.deps.Cleanup.RunRegular()
	}
	writeJSON(w, http.StatusOK, metrics)
}

// handleDashboard aggregates every performance view into one response
func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"system":       s.systemStats(),
		"rooms":        s.roomStats(),
		"connections":  s.connectionHealth(),
		"optimization": s.connectionOptimization(),
		"cleanup":      s.deps.Cleanup.LastMetrics(),
	})
}

func utilization(current, max int) float64 {
	if max <= 0 {
		return 0
	}
	return float64(current) / float64(max) * 100
}
