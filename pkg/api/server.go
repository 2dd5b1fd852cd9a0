package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/jamfoundry/jamcore/pkg/admission"
	"github.com/jamfoundry/jamcore/pkg/analytics"
	"github.com/jamfoundry/jamcore/pkg/approval"
	"github.com/jamfoundry/jamcore/pkg/auth"
	"github.com/jamfoundry/jamcore/pkg/cleanup"
	"github.com/jamfoundry/jamcore/pkg/clock"
	"github.com/jamfoundry/jamcore/pkg/config"
	"github.com/jamfoundry/jamcore/pkg/dispatch"
	"github.com/jamfoundry/jamcore/pkg/logger"
	"github.com/jamfoundry/jamcore/pkg/namespace"
	"github.com/jamfoundry/jamcore/pkg/repository"
	"github.com/jamfoundry/jamcore/pkg/session"
	"github.com/jamfoundry/jamcore/pkg/storage"
)

// maxAudioUpload caps a single region audio upload at 50 MB
const maxAudioUpload = 50 << 20

// Deps are the components the HTTP/websocket surface exposes
type Deps struct {
	Config     *config.Config
	Dispatcher *dispatch.Dispatcher
	Rooms      *dispatch.Rooms
	Sessions   *session.Registry
	Namespaces *namespace.Manager
	Approvals  *approval.Coordinator
	Admission  *admission.Controller
	Analytics  *analytics.Tracker
	Cleanup    *cleanup.Scheduler
	Audio      *storage.RegionAudio
	Auth       *auth.Service
	Repository repository.RoomRepository
	Clock      clock.Clock
	Logger     logger.Logger
}

// Server is the HTTP front: websocket upgrade, health, room listing, region
// audio streaming, and the performance endpoints
type Server struct {
	deps     Deps
	cors     *CORSMiddleware
	upgrader websocket.Upgrader
	http     *http.Server
	started  time.Time
}

// NewServer wires the routes
func NewServer(deps Deps) *Server {
	s := &Server{
		deps:    deps,
		cors:    NewCORSMiddleware(deps.Config.CORS, deps.Logger),
		started: time.Now(),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:    1024,
		WriteBufferSize:   1024,
		EnableCompression: deps.Config.Admission.CompressionEnabled,
		CheckOrigin: func(r *http.Request) bool {
			return s.cors.Allowed(r.Header.Get("Origin"))
		},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebsocket)
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/api/rooms", s.handleRoomList)
	mux.HandleFunc("/api/rooms/", s.handleRoomAudio)
	mux.HandleFunc("/performance/system", s.handlePerformanceSystem)
	mux.HandleFunc("/performance/rooms", s.handlePerformanceRooms)
	mux.HandleFunc("/performance/connections/health", s.handleConnectionHealth)
	mux.HandleFunc("/performance/connections/optimization", s.handleConnectionOptimization)
	mux.HandleFunc("/performance/cleanup", s.handleCleanupMetrics)
	mux.HandleFunc("/performance/cleanup/force", s.handleCleanupForce)
	mux.HandleFunc("/performance/dashboard", s.handleDashboard)

	cfg := deps.Config.Server
	s.http = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:      chain(mux, LoggingMiddleware(deps.Logger), s.cors.Handle),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	return s
}

// Handler exposes the wired handler, for tests
func (s *Server) Handler() http.Handler {
	return s.http.Handler
}

// Start serves until the listener fails or Shutdown is called
func (s *Server) Start() error {
	s.started = time.Now()
	cfg := s.deps.Config.Server

	s.deps.Logger.Info("Server listening",
		logger.String("addr", s.http.Addr),
		logger.Bool("tls", cfg.TLSCertPath != ""),
	)

	var err error
	if cfg.TLSCertPath != "" && cfg.TLSKeyPath != "" {
		err = s.http.ListenAndServeTLS(cfg.TLSCertPath, cfg.TLSKeyPath)
	} else {
		err = s.http.ListenAndServe()
	}
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

// handleWebsocket upgrades the connection and runs its pumps
func (s *Server) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.deps.Logger.Warn("Websocket upgrade failed", logger.Err(err))
		return
	}

	conn := &wsConn{
		id:         clock.NewID("conn"),
		ip:         clientIP(r),
		ws:         ws,
		send:       make(chan []byte, sendBuffer),
		closed:     make(chan struct{}),
		dispatcher: s.deps.Dispatcher,
		heartbeat:  s.deps.Config.Server.HeartbeatInterval,
		logger:     s.deps.Logger,
	}

	s.deps.Logger.Debug("Websocket connected",
		logger.String("connection_id", conn.id),
		logger.String("client_ip", conn.ip),
	)

	go conn.writePump()
	conn.readPump()
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "ok",
		"uptimeSec": int64(time.Since(s.started).Seconds()),
		"rooms":     s.deps.Rooms.Count(),
		"sessions":  s.deps.Sessions.Count(),
	})
}

// handleRoomList serves the public lobby listing from the repository, with
// optional pagination and name search
func (s *Server) handleRoomList(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	ctx := r.Context()

	if pattern := r.URL.Query().Get("q"); pattern != "" {
		rooms, err := s.deps.Repository.FindByNamePattern(ctx, pattern)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "room lookup failed")
			return
		}
		writeJSON(w, http.StatusOK, repository.Page{Rooms: rooms, Total: len(rooms)})
		return
	}

	if offset, limit, ok := pageParams(r); ok {
		page, err := s.deps.Repository.FindPaginated(ctx, offset, limit)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "room lookup failed")
			return
		}
		writeJSON(w, http.StatusOK, page)
		return
	}

	rooms, err := s.deps.Repository.FindPublic(ctx)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "room lookup failed")
		return
	}
	writeJSON(w, http.StatusOK, repository.Page{Rooms: rooms, Total: len(rooms)})
}

// handleRoomAudio streams and accepts region audio blobs under
// /api/rooms/{roomId}/audio/regions/{regionId}
func (s *Server) handleRoomAudio(w http.ResponseWriter, r *http.Request) {
	roomID, regionID, ok := storage.ParseStreamPath(r.URL.Path)
	if !ok {
		http.NotFound(w, r)
		return
	}

	switch r.Method {
	case http.MethodGet, http.MethodHead:
		data, err := s.deps.Audio.GetRegionAudio(r.Context(), roomID, regionID)
		if err != nil {
			if err == storage.ErrObjectNotFound {
				writeError(w, http.StatusNotFound, "audio not found")
				return
			}
			s.deps.Logger.Error("Region audio read failed",
				logger.String("room_id", roomID),
				logger.String("region_id", regionID),
				logger.Err(err),
			)
			writeError(w, http.StatusInternalServerError, "audio read failed")
			return
		}

		w.Header().Set("Content-Type", storage.AudioContentType)
		w.Header().Set("Accept-Ranges", "bytes")
		// ServeContent handles Range requests and 206 responses
		http.ServeContent(w, r, regionID+".ogg", time.Time{}, bytes.NewReader(data))

	case http.MethodPost, http.MethodPut:
		if !s.authorizeRoom(w, r, roomID) {
			return
		}
		body := http.MaxBytesReader(w, r.Body, maxAudioUpload)
		defer body.Close()

		buf, err := io.ReadAll(body)
		if err != nil {
			writeError(w, http.StatusRequestEntityTooLarge, "upload too large")
			return
		}
		if len(buf) == 0 {
			writeError(w, http.StatusBadRequest, "empty upload")
			return
		}

		url, err := s.deps.Audio.SaveRegionAudio(r.Context(), roomID, regionID, bytes.NewReader(buf), int64(len(buf)))
		if err != nil {
			s.deps.Logger.Error("Region audio upload failed",
				logger.String("room_id", roomID),
				logger.String("region_id", regionID),
				logger.Err(err),
			)
			writeError(w, http.StatusInternalServerError, "audio save failed")
			return
		}
		writeJSON(w, http.StatusCreated, map[string]interface{}{
			"url":  url,
			"size": len(buf),
		})

	case http.MethodDelete:
		if !s.authorizeRoom(w, r, roomID) {
			return
		}
		if err := s.deps.Audio.DeleteRegionAudio(r.Context(), roomID, regionID); err != nil {
			writeError(w, http.StatusInternalServerError, "audio delete failed")
			return
		}
		w.WriteHeader(http.StatusNoContent)

	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// authorizeRoom requires a Bearer room token issued for roomID. Tokens are
// handed out in the room_joined payload.
func (s *Server) authorizeRoom(w http.ResponseWriter, r *http.Request, roomID string) bool {
	header := r.Header.Get("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		writeError(w, http.StatusUnauthorized, "room token required")
		return false
	}

	tokenRoom, _, err := s.deps.Auth.VerifyRoomToken(strings.TrimPrefix(header, "Bearer "))
	if err != nil {
		writeError(w, http.StatusUnauthorized, "invalid room token")
		return false
	}
	if tokenRoom != roomID {
		writeError(w, http.StatusForbidden, "token is for a different room")
		return false
	}
	return true
}

func pageParams(r *http.Request) (offset, limit int, ok bool) {
	q := r.URL.Query()
	if q.Get("offset") == "" && q.Get("limit") == "" {
		return 0, 0, false
	}
	offset, _ = strconv.Atoi(q.Get("offset"))
	limit, _ = strconv.Atoi(q.Get("limit"))
	if limit <= 0 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}
	return offset, limit, true
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
