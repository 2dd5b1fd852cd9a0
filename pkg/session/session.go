// Package session tracks the mapping from live connections to their room,
// user, and namespace, plus the post-disconnect grace table.
package session

import (
	"sync"
	"time"

	"github.com/jamfoundry/jamcore/pkg/clock"
	"github.com/jamfoundry/jamcore/pkg/logger"
)

// Role is a user's standing inside a room
type Role string

const (
	RoleRoomOwner  Role = "room_owner"
	RoleBandMember Role = "band_member"
	RoleAudience   Role = "audience"
)

// Kind classifies what a connection's session is attached to
type Kind string

const (
	KindRoom     Kind = "room"
	KindApproval Kind = "approval"
	KindLobby    Kind = "lobby"
)

// Session binds one connection to a room and user
type Session struct {
	// ConnectionID is the transport connection identity
	ConnectionID string

	// RoomID is the room the session is attached to (empty for lobby)
	RoomID string

	// UserID identifies the user behind the connection
	UserID string

	// Username is the display name supplied at join
	Username string

	// Role is the user's standing in the room
	Role Role

	// NamespacePath is the channel group the connection lives in
	NamespacePath string

	// Kind classifies the session
	Kind Kind

	// JoinedAt is when the session was attached
	JoinedAt time.Time

	// LastActivity is bumped on every dispatched event
	LastActivity time.Time
}

// Registry is the process-wide session store. A connection holds at most one
// session; a user holds at most one active room session.
type Registry struct {
	mu sync.RWMutex

	sessions    map[string]*Session            // by connection id
	byUser      map[string]string              // userID -> connection id (room sessions only)
	byNamespace map[string]map[string]struct{} // namespace path -> connection ids

	grace          map[graceKey]*GraceEntry
	expiredHandler func(map[string][]*GraceEntry)

	clock  clock.Clock
	logger logger.Logger
	stop   chan struct{}
	once   sync.Once
}

// NewRegistry creates an empty registry and starts the grace sweep
func NewRegistry(clk clock.Clock, log logger.Logger) *Registry {
	r := &Registry{
		sessions:    make(map[string]*Session),
		byUser:      make(map[string]string),
		byNamespace: make(map[string]map[string]struct{}),
		grace:       make(map[graceKey]*GraceEntry),
		clock:       clk,
		logger:      log,
		stop:        make(chan struct{}),
	}

	go r.graceSweepLoop()

	return r
}

// Attach binds a session to its connection. For room sessions, any prior
// session held by the same user is evicted first, and the evicted connection
// id is returned so the caller can notify it.
func (r *Registry) Attach(s *Session) (evictedConn string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.clock.Now()
	s.JoinedAt = now
	s.LastActivity = now

	if s.Kind == KindRoom && s.UserID != "" {
		if prior, ok := r.byUser[s.UserID]; ok && prior != s.ConnectionID {
			evictedConn = prior
			r.detachLocked(prior)
		}
		r.byUser[s.UserID] = s.ConnectionID
	}

	if existing, ok := r.sessions[s.ConnectionID]; ok {
		r.detachLocked(existing.ConnectionID)
		if s.Kind == KindRoom && s.UserID != "" {
			r.byUser[s.UserID] = s.ConnectionID
		}
	}

	r.sessions[s.ConnectionID] = s
	if s.NamespacePath != "" {
		conns, ok := r.byNamespace[s.NamespacePath]
		if !ok {
			conns = make(map[string]struct{})
			r.byNamespace[s.NamespacePath] = conns
		}
		conns[s.ConnectionID] = struct{}{}
	}

	return evictedConn
}

// Detach removes the session for a connection and returns it, or nil
func (r *Registry) Detach(connectionID string) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.detachLocked(connectionID)
}

func (r *Registry) detachLocked(connectionID string) *Session {
	s, ok := r.sessions[connectionID]
	if !ok {
		return nil
	}

	delete(r.sessions, connectionID)
	if s.Kind == KindRoom && s.UserID != "" && r.byUser[s.UserID] == connectionID {
		delete(r.byUser, s.UserID)
	}
	if conns, ok := r.byNamespace[s.NamespacePath]; ok {
		delete(conns, connectionID)
		if len(conns) == 0 {
			delete(r.byNamespace, s.NamespacePath)
		}
	}

	return s
}

// Get returns the session for a connection, or nil
func (r *Registry) Get(connectionID string) *Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sessions[connectionID]
}

// GetByUser returns the active room session for a user, or nil
func (r *Registry) GetByUser(userID string) *Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	connID, ok := r.byUser[userID]
	if !ok {
		return nil
	}
	return r.sessions[connID]
}

// EvictUser detaches any session held by the user and returns the detached
// session, or nil
func (r *Registry) EvictUser(userID string) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()

	connID, ok := r.byUser[userID]
	if !ok {
		return nil
	}
	return r.detachLocked(connID)
}

// ForNamespace lists sessions attached to a namespace path
func (r *Registry) ForNamespace(path string) []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conns, ok := r.byNamespace[path]
	if !ok {
		return nil
	}
	out := make([]*Session, 0, len(conns))
	for connID := range conns {
		if s, ok := r.sessions[connID]; ok {
			out = append(out, s)
		}
	}
	return out
}

// Touch bumps a session's activity timestamp
func (r *Registry) Touch(connectionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if s, ok := r.sessions[connectionID]; ok {
		s.LastActivity = r.clock.Now()
	}
}

// Stale returns sessions idle longer than the threshold
func (r *Registry) Stale(threshold time.Duration) []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	cutoff := r.clock.Now().Add(-threshold)
	var out []*Session
	for _, s := range r.sessions {
		if s.LastActivity.Before(cutoff) {
			out = append(out, s)
		}
	}
	return out
}

// Count reports live sessions
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Stop terminates the grace sweep
func (r *Registry) Stop() {
	r.once.Do(func() { close(r.stop) })
}
