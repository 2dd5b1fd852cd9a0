// Package approval coordinates pending join requests for private rooms.
package approval

import (
	"sync"
	"time"

	"github.com/jamfoundry/jamcore/pkg/clock"
	"github.com/jamfoundry/jamcore/pkg/logger"
	"github.com/jamfoundry/jamcore/pkg/session"
)

// TTL is the hard timeout on a pending approval
const TTL = 30 * time.Second

// sweepInterval is how often pending sessions are checked for expiry
const sweepInterval = time.Second

// Session is one pending request to enter a private room
type Session struct {
	ConnectionID string
	RoomID       string
	UserID       string
	Username     string
	Role         session.Role
	RequestedAt  time.Time
}

// Stats summarizes coordinator state for the performance endpoints
type Stats struct {
	Pending   int   `json:"pending"`
	OldestAge int64 `json:"oldestAgeMs"`
}

// Coordinator tracks pending approvals, keyed by connection with a secondary
// index by user. A user holds at most one pending approval.
type Coordinator struct {
	mu       sync.Mutex
	byConn   map[string]*Session
	byUser   map[string]string // userID -> connection id
	onExpire func(*Session)

	clock  clock.Clock
	logger logger.Logger
	stop   chan struct{}
	once   sync.Once
}

// NewCoordinator creates the coordinator and starts the expiry sweep
func NewCoordinator(clk clock.Clock, log logger.Logger) *Coordinator {
	c := &Coordinator{
		byConn: make(map[string]*Session),
		byUser: make(map[string]string),
		clock:  clk,
		logger: log,
		stop:   make(chan struct{}),
	}

	go c.sweepLoop()

	return c
}

// SetExpireHandler registers the callback fired when a pending approval
// times out. The dispatcher uses it to notify requester and owner.
func (c *Coordinator) SetExpireHandler(fn func(*Session)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onExpire = fn
}

// Register adds a pending approval. Any prior pending approval by the same
// user is evicted and returned so the caller can notify it.
func (c *Coordinator) Register(s *Session) (evicted *Session) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if prior, ok := c.byUser[s.UserID]; ok && prior != s.ConnectionID {
		evicted = c.byConn[prior]
		delete(c.byConn, prior)
	}

	s.RequestedAt = c.clock.Now()
	c.byConn[s.ConnectionID] = s
	c.byUser[s.UserID] = s.ConnectionID

	c.logger.Debug("Approval registered",
		logger.String("room_id", s.RoomID),
		logger.String("user_id", s.UserID),
	)

	return evicted
}

// Get returns the pending approval for a connection, or nil
func (c *Coordinator) Get(connectionID string) *Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.byConn[connectionID]
}

// GetByUser returns the pending approval for a user, or nil
func (c *Coordinator) GetByUser(userID string) *Session {
	c.mu.Lock()
	defer c.mu.Unlock()

	connID, ok := c.byUser[userID]
	if !ok {
		return nil
	}
	return c.byConn[connID]
}

// ForRoom lists pending approvals for a room
func (c *Coordinator) ForRoom(roomID string) []*Session {
	c.mu.Lock()
	defer c.mu.Unlock()

	var out []*Session
	for _, s := range c.byConn {
		if s.RoomID == roomID {
			out = append(out, s)
		}
	}
	return out
}

// Remove drops a pending approval (response arrived, requester cancelled, or
// requester disconnected) and returns it, or nil
func (c *Coordinator) Remove(connectionID string) *Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.removeLocked(connectionID)
}

func (c *Coordinator) removeLocked(connectionID string) *Session {
	s, ok := c.byConn[connectionID]
	if !ok {
		return nil
	}
	delete(c.byConn, connectionID)
	if c.byUser[s.UserID] == connectionID {
		delete(c.byUser, s.UserID)
	}
	return s
}

// Cleanup drops every expired session without firing the expire handler.
// The cleanup scheduler calls it when reclaiming stale approval namespaces.
func (c *Coordinator) Cleanup() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock.Now()
	removed := 0
	for connID, s := range c.byConn {
		if now.Sub(s.RequestedAt) > TTL {
			c.removeLocked(connID)
			removed++
		}
	}
	return removed
}

// CleanupRoom drops every pending approval for a room
func (c *Coordinator) CleanupRoom(roomID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for connID, s := range c.byConn {
		if s.RoomID == roomID {
			c.removeLocked(connID)
			removed++
		}
	}
	return removed
}

// Stats reports pending count and the age of the oldest request
func (c *Coordinator) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	stats := Stats{Pending: len(c.byConn)}
	now := c.clock.Now()
	for _, s := range c.byConn {
		age := now.Sub(s.RequestedAt).Milliseconds()
		if age > stats.OldestAge {
			stats.OldestAge = age
		}
	}
	return stats
}

// ExpireDue removes timed-out sessions and fires the expire handler for each
func (c *Coordinator) ExpireDue() []*Session {
	c.mu.Lock()
	now := c.clock.Now()
	var expired []*Session
	for connID, s := range c.byConn {
		if now.Sub(s.RequestedAt) > TTL {
			c.removeLocked(connID)
			expired = append(expired, s)
		}
	}
	handler := c.onExpire
	c.mu.Unlock()

	if handler != nil {
		for _, s := range expired {
			handler(s)
		}
	}
	return expired
}

// Stop terminates the expiry sweep
func (c *Coordinator) Stop() {
	c.once.Do(func() { close(c.stop) })
}

func (c *Coordinator) sweepLoop() {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			expired := c.ExpireDue()
			for _, s := range expired {
				c.logger.Info("Approval timed out",
					logger.String("room_id", s.RoomID),
					logger.String("user_id", s.UserID),
				)
			}
		case <-c.stop:
			return
		}
	}
}
