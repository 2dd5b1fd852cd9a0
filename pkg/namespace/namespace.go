// Package namespace groups connections into isolated channel groups and fans
// events out to them.
package namespace

import (
	"sync"
	"time"

	"github.com/jamfoundry/jamcore/pkg/clock"
	"github.com/jamfoundry/jamcore/pkg/logger"
)

// Well-known path shapes
const (
	LobbyMonitorPath = "/lobby-monitor"
	roomPrefix       = "/room/"
	approvalPrefix   = "/approval/"
)

// RoomPath builds the namespace path for a room
func RoomPath(roomID string) string { return roomPrefix + roomID }

// ApprovalPath builds the approval namespace path for a room
func ApprovalPath(roomID string) string { return approvalPrefix + roomID }

// IsApprovalPath reports whether the path is an approval namespace
func IsApprovalPath(path string) bool {
	return len(path) > len(approvalPrefix) && path[:len(approvalPrefix)] == approvalPrefix
}

// Conn is the transport-side handle a namespace fans events out to
type Conn interface {
	// ID is the connection identity
	ID() string

	// Send delivers one event to the connection; it must not block the caller
	Send(event string, payload interface{}) error

	// Close tears the connection down with a reason visible to the client
	Close(reason string)

	// RemoteIP is the peer address, for admission accounting
	RemoteIP() string
}

// Namespace is one channel group
type Namespace struct {
	mu    sync.RWMutex
	path  string
	conns map[string]Conn

	createdAt    time.Time
	lastActivity time.Time

	clock  clock.Clock
	logger logger.Logger
}

// Path returns the namespace path
func (n *Namespace) Path() string { return n.path }

// Join adds a connection to the group
func (n *Namespace) Join(c Conn) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.conns[c.ID()] = c
	n.lastActivity = n.clock.Now()
}

// Leave removes a connection from the group
func (n *Namespace) Leave(connID string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.conns, connID)
	n.lastActivity = n.clock.Now()
}

// Emit sends an event to every connection in the group
func (n *Namespace) Emit(event string, payload interface{}) {
	n.emit(event, payload, "")
}

// EmitExcept sends an event to everyone but the named connection
func (n *Namespace) EmitExcept(excludeConnID, event string, payload interface{}) {
	n.emit(event, payload, excludeConnID)
}

// EmitTo sends an event to a single connection in the group
func (n *Namespace) EmitTo(connID, event string, payload interface{}) bool {
	n.mu.Lock()
	c, ok := n.conns[connID]
	n.lastActivity = n.clock.Now()
	n.mu.Unlock()

	if !ok {
		return false
	}
	if err := c.Send(event, payload); err != nil {
		n.logger.Warn("Namespace send failed",
			logger.String("path", n.path),
			logger.String("connection_id", connID),
			logger.String("event", event),
			logger.Err(err),
		)
		return false
	}
	return true
}

func (n *Namespace) emit(event string, payload interface{}, exclude string) {
	n.mu.Lock()
	targets := make([]Conn, 0, len(n.conns))
	for id, c := range n.conns {
		if id == exclude {
			continue
		}
		targets = append(targets, c)
	}
	n.lastActivity = n.clock.Now()
	n.mu.Unlock()

	for _, c := range targets {
		if err := c.Send(event, payload); err != nil {
			n.logger.Warn("Namespace send failed",
				logger.String("path", n.path),
				logger.String("connection_id", c.ID()),
				logger.String("event", event),
				logger.Err(err),
			)
		}
	}
}

// ConnectionCount reports connections in the group
func (n *Namespace) ConnectionCount() int {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return len(n.conns)
}

// Connections snapshots the group's connections
func (n *Namespace) Connections() []Conn {
	n.mu.RLock()
	defer n.mu.RUnlock()
	out := make([]Conn, 0, len(n.conns))
	for _, c := range n.conns {
		out = append(out, c)
	}
	return out
}

// Touch bumps the activity timestamp without emitting
func (n *Namespace) Touch() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.lastActivity = n.clock.Now()
}

// CreatedAt is when the namespace was first created
func (n *Namespace) CreatedAt() time.Time {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.createdAt
}

// LastActivity is the most recent emit, join, or touch
func (n *Namespace) LastActivity() time.Time {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.lastActivity
}

// disconnectAll closes every connection with the reason and empties the group
func (n *Namespace) disconnectAll(reason string) int {
	n.mu.Lock()
	targets := make([]Conn, 0, len(n.conns))
	for _, c := range n.conns {
		targets = append(targets, c)
	}
	n.conns = make(map[string]Conn)
	n.mu.Unlock()

	for _, c := range targets {
		c.Close(reason)
	}
	return len(targets)
}

// Manager owns the namespace table
type Manager struct {
	mu         sync.RWMutex
	namespaces map[string]*Namespace

	clock  clock.Clock
	logger logger.Logger
}

// NewManager creates an empty manager
func NewManager(clk clock.Clock, log logger.Logger) *Manager {
	return &Manager{
		namespaces: make(map[string]*Namespace),
		clock:      clk,
		logger:     log,
	}
}

// Get returns the namespace for a path, creating it on first use
func (m *Manager) Get(path string) *Namespace {
	m.mu.Lock()
	defer m.mu.Unlock()

	n, ok := m.namespaces[path]
	if !ok {
		now := m.clock.Now()
		n = &Namespace{
			path:         path,
			conns:        make(map[string]Conn),
			createdAt:    now,
			lastActivity: now,
			clock:        m.clock,
			logger:       m.logger,
		}
		m.namespaces[path] = n
		m.logger.Debug("Namespace created", logger.String("path", path))
	}
	return n
}

// Lookup returns the namespace for a path without creating it
func (m *Manager) Lookup(path string) *Namespace {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.namespaces[path]
}

// List snapshots all namespaces, for the cleanup scheduler
func (m *Manager) List() []*Namespace {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Namespace, 0, len(m.namespaces))
	for _, n := range m.namespaces {
		out = append(out, n)
	}
	return out
}

// Count reports live namespaces
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.namespaces)
}

// Dispose disconnects every connection in the namespace and drops it
func (m *Manager) Dispose(path, reason string) bool {
	m.mu.Lock()
	n, ok := m.namespaces[path]
	if ok {
		delete(m.namespaces, path)
	}
	m.mu.Unlock()

	if !ok {
		return false
	}

	count := n.disconnectAll(reason)
	age := m.clock.Now().Sub(n.CreatedAt())
	m.logger.Info("Namespace disposed",
		logger.String("path", path),
		logger.Int("connections", count),
		logger.String("age", age.Round(time.Second).String()),
	)
	return true
}
