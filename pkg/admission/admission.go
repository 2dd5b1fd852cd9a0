// Package admission decides whether incoming connections are admitted,
// queued, or rejected, and batches high-frequency fan-out.
package admission

import (
	"sync"
	"time"

	"github.com/jamfoundry/jamcore/pkg/clock"
	"github.com/jamfoundry/jamcore/pkg/config"
	"github.com/jamfoundry/jamcore/pkg/logger"
	"github.com/jamfoundry/jamcore/pkg/namespace"
)

// Kind is the admission outcome class
type Kind string

const (
	Allowed  Kind = "allowed"
	Rejected Kind = "rejected"
	Queued   Kind = "queued"
)

// RejectReason explains a rejection
type RejectReason string

const (
	ReasonIPLimit   RejectReason = "IP_LIMIT"
	ReasonGlobalCap RejectReason = "GLOBAL_CAP"
	ReasonQueueFull RejectReason = "QUEUE_FULL"
)

// Decision is the outcome of ShouldAllow
type Decision struct {
	Kind     Kind
	Reason   RejectReason
	Position int // 1-based queue position when queued
}

// ipWindow is the span of the per-IP connection limit
const ipWindow = time.Minute

// queueSweepInterval is how often queued connections are checked for expiry
const queueSweepInterval = time.Second

type queuedConn struct {
	conn       namespace.Conn
	roomID     string
	enqueuedAt time.Time
}

// Controller applies connection caps and the per-room waiting queue
type Controller struct {
	mu       sync.Mutex
	cfg      config.AdmissionConfig
	perRoom  map[string]int
	global   int
	queues   map[string][]*queuedConn
	ipEvents map[string][]time.Time

	// pressureFactor scales caps down under memory pressure (1.0 = none)
	pressureFactor float64

	// onAdmit fires when a queued connection is dequeued into a free slot
	onAdmit func(conn namespace.Conn, roomID string)

	clock  clock.Clock
	logger logger.Logger
	stop   chan struct{}
	once   sync.Once
}

// NewController creates the controller and starts the queue-TTL sweep
func NewController(cfg config.AdmissionConfig, clk clock.Clock, log logger.Logger) *Controller {
	c := &Controller{
		cfg:            cfg,
		perRoom:        make(map[string]int),
		queues:         make(map[string][]*queuedConn),
		ipEvents:       make(map[string][]time.Time),
		pressureFactor: 1.0,
		clock:          clk,
		logger:         log,
		stop:           make(chan struct{}),
	}

	go c.sweepLoop()

	return c
}

// SetAdmitHandler registers the callback fired when a queued connection is
// promoted into a free slot
func (c *Controller) SetAdmitHandler(fn func(conn namespace.Conn, roomID string)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onAdmit = fn
}

// ShouldAllow decides the fate of an incoming connection targeting a room.
// When queued, the connection is held until a slot frees or its TTL expires.
func (c *Controller) ShouldAllow(conn namespace.Conn, roomID string) Decision {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock.Now()
	ip := conn.RemoteIP()

	if c.cfg.IPLimitPerMinute > 0 && ip != "" {
		events := trimTimes(c.ipEvents[ip], now.Add(-ipWindow))
		if len(events) >= c.cfg.IPLimitPerMinute {
			c.ipEvents[ip] = events
			return Decision{Kind: Rejected, Reason: ReasonIPLimit}
		}
		c.ipEvents[ip] = append(events, now)
	}

	if c.global >= c.scaled(c.cfg.MaxConnectionsGlobal) {
		return Decision{Kind: Rejected, Reason: ReasonGlobalCap}
	}

	if c.perRoom[roomID] >= c.scaled(c.cfg.MaxConnectionsPerRoom) {
		queue := c.queues[roomID]
		if len(queue) >= c.scaled(c.cfg.QueueSize) {
			return Decision{Kind: Rejected, Reason: ReasonQueueFull}
		}
		c.queues[roomID] = append(queue, &queuedConn{
			conn:       conn,
			roomID:     roomID,
			enqueuedAt: now,
		})
		return Decision{Kind: Queued, Position: len(c.queues[roomID])}
	}

	c.perRoom[roomID]++
	c.global++
	return Decision{Kind: Allowed}
}

// Release frees a room slot. If the room has a waiting queue, the oldest
// entry is promoted and the admit handler fires.
func (c *Controller) Release(roomID string) {
	c.mu.Lock()

	if c.perRoom[roomID] > 0 {
		c.perRoom[roomID]--
		c.global--
		if c.perRoom[roomID] == 0 {
			delete(c.perRoom, roomID)
		}
	}

	var promoted *queuedConn
	if queue := c.queues[roomID]; len(queue) > 0 &&
		c.perRoom[roomID] < c.scaled(c.cfg.MaxConnectionsPerRoom) {
		promoted = queue[0]
		c.queues[roomID] = queue[1:]
		if len(c.queues[roomID]) == 0 {
			delete(c.queues, roomID)
		}
		c.perRoom[roomID]++
		c.global++
	}
	handler := c.onAdmit
	c.mu.Unlock()

	if promoted != nil && handler != nil {
		handler(promoted.conn, promoted.roomID)
	}
}

// RemoveQueued drops a queued connection (its socket closed before a slot
// freed)
func (c *Controller) RemoveQueued(roomID, connID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	queue := c.queues[roomID]
	for i, q := range queue {
		if q.conn.ID() == connID {
			c.queues[roomID] = append(queue[:i], queue[i+1:]...)
			if len(c.queues[roomID]) == 0 {
				delete(c.queues, roomID)
			}
			return true
		}
	}
	return false
}

// ExpireQueued closes queued connections older than the TTL
func (c *Controller) ExpireQueued() int {
	c.mu.Lock()
	cutoff := c.clock.Now().Add(-c.cfg.ConnectionTimeout)
	var expired []*queuedConn
	for roomID, queue := range c.queues {
		var keep []*queuedConn
		for _, q := range queue {
			if q.enqueuedAt.Before(cutoff) {
				expired = append(expired, q)
			} else {
				keep = append(keep, q)
			}
		}
		if len(keep) == 0 {
			delete(c.queues, roomID)
		} else {
			c.queues[roomID] = keep
		}
	}
	c.mu.Unlock()

	for _, q := range expired {
		q.conn.Send("connection_timeout", map[string]interface{}{
			"roomId": q.roomID,
		})
		q.conn.Close("queue_timeout")
	}
	return len(expired)
}

// SetPressureFactor scales all caps under memory pressure. Values are
// clamped to [0.5, 1.0]; 1.0 restores the configured caps.
func (c *Controller) SetPressureFactor(factor float64) {
	if factor < 0.5 {
		factor = 0.5
	}
	if factor > 1.0 {
		factor = 1.0
	}

	c.mu.Lock()
	c.pressureFactor = factor
	c.mu.Unlock()

	if factor < 1.0 {
		c.logger.Warn("Admission caps scaled down under memory pressure",
			logger.Any("factor", factor),
		)
	}
}

// Counts reports live and queued connections, for the performance endpoints
func (c *Controller) Counts() (global int, queued int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, q := range c.queues {
		queued += len(q)
	}
	return c.global, queued
}

// RoomCount reports live connections in one room
func (c *Controller) RoomCount(roomID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.perRoom[roomID]
}

// Stop terminates the queue sweep
func (c *Controller) Stop() {
	c.once.Do(func() { close(c.stop) })
}

func (c *Controller) scaled(cap int) int {
	scaled := int(float64(cap) * c.pressureFactor)
	if scaled < 1 {
		scaled = 1
	}
	return scaled
}

func (c *Controller) sweepLoop() {
	ticker := time.NewTicker(queueSweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if expired := c.ExpireQueued(); expired > 0 {
				c.logger.Info("Queued connections timed out",
					logger.Int("count", expired),
				)
			}
		case <-c.stop:
			return
		}
	}
}

func trimTimes(times []time.Time, cutoff time.Time) []time.Time {
	idx := 0
	for idx < len(times) && !times[idx].After(cutoff) {
		idx++
	}
	return times[idx:]
}
