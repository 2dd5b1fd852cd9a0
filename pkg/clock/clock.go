// Package clock provides the time source and id minting used across jamcore.
package clock

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Clock is the time source injected into components that schedule or expire work.
type Clock interface {
	// Now returns the current time
	Now() time.Time

	// NowMs returns the current time in milliseconds since the Unix epoch
	NowMs() int64
}

// SystemClock is the production Clock backed by the wall clock
type SystemClock struct{}

// NewSystemClock creates a new system clock
func NewSystemClock() *SystemClock {
	return &SystemClock{}
}

// Now returns the current time
func (c *SystemClock) Now() time.Time {
	return time.Now()
}

// NowMs returns the current time in milliseconds
func (c *SystemClock) NowMs() int64 {
	return time.Now().UnixMilli()
}

// Manual is a Clock that only moves when told to. It is used by tests that
// exercise expiry and sweep behavior without sleeping.
type Manual struct {
	mu  sync.RWMutex
	now time.Time
}

// NewManual creates a manual clock starting at the given time
func NewManual(start time.Time) *Manual {
	return &Manual{now: start}
}

// Now returns the manual clock's current time
func (c *Manual) Now() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.now
}

// NowMs returns the manual clock's current time in milliseconds
func (c *Manual) NowMs() int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.now.UnixMilli()
}

// Advance moves the manual clock forward
func (c *Manual) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// Set sets the manual clock to an absolute time
func (c *Manual) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

// Id kind prefixes. Every minted id carries its kind so a bare id in a log
// line or wire payload is self-describing.
const (
	KindRoom    = "room"
	KindTrack   = "track"
	KindRegion  = "region"
	KindNote    = "note"
	KindMarker  = "marker"
	KindSession = "session"
	KindLock    = "lock"
	KindChannel = "channel"
	KindEffect  = "effect"
	KindSwap    = "swap"
)

// NewID mints an opaque id with a kind prefix. Uniqueness within a process
// lifetime follows from the underlying UUIDv4 randomness.
func NewID(kind string) string {
	return kind + "_" + uuid.New().String()
}
