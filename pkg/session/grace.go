package session

import (
	"time"

	"github.com/jamfoundry/jamcore/pkg/logger"
)

// GraceTTL is how long a disconnected user may return without being removed
// from the room
const GraceTTL = 30 * time.Second

// graceSweepInterval is the cadence of the expiry sweep
const graceSweepInterval = 60 * time.Second

type graceKey struct {
	roomID string
	userID string
}

// UserSnapshot preserves a user's in-room state across a grace period
type UserSnapshot struct {
	Username   string
	Role       Role
	Instrument string
	Category   string
	IsReady    bool
}

// GraceEntry is one disconnected-but-maybe-returning user
type GraceEntry struct {
	RoomID string
	UserID string

	// Since is when the disconnect happened
	Since time.Time

	// IntendedLeave marks an explicit leave_room rather than a socket drop
	IntendedLeave bool

	// Snapshot is the user's state at disconnect, restored on re-join
	Snapshot UserSnapshot
}

// AddGrace records a disconnected user. A second disconnect for the same
// (room, user) restarts the window.
func (r *Registry) AddGrace(userID, roomID string, snapshot UserSnapshot, intended bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.grace[graceKey{roomID: roomID, userID: userID}] = &GraceEntry{
		RoomID:        roomID,
		UserID:        userID,
		Since:         r.clock.Now(),
		IntendedLeave: intended,
		Snapshot:      snapshot,
	}
}

// IsInGrace reports whether the user holds an unexpired grace entry for the
// room
func (r *Registry) IsInGrace(userID, roomID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, ok := r.grace[graceKey{roomID: roomID, userID: userID}]
	if !ok {
		return false
	}
	return r.clock.Now().Sub(entry.Since) <= GraceTTL
}

// ClearGrace removes the entry and returns it, or nil. Used on re-join to
// restore the user's snapshot.
func (r *Registry) ClearGrace(userID, roomID string) *GraceEntry {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := graceKey{roomID: roomID, userID: userID}
	entry, ok := r.grace[key]
	if !ok {
		return nil
	}
	delete(r.grace, key)
	return entry
}

// ExpireSweep drops entries older than the TTL and returns the set of rooms
// that lost at least one entry, so the caller can finalize those departures.
func (r *Registry) ExpireSweep() map[string][]*GraceEntry {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.clock.Now()
	expired := make(map[string][]*GraceEntry)

	for key, entry := range r.grace {
		if now.Sub(entry.Since) > GraceTTL {
			expired[entry.RoomID] = append(expired[entry.RoomID], entry)
			delete(r.grace, key)
		}
	}

	return expired
}

// GraceCount reports live grace entries
func (r *Registry) GraceCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.grace)
}

func (r *Registry) graceSweepLoop() {
	ticker := time.NewTicker(graceSweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			expired := r.ExpireSweep()
			if len(expired) > 0 {
				total := 0
				for _, entries := range expired {
					total += len(entries)
				}
				r.logger.Debug("Grace sweep expired entries",
					logger.Int("rooms", len(expired)),
					logger.Int("entries", total),
				)
				r.notifyExpired(expired)
			}
		case <-r.stop:
			return
		}
	}
}

// expiredHandler receives sweep results so the dispatcher can finalize the
// departures. Nil until SetExpiredHandler is called.
func (r *Registry) notifyExpired(expired map[string][]*GraceEntry) {
	r.mu.RLock()
	handler := r.expiredHandler
	r.mu.RUnlock()

	if handler != nil {
		handler(expired)
	}
}

// SetExpiredHandler registers the callback the sweep invokes with expired
// entries grouped by room
func (r *Registry) SetExpiredHandler(fn func(map[string][]*GraceEntry)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.expiredHandler = fn
}
