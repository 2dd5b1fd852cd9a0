// Package dispatch routes room events through validation, rate limiting, and
// the per-room state machines, and fans results out to namespaces.
package dispatch

import (
	"sort"
	"sync"
	"time"

	"github.com/jamfoundry/jamcore/pkg/clock"
	"github.com/jamfoundry/jamcore/pkg/logger"
	"github.com/jamfoundry/jamcore/pkg/session"
)

// RoomType distinguishes live-performance rooms from arrangement rooms
const (
	RoomPerform = "perform"
	RoomArrange = "arrange"
)

// User is one member of a room
type User struct {
	UserID            string       `json:"userId"`
	Username          string       `json:"username"`
	Role              session.Role `json:"role"`
	CurrentInstrument string       `json:"currentInstrument,omitempty"`
	CurrentCategory   string       `json:"currentCategory,omitempty"`
	IsReady           bool         `json:"isReady"`
	JoinedAt          time.Time    `json:"-"`
}

// Metronome is the room's shared tick reference
type Metronome struct {
	BPM        float64 `json:"bpm"`
	LastTickTs int64   `json:"lastTickTs"`
}

// Room is the membership and metadata record of one live room. Arrangement
// state lives in the arrange store, keyed by the same room id.
type Room struct {
	mu sync.Mutex

	ID        string
	Name      string
	OwnerID   string
	IsPrivate bool
	IsHidden  bool
	RoomType  string
	CreatedAt time.Time

	users     map[string]*User
	approved  map[string]struct{}
	voice     map[string]struct{}
	metronome Metronome
}

// Snapshot is the wire view of a room sent to joiners and the lobby
type Snapshot struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	OwnerID   string    `json:"ownerId"`
	IsPrivate bool      `json:"isPrivate"`
	IsHidden  bool      `json:"isHidden"`
	RoomType  string    `json:"roomType"`
	Users     []*User   `json:"users"`
	Metronome Metronome `json:"metronome"`
}

// AddUser inserts or replaces a member
func (r *Room) AddUser(u *User) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.users[u.UserID] = u
}

// RemoveUser drops a member and their voice presence, returning the removed
// record or nil
func (r *Room) RemoveUser(userID string) *User {
	r.mu.Lock()
	defer r.mu.Unlock()

	u, ok := r.users[userID]
	if !ok {
		return nil
	}
	delete(r.users, userID)
	delete(r.voice, userID)
	return u
}

// GetUser returns a copy of a member, or nil
func (r *Room) GetUser(userID string) *User {
	r.mu.Lock()
	defer r.mu.Unlock()

	u, ok := r.users[userID]
	if !ok {
		return nil
	}
	copied := *u
	return &copied
}

// HasUser reports membership
func (r *Room) HasUser(userID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.users[userID]
	return ok
}

// UserCount reports members
func (r *Room) UserCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.users)
}

// Users lists members ordered by join time, oldest first
func (r *Room) Users() []*User {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.usersLocked()
}

func (r *Room) usersLocked() []*User {
	out := make([]*User, 0, len(r.users))
	for _, u := range r.users {
		copied := *u
		out = append(out, &copied)
	}
	sort.Slice(out, func(a, b int) bool {
		if out[a].JoinedAt.Equal(out[b].JoinedAt) {
			return out[a].UserID < out[b].UserID
		}
		return out[a].JoinedAt.Before(out[b].JoinedAt)
	})
	return out
}

// SetRole updates a member's role
func (r *Room) SetRole(userID string, role session.Role) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	u, ok := r.users[userID]
	if !ok {
		return false
	}
	u.Role = role
	return true
}

// SetInstrument updates a member's instrument selection
func (r *Room) SetInstrument(userID, instrument, category string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	u, ok := r.users[userID]
	if !ok {
		return false
	}
	u.CurrentInstrument = instrument
	u.CurrentCategory = category
	return true
}

// SetReady updates a member's ready flag
func (r *Room) SetReady(userID string, ready bool) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	u, ok := r.users[userID]
	if !ok {
		return false
	}
	u.IsReady = ready
	return true
}

// Owner returns the current owner id
func (r *Room) Owner() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.OwnerID
}

// SetOwner reassigns ownership, adjusting both members' roles
func (r *Room) SetOwner(newOwnerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if prev, ok := r.users[r.OwnerID]; ok {
		prev.Role = session.RoleBandMember
	}
	if next, ok := r.users[newOwnerID]; ok {
		next.Role = session.RoleRoomOwner
	}
	r.OwnerID = newOwnerID
}

// Approve marks a user as cleared to enter a private room
func (r *Room) Approve(userID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.approved[userID] = struct{}{}
}

// IsApproved reports whether a user may enter a private room
func (r *Room) IsApproved(userID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.approved[userID]
	return ok
}

// VoiceJoin marks a member as present in the voice channel
func (r *Room) VoiceJoin(userID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.voice[userID] = struct{}{}
}

// VoiceLeave removes a member from the voice channel
func (r *Room) VoiceLeave(userID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.voice, userID)
}

// VoiceParticipants lists voice channel members, sorted
func (r *Room) VoiceParticipants() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]string, 0, len(r.voice))
	for id := range r.voice {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// SetMetronome updates the shared tick reference
func (r *Room) SetMetronome(bpm float64, tickTs int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.metronome = Metronome{BPM: bpm, LastTickTs: tickTs}
}

// MetronomeState returns the shared tick reference
func (r *Room) MetronomeState() Metronome {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.metronome
}

// Snapshot builds the wire view
func (r *Room) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	return Snapshot{
		ID:        r.ID,
		Name:      r.Name,
		OwnerID:   r.OwnerID,
		IsPrivate: r.IsPrivate,
		IsHidden:  r.IsHidden,
		RoomType:  r.RoomType,
		Users:     r.usersLocked(),
		Metronome: r.metronome,
	}
}

// Rooms is the live room table
type Rooms struct {
	mu    sync.RWMutex
	rooms map[string]*Room

	clock  clock.Clock
	logger logger.Logger
}

// NewRooms creates an empty table
func NewRooms(clk clock.Clock, log logger.Logger) *Rooms {
	return &Rooms{
		rooms:  make(map[string]*Room),
		clock:  clk,
		logger: log,
	}
}

// Create registers a new room owned by ownerID
func (m *Rooms) Create(id, name, ownerID, roomType string, isPrivate, isHidden bool) *Room {
	if roomType != RoomArrange {
		roomType = RoomPerform
	}

	room := &Room{
		ID:        id,
		Name:      name,
		OwnerID:   ownerID,
		IsPrivate: isPrivate,
		IsHidden:  isHidden,
		RoomType:  roomType,
		CreatedAt: m.clock.Now(),
		users:     make(map[string]*User),
		approved:  make(map[string]struct{}),
		voice:     make(map[string]struct{}),
		metronome: Metronome{BPM: 120},
	}

	m.mu.Lock()
	m.rooms[id] = room
	m.mu.Unlock()

	m.logger.Info("Room created",
		logger.String("room_id", id),
		logger.String("owner_id", ownerID),
		logger.String("room_type", roomType),
	)
	return room
}

// Get returns a room, or nil
func (m *Rooms) Get(id string) *Room {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.rooms[id]
}

// Remove drops a room from the table
func (m *Rooms) Remove(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.rooms[id]; !ok {
		return false
	}
	delete(m.rooms, id)
	return true
}

// Count reports live rooms
func (m *Rooms) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.rooms)
}

// List snapshots every live room
func (m *Rooms) List() []Snapshot {
	m.mu.RLock()
	rooms := make([]*Room, 0, len(m.rooms))
	for _, r := range m.rooms {
		rooms = append(rooms, r)
	}
	m.mu.RUnlock()

	out := make([]Snapshot, 0, len(rooms))
	for _, r := range rooms {
		out = append(out, r.Snapshot())
	}
	sort.Slice(out, func(a, b int) bool { return out[a].ID < out[b].ID })
	return out
}
