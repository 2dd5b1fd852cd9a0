// Package repository defines the persistence boundary for room and user
// records, with in-memory implementations and a cached room listing.
package repository

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"
)

// ErrNotFound is returned when a record does not exist
var ErrNotFound = errors.New("record not found")

// RoomRecord is the persisted shape of a room
type RoomRecord struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	OwnerID   string    `json:"ownerId"`
	IsPrivate bool      `json:"isPrivate"`
	IsHidden  bool      `json:"isHidden"`
	RoomType  string    `json:"roomType"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// UserRecord is the persisted shape of a user
type UserRecord struct {
	ID        string    `json:"id"`
	Username  string    `json:"username"`
	CreatedAt time.Time `json:"createdAt"`
	LastSeen  time.Time `json:"lastSeen"`
}

// Page is one page of room records
type Page struct {
	Rooms []*RoomRecord `json:"rooms"`
	Total int           `json:"total"`
}

// RoomRepository is the room persistence boundary
type RoomRepository interface {
	Save(ctx context.Context, room *RoomRecord) error
	FindByID(ctx context.Context, id string) (*RoomRecord, error)
	FindByOwner(ctx context.Context, ownerID string) ([]*RoomRecord, error)
	FindPublic(ctx context.Context) ([]*RoomRecord, error)
	FindByNamePattern(ctx context.Context, pattern string) ([]*RoomRecord, error)
	FindPaginated(ctx context.Context, offset, limit int) (*Page, error)
	Delete(ctx context.Context, id string) error
}

// UserRepository is the user persistence boundary
type UserRepository interface {
	Save(ctx context.Context, user *UserRecord) error
	FindByID(ctx context.Context, id string) (*UserRecord, error)
	FindByUsername(ctx context.Context, username string) (*UserRecord, error)
	FindAll(ctx context.Context) ([]*UserRecord, error)
	Delete(ctx context.Context, id string) error
}

// MemoryRoomRepository keeps room records in process memory
type MemoryRoomRepository struct {
	mu    sync.RWMutex
	rooms map[string]*RoomRecord
}

// NewMemoryRoomRepository creates an empty repository
func NewMemoryRoomRepository() *MemoryRoomRepository {
	return &MemoryRoomRepository{rooms: make(map[string]*RoomRecord)}
}

// Save inserts or replaces a room record
func (m *MemoryRoomRepository) Save(ctx context.Context, room *RoomRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	copied := *room
	copied.UpdatedAt = time.Now()
	if copied.CreatedAt.IsZero() {
		copied.CreatedAt = copied.UpdatedAt
	}
	m.rooms[room.ID] = &copied
	return nil
}

// FindByID returns one room record
func (m *MemoryRoomRepository) FindByID(ctx context.Context, id string) (*RoomRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	room, ok := m.rooms[id]
	if !ok {
		return nil, ErrNotFound
	}
	copied := *room
	return &copied, nil
}

// FindByOwner lists rooms owned by a user
func (m *MemoryRoomRepository) FindByOwner(ctx context.Context, ownerID string) ([]*RoomRecord, error) {
	return m.filter(func(r *RoomRecord) bool { return r.OwnerID == ownerID }), nil
}

// FindPublic lists rooms that are neither private nor hidden
func (m *MemoryRoomRepository) FindPublic(ctx context.Context) ([]*RoomRecord, error) {
	return m.filter(func(r *RoomRecord) bool { return !r.IsPrivate && !r.IsHidden }), nil
}

// FindByNamePattern lists rooms whose name contains the pattern,
// case-insensitively
func (m *MemoryRoomRepository) FindByNamePattern(ctx context.Context, pattern string) ([]*RoomRecord, error) {
	lowered := strings.ToLower(pattern)
	return m.filter(func(r *RoomRecord) bool {
		return strings.Contains(strings.ToLower(r.Name), lowered)
	}), nil
}

// FindPaginated returns one page ordered by creation time, newest first
func (m *MemoryRoomRepository) FindPaginated(ctx context.Context, offset, limit int) (*Page, error) {
	all := m.filter(func(*RoomRecord) bool { return true })
	sortByCreatedDesc(all)

	total := len(all)
	if offset >= total {
		return &Page{Rooms: []*RoomRecord{}, Total: total}, nil
	}
	end := offset + limit
	if limit <= 0 || end > total {
		end = total
	}
	return &Page{Rooms: all[offset:end], Total: total}, nil
}

// Delete removes a room record
func (m *MemoryRoomRepository) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.rooms[id]; !ok {
		return ErrNotFound
	}
	delete(m.rooms, id)
	return nil
}

func (m *MemoryRoomRepository) filter(keep func(*RoomRecord) bool) []*RoomRecord {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*RoomRecord, 0)
	for _, room := range m.rooms {
		if keep(room) {
			copied := *room
			out = append(out, &copied)
		}
	}
	return out
}

func sortByCreatedDesc(rooms []*RoomRecord) {
	for i := 1; i < len(rooms); i++ {
		for j := i; j > 0 && rooms[j].CreatedAt.After(rooms[j-1].CreatedAt); j-- {
			rooms[j], rooms[j-1] = rooms[j-1], rooms[j]
		}
	}
}

// MemoryUserRepository keeps user records in process memory
type MemoryUserRepository struct {
	mu    sync.RWMutex
	users map[string]*UserRecord
}

// NewMemoryUserRepository creates an empty repository
func NewMemoryUserRepository() *MemoryUserRepository {
	return &MemoryUserRepository{users: make(map[string]*UserRecord)}
}

// Save inserts or replaces a user record
func (m *MemoryUserRepository) Save(ctx context.Context, user *UserRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	copied := *user
	if copied.CreatedAt.IsZero() {
		copied.CreatedAt = time.Now()
	}
	m.users[user.ID] = &copied
	return nil
}

// FindByID returns one user record
func (m *MemoryUserRepository) FindByID(ctx context.Context, id string) (*UserRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	user, ok := m.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	copied := *user
	return &copied, nil
}

// FindByUsername returns the user with the exact username
func (m *MemoryUserRepository) FindByUsername(ctx context.Context, username string) (*UserRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, user := range m.users {
		if user.Username == username {
			copied := *user
			return &copied, nil
		}
	}
	return nil, ErrNotFound
}

// FindAll lists every user record
func (m *MemoryUserRepository) FindAll(ctx context.Context) ([]*UserRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*UserRecord, 0, len(m.users))
	for _, user := range m.users {
		copied := *user
		out = append(out, &copied)
	}
	return out, nil
}

// Delete removes a user record
func (m *MemoryUserRepository) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.users[id]; !ok {
		return ErrNotFound
	}
	delete(m.users, id)
	return nil
}
