package repository

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jamfoundry/jamcore/pkg/cache"
	"github.com/jamfoundry/jamcore/pkg/logger"
)

// publicRoomsKey caches the public room listing
const publicRoomsKey = "rooms:public"

// CachedRoomRepository wraps a RoomRepository with a read cache on the
// public listing, which is the hot query on the lobby
type CachedRoomRepository struct {
	inner  RoomRepository
	cache  cache.Cache
	ttl    time.Duration
	logger logger.Logger
}

// NewCachedRoomRepository wraps inner; writes invalidate the cached listing
func NewCachedRoomRepository(inner RoomRepository, c cache.Cache, ttl time.Duration, log logger.Logger) *CachedRoomRepository {
	return &CachedRoomRepository{inner: inner, cache: c, ttl: ttl, logger: log}
}

// Save writes through and invalidates the public listing
func (r *CachedRoomRepository) Save(ctx context.Context, room *RoomRecord) error {
	if err := r.inner.Save(ctx, room); err != nil {
		return err
	}
	r.invalidate(ctx)
	return nil
}

// FindByID passes through
func (r *CachedRoomRepository) FindByID(ctx context.Context, id string) (*RoomRecord, error) {
	return r.inner.FindByID(ctx, id)
}

// FindByOwner passes through
func (r *CachedRoomRepository) FindByOwner(ctx context.Context, ownerID string) ([]*RoomRecord, error) {
	return r.inner.FindByOwner(ctx, ownerID)
}

// FindPublic serves from the cache when fresh
func (r *CachedRoomRepository) FindPublic(ctx context.Context) ([]*RoomRecord, error) {
	if data, err := r.cache.Get(ctx, publicRoomsKey); err == nil {
		var rooms []*RoomRecord
		if err := json.Unmarshal(data, &rooms); err == nil {
			return rooms, nil
		}
		// Corrupt entry: fall through to the repository
		r.cache.Delete(ctx, publicRoomsKey)
	}

	rooms, err := r.inner.FindPublic(ctx)
	if err != nil {
		return nil, err
	}

	if data, err := json.Marshal(rooms); err == nil {
		if err := r.cache.Set(ctx, publicRoomsKey, data, r.ttl); err != nil {
			r.logger.Warn("Failed to cache public room listing", logger.Err(err))
		}
	}
	return rooms, nil
}

// FindByNamePattern passes through
func (r *CachedRoomRepository) FindByNamePattern(ctx context.Context, pattern string) ([]*RoomRecord, error) {
	return r.inner.FindByNamePattern(ctx, pattern)
}

// FindPaginated passes through
func (r *CachedRoomRepository) FindPaginated(ctx context.Context, offset, limit int) (*Page, error) {
	return r.inner.FindPaginated(ctx, offset, limit)
}

// Delete writes through and invalidates the public listing
func (r *CachedRoomRepository) Delete(ctx context.Context, id string) error {
	if err := r.inner.Delete(ctx, id); err != nil {
		return err
	}
	r.invalidate(ctx)
	return nil
}

func (r *CachedRoomRepository) invalidate(ctx context.Context) {
	if err := r.cache.Delete(ctx, publicRoomsKey); err != nil {
		r.logger.Warn("Failed to invalidate room listing cache", logger.Err(err))
	}
}
