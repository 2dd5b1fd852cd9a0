package repository

import (
	"context"
	"testing"
	"time"

	"github.com/jamfoundry/jamcore/pkg/cache"
	"github.com/jamfoundry/jamcore/pkg/logger"
)

func TestRoomSaveAndFind(t *testing.T) {
	repo := NewMemoryRoomRepository()
	ctx := context.Background()

	room := &RoomRecord{ID: "room_1", Name: "Jam Session", OwnerID: "alice", RoomType: "arrange"}
	if err := repo.Save(ctx, room); err != nil {
		t.Fatalf("Save: %v", err)
	}

	got, err := repo.FindByID(ctx, "room_1")
	if err != nil || got.Name != "Jam Session" {
		t.Fatalf("FindByID: %+v %v", got, err)
	}
	if got.CreatedAt.IsZero() {
		t.Error("Save should stamp CreatedAt")
	}

	if _, err := repo.FindByID(ctx, "room_missing"); err != ErrNotFound {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestRoomQueries(t *testing.T) {
	repo := NewMemoryRoomRepository()
	ctx := context.Background()

	repo.Save(ctx, &RoomRecord{ID: "r1", Name: "Friday Funk", OwnerID: "alice"})
	repo.Save(ctx, &RoomRecord{ID: "r2", Name: "Secret Lab", OwnerID: "alice", IsPrivate: true})
	repo.Save(ctx, &RoomRecord{ID: "r3", Name: "Hidden Gem", OwnerID: "bob", IsHidden: true})

	if rooms, _ := repo.FindByOwner(ctx, "alice"); len(rooms) != 2 {
		t.Errorf("Alice owns 2 rooms, got %d", len(rooms))
	}
	if rooms, _ := repo.FindPublic(ctx); len(rooms) != 1 || rooms[0].ID != "r1" {
		t.Errorf("Only r1 is public, got %+v", rooms)
	}
	if rooms, _ := repo.FindByNamePattern(ctx, "funk"); len(rooms) != 1 {
		t.Errorf("Pattern match should be case-insensitive, got %d", len(rooms))
	}
}

func TestRoomPagination(t *testing.T) {
	repo := NewMemoryRoomRepository()
	ctx := context.Background()

	base := time.Now()
	for i := 0; i < 5; i++ {
		repo.Save(ctx, &RoomRecord{
			ID:        string(rune('a' + i)),
			Name:      "Room",
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
		})
	}

	page, err := repo.FindPaginated(ctx, 0, 2)
	if err != nil {
		t.Fatalf("FindPaginated: %v", err)
	}
	if page.Total != 5 || len(page.Rooms) != 2 {
		t.Fatalf("Expected total 5 page 2, got %d/%d", page.Total, len(page.Rooms))
	}
	if page.Rooms[0].ID != "e" {
		t.Errorf("Newest first, got %s", page.Rooms[0].ID)
	}

	if page, _ := repo.FindPaginated(ctx, 10, 2); len(page.Rooms) != 0 {
		t.Errorf("Offset past the end should be empty, got %d", len(page.Rooms))
	}
}

func TestUserRepository(t *testing.T) {
	repo := NewMemoryUserRepository()
	ctx := context.Background()

	repo.Save(ctx, &UserRecord{ID: "u1", Username: "alice"})
	repo.Save(ctx, &UserRecord{ID: "u2", Username: "bob"})

	if user, err := repo.FindByUsername(ctx, "alice"); err != nil || user.ID != "u1" {
		t.Errorf("FindByUsername: %+v %v", user, err)
	}
	if all, _ := repo.FindAll(ctx); len(all) != 2 {
		t.Errorf("Expected 2 users, got %d", len(all))
	}
	if err := repo.Delete(ctx, "u1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := repo.FindByUsername(ctx, "alice"); err != ErrNotFound {
		t.Errorf("Deleted user should not be found, got %v", err)
	}
}

func TestCachedPublicListing(t *testing.T) {
	inner := NewMemoryRoomRepository()
	c := cache.NewMemoryCache()
	repo := NewCachedRoomRepository(inner, c, time.Minute, logger.NewDefaultLogger(logger.ErrorLevel, "text"))
	ctx := context.Background()

	repo.Save(ctx, &RoomRecord{ID: "r1", Name: "Public Room"})

	first, err := repo.FindPublic(ctx)
	if err != nil || len(first) != 1 {
		t.Fatalf("FindPublic: %v %d", err, len(first))
	}

	// Mutating the inner repo directly leaves the cache stale
	inner.Save(ctx, &RoomRecord{ID: "r2", Name: "Another"})
	if cached, _ := repo.FindPublic(ctx); len(cached) != 1 {
		t.Errorf("Listing should come from cache, got %d rooms", len(cached))
	}

	// Writes through the wrapper invalidate
	repo.Save(ctx, &RoomRecord{ID: "r3", Name: "Third"})
	if fresh, _ := repo.FindPublic(ctx); len(fresh) != 3 {
		t.Errorf("Save should invalidate the cache, got %d rooms", len(fresh))
	}
}
