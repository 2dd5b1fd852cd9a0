package cache

import (
	"context"
	"testing"
	"time"

	"github.com/jamfoundry/jamcore/pkg/config"
)

func TestMemoryCacheRoundTrip(t *testing.T) {
	c := NewMemoryCache()
	ctx := context.Background()

	if _, err := c.Get(ctx, "missing"); err != ErrCacheMiss {
		t.Errorf("Expected cache miss, got %v", err)
	}

	c.Set(ctx, "key", []byte("value"), 0)
	got, err := c.Get(ctx, "key")
	if err != nil || string(got) != "value" {
		t.Errorf("Round-trip failed: %q %v", got, err)
	}

	c.Delete(ctx, "key")
	if _, err := c.Get(ctx, "key"); err != ErrCacheMiss {
		t.Errorf("Deleted key should miss, got %v", err)
	}
}

func TestMemoryCacheExpiry(t *testing.T) {
	c := NewMemoryCache()
	ctx := context.Background()

	c.Set(ctx, "short", []byte("v"), 10*time.Millisecond)
	time.Sleep(25 * time.Millisecond)

	if _, err := c.Get(ctx, "short"); err != ErrCacheMiss {
		t.Errorf("Expired entry should miss, got %v", err)
	}
}

func TestMemoryCacheCopiesValue(t *testing.T) {
	c := NewMemoryCache()
	ctx := context.Background()

	value := []byte("abc")
	c.Set(ctx, "key", value, 0)
	value[0] = 'x'

	got, _ := c.Get(ctx, "key")
	if string(got) != "abc" {
		t.Errorf("Cache should not alias caller's slice, got %q", got)
	}
}

func TestFactoryMemory(t *testing.T) {
	c, err := New(config.CacheConfig{Type: "memory"})
	if err != nil {
		t.Fatalf("New(memory): %v", err)
	}
	if _, ok := c.(*MemoryCache); !ok {
		t.Errorf("Expected MemoryCache, got %T", c)
	}

	if _, err := New(config.CacheConfig{Type: "bolt"}); err == nil {
		t.Error("Unknown cache type should fail")
	}
}
