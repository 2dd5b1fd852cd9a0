package storage

import (
	"context"
	"fmt"
	"io"
	"regexp"
	"strings"
)

// AudioContentType is the container every region blob is stored as
const AudioContentType = "audio/ogg"

// streamPathPattern matches server-addressed audio stream paths
var streamPathPattern = regexp.MustCompile(`^/api/rooms/([^/]+)/audio/regions/([^/]+)$`)

// RegionAudio adapts the blob backend to region audio semantics: one Ogg
// blob per (room, storage region id), addressed on the wire by the server's
// stream path rather than a backend URL.
type RegionAudio struct {
	backend Storage
}

// NewRegionAudio wraps a backend
func NewRegionAudio(backend Storage) *RegionAudio {
	return &RegionAudio{backend: backend}
}

// Key maps a (room, storage region id) to its backend key
func (r *RegionAudio) Key(roomID, storageRegionID string) string {
	return fmt.Sprintf("rooms/%s/audio/regions/%s.ogg", roomID, storageRegionID)
}

// StreamPath is the server-addressed path clients fetch the blob from
func (r *RegionAudio) StreamPath(roomID, storageRegionID string) string {
	return fmt.Sprintf("/api/rooms/%s/audio/regions/%s", roomID, storageRegionID)
}

// ParseStreamPath extracts (roomID, storageRegionID) from a stream path,
// reporting false for anything else
func ParseStreamPath(path string) (roomID, storageRegionID string, ok bool) {
	m := streamPathPattern.FindStringSubmatch(path)
	if m == nil {
		return "", "", false
	}
	return m[1], m[2], true
}

// StorageIDFromURL extracts the storage region id from an audio URL. It
// understands stream paths and falls back to the last path segment minus the
// extension.
func StorageIDFromURL(url string) string {
	if _, id, ok := ParseStreamPath(url); ok {
		return id
	}
	trimmed := url
	if idx := strings.LastIndex(trimmed, "/"); idx >= 0 {
		trimmed = trimmed[idx+1:]
	}
	if idx := strings.Index(trimmed, "."); idx >= 0 {
		trimmed = trimmed[:idx]
	}
	if idx := strings.Index(trimmed, "?"); idx >= 0 {
		trimmed = trimmed[:idx]
	}
	return trimmed
}

// SaveRegionAudio stores a region blob and returns its stream path
func (r *RegionAudio) SaveRegionAudio(ctx context.Context, roomID, storageRegionID string, data io.Reader, size int64) (string, error) {
	key := r.Key(roomID, storageRegionID)
	if err := r.backend.Upload(ctx, key, data, size, AudioContentType); err != nil {
		return "", fmt.Errorf("failed to save region audio: %w", err)
	}
	return r.StreamPath(roomID, storageRegionID), nil
}

// GetRegionAudio returns the blob's content and size
func (r *RegionAudio) GetRegionAudio(ctx context.Context, roomID, storageRegionID string) ([]byte, error) {
	body, err := r.backend.Download(ctx, r.Key(roomID, storageRegionID))
	if err != nil {
		return nil, err
	}
	defer body.Close()

	data, err := io.ReadAll(body)
	if err != nil {
		return nil, fmt.Errorf("failed to read region audio: %w", err)
	}
	return data, nil
}

// DeleteRegionAudio reclaims the blob; deleting an absent blob is a no-op
func (r *RegionAudio) DeleteRegionAudio(ctx context.Context, roomID, storageRegionID string) error {
	err := r.backend.Delete(ctx, r.Key(roomID, storageRegionID))
	if err != nil && err != ErrObjectNotFound {
		return err
	}
	return nil
}

// RegionAudioExists reports whether the blob is stored
func (r *RegionAudio) RegionAudioExists(ctx context.Context, roomID, storageRegionID string) (bool, error) {
	return r.backend.Exists(ctx, r.Key(roomID, storageRegionID))
}

// ListRoomAudio enumerates a room's stored region blobs
func (r *RegionAudio) ListRoomAudio(ctx context.Context, roomID string) ([]Object, error) {
	return r.backend.List(ctx, fmt.Sprintf("rooms/%s/audio/regions/", roomID), 0)
}

// RewriteURL maps any audio URL onto the server-addressed stream path for
// the given room, preserving the storage id. Used when loading uploaded
// projects whose regions carry foreign URLs.
func (r *RegionAudio) RewriteURL(roomID, url string) string {
	id := StorageIDFromURL(url)
	if id == "" {
		return url
	}
	return r.StreamPath(roomID, id)
}
