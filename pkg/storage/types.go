// Package storage persists region audio blobs on a local filesystem or an
// S3-compatible backend, and exposes the server-addressed streaming paths.
package storage

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/jamfoundry/jamcore/pkg/config"
	"github.com/jamfoundry/jamcore/pkg/logger"
)

// Common errors
var (
	ErrObjectNotFound    = errors.New("object not found")
	ErrInvalidObjectKey  = errors.New("invalid object key")
	ErrStorageConfigured = errors.New("storage not configured")
)

// Object describes one stored blob
type Object struct {
	Key          string
	Size         int64
	LastModified time.Time
	ContentType  string
}

// Storage is the blob backend interface
type Storage interface {
	// Upload stores a blob under the key
	Upload(ctx context.Context, key string, data io.Reader, size int64, contentType string) error

	// Download returns the blob's content
	Download(ctx context.Context, key string) (io.ReadCloser, error)

	// Delete removes the blob
	Delete(ctx context.Context, key string) error

	// Exists reports whether the key holds a blob
	Exists(ctx context.Context, key string) (bool, error)

	// List enumerates blobs under a prefix
	List(ctx context.Context, prefix string, maxKeys int) ([]Object, error)

	// GetURL returns an externally fetchable URL for the blob
	GetURL(ctx context.Context, key string, expires time.Duration) (string, error)

	// Close releases backend resources
	Close() error
}

// New builds the backend named by the configuration
func New(cfg config.StorageConfig, log logger.Logger) (Storage, error) {
	switch cfg.Type {
	case "s3":
		return NewS3Storage(cfg, log)
	case "local", "":
		return NewLocalStorage(cfg, log)
	}
	return nil, ErrStorageConfigured
}
