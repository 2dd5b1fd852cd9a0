package storage

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jamfoundry/jamcore/pkg/config"
	"github.com/jamfoundry/jamcore/pkg/logger"
)

// LocalStorage keeps blobs on the local filesystem under a base path
type LocalStorage struct {
	basePath string
	logger   logger.Logger
}

// NewLocalStorage creates the backend and its base directory
func NewLocalStorage(cfg config.StorageConfig, log logger.Logger) (*LocalStorage, error) {
	base := cfg.BasePath
	if base == "" {
		base = "./storage"
	}
	abs, err := filepath.Abs(base)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve base path: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create base path: %w", err)
	}

	return &LocalStorage{basePath: abs, logger: log}, nil
}

// Upload stores a blob under the key
func (l *LocalStorage) Upload(ctx context.Context, key string, data io.Reader, size int64, contentType string) error {
	path, err := l.resolve(key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("failed to create file: %w", err)
	}
	if _, err := io.Copy(f, data); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("failed to write file: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to close file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to finalize file: %w", err)
	}

	l.logger.Debug("Local blob stored",
		logger.String("key", key),
		logger.Int64("size", size),
	)
	return nil
}

// Download returns the blob's content
func (l *LocalStorage) Download(ctx context.Context, key string) (io.ReadCloser, error) {
	path, err := l.resolve(key)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrObjectNotFound
		}
		return nil, fmt.Errorf("failed to open file: %w", err)
	}
	return f, nil
}

// Delete removes the blob
func (l *LocalStorage) Delete(ctx context.Context, key string) error {
	path, err := l.resolve(key)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil {
		if os.IsNotExist(err) {
			return ErrObjectNotFound
		}
		return fmt.Errorf("failed to delete file: %w", err)
	}
	return nil
}

// Exists reports whether the key holds a blob
func (l *LocalStorage) Exists(ctx context.Context, key string) (bool, error) {
	path, err := l.resolve(key)
	if err != nil {
		return false, err
	}
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// List enumerates blobs under a prefix
func (l *LocalStorage) List(ctx context.Context, prefix string, maxKeys int) ([]Object, error) {
	root, err := l.resolve(prefix)
	if err != nil {
		return nil, err
	}

	var objects []Object
	err = filepath.Walk(root, func(path string, info os.FileInfo, walkErr error) error {
		if walkErr != nil {
			if os.IsNotExist(walkErr) {
				return nil
			}
			return walkErr
		}
		if info.IsDir() || strings.HasSuffix(path, ".tmp") {
			return nil
		}
		rel, relErr := filepath.Rel(l.basePath, path)
		if relErr != nil {
			return relErr
		}
		objects = append(objects, Object{
			Key:          filepath.ToSlash(rel),
			Size:         info.Size(),
			LastModified: info.ModTime(),
		})
		if maxKeys > 0 && len(objects) >= maxKeys {
			return filepath.SkipAll
		}
		return nil
	})
	if err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	return objects, nil
}

// GetURL returns a file URL; local blobs are served through the HTTP surface
func (l *LocalStorage) GetURL(ctx context.Context, key string, expires time.Duration) (string, error) {
	path, err := l.resolve(key)
	if err != nil {
		return "", err
	}
	return "file://" + path, nil
}

// Close is a no-op for local storage
func (l *LocalStorage) Close() error { return nil }

// resolve maps a key to an absolute path, refusing traversal outside the base
func (l *LocalStorage) resolve(key string) (string, error) {
	cleaned := filepath.Clean("/" + strings.TrimPrefix(key, "/"))
	path := filepath.Join(l.basePath, cleaned)
	if !strings.HasPrefix(path, l.basePath) {
		return "", ErrInvalidObjectKey
	}
	return path, nil
}
