// Package fsstore stores attachment objects on the local filesystem. It is
// meant for development and tests; like mongo it has no signed-URL support,
// so downloads go through the service's media route.
package fsstore

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/chatline/chat-service/internal/config"
	registryattach "github.com/chatline/chat-service/internal/registry/attach"
)

func init() {
	registryattach.Register(registryattach.Plugin{
		Name:   "fs",
		Loader: load,
	})
}

func load(ctx context.Context) (registryattach.ObjectStore, error) {
	cfg := config.FromContext(ctx)
	if cfg == nil || cfg.FSRoot == "" {
		return nil, fmt.Errorf("fsstore: FS_ROOT is required")
	}
	return New(cfg.FSRoot)
}

// New creates a filesystem object store rooted at dir.
func New(dir string) (*FSObjectStore, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("fsstore: create root dir: %w", err)
	}
	return &FSObjectStore{root: dir}, nil
}

type FSObjectStore struct {
	root string
}

// path maps a storage key to a file under root. Keys may contain "/" to
// namespace objects; anything that would escape the root is rejected.
func (s *FSObjectStore) path(key string) (string, error) {
	if key == "" || strings.HasPrefix(key, "/") || strings.Contains(key, `\`) || strings.Contains(key, "..") {
		return "", fmt.Errorf("fsstore: invalid key %q", key)
	}
	path := filepath.Join(s.root, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return "", fmt.Errorf("fsstore: create key dir: %w", err)
	}
	return path, nil
}

func (s *FSObjectStore) Put(ctx context.Context, key string, data io.Reader, maxSize int64, contentType string) (*registryattach.PutResult, error) {
	path, err := s.path(key)
	if err != nil {
		return nil, err
	}
	tmp, err := os.CreateTemp(s.root, ".upload-*")
	if err != nil {
		return nil, fmt.Errorf("fsstore: create temp file: %w", err)
	}
	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
	}()

	size, err := io.Copy(tmp, io.LimitReader(data, maxSize+1))
	if err != nil {
		return nil, fmt.Errorf("fsstore: write object: %w", err)
	}
	if size > maxSize {
		return nil, fmt.Errorf("file exceeds maximum size of %d bytes", maxSize)
	}
	if err := tmp.Close(); err != nil {
		return nil, fmt.Errorf("fsstore: close temp file: %w", err)
	}
	// Rename so a crashed upload never leaves a partial object under key.
	if err := os.Rename(tmp.Name(), path); err != nil {
		return nil, fmt.Errorf("fsstore: finalize object: %w", err)
	}

	return &registryattach.PutResult{
		Key:  key,
		Size: size,
	}, nil
}

func (s *FSObjectStore) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	path, err := s.path(key)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("object not found: %s", key)
		}
		return nil, fmt.Errorf("fsstore: open object: %w", err)
	}
	return f, nil
}

func (s *FSObjectStore) Delete(ctx context.Context, key string) error {
	path, err := s.path(key)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("fsstore: delete object: %w", err)
	}
	return nil
}

func (s *FSObjectStore) SignedURL(_ context.Context, _ string, _ time.Duration) (*url.URL, error) {
	return nil, fmt.Errorf("signed URLs not supported for fs object store")
}
