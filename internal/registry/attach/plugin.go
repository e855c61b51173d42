package attach

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"time"
)

// PutResult is the result of storing an object.
type PutResult struct {
	// Key is the storage key the object was written under.
	Key string
	// URL is a retrievable URL for the object (signed or token-bound,
	// per the backend's contract).
	URL string
	// Size is the number of bytes written.
	Size int64
}

// ObjectStore is the object-storage collaborator for attachment bytes.
// A message may only reference a URL returned by a successful Put.
type ObjectStore interface {
	// Put writes the object under key and returns its retrievable URL.
	// Readers larger than maxSize fail without a partial write.
	Put(ctx context.Context, key string, data io.Reader, maxSize int64, contentType string) (*PutResult, error)
	// Get returns a reader for the stored object.
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	// Delete removes the stored object. Used to clean up after a failed
	// RECORDING step so no orphaned object outlives its message.
	Delete(ctx context.Context, key string) error
	// SignedURL returns a fresh time-limited download URL, if supported.
	SignedURL(ctx context.Context, key string, expiry time.Duration) (*url.URL, error)
}

// Loader creates an ObjectStore from config.
type Loader func(ctx context.Context) (ObjectStore, error)

// Plugin represents an object store plugin.
type Plugin struct {
	Name   string
	Loader Loader
}

var plugins []Plugin

// Register adds an object store plugin.
func Register(p Plugin) {
	plugins = append(plugins, p)
}

// Names returns all registered object store plugin names.
func Names() []string {
	names := make([]string, len(plugins))
	for i, p := range plugins {
		names[i] = p.Name
	}
	return names
}

// Select returns the loader for the named object store plugin.
func Select(name string) (Loader, error) {
	for _, p := range plugins {
		if p.Name == name {
			return p.Loader, nil
		}
	}
	return nil, fmt.Errorf("unknown object store %q; valid: %v", name, Names())
}
