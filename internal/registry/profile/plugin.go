package profile

import (
	"context"
	"fmt"
)

// PublicProfile is the display representation of a user, resolved from the
// external profile service.
type PublicProfile struct {
	ID          string  `json:"id"`
	DisplayName string  `json:"displayName,omitempty"`
	AvatarURL   *string `json:"avatarUrl,omitempty"`
}

// Stub returns an id-only profile, used when the lookup fails or the user is
// unknown. Listing degrades to stubs rather than failing the page.
func Stub(id string) PublicProfile {
	return PublicProfile{ID: id}
}

// Directory resolves user IDs to public profiles. Implementations must be
// missing-safe: an unknown ID yields a stub, not an error.
type Directory interface {
	// GetPublicProfile resolves one user. The returned profile is never nil;
	// err is only set for transport-level failures the caller may log.
	GetPublicProfile(ctx context.Context, id string) (PublicProfile, error)
}

// Loader creates a Directory from config.
type Loader func(ctx context.Context) (Directory, error)

// Plugin represents a profile directory plugin.
type Plugin struct {
	Name   string
	Loader Loader
}

var plugins []Plugin

// Register adds a profile directory plugin.
func Register(p Plugin) {
	plugins = append(plugins, p)
}

// Names returns all registered profile directory plugin names.
func Names() []string {
	names := make([]string, len(plugins))
	for i, p := range plugins {
		names[i] = p.Name
	}
	return names
}

// Select returns the loader for the named profile directory plugin.
func Select(name string) (Loader, error) {
	for _, p := range plugins {
		if p.Name == name {
			return p.Loader, nil
		}
	}
	return nil, fmt.Errorf("unknown profile directory %q; valid: %v", name, Names())
}
