package presence

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// TypingPresence is a short-TTL presence channel keyed by thread+member.
// Entries expire on their own; there is nothing to delete explicitly.
type TypingPresence interface {
	Available() bool
	// SetTyping marks the member as typing in the thread until the
	// backend's TTL elapses. Repeated calls renew the window.
	SetTyping(ctx context.Context, threadID uuid.UUID, memberID string) error
	// Typing returns the members currently typing in the thread.
	Typing(ctx context.Context, threadID uuid.UUID) ([]string, error)
}

// Loader creates a TypingPresence from config.
type Loader func(ctx context.Context) (TypingPresence, error)

// Plugin represents a presence plugin.
type Plugin struct {
	Name   string
	Loader Loader
}

var plugins []Plugin

// Register adds a presence plugin.
func Register(p Plugin) {
	plugins = append(plugins, p)
}

// Names returns all registered presence plugin names.
func Names() []string {
	names := make([]string, len(plugins))
	for i, p := range plugins {
		names[i] = p.Name
	}
	return names
}

// Select returns the loader for the named presence plugin.
func Select(name string) (Loader, error) {
	for _, p := range plugins {
		if p.Name == name {
			return p.Loader, nil
		}
	}
	return nil, fmt.Errorf("unknown presence backend %q; valid: %v", name, Names())
}
