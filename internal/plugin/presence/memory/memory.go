// Package memory implements typing presence with an in-process map. Suitable
// for single-instance deployments and tests.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/chatline/chat-service/internal/config"
	registrypresence "github.com/chatline/chat-service/internal/registry/presence"
	"github.com/google/uuid"
)

const defaultTTL = 8 * time.Second

func init() {
	registrypresence.Register(registrypresence.Plugin{
		Name: "memory",
		Loader: func(ctx context.Context) (registrypresence.TypingPresence, error) {
			ttl := defaultTTL
			if cfg := config.FromContext(ctx); cfg != nil && cfg.TypingTTL > 0 {
				ttl = cfg.TypingTTL
			}
			return New(ttl), nil
		},
	})
}

// New creates an in-process typing presence with the given TTL.
func New(ttl time.Duration) *MemoryPresence {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &MemoryPresence{
		ttl:     ttl,
		expires: map[uuid.UUID]map[string]time.Time{},
		clock:   time.Now,
	}
}

type MemoryPresence struct {
	mu      sync.Mutex
	ttl     time.Duration
	expires map[uuid.UUID]map[string]time.Time
	clock   func() time.Time
}

// SetClock substitutes the time source. Used by tests.
func (p *MemoryPresence) SetClock(clock func() time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.clock = clock
}

func (p *MemoryPresence) Available() bool {
	return true
}

func (p *MemoryPresence) SetTyping(_ context.Context, threadID uuid.UUID, memberID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	members := p.expires[threadID]
	if members == nil {
		members = map[string]time.Time{}
		p.expires[threadID] = members
	}
	members[memberID] = p.clock().Add(p.ttl)
	return nil
}

func (p *MemoryPresence) Typing(_ context.Context, threadID uuid.UUID) ([]string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := p.clock()
	var typing []string
	for memberID, deadline := range p.expires[threadID] {
		if deadline.After(now) {
			typing = append(typing, memberID)
		} else {
			delete(p.expires[threadID], memberID)
		}
	}
	if len(p.expires[threadID]) == 0 {
		delete(p.expires, threadID)
	}
	return typing, nil
}

var _ registrypresence.TypingPresence = (*MemoryPresence)(nil)
