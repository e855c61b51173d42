// Package redis implements typing presence on Redis. Each typing signal is a
// per-member key with a short TTL; reading the thread's presence is a scan of
// the thread's key prefix, so expiry needs no bookkeeping of our own.
package redis

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/chatline/chat-service/internal/config"
	registrypresence "github.com/chatline/chat-service/internal/registry/presence"
	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
)

const defaultTTL = 8 * time.Second

func init() {
	registrypresence.Register(registrypresence.Plugin{
		Name:   "redis",
		Loader: load,
	})
}

func load(ctx context.Context) (registrypresence.TypingPresence, error) {
	cfg := config.FromContext(ctx)
	if cfg == nil || cfg.RedisURL == "" {
		return nil, fmt.Errorf("redis presence: CHAT_SERVICE_REDIS_URL is required")
	}
	ttl := cfg.TypingTTL
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return LoadFromURL(ctx, cfg.RedisURL, ttl)
}

// LoadFromURL creates a TypingPresence from a Redis-compatible URL.
func LoadFromURL(ctx context.Context, redisURL string, ttl time.Duration) (registrypresence.TypingPresence, error) {
	opts, err := goredis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("redis presence: invalid URL: %w", err)
	}
	client := goredis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis presence: ping failed: %w", err)
	}
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &redisPresence{client: client, ttl: ttl}, nil
}

type redisPresence struct {
	client *goredis.Client
	ttl    time.Duration
}

func typingKey(threadID uuid.UUID, memberID string) string {
	return fmt.Sprintf("typing:%s:%s", threadID.String(), memberID)
}

func (p *redisPresence) Available() bool {
	return true
}

func (p *redisPresence) SetTyping(ctx context.Context, threadID uuid.UUID, memberID string) error {
	return p.client.Set(ctx, typingKey(threadID, memberID), "1", p.ttl).Err()
}

func (p *redisPresence) Typing(ctx context.Context, threadID uuid.UUID) ([]string, error) {
	prefix := fmt.Sprintf("typing:%s:", threadID.String())
	var members []string
	iter := p.client.Scan(ctx, 0, prefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		members = append(members, strings.TrimPrefix(iter.Val(), prefix))
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	return members, nil
}

var _ registrypresence.TypingPresence = (*redisPresence)(nil)
