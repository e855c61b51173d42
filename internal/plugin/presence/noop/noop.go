package noop

import (
	"context"

	"github.com/chatline/chat-service/internal/registry/presence"
	"github.com/google/uuid"
)

func init() {
	presence.Register(presence.Plugin{
		Name: "none",
		Loader: func(ctx context.Context) (presence.TypingPresence, error) {
			return &noopPresence{}, nil
		},
	})
}

type noopPresence struct{}

func (n *noopPresence) Available() bool { return false }
func (n *noopPresence) SetTyping(_ context.Context, _ uuid.UUID, _ string) error {
	return nil
}
func (n *noopPresence) Typing(_ context.Context, _ uuid.UUID) ([]string, error) {
	return nil, nil
}

var _ presence.TypingPresence = (*noopPresence)(nil)
