package memory_test

import (
	"context"
	"testing"
	"time"

	"github.com/chatline/chat-service/internal/plugin/presence/memory"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTypingExpires(t *testing.T) {
	p := memory.New(8 * time.Second)
	now := time.Now()
	p.SetClock(func() time.Time { return now })
	ctx := context.Background()
	thread := uuid.New()

	require.NoError(t, p.SetTyping(ctx, thread, "alice"))
	require.NoError(t, p.SetTyping(ctx, thread, "bob"))

	typing, err := p.Typing(ctx, thread)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"alice", "bob"}, typing)

	// bob renews, alice goes quiet.
	now = now.Add(5 * time.Second)
	require.NoError(t, p.SetTyping(ctx, thread, "bob"))

	now = now.Add(4 * time.Second)
	typing, err = p.Typing(ctx, thread)
	require.NoError(t, err)
	assert.Equal(t, []string{"bob"}, typing)

	now = now.Add(10 * time.Second)
	typing, err = p.Typing(ctx, thread)
	require.NoError(t, err)
	assert.Empty(t, typing)
}

func TestThreadsIsolated(t *testing.T) {
	p := memory.New(8 * time.Second)
	ctx := context.Background()
	t1, t2 := uuid.New(), uuid.New()

	require.NoError(t, p.SetTyping(ctx, t1, "alice"))

	typing, err := p.Typing(ctx, t2)
	require.NoError(t, err)
	assert.Empty(t, typing)
}
