package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scriptedAPI is a messageAPI test double. Sends succeed unless failNext is
// set; confirmed messages accumulate into history, newest first.
type scriptedAPI struct {
	mu       sync.Mutex
	threadID uuid.UUID
	history  []Message // newest first
	byToken  map[string]*Message
	failNext error
	block    chan struct{} // when set, SendText waits on it
	sends    int
}

func newScriptedAPI(threadID uuid.UUID) *scriptedAPI {
	return &scriptedAPI{threadID: threadID, byToken: map[string]*Message{}}
}

func (a *scriptedAPI) SendText(_ context.Context, threadID uuid.UUID, text string, clientToken *string) (*Message, error) {
	if a.block != nil {
		<-a.block
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.sends++
	if err := a.failNext; err != nil {
		a.failNext = nil
		return nil, err
	}
	if clientToken != nil {
		if prior, ok := a.byToken[*clientToken]; ok {
			return prior, nil
		}
	}
	msg := Message{
		ID:          uuid.New(),
		ThreadID:    threadID,
		SenderID:    "alice",
		Kind:        "text",
		Text:        &text,
		ClientToken: clientToken,
		CreatedAt:   time.Now(),
	}
	a.history = append([]Message{msg}, a.history...)
	if clientToken != nil {
		a.byToken[*clientToken] = &msg
	}
	return &msg, nil
}

func (a *scriptedAPI) Messages(_ context.Context, _ uuid.UUID, cursor *string, limit int) (*MessagePage, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	start := 0
	if cursor != nil {
		for i, m := range a.history {
			if m.CreatedAt.Format(time.RFC3339Nano) == *cursor {
				start = i + 1
				break
			}
		}
	}
	end := start + limit
	if end > len(a.history) {
		end = len(a.history)
	}
	page := &MessagePage{Data: a.history[start:end]}
	if end < len(a.history) {
		c := a.history[end-1].CreatedAt.Format(time.RFC3339Nano)
		page.NextCursor = &c
	}
	return page, nil
}

// seed loads n confirmed messages into history, oldest text "msg 1".
func (a *scriptedAPI) seed(n int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	base := time.Now().Add(-time.Hour)
	for i := 1; i <= n; i++ {
		text := fmt.Sprintf("msg %d", i)
		a.history = append([]Message{{
			ID:        uuid.New(),
			ThreadID:  a.threadID,
			SenderID:  "bob",
			Kind:      "text",
			Text:      &text,
			CreatedAt: base.Add(time.Duration(i) * time.Second),
		}}, a.history...)
	}
}

func TestThreadView_OptimisticSend(t *testing.T) {
	threadID := uuid.New()
	api := newScriptedAPI(threadID)
	api.block = make(chan struct{})
	view := NewThreadView(api, threadID)

	done := make(chan error, 1)
	go func() {
		_, err := view.Send(context.Background(), "hello")
		done <- err
	}()

	// The provisional entry is visible at the head before the server responds.
	require.Eventually(t, func() bool {
		entries := view.Entries()
		return len(entries) == 1 && entries[0].State == StatePending
	}, time.Second, 5*time.Millisecond)

	close(api.block)
	require.NoError(t, <-done)

	entries := view.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, StateConfirmed, entries[0].State)
	assert.NotEqual(t, uuid.Nil, entries[0].ID)
	assert.Equal(t, "hello", *entries[0].Text)
}

func TestThreadView_FailedSendRollsBackAndResends(t *testing.T) {
	threadID := uuid.New()
	api := newScriptedAPI(threadID)
	view := NewThreadView(api, threadID)

	api.failNext = errors.New("network down")
	token, err := view.Send(context.Background(), "flaky")
	require.Error(t, err)

	// Rolled back: not visible, but resendable.
	assert.Empty(t, view.Entries())
	require.Equal(t, []string{token}, view.FailedTokens())

	require.NoError(t, view.Resend(context.Background(), token))
	entries := view.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, StateConfirmed, entries[0].State)
	assert.Empty(t, view.FailedTokens())

	// Both attempts carried the same token.
	api.mu.Lock()
	defer api.mu.Unlock()
	assert.Equal(t, 2, api.sends)
	assert.Len(t, api.byToken, 1)
}

func TestThreadView_ResendUnknownToken(t *testing.T) {
	view := NewThreadView(newScriptedAPI(uuid.New()), uuid.New())
	require.Error(t, view.Resend(context.Background(), "never-sent"))
}

func TestThreadView_LoadOlderWalksHistoryOnce(t *testing.T) {
	threadID := uuid.New()
	api := newScriptedAPI(threadID)
	api.seed(5)
	view := NewThreadView(api, threadID)

	n, err := view.LoadOlder(context.Background(), 2)
	require.NoError(t, err)
	require.Equal(t, 2, n)

	// A head insertion between pages must not shift the cursor.
	_, err = view.Send(context.Background(), "interleaved")
	require.NoError(t, err)

	n, err = view.LoadOlder(context.Background(), 2)
	require.NoError(t, err)
	require.Equal(t, 2, n)
	n, err = view.LoadOlder(context.Background(), 2)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	// Exhausted: further loads are no-ops.
	n, err = view.LoadOlder(context.Background(), 2)
	require.NoError(t, err)
	require.Equal(t, 0, n)

	entries := view.Entries()
	require.Len(t, entries, 6)
	assert.Equal(t, "interleaved", *entries[0].Text)
	seen := map[string]int{}
	for _, e := range entries[1:] {
		seen[*e.Text]++
	}
	for i := 1; i <= 5; i++ {
		assert.Equal(t, 1, seen[fmt.Sprintf("msg %d", i)], "msg %d appears exactly once", i)
	}
	// Oldest at the tail.
	assert.Equal(t, "msg 1", *entries[5].Text)
}

func TestThreadView_LoadOlderSkipsOwnConfirmedSends(t *testing.T) {
	threadID := uuid.New()
	api := newScriptedAPI(threadID)
	view := NewThreadView(api, threadID)

	_, err := view.Send(context.Background(), "mine")
	require.NoError(t, err)

	// The send is now in server history too; loading must not duplicate it.
	n, err := view.LoadOlder(context.Background(), 10)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Len(t, view.Entries(), 1)
}

func TestThreadList_Mirror(t *testing.T) {
	list := NewThreadList()
	now := time.Now()

	a := Thread{ID: uuid.New(), Kind: "direct", Unread: 2, UpdatedAt: now.Add(-time.Minute)}
	b := Thread{ID: uuid.New(), Kind: "direct", Unread: 1, Muted: true, UpdatedAt: now}
	list.MergePage(&ThreadPage{Data: []Thread{a, b}})

	threads := list.Threads()
	require.Len(t, threads, 2)
	assert.Equal(t, b.ID, threads[0].ID, "latest activity first")
	assert.Equal(t, 2, list.TotalUnread(), "muted threads do not count")

	// New activity reorders; stale updates are ignored.
	bumped := a
	bumped.Unread = 3
	bumped.UpdatedAt = now.Add(time.Minute)
	list.Upsert(bumped)
	stale := a
	stale.Unread = 0
	list.Upsert(stale)

	threads = list.Threads()
	assert.Equal(t, a.ID, threads[0].ID)
	assert.Equal(t, 3, threads[0].Unread)

	list.Remove(a.ID)
	require.Len(t, list.Threads(), 1)
}
