package client

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// SendState is the reconciliation state of a locally originated message.
type SendState int

const (
	// StatePending marks a provisional entry awaiting server confirmation.
	StatePending SendState = iota
	// StateConfirmed marks an entry replaced in place by the server record.
	StateConfirmed
	// StateFailed marks a send whose network call failed. Failed entries
	// leave the visible list but stay resendable under their token.
	StateFailed
)

// Entry is one message in the local ordered view, newest first.
type Entry struct {
	Message
	State SendState
	// Token is the idempotency token for locally originated entries;
	// empty for entries loaded from history.
	Token string
}

// messageAPI is the slice of Client that ThreadView needs. Narrow so tests
// can script failures.
type messageAPI interface {
	SendText(ctx context.Context, threadID uuid.UUID, text string, clientToken *string) (*Message, error)
	Messages(ctx context.Context, threadID uuid.UUID, cursor *string, limit int) (*MessagePage, error)
}

// ThreadView is the optimistic per-thread message controller. Sends insert a
// provisional entry at the head immediately and reconcile it when the server
// responds; history pages append at the tail using an oldest-seen cursor that
// head insertions never move.
//
// The view assumes one active composer: callers serialize Send themselves
// (e.g. by disabling the composer while a send is in flight). All methods are
// safe for concurrent use.
type ThreadView struct {
	api      messageAPI
	threadID uuid.UUID

	mu        sync.Mutex
	entries   []Entry           // newest first
	failed    map[string]string // token -> text, for Resend
	oldest    *string           // cursor of the oldest loaded page
	exhausted bool
}

// NewThreadView creates an empty view over the given thread.
func NewThreadView(api messageAPI, threadID uuid.UUID) *ThreadView {
	return &ThreadView{
		api:      api,
		threadID: threadID,
		failed:   map[string]string{},
	}
}

// Send inserts a provisional entry at the head and sends the text. On
// success the entry is confirmed in place, matched by its token. On failure
// the entry is removed, remembered for Resend, and the error returned with
// the token so the caller can offer a retry.
func (v *ThreadView) Send(ctx context.Context, text string) (token string, err error) {
	token = uuid.NewString()
	return token, v.send(ctx, token, text)
}

// Resend retries a failed send under its original token. The server dedups
// on the token, so a send that actually landed cannot produce a duplicate.
func (v *ThreadView) Resend(ctx context.Context, token string) error {
	v.mu.Lock()
	text, ok := v.failed[token]
	v.mu.Unlock()
	if !ok {
		return fmt.Errorf("no failed send with token %q", token)
	}
	return v.send(ctx, token, text)
}

func (v *ThreadView) send(ctx context.Context, token, text string) error {
	provisional := Entry{
		Message: Message{
			ThreadID: v.threadID,
			Kind:     "text",
			Text:     &text,
		},
		State: StatePending,
		Token: token,
	}

	v.mu.Lock()
	delete(v.failed, token)
	v.entries = append([]Entry{provisional}, v.entries...)
	v.mu.Unlock()

	msg, err := v.api.SendText(ctx, v.threadID, text, &token)

	v.mu.Lock()
	defer v.mu.Unlock()
	idx := v.indexOfToken(token)

	if err != nil {
		// Roll back: drop the provisional entry, keep it resendable.
		if idx >= 0 {
			v.entries = append(v.entries[:idx], v.entries[idx+1:]...)
		}
		v.failed[token] = text
		return err
	}

	if idx >= 0 {
		v.entries[idx] = Entry{Message: *msg, State: StateConfirmed, Token: token}
	}
	return nil
}

// LoadOlder fetches the next-older history page and appends it at the tail.
// New head insertions between calls do not move the cursor, so a static set
// is walked with no gaps and no duplicates. Returns the number of messages
// fetched; zero once history is exhausted.
func (v *ThreadView) LoadOlder(ctx context.Context, limit int) (int, error) {
	v.mu.Lock()
	if v.exhausted {
		v.mu.Unlock()
		return 0, nil
	}
	cursor := v.oldest
	v.mu.Unlock()

	page, err := v.api.Messages(ctx, v.threadID, cursor, limit)
	if err != nil {
		return 0, err
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	for _, msg := range page.Data {
		// In-flight sends confirmed since the request started may already
		// appear under their token; skip those.
		if msg.ClientToken != nil && v.indexOfToken(*msg.ClientToken) >= 0 {
			continue
		}
		v.entries = append(v.entries, Entry{Message: msg, State: StateConfirmed})
	}
	v.oldest = page.NextCursor
	if page.NextCursor == nil {
		v.exhausted = true
	}
	return len(page.Data), nil
}

// Entries returns a snapshot of the visible list, newest first.
func (v *ThreadView) Entries() []Entry {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make([]Entry, len(v.entries))
	copy(out, v.entries)
	return out
}

// FailedTokens returns the tokens of sends awaiting an explicit Resend.
func (v *ThreadView) FailedTokens() []string {
	v.mu.Lock()
	defer v.mu.Unlock()
	tokens := make([]string, 0, len(v.failed))
	for token := range v.failed {
		tokens = append(tokens, token)
	}
	return tokens
}

// indexOfToken finds a local entry by token. Caller holds v.mu.
func (v *ThreadView) indexOfToken(token string) int {
	for i, e := range v.entries {
		if e.Token == token {
			return i
		}
		if e.ClientToken != nil && *e.ClientToken == token {
			return i
		}
	}
	return -1
}
