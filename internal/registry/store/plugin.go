package store

import (
	"context"
	"fmt"
	"time"

	"github.com/chatline/chat-service/internal/model"
	"github.com/google/uuid"
)

// ThreadSummary is a thread as seen by one viewer: the shared record plus the
// viewer's own unread counter and visibility flags.
type ThreadSummary struct {
	ID           uuid.UUID        `json:"id"`
	Kind         model.ThreadKind `json:"kind"`
	Members      []string         `json:"members"`
	LastMessage  *string          `json:"lastMessage,omitempty"`
	LastSenderID *string          `json:"lastSenderId,omitempty"`
	Unread       int              `json:"unread"`
	Muted        bool             `json:"muted"`
	Archived     bool             `json:"archived"`
	CreatedAt    time.Time        `json:"createdAt"`
	UpdatedAt    time.Time        `json:"updatedAt"`
}

// Peer returns the other member of a direct thread, or "" for groups.
func (t *ThreadSummary) Peer(selfID string) string {
	if t.Kind != model.ThreadKindDirect {
		return ""
	}
	for _, m := range t.Members {
		if m != selfID {
			return m
		}
	}
	return ""
}

// ThreadPage is one page of a thread listing.
type ThreadPage struct {
	Data       []ThreadSummary `json:"data"`
	NextCursor *string         `json:"nextCursor"`
	Degraded   bool            `json:"degraded,omitempty"`
}

// MessagePage is one page of a message-history read. Degraded is set when the
// ordering index was unavailable and the page is complete but unordered.
type MessagePage struct {
	Data       []model.Message `json:"data"`
	NextCursor *string         `json:"nextCursor"`
	Degraded   bool            `json:"degraded,omitempty"`
}

// MediaRecord is the input for the RECORDING step of the attachment pipeline:
// the message row referencing an already-stored object.
type MediaRecord struct {
	Kind        model.MessageKind
	MediaURL    string
	Caption     *string
	DurationMs  *int64
	ClientToken *string
}

// ChatStore is the primary data access interface for threads, messages,
// read state, visibility flags, and the user directory.
type ChatStore interface {
	// Threads
	OpenDirect(ctx context.Context, selfID, peerID string) (*ThreadSummary, bool, error)
	CreateGroup(ctx context.Context, selfID string, memberIDs []string) (*ThreadSummary, error)
	GetThread(ctx context.Context, userID string, threadID uuid.UUID) (*ThreadSummary, error)
	ListThreads(ctx context.Context, userID string, afterCursor *string, limit int) (*ThreadPage, error)

	// Messages
	SendText(ctx context.Context, threadID uuid.UUID, senderID, text string, clientToken *string) (*model.Message, error)
	RecordMedia(ctx context.Context, threadID uuid.UUID, senderID string, rec MediaRecord) (*model.Message, error)
	GetMessages(ctx context.Context, threadID uuid.UUID, requesterID string, afterCursor *string, limit int) (*MessagePage, error)
	DeleteMessage(ctx context.Context, threadID, messageID uuid.UUID, requesterID string) error

	// Read state and visibility
	MarkRead(ctx context.Context, threadID uuid.UUID, memberID string) error
	SetMuted(ctx context.Context, threadID uuid.UUID, memberID string, muted bool) error
	SetArchived(ctx context.Context, threadID uuid.UUID, memberID string, archived bool) error
	SoftDelete(ctx context.Context, threadID uuid.UUID, memberID string) error

	// User directory
	SearchUsers(ctx context.Context, query string, limit int) ([]model.User, error)
	UpsertUser(ctx context.Context, user model.User) error
}

// EncodeCursor renders a pagination cursor from the boundary item's timestamp.
func EncodeCursor(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// DecodeCursor parses a cursor produced by EncodeCursor.
func DecodeCursor(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, &ValidationError{Field: "cursor", Message: "malformed cursor"}
	}
	return t, nil
}

// Loader creates a ChatStore from config.
type Loader func(ctx context.Context) (ChatStore, error)

// Plugin represents a store plugin.
type Plugin struct {
	Name   string
	Loader Loader
}

var plugins []Plugin

// Register adds a store plugin.
func Register(p Plugin) {
	plugins = append(plugins, p)
}

// Names returns all registered store plugin names.
func Names() []string {
	names := make([]string, len(plugins))
	for i, p := range plugins {
		names[i] = p.Name
	}
	return names
}

// Select returns the loader for the named store plugin.
func Select(name string) (Loader, error) {
	for _, p := range plugins {
		if p.Name == name {
			return p.Loader, nil
		}
	}
	return nil, fmt.Errorf("unknown store %q; valid: %v", name, Names())
}
