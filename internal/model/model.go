package model

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"time"

	"github.com/google/uuid"
)

// ThreadKind distinguishes direct pair threads from group threads.
type ThreadKind string

const (
	ThreadKindDirect ThreadKind = "direct"
	ThreadKindGroup  ThreadKind = "group"
)

// MessageKind is the type of a message payload.
type MessageKind string

const (
	MessageKindText  MessageKind = "text"
	MessageKindImage MessageKind = "image"
	MessageKindAudio MessageKind = "audio"
)

// PreviewText returns the thread-summary preview for a message kind.
// Text messages preview their own content; media messages use a fixed label.
func (k MessageKind) PreviewText(text string) string {
	switch k {
	case MessageKindImage:
		return "Photo"
	case MessageKindAudio:
		return "Voice note"
	default:
		return text
	}
}

// MemberHash is the canonical order-independent key for a direct member pair.
// It uniquely identifies one thread per unordered pair and backs the dedup
// uniqueness constraint. Not meaningful for group threads.
func MemberHash(a, b string) string {
	pair := []string{a, b}
	sort.Strings(pair)
	sum := sha256.Sum256([]byte(pair[0] + "\x00" + pair[1]))
	return hex.EncodeToString(sum[:])
}

// Thread is a conversation record with a fixed member set and a denormalized
// summary. Per-member state (unread, visibility flags) lives on ThreadMember.
type Thread struct {
	ID           uuid.UUID  `json:"id"                     gorm:"primaryKey;type:uuid"`
	Kind         ThreadKind `json:"kind"                   gorm:"not null"`
	MemberHash   *string    `json:"-"                      gorm:"uniqueIndex"`
	LastMessage  *string    `json:"lastMessage,omitempty"`
	LastSenderID *string    `json:"lastSenderId,omitempty"`
	CreatedAt    time.Time  `json:"createdAt"              gorm:"not null"`
	UpdatedAt    time.Time  `json:"updatedAt"              gorm:"not null;index"`
}

func (Thread) TableName() string { return "threads" }

// ThreadMember is one user's membership in a thread, carrying the unread
// counter and the visibility flags that are scoped to this member only.
type ThreadMember struct {
	ThreadID   uuid.UUID  `json:"-"                    gorm:"primaryKey;type:uuid"`
	UserID     string     `json:"userId"               gorm:"primaryKey;index"`
	Unread     int        `json:"unread"               gorm:"not null;default:0"`
	LastReadAt *time.Time `json:"lastReadAt,omitempty"`
	Muted      bool       `json:"muted"                gorm:"not null;default:false"`
	Archived   bool       `json:"archived"             gorm:"not null;default:false"`
	Deleted    bool       `json:"-"                    gorm:"not null;default:false"`
	CreatedAt  time.Time  `json:"createdAt"            gorm:"not null"`
}

func (ThreadMember) TableName() string { return "thread_members" }

// Message is one entry in a thread's append-only log. Content is immutable
// after creation; only DeletedAt may change, and only by the sender.
type Message struct {
	ID          uuid.UUID   `json:"id"                   gorm:"primaryKey;type:uuid"`
	ThreadID    uuid.UUID   `json:"threadId"             gorm:"not null;type:uuid;index:idx_messages_thread_created;uniqueIndex:idx_messages_thread_token"`
	SenderID    string      `json:"senderId"             gorm:"not null"`
	Kind        MessageKind `json:"kind"                 gorm:"not null"`
	Text        *string     `json:"text,omitempty"`
	MediaURL    *string     `json:"mediaUrl,omitempty"`
	DurationMs  *int64      `json:"durationMs,omitempty"`
	ClientToken *string     `json:"clientToken,omitempty" gorm:"uniqueIndex:idx_messages_thread_token"`
	CreatedAt   time.Time   `json:"createdAt"            gorm:"not null;index:idx_messages_thread_created"`
	DeletedAt   *time.Time  `json:"deletedAt,omitempty"`
}

func (Message) TableName() string { return "messages" }

// Deleted reports whether the sender has tombstoned this message.
func (m *Message) Deleted() bool { return m.DeletedAt != nil }

// User is a row in the searchable user directory. Handle and email are stored
// normalized (lowercased, trimmed) so lookups are a plain index match.
type User struct {
	ID          string    `json:"id"                   gorm:"primaryKey"`
	Handle      string    `json:"handle"               gorm:"uniqueIndex;not null"`
	Email       string    `json:"email"                gorm:"index;not null"`
	DisplayName string    `json:"displayName"`
	AvatarURL   *string   `json:"avatarUrl,omitempty"`
	CreatedAt   time.Time `json:"createdAt"            gorm:"not null"`
}

func (User) TableName() string { return "users" }
