package metrics

import (
	"context"
	"time"

	"github.com/chatline/chat-service/internal/model"
	"github.com/chatline/chat-service/internal/registry/store"
	"github.com/chatline/chat-service/internal/security"
	"github.com/google/uuid"
)

// Wrap returns a ChatStore that records StoreLatency for every operation.
func Wrap(inner store.ChatStore) store.ChatStore {
	return &metricsStore{inner: inner}
}

type metricsStore struct {
	inner store.ChatStore
}

func observe(op string, start time.Time) {
	security.StoreLatency.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

func (m *metricsStore) OpenDirect(ctx context.Context, selfID, peerID string) (*store.ThreadSummary, bool, error) {
	defer observe("open_direct", time.Now())
	return m.inner.OpenDirect(ctx, selfID, peerID)
}

func (m *metricsStore) CreateGroup(ctx context.Context, selfID string, memberIDs []string) (*store.ThreadSummary, error) {
	defer observe("create_group", time.Now())
	return m.inner.CreateGroup(ctx, selfID, memberIDs)
}

func (m *metricsStore) GetThread(ctx context.Context, userID string, threadID uuid.UUID) (*store.ThreadSummary, error) {
	defer observe("get_thread", time.Now())
	return m.inner.GetThread(ctx, userID, threadID)
}

func (m *metricsStore) ListThreads(ctx context.Context, userID string, afterCursor *string, limit int) (*store.ThreadPage, error) {
	defer observe("list_threads", time.Now())
	return m.inner.ListThreads(ctx, userID, afterCursor, limit)
}

func (m *metricsStore) SendText(ctx context.Context, threadID uuid.UUID, senderID, text string, clientToken *string) (*model.Message, error) {
	defer observe("send_text", time.Now())
	return m.inner.SendText(ctx, threadID, senderID, text, clientToken)
}

func (m *metricsStore) RecordMedia(ctx context.Context, threadID uuid.UUID, senderID string, rec store.MediaRecord) (*model.Message, error) {
	defer observe("record_media", time.Now())
	return m.inner.RecordMedia(ctx, threadID, senderID, rec)
}

func (m *metricsStore) GetMessages(ctx context.Context, threadID uuid.UUID, requesterID string, afterCursor *string, limit int) (*store.MessagePage, error) {
	defer observe("get_messages", time.Now())
	return m.inner.GetMessages(ctx, threadID, requesterID, afterCursor, limit)
}

func (m *metricsStore) DeleteMessage(ctx context.Context, threadID, messageID uuid.UUID, requesterID string) error {
	defer observe("delete_message", time.Now())
	return m.inner.DeleteMessage(ctx, threadID, messageID, requesterID)
}

func (m *metricsStore) MarkRead(ctx context.Context, threadID uuid.UUID, memberID string) error {
	defer observe("mark_read", time.Now())
	return m.inner.MarkRead(ctx, threadID, memberID)
}

func (m *metricsStore) SetMuted(ctx context.Context, threadID uuid.UUID, memberID string, muted bool) error {
	defer observe("set_muted", time.Now())
	return m.inner.SetMuted(ctx, threadID, memberID, muted)
}

func (m *metricsStore) SetArchived(ctx context.Context, threadID uuid.UUID, memberID string, archived bool) error {
	defer observe("set_archived", time.Now())
	return m.inner.SetArchived(ctx, threadID, memberID, archived)
}

func (m *metricsStore) SoftDelete(ctx context.Context, threadID uuid.UUID, memberID string) error {
	defer observe("soft_delete", time.Now())
	return m.inner.SoftDelete(ctx, threadID, memberID)
}

func (m *metricsStore) SearchUsers(ctx context.Context, query string, limit int) ([]model.User, error) {
	defer observe("search_users", time.Now())
	return m.inner.SearchUsers(ctx, query, limit)
}

func (m *metricsStore) UpsertUser(ctx context.Context, user model.User) error {
	defer observe("upsert_user", time.Now())
	return m.inner.UpsertUser(ctx, user)
}
