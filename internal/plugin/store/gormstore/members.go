package gormstore

import (
	"context"
	"fmt"
	"time"

	"github.com/chatline/chat-service/internal/model"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// MarkRead clears the member's unread counter and records the read time.
// It is a whole-thread marker and idempotent: repeated calls re-set the same
// values and never error.
func (s *Store) MarkRead(ctx context.Context, threadID uuid.UUID, memberID string) error {
	now := time.Now().UTC()
	return s.updateMember(ctx, threadID, memberID, map[string]interface{}{
		"unread":       0,
		"last_read_at": now,
	})
}

// SetMuted toggles the member's mute flag. Other members' views are untouched.
func (s *Store) SetMuted(ctx context.Context, threadID uuid.UUID, memberID string, muted bool) error {
	return s.updateMember(ctx, threadID, memberID, map[string]interface{}{"muted": muted})
}

// SetArchived toggles the member's archive flag.
func (s *Store) SetArchived(ctx context.Context, threadID uuid.UUID, memberID string, archived bool) error {
	return s.updateMember(ctx, threadID, memberID, map[string]interface{}{"archived": archived})
}

// SoftDelete hides the thread from the member's listing. The shared record
// and every other member's view survive; re-opening the same peer resolves
// to this thread and clears the flag.
func (s *Store) SoftDelete(ctx context.Context, threadID uuid.UUID, memberID string) error {
	return s.updateMember(ctx, threadID, memberID, map[string]interface{}{"deleted": true})
}

func (s *Store) updateMember(ctx context.Context, threadID uuid.UUID, memberID string, updates map[string]interface{}) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if _, _, err := s.requireMember(tx, threadID, memberID); err != nil {
			return err
		}
		if err := tx.Model(&model.ThreadMember{}).
			Where("thread_id = ? AND user_id = ?", threadID, memberID).
			Updates(updates).Error; err != nil {
			return fmt.Errorf("failed to update membership: %w", err)
		}
		return nil
	})
}
