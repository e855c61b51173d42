package gormstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/chatline/chat-service/internal/model"
	registrystore "github.com/chatline/chat-service/internal/registry/store"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// SendText appends a text message and updates the thread summary and unread
// counters in one transaction, so the append and the bookkeeping succeed or
// roll back together. A duplicate client token returns the original message
// instead of appending twice.
func (s *Store) SendText(ctx context.Context, threadID uuid.UUID, senderID, text string, clientToken *string) (*model.Message, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, &registrystore.ValidationError{Field: "text", Message: "text cannot be empty"}
	}
	if max := s.cfg.TextMaxLength; max > 0 && utf8.RuneCountInString(text) > max {
		return nil, &registrystore.ValidationError{Field: "text", Message: fmt.Sprintf("text exceeds maximum length of %d", max)}
	}

	msg := model.Message{
		Kind: model.MessageKindText,
		Text: &text,
	}
	return s.append(ctx, threadID, senderID, msg, clientToken, text)
}

// RecordMedia performs the RECORDING and SUMMARY-UPDATE steps of the
// attachment pipeline: it must only be called after the object store write
// succeeded, and rec.MediaURL must reference that stored object.
func (s *Store) RecordMedia(ctx context.Context, threadID uuid.UUID, senderID string, rec registrystore.MediaRecord) (*model.Message, error) {
	if rec.Kind != model.MessageKindImage && rec.Kind != model.MessageKindAudio {
		return nil, &registrystore.ValidationError{Field: "kind", Message: "media messages must be image or audio"}
	}
	if rec.MediaURL == "" {
		return nil, &registrystore.ValidationError{Field: "mediaUrl", Message: "media URL cannot be empty"}
	}
	if max := s.cfg.TextMaxLength; max > 0 && rec.Caption != nil && utf8.RuneCountInString(*rec.Caption) > max {
		return nil, &registrystore.ValidationError{Field: "caption", Message: fmt.Sprintf("caption exceeds maximum length of %d", max)}
	}

	mediaURL := rec.MediaURL
	msg := model.Message{
		Kind:       rec.Kind,
		Text:       rec.Caption,
		MediaURL:   &mediaURL,
		DurationMs: rec.DurationMs,
	}
	return s.append(ctx, threadID, senderID, msg, rec.ClientToken, rec.Kind.PreviewText(""))
}

// append is the shared terminal step for text and media sends: one
// transaction creating the message row, bumping every other member's unread
// counter, and refreshing the denormalized summary.
func (s *Store) append(ctx context.Context, threadID uuid.UUID, senderID string, msg model.Message, clientToken *string, preview string) (*model.Message, error) {
	now := time.Now().UTC()
	msg.ID = uuid.New()
	msg.ThreadID = threadID
	msg.SenderID = senderID
	msg.ClientToken = clientToken
	msg.CreatedAt = now

	var existing *model.Message
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if _, _, err := s.requireMember(tx, threadID, senderID); err != nil {
			return err
		}

		if clientToken != nil {
			var prior model.Message
			err := tx.Where("thread_id = ? AND client_token = ?", threadID, *clientToken).First(&prior).Error
			if err == nil {
				existing = &prior
				return nil
			}
			if !errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("failed to check client token: %w", err)
			}
		}

		if err := tx.Create(&msg).Error; err != nil {
			return err
		}

		if err := tx.Model(&model.ThreadMember{}).
			Where("thread_id = ? AND user_id <> ?", threadID, senderID).
			Update("unread", gorm.Expr("unread + 1")).Error; err != nil {
			return fmt.Errorf("failed to update unread counters: %w", err)
		}
		if err := tx.Model(&model.ThreadMember{}).
			Where("thread_id = ? AND user_id = ?", threadID, senderID).
			Update("unread", 0).Error; err != nil {
			return fmt.Errorf("failed to reset sender unread: %w", err)
		}

		return tx.Model(&model.Thread{}).
			Where("id = ?", threadID).
			Updates(map[string]interface{}{
				"last_message":   preview,
				"last_sender_id": senderID,
				"updated_at":     now,
			}).Error
	})
	if err != nil {
		if isUniqueViolation(err) && clientToken != nil {
			// Concurrent retry with the same token; return the winner.
			var prior model.Message
			if ferr := s.db.WithContext(ctx).
				Where("thread_id = ? AND client_token = ?", threadID, *clientToken).
				First(&prior).Error; ferr == nil {
				return &prior, nil
			}
		}
		var nf *registrystore.NotFoundError
		var forbidden *registrystore.ForbiddenError
		if errors.As(err, &nf) || errors.As(err, &forbidden) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to append message: %w", err)
	}
	if existing != nil {
		return existing, nil
	}
	return &msg, nil
}

// GetMessages returns a page of the thread's history, newest first, strictly
// older than the cursor when one is supplied. The next cursor is the
// createdAt of the oldest item returned, or nil at end of history.
func (s *Store) GetMessages(ctx context.Context, threadID uuid.UUID, requesterID string, afterCursor *string, limit int) (*registrystore.MessagePage, error) {
	if limit <= 0 || limit > s.cfg.MessagePageLimit {
		limit = s.cfg.MessagePageLimit
	}
	if _, _, err := s.requireMember(s.db.WithContext(ctx), threadID, requesterID); err != nil {
		return nil, err
	}

	tx := s.db.WithContext(ctx).Where("thread_id = ?", threadID)
	if afterCursor != nil {
		bound, err := registrystore.DecodeCursor(*afterCursor)
		if err != nil {
			return nil, err
		}
		tx = tx.Where("created_at < ?", bound)
	}

	var rows []model.Message
	degraded := false
	// Fresh sessions keep the ordered query's clauses out of the fallback.
	if err := tx.Session(&gorm.Session{}).Order("created_at DESC").Limit(limit + 1).Find(&rows).Error; err != nil {
		if uerr := tx.Session(&gorm.Session{}).Limit(limit + 1).Find(&rows).Error; uerr != nil {
			return nil, fmt.Errorf("failed to load messages: %w", err)
		}
		degraded = true
	}

	hasMore := len(rows) > limit
	if hasMore {
		rows = rows[:limit]
	}

	// Tombstoned messages stay in the log but carry no content.
	for i := range rows {
		if rows[i].Deleted() {
			rows[i].Text = nil
			rows[i].MediaURL = nil
			rows[i].DurationMs = nil
		}
	}

	page := &registrystore.MessagePage{Data: rows, Degraded: degraded}
	if hasMore && !degraded && len(rows) > 0 {
		c := registrystore.EncodeCursor(rows[len(rows)-1].CreatedAt)
		page.NextCursor = &c
	}
	return page, nil
}

// DeleteMessage tombstones a message. Only the sender may do this; content is
// never physically removed.
func (s *Store) DeleteMessage(ctx context.Context, threadID, messageID uuid.UUID, requesterID string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if _, _, err := s.requireMember(tx, threadID, requesterID); err != nil {
			return err
		}
		var msg model.Message
		if err := tx.Where("id = ? AND thread_id = ?", messageID, threadID).First(&msg).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return &registrystore.NotFoundError{Resource: "message", ID: messageID.String()}
			}
			return fmt.Errorf("failed to load message: %w", err)
		}
		if msg.SenderID != requesterID {
			return &registrystore.ForbiddenError{}
		}
		if msg.Deleted() {
			return nil
		}
		now := time.Now().UTC()
		return tx.Model(&msg).Update("deleted_at", now).Error
	})
}
