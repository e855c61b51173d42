package gormstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/chatline/chat-service/internal/model"
	registrystore "github.com/chatline/chat-service/internal/registry/store"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// OpenDirect finds or creates the direct thread for the (selfID, peerID)
// pair. The pair's canonical member hash carries a uniqueness constraint, so
// concurrent opens from both peers converge on one thread: the loser of the
// insert race re-resolves to the winner's row. Re-opening a thread the caller
// had soft-deleted clears the caller's tombstone.
func (s *Store) OpenDirect(ctx context.Context, selfID, peerID string) (*registrystore.ThreadSummary, bool, error) {
	peerID = strings.TrimSpace(peerID)
	if peerID == "" {
		return nil, false, &registrystore.ValidationError{Field: "peerId", Message: "peer ID cannot be empty"}
	}
	if peerID == selfID {
		return nil, false, &registrystore.ValidationError{Field: "peerId", Message: "cannot open a thread with yourself"}
	}

	hash := model.MemberHash(selfID, peerID)

	if summary, err := s.findDirectByHash(ctx, selfID, hash); err != nil {
		return nil, false, err
	} else if summary != nil {
		return summary, false, nil
	}

	now := time.Now().UTC()
	thread := model.Thread{
		ID:         uuid.New(),
		Kind:       model.ThreadKindDirect,
		MemberHash: &hash,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&thread).Error; err != nil {
			return err
		}
		members := []model.ThreadMember{
			{ThreadID: thread.ID, UserID: selfID, CreatedAt: now},
			{ThreadID: thread.ID, UserID: peerID, CreatedAt: now},
		}
		return tx.Create(&members).Error
	})
	if err != nil {
		if isUniqueViolation(err) {
			// Lost the create race; the peer's open got there first.
			summary, ferr := s.findDirectByHash(ctx, selfID, hash)
			if ferr != nil {
				return nil, false, ferr
			}
			if summary != nil {
				return summary, false, nil
			}
		}
		return nil, false, fmt.Errorf("failed to create thread: %w", err)
	}

	return &registrystore.ThreadSummary{
		ID:        thread.ID,
		Kind:      model.ThreadKindDirect,
		Members:   []string{selfID, peerID},
		CreatedAt: now,
		UpdatedAt: now,
	}, true, nil
}

// findDirectByHash resolves an existing direct thread by its member hash,
// clearing the caller's tombstone if set. Returns nil when no thread exists.
func (s *Store) findDirectByHash(ctx context.Context, selfID, hash string) (*registrystore.ThreadSummary, error) {
	var thread model.Thread
	err := s.db.WithContext(ctx).Where("member_hash = ?", hash).First(&thread).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up thread: %w", err)
	}
	if err := s.db.WithContext(ctx).Model(&model.ThreadMember{}).
		Where("thread_id = ? AND user_id = ? AND deleted = ?", thread.ID, selfID, true).
		Update("deleted", false).Error; err != nil {
		return nil, fmt.Errorf("failed to restore thread visibility: %w", err)
	}
	return s.summarize(ctx, &thread, selfID)
}

// CreateGroup creates a group thread with the given members plus the caller.
// Groups have their own identity; the pairwise dedup hash does not apply.
func (s *Store) CreateGroup(ctx context.Context, selfID string, memberIDs []string) (*registrystore.ThreadSummary, error) {
	seen := map[string]bool{selfID: true}
	members := []string{selfID}
	for _, id := range memberIDs {
		id = strings.TrimSpace(id)
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		members = append(members, id)
	}
	if len(members) < 2 {
		return nil, &registrystore.ValidationError{Field: "memberIds", Message: "a group needs at least one other member"}
	}
	if max := s.cfg.GroupMembersLimit; max > 0 && len(members) > max {
		return nil, &registrystore.ValidationError{Field: "memberIds", Message: fmt.Sprintf("a group may have at most %d members", max)}
	}

	now := time.Now().UTC()
	thread := model.Thread{
		ID:        uuid.New(),
		Kind:      model.ThreadKindGroup,
		CreatedAt: now,
		UpdatedAt: now,
	}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&thread).Error; err != nil {
			return err
		}
		rows := make([]model.ThreadMember, len(members))
		for i, id := range members {
			rows[i] = model.ThreadMember{ThreadID: thread.ID, UserID: id, CreatedAt: now}
		}
		return tx.Create(&rows).Error
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create group thread: %w", err)
	}

	return &registrystore.ThreadSummary{
		ID:        thread.ID,
		Kind:      model.ThreadKindGroup,
		Members:   members,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

// GetThread returns the thread as seen by userID.
func (s *Store) GetThread(ctx context.Context, userID string, threadID uuid.UUID) (*registrystore.ThreadSummary, error) {
	thread, member, err := s.requireMember(s.db.WithContext(ctx), threadID, userID)
	if err != nil {
		return nil, err
	}
	memberIDs, err := s.memberIDs(ctx, threadID)
	if err != nil {
		return nil, err
	}
	return summaryFor(thread, member, memberIDs), nil
}

// ListThreads returns threads where userID is a member and has not
// soft-deleted the thread, newest activity first. The cursor is the
// updatedAt of the previous page's last item, used as an exclusive bound.
func (s *Store) ListThreads(ctx context.Context, userID string, afterCursor *string, limit int) (*registrystore.ThreadPage, error) {
	if limit <= 0 || limit > s.cfg.ThreadPageLimit {
		limit = s.cfg.ThreadPageLimit
	}

	tx := s.db.WithContext(ctx).
		Table("threads t").
		Select("t.id, t.kind, t.last_message, t.last_sender_id, t.created_at, t.updated_at, tm.unread, tm.muted, tm.archived").
		Joins("JOIN thread_members tm ON tm.thread_id = t.id AND tm.user_id = ? AND tm.deleted = ?", userID, false)

	if afterCursor != nil {
		bound, err := registrystore.DecodeCursor(*afterCursor)
		if err != nil {
			return nil, err
		}
		tx = tx.Where("t.updated_at < ?", bound)
	}

	type row struct {
		ID           uuid.UUID        `gorm:"column:id"`
		Kind         model.ThreadKind `gorm:"column:kind"`
		LastMessage  *string          `gorm:"column:last_message"`
		LastSenderID *string          `gorm:"column:last_sender_id"`
		CreatedAt    time.Time        `gorm:"column:created_at"`
		UpdatedAt    time.Time        `gorm:"column:updated_at"`
		Unread       int              `gorm:"column:unread"`
		Muted        bool             `gorm:"column:muted"`
		Archived     bool             `gorm:"column:archived"`
	}
	var rows []row
	degraded := false
	// Each attempt branches off a fresh session so the ordered query's
	// clauses do not leak into the unordered fallback.
	if err := tx.Session(&gorm.Session{}).Order("t.updated_at DESC").Limit(limit + 1).Scan(&rows).Error; err != nil {
		// Ordering index unavailable: serve an unordered-but-complete result
		// rather than failing the read.
		if uerr := tx.Session(&gorm.Session{}).Limit(limit + 1).Scan(&rows).Error; uerr != nil {
			return nil, fmt.Errorf("failed to list threads: %w", err)
		}
		degraded = true
	}

	hasMore := len(rows) > limit
	if hasMore {
		rows = rows[:limit]
	}

	ids := make([]uuid.UUID, len(rows))
	for i, r := range rows {
		ids[i] = r.ID
	}
	membersByThread, err := s.memberIDsBulk(ctx, ids)
	if err != nil {
		return nil, err
	}

	summaries := make([]registrystore.ThreadSummary, len(rows))
	for i, r := range rows {
		summaries[i] = registrystore.ThreadSummary{
			ID:           r.ID,
			Kind:         r.Kind,
			Members:      membersByThread[r.ID],
			LastMessage:  r.LastMessage,
			LastSenderID: r.LastSenderID,
			Unread:       r.Unread,
			Muted:        r.Muted,
			Archived:     r.Archived,
			CreatedAt:    r.CreatedAt,
			UpdatedAt:    r.UpdatedAt,
		}
	}

	page := &registrystore.ThreadPage{Data: summaries, Degraded: degraded}
	if hasMore && !degraded && len(summaries) > 0 {
		c := registrystore.EncodeCursor(summaries[len(summaries)-1].UpdatedAt)
		page.NextCursor = &c
	}
	return page, nil
}

func (s *Store) memberIDs(ctx context.Context, threadID uuid.UUID) ([]string, error) {
	var ids []string
	if err := s.db.WithContext(ctx).Model(&model.ThreadMember{}).
		Where("thread_id = ?", threadID).
		Order("user_id").
		Pluck("user_id", &ids).Error; err != nil {
		return nil, fmt.Errorf("failed to load members: %w", err)
	}
	return ids, nil
}

func (s *Store) memberIDsBulk(ctx context.Context, threadIDs []uuid.UUID) (map[uuid.UUID][]string, error) {
	result := make(map[uuid.UUID][]string, len(threadIDs))
	if len(threadIDs) == 0 {
		return result, nil
	}
	var rows []model.ThreadMember
	if err := s.db.WithContext(ctx).
		Where("thread_id IN ?", threadIDs).
		Order("user_id").
		Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to load members: %w", err)
	}
	for _, r := range rows {
		result[r.ThreadID] = append(result[r.ThreadID], r.UserID)
	}
	return result, nil
}

func (s *Store) summarize(ctx context.Context, thread *model.Thread, userID string) (*registrystore.ThreadSummary, error) {
	var member model.ThreadMember
	if err := s.db.WithContext(ctx).
		Where("thread_id = ? AND user_id = ?", thread.ID, userID).
		First(&member).Error; err != nil {
		return nil, fmt.Errorf("failed to load membership: %w", err)
	}
	memberIDs, err := s.memberIDs(ctx, thread.ID)
	if err != nil {
		return nil, err
	}
	return summaryFor(thread, &member, memberIDs), nil
}

func summaryFor(thread *model.Thread, member *model.ThreadMember, memberIDs []string) *registrystore.ThreadSummary {
	return &registrystore.ThreadSummary{
		ID:           thread.ID,
		Kind:         thread.Kind,
		Members:      memberIDs,
		LastMessage:  thread.LastMessage,
		LastSenderID: thread.LastSenderID,
		Unread:       member.Unread,
		Muted:        member.Muted,
		Archived:     member.Archived,
		CreatedAt:    thread.CreatedAt,
		UpdatedAt:    thread.UpdatedAt,
	}
}
