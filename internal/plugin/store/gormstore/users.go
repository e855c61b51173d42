package gormstore

import (
	"context"
	"fmt"
	"strings"

	"github.com/chatline/chat-service/internal/model"
	"gorm.io/gorm/clause"
)

// SearchUsers matches the normalized query as a handle prefix, falling back
// to an exact match on normalized email when no handle matches.
func (s *Store) SearchUsers(ctx context.Context, query string, limit int) ([]model.User, error) {
	query = normalize(query)
	if query == "" {
		return []model.User{}, nil
	}
	if limit <= 0 || limit > s.cfg.UserSearchLimit {
		limit = s.cfg.UserSearchLimit
	}

	var users []model.User
	if err := s.db.WithContext(ctx).
		Where("handle LIKE ? ESCAPE '\\'", escapeLike(query)+"%").
		Order("handle").
		Limit(limit).
		Find(&users).Error; err != nil {
		return nil, fmt.Errorf("failed to search users: %w", err)
	}
	if len(users) > 0 {
		return users, nil
	}

	if err := s.db.WithContext(ctx).
		Where("email = ?", query).
		Limit(limit).
		Find(&users).Error; err != nil {
		return nil, fmt.Errorf("failed to search users by email: %w", err)
	}
	return users, nil
}

// UpsertUser creates or refreshes a user directory row. Handle and email are
// normalized before storage so search is a plain index match.
func (s *Store) UpsertUser(ctx context.Context, user model.User) error {
	user.Handle = normalize(user.Handle)
	user.Email = normalize(user.Email)
	if user.ID == "" || user.Handle == "" {
		return fmt.Errorf("user id and handle are required")
	}
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			DoUpdates: clause.AssignmentColumns([]string{"handle", "email", "display_name", "avatar_url"}),
		}).
		Create(&user).Error
}

func normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}
