// Package gormstore implements the chat store on a relational database via
// GORM. Two plugins share the implementation: "postgres" for production and
// "sqlite" for development and tests.
package gormstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/charmbracelet/log"
	"github.com/chatline/chat-service/internal/config"
	"github.com/chatline/chat-service/internal/model"
	registrymigrate "github.com/chatline/chat-service/internal/registry/migrate"
	registrystore "github.com/chatline/chat-service/internal/registry/store"
	"github.com/chatline/chat-service/internal/security"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	sqlite3 "github.com/mattn/go-sqlite3"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func init() {
	registrystore.Register(registrystore.Plugin{
		Name: "postgres",
		Loader: func(ctx context.Context) (registrystore.ChatStore, error) {
			return load(ctx, func(cfg *config.Config) gorm.Dialector {
				return postgres.Open(cfg.DBURL)
			})
		},
	})
	registrystore.Register(registrystore.Plugin{
		Name: "sqlite",
		Loader: func(ctx context.Context) (registrystore.ChatStore, error) {
			return load(ctx, func(cfg *config.Config) gorm.Dialector {
				return sqlite.Open(cfg.DBURL)
			})
		},
	})

	registrymigrate.Register(registrymigrate.Plugin{Order: 100, Migrator: &schemaMigrator{}})
}

func load(ctx context.Context, dialector func(*config.Config) gorm.Dialector) (registrystore.ChatStore, error) {
	cfg := config.FromContext(ctx)
	if cfg == nil || cfg.DBURL == "" {
		return nil, fmt.Errorf("gormstore: database URL is required")
	}
	db, err := gorm.Open(dialector(cfg), &gorm.Config{TranslateError: true})
	if err != nil {
		return nil, fmt.Errorf("gormstore: failed to connect: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("gormstore: failed to get underlying db: %w", err)
	}
	sqlDB.SetMaxOpenConns(cfg.DBMaxOpenConns)
	sqlDB.SetMaxIdleConns(cfg.DBMaxIdleConns)
	if security.DBPoolMaxConnections != nil {
		security.DBPoolMaxConnections.Set(float64(cfg.DBMaxOpenConns))
	}

	// Periodically update the open connections gauge.
	go func() {
		ticker := time.NewTicker(15 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if security.DBPoolOpenConnections != nil {
					security.DBPoolOpenConnections.Set(float64(sqlDB.Stats().OpenConnections))
				}
			}
		}
	}()

	return &Store{db: db, cfg: cfg}, nil
}

type schemaMigrator struct{}

func (m *schemaMigrator) Name() string { return "chat-schema" }

func (m *schemaMigrator) Migrate(ctx context.Context) error {
	cfg := config.FromContext(ctx)
	if cfg == nil || !cfg.DatastoreMigrateAtStart {
		return nil
	}
	var dialector gorm.Dialector
	switch cfg.DatastoreType {
	case "postgres":
		dialector = postgres.Open(cfg.DBURL)
	case "sqlite":
		dialector = sqlite.Open(cfg.DBURL)
	default:
		return nil
	}
	log.Info("Running migration", "name", m.Name())
	db, err := gorm.Open(dialector, &gorm.Config{})
	if err != nil {
		return fmt.Errorf("migration: failed to connect: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	if err := db.WithContext(ctx).AutoMigrate(
		&model.Thread{},
		&model.ThreadMember{},
		&model.Message{},
		&model.User{},
	); err != nil {
		return fmt.Errorf("migration: failed to migrate schema: %w", err)
	}
	log.Info("Schema migration complete")
	return nil
}

// Store implements registrystore.ChatStore using GORM.
type Store struct {
	db  *gorm.DB
	cfg *config.Config
}

// NewWithDB wraps an existing gorm DB. Used by tests.
func NewWithDB(db *gorm.DB, cfg *config.Config) *Store {
	return &Store{db: db, cfg: cfg}
}

// isUniqueViolation reports whether err is a uniqueness-constraint failure,
// across the drivers this store supports.
func isUniqueViolation(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return true
	}
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) && sqliteErr.Code == sqlite3.ErrConstraint {
		return true
	}
	return false
}

// requireMember loads the thread and the caller's membership row.
// Unknown thread yields NotFoundError; non-member yields ForbiddenError.
func (s *Store) requireMember(tx *gorm.DB, threadID uuid.UUID, userID string) (*model.Thread, *model.ThreadMember, error) {
	var thread model.Thread
	if err := tx.Where("id = ?", threadID).First(&thread).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil, &registrystore.NotFoundError{Resource: "thread", ID: threadID.String()}
		}
		return nil, nil, fmt.Errorf("failed to load thread: %w", err)
	}
	var member model.ThreadMember
	if err := tx.Where("thread_id = ? AND user_id = ?", threadID, userID).First(&member).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil, &registrystore.ForbiddenError{}
		}
		return nil, nil, fmt.Errorf("failed to load membership: %w", err)
	}
	return &thread, &member, nil
}
