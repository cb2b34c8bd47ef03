package sqlite

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/Keyring-Network/keyring-deepsearch/internal/store"
)

type userRow struct {
	ID        string `gorm:"primaryKey"`
	IsAdmin   bool   `gorm:"not null"`
	CreatedAt time.Time
}

func (userRow) TableName() string { return "users" }

type chatRow struct {
	ID        string `gorm:"primaryKey"`
	UserID    string `gorm:"not null;index:idx_chats_user_updated,priority:1"`
	Title     string `gorm:"not null"`
	CreatedAt time.Time
	UpdatedAt time.Time `gorm:"index:idx_chats_user_updated,priority:2"`
}

func (chatRow) TableName() string { return "chats" }

type messageRow struct {
	ID        string `gorm:"primaryKey"`
	ChatID    string `gorm:"not null;uniqueIndex:idx_messages_chat_position,priority:1"`
	Role      string `gorm:"not null"`
	Content   string `gorm:"not null"`
	Position  int    `gorm:"not null;uniqueIndex:idx_messages_chat_position,priority:2"`
	Metadata  string `gorm:"type:text;not null"`
	CreatedAt time.Time
}

func (messageRow) TableName() string { return "messages" }

type requestRow struct {
	ID        string    `gorm:"primaryKey"`
	UserID    string    `gorm:"not null;index:idx_user_requests_user_created,priority:1"`
	CreatedAt time.Time `gorm:"index:idx_user_requests_user_created,priority:2"`
}

func (requestRow) TableName() string { return "user_requests" }

// SQLiteStore is the single-file backend. It migrates its own schema on open.
type SQLiteStore struct {
	db  *gorm.DB
	now func() time.Time
}

var openDialector = sqlite.Open

// New opens path (":memory:" for a throwaway database) and migrates it.
func New(path string) (*SQLiteStore, error) {
	db, err := gorm.Open(openDialector(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	// Every connection to ":memory:" is a separate database, and sqlite
	// serializes writers anyway.
	sqlDB.SetMaxOpenConns(1)
	if err := db.AutoMigrate(&userRow{}, &chatRow{}, &messageRow{}, &requestRow{}); err != nil {
		_ = sqlDB.Close()
		return nil, err
	}
	return &SQLiteStore{db: db, now: time.Now}, nil
}

func (s *SQLiteStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func (s *SQLiteStore) EnsureUser(ctx context.Context, userID string) error {
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&userRow{ID: userID, CreatedAt: s.now().UTC()}).Error
}

func (s *SQLiteStore) SetUserAdmin(ctx context.Context, userID string, isAdmin bool) error {
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			DoUpdates: clause.AssignmentColumns([]string{"is_admin"}),
		}).
		Create(&userRow{ID: userID, IsAdmin: isAdmin, CreatedAt: s.now().UTC()}).Error
}

func (s *SQLiteStore) IsUserAdmin(ctx context.Context, userID string) (bool, error) {
	var row userRow
	err := s.db.WithContext(ctx).Where("id = ?", userID).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return row.IsAdmin, nil
}

func (s *SQLiteStore) CountUserRequestsSince(ctx context.Context, userID string, since time.Time) (int, error) {
	var count int64
	err := s.db.WithContext(ctx).
		Model(&requestRow{}).
		Where("user_id = ? AND created_at >= ?", userID, since.UTC()).
		Count(&count).Error
	return int(count), err
}

func (s *SQLiteStore) CreateUserRequest(ctx context.Context, userID string, at time.Time) error {
	return s.db.WithContext(ctx).Create(&requestRow{
		ID:        uuid.New().String(),
		UserID:    userID,
		CreatedAt: at.UTC(),
	}).Error
}

func (s *SQLiteStore) UpsertChat(ctx context.Context, chat store.ChatUpsert) error {
	now := s.now().UTC()
	rows := make([]messageRow, 0, len(chat.Messages))
	for i, msg := range chat.Messages {
		metadata := msg.Metadata
		if metadata == nil {
			metadata = map[string]any{}
		}
		encoded, err := json.Marshal(metadata)
		if err != nil {
			return err
		}
		id := msg.ID
		if id == "" {
			id = uuid.New().String()
		}
		createdAt := msg.CreatedAt
		if createdAt.IsZero() {
			createdAt = now
		}
		rows = append(rows, messageRow{
			ID:        id,
			ChatID:    chat.ChatID,
			Role:      msg.Role,
			Content:   msg.Content,
			Position:  i,
			Metadata:  string(encoded),
			CreatedAt: createdAt.UTC(),
		})
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		created := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&chatRow{
			ID:        chat.ChatID,
			UserID:    chat.UserID,
			Title:     chat.Title,
			CreatedAt: now,
			UpdatedAt: now,
		})
		if created.Error != nil {
			return created.Error
		}
		if created.RowsAffected == 0 {
			var existing chatRow
			if err := tx.Where("id = ?", chat.ChatID).Take(&existing).Error; err != nil {
				return err
			}
			if existing.UserID != chat.UserID {
				return store.ErrChatOwnership
			}
			err := tx.Model(&chatRow{}).
				Where("id = ?", chat.ChatID).
				Updates(map[string]any{"title": chat.Title, "updated_at": now}).Error
			if err != nil {
				return err
			}
			if err := tx.Where("chat_id = ?", chat.ChatID).Delete(&messageRow{}).Error; err != nil {
				return err
			}
		}
		if len(rows) == 0 {
			return nil
		}
		return tx.Create(&rows).Error
	})
}

func (s *SQLiteStore) GetChat(ctx context.Context, chatID string, userID string) (*store.Chat, error) {
	var row chatRow
	err := s.db.WithContext(ctx).Where("id = ? AND user_id = ?", chatID, userID).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var rows []messageRow
	if err := s.db.WithContext(ctx).Where("chat_id = ?", chatID).Order("position ASC").Find(&rows).Error; err != nil {
		return nil, err
	}
	chat := toChat(row)
	chat.Messages = make([]store.Message, 0, len(rows))
	for _, msgRow := range rows {
		msg := store.Message{
			ID:        msgRow.ID,
			ChatID:    msgRow.ChatID,
			Role:      msgRow.Role,
			Content:   msgRow.Content,
			Position:  msgRow.Position,
			Metadata:  map[string]any{},
			CreatedAt: msgRow.CreatedAt.UTC(),
		}
		if msgRow.Metadata != "" {
			if err := json.Unmarshal([]byte(msgRow.Metadata), &msg.Metadata); err != nil {
				return nil, err
			}
		}
		chat.Messages = append(chat.Messages, msg)
	}
	return &chat, nil
}

func (s *SQLiteStore) ListChats(ctx context.Context, userID string) ([]store.Chat, error) {
	var rows []chatRow
	err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("updated_at DESC, id ASC").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	results := make([]store.Chat, 0, len(rows))
	for _, row := range rows {
		results = append(results, toChat(row))
	}
	return results, nil
}

func toChat(row chatRow) store.Chat {
	return store.Chat{
		ID:        row.ID,
		UserID:    row.UserID,
		Title:     row.Title,
		CreatedAt: row.CreatedAt.UTC(),
		UpdatedAt: row.UpdatedAt.UTC(),
	}
}
