package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/Keyring-Network/keyring-deepsearch/internal/store"
)

type PostgresStore struct {
	db  *sql.DB
	now func() time.Time
}

var openDB = sql.Open

func New(conn string) (*PostgresStore, error) {
	db, err := openDB("pgx", conn)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := verifySchema(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &PostgresStore{db: db, now: time.Now}, nil
}

func verifySchema(ctx context.Context, db *sql.DB) error {
	required := []string{
		"users",
		"chats",
		"messages",
		"user_requests",
	}
	for _, table := range required {
		var regclass sql.NullString
		if err := db.QueryRowContext(ctx, "SELECT to_regclass($1)", fmt.Sprintf("public.%s", table)).Scan(&regclass); err != nil {
			return err
		}
		if !regclass.Valid {
			return fmt.Errorf("database schema missing: %s table not found (run migrations/001_init.sql)", table)
		}
	}
	return nil
}

func (p *PostgresStore) Close() error {
	return p.db.Close()
}

func (p *PostgresStore) Ping(ctx context.Context) error {
	return p.db.PingContext(ctx)
}

func (p *PostgresStore) EnsureUser(ctx context.Context, userID string) error {
	const query = `
		INSERT INTO users (id, is_admin, created_at)
		VALUES ($1, FALSE, $2)
		ON CONFLICT (id) DO NOTHING
	`
	_, err := p.db.ExecContext(ctx, query, userID, p.clock())
	return err
}

func (p *PostgresStore) SetUserAdmin(ctx context.Context, userID string, isAdmin bool) error {
	const query = `
		INSERT INTO users (id, is_admin, created_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET is_admin = EXCLUDED.is_admin
	`
	_, err := p.db.ExecContext(ctx, query, userID, isAdmin, p.clock())
	return err
}

func (p *PostgresStore) IsUserAdmin(ctx context.Context, userID string) (bool, error) {
	var isAdmin bool
	err := p.db.QueryRowContext(ctx, "SELECT is_admin FROM users WHERE id = $1", userID).Scan(&isAdmin)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return isAdmin, nil
}

func (p *PostgresStore) CountUserRequestsSince(ctx context.Context, userID string, since time.Time) (int, error) {
	const query = `
		SELECT COUNT(*)
		FROM user_requests
		WHERE user_id = $1 AND created_at >= $2
	`
	var count int
	if err := p.db.QueryRowContext(ctx, query, userID, since).Scan(&count); err != nil {
		return 0, err
	}
	return count, nil
}

func (p *PostgresStore) CreateUserRequest(ctx context.Context, userID string, at time.Time) error {
	const query = `
		INSERT INTO user_requests (id, user_id, created_at)
		VALUES ($1, $2, $3)
	`
	_, err := p.db.ExecContext(ctx, query, uuid.New().String(), userID, at.UTC())
	return err
}

// UpsertChat creates or replaces a chat in one transaction. The insert runs
// first so that two writers racing on a new id serialize on the row lock.
func (p *PostgresStore) UpsertChat(ctx context.Context, chat store.ChatUpsert) (err error) {
	now := p.clock()
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	const insertChat = `
		INSERT INTO chats (id, user_id, title, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $4)
		ON CONFLICT (id) DO NOTHING
	`
	result, err := tx.ExecContext(ctx, insertChat, chat.ChatID, chat.UserID, chat.Title, now)
	if err != nil {
		return err
	}
	created, err := result.RowsAffected()
	if err != nil {
		return err
	}

	if created == 0 {
		var owner string
		if err = tx.QueryRowContext(ctx, "SELECT user_id FROM chats WHERE id = $1 FOR UPDATE", chat.ChatID).Scan(&owner); err != nil {
			return err
		}
		if owner != chat.UserID {
			err = store.ErrChatOwnership
			return err
		}
		if _, err = tx.ExecContext(ctx, "UPDATE chats SET title = $2, updated_at = $3 WHERE id = $1", chat.ChatID, chat.Title, now); err != nil {
			return err
		}
		if _, err = tx.ExecContext(ctx, "DELETE FROM messages WHERE chat_id = $1", chat.ChatID); err != nil {
			return err
		}
	}

	const insertMessage = `
		INSERT INTO messages (id, chat_id, role, content, position, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	for i, msg := range chat.Messages {
		metadata := msg.Metadata
		if metadata == nil {
			metadata = map[string]any{}
		}
		var encoded []byte
		encoded, err = json.Marshal(metadata)
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
		if _, err = tx.ExecContext(ctx, insertMessage, id, chat.ChatID, msg.Role, msg.Content, i, encoded, createdAt.UTC()); err != nil {
			return err
		}
	}
	err = tx.Commit()
	return err
}

func (p *PostgresStore) GetChat(ctx context.Context, chatID string, userID string) (*store.Chat, error) {
	const query = `
		SELECT id, user_id, title, created_at, updated_at
		FROM chats
		WHERE id = $1 AND user_id = $2
	`
	chat := store.Chat{}
	err := p.db.QueryRowContext(ctx, query, chatID, userID).Scan(&chat.ID, &chat.UserID, &chat.Title, &chat.CreatedAt, &chat.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	chat.CreatedAt = chat.CreatedAt.UTC()
	chat.UpdatedAt = chat.UpdatedAt.UTC()
	messages, err := p.listMessages(ctx, chatID)
	if err != nil {
		return nil, err
	}
	chat.Messages = messages
	return &chat, nil
}

func (p *PostgresStore) listMessages(ctx context.Context, chatID string) ([]store.Message, error) {
	const query = `
		SELECT id, chat_id, role, content, position, metadata, created_at
		FROM messages
		WHERE chat_id = $1
		ORDER BY position ASC
	`
	rows, err := p.db.QueryContext(ctx, query, chatID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	results := []store.Message{}
	for rows.Next() {
		var metadataBytes []byte
		var msg store.Message
		if err := rows.Scan(&msg.ID, &msg.ChatID, &msg.Role, &msg.Content, &msg.Position, &metadataBytes, &msg.CreatedAt); err != nil {
			return nil, err
		}
		msg.CreatedAt = msg.CreatedAt.UTC()
		msg.Metadata = map[string]any{}
		if len(metadataBytes) > 0 {
			if err := json.Unmarshal(metadataBytes, &msg.Metadata); err != nil {
				return nil, err
			}
		}
		results = append(results, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return results, nil
}

func (p *PostgresStore) ListChats(ctx context.Context, userID string) ([]store.Chat, error) {
	const query = `
		SELECT id, user_id, title, created_at, updated_at
		FROM chats
		WHERE user_id = $1
		ORDER BY updated_at DESC, id ASC
	`
	rows, err := p.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	results := []store.Chat{}
	for rows.Next() {
		var chat store.Chat
		if err := rows.Scan(&chat.ID, &chat.UserID, &chat.Title, &chat.CreatedAt, &chat.UpdatedAt); err != nil {
			return nil, err
		}
		chat.CreatedAt = chat.CreatedAt.UTC()
		chat.UpdatedAt = chat.UpdatedAt.UTC()
		results = append(results, chat)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return results, nil
}

func (p *PostgresStore) clock() time.Time {
	if p.now == nil {
		return time.Now().UTC()
	}
	return p.now().UTC()
}
