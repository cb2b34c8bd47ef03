package store

import (
	"context"
	"errors"
	"time"
)

// ErrChatOwnership is returned when a chat id is already owned by another user.
var ErrChatOwnership = errors.New("chat exists but belongs to a different user")

type User struct {
	ID        string
	IsAdmin   bool
	CreatedAt time.Time
}

type Chat struct {
	ID        string
	UserID    string
	Title     string
	CreatedAt time.Time
	UpdatedAt time.Time
	Messages  []Message
}

type Message struct {
	ID        string
	ChatID    string
	Role      string
	Content   string
	Position  int
	Metadata  map[string]any
	CreatedAt time.Time
}

// ChatUpsert replaces the full state of a chat. Messages are stored in slice
// order; their Position fields are ignored.
type ChatUpsert struct {
	UserID   string
	ChatID   string
	Title    string
	Messages []Message
}

type Store interface {
	Ping(ctx context.Context) error
	EnsureUser(ctx context.Context, userID string) error
	SetUserAdmin(ctx context.Context, userID string, isAdmin bool) error
	IsUserAdmin(ctx context.Context, userID string) (bool, error)
	CountUserRequestsSince(ctx context.Context, userID string, since time.Time) (int, error)
	CreateUserRequest(ctx context.Context, userID string, at time.Time) error
	UpsertChat(ctx context.Context, chat ChatUpsert) error
	GetChat(ctx context.Context, chatID string, userID string) (*Chat, error)
	ListChats(ctx context.Context, userID string) ([]Chat, error)
}

// CloneMetadata copies a metadata map one level deep so callers cannot mutate
// stored state through it.
func CloneMetadata(metadata map[string]any) map[string]any {
	cloned := make(map[string]any, len(metadata))
	for key, value := range metadata {
		cloned[key] = value
	}
	return cloned
}
