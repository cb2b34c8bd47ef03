package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Keyring-Network/keyring-deepsearch/internal/store"
)

type MemoryStore struct {
	mu       sync.RWMutex
	users    map[string]store.User
	requests map[string][]time.Time
	chats    map[string]store.Chat
	messages map[string][]store.Message
	now      func() time.Time
}

func New() *MemoryStore {
	return &MemoryStore{
		users:    map[string]store.User{},
		requests: map[string][]time.Time{},
		chats:    map[string]store.Chat{},
		messages: map[string][]store.Message{},
		now:      time.Now,
	}
}

func (m *MemoryStore) Ping(ctx context.Context) error {
	return nil
}

func (m *MemoryStore) EnsureUser(ctx context.Context, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.users[userID]; !ok {
		m.users[userID] = store.User{ID: userID, CreatedAt: m.now().UTC()}
	}
	return nil
}

func (m *MemoryStore) SetUserAdmin(ctx context.Context, userID string, isAdmin bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	user, ok := m.users[userID]
	if !ok {
		user = store.User{ID: userID, CreatedAt: m.now().UTC()}
	}
	user.IsAdmin = isAdmin
	m.users[userID] = user
	return nil
}

func (m *MemoryStore) IsUserAdmin(ctx context.Context, userID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.users[userID].IsAdmin, nil
}

func (m *MemoryStore) CountUserRequestsSince(ctx context.Context, userID string, since time.Time) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	count := 0
	for _, at := range m.requests[userID] {
		if !at.Before(since) {
			count++
		}
	}
	return count, nil
}

func (m *MemoryStore) CreateUserRequest(ctx context.Context, userID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests[userID] = append(m.requests[userID], at)
	return nil
}

func (m *MemoryStore) UpsertChat(ctx context.Context, chat store.ChatUpsert) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now().UTC()
	existing, ok := m.chats[chat.ChatID]
	if ok && existing.UserID != chat.UserID {
		return store.ErrChatOwnership
	}
	if !ok {
		existing = store.Chat{ID: chat.ChatID, UserID: chat.UserID, CreatedAt: now}
	}
	existing.Title = chat.Title
	existing.UpdatedAt = now
	m.chats[chat.ChatID] = existing

	messages := make([]store.Message, 0, len(chat.Messages))
	for i, msg := range chat.Messages {
		stored := msg
		if stored.ID == "" {
			stored.ID = uuid.New().String()
		}
		stored.ChatID = chat.ChatID
		stored.Position = i
		stored.Metadata = store.CloneMetadata(msg.Metadata)
		if stored.CreatedAt.IsZero() {
			stored.CreatedAt = now
		}
		messages = append(messages, stored)
	}
	m.messages[chat.ChatID] = messages
	return nil
}

func (m *MemoryStore) GetChat(ctx context.Context, chatID string, userID string) (*store.Chat, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	chat, ok := m.chats[chatID]
	if !ok || chat.UserID != userID {
		return nil, nil
	}
	stored := m.messages[chatID]
	chat.Messages = make([]store.Message, 0, len(stored))
	for _, msg := range stored {
		cloned := msg
		cloned.Metadata = store.CloneMetadata(msg.Metadata)
		chat.Messages = append(chat.Messages, cloned)
	}
	return &chat, nil
}

func (m *MemoryStore) ListChats(ctx context.Context, userID string) ([]store.Chat, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	results := []store.Chat{}
	for _, chat := range m.chats {
		if chat.UserID == userID {
			results = append(results, chat)
		}
	}
	sort.Slice(results, func(i, j int) bool {
		if results[i].UpdatedAt.Equal(results[j].UpdatedAt) {
			return results[i].ID < results[j].ID
		}
		return results[i].UpdatedAt.After(results[j].UpdatedAt)
	})
	return results, nil
}
