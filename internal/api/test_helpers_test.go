package api

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/Keyring-Network/keyring-deepsearch/internal/auth"
	"github.com/Keyring-Network/keyring-deepsearch/internal/deepsearch"
	"github.com/Keyring-Network/keyring-deepsearch/internal/events"
	"github.com/Keyring-Network/keyring-deepsearch/internal/llm"
	"github.com/Keyring-Network/keyring-deepsearch/internal/store"
)

const testSecret = "test-secret"

type MockStore struct {
	mock.Mock
}

func (m *MockStore) Ping(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

func (m *MockStore) EnsureUser(ctx context.Context, userID string) error {
	args := m.Called(ctx, userID)
	return args.Error(0)
}

func (m *MockStore) SetUserAdmin(ctx context.Context, userID string, isAdmin bool) error {
	args := m.Called(ctx, userID, isAdmin)
	return args.Error(0)
}

func (m *MockStore) IsUserAdmin(ctx context.Context, userID string) (bool, error) {
	args := m.Called(ctx, userID)
	return args.Bool(0), args.Error(1)
}

func (m *MockStore) CountUserRequestsSince(ctx context.Context, userID string, since time.Time) (int, error) {
	args := m.Called(ctx, userID, since)
	return args.Int(0), args.Error(1)
}

func (m *MockStore) CreateUserRequest(ctx context.Context, userID string, at time.Time) error {
	args := m.Called(ctx, userID, at)
	return args.Error(0)
}

func (m *MockStore) UpsertChat(ctx context.Context, chat store.ChatUpsert) error {
	args := m.Called(ctx, chat)
	return args.Error(0)
}

func (m *MockStore) GetChat(ctx context.Context, chatID string, userID string) (*store.Chat, error) {
	args := m.Called(ctx, chatID, userID)
	if value := args.Get(0); value != nil {
		return value.(*store.Chat), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockStore) ListChats(ctx context.Context, userID string) ([]store.Chat, error) {
	args := m.Called(ctx, userID)
	var result []store.Chat
	if value := args.Get(0); value != nil {
		result = value.([]store.Chat)
	}
	return result, args.Error(1)
}

type MockPinger struct {
	mock.Mock
}

func (m *MockPinger) Ping(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

// fakeAgent replays a fixed run through the hooks the server installs.
type fakeAgent struct {
	events   []deepsearch.Event
	result   deepsearch.Result
	err      error
	delay    time.Duration
	received [][]llm.Message
}

func (a *fakeAgent) Run(ctx context.Context, messages []llm.Message, opts deepsearch.RunOptions) (deepsearch.Result, error) {
	a.received = append(a.received, messages)
	for _, event := range a.events {
		if opts.OnEvent != nil {
			opts.OnEvent(event)
		}
	}
	if a.delay > 0 {
		time.Sleep(a.delay)
	}
	if a.err != nil {
		return deepsearch.Result{}, a.err
	}
	if opts.OnFinish != nil {
		opts.OnFinish(a.result)
	}
	return a.result, nil
}

type serverOptions struct {
	store   store.Store
	limiter Limiter
	agent   Agent
	cache   Pinger
}

func newTestServer(t *testing.T, opts serverOptions) (*Server, *httptest.Server) {
	t.Helper()
	server := NewServer(Deps{
		Store:   opts.store,
		Limiter: opts.limiter,
		Agent:   opts.agent,
		Auth:    auth.NewSigner(testSecret, time.Hour),
		Cache:   opts.cache,
	})
	httpServer := httptest.NewServer(server.Router())
	t.Cleanup(httpServer.Close)
	return server, httpServer
}

func bearer(t *testing.T, userID string) string {
	t.Helper()
	token, err := auth.NewSigner(testSecret, time.Hour).Issue(userID)
	require.NoError(t, err)
	return "Bearer " + token
}

func doRequest(t *testing.T, method string, url string, userID string, body string) (*http.Response, string) {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, url, reader)
	require.NoError(t, err)
	if userID != "" {
		req.Header.Set("Authorization", bearer(t, userID))
	}
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, string(raw)
}

func parseFrames(t *testing.T, body string) []events.Frame {
	t.Helper()
	frames, err := events.ParseFrames(body)
	require.NoError(t, err)
	return frames
}

func frameTypes(frames []events.Frame) []string {
	types := make([]string, 0, len(frames))
	for _, frame := range frames {
		types = append(types, frame.Event)
	}
	return types
}
