package bootstrap

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Keyring-Network/keyring-deepsearch/internal/config"
	"github.com/Keyring-Network/keyring-deepsearch/internal/crawler"
	"github.com/Keyring-Network/keyring-deepsearch/internal/deepsearch"
	"github.com/Keyring-Network/keyring-deepsearch/internal/llm"
	"github.com/Keyring-Network/keyring-deepsearch/internal/store"
	"github.com/Keyring-Network/keyring-deepsearch/internal/store/memory"
	"github.com/Keyring-Network/keyring-deepsearch/internal/store/sqlite"
)

type closingProvider struct {
	closed bool
	system string
}

func (p *closingProvider) Stream(ctx context.Context, req llm.Request, onDelta llm.DeltaFunc) (llm.Completion, error) {
	p.system = req.System
	return llm.Completion{Content: "ok"}, nil
}

func (p *closingProvider) Close() error {
	p.closed = true
	return nil
}

func TestOpenStore(t *testing.T) {
	st, closeFn, err := OpenStore(config.Config{DatabaseDriver: "memory"})
	require.NoError(t, err)
	require.IsType(t, &memory.MemoryStore{}, st)
	require.NoError(t, closeFn())

	st, closeFn, err = OpenStore(config.Config{DatabaseDriver: "sqlite", SQLitePath: ":memory:"})
	require.NoError(t, err)
	require.IsType(t, &sqlite.SQLiteStore{}, st)
	require.NoError(t, st.Ping(context.Background()))
	require.NoError(t, closeFn())

	_, _, err = OpenStore(config.Config{DatabaseDriver: "mongo"})
	require.EqualError(t, err, "unsupported DATABASE_DRIVER: mongo")
}

func TestOpenStore_Postgres(t *testing.T) {
	orig := newPostgresStore
	t.Cleanup(func() { newPostgresStore = orig })

	var gotConn string
	newPostgresStore = func(conn string) (store.Store, CloseFunc, error) {
		gotConn = conn
		return nil, nil, errors.New("dial failed")
	}
	_, _, err := OpenStore(config.Config{DatabaseDriver: "postgres", PostgresURL: "postgres://db"})
	require.EqualError(t, err, "dial failed")
	require.Equal(t, "postgres://db", gotConn)
}

func TestNewCache(t *testing.T) {
	c, closeFn, err := NewCache(config.Config{CacheTTL: time.Minute, CacheMaxEntries: 4}, zap.NewNop())
	require.NoError(t, err)
	require.Equal(t, time.Minute, c.TTL())
	require.NoError(t, c.Ping(context.Background()))
	require.NoError(t, closeFn())

	mr := miniredis.RunT(t)
	c, closeFn, err = NewCache(config.Config{RedisURL: "redis://" + mr.Addr(), CacheTTL: time.Hour}, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, c.Ping(context.Background()))
	require.NoError(t, closeFn())

	_, _, err = NewCache(config.Config{RedisURL: "://bad"}, zap.NewNop())
	require.Error(t, err)
}

func TestNewFetcher(t *testing.T) {
	require.IsType(t, &crawler.HTTPFetcher{}, NewFetcher(config.Config{}))
	require.IsType(t, &crawler.ToolRunnerFetcher{}, NewFetcher(config.Config{ToolRunnerURL: "http://runner"}))
}

func TestNewTools_SearchIsCached(t *testing.T) {
	var hits int32
	serper := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		require.Equal(t, "key", r.Header.Get("X-API-KEY"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"organic":[{"title":"Go","link":"https://go.dev","snippet":"The Go language"}]}`))
	}))
	t.Cleanup(serper.Close)

	cfg := config.Config{SerperAPIKey: "key", SerperURL: serper.URL, SearchResultCount: 3, CacheTTL: time.Hour}
	c, _, err := NewCache(cfg, zap.NewNop())
	require.NoError(t, err)
	tools := NewTools(cfg, c, crawler.NewHTTPFetcher(nil, 100), zap.NewNop())
	require.Len(t, tools, 2)
	require.Equal(t, deepsearch.SearchToolName, tools[0].Definition().Name)
	require.Equal(t, deepsearch.ScrapeToolName, tools[1].Definition().Name)

	args := json.RawMessage(`{"query":"golang"}`)
	for i := 0; i < 2; i++ {
		out, err := tools[0].Execute(context.Background(), args)
		require.NoError(t, err)
		results := out.([]deepsearch.SearchResult)
		require.Len(t, results, 1)
		require.Equal(t, "https://go.dev", results[0].Link)
	}
	require.Equal(t, int32(1), atomic.LoadInt32(&hits))
}

func TestNewAgent(t *testing.T) {
	orig := newProvider
	origPersona := resolvePersona
	t.Cleanup(func() {
		newProvider = orig
		resolvePersona = origPersona
	})
	resolvePersona = func() string { return "You are the operator's analyst." }

	_, _, err := NewAgent(context.Background(), config.Config{LLMProvider: "nope"}, nil, zap.NewNop())
	require.ErrorIs(t, err, llm.ErrUnsupportedProvider{Provider: "nope"})

	provider := &closingProvider{}
	var gotCfg llm.Config
	newProvider = func(_ context.Context, cfg llm.Config) (llm.Provider, error) {
		gotCfg = cfg
		return provider, nil
	}
	agent, closeFn, err := NewAgent(context.Background(), config.Config{LLMProvider: "gemini", LLMModel: "m", GeminiAPIKey: "g", MaxSteps: 3}, nil, zap.NewNop())
	require.NoError(t, err)
	require.Equal(t, "gemini", gotCfg.Provider)
	require.Equal(t, "g", gotCfg.GeminiAPIKey)

	text, err := agent.Ask(context.Background(), []llm.Message{{Role: llm.RoleUser, Content: "hi"}})
	require.NoError(t, err)
	require.Equal(t, "ok", text)
	require.Contains(t, provider.system, "You are the operator's analyst.")
	require.NoError(t, closeFn())
	require.True(t, provider.closed)
}
