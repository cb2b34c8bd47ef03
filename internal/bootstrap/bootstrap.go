// Package bootstrap builds the long-lived components shared by the binaries
// from a loaded config.
package bootstrap

import (
	"context"
	"fmt"
	"io"

	"go.uber.org/zap"

	"github.com/Keyring-Network/keyring-deepsearch/internal/cache"
	"github.com/Keyring-Network/keyring-deepsearch/internal/config"
	"github.com/Keyring-Network/keyring-deepsearch/internal/crawler"
	"github.com/Keyring-Network/keyring-deepsearch/internal/deepsearch"
	"github.com/Keyring-Network/keyring-deepsearch/internal/llm"
	"github.com/Keyring-Network/keyring-deepsearch/internal/personality"
	"github.com/Keyring-Network/keyring-deepsearch/internal/search"
	"github.com/Keyring-Network/keyring-deepsearch/internal/store"
	"github.com/Keyring-Network/keyring-deepsearch/internal/store/memory"
	"github.com/Keyring-Network/keyring-deepsearch/internal/store/postgres"
	"github.com/Keyring-Network/keyring-deepsearch/internal/store/sqlite"
)

// Cache operation names. They are part of the cache key, so renaming one
// orphans its existing entries.
const (
	SearchCacheName = "searchSerper"
	CrawlCacheName  = "bulkCrawlWebsites"
)

// CloseFunc releases whatever a constructor opened.
type CloseFunc func() error

func noopClose() error { return nil }

var (
	newPostgresStore = func(conn string) (store.Store, CloseFunc, error) {
		pgStore, err := postgres.New(conn)
		if err != nil {
			return nil, nil, err
		}
		return pgStore, pgStore.Close, nil
	}
	newSQLiteStore = func(path string) (store.Store, CloseFunc, error) {
		sqliteStore, err := sqlite.New(path)
		if err != nil {
			return nil, nil, err
		}
		return sqliteStore, sqliteStore.Close, nil
	}
	newProvider    = llm.NewProvider
	resolvePersona = personality.Resolve
)

func OpenStore(cfg config.Config) (store.Store, CloseFunc, error) {
	switch cfg.DatabaseDriver {
	case "memory":
		return memory.New(), noopClose, nil
	case "sqlite":
		return newSQLiteStore(cfg.SQLitePath)
	case "postgres", "":
		return newPostgresStore(cfg.PostgresURL)
	default:
		return nil, nil, fmt.Errorf("unsupported DATABASE_DRIVER: %s", cfg.DatabaseDriver)
	}
}

// NewCache uses Redis when REDIS_URL is set and a bounded in-process cache
// otherwise.
func NewCache(cfg config.Config, logger *zap.Logger) (*cache.Cache, CloseFunc, error) {
	if cfg.RedisURL == "" {
		backend := cache.NewMemoryBackend(cfg.CacheMaxEntries, cfg.CacheTTL)
		return cache.New(backend, cfg.CachePrefix, cfg.CacheTTL, logger), noopClose, nil
	}
	backend, err := cache.NewRedisBackend(cfg.RedisURL)
	if err != nil {
		return nil, nil, fmt.Errorf("redis cache: %w", err)
	}
	return cache.New(backend, cfg.CachePrefix, cfg.CacheTTL, logger), backend.Close, nil
}

// NewFetcher prefers the browser tool runner when one is configured.
func NewFetcher(cfg config.Config) crawler.Fetcher {
	if cfg.ToolRunnerURL != "" {
		return crawler.NewToolRunnerFetcher(cfg.ToolRunnerURL, nil, cfg.CrawlTimeout, cfg.CrawlMaxChars)
	}
	return crawler.NewHTTPFetcher(nil, cfg.CrawlMaxChars)
}

// NewTools returns the search and scrape tools, both memoized through c.
func NewTools(cfg config.Config, c *cache.Cache, fetcher crawler.Fetcher, logger *zap.Logger) []deepsearch.Tool {
	searchClient := search.NewClient(search.Config{APIKey: cfg.SerperAPIKey, URL: cfg.SerperURL})
	bulk := crawler.New(fetcher, cfg.CrawlTimeout, logger)
	return []deepsearch.Tool{
		deepsearch.NewSearchTool(cache.Wrap(c, SearchCacheName, searchClient.Search), cfg.SearchResultCount),
		deepsearch.NewScrapeTool(cache.Wrap(c, CrawlCacheName, bulk.BulkCrawl)),
	}
}

func NewAgent(ctx context.Context, cfg config.Config, c *cache.Cache, logger *zap.Logger) (*deepsearch.Agent, CloseFunc, error) {
	provider, err := newProvider(ctx, llm.Config{
		Provider:         cfg.LLMProvider,
		Model:            cfg.LLMModel,
		BaseURL:          cfg.LLMBaseURL,
		OpenAIAPIKey:     cfg.OpenAIAPIKey,
		OpenRouterAPIKey: cfg.OpenRouterAPIKey,
		GeminiAPIKey:     cfg.GeminiAPIKey,
	})
	if err != nil {
		return nil, nil, err
	}
	closeFn := CloseFunc(noopClose)
	if closer, ok := provider.(io.Closer); ok {
		closeFn = closer.Close
	}
	tools := NewTools(cfg, c, NewFetcher(cfg), logger)
	agent := deepsearch.NewAgent(provider, tools, deepsearch.Config{
		MaxSteps: cfg.MaxSteps,
		Persona:  resolvePersona(),
	}, logger)
	return agent, closeFn, nil
}
