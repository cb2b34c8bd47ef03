package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Port              string
	Env               string
	LogLevel          string
	DatabaseDriver    string
	PostgresURL       string
	SQLitePath        string
	RedisURL          string
	CacheTTL          time.Duration
	CachePrefix       string
	CacheMaxEntries   int
	DailyRequestLimit int
	MaxSteps          int
	LLMProvider       string
	LLMModel          string
	LLMBaseURL        string
	OpenAIAPIKey      string
	OpenRouterAPIKey  string
	GeminiAPIKey      string
	SerperAPIKey      string
	SerperURL         string
	SearchResultCount int
	CrawlTimeout      time.Duration
	CrawlMaxChars     int
	ToolRunnerURL     string
	JWTSecret         string
}

// loadDotEnv is swapped in tests so a stray .env file cannot leak into them.
var loadDotEnv = func() error {
	return godotenv.Load()
}

func Load() Config {
	env := getEnv("ENV", "development")
	if !strings.EqualFold(env, "production") {
		_ = loadDotEnv()
	}
	postgresURL := getEnv("POSTGRES_URL", "")
	if postgresURL == "" {
		postgresURL = buildPostgresURL()
	}
	return Config{
		Port:              getEnv("PORT", "3000"),
		Env:               env,
		LogLevel:          getEnv("LOG_LEVEL", "info"),
		DatabaseDriver:    strings.ToLower(getEnv("DATABASE_DRIVER", "postgres")),
		PostgresURL:       postgresURL,
		SQLitePath:        getEnv("SQLITE_PATH", "deepsearch.db"),
		RedisURL:          getEnv("REDIS_URL", ""),
		CacheTTL:          getEnvDuration("CACHE_TTL", 6*time.Hour),
		CachePrefix:       getEnv("CACHE_PREFIX", "deepsearch:"),
		CacheMaxEntries:   getEnvInt("CACHE_MAX_ENTRIES", 1024),
		DailyRequestLimit: getEnvInt("DAILY_REQUEST_LIMIT", 2),
		MaxSteps:          getEnvInt("MAX_STEPS", 10),
		LLMProvider:       getEnv("LLM_PROVIDER", "openai"),
		LLMModel:          getEnv("LLM_MODEL", "gpt-4o-mini"),
		LLMBaseURL:        getEnv("LLM_BASE_URL", ""),
		OpenAIAPIKey:      getEnv("OPENAI_API_KEY", ""),
		OpenRouterAPIKey:  getEnv("OPENROUTER_API_KEY", ""),
		GeminiAPIKey:      getEnv("GEMINI_API_KEY", ""),
		SerperAPIKey:      getEnv("SERPER_API_KEY", ""),
		SerperURL:         getEnv("SERPER_URL", "https://google.serper.dev/search"),
		SearchResultCount: getEnvInt("SEARCH_RESULT_COUNT", 10),
		CrawlTimeout:      getEnvDuration("CRAWL_TIMEOUT", 10*time.Second),
		CrawlMaxChars:     getEnvInt("CRAWL_MAX_CHARS", 20000),
		ToolRunnerURL:     getEnv("TOOL_RUNNER_URL", ""),
		JWTSecret:         getEnv("JWT_SECRET", ""),
	}
}

// Validate reports configuration that would make the server unusable. Outside
// production only the JWT secret is mandatory.
func (c Config) Validate() error {
	missing := []string{}
	if c.JWTSecret == "" {
		missing = append(missing, "JWT_SECRET")
	}
	if c.IsProduction() {
		if c.SerperAPIKey == "" {
			missing = append(missing, "SERPER_API_KEY")
		}
		if key := c.providerKeyName(); key != "" && c.providerKey() == "" {
			missing = append(missing, key)
		}
		if c.DatabaseDriver == "memory" {
			return fmt.Errorf("DATABASE_DRIVER=memory is not allowed in production")
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required environment variables: %s", strings.Join(missing, ", "))
	}
	switch c.DatabaseDriver {
	case "postgres", "sqlite", "memory":
	default:
		return fmt.Errorf("unsupported DATABASE_DRIVER: %s", c.DatabaseDriver)
	}
	return nil
}

func (c Config) IsProduction() bool {
	return strings.EqualFold(c.Env, "production")
}

func (c Config) providerKeyName() string {
	switch c.LLMProvider {
	case "openai":
		return "OPENAI_API_KEY"
	case "openrouter":
		return "OPENROUTER_API_KEY"
	case "gemini":
		return "GEMINI_API_KEY"
	default:
		return ""
	}
}

func (c Config) providerKey() string {
	switch c.LLMProvider {
	case "openai":
		return c.OpenAIAPIKey
	case "openrouter":
		return c.OpenRouterAPIKey
	case "gemini":
		return c.GeminiAPIKey
	default:
		return ""
	}
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if value := os.Getenv(key); value != "" {
		parsed, err := strconv.Atoi(value)
		if err == nil {
			return parsed
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		parsed, err := time.ParseDuration(value)
		if err == nil && parsed > 0 {
			return parsed
		}
	}
	return fallback
}

func buildPostgresURL() string {
	user := getEnv("POSTGRES_USER", "deepsearch")
	password := getEnv("POSTGRES_PASSWORD", "deepsearch")
	host := getEnv("POSTGRES_HOST", "localhost")
	port := getEnv("POSTGRES_PORT", "5432")
	database := getEnv("POSTGRES_DB", "deepsearch")
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable", user, password, host, port, database)
}
