package llm

import (
	"context"
)

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

const (
	FinishStop      = "stop"
	FinishToolCalls = "tool_calls"
	FinishLength    = "length"
)

type Message struct {
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	Name       string     `json:"name,omitempty"`
}

// ToolCall is a model request to run a tool. Arguments holds the raw JSON
// object the model produced.
type ToolCall struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type Schema struct {
	Type        string            `json:"type"`
	Description string            `json:"description,omitempty"`
	Properties  map[string]Schema `json:"properties,omitempty"`
	Items       *Schema           `json:"items,omitempty"`
	Required    []string          `json:"required,omitempty"`
	MaxItems    int               `json:"maxItems,omitempty"`
}

type Tool struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Parameters  Schema `json:"parameters"`
}

type Request struct {
	System   string
	Messages []Message
	Tools    []Tool
}

type Completion struct {
	Content      string
	ToolCalls    []ToolCall
	FinishReason string
}

// DeltaFunc receives text fragments as the model produces them.
type DeltaFunc func(delta string)

type Provider interface {
	Stream(ctx context.Context, req Request, onDelta DeltaFunc) (Completion, error)
}

type Config struct {
	Provider         string
	Model            string
	BaseURL          string
	OpenAIAPIKey     string
	OpenRouterAPIKey string
	GeminiAPIKey     string
}

func NewProvider(ctx context.Context, cfg Config) (Provider, error) {
	switch cfg.Provider {
	case "openai":
		return NewOpenAIProvider(OpenAIConfig{
			APIKey:  cfg.OpenAIAPIKey,
			Model:   cfg.Model,
			BaseURL: cfg.BaseURL,
		}), nil
	case "openrouter":
		return NewOpenAIProvider(OpenAIConfig{
			APIKey:  cfg.OpenRouterAPIKey,
			Model:   cfg.Model,
			BaseURL: defaultIfEmpty(cfg.BaseURL, "https://openrouter.ai/api/v1"),
		}), nil
	case "gemini":
		return NewGeminiProvider(ctx, GeminiConfig{
			APIKey: cfg.GeminiAPIKey,
			Model:  cfg.Model,
		})
	case "ollama":
		return NewLangchainProvider(LangchainConfig{
			Token:   "ollama",
			Model:   cfg.Model,
			BaseURL: defaultIfEmpty(cfg.BaseURL, "http://localhost:11434/v1"),
		})
	default:
		return nil, ErrUnsupportedProvider{Provider: cfg.Provider}
	}
}

func defaultIfEmpty(value string, fallback string) string {
	if value == "" {
		return fallback
	}
	return value
}

func finishReason(toolCalls []ToolCall, reported string) string {
	if len(toolCalls) > 0 {
		return FinishToolCalls
	}
	if reported == "" {
		return FinishStop
	}
	return reported
}
