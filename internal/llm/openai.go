package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/sashabaranov/go-openai"
)

type OpenAIConfig struct {
	APIKey  string
	Model   string
	BaseURL string
}

// OpenAIProvider speaks the chat completions protocol, which also covers
// OpenRouter and other compatible gateways.
type OpenAIProvider struct {
	apiKey  string
	model   string
	baseURL string
	client  *openai.Client
}

func NewOpenAIProvider(cfg OpenAIConfig) *OpenAIProvider {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}
	baseURL = strings.TrimRight(baseURL, "/")
	clientConfig := openai.DefaultConfig(cfg.APIKey)
	clientConfig.BaseURL = baseURL
	return &OpenAIProvider{
		apiKey:  cfg.APIKey,
		model:   cfg.Model,
		baseURL: baseURL,
		client:  openai.NewClientWithConfig(clientConfig),
	}
}

func (p *OpenAIProvider) Stream(ctx context.Context, req Request, onDelta DeltaFunc) (Completion, error) {
	if p.apiKey == "" {
		return Completion{}, errors.New("missing API key for remote provider")
	}
	if p.model == "" {
		return Completion{}, errors.New("missing model for remote provider")
	}
	stream, err := p.client.CreateChatCompletionStream(ctx, openai.ChatCompletionRequest{
		Model:    p.model,
		Messages: toOpenAIMessages(req.System, req.Messages),
		Tools:    toOpenAITools(req.Tools),
		Stream:   true,
	})
	if err != nil {
		return Completion{}, fmt.Errorf("LLM request failed: %w", err)
	}
	defer stream.Close()

	var content strings.Builder
	acc := newToolCallAccumulator()
	reported := ""
	for {
		chunk, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return Completion{}, fmt.Errorf("LLM stream failed: %w", err)
		}
		for _, choice := range chunk.Choices {
			if choice.Delta.Content != "" {
				content.WriteString(choice.Delta.Content)
				if onDelta != nil {
					onDelta(choice.Delta.Content)
				}
			}
			for _, call := range choice.Delta.ToolCalls {
				acc.add(call)
			}
			if choice.FinishReason != "" {
				reported = string(choice.FinishReason)
			}
		}
	}

	toolCalls := acc.calls()
	return Completion{
		Content:      content.String(),
		ToolCalls:    toolCalls,
		FinishReason: finishReason(toolCalls, reported),
	}, nil
}

// toolCallAccumulator joins the fragments of streamed tool calls. Each
// fragment carries the index of the call it extends; the id and name arrive
// once and the arguments arrive in pieces.
type toolCallAccumulator struct {
	byIndex map[int]*ToolCall
	last    int
}

func newToolCallAccumulator() *toolCallAccumulator {
	return &toolCallAccumulator{byIndex: map[int]*ToolCall{}}
}

func (a *toolCallAccumulator) add(fragment openai.ToolCall) {
	index := a.last
	switch {
	case fragment.Index != nil:
		index = *fragment.Index
	case fragment.ID != "" || len(a.byIndex) == 0:
		index = len(a.byIndex)
	}
	a.last = index
	call, ok := a.byIndex[index]
	if !ok {
		call = &ToolCall{}
		a.byIndex[index] = call
	}
	if fragment.ID != "" {
		call.ID = fragment.ID
	}
	if fragment.Function.Name != "" {
		call.Name = fragment.Function.Name
	}
	call.Arguments += fragment.Function.Arguments
}

func (a *toolCallAccumulator) calls() []ToolCall {
	if len(a.byIndex) == 0 {
		return nil
	}
	indexes := make([]int, 0, len(a.byIndex))
	for index := range a.byIndex {
		indexes = append(indexes, index)
	}
	sort.Ints(indexes)
	out := make([]ToolCall, 0, len(indexes))
	for _, index := range indexes {
		call := *a.byIndex[index]
		if call.Name == "" {
			continue
		}
		if call.ID == "" {
			call.ID = fmt.Sprintf("call_%d", index)
		}
		out = append(out, call)
	}
	return out
}

func toOpenAIMessages(system string, messages []Message) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(messages)+1)
	if system != "" {
		out = append(out, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: system})
	}
	for _, message := range messages {
		converted := openai.ChatCompletionMessage{
			Role:       message.Role,
			Content:    message.Content,
			ToolCallID: message.ToolCallID,
		}
		if message.Role == RoleTool {
			converted.Name = message.Name
		}
		for _, call := range message.ToolCalls {
			converted.ToolCalls = append(converted.ToolCalls, openai.ToolCall{
				ID:   call.ID,
				Type: openai.ToolTypeFunction,
				Function: openai.FunctionCall{
					Name:      call.Name,
					Arguments: call.Arguments,
				},
			})
		}
		out = append(out, converted)
	}
	return out
}

func toOpenAITools(tools []Tool) []openai.Tool {
	if len(tools) == 0 {
		return nil
	}
	out := make([]openai.Tool, 0, len(tools))
	for _, tool := range tools {
		out = append(out, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  tool.Parameters,
			},
		})
	}
	return out
}
