package llm

import (
	"context"
	"errors"
	"fmt"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"
)

type LangchainConfig struct {
	Token   string
	Model   string
	BaseURL string
}

// LangchainProvider drives local OpenAI compatible servers such as Ollama
// through langchaingo.
type LangchainProvider struct {
	llm llms.Model
}

func NewLangchainProvider(cfg LangchainConfig) (*LangchainProvider, error) {
	if cfg.Model == "" {
		return nil, errors.New("missing model for local provider")
	}
	model, err := openai.New(
		openai.WithToken(defaultIfEmpty(cfg.Token, "local")),
		openai.WithBaseURL(cfg.BaseURL),
		openai.WithModel(cfg.Model),
	)
	if err != nil {
		return nil, fmt.Errorf("create langchain client: %w", err)
	}
	return &LangchainProvider{llm: model}, nil
}

func (p *LangchainProvider) Stream(ctx context.Context, req Request, onDelta DeltaFunc) (Completion, error) {
	options := []llms.CallOption{
		llms.WithStreamingFunc(func(_ context.Context, chunk []byte) error {
			if onDelta != nil && len(chunk) > 0 {
				onDelta(string(chunk))
			}
			return nil
		}),
	}
	if tools := toLangchainTools(req.Tools); len(tools) > 0 {
		options = append(options, llms.WithTools(tools))
	}
	resp, err := p.llm.GenerateContent(ctx, toLangchainMessages(req.System, req.Messages), options...)
	if err != nil {
		return Completion{}, fmt.Errorf("LLM request failed: %w", err)
	}
	return fromLangchainResponse(resp)
}

func toLangchainMessages(system string, messages []Message) []llms.MessageContent {
	out := make([]llms.MessageContent, 0, len(messages)+1)
	if system != "" {
		out = append(out, llms.TextParts(llms.ChatMessageTypeSystem, system))
	}
	for _, message := range messages {
		switch message.Role {
		case RoleUser:
			out = append(out, llms.TextParts(llms.ChatMessageTypeHuman, message.Content))
		case RoleAssistant:
			parts := []llms.ContentPart{}
			if message.Content != "" {
				parts = append(parts, llms.TextContent{Text: message.Content})
			}
			for _, call := range message.ToolCalls {
				parts = append(parts, llms.ToolCall{
					ID:   call.ID,
					Type: "function",
					FunctionCall: &llms.FunctionCall{
						Name:      call.Name,
						Arguments: call.Arguments,
					},
				})
			}
			out = append(out, llms.MessageContent{Role: llms.ChatMessageTypeAI, Parts: parts})
		case RoleTool:
			out = append(out, llms.MessageContent{
				Role: llms.ChatMessageTypeTool,
				Parts: []llms.ContentPart{llms.ToolCallResponse{
					ToolCallID: message.ToolCallID,
					Name:       message.Name,
					Content:    message.Content,
				}},
			})
		}
	}
	return out
}

func toLangchainTools(tools []Tool) []llms.Tool {
	out := make([]llms.Tool, 0, len(tools))
	for _, tool := range tools {
		out = append(out, llms.Tool{
			Type: "function",
			Function: &llms.FunctionDefinition{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  tool.Parameters,
			},
		})
	}
	return out
}

func fromLangchainResponse(resp *llms.ContentResponse) (Completion, error) {
	if resp == nil || len(resp.Choices) == 0 {
		return Completion{}, errors.New("LLM response had no choices")
	}
	choice := resp.Choices[0]
	toolCalls := []ToolCall{}
	for i, call := range choice.ToolCalls {
		if call.FunctionCall == nil {
			continue
		}
		id := call.ID
		if id == "" {
			id = fmt.Sprintf("call_%d", i)
		}
		toolCalls = append(toolCalls, ToolCall{
			ID:        id,
			Name:      call.FunctionCall.Name,
			Arguments: call.FunctionCall.Arguments,
		})
	}
	return Completion{
		Content:      choice.Content,
		ToolCalls:    toolCalls,
		FinishReason: finishReason(toolCalls, choice.StopReason),
	}, nil
}
