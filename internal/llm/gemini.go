package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"github.com/google/uuid"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
)

const defaultGeminiModel = "gemini-1.5-flash-latest"

type GeminiConfig struct {
	APIKey string
	Model  string
}

type GeminiProvider struct {
	client *genai.Client
	model  string
}

func NewGeminiProvider(ctx context.Context, cfg GeminiConfig) (*GeminiProvider, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("missing API key for gemini provider")
	}
	client, err := genai.NewClient(ctx, option.WithAPIKey(cfg.APIKey))
	if err != nil {
		return nil, fmt.Errorf("create gemini client: %w", err)
	}
	return &GeminiProvider{client: client, model: defaultIfEmpty(cfg.Model, defaultGeminiModel)}, nil
}

func (p *GeminiProvider) Close() error {
	return p.client.Close()
}

func (p *GeminiProvider) Stream(ctx context.Context, req Request, onDelta DeltaFunc) (Completion, error) {
	contents, err := toGeminiContents(req.Messages)
	if err != nil {
		return Completion{}, err
	}
	if len(contents) == 0 {
		return Completion{}, errors.New("gemini request has no messages")
	}

	model := p.client.GenerativeModel(p.model)
	if req.System != "" {
		model.SystemInstruction = &genai.Content{Parts: []genai.Part{genai.Text(req.System)}}
	}
	model.Tools = toGeminiTools(req.Tools)

	session := model.StartChat()
	last := contents[len(contents)-1]
	session.History = contents[:len(contents)-1]

	iter := session.SendMessageStream(ctx, last.Parts...)
	var content strings.Builder
	toolCalls := []ToolCall{}
	reported := ""
	for {
		resp, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return Completion{}, fmt.Errorf("gemini stream failed: %w", err)
		}
		text, calls, reason := fromGeminiResponse(resp)
		if text != "" {
			content.WriteString(text)
			if onDelta != nil {
				onDelta(text)
			}
		}
		toolCalls = append(toolCalls, calls...)
		if reason != "" {
			reported = reason
		}
	}

	return Completion{
		Content:      content.String(),
		ToolCalls:    toolCalls,
		FinishReason: finishReason(toolCalls, reported),
	}, nil
}

// toGeminiContents maps the transcript onto Gemini's user/model turns. Tool
// results become function responses and consecutive ones share a turn.
func toGeminiContents(messages []Message) ([]*genai.Content, error) {
	out := []*genai.Content{}
	appendPart := func(role string, part genai.Part) {
		if n := len(out); n > 0 && out[n-1].Role == role && role == "user" {
			out[n-1].Parts = append(out[n-1].Parts, part)
			return
		}
		out = append(out, &genai.Content{Role: role, Parts: []genai.Part{part}})
	}
	for _, message := range messages {
		switch message.Role {
		case RoleUser:
			appendPart("user", genai.Text(message.Content))
		case RoleAssistant:
			parts := []genai.Part{}
			if message.Content != "" {
				parts = append(parts, genai.Text(message.Content))
			}
			for _, call := range message.ToolCalls {
				args := map[string]any{}
				if strings.TrimSpace(call.Arguments) != "" {
					if err := json.Unmarshal([]byte(call.Arguments), &args); err != nil {
						return nil, fmt.Errorf("decode tool call arguments for %s: %w", call.Name, err)
					}
				}
				parts = append(parts, genai.FunctionCall{Name: call.Name, Args: args})
			}
			if len(parts) > 0 {
				out = append(out, &genai.Content{Role: "model", Parts: parts})
			}
		case RoleTool:
			appendPart("user", genai.FunctionResponse{
				Name:     message.Name,
				Response: map[string]any{"content": message.Content},
			})
		}
	}
	return out, nil
}

func toGeminiTools(tools []Tool) []*genai.Tool {
	if len(tools) == 0 {
		return nil
	}
	declarations := make([]*genai.FunctionDeclaration, 0, len(tools))
	for _, tool := range tools {
		declarations = append(declarations, &genai.FunctionDeclaration{
			Name:        tool.Name,
			Description: tool.Description,
			Parameters:  toGeminiSchema(tool.Parameters),
		})
	}
	return []*genai.Tool{{FunctionDeclarations: declarations}}
}

func toGeminiSchema(schema Schema) *genai.Schema {
	out := &genai.Schema{
		Type:        geminiType(schema.Type),
		Description: schema.Description,
		Required:    schema.Required,
	}
	if schema.Items != nil {
		out.Items = toGeminiSchema(*schema.Items)
	}
	if len(schema.Properties) > 0 {
		out.Properties = make(map[string]*genai.Schema, len(schema.Properties))
		for name, property := range schema.Properties {
			out.Properties[name] = toGeminiSchema(property)
		}
	}
	return out
}

func geminiType(value string) genai.Type {
	switch value {
	case "object":
		return genai.TypeObject
	case "array":
		return genai.TypeArray
	case "string":
		return genai.TypeString
	case "integer":
		return genai.TypeInteger
	case "number":
		return genai.TypeNumber
	case "boolean":
		return genai.TypeBoolean
	default:
		return genai.TypeUnspecified
	}
}

func fromGeminiResponse(resp *genai.GenerateContentResponse) (string, []ToolCall, string) {
	if resp == nil || len(resp.Candidates) == 0 {
		return "", nil, ""
	}
	candidate := resp.Candidates[0]
	reason := ""
	switch candidate.FinishReason {
	case genai.FinishReasonStop:
		reason = FinishStop
	case genai.FinishReasonMaxTokens:
		reason = FinishLength
	case genai.FinishReasonUnspecified:
	default:
		reason = strings.ToLower(candidate.FinishReason.String())
	}
	if candidate.Content == nil {
		return "", nil, reason
	}
	var text strings.Builder
	calls := []ToolCall{}
	for _, part := range candidate.Content.Parts {
		switch typed := part.(type) {
		case genai.Text:
			text.WriteString(string(typed))
		case genai.FunctionCall:
			args, err := json.Marshal(typed.Args)
			if err != nil {
				args = []byte("{}")
			}
			calls = append(calls, ToolCall{
				ID:        "call_" + uuid.NewString(),
				Name:      typed.Name,
				Arguments: string(args),
			})
		}
	}
	return text.String(), calls, reason
}
