package deepsearch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/Keyring-Network/keyring-deepsearch/internal/llm"
)

const (
	DefaultMaxSteps           = 10
	DefaultMaxToolResultChars = 60000

	FinishMaxSteps = "max_steps"
)

type State int

const (
	StateAwaitingModel State = iota
	StateExecutingTools
	StateTerminal
)

func (s State) String() string {
	switch s {
	case StateAwaitingModel:
		return "awaiting-model"
	case StateExecutingTools:
		return "executing-tools"
	case StateTerminal:
		return "terminal"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

type EventType string

const (
	EventTextDelta  EventType = "text-delta"
	EventToolCall   EventType = "tool-call"
	EventToolResult EventType = "tool-result"
)

type Event struct {
	Type       EventType
	Step       int
	Delta      string
	ToolCall   *llm.ToolCall
	ToolResult *ToolResult
}

type ToolResult struct {
	ToolCallID string `json:"toolCallId"`
	ToolName   string `json:"toolName"`
	Content    string `json:"content"`
	IsError    bool   `json:"isError"`
}

type Result struct {
	Text         string
	Messages     []llm.Message
	Steps        int
	FinishReason string
}

type RunOptions struct {
	OnEvent  func(Event)
	OnFinish func(Result)
}

type Config struct {
	MaxSteps           int
	MaxToolResultChars int
	Persona            string
	Now                func() time.Time
}

// Agent runs the search and scrape loop: the model is called repeatedly and
// any tool calls it makes are executed and fed back until it answers without
// tools or the step budget is spent.
type Agent struct {
	provider       llm.Provider
	tools          map[string]Tool
	definitions    []llm.Tool
	maxSteps       int
	maxResultChars int
	persona        string
	now            func() time.Time
	logger         *zap.Logger
}

func NewAgent(provider llm.Provider, tools []Tool, cfg Config, logger *zap.Logger) *Agent {
	if cfg.MaxSteps <= 0 {
		cfg.MaxSteps = DefaultMaxSteps
	}
	if cfg.MaxToolResultChars <= 0 {
		cfg.MaxToolResultChars = DefaultMaxToolResultChars
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	agent := &Agent{
		provider:       provider,
		tools:          make(map[string]Tool, len(tools)),
		maxSteps:       cfg.MaxSteps,
		maxResultChars: cfg.MaxToolResultChars,
		persona:        cfg.Persona,
		now:            cfg.Now,
		logger:         logger,
	}
	for _, tool := range tools {
		definition := tool.Definition()
		agent.tools[definition.Name] = tool
		agent.definitions = append(agent.definitions, definition)
	}
	return agent
}

func (a *Agent) Run(ctx context.Context, messages []llm.Message, opts RunOptions) (Result, error) {
	emit := opts.OnEvent
	if emit == nil {
		emit = func(Event) {}
	}
	system := RenderSystemPrompt(a.persona, a.now())
	transcript := append([]llm.Message(nil), messages...)
	result := Result{}

	state := StateAwaitingModel
	var pending []llm.ToolCall
	for state != StateTerminal {
		switch state {
		case StateAwaitingModel:
			if result.Steps >= a.maxSteps {
				result.FinishReason = FinishMaxSteps
				state = StateTerminal
				continue
			}
			step := result.Steps
			completion, err := a.provider.Stream(ctx, llm.Request{
				System:   system,
				Messages: transcript,
				Tools:    a.definitions,
			}, func(delta string) {
				emit(Event{Type: EventTextDelta, Step: step, Delta: delta})
			})
			if err != nil {
				if ctxErr := ctx.Err(); ctxErr != nil {
					return Result{}, ctxErr
				}
				return Result{}, fmt.Errorf("step %d: %w", step, err)
			}
			result.Steps++
			result.Text = completion.Content
			result.FinishReason = completion.FinishReason

			assistant := llm.Message{Role: llm.RoleAssistant, Content: completion.Content, ToolCalls: completion.ToolCalls}
			transcript = append(transcript, assistant)
			result.Messages = append(result.Messages, assistant)

			a.logger.Debug("model step completed",
				zap.Int("step", step),
				zap.Int("tool_calls", len(completion.ToolCalls)),
				zap.String("finish_reason", completion.FinishReason))

			if len(completion.ToolCalls) == 0 {
				state = StateTerminal
				continue
			}
			pending = completion.ToolCalls
			state = StateExecutingTools

		case StateExecutingTools:
			for i := range pending {
				emit(Event{Type: EventToolCall, Step: result.Steps - 1, ToolCall: &pending[i]})
			}
			toolResults := a.executeTools(ctx, pending)
			if err := ctx.Err(); err != nil {
				return Result{}, err
			}
			for i := range toolResults {
				toolMessage := llm.Message{
					Role:       llm.RoleTool,
					Content:    toolResults[i].Content,
					ToolCallID: toolResults[i].ToolCallID,
					Name:       toolResults[i].ToolName,
				}
				transcript = append(transcript, toolMessage)
				result.Messages = append(result.Messages, toolMessage)
				emit(Event{Type: EventToolResult, Step: result.Steps - 1, ToolResult: &toolResults[i]})
			}
			pending = nil
			state = StateAwaitingModel
		}
	}

	if opts.OnFinish != nil {
		opts.OnFinish(result)
	}
	return result, nil
}

// Ask runs the loop without streaming and returns only the final text.
func (a *Agent) Ask(ctx context.Context, messages []llm.Message) (string, error) {
	result, err := a.Run(ctx, messages, RunOptions{})
	if err != nil {
		return "", err
	}
	return result.Text, nil
}

func (a *Agent) executeTools(ctx context.Context, calls []llm.ToolCall) []ToolResult {
	results := make([]ToolResult, len(calls))
	var g errgroup.Group
	for i, call := range calls {
		g.Go(func() error {
			results[i] = a.executeTool(ctx, call)
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func (a *Agent) executeTool(ctx context.Context, call llm.ToolCall) ToolResult {
	result := ToolResult{ToolCallID: call.ID, ToolName: call.Name}
	tool, ok := a.tools[call.Name]
	if !ok {
		result.IsError = true
		result.Content = a.formatToolResult(nil, fmt.Errorf("unknown tool %q", call.Name))
		return result
	}
	arguments := json.RawMessage(call.Arguments)
	if strings.TrimSpace(call.Arguments) == "" {
		arguments = json.RawMessage("{}")
	}

	started := time.Now()
	output, err := tool.Execute(ctx, arguments)
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			a.logger.Warn("tool call failed",
				zap.String("tool", call.Name),
				zap.String("tool_call_id", call.ID),
				zap.Error(err))
		}
		result.IsError = true
		result.Content = a.formatToolResult(nil, err)
		return result
	}
	a.logger.Debug("tool call completed",
		zap.String("tool", call.Name),
		zap.Duration("elapsed", time.Since(started)))
	result.Content = a.formatToolResult(output, nil)
	return result
}

func (a *Agent) formatToolResult(output any, err error) string {
	var payload any = output
	if err != nil {
		payload = map[string]string{"error": strings.TrimSpace(err.Error())}
	}
	encoded, errMarshal := json.Marshal(payload)
	if errMarshal != nil {
		encoded, _ = json.Marshal(map[string]string{"error": "tool result could not be encoded: " + errMarshal.Error()})
	}
	return truncateRunes(string(encoded), a.maxResultChars)
}

func truncateRunes(value string, maxChars int) string {
	if maxChars <= 0 {
		return value
	}
	runes := []rune(value)
	if len(runes) <= maxChars {
		return value
	}
	return string(runes[:maxChars])
}
