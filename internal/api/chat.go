package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/Keyring-Network/keyring-deepsearch/internal/auth"
	"github.com/Keyring-Network/keyring-deepsearch/internal/deepsearch"
	"github.com/Keyring-Network/keyring-deepsearch/internal/events"
	"github.com/Keyring-Network/keyring-deepsearch/internal/llm"
	"github.com/Keyring-Network/keyring-deepsearch/internal/store"
)

const (
	defaultChatTitle = "New Chat"
	streamErrorText  = "Oops, an error occurred!"
)

type chatMessage struct {
	ID       string         `json:"id,omitempty"`
	Role     string         `json:"role"`
	Content  string         `json:"content"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

type chatRequest struct {
	Messages  []chatMessage `json:"messages"`
	ChatID    string        `json:"chatId"`
	IsNewChat bool          `json:"isNewChat"`
}

func (req chatRequest) validate() error {
	if strings.TrimSpace(req.ChatID) == "" {
		return errors.New("chatId required")
	}
	if len(req.Messages) == 0 {
		return errors.New("messages required")
	}
	for _, msg := range req.Messages {
		switch msg.Role {
		case llm.RoleUser, llm.RoleAssistant, llm.RoleSystem, llm.RoleTool:
		default:
			return errors.New("unsupported message role")
		}
	}
	return nil
}

func (req chatRequest) title() string {
	if content := req.Messages[0].Content; content != "" {
		return content
	}
	return defaultChatTitle
}

func (s *Server) chat(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID, ok := auth.UserID(ctx)
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request", http.StatusBadRequest)
		return
	}
	if err := req.validate(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	allowed, err := s.limiter.CanMakeRequest(ctx, userID)
	if err != nil {
		s.logger.Error("quota check failed", zap.String("user_id", userID), zap.Error(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if !allowed {
		http.Error(w, "Too Many Requests - Daily limit exceeded", http.StatusTooManyRequests)
		return
	}

	if err := s.store.EnsureUser(ctx, userID); err != nil {
		s.logger.Error("ensure user failed", zap.String("user_id", userID), zap.Error(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	incoming := toStoreMessages(req.Messages)
	err = s.store.UpsertChat(ctx, store.ChatUpsert{
		UserID:   userID,
		ChatID:   req.ChatID,
		Title:    req.title(),
		Messages: incoming,
	})
	if errors.Is(err, store.ErrChatOwnership) {
		http.Error(w, "Unauthorized - Chat belongs to another user", http.StatusForbidden)
		return
	}
	if err != nil {
		s.logger.Error("save chat failed", zap.String("chat_id", req.ChatID), zap.Error(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	if err := s.limiter.CreateUserRequest(ctx, userID); err != nil {
		s.logger.Error("record request failed", zap.String("user_id", userID), zap.Error(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	stream, err := events.NewStream(w, req.ChatID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if req.IsNewChat {
		_ = stream.NewChatCreated()
	}

	stopHeartbeat := s.startHeartbeat(ctx, stream)
	defer stopHeartbeat()

	logger := s.logger.With(zap.String("chat_id", req.ChatID), zap.String("user_id", userID))
	result, err := s.agent.Run(ctx, toLLMMessages(req.Messages), deepsearch.RunOptions{
		OnEvent: func(event deepsearch.Event) {
			eventType, payload := eventPayload(event)
			if err := stream.Send(eventType, payload); err != nil {
				logger.Debug("stream write failed", zap.Error(err))
			}
		},
		OnFinish: func(result deepsearch.Result) {
			// The client may disconnect right after the last delta; the save still runs.
			saveCtx := context.WithoutCancel(ctx)
			err := s.store.UpsertChat(saveCtx, store.ChatUpsert{
				UserID:   userID,
				ChatID:   req.ChatID,
				Title:    req.title(),
				Messages: append(incoming, responseMessages(result.Messages)...),
			})
			if err != nil {
				logger.Error("save chat after response failed", zap.Error(err))
			}
		},
	})
	if err != nil {
		if ctx.Err() != nil {
			logger.Info("chat stream cancelled", zap.Error(err))
			return
		}
		logger.Error("chat run failed", zap.Error(err))
		_ = stream.Send(events.TypeError, map[string]any{"message": streamErrorText})
		return
	}
	_ = stream.Send(events.TypeFinish, map[string]any{
		"text":         result.Text,
		"finishReason": result.FinishReason,
		"steps":        result.Steps,
	})
}

func (s *Server) startHeartbeat(ctx context.Context, stream *events.Stream) func() {
	if s.heartbeat <= 0 {
		return func() {}
	}
	stop := make(chan struct{})
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		ticker := time.NewTicker(s.heartbeat)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				stream.Heartbeat()
			case <-stop:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
	return func() {
		close(stop)
		<-stopped
	}
}

func eventPayload(event deepsearch.Event) (string, map[string]any) {
	switch event.Type {
	case deepsearch.EventToolCall:
		return events.TypeToolCall, map[string]any{
			"step":       event.Step,
			"toolCallId": event.ToolCall.ID,
			"toolName":   event.ToolCall.Name,
			"args":       rawOrString(event.ToolCall.Arguments),
		}
	case deepsearch.EventToolResult:
		return events.TypeToolResult, map[string]any{
			"step":       event.Step,
			"toolCallId": event.ToolResult.ToolCallID,
			"toolName":   event.ToolResult.ToolName,
			"result":     rawOrString(event.ToolResult.Content),
			"isError":    event.ToolResult.IsError,
		}
	default:
		return events.TypeTextDelta, map[string]any{"step": event.Step, "delta": event.Delta}
	}
}

func rawOrString(value string) any {
	if json.Valid([]byte(value)) {
		return json.RawMessage(value)
	}
	return value
}

func toStoreMessages(messages []chatMessage) []store.Message {
	results := make([]store.Message, 0, len(messages))
	for _, msg := range messages {
		results = append(results, store.Message{
			Role:     msg.Role,
			Content:  msg.Content,
			Metadata: msg.Metadata,
		})
	}
	return results
}

// toLLMMessages keeps the user-visible conversation. Tool traffic from earlier
// turns is not replayed to the model.
func toLLMMessages(messages []chatMessage) []llm.Message {
	results := make([]llm.Message, 0, len(messages))
	for _, msg := range messages {
		if msg.Role == llm.RoleTool || strings.TrimSpace(msg.Content) == "" {
			continue
		}
		results = append(results, llm.Message{Role: msg.Role, Content: msg.Content})
	}
	return results
}

func responseMessages(messages []llm.Message) []store.Message {
	results := make([]store.Message, 0, len(messages))
	for _, msg := range messages {
		metadata := map[string]any{}
		if len(msg.ToolCalls) > 0 {
			calls := make([]map[string]any, 0, len(msg.ToolCalls))
			for _, call := range msg.ToolCalls {
				calls = append(calls, map[string]any{
					"id":        call.ID,
					"name":      call.Name,
					"arguments": call.Arguments,
				})
			}
			metadata["toolCalls"] = calls
		}
		if msg.ToolCallID != "" {
			metadata["toolCallId"] = msg.ToolCallID
			metadata["toolName"] = msg.Name
		}
		results = append(results, store.Message{Role: msg.Role, Content: msg.Content, Metadata: metadata})
	}
	return results
}

type chatSummary struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

type chatDetail struct {
	chatSummary
	Messages []chatMessage `json:"messages"`
}

func (s *Server) listChats(w http.ResponseWriter, r *http.Request) {
	userID, _ := auth.UserID(r.Context())
	chats, err := s.store.ListChats(r.Context(), userID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	summaries := make([]chatSummary, 0, len(chats))
	for _, chat := range chats {
		summaries = append(summaries, toChatSummary(chat))
	}
	writeJSON(w, map[string]any{"chats": summaries})
}

func (s *Server) getChat(w http.ResponseWriter, r *http.Request) {
	userID, _ := auth.UserID(r.Context())
	chat, err := s.store.GetChat(r.Context(), chi.URLParam(r, "id"), userID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if chat == nil {
		http.Error(w, "chat not found", http.StatusNotFound)
		return
	}
	detail := chatDetail{chatSummary: toChatSummary(*chat), Messages: make([]chatMessage, 0, len(chat.Messages))}
	for _, msg := range chat.Messages {
		detail.Messages = append(detail.Messages, chatMessage{
			ID:       msg.ID,
			Role:     msg.Role,
			Content:  msg.Content,
			Metadata: msg.Metadata,
		})
	}
	writeJSON(w, detail)
}

func toChatSummary(chat store.Chat) chatSummary {
	return chatSummary{ID: chat.ID, Title: chat.Title, CreatedAt: chat.CreatedAt, UpdatedAt: chat.UpdatedAt}
}
