package events

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"
)

const (
	TypeData       = "data"
	TypeTextDelta  = "text-delta"
	TypeToolCall   = "tool-call"
	TypeToolResult = "tool-result"
	TypeFinish     = "finish"
	TypeError      = "error"

	DataNewChatCreated = "NEW_CHAT_CREATED"
)

var ErrStreamingUnsupported = errors.New("streaming unsupported")

// ChatEvent is one frame of a chat response stream.
type ChatEvent struct {
	ChatID  string         `json:"chatId"`
	Seq     int64          `json:"seq"`
	Type    string         `json:"type"`
	Ts      string         `json:"ts"`
	Payload map[string]any `json:"payload"`
}

func NormalizeType(eventType string) string {
	return strings.TrimSpace(strings.ToLower(eventType))
}

// Stream writes server-sent events for a single chat. Sends are serialized and
// numbered from 1.
type Stream struct {
	mu      sync.Mutex
	w       http.ResponseWriter
	flusher http.Flusher
	chatID  string
	seq     int64
	now     func() time.Time
}

// NewStream sets the event-stream headers on w. Nothing is written until the
// first Send.
func NewStream(w http.ResponseWriter, chatID string) (*Stream, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, ErrStreamingUnsupported
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	return &Stream{w: w, flusher: flusher, chatID: chatID, now: time.Now}, nil
}

func (s *Stream) Send(eventType string, payload map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	if payload == nil {
		payload = map[string]any{}
	}
	event := ChatEvent{
		ChatID:  s.chatID,
		Seq:     s.seq,
		Type:    NormalizeType(eventType),
		Ts:      s.now().UTC().Format(time.RFC3339Nano),
		Payload: payload,
	}
	if err := writeSSE(s.w, event); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

// NewChatCreated announces the chat id before any model output.
func (s *Stream) NewChatCreated() error {
	return s.Send(TypeData, map[string]any{"type": DataNewChatCreated, "chatId": s.chatID})
}

func (s *Stream) Heartbeat() {
	s.mu.Lock()
	defer s.mu.Unlock()
	fmt.Fprint(s.w, ": keep-alive\n\n")
	s.flusher.Flush()
}

func writeSSE(w http.ResponseWriter, event ChatEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "id: %s:%d\n", event.ChatID, event.Seq); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "event: %s\n", event.Type); err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "data: %s\n\n", payload)
	return err
}

// Frame is a decoded server-sent event, used by clients and tests.
type Frame struct {
	ID    string
	Event string
	Data  ChatEvent
}

// ParseFrames decodes an event-stream body. Comment lines are skipped.
func ParseFrames(body string) ([]Frame, error) {
	frames := []Frame{}
	for _, block := range strings.Split(body, "\n\n") {
		block = strings.TrimSpace(block)
		if block == "" {
			continue
		}
		frame := Frame{}
		hasData := false
		for _, line := range strings.Split(block, "\n") {
			switch {
			case strings.HasPrefix(line, ":"):
			case strings.HasPrefix(line, "id: "):
				frame.ID = strings.TrimPrefix(line, "id: ")
			case strings.HasPrefix(line, "event: "):
				frame.Event = strings.TrimPrefix(line, "event: ")
			case strings.HasPrefix(line, "data: "):
				if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &frame.Data); err != nil {
					return nil, fmt.Errorf("decode frame %q: %w", frame.ID, err)
				}
				hasData = true
			}
		}
		if hasData {
			frames = append(frames, frame)
		}
	}
	return frames, nil
}
