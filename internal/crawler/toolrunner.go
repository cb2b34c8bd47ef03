package crawler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
)

const toolContractVersion = "tool_contract_v2"

type toolRunnerResponse struct {
	Status string         `json:"status"`
	Output map[string]any `json:"output"`
	Error  string         `json:"error,omitempty"`
}

// ToolRunnerFetcher renders pages in the tool runner's browser, which handles
// sites that only produce content after running JavaScript.
type ToolRunnerFetcher struct {
	baseURL    string
	httpClient *http.Client
	timeout    time.Duration
	maxChars   int
}

func NewToolRunnerFetcher(baseURL string, client *http.Client, timeout time.Duration, maxChars int) *ToolRunnerFetcher {
	if client == nil {
		client = &http.Client{}
	}
	if maxChars <= 0 {
		maxChars = DefaultMaxChars
	}
	return &ToolRunnerFetcher{
		baseURL:    strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		httpClient: client,
		timeout:    timeout,
		maxChars:   maxChars,
	}
}

func (f *ToolRunnerFetcher) Fetch(ctx context.Context, url string) (string, error) {
	if f.baseURL == "" {
		return "", &FetchError{URL: url, Message: "tool runner url not configured"}
	}
	runID := uuid.New().String()
	if _, err := f.execute(ctx, runID, "browser.navigate", map[string]any{"url": url}); err != nil {
		return "", &FetchError{URL: url, Message: err.Error()}
	}
	output, err := f.execute(ctx, runID, "browser.extract", map[string]any{"mode": "text"})
	if err != nil {
		return "", &FetchError{URL: url, Message: err.Error()}
	}
	text := strings.TrimSpace(extractedText(output))
	if text == "" {
		return "", &FetchError{URL: url, Message: "no extractable content"}
	}
	return truncateRunes(text, f.maxChars), nil
}

func (f *ToolRunnerFetcher) execute(ctx context.Context, runID string, toolName string, input map[string]any) (map[string]any, error) {
	invocationID := uuid.New().String()
	payload := map[string]any{
		"contract_version": toolContractVersion,
		"run_id":           runID,
		"invocation_id":    invocationID,
		"idempotency_key":  invocationID,
		"tool_name":        toolName,
		"input":            input,
	}
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining > 0 {
			payload["timeout_ms"] = int(remaining / time.Millisecond)
		}
	} else if f.timeout > 0 {
		payload["timeout_ms"] = int(f.timeout / time.Millisecond)
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.baseURL+"/tools/execute", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := f.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		responseBody, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		return nil, fmt.Errorf("%s: %s", toolName, parseToolRunnerErrorMessage(resp.StatusCode, responseBody))
	}
	var result toolRunnerResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("%s: decode response: %w", toolName, err)
	}
	if result.Error != "" {
		return nil, fmt.Errorf("%s: %s", toolName, strings.TrimSpace(result.Error))
	}
	return result.Output, nil
}

func extractedText(output map[string]any) string {
	if extracted, ok := output["extracted"].(map[string]any); ok {
		if text := firstNonEmptyString(extracted["text"], extracted["content"]); text != "" {
			return text
		}
	}
	return firstNonEmptyString(output["text"], output["content"])
}

func parseToolRunnerErrorMessage(statusCode int, responseBody []byte) string {
	trimmed := strings.TrimSpace(string(responseBody))
	if trimmed == "" {
		return fmt.Sprintf("tool runner returned status %d", statusCode)
	}
	payload := map[string]any{}
	if err := json.Unmarshal(responseBody, &payload); err != nil {
		return trimmed
	}
	errorText := firstNonEmptyString(payload["error"], payload["message"], payload["detail"])
	if errorText == "" {
		errorText = trimmed
	}
	if reasonCode := firstNonEmptyString(payload["reason_code"]); reasonCode != "" {
		return fmt.Sprintf("%s (%s)", errorText, reasonCode)
	}
	return errorText
}

func firstNonEmptyString(values ...any) string {
	for _, value := range values {
		if text, ok := value.(string); ok {
			if trimmed := strings.TrimSpace(text); trimmed != "" {
				return trimmed
			}
		}
	}
	return ""
}
