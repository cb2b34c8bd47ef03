package search

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const DefaultURL = "https://google.serper.dev/search"

type Config struct {
	APIKey string
	URL    string
}

type Query struct {
	Q   string `json:"q"`
	Num int    `json:"num"`
}

type Result struct {
	Title   string `json:"title"`
	Link    string `json:"link"`
	Snippet string `json:"snippet"`
	Date    string `json:"date,omitempty"`
}

type Response struct {
	Organic []Result `json:"organic"`
}

type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("search request failed: status %d", e.StatusCode)
	}
	return fmt.Sprintf("search request failed: status %d: %s", e.StatusCode, e.Body)
}

// Client talks to a Serper compatible search endpoint.
type Client struct {
	apiKey string
	url    string
	client *http.Client
}

func NewClient(cfg Config) *Client {
	url := cfg.URL
	if url == "" {
		url = DefaultURL
	}
	return &Client{
		apiKey: cfg.APIKey,
		url:    url,
		client: &http.Client{Timeout: 15 * time.Second},
	}
}

func (c *Client) Search(ctx context.Context, query Query) (Response, error) {
	if c.apiKey == "" {
		return Response{}, errors.New("missing API key for search provider")
	}
	if strings.TrimSpace(query.Q) == "" {
		return Response{}, errors.New("search query is empty")
	}
	body, err := json.Marshal(query)
	if err != nil {
		return Response{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return Response{}, err
	}
	req.Header.Set("X-API-KEY", c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return Response{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return Response{}, &StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(snippet))}
	}

	var parsed Response
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return Response{}, fmt.Errorf("decode search response: %w", err)
	}
	if parsed.Organic == nil {
		parsed.Organic = []Result{}
	}
	return parsed, nil
}
