package deepsearch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/Keyring-Network/keyring-deepsearch/internal/crawler"
	"github.com/Keyring-Network/keyring-deepsearch/internal/llm"
	"github.com/Keyring-Network/keyring-deepsearch/internal/search"
)

const (
	SearchToolName = "searchWeb"
	ScrapeToolName = "scrapePages"

	MaxScrapeURLs = 5
)

// Tool is a capability the model can invoke by name.
type Tool interface {
	Definition() llm.Tool
	Execute(ctx context.Context, arguments json.RawMessage) (any, error)
}

type SearchFunc func(ctx context.Context, query search.Query) (search.Response, error)

type ScrapeFunc func(ctx context.Context, urls []string) (crawler.BulkCrawlResponse, error)

type SearchTool struct {
	search SearchFunc
	num    int
}

func NewSearchTool(fn SearchFunc, num int) *SearchTool {
	if num <= 0 {
		num = 10
	}
	return &SearchTool{search: fn, num: num}
}

func (t *SearchTool) Definition() llm.Tool {
	return llm.Tool{
		Name:        SearchToolName,
		Description: "Search the web and return the top results with title, link, snippet and publication date.",
		Parameters: llm.Schema{
			Type: "object",
			Properties: map[string]llm.Schema{
				"query": {Type: "string", Description: "The query to search the web for"},
			},
			Required: []string{"query"},
		},
	}
}

type searchArgs struct {
	Query string `json:"query"`
}

type SearchResult struct {
	Title   string `json:"title"`
	Link    string `json:"link"`
	Snippet string `json:"snippet"`
	Date    string `json:"date,omitempty"`
}

func (t *SearchTool) Execute(ctx context.Context, arguments json.RawMessage) (any, error) {
	var args searchArgs
	if err := json.Unmarshal(arguments, &args); err != nil {
		return nil, fmt.Errorf("invalid arguments: %w", err)
	}
	if strings.TrimSpace(args.Query) == "" {
		return nil, errors.New("invalid arguments: query is required")
	}
	resp, err := t.search(ctx, search.Query{Q: args.Query, Num: t.num})
	if err != nil {
		return nil, err
	}
	results := make([]SearchResult, 0, len(resp.Organic))
	for _, result := range resp.Organic {
		results = append(results, SearchResult{
			Title:   result.Title,
			Link:    result.Link,
			Snippet: result.Snippet,
			Date:    result.Date,
		})
	}
	return results, nil
}

type ScrapeTool struct {
	scrape ScrapeFunc
}

func NewScrapeTool(fn ScrapeFunc) *ScrapeTool {
	return &ScrapeTool{scrape: fn}
}

func (t *ScrapeTool) Definition() llm.Tool {
	return llm.Tool{
		Name:        ScrapeToolName,
		Description: "Fetch the full readable content of web pages.",
		Parameters: llm.Schema{
			Type: "object",
			Properties: map[string]llm.Schema{
				"urls": {
					Type:        "array",
					Description: "Array of URLs to scrape (max 5)",
					Items:       &llm.Schema{Type: "string"},
					MaxItems:    MaxScrapeURLs,
				},
			},
			Required: []string{"urls"},
		},
	}
}

type scrapeArgs struct {
	URLs []string `json:"urls"`
}

type ScrapeOutput struct {
	Error   string        `json:"error,omitempty"`
	Results []ScrapedPage `json:"results"`
}

type ScrapedPage struct {
	URL     string `json:"url"`
	Content string `json:"content"`
	Error   bool   `json:"error"`
}

func (t *ScrapeTool) Execute(ctx context.Context, arguments json.RawMessage) (any, error) {
	var args scrapeArgs
	if err := json.Unmarshal(arguments, &args); err != nil {
		return nil, fmt.Errorf("invalid arguments: %w", err)
	}
	if len(args.URLs) == 0 {
		return nil, errors.New("invalid arguments: urls is required")
	}
	if len(args.URLs) > MaxScrapeURLs {
		return nil, fmt.Errorf("invalid arguments: at most %d urls can be scraped at once, got %d", MaxScrapeURLs, len(args.URLs))
	}
	resp, err := t.scrape(ctx, args.URLs)
	if err != nil {
		return nil, err
	}
	return toScrapeOutput(resp), nil
}

func toScrapeOutput(resp crawler.BulkCrawlResponse) ScrapeOutput {
	out := ScrapeOutput{Results: make([]ScrapedPage, 0, len(resp.Results))}
	if !resp.Success {
		out.Error = resp.Error
	}
	for _, result := range resp.Results {
		page := ScrapedPage{URL: result.URL, Content: result.Result.Data}
		if !result.Result.Success {
			page.Content = "Error: " + result.Result.Error
			page.Error = true
		}
		out.Results = append(out.Results, page)
	}
	return out
}
