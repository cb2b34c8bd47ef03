package crawler

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const DefaultTimeout = 10 * time.Second

type Result struct {
	Success bool   `json:"success"`
	Data    string `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
}

type CrawlResult struct {
	URL    string `json:"url"`
	Result Result `json:"result"`
}

type BulkCrawlResponse struct {
	Success bool          `json:"success"`
	Error   string        `json:"error,omitempty"`
	Results []CrawlResult `json:"results"`
}

// Fetcher retrieves the readable text of a single page.
type Fetcher interface {
	Fetch(ctx context.Context, url string) (string, error)
}

type Crawler struct {
	fetcher Fetcher
	timeout time.Duration
	logger  *zap.Logger
}

func New(fetcher Fetcher, timeout time.Duration, logger *zap.Logger) *Crawler {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Crawler{fetcher: fetcher, timeout: timeout, logger: logger}
}

// BulkCrawl fetches every url concurrently and reports one result per input
// position. A failing url never affects the others. The returned error is
// non-nil only when ctx ends before the batch completes.
func (c *Crawler) BulkCrawl(ctx context.Context, urls []string) (BulkCrawlResponse, error) {
	unique := make([]string, 0, len(urls))
	seen := make(map[string]int, len(urls))
	for _, url := range urls {
		if _, ok := seen[url]; ok {
			continue
		}
		seen[url] = len(unique)
		unique = append(unique, url)
	}

	fetched := make([]Result, len(unique))
	var g errgroup.Group
	for i, url := range unique {
		g.Go(func() error {
			fetched[i] = c.fetchOne(ctx, url)
			return nil
		})
	}
	_ = g.Wait()

	response := BulkCrawlResponse{Success: true, Results: make([]CrawlResult, len(urls))}
	failures := []string{}
	for i, url := range urls {
		result := fetched[seen[url]]
		response.Results[i] = CrawlResult{URL: url, Result: result}
		if !result.Success {
			response.Success = false
			failures = append(failures, fmt.Sprintf("%s: %s", url, result.Error))
		}
	}
	if len(failures) > 0 {
		response.Error = "Failed to crawl some websites: " + strings.Join(failures, "; ")
	}
	if err := ctx.Err(); err != nil {
		return response, err
	}
	return response, nil
}

func (c *Crawler) fetchOne(ctx context.Context, url string) Result {
	fetchCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	started := time.Now()
	data, err := c.fetcher.Fetch(fetchCtx, url)
	if err != nil {
		c.logger.Debug("crawl failed",
			zap.String("url", url),
			zap.Duration("elapsed", time.Since(started)),
			zap.Error(err))
		return Result{Success: false, Error: err.Error()}
	}
	c.logger.Debug("crawl succeeded",
		zap.String("url", url),
		zap.Int("chars", len(data)),
		zap.Duration("elapsed", time.Since(started)))
	return Result{Success: true, Data: data}
}
