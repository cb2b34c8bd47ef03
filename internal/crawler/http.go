package crawler

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

const (
	DefaultMaxChars  = 20000
	maxResponseBytes = 5 << 20
	defaultUserAgent = "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0 Safari/537.36"
)

const (
	noiseSelector = "script, style, noscript, template, svg, iframe, nav, footer, header, aside, form, button"
	blockSelector = "h1, h2, h3, h4, h5, h6, p, li, pre, blockquote, td, th, dt, dd"
)

type HTTPFetcher struct {
	client    *http.Client
	userAgent string
	maxChars  int
}

func NewHTTPFetcher(client *http.Client, maxChars int) *HTTPFetcher {
	if client == nil {
		client = &http.Client{}
	}
	if maxChars <= 0 {
		maxChars = DefaultMaxChars
	}
	return &HTTPFetcher{client: client, userAgent: defaultUserAgent, maxChars: maxChars}
}

func (f *HTTPFetcher) Fetch(ctx context.Context, url string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", &FetchError{URL: url, Message: err.Error()}
	}
	req.Header.Set("User-Agent", f.userAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,text/plain;q=0.9,*/*;q=0.5")

	resp, err := f.client.Do(req)
	if err != nil {
		return "", &FetchError{URL: url, Message: err.Error()}
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return "", &FetchError{URL: url, StatusCode: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return "", &FetchError{URL: url, Message: err.Error()}
	}

	var text string
	switch kind := contentKind(resp.Header.Get("Content-Type"), body); kind {
	case "html":
		text, err = extractText(body)
		if err != nil {
			return "", &FetchError{URL: url, Message: err.Error()}
		}
	case "text":
		text = strings.TrimSpace(string(body))
	default:
		return "", &FetchError{URL: url, Message: fmt.Sprintf("unsupported content type %q", kind)}
	}
	if text == "" {
		return "", &FetchError{URL: url, Message: "no extractable content"}
	}
	return truncateRunes(text, f.maxChars), nil
}

func contentKind(header string, body []byte) string {
	mediaType := ""
	if header != "" {
		if parsed, _, err := mime.ParseMediaType(header); err == nil {
			mediaType = parsed
		}
	}
	if mediaType == "" {
		mediaType, _, _ = mime.ParseMediaType(http.DetectContentType(body))
	}
	switch {
	case strings.Contains(mediaType, "html"):
		return "html"
	case strings.HasPrefix(mediaType, "text/"),
		mediaType == "application/json",
		strings.HasSuffix(mediaType, "+json"),
		strings.HasSuffix(mediaType, "xml"):
		return "text"
	default:
		return mediaType
	}
}

// extractText reduces an HTML document to its title and readable blocks,
// preferring the main or article element when the page has one.
func extractText(body []byte) (string, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("parse html: %w", err)
	}
	title := collapseWhitespace(doc.Find("title").First().Text())
	doc.Find(noiseSelector).Remove()

	root := doc.Find("main, article").First()
	if root.Length() == 0 {
		root = doc.Find("body")
	}
	if root.Length() == 0 {
		root = doc.Selection
	}

	blocks := []string{}
	root.Find(blockSelector).Each(func(_ int, s *goquery.Selection) {
		if s.ParentsFiltered(blockSelector).Length() > 0 {
			return
		}
		if text := collapseWhitespace(s.Text()); text != "" {
			blocks = append(blocks, text)
		}
	})
	if len(blocks) == 0 {
		if text := collapseWhitespace(root.Text()); text != "" {
			blocks = append(blocks, text)
		}
	}
	if len(blocks) == 0 {
		return "", nil
	}

	var b strings.Builder
	if title != "" {
		b.WriteString("# ")
		b.WriteString(title)
		b.WriteString("\n\n")
	}
	b.WriteString(strings.Join(blocks, "\n\n"))
	return b.String(), nil
}

func collapseWhitespace(value string) string {
	return strings.Join(strings.Fields(value), " ")
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
