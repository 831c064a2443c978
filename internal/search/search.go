// Package search provides an advisory web search and page extraction
// client used by the skill synthesizer to gather reference material.
//
// All operations are best-effort: callers treat failures as "no
// references available" and proceed without them.
package search

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/PuerkitoBio/goquery"
)

const (
	// searchEndpoint is the HTML (non-JS) DuckDuckGo frontend, which can
	// be scraped without an API key.
	searchEndpoint = "https://html.duckduckgo.com/html/"

	// fetchDeadline bounds a single page fetch.
	fetchDeadline = 10 * time.Second

	// maxExtractChars caps extracted page content so a single noisy page
	// cannot dominate a synthesis prompt.
	maxExtractChars = 3000

	defaultUserAgent = "Mozilla/5.0 (compatible; jedisos/1.0)"
)

// Result is a single search hit.
type Result struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Snippet string `json:"snippet"`
}

// Client performs web searches and page fetches.
type Client struct {
	httpClient *http.Client
	endpoint   string
	userAgent  string
	logger     *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient overrides the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithEndpoint overrides the search endpoint URL.
func WithEndpoint(endpoint string) Option {
	return func(c *Client) { c.endpoint = endpoint }
}

// NewClient creates a search client.
func NewClient(logger *slog.Logger, opts ...Option) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Client{
		httpClient: &http.Client{Timeout: 30 * time.Second},
		endpoint:   searchEndpoint,
		userAgent:  defaultUserAgent,
		logger:     logger.With("component", "search"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Search runs a query and returns up to limit results.
func (c *Client) Search(ctx context.Context, query string, limit int) ([]Result, error) {
	if strings.TrimSpace(query) == "" {
		return nil, fmt.Errorf("empty query")
	}
	if limit <= 0 {
		limit = 5
	}

	form := url.Values{"q": {query}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("build search request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("User-Agent", c.userAgent)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("search request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("search returned status %d", resp.StatusCode)
	}

	doc, err := goquery.NewDocumentFromReader(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("parse search response: %w", err)
	}

	var results []Result
	doc.Find(".result").EachWithBreak(func(_ int, sel *goquery.Selection) bool {
		link := sel.Find(".result__a").First()
		href, ok := link.Attr("href")
		if !ok {
			return true
		}
		results = append(results, Result{
			Title:   strings.TrimSpace(link.Text()),
			URL:     resolveRedirect(href),
			Snippet: strings.TrimSpace(sel.Find(".result__snippet").First().Text()),
		})
		return len(results) < limit
	})

	c.logger.Debug("search completed", "query", query, "results", len(results))
	return results, nil
}

// resolveRedirect unwraps DuckDuckGo's /l/?uddg= redirect links to the
// destination URL. Non-redirect links pass through unchanged.
func resolveRedirect(href string) string {
	parsed, err := url.Parse(href)
	if err != nil {
		return href
	}
	if target := parsed.Query().Get("uddg"); target != "" {
		if decoded, err := url.QueryUnescape(target); err == nil {
			return decoded
		}
		return target
	}
	if parsed.Scheme == "" {
		return "https:" + href
	}
	return href
}

// Fetch retrieves a page and extracts readable text. Code blocks are
// preferred over prose when present, since synthesis references usually
// want examples rather than narrative. Output is truncated to
// maxExtractChars.
func (c *Client) Fetch(ctx context.Context, rawURL string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, fetchDeadline)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return "", fmt.Errorf("build fetch request: %w", err)
	}
	req.Header.Set("User-Agent", c.userAgent)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch %s: %w", rawURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("fetch %s: status %d", rawURL, resp.StatusCode)
	}

	ct := resp.Header.Get("Content-Type")
	if ct != "" && !strings.Contains(ct, "text/html") && !strings.Contains(ct, "text/plain") {
		return "", fmt.Errorf("fetch %s: unsupported content type %q", rawURL, ct)
	}

	doc, err := goquery.NewDocumentFromReader(resp.Body)
	if err != nil {
		return "", fmt.Errorf("parse %s: %w", rawURL, err)
	}

	doc.Find("script, style, nav, header, footer").Remove()

	text := extractCode(doc)
	if text == "" {
		text = extractProse(doc)
	}
	return truncate(text, maxExtractChars), nil
}

// extractCode gathers pre/code blocks, the highest-signal content for
// generating a new tool.
func extractCode(doc *goquery.Document) string {
	var blocks []string
	doc.Find("pre").Each(func(_ int, sel *goquery.Selection) {
		if block := strings.TrimSpace(sel.Text()); block != "" {
			blocks = append(blocks, block)
		}
	})
	if len(blocks) == 0 {
		return ""
	}
	return strings.Join(blocks, "\n\n")
}

// extractProse gathers headings and paragraphs as a fallback.
func extractProse(doc *goquery.Document) string {
	var parts []string
	doc.Find("h1, h2, h3, p, li").Each(func(_ int, sel *goquery.Selection) {
		if t := strings.TrimSpace(sel.Text()); t != "" {
			parts = append(parts, t)
		}
	})
	return strings.Join(parts, "\n")
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	// Back the cut up to a rune boundary so a multi-byte rune is never
	// split.
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}
