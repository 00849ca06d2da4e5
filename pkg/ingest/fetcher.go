package ingest

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/time/rate"

	"github.com/xhad/groundnotes/internal/models"
	"github.com/xhad/groundnotes/pkg/chunker"
)

type FetcherConfig struct {
	RateLimit float64 // requests per second
	Timeout   time.Duration
	// MaxDepth is how many link hops Crawl follows from the start page.
	// Zero fetches only the start page.
	MaxDepth          int
	MaxBytes          int64
	IgnorePatterns    []string
	AllowedExtensions []string
	OnProgress        func(url string)
	Logger            *slog.Logger
}

// URLFetcher downloads HTML pages and extracts their readable text.
type URLFetcher struct {
	config  FetcherConfig
	client  *http.Client
	limiter *rate.Limiter
}

func NewURLFetcher(config FetcherConfig) *URLFetcher {
	if config.Timeout == 0 {
		config.Timeout = 30 * time.Second
	}
	if config.RateLimit == 0 {
		config.RateLimit = 2
	}
	if config.MaxBytes == 0 {
		config.MaxBytes = 10 << 20
	}
	if len(config.AllowedExtensions) == 0 {
		config.AllowedExtensions = []string{".html", ".htm", "/", ""}
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	return &URLFetcher{
		config:  config,
		client:  &http.Client{Timeout: config.Timeout},
		limiter: rate.NewLimiter(rate.Limit(config.RateLimit), 1),
	}
}

// Fetch downloads one page and returns it as an unsaved document.
func (f *URLFetcher) Fetch(ctx context.Context, rawURL string) (models.Document, error) {
	doc, _, err := f.fetch(ctx, rawURL)
	return doc, err
}

// Crawl fetches rawURL and follows same-host links up to MaxDepth hops.
// Pages that fail after the first are logged and skipped.
func (f *URLFetcher) Crawl(ctx context.Context, rawURL string) ([]models.Document, error) {
	start, err := normalizeURL(rawURL)
	if err != nil {
		return nil, err
	}

	c := &crawl{fetcher: f, host: start.Host, visited: make(map[string]bool)}
	if err := c.visit(ctx, start.String(), 0); err != nil {
		return nil, err
	}
	return c.docs, nil
}

type crawl struct {
	fetcher *URLFetcher
	host    string
	visited map[string]bool
	docs    []models.Document
}

func (c *crawl) visit(ctx context.Context, pageURL string, depth int) error {
	if c.visited[pageURL] {
		return nil
	}
	c.visited[pageURL] = true

	doc, links, err := c.fetcher.fetch(ctx, pageURL)
	if err != nil {
		return err
	}
	c.docs = append(c.docs, doc)

	if depth >= c.fetcher.config.MaxDepth {
		return nil
	}
	for _, link := range links {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !c.fetcher.shouldFollow(link, c.host) {
			continue
		}
		if err := c.visit(ctx, link, depth+1); err != nil {
			c.fetcher.config.Logger.Warn("skipping page", "url", link, "error", err)
		}
	}
	return nil
}

func (f *URLFetcher) fetch(ctx context.Context, rawURL string) (models.Document, []string, error) {
	pageURL, err := normalizeURL(rawURL)
	if err != nil {
		return models.Document{}, nil, err
	}
	if f.config.OnProgress != nil {
		f.config.OnProgress(pageURL.String())
	}

	if err := f.limiter.Wait(ctx); err != nil {
		return models.Document{}, nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL.String(), nil)
	if err != nil {
		return models.Document{}, nil, err
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return models.Document{}, nil, fmt.Errorf("fetch %s: %w", pageURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return models.Document{}, nil, fmt.Errorf("received status code %d for URL: %s", resp.StatusCode, pageURL)
	}

	page, err := goquery.NewDocumentFromReader(io.LimitReader(resp.Body, f.config.MaxBytes))
	if err != nil {
		return models.Document{}, nil, fmt.Errorf("parse %s: %w", pageURL, err)
	}

	content := extractMainContent(page)
	if content == "" {
		return models.Document{}, nil, fmt.Errorf("no readable text at %s", pageURL)
	}

	title := strings.TrimSpace(page.Find("title").First().Text())
	if title == "" {
		title = pageURL.String()
	}

	var links []string
	page.Find("a[href]").Each(func(_ int, sel *goquery.Selection) {
		href, _ := sel.Attr("href")
		ref, err := url.Parse(strings.TrimSpace(href))
		if err != nil {
			return
		}
		abs := pageURL.ResolveReference(ref)
		abs.Fragment = ""
		links = append(links, abs.String())
	})

	return models.Document{
		Title:   title,
		Source:  pageURL.String(),
		Content: content,
	}, links, nil
}

func (f *URLFetcher) shouldFollow(link, host string) bool {
	u, err := url.Parse(link)
	if err != nil || u.Host != host {
		return false
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return false
	}

	// "/" matches directory-style paths, "" matches paths without an extension.
	p := strings.ToLower(u.Path)
	allowed := false
	for _, ext := range f.config.AllowedExtensions {
		if ext == "/" && strings.HasSuffix(p, "/") || ext != "/" && path.Ext(p) == ext {
			allowed = true
			break
		}
	}
	if !allowed {
		return false
	}

	for _, pattern := range f.config.IgnorePatterns {
		if strings.Contains(link, pattern) {
			return false
		}
	}
	return true
}

// normalizeURL adds https:// when the scheme is missing.
func normalizeURL(rawURL string) (*url.URL, error) {
	rawURL = strings.TrimSpace(rawURL)
	if !strings.Contains(rawURL, "://") {
		rawURL = "https://" + rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid URL %q: %w", rawURL, err)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("invalid URL %q: missing host", rawURL)
	}
	return u, nil
}

var noisePatterns = []string{
	"Cookie Policy",
	"Accept Cookies",
	"Privacy Policy",
	"Terms of Service",
}

var contentSelectors = []string{
	"main",
	"article",
	".content",
	"#content",
	".documentation",
	"#documentation",
}

func extractMainContent(page *goquery.Document) string {
	page.Find("script, style, noscript, nav, footer").Remove()

	var content string
	for _, selector := range contentSelectors {
		if selected := page.Find(selector); selected.Length() > 0 {
			content = selected.Text()
			break
		}
	}
	if strings.TrimSpace(content) == "" {
		content = page.Find("body").Text()
	}

	for _, pattern := range noisePatterns {
		content = strings.ReplaceAll(content, pattern, "")
	}
	return chunker.Normalize(content)
}
