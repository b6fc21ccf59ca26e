package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net"
	"net/http"
	nurl "net/url"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/go-shiori/go-readability"

	"github.com/yangwenmai/readaloud/internal/model"
)

const (
	defaultMaxTextLength = 15000
	// minTextLength is the minimum content length to accept as a valid extraction.
	// Pages returning less than this are likely login walls, cookie walls, or empty pages.
	minTextLength = 100
	// maxRetries is the number of extraction attempts before giving up.
	maxRetries = 3
	// maxBodySize is the maximum HTTP response body size (5MB).
	maxBodySize = 5 * 1024 * 1024
)

// DefaultUnsupportedDomains lists platforms whose pages are video or social
// feeds rather than readable articles.
var DefaultUnsupportedDomains = []string{
	"youtube.com",
	"youtu.be",
	"vimeo.com",
	"twitter.com",
	"x.com",
	"instagram.com",
	"facebook.com",
	"tiktok.com",
	"linkedin.com",
}

// HTTPExtractor fetches web pages and extracts readable content using go-readability.
type HTTPExtractor struct {
	client        *http.Client
	maxTextLength int
	unsupported   []string
	backoff       time.Duration
}

// ExtractorOption configures the HTTP extractor.
type ExtractorOption func(*HTTPExtractor)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(c *http.Client) ExtractorOption {
	return func(e *HTTPExtractor) { e.client = c }
}

// WithMaxTextLength caps the number of runes kept from a page.
func WithMaxTextLength(n int) ExtractorOption {
	return func(e *HTTPExtractor) {
		if n > 0 {
			e.maxTextLength = n
		}
	}
}

// WithUnsupportedDomains replaces the unsupported domain list.
func WithUnsupportedDomains(domains []string) ExtractorOption {
	return func(e *HTTPExtractor) { e.unsupported = domains }
}

// WithRetryBackoff sets the base delay between attempts.
func WithRetryBackoff(d time.Duration) ExtractorOption {
	return func(e *HTTPExtractor) { e.backoff = d }
}

// NewHTTPExtractor creates a new HTTP-based content extractor.
func NewHTTPExtractor(opts ...ExtractorOption) *HTTPExtractor {
	e := &HTTPExtractor{
		client: &http.Client{
			Timeout: 30 * time.Second,
		},
		maxTextLength: defaultMaxTextLength,
		unsupported:   DefaultUnsupportedDomains,
		backoff:       2 * time.Second,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Extract validates the URL, then fetches it and extracts the main content.
// Network failures and timeouts are retried; every other failure is returned
// immediately as a *model.ExtractionError.
func (e *HTTPExtractor) Extract(ctx context.Context, rawURL string) (*model.Document, error) {
	parsed, err := e.validate(rawURL)
	if err != nil {
		return nil, err
	}

	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(attempt) * e.backoff
			select {
			case <-ctx.Done():
				return nil, contextError(ctx)
			case <-time.After(backoff):
			}
		}

		doc, err := e.doExtract(ctx, parsed)
		if err == nil {
			return doc, nil
		}
		lastErr = err

		if ctx.Err() != nil {
			return nil, contextError(ctx)
		}
		var ee *model.ExtractionError
		if errors.As(err, &ee) && ee.Code != model.CodeNetworkError && ee.Code != model.CodeTimeout {
			return nil, err
		}
	}
	return nil, lastErr
}

// validate rejects empty, malformed and unsupported URLs before any request.
func (e *HTTPExtractor) validate(rawURL string) (*nurl.URL, error) {
	rawURL = strings.TrimSpace(rawURL)
	if rawURL == "" {
		return nil, model.NewExtractionError(model.CodeEmptyInput, "", nil)
	}
	u, err := nurl.Parse(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, model.NewExtractionError(model.CodeInvalidURL, rawURL, err)
	}
	if IsUnsupportedHost(u.Hostname(), e.unsupported) {
		return nil, model.NewExtractionError(model.CodeUnsupported, u.Hostname(), nil)
	}
	return u, nil
}

// IsUnsupportedHost reports whether host, or any parent domain of it, is in
// the list. A leading "www." is ignored.
func IsUnsupportedHost(host string, domains []string) bool {
	host = strings.TrimPrefix(strings.ToLower(host), "www.")
	for _, d := range domains {
		d = strings.ToLower(strings.TrimSpace(d))
		if d == "" {
			continue
		}
		if host == d || strings.HasSuffix(host, "."+d) {
			return true
		}
	}
	return false
}

// doExtract performs a single extraction attempt.
func (e *HTTPExtractor) doExtract(ctx context.Context, u *nurl.URL) (*model.Document, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, model.NewExtractionError(model.CodeInvalidURL, u.String(), err)
	}

	// Use a realistic browser User-Agent to avoid being blocked by sites.
	req.Header.Set("User-Agent", "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36")
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
	req.Header.Set("Accept-Language", "en-US,en;q=0.9,ko;q=0.8")

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, classifyFetchError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, model.NewExtractionError(model.CodeCrawlFailed, fmt.Sprintf("HTTP %d", resp.StatusCode), nil)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "" {
		if mt, _, err := mime.ParseMediaType(ct); err == nil && !isHTML(mt) {
			return nil, model.NewExtractionError(model.CodeUnsupported, mt, nil)
		}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return nil, classifyFetchError(err)
	}

	article, err := readability.FromReader(strings.NewReader(string(body)), u)
	if err != nil {
		return nil, model.NewExtractionError(model.CodeNoContent, "readability", err)
	}

	text := normalizeText(article.TextContent)

	// Content quality validation: reject suspiciously short content.
	if n := utf8.RuneCountInString(text); n < minTextLength {
		return nil, model.NewExtractionError(model.CodeNoContent, fmt.Sprintf("extracted content too short (%d chars)", n), nil)
	}

	if utf8.RuneCountInString(text) > e.maxTextLength {
		runes := []rune(text)
		text = string(runes[:e.maxTextLength]) + "\n... [truncated]"
	}

	// Extract publish date from go-readability's Article.PublishedTime if available.
	var publishDate string
	if article.PublishedTime != nil && !article.PublishedTime.IsZero() {
		publishDate = article.PublishedTime.Format(time.RFC3339)
	}

	title := strings.TrimSpace(article.Title)
	if title == "" {
		title = "Untitled Article"
	}

	return &model.Document{
		Title:       title,
		Body:        text,
		SourceURL:   u.String(),
		RetrievedAt: time.Now().UTC(),
		Meta: model.DocumentMeta{
			Author:      article.Byline,
			SiteName:    article.SiteName,
			PublishDate: publishDate,
			WordCount:   len(strings.Fields(text)),
		},
	}, nil
}

func isHTML(mediaType string) bool {
	return mediaType == "text/html" || mediaType == "application/xhtml+xml" || mediaType == "text/plain"
}

// classifyFetchError maps transport errors to TIMEOUT or NETWORK_ERROR.
func classifyFetchError(err error) error {
	var ne net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &ne) && ne.Timeout()) {
		return model.NewExtractionError(model.CodeTimeout, "", err)
	}
	return model.NewExtractionError(model.CodeNetworkError, "", err)
}

// contextError reports a caller deadline as TIMEOUT and passes cancellation through.
func contextError(ctx context.Context) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return model.NewExtractionError(model.CodeTimeout, "", ctx.Err())
	}
	return ctx.Err()
}

var multiSpace = regexp.MustCompile(`[ \t]+`)
var multiNewline = regexp.MustCompile(`\n{3,}`)

func normalizeText(s string) string {
	s = strings.TrimSpace(s)
	s = multiSpace.ReplaceAllString(s, " ")
	s = multiNewline.ReplaceAllString(s, "\n\n")
	return s
}
