package engine

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/yangwenmai/readaloud/internal/model"
)

var articleHTML = `<!DOCTYPE html>
<html><head><title>Go 1.25 is released</title></head>
<body>
<nav>Home | About</nav>
<article>
<h1>Go 1.25 is released</h1>
<p>` + strings.Repeat("The Go team is happy to announce a new release with many improvements. ", 12) + `</p>
<p>` + strings.Repeat("The garbage collector is faster and the toolchain is smaller than before. ", 10) + `</p>
</article>
<footer>Copyright</footer>
</body></html>`

func newTestExtractor(opts ...ExtractorOption) *HTTPExtractor {
	return NewHTTPExtractor(append([]ExtractorOption{WithRetryBackoff(time.Millisecond)}, opts...)...)
}

func extractionCode(t *testing.T, err error) model.ExtractionCode {
	t.Helper()
	var ee *model.ExtractionError
	if !errors.As(err, &ee) {
		t.Fatalf("error is not *model.ExtractionError: %T %v", err, err)
	}
	return ee.Code
}

func TestHTTPExtractor_Extract(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		fmt.Fprint(w, articleHTML)
	}))
	defer srv.Close()

	doc, err := newTestExtractor().Extract(context.Background(), srv.URL+"/post")
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if !strings.Contains(doc.Title, "Go 1.25") {
		t.Errorf("Title = %q, want it to mention Go 1.25", doc.Title)
	}
	if !strings.Contains(doc.Body, "garbage collector") {
		t.Errorf("Body missing article text: %q", doc.Body)
	}
	if doc.SourceURL != srv.URL+"/post" {
		t.Errorf("SourceURL = %q", doc.SourceURL)
	}
	if doc.Meta.WordCount == 0 {
		t.Error("WordCount should be set")
	}
}

func TestHTTPExtractor_Truncates(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, articleHTML)
	}))
	defer srv.Close()

	doc, err := newTestExtractor(WithMaxTextLength(120)).Extract(context.Background(), srv.URL)
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if !strings.HasSuffix(doc.Body, "[truncated]") {
		t.Errorf("Body should be truncated, got %d runes", len([]rune(doc.Body)))
	}
}

func TestHTTPExtractor_ValidationCodes(t *testing.T) {
	tests := []struct {
		name string
		url  string
		want model.ExtractionCode
	}{
		{"empty", "   ", model.CodeEmptyInput},
		{"no scheme", "example.com/article", model.CodeInvalidURL},
		{"ftp", "ftp://example.com/file", model.CodeInvalidURL},
		{"video", "https://www.youtube.com/watch?v=1", model.CodeUnsupported},
		{"subdomain of social", "https://m.facebook.com/post/1", model.CodeUnsupported},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := newTestExtractor().Extract(context.Background(), tt.url)
			if got := extractionCode(t, err); got != tt.want {
				t.Errorf("code = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestHTTPExtractor_ResponseCodes(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
		want    model.ExtractionCode
	}{
		{"not found", func(w http.ResponseWriter, _ *http.Request) {
			http.NotFound(w, nil)
		}, model.CodeCrawlFailed},
		{"pdf", func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Content-Type", "application/pdf")
			w.Write([]byte("%PDF-1.4"))
		}, model.CodeUnsupported},
		{"too short", func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Content-Type", "text/html")
			fmt.Fprint(w, "<html><body><p>Please log in.</p></body></html>")
		}, model.CodeNoContent},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(tt.handler)
			defer srv.Close()
			_, err := newTestExtractor().Extract(context.Background(), srv.URL)
			if got := extractionCode(t, err); got != tt.want {
				t.Errorf("code = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestHTTPExtractor_RetriesNetworkErrors(t *testing.T) {
	var attempts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		attempts.Add(1)
		conn, _, err := w.(http.Hijacker).Hijack()
		if err != nil {
			t.Errorf("hijack: %v", err)
			return
		}
		conn.Close()
	}))
	defer srv.Close()

	_, err := newTestExtractor().Extract(context.Background(), srv.URL)
	if got := extractionCode(t, err); got != model.CodeNetworkError {
		t.Errorf("code = %s, want %s", got, model.CodeNetworkError)
	}
	if n := attempts.Load(); n < maxRetries {
		t.Errorf("attempts = %d, want at least %d", n, maxRetries)
	}
}

func TestHTTPExtractor_DoesNotRetryClientErrors(t *testing.T) {
	var attempts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	newTestExtractor().Extract(context.Background(), srv.URL)
	if n := attempts.Load(); n != 1 {
		t.Errorf("attempts = %d, want 1", n)
	}
}

func TestHTTPExtractor_DeadlineIsTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := newTestExtractor().Extract(ctx, srv.URL)
	if got := extractionCode(t, err); got != model.CodeTimeout {
		t.Errorf("code = %s, want %s", got, model.CodeTimeout)
	}
}

func TestIsUnsupportedHost(t *testing.T) {
	domains := []string{"youtube.com", "x.com"}
	tests := []struct {
		host string
		want bool
	}{
		{"youtube.com", true},
		{"www.youtube.com", true},
		{"music.youtube.com", true},
		{"notyoutube.com", false},
		{"X.com", true},
		{"example.com", false},
	}
	for _, tt := range tests {
		if got := IsUnsupportedHost(tt.host, domains); got != tt.want {
			t.Errorf("IsUnsupportedHost(%q) = %v, want %v", tt.host, got, tt.want)
		}
	}
}
