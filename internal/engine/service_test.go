package engine

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/yangwenmai/readaloud/internal/sse"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeChat replays fixed deltas and then returns err.
type fakeChat struct {
	deltas []Delta
	err    error
	system string
	user   string
}

func (f *fakeChat) StreamChat(_ context.Context, system, user string, fn func(Delta) error) (string, error) {
	f.system, f.user = system, user
	for _, d := range f.deltas {
		if err := fn(d); err != nil {
			return "fake", err
		}
	}
	return "fake-model", f.err
}

func collect(t *testing.T, body io.ReadCloser) []sse.Event {
	t.Helper()
	dec := sse.NewDecoder(body, testLogger())
	defer dec.Close()
	var events []sse.Event
	for ev, err := range dec.All() {
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		events = append(events, ev)
	}
	return events
}

func TestGenerationService_Summary(t *testing.T) {
	svc := NewGenerationService(&StubStreamer{}, testLogger())
	body, err := svc.Stream(context.Background(), GenerateRequest{
		Kind:      KindSummary,
		Text:      "article text",
		SourceURL: "https://example.com/a",
		ArticleID: "article_1234abcd",
	})
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	events := collect(t, body)
	if len(events) == 0 {
		t.Fatal("no events")
	}

	var reasoning, answer int
	for _, ev := range events[:len(events)-1] {
		switch ev.Kind {
		case sse.KindReasoning:
			reasoning++
		case sse.KindAnswer:
			answer++
		default:
			t.Errorf("unexpected %s event before the end", ev.Kind)
		}
	}
	if reasoning == 0 || answer == 0 {
		t.Errorf("reasoning=%d answer=%d, want both > 0", reasoning, answer)
	}

	last := events[len(events)-1]
	if last.Kind != sse.KindComplete {
		t.Fatalf("last event = %s, want complete", last.Kind)
	}
	var p SummaryPayload
	if err := json.Unmarshal(last.Data, &p); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if p.ArticleID != "article_1234abcd" || p.Model != "stub" {
		t.Errorf("payload = %+v", p)
	}
	if p.Summary == nil || p.Summary.MainTopic != "A new language release" || len(p.Summary.BulletPoints) != 3 {
		t.Errorf("summary = %+v", p.Summary)
	}
}

func TestGenerationService_Script(t *testing.T) {
	svc := NewGenerationService(&StubStreamer{}, testLogger())
	body, err := svc.Stream(context.Background(), GenerateRequest{Kind: KindScript, Text: "article text"})
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	events := collect(t, body)
	last := events[len(events)-1]
	if last.Kind != sse.KindComplete {
		t.Fatalf("last event = %s, want complete", last.Kind)
	}
	var p ScriptPayload
	if err := json.Unmarshal(last.Data, &p); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if p.Script == nil || p.Script.Title != "A faster release" || len(p.Script.Paragraphs) != 4 {
		t.Fatalf("script = %+v", p.Script)
	}
	total := 0
	for _, para := range p.Script.Paragraphs {
		total += len([]rune(para))
	}
	if p.Script.TotalCharacters != total {
		t.Errorf("TotalCharacters = %d, want %d", p.Script.TotalCharacters, total)
	}
}

func TestGenerationService_UpstreamFailureIsInBand(t *testing.T) {
	chat := &fakeChat{
		deltas: []Delta{{Content: "[TOPIC]\n"}},
		err:    errors.New("rate limited"),
	}
	svc := NewGenerationService(chat, testLogger())
	rec := httptest.NewRecorder()
	err := svc.Serve(context.Background(), GenerateRequest{Kind: KindSummary, Text: "x"}, rec)
	if err != nil {
		t.Fatalf("Serve: %v", err)
	}
	events := collect(t, io.NopCloser(rec.Body))
	last := events[len(events)-1]
	if last.Kind != sse.KindFailed || last.Text != "rate limited" {
		t.Errorf("last event = %+v, want failed with upstream message", last)
	}
}

func TestGenerationService_EmptyAnswerFails(t *testing.T) {
	svc := NewGenerationService(&fakeChat{deltas: []Delta{{Reasoning: "hmm"}}}, testLogger())
	rec := httptest.NewRecorder()
	if err := svc.Serve(context.Background(), GenerateRequest{Kind: KindScript, Text: "x"}, rec); err != nil {
		t.Fatalf("Serve: %v", err)
	}
	events := collect(t, io.NopCloser(rec.Body))
	if last := events[len(events)-1]; last.Kind != sse.KindFailed {
		t.Errorf("last event = %s, want failed", last.Kind)
	}
}

func TestGenerationService_PromptIncludesSecondarySource(t *testing.T) {
	chat := &fakeChat{deltas: []Delta{{Content: "- point"}}}
	svc := NewGenerationService(chat, testLogger())
	req := GenerateRequest{Kind: KindSummary, Text: "primary body", SecondaryText: "linked body"}
	if err := svc.Serve(context.Background(), req, io.Discard); err != nil {
		t.Fatalf("Serve: %v", err)
	}
	if chat.system != summarySystemPrompt {
		t.Error("summary request should use the summary system prompt")
	}
	for _, want := range []string{"primary body", "linked body", "[TOPIC]", "[SUMMARY]"} {
		if !strings.Contains(chat.user, want) {
			t.Errorf("prompt missing %q", want)
		}
	}
}

func TestGenerationService_RejectsInvalidRequest(t *testing.T) {
	svc := NewGenerationService(&StubStreamer{}, testLogger())
	if _, err := svc.Stream(context.Background(), GenerateRequest{Kind: "poem", Text: "x"}); err == nil {
		t.Error("expected error for unknown kind")
	}
	if _, err := svc.Stream(context.Background(), GenerateRequest{Kind: KindSummary}); err == nil {
		t.Error("expected error for empty text")
	}
}

func TestRemoteGenerator_Stream(t *testing.T) {
	svc := NewGenerationService(&StubStreamer{}, testLogger())
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/generate/script/stream" {
			t.Errorf("path = %q", r.URL.Path)
		}
		var req GenerateRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode: %v", err)
		}
		w.Header().Set("Content-Type", "text/event-stream")
		svc.Serve(r.Context(), req, w)
	}))
	defer srv.Close()

	g := NewRemoteGenerator(srv.URL+"/", nil)
	body, err := g.Stream(context.Background(), GenerateRequest{Kind: KindScript, Text: "article"})
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	events := collect(t, body)
	if last := events[len(events)-1]; last.Kind != sse.KindComplete {
		t.Errorf("last event = %s, want complete", last.Kind)
	}
}

func TestRemoteGenerator_NonOK(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, err := NewRemoteGenerator(srv.URL, nil).Stream(context.Background(), GenerateRequest{Kind: KindSummary, Text: "x"})
	var ae *apiError
	if !errors.As(err, &ae) || ae.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("err = %v, want apiError 503", err)
	}
}

func TestRemoteGenerator_StatusDecidesRetry(t *testing.T) {
	tests := []struct {
		status int
		want   bool
	}{
		{http.StatusBadRequest, false},
		{http.StatusTooManyRequests, true},
		{http.StatusBadGateway, true},
	}
	for _, tt := range tests {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			http.Error(w, "no", tt.status)
		}))
		_, err := NewRemoteGenerator(srv.URL, nil).Stream(context.Background(), GenerateRequest{Kind: KindSummary, Text: "x"})
		srv.Close()

		var r interface{ Retryable() bool }
		if !errors.As(err, &r) {
			t.Fatalf("status %d: err = %v does not report retryability", tt.status, err)
		}
		if got := r.Retryable(); got != tt.want {
			t.Errorf("status %d: Retryable() = %v, want %v", tt.status, got, tt.want)
		}
	}
}
