package engine

import (
	"context"
	"errors"
	"io"
	"strings"

	"github.com/yangwenmai/readaloud/internal/model"
)

// ContentExtractor abstracts web content extraction.
type ContentExtractor interface {
	Extract(ctx context.Context, url string) (*model.Document, error)
}

// StreamGenerator opens one generation stream. The returned body carries
// framed events (see package sse) and must be closed by the caller.
type StreamGenerator interface {
	Stream(ctx context.Context, req GenerateRequest) (io.ReadCloser, error)
}

// ChatStreamer abstracts a streaming LLM call. fn is called for every delta
// in arrival order; an error from fn aborts the stream.
type ChatStreamer interface {
	StreamChat(ctx context.Context, system, user string, fn func(Delta) error) (modelID string, err error)
}

// Delta is one increment of a streaming chat response.
type Delta struct {
	Reasoning string
	Content   string
}

// Kind selects what a generation stream produces.
type Kind string

const (
	KindSummary Kind = "summary"
	KindScript  Kind = "script"
)

// ParseKind validates a kind received from outside.
func ParseKind(s string) (Kind, error) {
	switch k := Kind(strings.ToLower(s)); k {
	case KindSummary, KindScript:
		return k, nil
	}
	return "", errors.New("unknown generation kind: " + s)
}

// GenerateRequest is the input of one generation stream.
type GenerateRequest struct {
	Kind          Kind   `json:"kind"`
	Title         string `json:"title,omitempty"`
	Text          string `json:"text"`
	SecondaryText string `json:"secondary_text,omitempty"`
	SourceURL     string `json:"source_url"`
	ArticleID     string `json:"article_id"`
}

// Validate checks the request before any upstream call is made.
func (r GenerateRequest) Validate() error {
	if _, err := ParseKind(string(r.Kind)); err != nil {
		return err
	}
	if strings.TrimSpace(r.Text) == "" {
		return errors.New("text is required")
	}
	return nil
}

// SummaryPayload is the final payload of a summary stream.
type SummaryPayload struct {
	ArticleID        string       `json:"article_id"`
	Summary          *SummaryBody `json:"summary"`
	Model            string       `json:"model"`
	ProcessingTimeMs int64        `json:"processing_time_ms"`
}

// SummaryBody is the structured summary inside SummaryPayload.
type SummaryBody struct {
	MainTopic    string   `json:"main_topic"`
	BulletPoints []string `json:"bullet_points"`
}

// ScriptPayload is the final payload of a script stream.
type ScriptPayload struct {
	ArticleID        string      `json:"article_id"`
	Script           *ScriptBody `json:"script"`
	Model            string      `json:"model"`
	ProcessingTimeMs int64       `json:"processing_time_ms"`
}

// ScriptBody is the structured script inside ScriptPayload.
type ScriptBody struct {
	Title                string   `json:"title"`
	Paragraphs           []string `json:"paragraphs"`
	EstimatedDurationSec int      `json:"estimated_duration_sec"`
	TotalCharacters      int      `json:"total_characters"`
}
