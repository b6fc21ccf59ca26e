package engine

import (
	"context"
	"strings"
	"time"

	"github.com/yangwenmai/readaloud/internal/model"
)

// StubExtractor returns mock extraction results (for development/testing).
type StubExtractor struct {
	// SecondaryBody, when set, is attached as a linked source.
	SecondaryBody string
}

func (e *StubExtractor) Extract(ctx context.Context, url string) (*model.Document, error) {
	if strings.TrimSpace(url) == "" {
		return nil, model.NewExtractionError(model.CodeEmptyInput, "", nil)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	body := "This is a stub extracted article about " + url + ". " +
		"It covers a new release of a popular programming language, the changes to its garbage collector, " +
		"and what the maintainers plan for the next version. Benchmarks show a clear improvement."
	return &model.Document{
		Title:         "Stub Article",
		Body:          body,
		SecondaryBody: e.SecondaryBody,
		SourceURL:     url,
		RetrievedAt:   time.Now().UTC(),
		Meta: model.DocumentMeta{
			Author:    "Stub Author",
			WordCount: len(strings.Fields(body)),
		},
	}, nil
}

// StubStreamer returns canned reasoning and answers (for development/testing).
// Delay is slept between deltas.
type StubStreamer struct {
	Delay time.Duration
}

const stubSummaryAnswer = "[TOPIC]\nA new language release\n\n[SUMMARY]\n" +
	"- The release ships a faster garbage collector.\n" +
	"- Benchmarks show a clear improvement over the previous version.\n" +
	"- The maintainers published a plan for the next version.\n"

const stubScriptAnswer = "[TITLE]\nA faster release\n\n[SCRIPT]\n" +
	"Good evening, here is tonight's technology news.\n\n" +
	"A popular programming language has shipped a new release with a faster garbage collector.\n\n" +
	"The maintainers say the next version will build on these gains.\n\n" +
	"That's all for tonight, thanks for listening."

func (s *StubStreamer) StreamChat(ctx context.Context, system, _ string, fn func(Delta) error) (string, error) {
	answer := stubSummaryAnswer
	if system == scriptSystemPrompt {
		answer = stubScriptAnswer
	}
	deltas := []Delta{
		{Reasoning: "**Reading the article**\n"},
		{Reasoning: "The article is about a language release.\n\n"},
		{Reasoning: "**Drafting the answer**\n"},
		{Reasoning: "Keep it short."},
	}
	for _, chunk := range strings.SplitAfter(answer, "\n") {
		if chunk != "" {
			deltas = append(deltas, Delta{Content: chunk})
		}
	}
	for _, d := range deltas {
		if s.Delay > 0 {
			select {
			case <-ctx.Done():
				return "stub", ctx.Err()
			case <-time.After(s.Delay):
			}
		}
		if err := ctx.Err(); err != nil {
			return "stub", err
		}
		if err := fn(d); err != nil {
			return "stub", err
		}
	}
	return "stub", nil
}
