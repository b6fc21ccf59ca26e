package engine

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/yangwenmai/readaloud/internal/blockparse"
	"github.com/yangwenmai/readaloud/internal/model"
	"github.com/yangwenmai/readaloud/internal/sse"
)

// GenerationService runs summary and script generation in process and
// frames the model output as an event stream.
type GenerationService struct {
	chat   ChatStreamer
	logger *slog.Logger
}

// NewGenerationService creates a GenerationService backed by chat.
func NewGenerationService(chat ChatStreamer, logger *slog.Logger) *GenerationService {
	if logger == nil {
		logger = slog.Default()
	}
	return &GenerationService{chat: chat, logger: logger.With("component", "generation")}
}

// Stream implements StreamGenerator. The stream is produced by a goroutine
// that stops when ctx is cancelled or the returned body is closed.
func (s *GenerationService) Stream(ctx context.Context, req GenerateRequest) (io.ReadCloser, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	pr, pw := io.Pipe()
	go func() {
		pw.CloseWithError(s.Serve(ctx, req, pw))
	}()
	return pr, nil
}

// Serve writes the whole event stream for req to w. Model failures are
// reported in-band as an error event; the returned error is only set when
// writing to w failed or ctx was cancelled.
func (s *GenerationService) Serve(ctx context.Context, req GenerateRequest, w io.Writer) error {
	enc := sse.NewEncoder(w)
	if err := req.Validate(); err != nil {
		return enc.Fail(err.Error())
	}

	start := time.Now()
	system, user := buildPrompts(req)

	var answer strings.Builder
	var writeErr error
	modelID, err := s.chat.StreamChat(ctx, system, user, func(d Delta) error {
		if d.Reasoning != "" {
			if writeErr = enc.Reasoning(d.Reasoning); writeErr != nil {
				return writeErr
			}
		}
		if d.Content != "" {
			answer.WriteString(d.Content)
			if writeErr = enc.Answer(d.Content); writeErr != nil {
				return writeErr
			}
		}
		return nil
	})
	switch {
	case writeErr != nil:
		return writeErr
	case ctx.Err() != nil:
		return ctx.Err()
	case err != nil:
		s.logger.Error("generation failed", "kind", req.Kind, "article_id", req.ArticleID, "error", err)
		return enc.Fail(err.Error())
	}

	payload, err := buildPayload(req, answer.String(), modelID, time.Since(start))
	if err != nil {
		s.logger.Warn("generation produced no usable answer", "kind", req.Kind, "article_id", req.ArticleID, "error", err)
		return enc.Fail(err.Error())
	}
	s.logger.Info("generation complete", "kind", req.Kind, "article_id", req.ArticleID,
		"model", modelID, "elapsed_ms", time.Since(start).Milliseconds())
	return enc.Complete(payload)
}

var errEmptyAnswer = errors.New("model returned an empty answer")

// buildPayload parses the full answer into the final payload for req.Kind.
func buildPayload(req GenerateRequest, answer, modelID string, elapsed time.Duration) (any, error) {
	if strings.TrimSpace(answer) == "" {
		return nil, errEmptyAnswer
	}
	switch req.Kind {
	case KindScript:
		parsed := blockparse.FinalScript(answer)
		script := model.NewScript(parsed.Title, parsed.Segments)
		if err := script.Validate(); err != nil {
			return nil, err
		}
		return ScriptPayload{
			ArticleID: req.ArticleID,
			Script: &ScriptBody{
				Title:                script.Title,
				Paragraphs:           script.Segments,
				EstimatedDurationSec: script.EstimatedDurationSec,
				TotalCharacters:      script.TotalCharacters,
			},
			Model:            modelID,
			ProcessingTimeMs: elapsed.Milliseconds(),
		}, nil
	default:
		parsed := blockparse.FinalSummary(answer)
		if len(parsed.Points) == 0 {
			return nil, errEmptyAnswer
		}
		return SummaryPayload{
			ArticleID: req.ArticleID,
			Summary: &SummaryBody{
				MainTopic:    parsed.Topic,
				BulletPoints: parsed.Points,
			},
			Model:            modelID,
			ProcessingTimeMs: elapsed.Milliseconds(),
		}, nil
	}
}
