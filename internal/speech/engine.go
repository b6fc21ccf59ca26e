// Package speech narrates a script: every segment is synthesized in
// parallel, then the clips are joined in script order with silence between
// them and stored as one WAV file.
package speech

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/yangwenmai/readaloud/internal/blob"
	"github.com/yangwenmai/readaloud/internal/model"
)

// DefaultPadding is the silence inserted between consecutive segments.
const DefaultPadding = 500 * time.Millisecond

// Engine synthesizes scripts and stores the merged audio.
type Engine struct {
	synth   Synthesizer
	store   blob.Putter
	padding time.Duration
	logger  *slog.Logger
	tracer  trace.Tracer

	segments metric.Int64Counter
	failures metric.Int64Counter
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithPadding overrides DefaultPadding.
func WithPadding(d time.Duration) EngineOption {
	return func(e *Engine) {
		if d >= 0 {
			e.padding = d
		}
	}
}

// NewEngine creates an Engine.
func NewEngine(synth Synthesizer, store blob.Putter, logger *slog.Logger, opts ...EngineOption) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	e := &Engine{
		synth:   synth,
		store:   store,
		padding: DefaultPadding,
		logger:  logger.With("component", "speech"),
		tracer:  otel.Tracer("github.com/yangwenmai/readaloud/internal/speech"),
	}
	for _, opt := range opts {
		opt(e)
	}
	if err := e.initMetrics(); err != nil {
		e.logger.Warn("failed to initialize metrics", "error", err)
	}
	return e
}

func (e *Engine) initMetrics() error {
	meter := otel.Meter("github.com/yangwenmai/readaloud/internal/speech")
	var err error
	if e.segments, err = meter.Int64Counter("readaloud.speech.segments",
		metric.WithDescription("Segments synthesized successfully")); err != nil {
		return err
	}
	e.failures, err = meter.Int64Counter("readaloud.speech.failures",
		metric.WithDescription("Scripts whose synthesis failed"))
	return err
}

// Synthesize narrates script and stores the result under the article's audio
// key, replacing earlier audio for the same article. Either every segment
// succeeds and the merged artifact is stored, or nothing is stored and a
// *model.SynthesisError is returned.
func (e *Engine) Synthesize(ctx context.Context, articleID string, script model.Script) (model.AudioArtifact, error) {
	ctx, span := e.tracer.Start(ctx, "speech.synthesize", trace.WithAttributes(
		attribute.String("article_id", articleID),
		attribute.Int("segments", len(script.Segments)),
	))
	defer span.End()

	art, err := e.synthesize(ctx, articleID, script)
	if err != nil {
		e.failures.Add(ctx, 1)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		e.logger.Warn("synthesis failed", "article_id", articleID, "error", err)
		return model.AudioArtifact{}, err
	}
	e.logger.Info("synthesis complete", "article_id", articleID,
		"segments", len(script.Segments), "duration_sec", art.DurationSec, "bytes", art.ByteSize)
	return art, nil
}

func (e *Engine) synthesize(ctx context.Context, articleID string, script model.Script) (model.AudioArtifact, error) {
	if len(script.Segments) == 0 {
		return model.AudioArtifact{}, &model.SynthesisError{Segment: -1, Err: errors.New("script has no segments")}
	}

	// Every call runs to completion; Wait returns the first error.
	clips := make([][]byte, len(script.Segments))
	var g errgroup.Group
	for i, seg := range script.Segments {
		g.Go(func() error {
			b, err := e.synth.Synthesize(ctx, PlainText(seg))
			if err != nil {
				return &model.SynthesisError{Segment: i, Err: err}
			}
			clips[i] = b
			e.segments.Add(ctx, 1)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return model.AudioArtifact{}, err
	}

	merged, err := e.merge(clips)
	if err != nil {
		return model.AudioArtifact{}, err
	}
	duration, err := wavDuration(merged)
	if err != nil {
		return model.AudioArtifact{}, &model.SynthesisError{Segment: -1, Err: err}
	}

	locator, err := e.store.Put(ctx, blob.AudioKey(articleID), merged, "audio/wav")
	if err != nil {
		return model.AudioArtifact{}, &model.SynthesisError{Segment: -1, Err: fmt.Errorf("store audio: %w", err)}
	}
	return model.AudioArtifact{
		Locator:     locator,
		DurationSec: duration.Seconds(),
		ByteSize:    int64(len(merged)),
	}, nil
}

// merge joins clips in slice order with e.padding of silence between them.
func (e *Engine) merge(clips [][]byte) ([]byte, error) {
	var format pcmFormat
	var samples []int
	for i, b := range clips {
		c, err := decodeWAV(b)
		if err != nil {
			return nil, &model.SynthesisError{Segment: i, Err: err}
		}
		if i == 0 {
			format = c.format
		} else if c.format != format {
			return nil, &model.SynthesisError{Segment: i, Err: fmt.Errorf("format %s does not match %s", c.format, format)}
		}
		if i > 0 {
			samples = append(samples, make([]int, silenceSamples(format, e.padding))...)
		}
		samples = append(samples, c.samples...)
	}
	out, err := encodeWAV(samples, format)
	if err != nil {
		return nil, &model.SynthesisError{Segment: -1, Err: err}
	}
	return out, nil
}

// silenceSamples is the number of interleaved samples in d of silence.
func silenceSamples(f pcmFormat, d time.Duration) int {
	frames := int(int64(f.SampleRate) * int64(d) / int64(time.Second))
	return frames * f.Channels
}
