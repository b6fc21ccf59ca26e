// Package track wraps one streaming generation call: it opens the stream,
// feeds every event through the incremental parsers, and resolves to a
// validated final result or a terminal error. A track can be cancelled at
// any time; events that arrive afterwards have no effect.
package track

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/yangwenmai/readaloud/internal/blockparse"
	"github.com/yangwenmai/readaloud/internal/engine"
	"github.com/yangwenmai/readaloud/internal/model"
	"github.com/yangwenmai/readaloud/internal/sse"
)

// State is the lifecycle state of a track.
type State string

const (
	Idle      State = "idle"
	Running   State = "running"
	Done      State = "done"
	Failed    State = "failed"
	Cancelled State = "cancelled"
)

// Terminal reports whether s is done, failed or cancelled.
func (s State) Terminal() bool {
	return s == Done || s == Failed || s == Cancelled
}

// ErrRunning is returned by Start while a previous start is still running.
var ErrRunning = errors.New("track: already running")

var errNoFinalPayload = errors.New("stream ended without a final payload")

// Definition binds a track to one kind of generation: how the answer buffer
// is parsed while streaming and how the final payload is validated.
type Definition[V, R any] struct {
	Name  string
	Kind  engine.Kind
	Parse func(answer string) V
	Final func(data json.RawMessage) (R, error)
}

// Observer receives best-effort partial views and the final outcome. Partial
// callbacks may repeat content. Callbacks run on the track's goroutine.
type Observer[V, R any] struct {
	OnReasoning func(blockparse.Reasoning)
	OnAnswer    func(V)
	OnSettle    func(Outcome[R])
}

// Outcome is the terminal result of one start.
type Outcome[R any] struct {
	State State
	Value R
	Err   error
}

// Accumulator holds the text received so far by one start of a track.
type Accumulator struct {
	Reasoning strings.Builder
	Answer    strings.Builder
	Heading   string
	Body      string
}

// handle identifies one start. It is invalidated by Cancel or a restart.
type handle struct {
	cancel context.CancelFunc

	mu           sync.Mutex
	dec          *sse.Decoder
	disconnected bool
}

func (h *handle) attach(dec *sse.Decoder) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.disconnected {
		return false
	}
	h.dec = dec
	return true
}

func (h *handle) disconnect() {
	h.mu.Lock()
	h.disconnected = true
	dec := h.dec
	h.mu.Unlock()
	if dec != nil {
		dec.Close()
	}
	h.cancel()
}

// Track runs one generation at a time for a Definition.
type Track[V, R any] struct {
	def    Definition[V, R]
	gen    engine.StreamGenerator
	logger *slog.Logger
	tracer trace.Tracer

	settled metric.Int64Counter
	elapsed metric.Float64Histogram

	mu      sync.Mutex
	state   State
	outcome Outcome[R]
	current *handle
}

// New creates an idle track that opens streams with gen.
func New[V, R any](def Definition[V, R], gen engine.StreamGenerator, logger *slog.Logger) *Track[V, R] {
	if logger == nil {
		logger = slog.Default()
	}
	t := &Track[V, R]{
		def:    def,
		gen:    gen,
		logger: logger.With("component", "track", "track", def.Name),
		tracer: otel.Tracer("github.com/yangwenmai/readaloud/internal/track"),
		state:  Idle,
	}
	if err := t.initMetrics(); err != nil {
		t.logger.Warn("failed to initialize metrics", "error", err)
	}
	return t
}

func (t *Track[V, R]) initMetrics() error {
	meter := otel.Meter("github.com/yangwenmai/readaloud/internal/track")
	var err error
	if t.settled, err = meter.Int64Counter("readaloud.track.settled",
		metric.WithDescription("Generation tracks that reached a terminal state")); err != nil {
		return err
	}
	t.elapsed, err = meter.Float64Histogram("readaloud.track.duration",
		metric.WithDescription("Time from start to terminal state"), metric.WithUnit("s"))
	return err
}

// State returns the current state.
func (t *Track[V, R]) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Outcome returns the outcome of the last start. It is only meaningful once
// State is terminal.
func (t *Track[V, R]) Outcome() Outcome[R] {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.outcome
}

// Start opens a new stream for req and consumes it in the background. It is
// valid from Idle or any terminal state; the previous outcome is discarded.
func (t *Track[V, R]) Start(ctx context.Context, req engine.GenerateRequest, obs Observer[V, R]) error {
	req.Kind = t.def.Kind
	ctx, cancel := context.WithCancel(ctx)
	h := &handle{cancel: cancel}

	t.mu.Lock()
	if t.state == Running {
		t.mu.Unlock()
		cancel()
		return ErrRunning
	}
	t.state = Running
	t.outcome = Outcome[R]{State: Running}
	t.current = h
	t.mu.Unlock()

	go t.run(ctx, h, req, obs)
	return nil
}

// Cancel disconnects the running stream and moves the track to Cancelled.
// It returns false when the track was not running. Cancel does not wait for
// the background goroutine; anything it receives afterwards is dropped.
func (t *Track[V, R]) Cancel() bool {
	t.mu.Lock()
	if t.state != Running {
		t.mu.Unlock()
		return false
	}
	h := t.current
	t.state = Cancelled
	t.outcome = Outcome[R]{State: Cancelled}
	t.current = nil
	t.mu.Unlock()

	h.disconnect()
	t.settled.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("track", t.def.Name), attribute.String("state", string(Cancelled))))
	t.logger.Info("track cancelled")
	return true
}

// live reports whether h is still the running start.
func (t *Track[V, R]) live(h *handle) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.current == h && t.state == Running
}

func (t *Track[V, R]) run(ctx context.Context, h *handle, req engine.GenerateRequest, obs Observer[V, R]) {
	defer h.cancel()
	start := time.Now()
	ctx, span := t.tracer.Start(ctx, "track."+t.def.Name,
		trace.WithAttributes(attribute.String("article_id", req.ArticleID)))
	defer span.End()

	body, err := t.gen.Stream(ctx, req)
	if err != nil {
		t.settle(h, start, span, obs, Outcome[R]{State: Failed, Err: &model.StreamTransportError{Track: t.def.Name, Err: err}})
		return
	}
	dec := sse.NewDecoder(body, t.logger)
	defer dec.Close()
	if !h.attach(dec) {
		return
	}

	var acc Accumulator
	for {
		ev, err := dec.Next()
		if !t.live(h) {
			return
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				err = errNoFinalPayload
			}
			t.settle(h, start, span, obs, Outcome[R]{State: Failed, Err: &model.StreamTransportError{Track: t.def.Name, Err: err}})
			return
		}

		switch ev.Kind {
		case sse.KindReasoning:
			acc.Reasoning.WriteString(ev.Text)
			r := blockparse.ParseReasoning(acc.Reasoning.String())
			acc.Heading, acc.Body = r.Heading, r.Body
			if obs.OnReasoning != nil {
				obs.OnReasoning(r)
			}
		case sse.KindAnswer:
			acc.Answer.WriteString(ev.Text)
			if obs.OnAnswer != nil {
				obs.OnAnswer(t.def.Parse(acc.Answer.String()))
			}
		case sse.KindComplete:
			value, err := t.def.Final(ev.Data)
			if err != nil {
				t.settle(h, start, span, obs, Outcome[R]{State: Failed, Err: &model.UpstreamGenerationError{Track: t.def.Name, Message: err.Error()}})
				return
			}
			t.settle(h, start, span, obs, Outcome[R]{State: Done, Value: value})
			return
		case sse.KindFailed:
			t.settle(h, start, span, obs, Outcome[R]{State: Failed, Err: &model.UpstreamGenerationError{Track: t.def.Name, Message: ev.Text}})
			return
		}
	}
}

// settle records out if h is still current and notifies the observer.
func (t *Track[V, R]) settle(h *handle, start time.Time, span trace.Span, obs Observer[V, R], out Outcome[R]) {
	t.mu.Lock()
	if t.current != h || t.state != Running {
		t.mu.Unlock()
		return
	}
	t.state = out.State
	t.outcome = out
	t.current = nil
	t.mu.Unlock()

	attrs := metric.WithAttributes(attribute.String("track", t.def.Name), attribute.String("state", string(out.State)))
	t.settled.Add(context.Background(), 1, attrs)
	t.elapsed.Record(context.Background(), time.Since(start).Seconds(), attrs)
	if out.Err != nil {
		span.RecordError(out.Err)
		span.SetStatus(codes.Error, out.Err.Error())
		t.logger.Warn("track failed", "error", out.Err)
	} else {
		t.logger.Info("track done", "elapsed_ms", time.Since(start).Milliseconds())
	}

	if obs.OnSettle != nil {
		obs.OnSettle(out)
	}
}
