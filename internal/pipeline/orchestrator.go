// Package pipeline drives one article through extraction, the two generation
// tracks and speech synthesis. Only one run is current at a time: submitting
// a new URL supersedes the previous run, and nothing the superseded run does
// afterwards is observable.
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/yangwenmai/readaloud/internal/blockparse"
	"github.com/yangwenmai/readaloud/internal/engine"
	"github.com/yangwenmai/readaloud/internal/model"
	"github.com/yangwenmai/readaloud/internal/track"
)

// DefaultSynthesisTimeout bounds one synthesis, which outlives supersede.
const DefaultSynthesisTimeout = 3 * time.Minute

const dbTimeout = 5 * time.Second

// Synthesizer narrates a finished script and stores the audio.
type Synthesizer interface {
	Synthesize(ctx context.Context, articleID string, script model.Script) (model.AudioArtifact, error)
}

// Recorder persists runs and their artifacts.
type Recorder interface {
	CreateRun(ctx context.Context, run model.Run) error
	UpdateRunStage(ctx context.Context, id, stage string, errorInfo *string) error
	UpsertArtifact(ctx context.Context, a model.Artifact) error
}

// Notifier receives every observable snapshot of the current run.
type Notifier interface {
	Publish(ctx context.Context, runID string, v any) error
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithSynthesisTimeout overrides DefaultSynthesisTimeout.
func WithSynthesisTimeout(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d > 0 {
			o.synthTimeout = d
		}
	}
}

// WithNotifier broadcasts snapshots through n.
func WithNotifier(n Notifier) Option {
	return func(o *Orchestrator) { o.notifier = n }
}

// run is one submission. All fields except snap are fixed at creation; snap
// is guarded by Orchestrator.mu.
type run struct {
	id        string
	url       string
	articleID string
	started   time.Time
	ctx       context.Context
	cancel    context.CancelFunc
	snap      Snapshot
}

// Orchestrator owns the current run and serializes every change to it.
type Orchestrator struct {
	extractor    engine.ContentExtractor
	synth        Synthesizer
	rec          Recorder
	notifier     Notifier
	summary      *track.SummaryTrack
	script       *track.ScriptTrack
	synthTimeout time.Duration
	logger       *slog.Logger
	tracer       trace.Tracer

	runs     metric.Int64Counter
	duration metric.Float64Histogram

	ctx  context.Context
	stop context.CancelFunc
	wg   sync.WaitGroup

	mu      sync.Mutex
	current *run
	closed  bool
	subs    map[int]chan Snapshot
	nextSub int
}

// New creates an Orchestrator. gen serves both generation tracks.
func New(extractor engine.ContentExtractor, gen engine.StreamGenerator, synth Synthesizer, rec Recorder, logger *slog.Logger, opts ...Option) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, stop := context.WithCancel(context.Background())
	o := &Orchestrator{
		extractor:    extractor,
		synth:        synth,
		rec:          rec,
		summary:      track.New(track.Summary, gen, logger),
		script:       track.New(track.Script, gen, logger),
		synthTimeout: DefaultSynthesisTimeout,
		logger:       logger.With("component", "pipeline"),
		tracer:       otel.Tracer("github.com/yangwenmai/readaloud/internal/pipeline"),
		ctx:          ctx,
		stop:         stop,
		subs:         make(map[int]chan Snapshot),
	}
	for _, opt := range opts {
		opt(o)
	}
	if err := o.initMetrics(); err != nil {
		o.logger.Warn("failed to initialize metrics", "error", err)
	}
	return o
}

func (o *Orchestrator) initMetrics() error {
	meter := otel.Meter("github.com/yangwenmai/readaloud/internal/pipeline")
	var err error
	if o.runs, err = meter.Int64Counter("readaloud.pipeline.runs",
		metric.WithDescription("Pipeline runs by lifecycle event")); err != nil {
		return err
	}
	o.duration, err = meter.Float64Histogram("readaloud.pipeline.run.duration",
		metric.WithDescription("Time from submit to settled"), metric.WithUnit("s"))
	return err
}

// Submit starts a new run for url. A previous run that has not settled is
// cancelled first; once Submit returns only the new run is observable.
func (o *Orchestrator) Submit(ctx context.Context, url string) (Snapshot, error) {
	url = strings.TrimSpace(url)
	rec := model.NewRun(uuid.NewString(), url, model.ArticleID(url, ""))

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return Snapshot{}, ErrClosed
	}
	if err := o.rec.CreateRun(ctx, rec); err != nil {
		return Snapshot{}, fmt.Errorf("create run: %w", err)
	}
	if prev := o.current; prev != nil {
		o.supersede(prev)
	}

	runCtx, cancel := context.WithCancel(o.ctx)
	r := &run{
		id:        rec.ID,
		url:       url,
		articleID: rec.ArticleID,
		started:   time.Now(),
		ctx:       runCtx,
		cancel:    cancel,
		snap:      newSnapshot(rec.ID, url, rec.ArticleID),
	}
	o.current = r
	o.runs.Add(ctx, 1, metric.WithAttributes(attribute.String("event", "submitted")))
	o.logger.Info("run submitted", "run_id", r.id, "article_id", r.articleID, "url", url)
	o.publish(r)

	o.wg.Add(1)
	go o.execute(r)
	return r.snap, nil
}

// supersede cancels everything prev still has in flight. Caller holds o.mu.
func (o *Orchestrator) supersede(prev *run) {
	prev.cancel()
	o.summary.Cancel()
	o.script.Cancel()
	if prev.snap.Settled {
		return
	}
	o.runs.Add(context.Background(), 1, metric.WithAttributes(attribute.String("event", "superseded")))
	o.logger.Info("run superseded", "run_id", prev.id, "stage", prev.snap.Stage)
	prev.snap.Stage = model.StageSuperseded
	o.recordStage(prev, nil)
}

// Current returns the snapshot of the current run. ok is false before the
// first submit.
func (o *Orchestrator) Current() (snap Snapshot, ok bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.current == nil {
		return Snapshot{}, false
	}
	return o.current.snap, true
}

// Settled reports whether the current run has settled. It is true when
// nothing was ever submitted.
func (o *Orchestrator) Settled() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.current == nil || o.current.snap.Settled
}

// Subscribe returns a channel that receives the current snapshot and every
// later change. Slow receivers only see the latest snapshot. The returned
// func unsubscribes; the channel is closed then or on Shutdown.
func (o *Orchestrator) Subscribe() (<-chan Snapshot, func()) {
	ch := make(chan Snapshot, 1)

	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	id := o.nextSub
	o.nextSub++
	o.subs[id] = ch
	if o.current != nil {
		ch <- o.current.snap
	}
	o.mu.Unlock()

	return ch, func() {
		o.mu.Lock()
		defer o.mu.Unlock()
		if c, ok := o.subs[id]; ok {
			delete(o.subs, id)
			close(c)
		}
	}
}

// Shutdown supersedes the current run and waits for background work,
// including a running synthesis, until ctx is done.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	if !o.closed {
		o.closed = true
		if o.current != nil {
			o.supersede(o.current)
			o.current = nil
		}
		for id, ch := range o.subs {
			delete(o.subs, id)
			close(ch)
		}
	}
	o.mu.Unlock()
	o.stop()

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ---------------------------------------------------------------------------
// run execution
// ---------------------------------------------------------------------------

func (o *Orchestrator) execute(r *run) {
	defer o.wg.Done()

	ctx, span := o.tracer.Start(r.ctx, "pipeline.extract", trace.WithAttributes(
		attribute.String("run_id", r.id),
		attribute.String("article_id", r.articleID),
	))
	doc, err := o.extractor.Extract(ctx, r.url)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
	if r.ctx.Err() != nil {
		return
	}
	if err != nil {
		stageErr := &StageError{Step: StepExtract, Err: err}
		o.logger.Warn("extraction failed", "run_id", r.id, "error", err)
		o.update(r, func(s *Snapshot) *model.ErrorInfo {
			s.Error = errorInfo(stageErr)
			return s.Error
		})
		return
	}

	o.persist(r, model.ArtifactDocument, doc)

	req := engine.GenerateRequest{
		Title:         doc.Title,
		Text:          doc.Body,
		SecondaryText: doc.SecondaryBody,
		SourceURL:     doc.SourceURL,
		ArticleID:     r.articleID,
	}
	if req.SourceURL == "" {
		req.SourceURL = r.url
	}

	// Tracks start under o.mu so a concurrent Submit either sees them
	// running and cancels them, or they never start.
	o.update(r, func(s *Snapshot) *model.ErrorInfo {
		s.Document = doc
		s.Stage = model.StageGenerating
		s.Summary.State = track.Running
		s.Script.State = track.Running

		var failure *model.ErrorInfo
		if err := o.summary.Start(r.ctx, req, o.summaryObserver(r)); err != nil {
			s.Summary.State = track.Failed
			s.Summary.Error = errorInfo(&StageError{Step: StepSummary, Err: err})
			failure = s.Summary.Error
		}
		if err := o.script.Start(r.ctx, req, o.scriptObserver(r)); err != nil {
			s.Script.State = track.Failed
			s.Script.Error = errorInfo(&StageError{Step: StepScript, Err: err})
			failure = s.Script.Error
		}
		return failure
	})
}

func (o *Orchestrator) summaryObserver(r *run) track.Observer[blockparse.Summary, model.SummaryResult] {
	return track.Observer[blockparse.Summary, model.SummaryResult]{
		OnReasoning: func(v blockparse.Reasoning) {
			o.update(r, func(s *Snapshot) *model.ErrorInfo {
				s.Summary.Reasoning = v
				return nil
			})
		},
		OnAnswer: func(v blockparse.Summary) {
			o.update(r, func(s *Snapshot) *model.ErrorInfo {
				s.Summary.Partial = v
				return nil
			})
		},
		OnSettle: func(out track.Outcome[model.SummaryResult]) {
			if out.State == track.Done && o.isCurrent(r) {
				o.persist(r, model.ArtifactSummary, out.Value)
			}
			o.update(r, func(s *Snapshot) *model.ErrorInfo {
				s.Summary.State = out.State
				if out.State == track.Done {
					v := out.Value
					s.Summary.Result = &v
					return nil
				}
				if out.Err != nil {
					s.Summary.Error = errorInfo(&StageError{Step: StepSummary, Err: out.Err})
				}
				return s.Summary.Error
			})
		},
	}
}

func (o *Orchestrator) scriptObserver(r *run) track.Observer[blockparse.Script, model.Script] {
	return track.Observer[blockparse.Script, model.Script]{
		OnReasoning: func(v blockparse.Reasoning) {
			o.update(r, func(s *Snapshot) *model.ErrorInfo {
				s.Script.Reasoning = v
				return nil
			})
		},
		OnAnswer: func(v blockparse.Script) {
			o.update(r, func(s *Snapshot) *model.ErrorInfo {
				s.Script.Partial = v
				return nil
			})
		},
		OnSettle: func(out track.Outcome[model.Script]) {
			if out.State == track.Done && o.isCurrent(r) {
				o.persist(r, model.ArtifactScript, out.Value)
			}
			o.update(r, func(s *Snapshot) *model.ErrorInfo {
				s.Script.State = out.State
				if out.State != track.Done {
					if out.Err != nil {
						s.Script.Error = errorInfo(&StageError{Step: StepScript, Err: out.Err})
					}
					return s.Script.Error
				}
				v := out.Value
				s.Script.Result = &v
				s.Audio.State = track.Running
				o.wg.Add(1)
				go o.synthesize(r, v)
				return nil
			})
		},
	}
}

// synthesize narrates script. Supersede does not stop it: the audio is still
// stored under the article, but the result is only surfaced while r is
// current.
func (o *Orchestrator) synthesize(r *run, script model.Script) {
	defer o.wg.Done()
	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.ctx), o.synthTimeout)
	defer cancel()

	art, err := o.synth.Synthesize(ctx, r.articleID, script)
	if err == nil {
		o.persist(r, model.ArtifactAudio, art)
	}
	o.update(r, func(s *Snapshot) *model.ErrorInfo {
		if err != nil {
			s.Audio.State = track.Failed
			s.Audio.Error = errorInfo(&StageError{Step: StepSynthesize, Err: err})
			return s.Audio.Error
		}
		s.Audio.State = track.Done
		s.Audio.Artifact = &art
		return nil
	})
}

// ---------------------------------------------------------------------------
// state changes
// ---------------------------------------------------------------------------

func (o *Orchestrator) isCurrent(r *run) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.current == r
}

// update applies fn to r's snapshot and publishes the result. It is a no-op
// once r is no longer current. fn returns a failure to record with the run.
func (o *Orchestrator) update(r *run, fn func(*Snapshot) *model.ErrorInfo) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.current != r {
		return false
	}

	prevStage := r.snap.Stage
	failure := fn(&r.snap)
	r.snap.derive()
	r.snap.Version++
	r.snap.UpdatedAt = time.Now().UTC()

	if r.snap.Stage != prevStage || failure != nil {
		o.recordStage(r, failure)
	}
	if r.snap.Stage != prevStage {
		o.logger.Info("run stage changed", "run_id", r.id, "stage", r.snap.Stage)
		if r.snap.Settled {
			o.duration.Record(context.Background(), time.Since(r.started).Seconds())
		}
	}
	o.publish(r)
	return true
}

// publish hands r's snapshot to subscribers and the notifier. Caller holds o.mu.
func (o *Orchestrator) publish(r *run) {
	snap := r.snap
	for _, ch := range o.subs {
		select {
		case ch <- snap:
		default:
			// replace the stale snapshot the receiver has not taken yet
			select {
			case <-ch:
			default:
			}
			ch <- snap
		}
	}
	if o.notifier != nil {
		if err := o.notifier.Publish(context.Background(), snap.RunID, snap); err != nil {
			o.logger.Warn("notify failed", "run_id", snap.RunID, "error", err)
		}
	}
}

// recordStage persists r's stage. Caller holds o.mu.
func (o *Orchestrator) recordStage(r *run, failure *model.ErrorInfo) {
	var info *string
	if failure != nil {
		s := failure.ToJSON()
		info = &s
	}
	ctx, cancel := context.WithTimeout(context.Background(), dbTimeout)
	defer cancel()
	if err := o.rec.UpdateRunStage(ctx, r.id, r.snap.Stage, info); err != nil {
		o.logger.Error("failed to record run stage", "run_id", r.id, "stage", r.snap.Stage, "error", err)
	}
}

// persist stores v as r's article artifact. Failures are logged only: the
// in-memory result is still observable.
func (o *Orchestrator) persist(r *run, artifactType string, v any) {
	payload, err := json.Marshal(v)
	if err == nil {
		ctx, cancel := context.WithTimeout(context.Background(), dbTimeout)
		defer cancel()
		err = o.rec.UpsertArtifact(ctx, model.NewArtifact(uuid.NewString(), r.articleID, artifactType, string(payload)))
	}
	if err != nil {
		stageErr := &StageError{Step: StepPersist, Err: fmt.Errorf("%s artifact: %w", artifactType, err)}
		o.logger.Error("failed to persist artifact", "run_id", r.id, "article_id", r.articleID, "error", stageErr)
	}
}
