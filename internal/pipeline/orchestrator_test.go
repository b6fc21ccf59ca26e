package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/yangwenmai/readaloud/internal/engine"
	"github.com/yangwenmai/readaloud/internal/model"
	"github.com/yangwenmai/readaloud/internal/sse"
	"github.com/yangwenmai/readaloud/internal/store"
	"github.com/yangwenmai/readaloud/internal/track"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	db, err := store.OpenSQLite(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	s, err := store.New(db)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	return s
}

// ---------------------------------------------------------------------------
// fakes
// ---------------------------------------------------------------------------

type fakeExtractor struct {
	errs  map[string]error
	gates map[string]chan struct{}
}

func (f *fakeExtractor) Extract(ctx context.Context, url string) (*model.Document, error) {
	if gate, ok := f.gates[url]; ok {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err := f.errs[url]; err != nil {
		return nil, err
	}
	return &model.Document{
		Title:       "Title of " + url,
		Body:        "Body of " + url,
		SourceURL:   url,
		RetrievedAt: time.Now().UTC(),
	}, nil
}

// streamScript writes the events of one generation stream.
type streamScript func(ctx context.Context, enc *sse.Encoder)

type fakeGenerator struct {
	mu      sync.Mutex
	scripts map[string]streamScript
	calls   int
}

func streamKey(url string, kind engine.Kind) string { return url + "|" + string(kind) }

func (g *fakeGenerator) Stream(ctx context.Context, req engine.GenerateRequest) (io.ReadCloser, error) {
	g.mu.Lock()
	g.calls++
	script := g.scripts[streamKey(req.SourceURL, req.Kind)]
	g.mu.Unlock()
	if script == nil {
		return nil, errors.New("no stream scripted")
	}
	pr, pw := io.Pipe()
	go func() {
		script(ctx, sse.NewEncoder(pw))
		pw.Close()
	}()
	return pr, nil
}

func (g *fakeGenerator) callCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls
}

func summaryOK(_ context.Context, enc *sse.Encoder) {
	enc.Reasoning("**Reading**\nlooking at the article\n")
	enc.Answer("[TOPIC]\nA release\n\n[SUMMARY]\n- faster builds\n")
	enc.Answer("- smaller binaries\n")
	enc.Complete(engine.SummaryPayload{
		Summary: &engine.SummaryBody{MainTopic: "A release", BulletPoints: []string{"faster builds", "smaller binaries"}},
		Model:   "test-model",
	})
}

func scriptOK(_ context.Context, enc *sse.Encoder) {
	paragraphs := []string{"First paragraph.", "Second paragraph."}
	s := model.NewScript("A release", paragraphs)
	enc.Answer("[TITLE]\nA release\n\n[SCRIPT]\nFirst paragraph.\n\n")
	enc.Complete(engine.ScriptPayload{
		Script: &engine.ScriptBody{
			Title:                s.Title,
			Paragraphs:           s.Segments,
			EstimatedDurationSec: s.EstimatedDurationSec,
			TotalCharacters:      s.TotalCharacters,
		},
		Model: "test-model",
	})
}

func failWith(msg string) streamScript {
	return func(_ context.Context, enc *sse.Encoder) {
		enc.Answer("[TOPIC]\n")
		enc.Fail(msg)
	}
}

func blockUntilCancelled(ctx context.Context, enc *sse.Encoder) {
	enc.Reasoning("thinking")
	<-ctx.Done()
}

type fakeSynth struct {
	err   error
	gates map[string]chan struct{}
	calls atomic.Int32
}

func newFakeSynth() *fakeSynth {
	return &fakeSynth{}
}

func (f *fakeSynth) Synthesize(_ context.Context, articleID string, script model.Script) (model.AudioArtifact, error) {
	f.calls.Add(1)
	if gate, ok := f.gates[articleID]; ok {
		<-gate
	}
	if f.err != nil {
		return model.AudioArtifact{}, f.err
	}
	return model.AudioArtifact{
		Locator:     "audio/" + articleID + ".wav",
		DurationSec: 1.5 * float64(len(script.Segments)),
		ByteSize:    1024,
	}, nil
}

// recordingNotifier collects published run ids.
type recordingNotifier struct {
	mu     sync.Mutex
	runIDs []string
}

func (n *recordingNotifier) Publish(_ context.Context, runID string, _ any) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.runIDs = append(n.runIDs, runID)
	return nil
}

// ---------------------------------------------------------------------------
// helpers
// ---------------------------------------------------------------------------

func waitSettled(t *testing.T, o *Orchestrator, runID string) Snapshot {
	t.Helper()
	return waitFor(t, o, func(s Snapshot) bool { return s.RunID == runID && s.Settled })
}

func waitFor(t *testing.T, o *Orchestrator, cond func(Snapshot) bool) Snapshot {
	t.Helper()
	ch, unsubscribe := o.Subscribe()
	defer unsubscribe()
	timeout := time.After(3 * time.Second)
	for {
		select {
		case s, ok := <-ch:
			if !ok {
				t.Fatal("subscription closed")
			}
			if cond(s) {
				return s
			}
		case <-timeout:
			snap, _ := o.Current()
			t.Fatalf("condition not reached, current = %+v", snap)
			return Snapshot{}
		}
	}
}

func shutdown(t *testing.T, o *Orchestrator) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := o.Shutdown(ctx); err != nil {
		t.Errorf("Shutdown: %v", err)
	}
}

// ---------------------------------------------------------------------------
// scenarios
// ---------------------------------------------------------------------------

func TestSubmit_AllStagesSucceed(t *testing.T) {
	st := newTestStore(t)
	gen := &fakeGenerator{scripts: map[string]streamScript{
		streamKey("https://example.com/a", engine.KindSummary): summaryOK,
		streamKey("https://example.com/a", engine.KindScript):  scriptOK,
	}}
	synth := newFakeSynth()
	notifier := &recordingNotifier{}
	o := New(&fakeExtractor{}, gen, synth, st, testLogger(), WithNotifier(notifier))
	defer shutdown(t, o)

	first, err := o.Submit(context.Background(), "https://example.com/a")
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if first.Stage != model.StageExtracting {
		t.Errorf("initial Stage = %q, want %q", first.Stage, model.StageExtracting)
	}

	snap := waitSettled(t, o, first.RunID)
	if snap.Stage != model.StageSettled {
		t.Errorf("Stage = %q, want %q", snap.Stage, model.StageSettled)
	}
	if snap.Document == nil || snap.Document.Title != "Title of https://example.com/a" {
		t.Errorf("Document = %+v", snap.Document)
	}
	if snap.Summary.State != track.Done || snap.Summary.Result == nil || len(snap.Summary.Result.Points) != 2 {
		t.Errorf("Summary = %+v", snap.Summary)
	}
	if snap.Script.State != track.Done || snap.Script.Result == nil {
		t.Errorf("Script = %+v", snap.Script)
	}
	if snap.Audio.State != track.Done || snap.Audio.Artifact == nil || snap.Audio.Artifact.DurationSec <= 0 {
		t.Errorf("Audio = %+v", snap.Audio)
	}
	if !o.Settled() {
		t.Error("Settled() = false after settle")
	}

	rec, err := st.GetRun(context.Background(), first.RunID)
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if rec.Stage != model.StageSettled {
		t.Errorf("persisted stage = %q, want %q", rec.Stage, model.StageSettled)
	}
	got := map[string]bool{}
	for _, a := range rec.Artifacts {
		got[a.ArtifactType] = true
	}
	for _, typ := range []string{model.ArtifactDocument, model.ArtifactSummary, model.ArtifactScript, model.ArtifactAudio} {
		if !got[typ] {
			t.Errorf("artifact %q not persisted", typ)
		}
	}

	notifier.mu.Lock()
	published := len(notifier.runIDs)
	notifier.mu.Unlock()
	if published == 0 {
		t.Error("notifier received nothing")
	}
}

func TestSubmit_SummaryFailureDoesNotStopScript(t *testing.T) {
	gen := &fakeGenerator{scripts: map[string]streamScript{
		streamKey("https://example.com/b", engine.KindSummary): failWith("rate limited by upstream"),
		streamKey("https://example.com/b", engine.KindScript):  scriptOK,
	}}
	o := New(&fakeExtractor{}, gen, newFakeSynth(), newTestStore(t), testLogger())
	defer shutdown(t, o)

	first, err := o.Submit(context.Background(), "https://example.com/b")
	if err != nil {
		t.Fatal(err)
	}
	snap := waitSettled(t, o, first.RunID)

	if snap.Summary.State != track.Failed {
		t.Fatalf("Summary.State = %q, want %q", snap.Summary.State, track.Failed)
	}
	if snap.Summary.Error == nil || snap.Summary.Error.Message != "rate limited by upstream" {
		t.Errorf("Summary.Error = %+v, want the upstream message verbatim", snap.Summary.Error)
	}
	if snap.Script.State != track.Done {
		t.Errorf("Script.State = %q, want %q", snap.Script.State, track.Done)
	}
	if snap.Audio.State != track.Done {
		t.Errorf("Audio.State = %q, want %q", snap.Audio.State, track.Done)
	}
	if snap.Error != nil {
		t.Errorf("run Error = %+v, want nil", snap.Error)
	}
}

func TestSubmit_NewSubmissionSupersedesPrevious(t *testing.T) {
	st := newTestStore(t)
	url1, url2 := "https://example.com/one", "https://example.com/two"
	article1 := model.ArticleID(url1, "")
	gen := &fakeGenerator{scripts: map[string]streamScript{
		streamKey(url1, engine.KindSummary): blockUntilCancelled,
		streamKey(url1, engine.KindScript):  scriptOK,
		streamKey(url2, engine.KindSummary): summaryOK,
		streamKey(url2, engine.KindScript):  scriptOK,
	}}
	release := make(chan struct{})
	synth := newFakeSynth()
	synth.gates = map[string]chan struct{}{article1: release}
	o := New(&fakeExtractor{}, gen, synth, st, testLogger())
	defer shutdown(t, o)

	var (
		mu   sync.Mutex
		seen []Snapshot
	)
	ch, unsubscribe := o.Subscribe()
	collected := make(chan struct{})
	go func() {
		defer close(collected)
		for s := range ch {
			mu.Lock()
			seen = append(seen, s)
			mu.Unlock()
		}
	}()

	run1, err := o.Submit(context.Background(), url1)
	if err != nil {
		t.Fatal(err)
	}
	// run1: summary still streaming, script done, synthesis blocked.
	waitFor(t, o, func(s Snapshot) bool {
		return s.RunID == run1.RunID && s.Stage == model.StageSynthesizing && s.Summary.State == track.Running
	})

	run2, err := o.Submit(context.Background(), url2)
	if err != nil {
		t.Fatal(err)
	}
	if o.Settled() {
		t.Error("Settled() = true right after a new submit")
	}
	close(release)

	snap := waitSettled(t, o, run2.RunID)
	if snap.URL != url2 || snap.Audio.State != track.Done {
		t.Errorf("final snapshot = %+v", snap)
	}
	if cur, _ := o.Current(); cur.RunID != run2.RunID {
		t.Errorf("Current().RunID = %q, want %q", cur.RunID, run2.RunID)
	}
	// Shutdown waits for the released run1 synthesis as well.
	shutdown(t, o)

	unsubscribe()
	<-collected
	mu.Lock()
	defer mu.Unlock()
	afterSubmit := false
	for _, s := range seen {
		if s.RunID == run2.RunID {
			afterSubmit = true
			continue
		}
		if afterSubmit && s.RunID == run1.RunID {
			t.Fatalf("observed run1 snapshot after run2 was submitted: %+v", s)
		}
	}
	if !afterSubmit {
		t.Fatal("never observed run2")
	}

	rec1, err := st.GetRun(context.Background(), run1.RunID)
	if err != nil {
		t.Fatal(err)
	}
	if rec1.Stage != model.StageSuperseded {
		t.Errorf("run1 stage = %q, want %q", rec1.Stage, model.StageSuperseded)
	}
	// the superseded synthesis is still stored under its article
	if _, err := st.GetArtifact(context.Background(), article1, model.ArtifactAudio); err != nil {
		t.Errorf("superseded audio not persisted: %v", err)
	}
}

func TestSubmit_ExtractionFailureStartsNoTrack(t *testing.T) {
	st := newTestStore(t)
	extractor := &fakeExtractor{errs: map[string]error{
		"https://example.com/video": model.NewExtractionError(model.CodeUnsupported, "video platform", nil),
	}}
	gen := &fakeGenerator{}
	o := New(extractor, gen, newFakeSynth(), st, testLogger())
	defer shutdown(t, o)

	first, err := o.Submit(context.Background(), "https://example.com/video")
	if err != nil {
		t.Fatal(err)
	}
	snap := waitSettled(t, o, first.RunID)

	if snap.Error == nil {
		t.Fatal("Error = nil, want extraction failure")
	}
	if snap.Error.FailedStep != StepExtract || snap.Error.Code != string(model.CodeUnsupported) {
		t.Errorf("Error = %+v", snap.Error)
	}
	if snap.Error.Retryable {
		t.Error("unsupported content must not be retryable")
	}
	if snap.Summary.State != track.Idle || snap.Script.State != track.Idle {
		t.Errorf("track states = %q/%q, want idle", snap.Summary.State, snap.Script.State)
	}
	if n := gen.callCount(); n != 0 {
		t.Errorf("generator calls = %d, want 0", n)
	}

	rec, err := st.GetRun(context.Background(), first.RunID)
	if err != nil {
		t.Fatal(err)
	}
	if rec.ErrorInfo == nil {
		t.Error("persisted run has no error info")
	}
}

func TestSubmit_ScriptFailurePreventsSynthesis(t *testing.T) {
	gen := &fakeGenerator{scripts: map[string]streamScript{
		streamKey("https://example.com/c", engine.KindSummary): summaryOK,
		// ends without a final payload
		streamKey("https://example.com/c", engine.KindScript): func(_ context.Context, enc *sse.Encoder) {
			enc.Answer("[TITLE]\nHalf")
		},
	}}
	synth := newFakeSynth()
	o := New(&fakeExtractor{}, gen, synth, newTestStore(t), testLogger())
	defer shutdown(t, o)

	first, err := o.Submit(context.Background(), "https://example.com/c")
	if err != nil {
		t.Fatal(err)
	}
	snap := waitSettled(t, o, first.RunID)

	if snap.Script.State != track.Failed {
		t.Errorf("Script.State = %q, want %q", snap.Script.State, track.Failed)
	}
	if snap.Script.Error == nil || !snap.Script.Error.Retryable {
		t.Errorf("Script.Error = %+v, want retryable transport failure", snap.Script.Error)
	}
	if snap.Summary.State != track.Done {
		t.Errorf("Summary.State = %q, want %q", snap.Summary.State, track.Done)
	}
	if snap.Audio.State != track.Idle {
		t.Errorf("Audio.State = %q, want idle", snap.Audio.State)
	}
	if n := synth.calls.Load(); n != 0 {
		t.Errorf("synthesis calls = %d, want 0", n)
	}
}

func TestSubmit_SynthesisFailureKeepsScript(t *testing.T) {
	gen := &fakeGenerator{scripts: map[string]streamScript{
		streamKey("https://example.com/d", engine.KindSummary): summaryOK,
		streamKey("https://example.com/d", engine.KindScript):  scriptOK,
	}}
	synth := newFakeSynth()
	synth.err = &model.SynthesisError{Segment: 1, Err: errors.New("voice unavailable")}
	o := New(&fakeExtractor{}, gen, synth, newTestStore(t), testLogger())
	defer shutdown(t, o)

	first, err := o.Submit(context.Background(), "https://example.com/d")
	if err != nil {
		t.Fatal(err)
	}
	snap := waitSettled(t, o, first.RunID)

	if snap.Audio.State != track.Failed || snap.Audio.Error == nil {
		t.Fatalf("Audio = %+v, want failed", snap.Audio)
	}
	if snap.Audio.Error.FailedStep != StepSynthesize {
		t.Errorf("FailedStep = %q, want %q", snap.Audio.Error.FailedStep, StepSynthesize)
	}
	if snap.Script.State != track.Done || snap.Script.Result == nil {
		t.Errorf("Script = %+v, want done", snap.Script)
	}
}

func TestShutdown(t *testing.T) {
	o := New(&fakeExtractor{}, &fakeGenerator{}, newFakeSynth(), newTestStore(t), testLogger())
	if !o.Settled() {
		t.Error("Settled() = false before any submit")
	}
	if _, ok := o.Current(); ok {
		t.Error("Current() ok before any submit")
	}
	ch, _ := o.Subscribe()

	shutdown(t, o)

	if _, ok := <-ch; ok {
		t.Error("subscription still open after Shutdown")
	}
	if _, err := o.Submit(context.Background(), "https://example.com"); !errors.Is(err, ErrClosed) {
		t.Errorf("Submit after Shutdown err = %v, want ErrClosed", err)
	}
}

// ---------------------------------------------------------------------------
// units
// ---------------------------------------------------------------------------

// statusError is an upstream failure that knows whether it is transient.
type statusError int

func (e statusError) Error() string   { return fmt.Sprintf("status %d", int(e)) }
func (e statusError) Retryable() bool { return e == 429 || e >= 500 }

func TestErrorInfo(t *testing.T) {
	tests := []struct {
		name      string
		err       *StageError
		message   string
		retryable bool
	}{
		{
			"upstream message verbatim",
			&StageError{Step: StepSummary, Err: &model.UpstreamGenerationError{Track: "summary", Message: "quota exceeded"}},
			"quota exceeded", false,
		},
		{
			"transport is retryable",
			&StageError{Step: StepScript, Err: &model.StreamTransportError{Track: "script", Err: io.ErrUnexpectedEOF}},
			"script stream: unexpected EOF", true,
		},
		{
			"rejected request is not retryable",
			&StageError{Step: StepSummary, Err: &model.StreamTransportError{Track: "summary", Err: fmt.Errorf("generation service: %w", statusError(400))}},
			"summary stream: generation service: status 400", false,
		},
		{
			"overloaded upstream is retryable",
			&StageError{Step: StepScript, Err: &model.StreamTransportError{Track: "script", Err: statusError(503)}},
			"script stream: status 503", true,
		},
		{
			"extraction uses user message",
			&StageError{Step: StepExtract, Err: model.NewExtractionError(model.CodeTimeout, "", nil)},
			model.NewExtractionError(model.CodeTimeout, "", nil).Message(), true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			info := errorInfo(tt.err)
			if info.Message != tt.message {
				t.Errorf("Message = %q, want %q", info.Message, tt.message)
			}
			if info.Retryable != tt.retryable {
				t.Errorf("Retryable = %v, want %v", info.Retryable, tt.retryable)
			}
			if info.FailedStep != tt.err.Step {
				t.Errorf("FailedStep = %q, want %q", info.FailedStep, tt.err.Step)
			}
		})
	}
}

func TestSnapshotDerive(t *testing.T) {
	tests := []struct {
		name    string
		summary track.State
		script  track.State
		audio   track.State
		stage   string
		settled bool
	}{
		{"both running", track.Running, track.Running, track.Idle, model.StageGenerating, false},
		{"script done, synthesizing", track.Running, track.Done, track.Running, model.StageSynthesizing, false},
		{"summary failed, synthesizing", track.Failed, track.Done, track.Running, model.StageSynthesizing, false},
		{"all done", track.Done, track.Done, track.Done, model.StageSettled, true},
		{"script failed, no audio", track.Done, track.Failed, track.Idle, model.StageSettled, true},
		{"audio failed", track.Done, track.Done, track.Failed, model.StageSettled, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newSnapshot("r", "u", "a")
			s.Stage = model.StageGenerating
			s.Summary.State, s.Script.State, s.Audio.State = tt.summary, tt.script, tt.audio
			s.derive()
			if s.Stage != tt.stage {
				t.Errorf("Stage = %q, want %q", s.Stage, tt.stage)
			}
			if s.Settled != tt.settled {
				t.Errorf("Settled = %v, want %v", s.Settled, tt.settled)
			}
		})
	}
}
