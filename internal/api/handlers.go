package api

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"path"
	"time"

	"github.com/yangwenmai/readaloud/internal/blob"
	"github.com/yangwenmai/readaloud/internal/engine"
	"github.com/yangwenmai/readaloud/internal/model"
	"github.com/yangwenmai/readaloud/internal/pipeline"
	"github.com/yangwenmai/readaloud/internal/track"
)

// runView is a snapshot as served to clients, with a playable audio URL once
// the narration exists.
type runView struct {
	pipeline.Snapshot
	AudioURL string `json:"audio_url,omitempty"`
}

func newRunView(s pipeline.Snapshot) runView {
	v := runView{Snapshot: s}
	if s.Audio.State == track.Done && s.ArticleID != "" {
		v.AudioURL = "/api/articles/" + s.ArticleID + "/audio"
	}
	return v
}

// ---------------------------------------------------------------------------
// POST /api/runs
// ---------------------------------------------------------------------------

type submitRequest struct {
	URL string `json:"url"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	// An empty URL still starts a run; it settles with EMPTY_INPUT.
	snap, err := s.orch.Submit(r.Context(), req.URL)
	if errors.Is(err, pipeline.ErrClosed) {
		writeError(w, http.StatusServiceUnavailable, "server is shutting down")
		return
	}
	if err != nil {
		s.logger.Error("submit failed", "url", req.URL, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to start run")
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]string{
		"run_id":     snap.RunID,
		"article_id": snap.ArticleID,
		"stage":      snap.Stage,
	})
}

// ---------------------------------------------------------------------------
// GET /api/runs/current
// ---------------------------------------------------------------------------

func (s *Server) handleCurrent(w http.ResponseWriter, r *http.Request) {
	snap, ok := s.orch.Current()
	if !ok {
		writeError(w, http.StatusNotFound, "no run submitted")
		return
	}
	writeJSON(w, http.StatusOK, newRunView(snap))
}

// ---------------------------------------------------------------------------
// GET /api/runs/{id}
// ---------------------------------------------------------------------------

// storedRunView is a persisted run record. Unlike runView it survives the
// run being superseded or the process restarting.
type storedRunView struct {
	ID        string          `json:"run_id"`
	URL       string          `json:"url"`
	ArticleID string          `json:"article_id"`
	Stage     string          `json:"stage"`
	Error     json.RawMessage `json:"error,omitempty"`
	CreatedAt string          `json:"created_at"`
	UpdatedAt string          `json:"updated_at"`
	Artifacts []artifactView  `json:"artifacts"`
	AudioURL  string          `json:"audio_url,omitempty"`
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	if s.runs == nil {
		writeError(w, http.StatusNotFound, "run history is not served by this instance")
		return
	}
	id := r.PathValue("id")

	run, err := s.runs.GetRun(r.Context(), id)
	if errors.Is(err, sql.ErrNoRows) {
		writeError(w, http.StatusNotFound, "run not found")
		return
	}
	if err != nil {
		s.logger.Error("load run", "run_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load run")
		return
	}

	v := storedRunView{
		ID:        run.ID,
		URL:       run.URL,
		ArticleID: run.ArticleID,
		Stage:     run.Stage,
		CreatedAt: run.CreatedAt,
		UpdatedAt: run.UpdatedAt,
		Artifacts: make([]artifactView, 0, len(run.Artifacts)),
	}
	if run.ErrorInfo != nil && json.Valid([]byte(*run.ErrorInfo)) {
		v.Error = json.RawMessage(*run.ErrorInfo)
	}
	for _, a := range run.Artifacts {
		v.Artifacts = append(v.Artifacts, newArtifactView(a))
		if a.ArtifactType == model.ArtifactAudio {
			v.AudioURL = "/api/articles/" + run.ArticleID + "/audio"
		}
	}
	writeJSON(w, http.StatusOK, v)
}

// ---------------------------------------------------------------------------
// GET /api/articles/{id}
// ---------------------------------------------------------------------------

type artifactView struct {
	Type      string          `json:"artifact_type"`
	Payload   json.RawMessage `json:"payload"`
	CreatedBy string          `json:"created_by"`
	CreatedAt string          `json:"created_at"`
}

func newArtifactView(a model.Artifact) artifactView {
	return artifactView{
		Type:      a.ArtifactType,
		Payload:   json.RawMessage(a.Payload),
		CreatedBy: a.CreatedBy,
		CreatedAt: a.CreatedAt,
	}
}

func (s *Server) handleGetArticle(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	artifacts, err := s.artifacts.ListArtifacts(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load artifacts")
		return
	}
	if len(artifacts) == 0 {
		writeError(w, http.StatusNotFound, "article not found")
		return
	}

	resp := map[string]any{"article_id": id}
	views := make([]artifactView, 0, len(artifacts))
	for _, a := range artifacts {
		views = append(views, newArtifactView(a))
		if a.ArtifactType == model.ArtifactAudio {
			resp["audio_url"] = "/api/articles/" + id + "/audio"
		}
	}
	resp["artifacts"] = views
	writeJSON(w, http.StatusOK, resp)
}

// ---------------------------------------------------------------------------
// GET /api/articles/{id}/audio
// ---------------------------------------------------------------------------

func (s *Server) handleAudio(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	a, err := s.artifacts.GetArtifact(r.Context(), id, model.ArtifactAudio)
	if errors.Is(err, sql.ErrNoRows) {
		writeError(w, http.StatusNotFound, "no audio for article")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load audio")
		return
	}

	key := blob.AudioKey(id)
	var audio model.AudioArtifact
	if err := a.Decode(&audio); err == nil && audio.Locator != "" {
		key = audio.Locator
	}
	loc, err := s.media.LocatorFor(key)
	if err != nil {
		s.logger.Error("sign audio locator", "article_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to sign audio locator")
		return
	}
	http.Redirect(w, r, loc, http.StatusFound)
}

// ---------------------------------------------------------------------------
// GET /media/{key...}
// ---------------------------------------------------------------------------

func (s *Server) handleMedia(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	q := r.URL.Query()

	switch err := s.media.Verify(key, q.Get("expires"), q.Get("sig")); {
	case errors.Is(err, blob.ErrExpired):
		writeMediaError(w, http.StatusGone, "link expired")
		return
	case err != nil:
		writeMediaError(w, http.StatusForbidden, "invalid signature")
		return
	}

	f, _, err := s.media.Open(key)
	switch {
	case errors.Is(err, blob.ErrNotFound):
		writeMediaError(w, http.StatusNotFound, "not found")
		return
	case errors.Is(err, blob.ErrInvalidKey):
		writeMediaError(w, http.StatusBadRequest, "invalid key")
		return
	case err != nil:
		writeMediaError(w, http.StatusInternalServerError, "failed to open media")
		return
	}
	defer f.Close()

	if path.Ext(key) == ".wav" {
		w.Header().Set("Content-Type", "audio/wav")
	}
	w.Header().Set("Cache-Control", "private, max-age=300")
	http.ServeContent(w, r, path.Base(key), time.Time{}, f)
}

func writeMediaError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	writeError(w, status, msg)
}

// ---------------------------------------------------------------------------
// POST /api/extract
// ---------------------------------------------------------------------------

type extractRequest struct {
	URL string `json:"url"`
}

func (s *Server) handleExtract(w http.ResponseWriter, r *http.Request) {
	var req extractRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	doc, err := s.extractor.Extract(r.Context(), req.URL)
	var ee *model.ExtractionError
	if errors.As(err, &ee) {
		writeJSON(w, ee.HTTPStatus(), map[string]any{
			"error":     ee.Message(),
			"code":      ee.Code,
			"retryable": ee.Retryable(),
		})
		return
	}
	if err != nil {
		s.logger.Error("extract failed", "url", req.URL, "error", err)
		writeError(w, http.StatusInternalServerError, "extraction failed")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"article_id": model.ArticleID(doc.SourceURL, doc.Body),
		"document":   doc,
	})
}

// ---------------------------------------------------------------------------
// POST /api/generate/{kind}/stream
// ---------------------------------------------------------------------------

func (s *Server) handleGenerate(w http.ResponseWriter, r *http.Request) {
	if s.generator == nil {
		writeMediaError(w, http.StatusNotFound, "generation is not served by this instance")
		return
	}
	kind, err := engine.ParseKind(r.PathValue("kind"))
	if err != nil {
		writeMediaError(w, http.StatusBadRequest, err.Error())
		return
	}

	var req engine.GenerateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeMediaError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	req.Kind = kind
	if req.ArticleID == "" {
		req.ArticleID = model.ArticleID(req.SourceURL, req.Text)
	}
	if err := req.Validate(); err != nil {
		writeMediaError(w, http.StatusBadRequest, err.Error())
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	fw := &flushWriter{w: w}
	if f, ok := w.(http.Flusher); ok {
		fw.f = f
	}
	if err := s.generator.Serve(r.Context(), req, fw); err != nil && !errors.Is(err, context.Canceled) {
		s.logger.Warn("generation stream ended early", "kind", kind, "article_id", req.ArticleID, "error", err)
	}
}

// flushWriter pushes every event to the client as soon as it is written.
type flushWriter struct {
	w http.ResponseWriter
	f http.Flusher
}

func (fw *flushWriter) Write(p []byte) (int, error) {
	n, err := fw.w.Write(p)
	if fw.f != nil {
		fw.f.Flush()
	}
	return n, err
}

// ---------------------------------------------------------------------------
// GET /healthz
// ---------------------------------------------------------------------------

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	for _, p := range s.health {
		if err := p.Ping(ctx); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status": "unavailable",
				"error":  err.Error(),
			})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// PingFunc adapts a function to Pinger.
type PingFunc func(ctx context.Context) error

func (f PingFunc) Ping(ctx context.Context) error { return f(ctx) }
