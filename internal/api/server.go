package api

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/yangwenmai/readaloud/internal/engine"
	"github.com/yangwenmai/readaloud/internal/pipeline"
	"github.com/yangwenmai/readaloud/internal/store"
)

// maxRequestBody is the maximum allowed request body size (1 MB).
const maxRequestBody int64 = 1 << 20

// Orchestrator runs one article at a time and reports its progress.
type Orchestrator interface {
	Submit(ctx context.Context, url string) (pipeline.Snapshot, error)
	Current() (pipeline.Snapshot, bool)
	Subscribe() (<-chan pipeline.Snapshot, func())
}

// Media serves stored blobs behind signed, expiring locators.
type Media interface {
	Open(key string) (io.ReadSeekCloser, int64, error)
	LocatorFor(key string) (string, error)
	Verify(key, expires, sig string) error
}

// Generator writes a complete generation event stream to w.
type Generator interface {
	Serve(ctx context.Context, req engine.GenerateRequest, w io.Writer) error
}

// Pinger reports whether a backing dependency is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Deps are the collaborators of the HTTP surface. Generator, Health and
// Metrics are optional; their routes answer 404/ok when unset.
type Deps struct {
	Orchestrator Orchestrator
	Runs         store.RunReader
	Artifacts    store.ArtifactStore
	Media        Media
	Extractor    engine.ContentExtractor
	Generator    Generator
	Health       []Pinger
	Metrics      http.Handler
	CORSOrigin   string
	Logger       *slog.Logger
}

// Server holds the HTTP handlers and dependencies.
type Server struct {
	orch      Orchestrator
	runs      store.RunReader
	artifacts store.ArtifactStore
	media     Media
	extractor engine.ContentExtractor
	generator Generator
	health    []Pinger
	metrics   http.Handler
	origin    string
	logger    *slog.Logger
	mux       *http.ServeMux
}

// New creates a new API server.
func New(d Deps) *Server {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	origin := d.CORSOrigin
	if origin == "" {
		origin = "*"
	}
	srv := &Server{
		orch:      d.Orchestrator,
		runs:      d.Runs,
		artifacts: d.Artifacts,
		media:     d.Media,
		extractor: d.Extractor,
		generator: d.Generator,
		health:    d.Health,
		metrics:   d.Metrics,
		origin:    origin,
		logger:    logger.With("component", "api"),
		mux:       http.NewServeMux(),
	}
	srv.routes()
	return srv
}

// Handler returns the root http.Handler with middleware applied.
func (s *Server) Handler() http.Handler {
	return s.corsMiddleware(limitBody(jsonContent(s.mux)))
}

func (s *Server) routes() {
	s.mux.HandleFunc("POST /api/runs", s.handleSubmit)
	s.mux.HandleFunc("GET /api/runs/current", s.handleCurrent)
	s.mux.HandleFunc("GET /api/runs/{id}", s.handleGetRun)
	s.mux.HandleFunc("GET /api/run/ws", s.handleWatch)
	s.mux.HandleFunc("GET /api/articles/{id}", s.handleGetArticle)
	s.mux.HandleFunc("GET /api/articles/{id}/audio", s.handleAudio)
	s.mux.HandleFunc("GET /media/{key...}", s.handleMedia)
	s.mux.HandleFunc("POST /api/extract", s.handleExtract)
	s.mux.HandleFunc("POST /api/generate/{kind}/stream", s.handleGenerate)
	s.mux.HandleFunc("GET /healthz", s.handleHealth)
	if s.metrics != nil {
		s.mux.Handle("GET /metrics", s.metrics)
	}
}

// ---------------------------------------------------------------------------
// Middleware
// ---------------------------------------------------------------------------

// corsMiddleware sets CORS headers for the configured origin.
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", s.origin)
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// limitBody restricts the request body to maxRequestBody bytes.
func limitBody(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)
		next.ServeHTTP(w, r)
	})
}

// jsonContent defaults the response to JSON, except for routes that stream
// or serve their own content types.
func jsonContent(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !rawContent(r.URL.Path) {
			w.Header().Set("Content-Type", "application/json")
		}
		next.ServeHTTP(w, r)
	})
}

func rawContent(path string) bool {
	return strings.HasPrefix(path, "/media/") ||
		strings.HasSuffix(path, "/stream") ||
		path == "/api/run/ws" ||
		path == "/metrics"
}

// allowOrigin reports whether a websocket handshake from origin is accepted.
func (s *Server) allowOrigin(origin string) bool {
	if s.origin == "*" || origin == "" {
		return true
	}
	return strings.EqualFold(origin, s.origin)
}

// ---------------------------------------------------------------------------
// Response helpers
// ---------------------------------------------------------------------------

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
