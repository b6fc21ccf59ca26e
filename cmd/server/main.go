package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/yangwenmai/readaloud/internal/api"
	"github.com/yangwenmai/readaloud/internal/blob"
	"github.com/yangwenmai/readaloud/internal/config"
	"github.com/yangwenmai/readaloud/internal/notify"
	"github.com/yangwenmai/readaloud/internal/pipeline"
	"github.com/yangwenmai/readaloud/internal/speech"
	"github.com/yangwenmai/readaloud/internal/store"
	"github.com/yangwenmai/readaloud/internal/telemetry"
	"github.com/yangwenmai/readaloud/internal/worker"
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "", "Path to an optional YAML configuration file")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	logger := newLogger(cfg)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("server exited with error", "error", err)
		os.Exit(1)
	}
	logger.Info("shutdown complete")
}

func run(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	shutdownTelemetry, metrics, err := telemetry.Setup(ctx, telemetry.Options{
		ServiceName:  "readaloud",
		OTLPEndpoint: cfg.OTLPEndpoint,
		OTLPInsecure: cfg.OTLPInsecure,
		StdoutTraces: cfg.TraceStdout,
	}, logger)
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(ctx); err != nil {
			logger.Warn("telemetry shutdown", "error", err)
		}
	}()

	// Open SQLite.
	db, err := store.OpenSQLite(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open db: %w", err)
	}
	defer db.Close()

	s, err := store.New(db)
	if err != nil {
		return fmt.Errorf("init store: %w", err)
	}

	// Runs that were in flight when the last process exited cannot resume.
	w := worker.New(s, cfg.RunRetention, cfg.PruneInterval, logger)
	if _, err := w.Recover(ctx); err != nil {
		logger.Warn("recover stale runs", "error", err)
	}

	media, err := blob.NewLocalStore(cfg.MediaDir, signingKey(cfg, logger), blob.WithTTL(cfg.SignedURLTTL))
	if err != nil {
		return fmt.Errorf("init media store: %w", err)
	}

	extractor := buildExtractor(cfg, logger)
	gen, err := buildGeneration(cfg, logger)
	if err != nil {
		return err
	}
	synth, err := buildSynthesizer(cfg, logger)
	if err != nil {
		return err
	}
	narrator := speech.NewEngine(synth, media, logger, speech.WithPadding(cfg.SilencePadding))

	health := []api.Pinger{s}
	opts := []pipeline.Option{pipeline.WithSynthesisTimeout(cfg.SynthesisTimeout)}
	closeNotify, publisher, err := buildNotifier(cfg, logger)
	if err != nil {
		return err
	}
	defer closeNotify()
	if publisher == nil {
		opts = append(opts, pipeline.WithNotifier(notify.Nop{}))
	} else {
		opts = append(opts, pipeline.WithNotifier(publisher))
		health = append(health, api.PingFunc(func(context.Context) error {
			if !publisher.Healthy() {
				return errors.New("nats: not connected")
			}
			return nil
		}))
	}

	orch := pipeline.New(extractor, gen.stream, narrator, s, logger, opts...)

	workerCtx, cancelWorker := context.WithCancel(ctx)
	defer cancelWorker()
	go w.Start(workerCtx)

	srv := api.New(api.Deps{
		Orchestrator: orch,
		Runs:         s,
		Artifacts:    s,
		Media:        media,
		Extractor:    extractor,
		Generator:    gen.serve,
		Health:       health,
		Metrics:      metrics,
		CORSOrigin:   cfg.CORSOrigin,
		Logger:       logger,
	})
	httpServer := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("readaloud server listening", "addr", "http://localhost:"+cfg.Port,
			"llm_provider", cfg.LLMProvider, "tts_provider", cfg.TTSProvider)
		if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	case <-ctx.Done():
	}

	// Graceful shutdown.
	logger.Info("shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.SynthesisTimeout+5*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", "error", err)
	}
	cancelWorker()
	if err := orch.Shutdown(shutdownCtx); err != nil {
		logger.Warn("pipeline shutdown", "error", err)
	}
	return nil
}

func newLogger(cfg config.Config) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.LogFormat == "text" {
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}

// buildNotifier connects to NATS, starting an embedded server first when
// asked to. Without NATS the returned publisher is nil.
func buildNotifier(cfg config.Config, logger *slog.Logger) (func(), *notify.NATSPublisher, error) {
	url := cfg.NATSURL
	var embedded *notify.EmbeddedServer
	if cfg.NATSEmbedded {
		var err error
		embedded, err = notify.StartEmbedded(-1, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("start embedded nats: %w", err)
		}
		url = embedded.ClientURL()
	}
	if url == "" {
		logger.Info("NATS not configured, snapshots are not broadcast")
		return func() {}, nil, nil
	}

	pub, err := notify.Connect(url, cfg.NATSSubject, logger)
	if err != nil {
		if embedded != nil {
			embedded.Shutdown()
		}
		return nil, nil, fmt.Errorf("connect nats: %w", err)
	}
	return func() {
		pub.Close()
		if embedded != nil {
			embedded.Shutdown()
		}
	}, pub, nil
}
