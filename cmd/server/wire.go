package main

import (
	"crypto/rand"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/yangwenmai/readaloud/internal/api"
	"github.com/yangwenmai/readaloud/internal/config"
	"github.com/yangwenmai/readaloud/internal/engine"
	"github.com/yangwenmai/readaloud/internal/speech"
)

// generation is what the selected LLM provider serves: a stream source for
// the pipeline and, when generation runs in-process, the HTTP endpoint
// other instances can point at.
type generation struct {
	stream engine.StreamGenerator
	serve  api.Generator
}

func buildExtractor(cfg config.Config, logger *slog.Logger) engine.ContentExtractor {
	if cfg.UseStubs() {
		logger.Info("no API key for LLM provider, using stub extractor", "provider", cfg.LLMProvider)
		return &engine.StubExtractor{}
	}
	opts := []engine.ExtractorOption{
		engine.WithHTTPClient(&http.Client{Timeout: cfg.HTTPTimeout}),
		engine.WithMaxTextLength(cfg.MaxTextLength),
	}
	if len(cfg.UnsupportedDomains) > 0 {
		opts = append(opts, engine.WithUnsupportedDomains(cfg.UnsupportedDomains))
	}
	return engine.NewHTTPExtractor(opts...)
}

func buildGeneration(cfg config.Config, logger *slog.Logger) (generation, error) {
	if cfg.LLMProvider == "remote" {
		logger.Info("using remote generation service", "url", cfg.RemoteGenerationURL)
		return generation{stream: engine.NewRemoteGenerator(cfg.RemoteGenerationURL, nil)}, nil
	}

	var chat engine.ChatStreamer
	switch {
	case cfg.UseStubs():
		logger.Info("using stub model", "provider", cfg.LLMProvider)
		chat = &engine.StubStreamer{}
	case cfg.LLMProvider == "openai":
		logger.Info("using OpenAI model", "model", cfg.OpenAIModel)
		chat = engine.NewOpenAIStreamer(cfg.OpenAIKey,
			engine.WithModel(cfg.OpenAIModel),
			engine.WithBaseURL(cfg.OpenAIBaseURL),
			engine.WithTemperature(cfg.Temperature),
		)
	case cfg.LLMProvider == "gemini":
		logger.Info("using Gemini model", "model", cfg.GeminiModel)
		chat = engine.NewGeminiStreamer(cfg.GeminiKey,
			engine.WithGeminiModel(cfg.GeminiModel),
			engine.WithGeminiTemperature(cfg.Temperature),
		)
	case cfg.LLMProvider == "claude":
		logger.Info("using Claude model", "model", cfg.ClaudeModel)
		chat = engine.NewClaudeStreamer(cfg.ClaudeKey, engine.WithClaudeModel(cfg.ClaudeModel))
	case cfg.LLMProvider == "ollama":
		logger.Info("using Ollama model", "url", cfg.OllamaURL, "model", cfg.OllamaModel)
		chat = engine.NewOllamaStreamer(cfg.OllamaURL,
			engine.WithOllamaModel(cfg.OllamaModel),
			engine.WithOllamaTemperature(cfg.Temperature),
		)
	default:
		return generation{}, fmt.Errorf("unknown llm provider %q", cfg.LLMProvider)
	}

	svc := engine.NewGenerationService(chat, logger)
	return generation{stream: svc, serve: svc}, nil
}

func buildSynthesizer(cfg config.Config, logger *slog.Logger) (speech.Synthesizer, error) {
	switch cfg.TTSProvider {
	case "openai":
		if cfg.OpenAIKey == "" {
			logger.Warn("OPENAI_API_KEY not set, narrating with test tones")
			return speech.NewToneSynthesizer(), nil
		}
		logger.Info("using OpenAI speech", "model", cfg.TTSModel, "voice", cfg.TTSVoice)
		return speech.NewOpenAISynthesizer(cfg.OpenAIKey, cfg.OpenAIBaseURL,
			speech.WithModel(cfg.TTSModel),
			speech.WithVoice(cfg.TTSVoice),
			speech.WithInstructions(cfg.TTSInstructions),
		), nil
	case "exec":
		logger.Info("using external speech command", "command", cfg.TTSCommand)
		s, err := speech.NewExecSynthesizer(cfg.TTSCommand, cfg.TTSVoice, cfg.TTSSampleRate, 1)
		if err != nil {
			return nil, fmt.Errorf("tts command: %w", err)
		}
		return s, nil
	case "tone":
		return speech.NewToneSynthesizer(), nil
	}
	return nil, fmt.Errorf("unknown tts provider %q", cfg.TTSProvider)
}

// signingKey returns the configured media signing key, or a random one when
// unset. Random keys invalidate every locator on restart.
func signingKey(cfg config.Config, logger *slog.Logger) []byte {
	if cfg.MediaSigningKey != "" {
		return []byte(cfg.MediaSigningKey)
	}
	logger.Warn("MEDIA_SIGNING_KEY not set, generating an ephemeral key")
	key := make([]byte, 32)
	rand.Read(key)
	return key
}
