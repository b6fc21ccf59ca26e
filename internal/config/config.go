// Package config provides centralized configuration for the readaloud server.
// Values come from defaults, an optional YAML file, .env.local and the
// environment, in that order; later sources win.
package config

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultTTSInstructions is the speaking style sent to the TTS model.
const DefaultTTSInstructions = "Read like a calm news anchor: clear, warm and steady, with short pauses between sentences."

// Config holds all server configuration values.
type Config struct {
	// Port is the HTTP server listen port.
	Port string `yaml:"port"`

	// DBPath is the path to the SQLite database file.
	DBPath string `yaml:"db_path"`

	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"` // json or text

	// LLMProvider selects the generation backend: "openai", "gemini",
	// "claude", "ollama" or "remote".
	LLMProvider string `yaml:"llm_provider"`

	OpenAIKey     string `yaml:"openai_api_key"`
	OpenAIBaseURL string `yaml:"openai_base_url"`
	OpenAIModel   string `yaml:"openai_model"`

	GeminiKey   string `yaml:"gemini_api_key"`
	GeminiModel string `yaml:"gemini_model"`

	ClaudeKey   string `yaml:"anthropic_api_key"`
	ClaudeModel string `yaml:"claude_model"`

	OllamaURL   string `yaml:"ollama_url"`
	OllamaModel string `yaml:"ollama_model"`

	// RemoteGenerationURL is another readaloud instance serving
	// /api/generate/{kind}/stream.
	RemoteGenerationURL string `yaml:"generation_url"`

	Temperature float64 `yaml:"llm_temperature"`

	// TTSProvider selects the speech backend: "openai", "exec" or "tone".
	TTSProvider     string `yaml:"tts_provider"`
	TTSModel        string `yaml:"tts_model"`
	TTSVoice        string `yaml:"tts_voice"`
	TTSInstructions string `yaml:"tts_instructions"`
	// TTSCommand is the command line run by the exec provider.
	TTSCommand    string `yaml:"tts_command"`
	TTSSampleRate int    `yaml:"tts_sample_rate"`

	// SilencePadding is inserted between narrated paragraphs.
	SilencePadding time.Duration `yaml:"tts_silence_padding"`

	// SynthesisTimeout bounds one whole synthesis.
	SynthesisTimeout time.Duration `yaml:"tts_timeout"`

	// MediaDir is where audio blobs are written.
	MediaDir string `yaml:"media_dir"`

	// MediaSigningKey signs media URLs. A random key is generated when empty,
	// so signed URLs do not survive a restart.
	MediaSigningKey string `yaml:"media_signing_key"`

	SignedURLTTL time.Duration `yaml:"signed_url_ttl"`

	// HTTPTimeout is the timeout for outgoing HTTP requests (extract, LLM).
	HTTPTimeout time.Duration `yaml:"http_timeout"`

	// MaxTextLength is the maximum number of runes to keep from extracted text.
	MaxTextLength int `yaml:"max_text_length"`

	// CORSOrigin is the allowed CORS origin. Defaults to "*".
	CORSOrigin string `yaml:"cors_origin"`

	// NATSURL enables snapshot broadcast. With NATSEmbedded an in-process
	// server is started and NATSURL is ignored.
	NATSURL      string `yaml:"nats_url"`
	NATSEmbedded bool   `yaml:"nats_embedded"`
	NATSSubject  string `yaml:"nats_subject"`

	OTLPEndpoint string `yaml:"otlp_endpoint"`
	OTLPInsecure bool   `yaml:"otlp_insecure"`
	TraceStdout  bool   `yaml:"trace_stdout"`

	// RunRetention is how long settled runs are kept; PruneInterval is how
	// often the pruner looks for them.
	RunRetention  time.Duration `yaml:"run_retention"`
	PruneInterval time.Duration `yaml:"prune_interval"`

	// UnsupportedDomains replaces the built-in list of video and social
	// platforms when set.
	UnsupportedDomains []string `yaml:"unsupported_domains"`
}

// Default returns the configuration used when nothing is set.
func Default() Config {
	return Config{
		Port:             "8080",
		DBPath:           "readaloud.db",
		LogLevel:         "info",
		LogFormat:        "json",
		LLMProvider:      "openai",
		OpenAIBaseURL:    "https://api.openai.com/v1",
		OpenAIModel:      "gpt-4o-mini",
		GeminiModel:      "gemini-2.5-flash",
		ClaudeModel:      "claude-sonnet-4-20250514",
		OllamaURL:        "http://localhost:11434",
		OllamaModel:      "llama3",
		Temperature:      0.5,
		TTSProvider:      "openai",
		TTSModel:         "gpt-4o-mini-tts",
		TTSVoice:         "marin",
		TTSInstructions:  DefaultTTSInstructions,
		TTSSampleRate:    24000,
		SilencePadding:   500 * time.Millisecond,
		SynthesisTimeout: 3 * time.Minute,
		MediaDir:         "media",
		SignedURLTTL:     60 * time.Minute,
		HTTPTimeout:      60 * time.Second,
		MaxTextLength:    15000,
		CORSOrigin:       "*",
		NATSSubject:      "readaloud.runs",
		OTLPInsecure:     true,
		RunRetention:     7 * 24 * time.Hour,
		PruneInterval:    10 * time.Minute,
	}
}

// Load builds the configuration. path names an optional YAML file; a
// missing .env.local is not an error.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config file: %w", err)
		}
	}

	loadEnvFile(".env.local")
	applyEnv(&cfg)

	if err := cfg.validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	cfg.Port = envOr("PORT", cfg.Port)
	cfg.DBPath = envOr("DB_PATH", cfg.DBPath)
	cfg.LogLevel = envOr("LOG_LEVEL", cfg.LogLevel)
	cfg.LogFormat = envOr("LOG_FORMAT", cfg.LogFormat)
	cfg.LLMProvider = strings.ToLower(envOr("LLM_PROVIDER", cfg.LLMProvider))
	cfg.OpenAIKey = envOr("OPENAI_API_KEY", cfg.OpenAIKey)
	cfg.OpenAIBaseURL = envOr("OPENAI_BASE_URL", cfg.OpenAIBaseURL)
	cfg.OpenAIModel = envOr("OPENAI_MODEL", cfg.OpenAIModel)
	cfg.GeminiKey = envOr("GEMINI_API_KEY", cfg.GeminiKey)
	cfg.GeminiModel = envOr("GEMINI_MODEL", cfg.GeminiModel)
	cfg.ClaudeKey = envOr("ANTHROPIC_API_KEY", cfg.ClaudeKey)
	cfg.ClaudeModel = envOr("CLAUDE_MODEL", cfg.ClaudeModel)
	cfg.OllamaURL = envOr("OLLAMA_URL", cfg.OllamaURL)
	cfg.OllamaModel = envOr("OLLAMA_MODEL", cfg.OllamaModel)
	cfg.RemoteGenerationURL = envOr("GENERATION_URL", cfg.RemoteGenerationURL)
	cfg.Temperature = envFloat("LLM_TEMPERATURE", cfg.Temperature)
	cfg.TTSProvider = strings.ToLower(envOr("TTS_PROVIDER", cfg.TTSProvider))
	cfg.TTSModel = envOr("TTS_MODEL", cfg.TTSModel)
	cfg.TTSVoice = envOr("TTS_VOICE", cfg.TTSVoice)
	cfg.TTSInstructions = envOr("TTS_INSTRUCTIONS", cfg.TTSInstructions)
	cfg.TTSCommand = envOr("TTS_COMMAND", cfg.TTSCommand)
	cfg.TTSSampleRate = envInt("TTS_SAMPLE_RATE", cfg.TTSSampleRate)
	cfg.SilencePadding = envDuration("TTS_SILENCE_PADDING", cfg.SilencePadding)
	cfg.SynthesisTimeout = envDuration("TTS_TIMEOUT", cfg.SynthesisTimeout)
	cfg.MediaDir = envOr("MEDIA_DIR", cfg.MediaDir)
	cfg.MediaSigningKey = envOr("MEDIA_SIGNING_KEY", cfg.MediaSigningKey)
	cfg.SignedURLTTL = envDuration("SIGNED_URL_TTL", cfg.SignedURLTTL)
	cfg.HTTPTimeout = envDuration("HTTP_TIMEOUT", cfg.HTTPTimeout)
	cfg.MaxTextLength = envInt("MAX_TEXT_LENGTH", cfg.MaxTextLength)
	cfg.CORSOrigin = envOr("CORS_ORIGIN", cfg.CORSOrigin)
	cfg.NATSURL = envOr("NATS_URL", cfg.NATSURL)
	cfg.NATSEmbedded = envBool("NATS_EMBEDDED", cfg.NATSEmbedded)
	cfg.NATSSubject = envOr("NATS_SUBJECT", cfg.NATSSubject)
	cfg.OTLPEndpoint = envOr("OTEL_EXPORTER_OTLP_ENDPOINT", cfg.OTLPEndpoint)
	cfg.OTLPInsecure = envBool("OTEL_EXPORTER_OTLP_INSECURE", cfg.OTLPInsecure)
	cfg.TraceStdout = envBool("TRACE_STDOUT", cfg.TraceStdout)
	cfg.RunRetention = envDuration("RUN_RETENTION", cfg.RunRetention)
	cfg.PruneInterval = envDuration("PRUNE_INTERVAL", cfg.PruneInterval)
	cfg.UnsupportedDomains = envList("UNSUPPORTED_DOMAINS", cfg.UnsupportedDomains)
}

func (c Config) validate() error {
	if n, err := strconv.Atoi(c.Port); err != nil || n <= 0 || n > 65535 {
		return fmt.Errorf("port must be between 1 and 65535, got %q", c.Port)
	}
	if c.DBPath == "" {
		return errors.New("db_path must not be empty")
	}
	switch c.LLMProvider {
	case "openai", "gemini", "claude", "ollama":
	case "remote":
		if c.RemoteGenerationURL == "" {
			return errors.New("generation_url must be set when llm_provider=remote")
		}
	default:
		return fmt.Errorf("llm_provider must be one of openai|gemini|claude|ollama|remote, got %q", c.LLMProvider)
	}
	switch c.TTSProvider {
	case "openai", "tone":
	case "exec":
		if c.TTSCommand == "" {
			return errors.New("tts_command must be set when tts_provider=exec")
		}
		if c.TTSSampleRate <= 0 {
			return errors.New("tts_sample_rate must be positive")
		}
	default:
		return fmt.Errorf("tts_provider must be one of openai|exec|tone, got %q", c.TTSProvider)
	}
	if c.SilencePadding < 0 {
		return errors.New("tts_silence_padding must be >= 0")
	}
	if c.SynthesisTimeout <= 0 {
		return errors.New("tts_timeout must be positive")
	}
	if c.MediaDir == "" {
		return errors.New("media_dir must not be empty")
	}
	if c.PruneInterval <= 0 {
		return errors.New("prune_interval must be positive")
	}
	return nil
}

// UseStubs returns true when no LLM API key is configured for the selected provider.
func (c Config) UseStubs() bool {
	switch c.LLMProvider {
	case "claude":
		return c.ClaudeKey == ""
	case "gemini":
		return c.GeminiKey == ""
	case "ollama", "remote":
		return false // no key needed
	default:
		return c.OpenAIKey == ""
	}
}

// loadEnvFile sets variables from a KEY=VALUE file without overriding
// variables that are already set.
func loadEnvFile(path string) {
	f, err := os.Open(path)
	if err != nil {
		return
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(strings.TrimPrefix(key, "export "))
		value = strings.TrimSpace(value)
		if len(value) >= 2 && (value[0] == '"' || value[0] == '\'') && value[len(value)-1] == value[0] {
			value = value[1 : len(value)-1]
		}
		if _, exists := os.LookupEnv(key); !exists {
			os.Setenv(key, value)
		}
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func envFloat(key string, fallback float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fallback
	}
	return f
}

func envBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

func envList(key string, fallback []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	var out []string
	for _, p := range strings.Split(v, ",") {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	if len(out) == 0 {
		return fallback
	}
	return out
}
