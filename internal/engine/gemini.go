package engine

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

// GeminiStreamer implements ChatStreamer using the Google Generative AI REST
// API in SSE mode. Thought summaries are requested and surfaced as reasoning.
type GeminiStreamer struct {
	apiKey      string
	baseURL     string
	model       string
	temperature float64
	httpClient  *http.Client
}

// GeminiOption configures the Gemini streamer.
type GeminiOption func(*GeminiStreamer)

// WithGeminiModel sets the model name.
func WithGeminiModel(model string) GeminiOption {
	return func(c *GeminiStreamer) { c.model = model }
}

// WithGeminiBaseURL overrides the API endpoint.
func WithGeminiBaseURL(url string) GeminiOption {
	return func(c *GeminiStreamer) { c.baseURL = strings.TrimRight(url, "/") }
}

// WithGeminiTemperature sets the sampling temperature.
func WithGeminiTemperature(t float64) GeminiOption {
	return func(c *GeminiStreamer) { c.temperature = t }
}

// NewGeminiStreamer creates a new Google Gemini chat streamer.
func NewGeminiStreamer(apiKey string, opts ...GeminiOption) *GeminiStreamer {
	c := &GeminiStreamer{
		apiKey:      apiKey,
		baseURL:     "https://generativelanguage.googleapis.com/v1beta",
		model:       "gemini-2.5-flash",
		temperature: 0.5,
		httpClient: &http.Client{
			Timeout: 5 * time.Minute,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type geminiRequest struct {
	SystemInstruction *geminiContent  `json:"systemInstruction,omitempty"`
	Contents          []geminiContent `json:"contents"`
	GenerationConfig  geminiGenConfig `json:"generationConfig"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiPart struct {
	Text string `json:"text"`
}

type geminiGenConfig struct {
	Temperature     float64              `json:"temperature"`
	MaxOutputTokens int                  `json:"maxOutputTokens"`
	ThinkingConfig  geminiThinkingConfig `json:"thinkingConfig"`
}

type geminiThinkingConfig struct {
	IncludeThoughts bool `json:"includeThoughts"`
}

// StreamChat implements ChatStreamer.
func (c *GeminiStreamer) StreamChat(ctx context.Context, system, user string, fn func(Delta) error) (string, error) {
	reqBody := geminiRequest{
		SystemInstruction: &geminiContent{Parts: []geminiPart{{Text: system}}},
		Contents: []geminiContent{
			{Role: "user", Parts: []geminiPart{{Text: user}}},
		},
		GenerationConfig: geminiGenConfig{
			Temperature:     c.temperature,
			MaxOutputTokens: 8192,
			ThinkingConfig:  geminiThinkingConfig{IncludeThoughts: true},
		},
	}

	body, err := json.Marshal(reqBody)
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	url := fmt.Sprintf("%s/models/%s:streamGenerateContent?alt=sse", c.baseURL, c.model)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-goog-api-key", c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("gemini: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", fmt.Errorf("gemini: %w", &apiError{StatusCode: resp.StatusCode, Body: string(respBody)})
	}

	modelID := c.model
	sc := bufio.NewScanner(resp.Body)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := sc.Text()
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		chunk := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if msg := gjson.Get(chunk, "error.message"); msg.Exists() {
			return modelID, fmt.Errorf("gemini: api error: %s", msg.String())
		}
		if v := gjson.Get(chunk, "modelVersion").String(); v != "" {
			modelID = v
		}

		var d Delta
		gjson.Get(chunk, "candidates.0.content.parts").ForEach(func(_, part gjson.Result) bool {
			if part.Get("thought").Bool() {
				d.Reasoning += part.Get("text").String()
			} else {
				d.Content += part.Get("text").String()
			}
			return true
		})
		if d.Reasoning == "" && d.Content == "" {
			continue
		}
		if err := fn(d); err != nil {
			return modelID, err
		}
	}
	if err := sc.Err(); err != nil {
		return modelID, fmt.Errorf("gemini: read stream: %w", err)
	}
	return modelID, nil
}
