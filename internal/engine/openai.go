package engine

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/tidwall/gjson"
)

// OpenAIStreamer implements ChatStreamer using the OpenAI Chat Completions
// streaming API. It also works with any OpenAI-compatible service by setting
// a custom base URL; reasoning deltas are read from "reasoning_content" when
// the service sends them.
type OpenAIStreamer struct {
	apiKey      string
	baseURL     string
	model       string
	temperature float64
	httpClient  *http.Client
}

// OpenAIOption configures the OpenAI streamer.
type OpenAIOption func(*OpenAIStreamer)

// WithModel sets the model name (default: gpt-4o-mini).
func WithModel(model string) OpenAIOption {
	return func(c *OpenAIStreamer) { c.model = model }
}

// WithBaseURL overrides the API endpoint (default: https://api.openai.com/v1).
func WithBaseURL(url string) OpenAIOption {
	return func(c *OpenAIStreamer) { c.baseURL = strings.TrimRight(url, "/") }
}

// WithTemperature sets the sampling temperature (default: 0.5).
func WithTemperature(t float64) OpenAIOption {
	return func(c *OpenAIStreamer) { c.temperature = t }
}

// WithOpenAIHTTPClient replaces the HTTP client used for API calls.
func WithOpenAIHTTPClient(hc *http.Client) OpenAIOption {
	return func(c *OpenAIStreamer) { c.httpClient = hc }
}

// NewOpenAIStreamer creates a new OpenAI chat streamer.
func NewOpenAIStreamer(apiKey string, opts ...OpenAIOption) *OpenAIStreamer {
	c := &OpenAIStreamer{
		apiKey:      apiKey,
		baseURL:     "https://api.openai.com/v1",
		model:       "gpt-4o-mini",
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

// apiError represents an error from an LLM API that may or may not be retryable.
type apiError struct {
	StatusCode int
	Body       string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Body)
}

// Retryable returns true for transient errors (rate limit, server errors).
func (e *apiError) Retryable() bool {
	return e.StatusCode == http.StatusTooManyRequests ||
		e.StatusCode >= http.StatusInternalServerError
}

// StreamChat implements ChatStreamer. Transient failures before the first
// delta are retried by the client.
func (c *OpenAIStreamer) StreamChat(ctx context.Context, system, user string, fn func(Delta) error) (string, error) {
	client := openai.NewClient(
		option.WithAPIKey(c.apiKey),
		option.WithBaseURL(c.baseURL),
		option.WithHTTPClient(c.httpClient),
		option.WithMaxRetries(1),
	)

	stream := client.Chat.Completions.NewStreaming(ctx, openai.ChatCompletionNewParams{
		Model: openai.ChatModel(c.model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(system),
			openai.UserMessage(user),
		},
		Temperature: openai.Float(c.temperature),
	})
	defer stream.Close()

	modelID := c.model
	for stream.Next() {
		chunk := stream.Current()
		if chunk.Model != "" {
			modelID = chunk.Model
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		delta := chunk.Choices[0].Delta
		d := Delta{
			Reasoning: gjson.Get(delta.RawJSON(), "reasoning_content").String(),
			Content:   delta.Content,
		}
		if d.Reasoning == "" && d.Content == "" {
			continue
		}
		if err := fn(d); err != nil {
			return modelID, err
		}
	}
	if err := stream.Err(); err != nil {
		var oe *openai.Error
		if errors.As(err, &oe) {
			return modelID, fmt.Errorf("openai: %w", &apiError{StatusCode: oe.StatusCode, Body: oe.Message})
		}
		return modelID, fmt.Errorf("openai: %w", err)
	}
	return modelID, nil
}
