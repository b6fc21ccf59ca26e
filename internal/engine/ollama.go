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
)

// OllamaStreamer implements ChatStreamer using the local Ollama chat API,
// which streams newline-delimited JSON objects.
type OllamaStreamer struct {
	baseURL     string
	model       string
	temperature float64
	httpClient  *http.Client
}

// OllamaOption configures the Ollama streamer.
type OllamaOption func(*OllamaStreamer)

// WithOllamaModel sets the model name.
func WithOllamaModel(model string) OllamaOption {
	return func(c *OllamaStreamer) { c.model = model }
}

// WithOllamaTemperature sets the sampling temperature.
func WithOllamaTemperature(t float64) OllamaOption {
	return func(c *OllamaStreamer) { c.temperature = t }
}

// NewOllamaStreamer creates a new Ollama chat streamer.
func NewOllamaStreamer(baseURL string, opts ...OllamaOption) *OllamaStreamer {
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	c := &OllamaStreamer{
		baseURL:     strings.TrimRight(baseURL, "/"),
		model:       "llama3",
		temperature: 0.5,
		httpClient: &http.Client{
			Timeout: 10 * time.Minute,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type ollamaRequest struct {
	Model    string          `json:"model"`
	Messages []ollamaMessage `json:"messages"`
	Stream   bool            `json:"stream"`
	Options  ollamaOptions   `json:"options"`
}

type ollamaMessage struct {
	Role     string `json:"role"`
	Content  string `json:"content"`
	Thinking string `json:"thinking,omitempty"`
}

type ollamaOptions struct {
	Temperature float64 `json:"temperature"`
}

type ollamaChunk struct {
	Model   string        `json:"model"`
	Message ollamaMessage `json:"message"`
	Done    bool          `json:"done"`
	Error   string        `json:"error,omitempty"`
}

// StreamChat implements ChatStreamer.
func (c *OllamaStreamer) StreamChat(ctx context.Context, system, user string, fn func(Delta) error) (string, error) {
	reqBody := ollamaRequest{
		Model: c.model,
		Messages: []ollamaMessage{
			{Role: "system", Content: system},
			{Role: "user", Content: user},
		},
		Stream: true,
		Options: ollamaOptions{
			Temperature: c.temperature,
		},
	}

	body, err := json.Marshal(reqBody)
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("ollama: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", fmt.Errorf("ollama: %w", &apiError{StatusCode: resp.StatusCode, Body: string(respBody)})
	}

	modelID := c.model
	dec := json.NewDecoder(bufio.NewReader(resp.Body))
	for {
		var chunk ollamaChunk
		if err := dec.Decode(&chunk); err != nil {
			if err == io.EOF {
				return modelID, fmt.Errorf("ollama: stream ended before done")
			}
			return modelID, fmt.Errorf("ollama: decode chunk: %w", err)
		}
		if chunk.Error != "" {
			return modelID, fmt.Errorf("ollama error: %s", chunk.Error)
		}
		if chunk.Model != "" {
			modelID = chunk.Model
		}
		d := Delta{Reasoning: chunk.Message.Thinking, Content: chunk.Message.Content}
		if d.Reasoning != "" || d.Content != "" {
			if err := fn(d); err != nil {
				return modelID, err
			}
		}
		if chunk.Done {
			return modelID, nil
		}
	}
}
