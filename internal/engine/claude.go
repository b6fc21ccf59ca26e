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

// ClaudeStreamer implements ChatStreamer using the Anthropic Messages API
// with extended thinking enabled.
type ClaudeStreamer struct {
	apiKey         string
	baseURL        string
	model          string
	thinkingBudget int
	httpClient     *http.Client
}

// ClaudeOption configures the Claude streamer.
type ClaudeOption func(*ClaudeStreamer)

// WithClaudeModel sets the model name.
func WithClaudeModel(model string) ClaudeOption {
	return func(c *ClaudeStreamer) { c.model = model }
}

// WithClaudeBaseURL overrides the API endpoint.
func WithClaudeBaseURL(url string) ClaudeOption {
	return func(c *ClaudeStreamer) { c.baseURL = strings.TrimRight(url, "/") }
}

// WithThinkingBudget sets the token budget for extended thinking; 0 disables it.
func WithThinkingBudget(tokens int) ClaudeOption {
	return func(c *ClaudeStreamer) { c.thinkingBudget = tokens }
}

// NewClaudeStreamer creates a new Anthropic Claude chat streamer.
func NewClaudeStreamer(apiKey string, opts ...ClaudeOption) *ClaudeStreamer {
	c := &ClaudeStreamer{
		apiKey:         apiKey,
		baseURL:        "https://api.anthropic.com",
		model:          "claude-sonnet-4-20250514",
		thinkingBudget: 2048,
		httpClient: &http.Client{
			Timeout: 5 * time.Minute,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type claudeRequest struct {
	Model     string          `json:"model"`
	MaxTokens int             `json:"max_tokens"`
	System    string          `json:"system,omitempty"`
	Messages  []claudeMessage `json:"messages"`
	Stream    bool            `json:"stream"`
	Thinking  *claudeThinking `json:"thinking,omitempty"`
}

type claudeMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type claudeThinking struct {
	Type         string `json:"type"`
	BudgetTokens int    `json:"budget_tokens"`
}

// StreamChat implements ChatStreamer.
func (c *ClaudeStreamer) StreamChat(ctx context.Context, system, user string, fn func(Delta) error) (string, error) {
	reqBody := claudeRequest{
		Model:     c.model,
		MaxTokens: 8192,
		System:    system,
		Messages: []claudeMessage{
			{Role: "user", Content: user},
		},
		Stream: true,
	}
	if c.thinkingBudget > 0 {
		reqBody.Thinking = &claudeThinking{Type: "enabled", BudgetTokens: c.thinkingBudget}
	}

	body, err := json.Marshal(reqBody)
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/messages", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", c.apiKey)
	req.Header.Set("anthropic-version", "2023-06-01")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("claude: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", fmt.Errorf("claude: %w", &apiError{StatusCode: resp.StatusCode, Body: string(respBody)})
	}

	modelID := c.model
	sc := bufio.NewScanner(resp.Body)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := sc.Text()
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))

		switch gjson.Get(data, "type").String() {
		case "message_start":
			if m := gjson.Get(data, "message.model").String(); m != "" {
				modelID = m
			}
		case "content_block_delta":
			var d Delta
			switch gjson.Get(data, "delta.type").String() {
			case "thinking_delta":
				d.Reasoning = gjson.Get(data, "delta.thinking").String()
			case "text_delta":
				d.Content = gjson.Get(data, "delta.text").String()
			}
			if d.Reasoning == "" && d.Content == "" {
				continue
			}
			if err := fn(d); err != nil {
				return modelID, err
			}
		case "message_stop":
			return modelID, nil
		case "error":
			return modelID, fmt.Errorf("claude: api error: %s", gjson.Get(data, "error.message").String())
		}
	}
	if err := sc.Err(); err != nil {
		return modelID, fmt.Errorf("claude: read stream: %w", err)
	}
	return modelID, fmt.Errorf("claude: stream ended before message_stop")
}
