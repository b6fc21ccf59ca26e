package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// RemoteGenerator implements StreamGenerator against another instance's
// POST /api/generate/{kind}/stream endpoint.
type RemoteGenerator struct {
	baseURL    string
	httpClient *http.Client
}

// NewRemoteGenerator creates a generator for the service at baseURL. The
// client must not set an overall timeout since streams are long-lived.
func NewRemoteGenerator(baseURL string, hc *http.Client) *RemoteGenerator {
	if hc == nil {
		hc = &http.Client{}
	}
	return &RemoteGenerator{baseURL: strings.TrimRight(baseURL, "/"), httpClient: hc}
}

// Stream implements StreamGenerator.
func (g *RemoteGenerator) Stream(ctx context.Context, req GenerateRequest) (io.ReadCloser, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	url := fmt.Sprintf("%s/api/generate/%s/stream", g.baseURL, req.Kind)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")

	resp, err := g.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("generation service: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("generation service: %w", &apiError{StatusCode: resp.StatusCode, Body: string(respBody)})
	}
	return resp.Body, nil
}
