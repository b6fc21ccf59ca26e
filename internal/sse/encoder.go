package sse

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
)

// Encoder writes events in the format Decoder reads. It is safe for
// concurrent use.
type Encoder struct {
	mu      sync.Mutex
	w       io.Writer
	flusher http.Flusher
}

// NewEncoder creates an Encoder. When w is an http.Flusher every event is
// flushed as soon as it is written.
func NewEncoder(w io.Writer) *Encoder {
	e := &Encoder{w: w}
	if f, ok := w.(http.Flusher); ok {
		e.flusher = f
	}
	return e
}

// Reasoning writes a reasoning delta.
func (e *Encoder) Reasoning(text string) error {
	return e.writeJSON(EventThinking, map[string]string{"text": text})
}

// Answer writes an answer delta.
func (e *Encoder) Answer(text string) error {
	return e.writeJSON(EventContent, map[string]string{"text": text})
}

// Complete writes the final payload.
func (e *Encoder) Complete(payload any) error {
	return e.writeJSON(EventDone, payload)
}

// Fail writes a failure event carrying msg.
func (e *Encoder) Fail(msg string) error {
	return e.writeJSON(EventError, map[string]string{"error": msg})
}

func (e *Encoder) writeJSON(event string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s event: %w", event, err)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, err := fmt.Fprintf(e.w, "event: %s\ndata: %s\n\n", event, data); err != nil {
		return err
	}
	if e.flusher != nil {
		e.flusher.Flush()
	}
	return nil
}
