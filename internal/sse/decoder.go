// Package sse implements the framed event stream used between the generation
// service and its consumers: blocks of "event:" and "data:" lines separated by
// a blank line.
package sse

import (
	"bufio"
	"encoding/json"
	"errors"
	"io"
	"iter"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
)

// Kind is the logical channel an event belongs to.
type Kind string

const (
	KindReasoning Kind = "reasoning"
	KindAnswer    Kind = "answer"
	KindComplete  Kind = "complete"
	KindFailed    Kind = "failed"
)

// Event names as they appear on the wire.
const (
	EventThinking = "thinking"
	EventContent  = "content"
	EventDone     = "done"
	EventError    = "error"
)

// Event is one decoded block.
type Event struct {
	Kind Kind
	// Text is the delta for reasoning and answer events and the upstream
	// message for failed events.
	Text string
	// Data is the raw final payload of a complete event.
	Data json.RawMessage
}

// ErrDisconnected is returned by Next once Close has been called.
var ErrDisconnected = errors.New("sse: stream disconnected")

// Decoder turns a byte stream into Events. Blocks split across reads are
// buffered until their terminating blank line arrives. Blocks that cannot be
// decoded are logged and skipped.
//
// Next must be called from a single goroutine; Close may be called from any.
type Decoder struct {
	rc     io.ReadCloser
	reader *bufio.Reader
	logger *slog.Logger

	event  string
	data   []string
	fields bool

	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

// NewDecoder creates a Decoder reading from rc. Close closes rc.
func NewDecoder(rc io.ReadCloser, logger *slog.Logger) *Decoder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Decoder{
		rc:     rc,
		reader: bufio.NewReader(rc),
		logger: logger,
	}
}

// Next returns the next decoded event. It returns io.EOF when the stream ends
// and ErrDisconnected after Close. A block still incomplete at end of input is
// discarded.
func (d *Decoder) Next() (Event, error) {
	for {
		if d.closed.Load() {
			d.reset()
			return Event{}, ErrDisconnected
		}

		line, err := d.reader.ReadString('\n')
		if d.closed.Load() {
			d.reset()
			return Event{}, ErrDisconnected
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				if d.fields || strings.TrimSpace(line) != "" {
					d.logger.Warn("discarding incomplete block at end of stream")
				}
				d.reset()
				return Event{}, io.EOF
			}
			return Event{}, err
		}

		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			if !d.fields {
				continue
			}
			ev, ok := d.dispatch()
			d.reset()
			if ok {
				return ev, nil
			}
			continue
		}
		d.field(line)
	}
}

// All returns the remaining events as a sequence. The sequence stops at end
// of input or after Close; any other read error is yielded once.
func (d *Decoder) All() iter.Seq2[Event, error] {
	return func(yield func(Event, error) bool) {
		for {
			ev, err := d.Next()
			if errors.Is(err, io.EOF) || errors.Is(err, ErrDisconnected) {
				return
			}
			if err != nil {
				yield(Event{}, err)
				return
			}
			if !yield(ev, nil) {
				return
			}
		}
	}
}

// Close disconnects the decoder from its stream. No further events are
// returned and any partially buffered block is dropped.
func (d *Decoder) Close() error {
	d.closeOnce.Do(func() {
		d.closed.Store(true)
		d.closeErr = d.rc.Close()
	})
	return d.closeErr
}

func (d *Decoder) field(line string) {
	if strings.HasPrefix(line, ":") {
		return
	}
	name, value, _ := strings.Cut(line, ":")
	value = strings.TrimPrefix(value, " ")
	switch name {
	case "event":
		d.event = value
	case "data":
		d.data = append(d.data, value)
	default:
		// id, retry and unknown fields carry nothing for us.
		return
	}
	d.fields = true
}

func (d *Decoder) reset() {
	d.event = ""
	d.data = nil
	d.fields = false
}

type textPayload struct {
	Text *string `json:"text"`
}

type errorPayload struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func (d *Decoder) dispatch() (Event, bool) {
	data := strings.Join(d.data, "\n")
	switch d.event {
	case EventThinking, EventContent:
		text, ok := d.decodeText(data)
		if !ok {
			return Event{}, false
		}
		kind := KindAnswer
		if d.event == EventThinking {
			kind = KindReasoning
		}
		return Event{Kind: kind, Text: text}, true
	case EventDone:
		if !json.Valid([]byte(data)) {
			d.logger.Warn("dropping undecodable block", "event", d.event, "bytes", len(data))
			return Event{}, false
		}
		return Event{Kind: KindComplete, Data: json.RawMessage(data)}, true
	case EventError:
		if !looksLikeJSON(data) {
			return Event{Kind: KindFailed, Text: data}, true
		}
		var p errorPayload
		if err := json.Unmarshal([]byte(data), &p); err != nil {
			d.logger.Warn("dropping undecodable block", "event", d.event, "error", err)
			return Event{}, false
		}
		msg := p.Error
		if msg == "" {
			msg = p.Message
		}
		return Event{Kind: KindFailed, Text: msg}, true
	default:
		d.logger.Warn("dropping block with unknown event", "event", d.event)
		return Event{}, false
	}
}

// decodeText accepts either a {"text": ...} object or plain text.
func (d *Decoder) decodeText(data string) (string, bool) {
	if !looksLikeJSON(data) {
		return data, true
	}
	var p textPayload
	if err := json.Unmarshal([]byte(data), &p); err != nil || p.Text == nil {
		d.logger.Warn("dropping undecodable block", "event", d.event, "bytes", len(data))
		return "", false
	}
	return *p.Text, true
}

func looksLikeJSON(s string) bool {
	return strings.HasPrefix(strings.TrimSpace(s), "{")
}
