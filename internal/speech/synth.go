package speech

import (
	"bufio"
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"os/exec"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/mattn/go-shellwords"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// Synthesizer turns one text segment into an encoded WAV clip. All clips
// produced by one Synthesizer share a sample format.
type Synthesizer interface {
	Synthesize(ctx context.Context, text string) ([]byte, error)
}

// OpenAISynthesizer calls the OpenAI speech endpoint.
type OpenAISynthesizer struct {
	client       openai.Client
	model        string
	voice        string
	instructions string
}

// OpenAIOption configures the OpenAI synthesizer.
type OpenAIOption func(*OpenAISynthesizer)

// WithModel sets the TTS model (default: gpt-4o-mini-tts).
func WithModel(m string) OpenAIOption {
	return func(s *OpenAISynthesizer) { s.model = m }
}

// WithVoice sets the voice (default: marin).
func WithVoice(v string) OpenAIOption {
	return func(s *OpenAISynthesizer) { s.voice = v }
}

// WithInstructions sets the speaking style instructions.
func WithInstructions(i string) OpenAIOption {
	return func(s *OpenAISynthesizer) { s.instructions = i }
}

// NewOpenAISynthesizer creates a synthesizer. baseURL may be empty.
func NewOpenAISynthesizer(apiKey, baseURL string, opts ...OpenAIOption) *OpenAISynthesizer {
	reqOpts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithHTTPClient(&http.Client{Timeout: 2 * time.Minute}),
		// segment calls are billable; a failed one fails the narration
		option.WithMaxRetries(0),
	}
	if baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(strings.TrimRight(baseURL, "/")))
	}
	s := &OpenAISynthesizer{
		client: openai.NewClient(reqOpts...),
		model:  "gpt-4o-mini-tts",
		voice:  "marin",
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *OpenAISynthesizer) Synthesize(ctx context.Context, text string) ([]byte, error) {
	params := openai.AudioSpeechNewParams{
		Input:          text,
		Model:          openai.SpeechModel(s.model),
		Voice:          openai.AudioSpeechNewParamsVoice(s.voice),
		ResponseFormat: openai.AudioSpeechNewParamsResponseFormatWAV,
	}
	if s.instructions != "" {
		params.Instructions = openai.String(s.instructions)
	}
	resp, err := s.client.Audio.Speech.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("openai speech: %w", err)
	}
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read speech audio: %w", err)
	}
	// Streamed WAV responses carry placeholder chunk sizes; re-encode so
	// merged clips get exact headers.
	c, err := decodeWAV(b)
	if err != nil {
		return nil, fmt.Errorf("openai speech: %w", err)
	}
	return encodeWAV(c.samples, c.format)
}

// ExecSynthesizer runs an external command per segment. The command reads a
// JSON request on stdin and writes JSON lines carrying base64 PCM16 chunks.
type ExecSynthesizer struct {
	cmd        []string
	voice      string
	sampleRate int
	channels   int
}

type execRequest struct {
	Text       string `json:"text"`
	Voice      string `json:"voice"`
	SampleRate int    `json:"sample_rate"`
	Channels   int    `json:"channels"`
}

type execResponse struct {
	PCMBase64 string `json:"pcm_base64"`
	Final     bool   `json:"final"`
}

// NewExecSynthesizer parses command with shell quoting rules.
func NewExecSynthesizer(command, voice string, sampleRate, channels int) (*ExecSynthesizer, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse tts command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("tts command empty")
	}
	return &ExecSynthesizer{cmd: args, voice: voice, sampleRate: sampleRate, channels: channels}, nil
}

func (e *ExecSynthesizer) Synthesize(ctx context.Context, text string) ([]byte, error) {
	data, err := json.Marshal(execRequest{
		Text:       text,
		Voice:      e.voice,
		SampleRate: e.sampleRate,
		Channels:   e.channels,
	})
	if err != nil {
		return nil, err
	}

	cmd := exec.CommandContext(ctx, e.cmd[0], e.cmd[1:]...)
	cmd.Stdin = bytes.NewReader(data)
	cmd.WaitDelay = time.Second
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start tts command: %w", err)
	}

	// fail stops the child, drains its output and reaps it.
	fail := func(err error) ([]byte, error) {
		cmd.Process.Kill()
		io.Copy(io.Discard, stdout)
		if werr := cmd.Wait(); werr != nil && stderr.Len() > 0 {
			return nil, fmt.Errorf("%w (tts command: %v: %s)", err, werr, strings.TrimSpace(stderr.String()))
		}
		return nil, err
	}

	var pcm []byte
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var resp execResponse
		if err := json.Unmarshal(line, &resp); err != nil {
			return fail(fmt.Errorf("decode tts output: %w", err))
		}
		chunk, err := base64.StdEncoding.DecodeString(resp.PCMBase64)
		if err != nil {
			return fail(fmt.Errorf("decode tts pcm: %w", err))
		}
		pcm = append(pcm, chunk...)
		if resp.Final {
			break
		}
	}
	if err := scanner.Err(); err != nil {
		return fail(fmt.Errorf("read tts output: %w", err))
	}
	io.Copy(io.Discard, stdout)
	if err := cmd.Wait(); err != nil {
		return nil, fmt.Errorf("tts command failed: %w: %s", err, stderr.String())
	}

	samples, err := pcm16ToSamples(pcm)
	if err != nil {
		return nil, err
	}
	return encodeWAV(samples, pcmFormat{SampleRate: e.sampleRate, Channels: e.channels, BitDepth: 16})
}

// ToneSynthesizer produces a sine tone whose length follows the text length.
// It needs no credentials and is used in development.
type ToneSynthesizer struct {
	SampleRate int
	PerRune    time.Duration
	MaxLength  time.Duration
}

// NewToneSynthesizer returns a 16kHz mono tone synthesizer.
func NewToneSynthesizer() *ToneSynthesizer {
	return &ToneSynthesizer{SampleRate: 16000, PerRune: 20 * time.Millisecond, MaxLength: 10 * time.Second}
}

func (t *ToneSynthesizer) Synthesize(ctx context.Context, text string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	length := time.Duration(utf8.RuneCountInString(text)) * t.PerRune
	if length > t.MaxLength {
		length = t.MaxLength
	}
	if length <= 0 {
		length = t.PerRune
	}
	const freq = 440.0
	n := int(int64(length) * int64(t.SampleRate) / int64(time.Second))
	samples := make([]int, n)
	for i := range samples {
		samples[i] = int(3000 * math.Sin(2*math.Pi*freq*float64(i)/float64(t.SampleRate)))
	}
	return encodeWAV(samples, pcmFormat{SampleRate: t.SampleRate, Channels: 1, BitDepth: 16})
}
