package speech

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// pcmFormat describes the sample layout of a decoded clip.
type pcmFormat struct {
	SampleRate int
	Channels   int
	BitDepth   int
}

func (f pcmFormat) String() string {
	return fmt.Sprintf("%dHz/%dch/%dbit", f.SampleRate, f.Channels, f.BitDepth)
}

// clip is one decoded WAV file.
type clip struct {
	format  pcmFormat
	samples []int
}

var errNotWAV = errors.New("audio is not a valid WAV file")

// decodeWAV reads a complete WAV file into memory.
func decodeWAV(b []byte) (clip, error) {
	d := wav.NewDecoder(bytes.NewReader(b))
	if !d.IsValidFile() {
		return clip{}, errNotWAV
	}
	buf, err := d.FullPCMBuffer()
	if err != nil {
		return clip{}, fmt.Errorf("decode wav: %w", err)
	}
	return clip{
		format: pcmFormat{
			SampleRate: int(d.SampleRate),
			Channels:   int(d.NumChans),
			BitDepth:   int(d.BitDepth),
		},
		samples: buf.Data,
	}, nil
}

// duration is the playback length of the decoded frames.
func (c clip) duration() time.Duration {
	if c.format.SampleRate <= 0 || c.format.Channels <= 0 {
		return 0
	}
	frames := int64(len(c.samples) / c.format.Channels)
	return time.Duration(frames) * time.Second / time.Duration(c.format.SampleRate)
}

// wavDuration measures the playback duration of an encoded WAV file from its
// PCM frames. Header and chunk bytes do not count.
func wavDuration(b []byte) (time.Duration, error) {
	c, err := decodeWAV(b)
	if err != nil {
		return 0, err
	}
	return c.duration(), nil
}

// encodeWAV writes samples as a PCM WAV file. The encoder needs a seekable
// writer to patch the header sizes, so the file goes through a temp file.
func encodeWAV(samples []int, f pcmFormat) ([]byte, error) {
	file, err := os.CreateTemp("", "readaloud_*.wav")
	if err != nil {
		return nil, fmt.Errorf("temp file: %w", err)
	}
	defer os.Remove(file.Name())
	defer file.Close()

	buffer := &audio.IntBuffer{
		Format:         &audio.Format{NumChannels: f.Channels, SampleRate: f.SampleRate},
		Data:           samples,
		SourceBitDepth: f.BitDepth,
	}
	enc := wav.NewEncoder(file, f.SampleRate, f.BitDepth, f.Channels, 1)
	if err := enc.Write(buffer); err != nil {
		return nil, fmt.Errorf("write wav: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("close wav encoder: %w", err)
	}
	return os.ReadFile(file.Name())
}

// pcm16ToSamples converts little-endian 16-bit PCM to samples.
func pcm16ToSamples(pcm []byte) ([]int, error) {
	if len(pcm)%2 != 0 {
		return nil, fmt.Errorf("pcm payload not aligned")
	}
	samples := make([]int, len(pcm)/2)
	for i := range samples {
		samples[i] = int(int16(binary.LittleEndian.Uint16(pcm[i*2:])))
	}
	return samples, nil
}
