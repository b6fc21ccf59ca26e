package model

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"
)

// charsPerMinute is the narration speed used to estimate script duration.
const charsPerMinute = 300

// SummaryResult is the final output of the summary track.
type SummaryResult struct {
	Topic     string   `json:"topic"`
	Points    []string `json:"points"`
	ModelID   string   `json:"model_id"`
	ElapsedMs int64    `json:"elapsed_ms"`
}

// Validate checks the structural invariants of a summary.
func (s SummaryResult) Validate() error {
	if len(s.Points) == 0 {
		return errors.New("summary has no points")
	}
	for i, p := range s.Points {
		if strings.TrimSpace(p) == "" {
			return fmt.Errorf("summary point %d is empty", i)
		}
	}
	return nil
}

// Script is the final output of the script track: an ordered list of
// narration segments.
type Script struct {
	Title                string   `json:"title"`
	Segments             []string `json:"segments"`
	EstimatedDurationSec int      `json:"estimated_duration_sec"`
	TotalCharacters      int      `json:"total_characters"`
}

// NewScript builds a Script and derives its character count and duration
// estimate from the segments.
func NewScript(title string, segments []string) Script {
	total := countChars(segments)
	return Script{
		Title:                title,
		Segments:             segments,
		EstimatedDurationSec: EstimateDurationSec(total),
		TotalCharacters:      total,
	}
}

// EstimateDurationSec converts a character count to seconds of narration.
func EstimateDurationSec(totalChars int) int {
	return int(float64(totalChars) / charsPerMinute * 60)
}

// scriptCharTolerance is the allowed relative drift between the reported and
// the measured character count of a script received from upstream.
const scriptCharTolerance = 0.05

// Validate checks the structural invariants of a script.
func (s Script) Validate() error {
	if len(s.Segments) == 0 {
		return errors.New("script has no segments")
	}
	for i, seg := range s.Segments {
		if strings.TrimSpace(seg) == "" {
			return fmt.Errorf("script segment %d is empty", i)
		}
	}
	measured := countChars(s.Segments)
	diff := s.TotalCharacters - measured
	if diff < 0 {
		diff = -diff
	}
	if float64(diff) > float64(measured)*scriptCharTolerance {
		return fmt.Errorf("script total_characters %d does not match segments (%d)", s.TotalCharacters, measured)
	}
	return nil
}

func countChars(segments []string) int {
	n := 0
	for _, s := range segments {
		n += utf8.RuneCountInString(s)
	}
	return n
}

// AudioArtifact references the merged narration once it has been stored.
type AudioArtifact struct {
	Locator     string  `json:"locator"`
	DurationSec float64 `json:"duration_sec"`
	ByteSize    int64   `json:"byte_size"`
}
