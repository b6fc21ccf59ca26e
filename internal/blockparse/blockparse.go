// Package blockparse derives structured views from the text accumulated so far
// on a generation stream. Every function takes the whole buffer, not a delta,
// and is free of side effects, so calling it again with a longer buffer never
// produces a less specific result once a marker has been seen.
package blockparse

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

// Section markers the generation prompts ask the model to emit.
const (
	TopicMarker   = "[TOPIC]"
	SummaryMarker = "[SUMMARY]"
	TitleMarker   = "[TITLE]"
	ScriptMarker  = "[SCRIPT]"
)

const (
	fallbackTitleRunes   = 50
	fallbackSegmentRunes = 500
)

var (
	// headingLine matches a markdown bold line such as "**Reading the intro**"
	// that has been terminated by a newline.
	headingLine = regexp.MustCompile(`(?m)^[ \t]*\*\*([^*\n]+)\*\*[ \t]*\r?\n`)

	// markerLine matches the start of any bracketed section marker line.
	markerLine = regexp.MustCompile(`(?m)^[ \t]*\[[A-Z]+\]`)

	// bulletPrefix matches list markers at the start of a trimmed line.
	bulletPrefix = regexp.MustCompile(`^(?:•[ \t]*|[\-*](?:[ \t]+|$)|\d{1,2}[.)](?:[ \t]+|$))`)

	// partialMarker matches an unterminated last line that may still grow
	// into a list marker or a section marker.
	partialMarker = regexp.MustCompile(`^(?:\d{1,2}[.)]?|[\-*]|\[[A-Z]*)$`)

	paragraphBreak = regexp.MustCompile(`\n[ \t]*\n\s*`)
)

// Reasoning is the latest block of the reasoning channel.
type Reasoning struct {
	Heading string `json:"heading"`
	Body    string `json:"body"`
}

// ParseReasoning returns the heading and body of the last block in buf. Without
// any heading yet, Heading is empty and Body is the whole buffer.
func ParseReasoning(buf string) Reasoning {
	locs := headingLine.FindAllStringSubmatchIndex(buf, -1)
	if len(locs) == 0 {
		return Reasoning{Body: strings.TrimSpace(buf)}
	}
	last := locs[len(locs)-1]
	return Reasoning{
		Heading: strings.TrimSpace(buf[last[2]:last[3]]),
		Body:    strings.TrimSpace(buf[last[1]:]),
	}
}

// Summary is the partial or final view of a summary answer.
type Summary struct {
	Topic  string   `json:"topic"`
	Points []string `json:"points"`
}

// ParseSummary extracts the topic and bullet points seen so far.
func ParseSummary(buf string) Summary {
	var s Summary
	if sec, ok := section(buf, TopicMarker); ok {
		s.Topic = headline(sec)
	}
	if sec, ok := section(buf, SummaryMarker); ok {
		s.Points = splitPoints(sec)
	}
	return s
}

// FinalSummary parses a complete answer, falling back to the raw text when
// the markers are missing.
func FinalSummary(text string) Summary {
	s := ParseSummary(text)
	if len(s.Points) == 0 {
		s.Points = splitPoints(markerLine.ReplaceAllString(text, ""))
	}
	if s.Topic == "" && len(s.Points) > 0 {
		s.Topic = s.Points[0]
	}
	return s
}

// Script is the partial or final view of a narration script answer.
type Script struct {
	Title    string   `json:"title"`
	Segments []string `json:"segments"`
}

// ParseScript extracts the title and the paragraphs seen so far.
func ParseScript(buf string) Script {
	var s Script
	if sec, ok := section(buf, TitleMarker); ok {
		s.Title = headline(sec)
	}
	if sec, ok := section(buf, ScriptMarker); ok {
		s.Segments = splitParagraphs(sec)
	}
	return s
}

// FinalScript parses a complete answer. A missing title becomes the first
// line of the text; missing paragraphs become one segment holding the start
// of the text.
func FinalScript(text string) Script {
	s := ParseScript(text)
	plain := strings.TrimSpace(markerLine.ReplaceAllString(text, ""))
	if s.Title == "" {
		s.Title = truncate(firstLine(plain), fallbackTitleRunes)
	}
	if len(s.Segments) == 0 && plain != "" {
		s.Segments = []string{truncate(plain, fallbackSegmentRunes)}
	}
	return s
}

// section returns the text after marker up to the next marker line.
func section(buf, marker string) (string, bool) {
	i := strings.Index(buf, marker)
	if i < 0 {
		return "", false
	}
	rest := buf[i+len(marker):]
	if loc := markerLine.FindStringIndex(rest); loc != nil {
		rest = rest[:loc[0]]
	}
	return rest, true
}

// headline joins the non-blank lines of sec. Blank lines inside a heading
// are kept as a space; only the next marker ends it. A line starting with "["
// also ends it, so a half-written marker never leaks in.
func headline(sec string) string {
	var lines []string
	for _, line := range strings.Split(sec, "\n") {
		l := strings.TrimSpace(line)
		if l == "" {
			continue
		}
		if strings.HasPrefix(l, "[") {
			break
		}
		lines = append(lines, l)
	}
	return strings.Join(lines, " ")
}

func splitPoints(sec string) []string {
	lines := strings.Split(sec, "\n")
	// The last line has no newline yet. Hold it back while it could still
	// become a list marker.
	if last := strings.TrimSpace(lines[len(lines)-1]); isPartialMarker(last) {
		lines = lines[:len(lines)-1]
	}

	var points []string
	for _, line := range lines {
		l := strings.TrimSpace(line)
		if l == "" {
			continue
		}
		if loc := bulletPrefix.FindStringIndex(l); loc != nil {
			if item := strings.TrimSpace(l[loc[1]:]); item != "" {
				points = append(points, item)
			}
			continue
		}
		if len(points) == 0 {
			points = append(points, l)
			continue
		}
		points[len(points)-1] += " " + l
	}
	return points
}

// isPartialMarker reports whether line could be the start of a marker,
// including the leading bytes of a multi-byte "•".
func isPartialMarker(line string) bool {
	if line == "" {
		return false
	}
	return partialMarker.MatchString(line) || strings.HasPrefix("•", line)
}

func splitParagraphs(sec string) []string {
	var out []string
	for _, p := range paragraphBreak.Split(sec, -1) {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func firstLine(s string) string {
	for _, line := range strings.Split(s, "\n") {
		if l := strings.TrimSpace(line); l != "" {
			return l
		}
	}
	return ""
}

func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n])
}
