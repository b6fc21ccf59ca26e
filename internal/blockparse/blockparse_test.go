package blockparse

import (
	"reflect"
	"strings"
	"testing"
)

const reasoningText = "**Reading the article**\nThe piece covers Go releases.\n\n**Picking key points**\nIterators and the new GC.\nStill thinking"

func TestParseReasoning(t *testing.T) {
	tests := []struct {
		name string
		buf  string
		want Reasoning
	}{
		{"empty", "", Reasoning{}},
		{"no heading", "  just thinking  ", Reasoning{Body: "just thinking"}},
		{"unterminated heading", "**Reading", Reasoning{Body: "**Reading"}},
		{"heading without newline yet", "**Reading**", Reasoning{Body: "**Reading**"}},
		{"one heading", "**Reading**\nbody text", Reasoning{Heading: "Reading", Body: "body text"}},
		{"last block wins", reasoningText, Reasoning{Heading: "Picking key points", Body: "Iterators and the new GC.\nStill thinking"}},
		{"inline bold is not a heading", "I think **this** matters\nmore", Reasoning{Body: "I think **this** matters\nmore"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ParseReasoning(tt.buf); got != tt.want {
				t.Errorf("ParseReasoning(%q) = %+v, want %+v", tt.buf, got, tt.want)
			}
		})
	}
}

func TestParseReasoning_StablePrefixes(t *testing.T) {
	for i := 0; i < len(reasoningText); i++ {
		a, b := reasoningText[:i], reasoningText[:i+1]
		if ParseReasoning(a) != ParseReasoning(a) {
			t.Fatalf("ParseReasoning not idempotent at %d", i)
		}
		newHeading := len(headingLine.FindAllString(a, -1)) != len(headingLine.FindAllString(b, -1))
		if !newHeading && ParseReasoning(a).Heading != ParseReasoning(b).Heading {
			t.Errorf("heading changed between prefixes %d and %d without a new marker: %q -> %q",
				i, i+1, ParseReasoning(a).Heading, ParseReasoning(b).Heading)
		}
	}
}

const summaryText = "[TOPIC]\nGo 1.25 release notes\n\n[SUMMARY]\n• Iterators landed in the\nstandard library\n- The GC got faster\n* Tooling improved\n1. Vet checks were added\n"

func TestParseSummary(t *testing.T) {
	got := ParseSummary(summaryText)
	want := Summary{
		Topic: "Go 1.25 release notes",
		Points: []string{
			"Iterators landed in the standard library",
			"The GC got faster",
			"Tooling improved",
			"Vet checks were added",
		},
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("ParseSummary = %+v, want %+v", got, want)
	}
}

func TestParseSummary_Partial(t *testing.T) {
	tests := []struct {
		name string
		buf  string
		want Summary
	}{
		{"nothing yet", "Let me", Summary{}},
		{"topic marker only", "[TOPIC]", Summary{}},
		{"topic growing", "[TOPIC]\nGo 1.2", Summary{Topic: "Go 1.2"}},
		{"half marker not in topic", "[TOPIC]\nGo\n[SUMM", Summary{Topic: "Go"}},
		{"dangling bullet ignored", "[TOPIC]\nGo\n\n[SUMMARY]\n- one\n-", Summary{Topic: "Go", Points: []string{"one"}}},
		{"bold line is not a bullet", "[SUMMARY]\n**Key** idea", Summary{Points: []string{"**Key** idea"}}},
		{"number may become a marker", "[TOPIC]\nGo\n\n[SUMMARY]\n1", Summary{Topic: "Go"}},
		{"numbered marker without item", "[TOPIC]\nGo\n\n[SUMMARY]\n1.", Summary{Topic: "Go"}},
		{"half bullet rune", "[SUMMARY]\n- one\n\xe2\x80", Summary{Points: []string{"one"}}},
		{"terminated number is text", "[SUMMARY]\n- one\n42\n", Summary{Points: []string{"one 42"}}},
		{"blank line inside topic", "[TOPIC]\nGo 1.25\n\nrelease notes\n\n[SUMMARY]\n- one\n", Summary{Topic: "Go 1.25 release notes", Points: []string{"one"}}},
		{"topic before next marker", "[TOPIC]\nGo\n\n", Summary{Topic: "Go"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ParseSummary(tt.buf); !reflect.DeepEqual(got, tt.want) {
				t.Errorf("ParseSummary(%q) = %+v, want %+v", tt.buf, got, tt.want)
			}
		})
	}
}

func TestParseSummary_GrowingBufferNeverRegresses(t *testing.T) {
	prev := Summary{}
	for i := 1; i <= len(summaryText); i++ {
		got := ParseSummary(summaryText[:i])
		if len(got.Points) < len(prev.Points) {
			t.Fatalf("points shrank at %d: %d -> %d", i, len(prev.Points), len(got.Points))
		}
		if prev.Topic != "" && got.Topic == "" {
			t.Fatalf("topic disappeared at %d", i)
		}
		prev = got
	}
}

func TestParseSummary_EveryPrefixKeepsPoints(t *testing.T) {
	answers := []string{
		summaryText,
		"[TOPIC]\nGo\n\n[SUMMARY]\n1. First\n2) Second\n10. Tenth\n",
		"[TOPIC]\nGo\n\n[SUMMARY]\n• One\n• Two\n- Three\n* Four\n",
	}
	for _, text := range answers {
		var prev []string
		for i := 1; i <= len(text); i++ {
			got := ParseSummary(text[:i]).Points
			if len(got) < len(prev) {
				t.Fatalf("points shrank at %q: %q -> %q", text[:i], prev, got)
			}
			for j := 0; j < len(prev)-1; j++ {
				if got[j] != prev[j] {
					t.Fatalf("finished point %d changed at %q: %q -> %q", j, text[:i], prev[j], got[j])
				}
			}
			prev = got
		}
	}
}

func TestParseScript_TitleSpansBlankLine(t *testing.T) {
	got := ParseScript("[TITLE]\nThe week\n\nin Go\n\n[SCRIPT]\nHello.\n")
	if got.Title != "The week in Go" {
		t.Errorf("Title = %q, want %q", got.Title, "The week in Go")
	}
}

const scriptText = "[TITLE]\nThe week in Go\n\n[SCRIPT]\nGood evening. Here is the news.\n\nGo 1.25 shipped today.\n  \n\nThat's all for tonight."

func TestParseScript(t *testing.T) {
	got := ParseScript(scriptText)
	want := Script{
		Title: "The week in Go",
		Segments: []string{
			"Good evening. Here is the news.",
			"Go 1.25 shipped today.",
			"That's all for tonight.",
		},
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("ParseScript = %+v, want %+v", got, want)
	}
	if !reflect.DeepEqual(ParseScript(scriptText), got) {
		t.Error("ParseScript is not idempotent")
	}
}

func TestParseScript_GrowingBufferNeverRegresses(t *testing.T) {
	prev := Script{}
	for i := 1; i <= len(scriptText); i++ {
		got := ParseScript(scriptText[:i])
		if len(got.Segments) < len(prev.Segments) {
			t.Fatalf("segments shrank at %d", i)
		}
		if prev.Title != "" && got.Title == "" {
			t.Fatalf("title disappeared at %d", i)
		}
		prev = got
	}
}

func TestFinalSummary_Fallbacks(t *testing.T) {
	got := FinalSummary("- first point\n- second point")
	if got.Topic != "first point" {
		t.Errorf("Topic = %q, want first point", got.Topic)
	}
	if len(got.Points) != 2 {
		t.Errorf("Points = %v, want 2", got.Points)
	}

	plain := FinalSummary("A single paragraph answer.")
	if !reflect.DeepEqual(plain.Points, []string{"A single paragraph answer."}) {
		t.Errorf("Points = %v", plain.Points)
	}
}

func TestFinalScript_Fallbacks(t *testing.T) {
	long := strings.Repeat("word ", 200)
	got := FinalScript("A headline that is quite a bit longer than fifty characters in total\n" + long)
	if n := len([]rune(got.Title)); n != fallbackTitleRunes {
		t.Errorf("Title runes = %d, want %d", n, fallbackTitleRunes)
	}
	if len(got.Segments) != 1 {
		t.Fatalf("Segments = %d, want 1", len(got.Segments))
	}
	if n := len([]rune(got.Segments[0])); n != fallbackSegmentRunes {
		t.Errorf("segment runes = %d, want %d", n, fallbackSegmentRunes)
	}

	if empty := FinalScript("   "); len(empty.Segments) != 0 {
		t.Errorf("Segments for blank text = %v, want none", empty.Segments)
	}
}

func TestFinalScript_KeepsMarkedSections(t *testing.T) {
	got := FinalScript(scriptText)
	if got.Title != "The week in Go" || len(got.Segments) != 3 {
		t.Errorf("FinalScript = %+v", got)
	}
}
