package engine

import (
	"fmt"
	"unicode/utf8"

	"github.com/yangwenmai/readaloud/internal/blockparse"
	"github.com/yangwenmai/readaloud/internal/model"
)

// promptTextLimit bounds the article text sent to the model.
const promptTextLimit = 12000

const summarySystemPrompt = `You are a news editor who writes short, faithful summaries.
Think step by step before answering. Only state facts that appear in the article.`

const scriptSystemPrompt = `You are a radio news writer. You turn articles into scripts that a
news anchor reads aloud. Write for the ear: short sentences, no lists, no markdown,
no URLs, numbers written the way they are spoken.`

func buildSummaryPrompt(req GenerateRequest) string {
	return fmt.Sprintf(`Summarize the following article.

Answer in exactly this format:
%s
<one line naming the main topic>

%s
- <point 1>
- <point 2>
- <point 3>

Rules:
- 3 to 5 points, each one or two sentences
- Keep the article's language
- No text before %s or after the last point

Title: %s
Source: %s

Article text:
%s`, blockparse.TopicMarker, blockparse.SummaryMarker, blockparse.TopicMarker,
		req.Title, req.SourceURL, truncateRunes(model.CombineText(req.Text, req.SecondaryText), promptTextLimit))
}

func buildScriptPrompt(req GenerateRequest) string {
	return fmt.Sprintf(`Write a narration script for the following article.

Answer in exactly this format:
%s
<a short headline for the report>

%s
<paragraph 1>

<paragraph 2>

...

Rules:
- Between 3 and 8 paragraphs separated by one blank line
- Each paragraph is one to four spoken sentences
- Open with a one-sentence greeting, close with a one-sentence sign-off
- Aim for roughly one to three minutes of speech
- Keep the article's language

Title: %s
Source: %s

Article text:
%s`, blockparse.TitleMarker, blockparse.ScriptMarker,
		req.Title, req.SourceURL, truncateRunes(model.CombineText(req.Text, req.SecondaryText), promptTextLimit))
}

// buildPrompts returns the system and user prompt for the request kind.
func buildPrompts(req GenerateRequest) (system, user string) {
	if req.Kind == KindScript {
		return scriptSystemPrompt, buildScriptPrompt(req)
	}
	return summarySystemPrompt, buildSummaryPrompt(req)
}

// truncateRunes truncates s to maxRunes runes (Unicode-safe).
func truncateRunes(s string, maxRunes int) string {
	if utf8.RuneCountInString(s) <= maxRunes {
		return s
	}
	runes := []rune(s)
	return string(runes[:maxRunes]) + "\n... [truncated]"
}
