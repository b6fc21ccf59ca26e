package model

import (
	"crypto/md5"
	"encoding/hex"
	"strings"
	"time"
	"unicode/utf8"
)

// Document is the normalized output of an extractor. It is immutable once
// produced and owned by the pipeline run that requested it.
type Document struct {
	Title         string       `json:"title"`
	Body          string       `json:"body"`
	SecondaryBody string       `json:"secondary_body,omitempty"`
	SourceURL     string       `json:"source_url"`
	RetrievedAt   time.Time    `json:"retrieved_at"`
	Meta          DocumentMeta `json:"meta"`
}

// DocumentMeta holds metadata about the extracted content.
type DocumentMeta struct {
	Author      string `json:"author,omitempty"`
	SiteName    string `json:"site_name,omitempty"`
	PublishDate string `json:"publish_date,omitempty"`
	WordCount   int    `json:"word_count"`
}

// CombineText joins a primary and an optional secondary body under section
// headings. Without a secondary body the primary is returned as is.
func CombineText(primary, secondary string) string {
	if strings.TrimSpace(secondary) == "" {
		return primary
	}
	return "## Primary source\n\n" + primary + "\n\n## Linked source\n\n" + secondary
}

const articleIDPrefix = "article_"

// ArticleID derives the stable identifier used as the storage key for all
// artifacts of one article. The URL wins; without one, the first 500 runes of
// content are hashed instead.
func ArticleID(sourceURL, content string) string {
	seed := strings.TrimSpace(sourceURL)
	if seed == "" {
		seed = content
		if utf8.RuneCountInString(seed) > 500 {
			seed = string([]rune(seed)[:500])
		}
	}
	sum := md5.Sum([]byte(seed))
	return articleIDPrefix + hex.EncodeToString(sum[:])[:8]
}
