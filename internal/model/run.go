package model

import "time"

// Run stage constants
const (
	StageIdle         = "idle"
	StageExtracting   = "extracting"
	StageGenerating   = "generating"
	StageSynthesizing = "synthesizing"
	StageSettled      = "settled"
	StageSuperseded   = "superseded"
)

// Run is the persisted record of one pipeline submission.
type Run struct {
	ID        string  `json:"id"`
	URL       string  `json:"url"`
	ArticleID string  `json:"article_id"`
	Stage     string  `json:"stage"`
	ErrorInfo *string `json:"error_info,omitempty"`
	CreatedAt string  `json:"created_at"`
	UpdatedAt string  `json:"updated_at"`
}

// RunWithArtifacts is a Run together with the artifacts stored for its article.
type RunWithArtifacts struct {
	Run
	Artifacts []Artifact `json:"artifacts"`
}

// NewRun creates a Run in the extracting stage.
func NewRun(id, url, articleID string) Run {
	now := time.Now().UTC().Format(time.RFC3339)
	return Run{
		ID:        id,
		URL:       url,
		ArticleID: articleID,
		Stage:     StageExtracting,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// IsTerminal reports whether the stage will not change any more.
func IsTerminal(stage string) bool {
	return stage == StageSettled || stage == StageSuperseded
}
