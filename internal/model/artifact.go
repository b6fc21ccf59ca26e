package model

import (
	"encoding/json"
	"fmt"
	"time"
)

// Artifact types, one per pipeline output.
const (
	ArtifactDocument = "document"
	ArtifactSummary  = "summary"
	ArtifactScript   = "script"
	ArtifactAudio    = "audio"
)

// CreatedBySystem marks artifacts written by the pipeline.
const CreatedBySystem = "system"

// Artifact is a persisted pipeline output for an article. There is at most one
// artifact per (ArticleID, ArtifactType); a newer one replaces the older.
type Artifact struct {
	ID           string `json:"id"`
	ArticleID    string `json:"article_id"`
	ArtifactType string `json:"artifact_type"`
	Payload      string `json:"payload"` // JSON string
	CreatedBy    string `json:"created_by"`
	CreatedAt    string `json:"created_at"`
}

// NewArtifact creates a new system-generated Artifact.
func NewArtifact(id, articleID, artifactType, payload string) Artifact {
	return Artifact{
		ID:           id,
		ArticleID:    articleID,
		ArtifactType: artifactType,
		Payload:      payload,
		CreatedBy:    CreatedBySystem,
		CreatedAt:    time.Now().UTC().Format(time.RFC3339),
	}
}

// Decode unmarshals the payload into v.
func (a Artifact) Decode(v any) error {
	if err := json.Unmarshal([]byte(a.Payload), v); err != nil {
		return fmt.Errorf("decode %s artifact: %w", a.ArtifactType, err)
	}
	return nil
}
