package store

import (
	"context"
	"time"

	"github.com/yangwenmai/readaloud/internal/model"
)

// RunReader provides read access to runs.
type RunReader interface {
	GetRun(ctx context.Context, id string) (*model.RunWithArtifacts, error)
}

// RunWriter provides write access to runs.
type RunWriter interface {
	CreateRun(ctx context.Context, run model.Run) error
	UpdateRunStage(ctx context.Context, id, stage string, errorInfo *string) error
}

// RunMaintainer provides housekeeping operations on runs.
type RunMaintainer interface {
	SupersedeStaleRuns(ctx context.Context) (int64, error)
	PruneRuns(ctx context.Context, before time.Time) (int64, error)
}

// ArtifactStore provides access to artifact persistence.
type ArtifactStore interface {
	UpsertArtifact(ctx context.Context, a model.Artifact) error
	GetArtifact(ctx context.Context, articleID, artifactType string) (*model.Artifact, error)
	ListArtifacts(ctx context.Context, articleID string) ([]model.Artifact, error)
}

// Repository combines the operations the API layer and the orchestrator use.
type Repository interface {
	RunReader
	RunWriter
	ArtifactStore
}
