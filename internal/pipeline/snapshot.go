package pipeline

import (
	"time"

	"github.com/yangwenmai/readaloud/internal/blockparse"
	"github.com/yangwenmai/readaloud/internal/model"
	"github.com/yangwenmai/readaloud/internal/track"
)

// SummaryView is the observable state of the summary track.
type SummaryView struct {
	State     track.State          `json:"state"`
	Reasoning blockparse.Reasoning `json:"reasoning"`
	Partial   blockparse.Summary   `json:"partial"`
	Result    *model.SummaryResult `json:"result,omitempty"`
	Error     *model.ErrorInfo     `json:"error,omitempty"`
}

// ScriptView is the observable state of the script track.
type ScriptView struct {
	State     track.State          `json:"state"`
	Reasoning blockparse.Reasoning `json:"reasoning"`
	Partial   blockparse.Script    `json:"partial"`
	Result    *model.Script        `json:"result,omitempty"`
	Error     *model.ErrorInfo     `json:"error,omitempty"`
}

// AudioView is the observable state of speech synthesis. It stays Idle when
// the script never completed.
type AudioView struct {
	State    track.State          `json:"state"`
	Artifact *model.AudioArtifact `json:"artifact,omitempty"`
	Error    *model.ErrorInfo     `json:"error,omitempty"`
}

// Snapshot is everything an observer can see of one run. Snapshots are
// values: the orchestrator never mutates one after handing it out.
type Snapshot struct {
	RunID     string           `json:"run_id"`
	URL       string           `json:"url"`
	ArticleID string           `json:"article_id"`
	Stage     string           `json:"stage"`
	Version   int64            `json:"version"`
	Document  *model.Document  `json:"document,omitempty"`
	Error     *model.ErrorInfo `json:"error,omitempty"`
	Summary   SummaryView      `json:"summary"`
	Script    ScriptView       `json:"script"`
	Audio     AudioView        `json:"audio"`
	Settled   bool             `json:"settled"`
	UpdatedAt time.Time        `json:"updated_at"`
}

// derive recomputes Settled and Stage from the sub-states.
func (s *Snapshot) derive() {
	if s.Error != nil {
		// extraction failed: no track ever starts
		s.Settled = true
		s.Stage = model.StageSettled
		return
	}
	if s.Stage == model.StageExtracting || s.Stage == model.StageIdle {
		return
	}
	s.Settled = s.Summary.State.Terminal() && s.Script.State.Terminal() &&
		(s.Audio.State == track.Idle || s.Audio.State.Terminal())
	switch {
	case s.Settled:
		s.Stage = model.StageSettled
	case s.Audio.State == track.Running:
		s.Stage = model.StageSynthesizing
	default:
		s.Stage = model.StageGenerating
	}
}

func newSnapshot(runID, url, articleID string) Snapshot {
	return Snapshot{
		RunID:     runID,
		URL:       url,
		ArticleID: articleID,
		Stage:     model.StageExtracting,
		Summary:   SummaryView{State: track.Idle},
		Script:    ScriptView{State: track.Idle},
		Audio:     AudioView{State: track.Idle},
		UpdatedAt: time.Now().UTC(),
	}
}
