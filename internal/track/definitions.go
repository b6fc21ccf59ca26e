package track

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/yangwenmai/readaloud/internal/blockparse"
	"github.com/yangwenmai/readaloud/internal/engine"
	"github.com/yangwenmai/readaloud/internal/model"
)

// Summary streams a summary: partial views are blockparse.Summary, the result
// is a validated model.SummaryResult.
var Summary = Definition[blockparse.Summary, model.SummaryResult]{
	Name:  "summary",
	Kind:  engine.KindSummary,
	Parse: blockparse.ParseSummary,
	Final: finalSummary,
}

// Script streams a narration script: partial views are blockparse.Script,
// the result is a validated model.Script.
var Script = Definition[blockparse.Script, model.Script]{
	Name:  "script",
	Kind:  engine.KindScript,
	Parse: blockparse.ParseScript,
	Final: finalScript,
}

// SummaryTrack and ScriptTrack are the two concrete track types.
type (
	SummaryTrack = Track[blockparse.Summary, model.SummaryResult]
	ScriptTrack  = Track[blockparse.Script, model.Script]
)

func finalSummary(data json.RawMessage) (model.SummaryResult, error) {
	var p engine.SummaryPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return model.SummaryResult{}, fmt.Errorf("decode summary payload: %w", err)
	}
	if p.Summary == nil {
		return model.SummaryResult{}, errors.New("summary payload has no summary")
	}
	res := model.SummaryResult{
		Topic:     p.Summary.MainTopic,
		Points:    p.Summary.BulletPoints,
		ModelID:   p.Model,
		ElapsedMs: p.ProcessingTimeMs,
	}
	if err := res.Validate(); err != nil {
		return model.SummaryResult{}, err
	}
	return res, nil
}

func finalScript(data json.RawMessage) (model.Script, error) {
	var p engine.ScriptPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return model.Script{}, fmt.Errorf("decode script payload: %w", err)
	}
	if p.Script == nil {
		return model.Script{}, errors.New("script payload has no script")
	}
	s := model.Script{
		Title:                p.Script.Title,
		Segments:             p.Script.Paragraphs,
		EstimatedDurationSec: p.Script.EstimatedDurationSec,
		TotalCharacters:      p.Script.TotalCharacters,
	}
	if err := s.Validate(); err != nil {
		return model.Script{}, err
	}
	return s, nil
}
