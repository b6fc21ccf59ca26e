package pipeline

import (
	"errors"
	"time"

	"github.com/yangwenmai/readaloud/internal/model"
)

// Failed step names recorded in model.ErrorInfo.
const (
	StepExtract    = "extract"
	StepSummary    = "summary"
	StepScript     = "script"
	StepSynthesize = "synthesize"
	StepPersist    = "persist"
)

// ErrClosed is returned by Submit after Shutdown.
var ErrClosed = errors.New("pipeline: orchestrator is shut down")

// StageError wraps an error with the step that failed.
type StageError struct {
	Step string
	Err  error
}

func (e *StageError) Error() string {
	return e.Step + ": " + e.Err.Error()
}

func (e *StageError) Unwrap() error {
	return e.Err
}

// errorInfo turns a stage failure into the record shown to observers and
// persisted with the run. Upstream generation messages are kept verbatim.
func errorInfo(err *StageError) *model.ErrorInfo {
	info := &model.ErrorInfo{
		FailedStep: err.Step,
		Message:    err.Err.Error(),
		FailedAt:   time.Now().UTC().Format(time.RFC3339),
	}

	var (
		ee *model.ExtractionError
		ue *model.UpstreamGenerationError
		te *model.StreamTransportError
		se *model.SynthesisError
	)
	switch {
	case errors.As(err, &ee):
		info.Code = string(ee.Code)
		info.Message = ee.Message()
		info.Retryable = ee.Retryable()
	case errors.As(err, &ue):
		info.Message = ue.Message
	case errors.As(err, &te):
		info.Retryable = retryable(te.Err)
	case errors.As(err, &se):
		info.Retryable = retryable(se.Err)
	}
	return info
}

// retryable defers to the cause when it can tell transient failures from
// permanent ones, such as an upstream HTTP status. Otherwise it assumes a
// resubmit may succeed.
func retryable(err error) bool {
	var r interface{ Retryable() bool }
	if errors.As(err, &r) {
		return r.Retryable()
	}
	return true
}
