package pipeline

import (
	"time"

	"github.com/pithecene-io/daybreak/checkpoint"
	"github.com/pithecene-io/daybreak/types"
)

// Result is the outcome of one executor or driver invocation.
type Result struct {
	RunID  string
	Key    RunKey
	Status types.OutcomeStatus
	// Cursor is the last completed step when the invocation returned.
	Cursor checkpoint.Position
	// Step is the step that failed or was interrupted, if any.
	Step string
	// Err is the classified failure for OutcomeHaltedWithError.
	Err error
	// Retryable is false when resuming cannot fix Err.
	Retryable bool
	// Resumed reports whether an earlier invocation made progress.
	Resumed      bool
	StepsRun     int
	StepsSkipped int
	StartedAt    time.Time
	FinishedAt   time.Time
}

// Duration is the wall time of the invocation.
func (r *Result) Duration() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}

// ErrorKind returns the failure kind, or "" when the run did not halt.
func (r *Result) ErrorKind() Kind {
	if se, ok := r.Err.(*StepError); ok {
		return se.Kind
	}
	return ""
}

// Message renders Err for journals and reports.
func (r *Result) Message() string {
	if r.Err == nil {
		return ""
	}
	return r.Err.Error()
}
