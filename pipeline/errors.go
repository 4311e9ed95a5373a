package pipeline

import (
	"errors"
	"fmt"

	"github.com/pithecene-io/daybreak/checkpoint"
	"github.com/pithecene-io/daybreak/persona"
)

// ErrInvariant marks a failure resuming cannot fix: a missing upstream
// artifact, a cursor regression, an unknown pipeline.
var ErrInvariant = errors.New("invariant violation")

// ErrRunInProgress is returned by Abandon while an invocation for the
// same run is in flight.
var ErrRunInProgress = errors.New("run in progress")

// Kind classifies a step failure.
type Kind string

const (
	// KindTransient covers timeouts, rate limits, transport and storage
	// failures. Resuming retries the step.
	KindTransient Kind = "transient"
	// KindMalformed covers persona output missing a required field.
	// Resuming retries the step.
	KindMalformed Kind = "malformed"
	// KindInvariant covers failures that need manual intervention.
	KindInvariant Kind = "invariant"
)

// Retryable reports whether resuming may succeed.
func (k Kind) Retryable() bool {
	return k != KindInvariant
}

// StepError is a classified step failure.
type StepError struct {
	Step string
	Kind Kind
	Err  error
}

func (e *StepError) Error() string {
	if e.Step == "" {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("step %s: %s: %v", e.Step, e.Kind, e.Err)
}

// Unwrap returns the underlying error.
func (e *StepError) Unwrap() error {
	return e.Err
}

// Is matches ErrInvariant for invariant failures.
func (e *StepError) Is(target error) bool {
	return target == ErrInvariant && e.Kind == KindInvariant
}

// Invariantf returns an invariant StepError. The executor fills in the
// step name.
func Invariantf(format string, args ...any) error {
	return &StepError{Kind: KindInvariant, Err: fmt.Errorf(format, args...)}
}

// Transientf returns a transient StepError.
func Transientf(format string, args ...any) error {
	return &StepError{Kind: KindTransient, Err: fmt.Errorf(format, args...)}
}

// classify wraps err as a StepError for step, choosing its kind:
//   - an existing StepError keeps its kind
//   - persona malformed output is KindMalformed
//   - ErrInvariant and cursor regressions are KindInvariant
//   - everything else is KindTransient
func classify(step string, err error) *StepError {
	var se *StepError
	if errors.As(err, &se) {
		out := *se
		if out.Step == "" {
			out.Step = step
		}
		return &out
	}
	kind := KindTransient
	switch {
	case persona.IsMalformed(err):
		kind = KindMalformed
	case errors.Is(err, ErrInvariant), errors.Is(err, checkpoint.ErrRegression):
		kind = KindInvariant
	}
	return &StepError{Step: step, Kind: kind, Err: err}
}
