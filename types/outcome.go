package types

// OutcomeStatus is the final status of one driver invocation.
type OutcomeStatus string

const (
	// OutcomeCompleted indicates every step has completed (possibly earlier).
	OutcomeCompleted OutcomeStatus = "completed"
	// OutcomeHaltedWithError indicates a step failed and the run halted.
	// The error journal holds the failure; resuming retries that step.
	OutcomeHaltedWithError OutcomeStatus = "halted_with_error"
	// OutcomeAborted indicates the cancellation guard refused a write.
	// Nothing was written for the interrupted step.
	OutcomeAborted OutcomeStatus = "aborted"
	// OutcomeDropped indicates another invocation for the same run was
	// already in flight. The call was a no-op.
	OutcomeDropped OutcomeStatus = "dropped"
)

// Terminal reports whether the status means the run has nothing left to do.
func (s OutcomeStatus) Terminal() bool {
	return s == OutcomeCompleted
}
