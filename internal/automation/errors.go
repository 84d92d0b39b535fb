package automation

import (
	"errors"
	"fmt"
)

// Sentinel errors surfaced across component boundaries.
var (
	// ErrPoolExhausted means no session became available within the
	// configured acquisition timeout. The job remains queued.
	ErrPoolExhausted = errors.New("session pool exhausted")

	// ErrDuplicateJob means a submission's dedup key collides with a job
	// that is still queued, running, or awaiting retry.
	ErrDuplicateJob = errors.New("duplicate job")

	// ErrNotFound means the job identifier is unknown.
	ErrNotFound = errors.New("job not found")

	// ErrQueueClosed means the queue has been shut down.
	ErrQueueClosed = errors.New("queue closed")

	// ErrCancelled is returned by a session run when cooperative
	// cancellation was observed between steps.
	ErrCancelled = errors.New("job cancelled")
)

// PersistenceError wraps a failed result-store write. Job state is never
// advanced past a write that returned one of these.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence failure during %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}

// StepError is the tagged failure variant returned by the interaction layer.
// Fatal marks errors judged permanent (malformed instruction, script
// exception); everything else is treated as transient.
type StepError struct {
	Step  int
	Kind  StepKind
	Fatal bool
	Err   error
}

func (e *StepError) Error() string {
	class := "transient"
	if e.Fatal {
		class = "fatal"
	}
	return fmt.Sprintf("step %d (%s) %s: %v", e.Step, e.Kind, class, e.Err)
}

func (e *StepError) Unwrap() error {
	return e.Err
}
