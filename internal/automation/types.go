// Package automation defines the core types and contracts shared by the
// job execution pipeline: jobs, attempts, sessions, and the interfaces the
// pool, queue, executor, and stores implement.
package automation

import "time"

// JobState is the lifecycle state of a Job. Terminal states are immutable.
type JobState string

// Job lifecycle states.
const (
	JobStateQueued    JobState = "queued"
	JobStateRunning   JobState = "running"
	JobStateSucceeded JobState = "succeeded"
	JobStateFailed    JobState = "failed"
	JobStateCancelled JobState = "cancelled"
)

// Terminal reports whether the state admits no further transitions.
func (s JobState) Terminal() bool {
	switch s {
	case JobStateSucceeded, JobStateFailed, JobStateCancelled:
		return true
	default:
		return false
	}
}

// Outcome classifies a single execution attempt.
type Outcome string

// Attempt outcomes. Timeout is retriable for the job but always kills the
// session that produced it.
const (
	OutcomeSuccess   Outcome = "success"
	OutcomeTransient Outcome = "transient-failure"
	OutcomeFatal     Outcome = "fatal-failure"
	OutcomeTimeout   Outcome = "timeout"
)

// Retriable reports whether the outcome may trigger another attempt.
func (o Outcome) Retriable() bool {
	return o == OutcomeTransient || o == OutcomeTimeout
}

// SessionHealth describes the state of a pooled browser session.
type SessionHealth string

// Session health states. A dead session is never returned to the idle set.
const (
	SessionIdle     SessionHealth = "idle"
	SessionBusy     SessionHealth = "busy"
	SessionDraining SessionHealth = "draining"
	SessionDead     SessionHealth = "dead"
)

// Job is a unit of requested browser automation work. Only the executor and
// the retry supervisor mutate a job after submission.
type Job struct {
	ID           string    `json:"id"`
	Payload      []byte    `json:"payload"`
	Priority     int       `json:"priority"`
	DedupKey     string    `json:"dedup_key,omitempty"`
	State        JobState  `json:"state"`
	AttemptCount int       `json:"attempt_count"`
	MaxAttempts  int       `json:"max_attempts"`
	ErrorText    string    `json:"error_text,omitempty"`
	SubmittedAt  time.Time `json:"submitted_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Attempt records one execution try of a Job against a specific Session.
// Attempts are immutable once written.
type Attempt struct {
	ID          string    `json:"id"`
	JobID       string    `json:"job_id"`
	SessionID   string    `json:"session_id,omitempty"`
	Outcome     Outcome   `json:"outcome"`
	ErrorDetail string    `json:"error_detail,omitempty"`
	StartedAt   time.Time `json:"started_at"`
	EndedAt     time.Time `json:"ended_at"`
}

// Result is the derived view served to status queries: the job plus its
// ordered attempt history.
type Result struct {
	Job      Job       `json:"job"`
	Attempts []Attempt `json:"attempts"`
}

// QueueItem is the queue's view of a pending job. Attempt is 1-based and
// carries the number of the attempt the dequeue will execute.
type QueueItem struct {
	JobID     string
	Priority  int
	DedupKey  string
	Submitted time.Time
	Attempt   int
}

// Capture is a named artifact produced by a script step, such as extracted
// text, a rendered DOM snapshot, or a screenshot.
type Capture struct {
	Name        string
	ContentType string
	Body        []byte
}

// RunReport is what a browser session returns from executing a script.
type RunReport struct {
	Captures []Capture
	Steps    int
}

// RunRequest carries a parsed script into a browser session. Cancelled is
// polled between steps to honor cooperative cancellation; it may be nil.
type RunRequest struct {
	JobID     string
	Script    Script
	Cancelled func() bool
}
