package automation

import (
	"context"
	"time"
)

// BrowserSession is a live, reusable headless-browser execution context.
type BrowserSession interface {
	// ID returns the stable identifier for this session.
	ID() string
	// Run executes the script and returns whatever it captured. The
	// context deadline is the per-job timeout; exceeding it must surface
	// as the context error.
	Run(ctx context.Context, req RunRequest) (RunReport, error)
	// Close tears down the underlying browser process.
	Close(ctx context.Context) error
}

// SessionFactory spawns new browser sessions. Creation is expensive and is
// never invoked while holding pool state locks.
type SessionFactory interface {
	NewSession(ctx context.Context) (BrowserSession, error)
}

// SessionPool owns the bounded set of live sessions.
type SessionPool interface {
	// Acquire returns an idle session, creating one lazily if the pool is
	// below capacity, or blocks until one frees up. It fails with
	// ErrPoolExhausted once the acquisition timeout elapses.
	Acquire(ctx context.Context) (BrowserSession, error)
	// Release returns a session to the idle set, or destroys it when
	// health is SessionDead or the session hit its recycle thresholds.
	Release(session BrowserSession, health SessionHealth)
	// Quarantine forces destruction of a degraded session, immediately if
	// idle or on its next release if busy.
	Quarantine(sessionID string)
	// Live reports the number of live sessions.
	Live() int
	// Shutdown destroys all remaining sessions and rejects new acquires.
	Shutdown(ctx context.Context)
}

// CancelResult describes what Cancel found.
type CancelResult int

// Cancel outcomes.
const (
	CancelUnknown CancelResult = iota
	CancelRemoved
	CancelFlagged
)

// Queue is the ordered buffer of pending jobs.
type Queue interface {
	// Reserve claims a dedup key for a job before anything is persisted.
	// It fails with ErrDuplicateJob when the key is held by another job.
	Reserve(jobID, dedupKey string) error
	// Enqueue inserts in priority order, highest priority first with ties
	// broken by submission time. Re-enqueues of a reserved job pass the
	// dedup check.
	Enqueue(ctx context.Context, item QueueItem) error
	// Dequeue blocks until a job is ready and atomically marks it running.
	Dequeue(ctx context.Context) (QueueItem, error)
	// Cancel removes a queued job or flags a running one for cooperative
	// cancellation.
	Cancel(jobID string) CancelResult
	// Cancelled reports whether the job has been flagged.
	Cancelled(jobID string) bool
	// Forget releases the dedup claim and bookkeeping for a terminal job.
	Forget(jobID, dedupKey string)
	// Len reports the number of queued (not running) jobs.
	Len() int
	// Close rejects further operations and unblocks waiters.
	Close()
}

// ResultStore persists job outcomes and serves status reads.
type ResultStore interface {
	// CreateJob inserts a new job in queued state.
	CreateJob(ctx context.Context, job Job) error
	// RecordAttempt appends an attempt and moves the job to state with the
	// given attempt count in a single transaction. Either both writes land
	// or neither does.
	RecordAttempt(ctx context.Context, attempt Attempt, state JobState, attemptCount int) error
	// UpdateJobState transitions the job without recording an attempt,
	// used for queued->running and for cancellation of queued jobs.
	UpdateJobState(ctx context.Context, jobID string, state JobState, errText string) error
	// GetJob fetches a job, failing with ErrNotFound when unknown.
	GetJob(ctx context.Context, jobID string) (Job, error)
	// ListAttempts returns the job's attempts in execution order.
	ListAttempts(ctx context.Context, jobID string) ([]Attempt, error)
	// Close releases underlying resources.
	Close()
}

// ArtifactStore persists captures produced by script steps.
type ArtifactStore interface {
	PutObject(ctx context.Context, path string, contentType string, data []byte) (string, error)
}

// Publisher emits terminal job transition events.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Hasher produces stable hex digests, used to fingerprint job payloads.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock abstracts time for deterministic tests.
type Clock interface {
	Now() time.Time
}

// IDGenerator creates unique identifiers for jobs, attempts, and sessions.
type IDGenerator interface {
	NewID() (string, error)
}
