// Package engine ties the queue, session pool, workers, and result store
// together behind a small submit/status/cancel facade.
package engine

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/browsermill/browsermill/internal/automation"
	"github.com/browsermill/browsermill/internal/dispatcher"
	"github.com/browsermill/browsermill/internal/metrics"
	"github.com/browsermill/browsermill/internal/supervisor"
)

// SubmitRequest carries a new job into the system.
type SubmitRequest struct {
	Payload     json.RawMessage `json:"payload"`
	Priority    int             `json:"priority"`
	DedupKey    string          `json:"dedup_key"`
	MaxAttempts int             `json:"max_attempts"`
}

// Config controls Engine behavior.
type Config struct {
	// MaxAttemptsDefault applies when a submission does not set its own cap.
	MaxAttemptsDefault int
}

// Engine is the execution core. It owns no goroutines of its own besides the
// dispatcher it is given; callers drive its lifetime through Run and Shutdown.
type Engine struct {
	queue      automation.Queue
	store      automation.ResultStore
	pool       automation.SessionPool
	supervisor *supervisor.Supervisor
	dispatcher *dispatcher.Dispatcher
	idGen      automation.IDGenerator
	hasher     automation.Hasher
	clock      automation.Clock
	logger     *zap.Logger
	cfg        Config
}

// New constructs an Engine from already wired components.
func New(
	queue automation.Queue,
	store automation.ResultStore,
	pool automation.SessionPool,
	sup *supervisor.Supervisor,
	disp *dispatcher.Dispatcher,
	idGen automation.IDGenerator,
	hasher automation.Hasher,
	clock automation.Clock,
	logger *zap.Logger,
	cfg Config,
) *Engine {
	if cfg.MaxAttemptsDefault <= 0 {
		cfg.MaxAttemptsDefault = 3
	}
	return &Engine{
		queue:      queue,
		store:      store,
		pool:       pool,
		supervisor: sup,
		dispatcher: disp,
		idGen:      idGen,
		hasher:     hasher,
		clock:      clock,
		logger:     logger,
		cfg:        cfg,
	}
}

// Submit validates the request, reserves its dedup key, persists the job, and
// enqueues it. The dedup claim is taken before any persistence so a racing
// duplicate is rejected without leaving a row behind.
func (e *Engine) Submit(ctx context.Context, req SubmitRequest) (automation.Job, error) {
	if len(req.Payload) == 0 || !json.Valid(req.Payload) {
		return automation.Job{}, fmt.Errorf("submit: payload must be a JSON document")
	}

	jobID, err := e.idGen.NewID()
	if err != nil {
		return automation.Job{}, fmt.Errorf("submit: generate job id: %w", err)
	}
	maxAttempts := req.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = e.cfg.MaxAttemptsDefault
	}

	if err := e.queue.Reserve(jobID, req.DedupKey); err != nil {
		return automation.Job{}, fmt.Errorf("submit: %w", err)
	}

	now := e.clock.Now().UTC()
	job := automation.Job{
		ID:          jobID,
		Payload:     []byte(req.Payload),
		Priority:    req.Priority,
		DedupKey:    req.DedupKey,
		State:       automation.JobStateQueued,
		MaxAttempts: maxAttempts,
		SubmittedAt: now,
		UpdatedAt:   now,
	}
	if err := e.store.CreateJob(ctx, job); err != nil {
		e.queue.Forget(jobID, req.DedupKey)
		return automation.Job{}, fmt.Errorf("submit: %w", err)
	}

	item := automation.QueueItem{
		JobID:     jobID,
		Priority:  req.Priority,
		DedupKey:  req.DedupKey,
		Submitted: now,
		Attempt:   1,
	}
	if err := e.queue.Enqueue(ctx, item); err != nil {
		e.queue.Forget(jobID, req.DedupKey)
		if uerr := e.store.UpdateJobState(ctx, jobID, automation.JobStateFailed, "enqueue rejected"); uerr != nil {
			e.logger.Error("mark unenqueued job failed", zap.String("job_id", jobID), zap.Error(uerr))
		}
		return automation.Job{}, fmt.Errorf("submit: %w", err)
	}

	metrics.ObserveJob(string(automation.JobStateQueued))
	metrics.SetQueueDepth(e.queue.Len())
	digest := ""
	if e.hasher != nil {
		if d, herr := e.hasher.Hash(job.Payload); herr == nil {
			digest = d
		}
	}
	e.logger.Info("job submitted",
		zap.String("job_id", jobID),
		zap.Int("priority", req.Priority),
		zap.String("dedup_key", req.DedupKey),
		zap.String("payload_sha256", digest),
	)
	return job, nil
}

// Status returns the job together with its attempt history.
func (e *Engine) Status(ctx context.Context, jobID string) (automation.Result, error) {
	job, err := e.store.GetJob(ctx, jobID)
	if err != nil {
		return automation.Result{}, fmt.Errorf("status: %w", err)
	}
	attempts, err := e.store.ListAttempts(ctx, jobID)
	if err != nil {
		return automation.Result{}, fmt.Errorf("status: %w", err)
	}
	return automation.Result{Job: job, Attempts: attempts}, nil
}

// Cancel stops a job. A queued job is removed and settled immediately; a
// running or backoff-parked job is flagged and settles cooperatively once the
// worker observes the flag. Cancelling a terminal job is a no-op.
func (e *Engine) Cancel(ctx context.Context, jobID string) (automation.Job, error) {
	job, err := e.store.GetJob(ctx, jobID)
	if err != nil {
		return automation.Job{}, fmt.Errorf("cancel: %w", err)
	}
	if job.State.Terminal() {
		return job, nil
	}

	switch e.queue.Cancel(jobID) {
	case automation.CancelRemoved:
		if err := e.store.UpdateJobState(ctx, jobID, automation.JobStateCancelled, "cancelled before execution"); err != nil {
			return automation.Job{}, fmt.Errorf("cancel: %w", err)
		}
		e.queue.Forget(jobID, job.DedupKey)
		metrics.ObserveJob(string(automation.JobStateCancelled))
		job.State = automation.JobStateCancelled
		e.logger.Info("job cancelled while queued", zap.String("job_id", jobID))
	default:
		e.logger.Info("job flagged for cancellation", zap.String("job_id", jobID))
	}
	return job, nil
}

// Run starts the worker pool and blocks until the context finishes.
func (e *Engine) Run(ctx context.Context) {
	e.dispatcher.Run(ctx)
}

// Shutdown drains the system: no new dequeues, pending retries dropped, all
// sessions destroyed, and the store closed.
func (e *Engine) Shutdown(ctx context.Context) {
	e.queue.Close()
	e.supervisor.Shutdown()
	e.pool.Shutdown(ctx)
	e.store.Close()
	e.logger.Info("engine shut down")
}
