// Package worker implements the job execution loop: dequeue, execute,
// supervise, record.
package worker

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/browsermill/browsermill/internal/automation"
	"github.com/browsermill/browsermill/internal/metrics"
	"github.com/browsermill/browsermill/internal/supervisor"
)

// Executor runs one attempt of a job.
type Executor interface {
	Execute(ctx context.Context, job automation.Job, cancelled func() bool) (automation.Attempt, error)
}

// Supervisor decides what happens after an attempt.
type Supervisor interface {
	Assess(job automation.Job, attempt automation.Attempt, attemptCount int) supervisor.Decision
	ScheduleRetry(item automation.QueueItem, delay time.Duration)
}

// Config controls Worker behavior.
type Config struct {
	// Topic is the publisher topic for terminal job events; empty
	// disables publishing.
	Topic string
	// RecordRetries bounds how often a failed result-store write is
	// retried before the job is left non-terminal.
	RecordRetries int
	// RecordRetryDelay is the pause between those retries.
	RecordRetryDelay time.Duration
}

// Worker consumes queue items and drives jobs through the executor, the
// retry supervisor, and the result store. Job state is never advanced past a
// store write that failed.
type Worker struct {
	queue      automation.Queue
	store      automation.ResultStore
	executor   Executor
	supervisor Supervisor
	publisher  automation.Publisher
	clock      automation.Clock
	logger     *zap.Logger
	cfg        Config
}

// New constructs a Worker.
func New(
	queue automation.Queue,
	store automation.ResultStore,
	executor Executor,
	supervisor Supervisor,
	publisher automation.Publisher,
	clock automation.Clock,
	logger *zap.Logger,
	cfg Config,
) *Worker {
	if cfg.RecordRetries <= 0 {
		cfg.RecordRetries = 3
	}
	if cfg.RecordRetryDelay <= 0 {
		cfg.RecordRetryDelay = 250 * time.Millisecond
	}
	return &Worker{
		queue:      queue,
		store:      store,
		executor:   executor,
		supervisor: supervisor,
		publisher:  publisher,
		clock:      clock,
		logger:     logger,
		cfg:        cfg,
	}
}

// Run blocks, consuming queue items until the context finishes or the queue
// closes.
func (w *Worker) Run(ctx context.Context) {
	for {
		item, err := w.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, automation.ErrQueueClosed) {
				return
			}
			w.logger.Error("dequeue failed", zap.Error(err))
			continue
		}
		metrics.SetQueueDepth(w.queue.Len())
		w.processItem(ctx, item)
	}
}

func (w *Worker) processItem(ctx context.Context, item automation.QueueItem) {
	metrics.IncActiveWorkers()
	defer metrics.DecActiveWorkers()

	log := w.logger.With(zap.String("job_id", item.JobID), zap.Int("attempt", item.Attempt))

	job, err := w.store.GetJob(ctx, item.JobID)
	if err != nil {
		log.Error("job lookup failed", zap.Error(err))
		w.queue.Forget(item.JobID, item.DedupKey)
		return
	}
	if job.State.Terminal() {
		w.queue.Forget(item.JobID, item.DedupKey)
		return
	}
	if w.queue.Cancelled(job.ID) {
		w.finalize(ctx, item, job, automation.JobStateCancelled, "cancelled before execution")
		return
	}

	if err := w.store.UpdateJobState(ctx, job.ID, automation.JobStateRunning, ""); err != nil {
		// Not durable as running; leave the job queued and try later.
		log.Error("mark running failed", zap.Error(err))
		w.requeue(item)
		return
	}

	attempt, err := w.executor.Execute(ctx, job, func() bool { return w.queue.Cancelled(job.ID) })
	switch {
	case errors.Is(err, automation.ErrPoolExhausted):
		// Retriable without consuming an attempt: the job goes straight
		// back to the queue.
		log.Warn("no session available, requeueing")
		if uerr := w.store.UpdateJobState(ctx, job.ID, automation.JobStateQueued, ""); uerr != nil {
			log.Error("unmark running failed", zap.Error(uerr))
		}
		w.requeue(item)
		return
	case err != nil:
		if ctx.Err() != nil {
			// Shutdown mid-execution: put the job back for the next run.
			if uerr := w.store.UpdateJobState(context.WithoutCancel(ctx), job.ID, automation.JobStateQueued, ""); uerr != nil {
				log.Error("unmark running failed during shutdown", zap.Error(uerr))
			}
			return
		}
		log.Error("execute failed", zap.Error(err))
		w.requeue(item)
		return
	}

	attemptCount := job.AttemptCount + 1
	decision := w.supervisor.Assess(job, attempt, attemptCount)
	state := decision.State()

	if !w.record(ctx, attempt, state, attemptCount) {
		// The attempt never became durable, so the job's state is not
		// advanced; it stays running in the store for operators to see
		// and recover from the attempt history on restart.
		log.Error("attempt not recorded, job left non-terminal",
			zap.String("outcome", string(attempt.Outcome)))
		return
	}
	metrics.ObserveJob(string(state))

	switch decision.Kind {
	case supervisor.DecisionRetry:
		log.Info("scheduling retry",
			zap.String("outcome", string(attempt.Outcome)),
			zap.Duration("delay", decision.Delay),
		)
		next := item
		next.Attempt = attemptCount + 1
		w.supervisor.ScheduleRetry(next, decision.Delay)
	default:
		log.Info("job settled",
			zap.String("state", string(state)),
			zap.String("outcome", string(attempt.Outcome)),
		)
		w.queue.Forget(job.ID, job.DedupKey)
		w.publish(ctx, job, state, attempt)
	}
}

// finalize settles a job without executing anything, e.g. a cancellation
// observed at dequeue time.
func (w *Worker) finalize(ctx context.Context, item automation.QueueItem, job automation.Job, state automation.JobState, reason string) {
	if err := w.store.UpdateJobState(ctx, job.ID, state, reason); err != nil {
		w.logger.Error("finalize failed", zap.String("job_id", job.ID), zap.Error(err))
		return
	}
	metrics.ObserveJob(string(state))
	w.queue.Forget(job.ID, job.DedupKey)
	w.publish(ctx, job, state, automation.Attempt{})
}

// record persists the attempt with bounded retries. Returns false when the
// write never landed.
func (w *Worker) record(ctx context.Context, attempt automation.Attempt, state automation.JobState, attemptCount int) bool {
	for try := 0; try < w.cfg.RecordRetries; try++ {
		err := w.store.RecordAttempt(ctx, attempt, state, attemptCount)
		if err == nil {
			return true
		}
		w.logger.Warn("record attempt failed",
			zap.String("job_id", attempt.JobID),
			zap.Int("try", try+1),
			zap.Error(err),
		)
		select {
		case <-ctx.Done():
			return false
		case <-time.After(w.cfg.RecordRetryDelay):
		}
	}
	return false
}

func (w *Worker) requeue(item automation.QueueItem) {
	if err := w.queue.Enqueue(context.Background(), item); err != nil {
		w.logger.Error("requeue failed", zap.String("job_id", item.JobID), zap.Error(err))
	}
}

func (w *Worker) publish(ctx context.Context, job automation.Job, state automation.JobState, attempt automation.Attempt) {
	if w.publisher == nil || w.cfg.Topic == "" {
		return
	}
	payload := map[string]any{
		"job_id":    job.ID,
		"state":     string(state),
		"outcome":   string(attempt.Outcome),
		"timestamp": w.clock.Now().Format(time.RFC3339),
	}
	if _, err := w.publisher.Publish(ctx, w.cfg.Topic, payload); err != nil {
		w.logger.Warn("publish terminal event failed", zap.String("job_id", job.ID), zap.Error(err))
	}
}
