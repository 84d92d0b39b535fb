// Package executor runs one job attempt against a pooled browser session.
package executor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/browsermill/browsermill/internal/automation"
	"github.com/browsermill/browsermill/internal/metrics"
)

// Config controls per-attempt behavior.
type Config struct {
	JobTimeout      time.Duration
	ArtifactPrefix  string
	HTMLContentType string
}

// Executor borrows a session, runs the job's script under the per-job
// timeout, and produces exactly one attempt record per call. Retry policy
// lives in the supervisor, never here.
type Executor struct {
	pool      automation.SessionPool
	artifacts automation.ArtifactStore
	idGen     automation.IDGenerator
	clock     automation.Clock
	logger    *zap.Logger
	cfg       Config
}

// New constructs an Executor. artifacts may be nil, in which case captures
// are discarded.
func New(
	pool automation.SessionPool,
	artifacts automation.ArtifactStore,
	idGen automation.IDGenerator,
	clock automation.Clock,
	logger *zap.Logger,
	cfg Config,
) *Executor {
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = 60 * time.Second
	}
	if cfg.HTMLContentType == "" {
		cfg.HTMLContentType = "text/html; charset=utf-8"
	}
	return &Executor{
		pool:      pool,
		artifacts: artifacts,
		idGen:     idGen,
		clock:     clock,
		logger:    logger,
		cfg:       cfg,
	}
}

// Execute runs one attempt of the job. Cancelled is polled between script
// steps for cooperative cancellation. A pool exhaustion is returned as an
// error without producing an attempt; every other path yields one attempt.
func (e *Executor) Execute(ctx context.Context, job automation.Job, cancelled func() bool) (automation.Attempt, error) {
	started := e.clock.Now()

	script, err := automation.ParseScript(job.Payload)
	if err != nil {
		// Malformed instruction: fatal before a session is ever borrowed.
		return e.newAttempt(job.ID, "", started, automation.OutcomeFatal, err.Error()), nil
	}

	sess, err := e.pool.Acquire(ctx)
	if err != nil {
		if errors.Is(err, automation.ErrPoolExhausted) {
			return automation.Attempt{}, automation.ErrPoolExhausted
		}
		return automation.Attempt{}, fmt.Errorf("acquire session: %w", err)
	}

	runCtx, cancel := context.WithTimeout(ctx, e.cfg.JobTimeout)
	defer cancel()

	report, runErr := sess.Run(runCtx, automation.RunRequest{
		JobID:     job.ID,
		Script:    script,
		Cancelled: cancelled,
	})

	outcome, detail, health := e.classify(runCtx, runErr)
	e.pool.Release(sess, health)

	if outcome == automation.OutcomeSuccess {
		e.persistCaptures(ctx, job.ID, report)
	}

	e.logger.Debug("attempt finished",
		zap.String("job_id", job.ID),
		zap.String("session_id", sess.ID()),
		zap.String("outcome", string(outcome)),
	)
	return e.newAttempt(job.ID, sess.ID(), started, outcome, detail), nil
}

// classify maps the session run result onto the attempt outcome taxonomy and
// the health the borrowed session is released with. A hung session cannot be
// trusted to be idle, so a timeout always releases it dead.
func (e *Executor) classify(runCtx context.Context, runErr error) (automation.Outcome, string, automation.SessionHealth) {
	switch {
	case runErr == nil:
		return automation.OutcomeSuccess, "", automation.SessionIdle
	case errors.Is(runErr, context.DeadlineExceeded) || errors.Is(runCtx.Err(), context.DeadlineExceeded):
		return automation.OutcomeTimeout, fmt.Sprintf("interaction exceeded %s", e.cfg.JobTimeout), automation.SessionDead
	case errors.Is(runErr, automation.ErrCancelled):
		return automation.OutcomeTransient, "job cancelled during execution", automation.SessionIdle
	default:
		var stepErr *automation.StepError
		if errors.As(runErr, &stepErr) && stepErr.Fatal {
			return automation.OutcomeFatal, runErr.Error(), automation.SessionIdle
		}
		return automation.OutcomeTransient, runErr.Error(), automation.SessionIdle
	}
}

func (e *Executor) persistCaptures(ctx context.Context, jobID string, report automation.RunReport) {
	if e.artifacts == nil {
		return
	}
	for _, capture := range report.Captures {
		path := fmt.Sprintf("%s/%s/%s", e.cfg.ArtifactPrefix, jobID, capture.Name)
		contentType := capture.ContentType
		if contentType == "" {
			contentType = e.cfg.HTMLContentType
		}
		uri, err := e.artifacts.PutObject(ctx, path, contentType, capture.Body)
		if err != nil {
			e.logger.Warn("artifact write failed",
				zap.String("job_id", jobID),
				zap.String("capture", capture.Name),
				zap.Error(err),
			)
			continue
		}
		e.logger.Info("artifact stored",
			zap.String("job_id", jobID),
			zap.String("uri", uri),
		)
	}
}

func (e *Executor) newAttempt(jobID, sessionID string, started time.Time, outcome automation.Outcome, detail string) automation.Attempt {
	id, err := e.idGen.NewID()
	if err != nil {
		// UUID generation failing means the entropy source is broken;
		// fall back to a timestamp-derived identifier.
		id = fmt.Sprintf("attempt-%d", started.UnixNano())
	}
	metrics.ObserveAttempt(string(outcome))
	return automation.Attempt{
		ID:          id,
		JobID:       jobID,
		SessionID:   sessionID,
		Outcome:     outcome,
		ErrorDetail: detail,
		StartedAt:   started,
		EndedAt:     e.clock.Now(),
	}
}
