// Package supervisor centralizes retry policy and session recovery. The
// executor never retries; every failed attempt flows through here so backoff
// and attempt accounting have a single owner.
package supervisor

import (
	"context"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/browsermill/browsermill/internal/automation"
	"github.com/browsermill/browsermill/internal/metrics"
)

// Config controls backoff shape and quarantine sensitivity.
type Config struct {
	BaseBackoffDelay time.Duration
	MaxBackoffDelay  time.Duration
	// QuarantineAfter is the number of consecutive retriable failures on
	// one session that forces its destruction.
	QuarantineAfter int
}

// DecisionKind says what happens to the job after an attempt.
type DecisionKind int

// Decision kinds.
const (
	DecisionSucceed DecisionKind = iota
	DecisionRetry
	DecisionFail
	DecisionCancel
)

// Decision is the supervisor's verdict on a finished attempt.
type Decision struct {
	Kind  DecisionKind
	Delay time.Duration
}

// State returns the job state the decision transitions to. Retries go back
// to queued while they wait out the backoff.
func (d Decision) State() automation.JobState {
	switch d.Kind {
	case DecisionSucceed:
		return automation.JobStateSucceeded
	case DecisionRetry:
		return automation.JobStateQueued
	case DecisionCancel:
		return automation.JobStateCancelled
	default:
		return automation.JobStateFailed
	}
}

// Supervisor classifies attempt outcomes, schedules backoff re-enqueues, and
// quarantines sessions that keep producing retriable failures.
type Supervisor struct {
	queue  automation.Queue
	pool   automation.SessionPool
	logger *zap.Logger
	cfg    Config

	mu      sync.Mutex
	strikes map[string]int // session ID -> consecutive retriable failures
	timers  map[*time.Timer]struct{}
	closed  bool
	inFly   sync.WaitGroup
}

// New constructs a Supervisor.
func New(queue automation.Queue, pool automation.SessionPool, logger *zap.Logger, cfg Config) *Supervisor {
	if cfg.BaseBackoffDelay <= 0 {
		cfg.BaseBackoffDelay = 500 * time.Millisecond
	}
	if cfg.MaxBackoffDelay <= 0 {
		cfg.MaxBackoffDelay = 30 * time.Second
	}
	if cfg.QuarantineAfter <= 0 {
		cfg.QuarantineAfter = 3
	}
	return &Supervisor{
		queue:   queue,
		pool:    pool,
		logger:  logger,
		cfg:     cfg,
		strikes: make(map[string]int),
		timers:  make(map[*time.Timer]struct{}),
	}
}

// Assess decides the job's fate after an attempt. attemptCount is the number
// of attempts consumed including this one. Cancellation flagged while the
// attempt ran takes precedence over retry.
func (s *Supervisor) Assess(job automation.Job, attempt automation.Attempt, attemptCount int) Decision {
	switch attempt.Outcome {
	case automation.OutcomeSuccess:
		s.resetStrikes(attempt.SessionID)
		return Decision{Kind: DecisionSucceed}

	case automation.OutcomeFatal:
		// A malformed instruction says nothing about session health;
		// strikes are left untouched.
		return Decision{Kind: DecisionFail}

	default: // transient-failure, timeout
		s.recordStrike(attempt)
		if s.queue.Cancelled(job.ID) {
			return Decision{Kind: DecisionCancel}
		}
		if attemptCount >= job.MaxAttempts {
			return Decision{Kind: DecisionFail}
		}
		return Decision{Kind: DecisionRetry, Delay: s.Backoff(attemptCount)}
	}
}

// Backoff returns the delay before the next attempt: base * 2^attempts,
// capped. Deterministic so consecutive delays are monotonically
// non-decreasing until the cap.
func (s *Supervisor) Backoff(attemptCount int) time.Duration {
	delay := float64(s.cfg.BaseBackoffDelay) * math.Pow(2, float64(attemptCount))
	if delay > float64(s.cfg.MaxBackoffDelay) {
		return s.cfg.MaxBackoffDelay
	}
	return time.Duration(delay)
}

// ScheduleRetry re-enqueues the job after the decision's delay, preserving
// the original priority so backoff pressure stays fairly distributed. A
// cancellation observed while waiting drops the re-enqueue; the caller's
// worker finalizes the job on its next dequeue-less path.
func (s *Supervisor) ScheduleRetry(item automation.QueueItem, delay time.Duration) {
	if delay <= 0 {
		delay = time.Millisecond
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	metrics.ObserveRetryScheduled()
	var timer *time.Timer
	s.inFly.Add(1)
	timer = time.AfterFunc(delay, func() {
		defer s.inFly.Done()
		s.mu.Lock()
		delete(s.timers, timer)
		dead := s.closed
		s.mu.Unlock()
		if dead {
			return
		}
		if s.queue.Cancelled(item.JobID) {
			s.logger.Info("retry dropped for cancelled job", zap.String("job_id", item.JobID))
			return
		}
		if err := s.queue.Enqueue(context.Background(), item); err != nil {
			s.logger.Error("retry enqueue failed",
				zap.String("job_id", item.JobID),
				zap.Int("attempt", item.Attempt),
				zap.Error(err),
			)
		}
	})
	s.timers[timer] = struct{}{}
	s.mu.Unlock()
}

// Shutdown cancels pending retry timers and waits for in-flight callbacks.
func (s *Supervisor) Shutdown() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	for timer := range s.timers {
		if timer.Stop() {
			s.inFly.Done()
		}
		delete(s.timers, timer)
	}
	s.mu.Unlock()
	s.inFly.Wait()
}

// recordStrike counts a retriable failure against the session and
// quarantines it once the threshold is crossed, independent of the job's own
// outcome. Timeouts already killed their session on release; quarantine is
// then a no-op at the pool.
func (s *Supervisor) recordStrike(attempt automation.Attempt) {
	if attempt.SessionID == "" {
		return
	}
	s.mu.Lock()
	s.strikes[attempt.SessionID]++
	count := s.strikes[attempt.SessionID]
	quarantine := count >= s.cfg.QuarantineAfter
	if quarantine {
		delete(s.strikes, attempt.SessionID)
	}
	s.mu.Unlock()

	if quarantine {
		s.logger.Warn("session exceeded consecutive failure threshold",
			zap.String("session_id", attempt.SessionID),
			zap.Int("failures", count),
		)
		metrics.ObserveQuarantine()
		s.pool.Quarantine(attempt.SessionID)
	}
}

func (s *Supervisor) resetStrikes(sessionID string) {
	if sessionID == "" {
		return
	}
	s.mu.Lock()
	delete(s.strikes, sessionID)
	s.mu.Unlock()
}
