// Package memory provides an in-memory result store for development and
// tests. It mirrors the transactional semantics of the Postgres adapter:
// RecordAttempt either applies both writes or neither.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/browsermill/browsermill/internal/automation"
)

// Store keeps jobs and attempts in process memory.
type Store struct {
	mu       sync.RWMutex
	jobs     map[string]automation.Job
	attempts map[string][]automation.Attempt
}

// New constructs an empty Store.
func New() *Store {
	return &Store{
		jobs:     make(map[string]automation.Job),
		attempts: make(map[string][]automation.Attempt),
	}
}

// CreateJob inserts a new job.
func (s *Store) CreateJob(_ context.Context, job automation.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[job.ID]; exists {
		return fmt.Errorf("job %s already exists: %w", job.ID, automation.ErrDuplicateJob)
	}
	s.jobs[job.ID] = job
	return nil
}

// RecordAttempt appends the attempt and moves the job to state atomically.
func (s *Store) RecordAttempt(_ context.Context, attempt automation.Attempt, state automation.JobState, attemptCount int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[attempt.JobID]
	if !ok {
		return automation.ErrNotFound
	}
	job.State = state
	job.AttemptCount = attemptCount
	job.ErrorText = attempt.ErrorDetail
	job.UpdatedAt = time.Now().UTC()
	s.jobs[attempt.JobID] = job
	s.attempts[attempt.JobID] = append(s.attempts[attempt.JobID], attempt)
	return nil
}

// UpdateJobState transitions the job without touching attempts.
func (s *Store) UpdateJobState(_ context.Context, jobID string, state automation.JobState, errText string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return automation.ErrNotFound
	}
	job.State = state
	job.ErrorText = errText
	job.UpdatedAt = time.Now().UTC()
	s.jobs[jobID] = job
	return nil
}

// GetJob fetches a job by ID.
func (s *Store) GetJob(_ context.Context, jobID string) (automation.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return automation.Job{}, automation.ErrNotFound
	}
	return job, nil
}

// ListAttempts returns the job's attempts in execution order.
func (s *Store) ListAttempts(_ context.Context, jobID string) ([]automation.Attempt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	attempts := s.attempts[jobID]
	out := make([]automation.Attempt, len(attempts))
	copy(out, attempts)
	return out, nil
}

// Close is a no-op for the in-memory store.
func (s *Store) Close() {}
