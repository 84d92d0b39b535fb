// Package postgres provides the Postgres-backed result store.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/browsermill/browsermill/internal/automation"
)

// Schema creates the two result tables. Attempts are append-only; the job
// row's state and attempt_count are the only mutable fields.
const Schema = `
CREATE TABLE IF NOT EXISTS jobs (
	id            TEXT PRIMARY KEY,
	payload       BYTEA NOT NULL,
	priority      INT NOT NULL DEFAULT 0,
	dedup_key     TEXT,
	state         TEXT NOT NULL,
	attempt_count INT NOT NULL DEFAULT 0,
	max_attempts  INT NOT NULL,
	error_text    TEXT NOT NULL DEFAULT '',
	created_at    TIMESTAMPTZ NOT NULL,
	updated_at    TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS attempts (
	id           TEXT PRIMARY KEY,
	job_id       TEXT NOT NULL REFERENCES jobs(id),
	session_id   TEXT NOT NULL DEFAULT '',
	outcome      TEXT NOT NULL,
	started_at   TIMESTAMPTZ NOT NULL,
	ended_at     TIMESTAMPTZ NOT NULL,
	error_detail TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS attempts_job_id_idx ON attempts (job_id, started_at);
`

// Config controls the Postgres connection pool.
type Config struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

// db is the subset of pgxpool.Pool the store uses; pgxmock satisfies it.
type db interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

// Store persists jobs and attempts in Postgres.
type Store struct {
	pool db
}

// New connects a Store using the provided config.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("db.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

// NewWithPool constructs a store from an existing pool (primarily for tests).
func NewWithPool(pool db) (*Store, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &Store{pool: pool}, nil
}

// EnsureSchema creates the tables when they do not exist yet.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

// Close releases the underlying pool.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// CreateJob inserts a new job row.
func (s *Store) CreateJob(ctx context.Context, job automation.Job) error {
	query := `
INSERT INTO jobs (id, payload, priority, dedup_key, state, attempt_count, max_attempts, error_text, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`
	_, err := s.pool.Exec(ctx, query,
		job.ID,
		job.Payload,
		job.Priority,
		job.DedupKey,
		string(job.State),
		job.AttemptCount,
		job.MaxAttempts,
		job.ErrorText,
		job.SubmittedAt,
		job.SubmittedAt,
	)
	if err != nil {
		return &automation.PersistenceError{Op: "create job", Err: err}
	}
	return nil
}

// RecordAttempt appends the attempt and updates the job's state in one
// transaction, so a job can never appear settled without its attempt row.
func (s *Store) RecordAttempt(ctx context.Context, attempt automation.Attempt, state automation.JobState, attemptCount int) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return &automation.PersistenceError{Op: "begin record attempt", Err: err}
	}
	defer func() {
		// Rollback after a successful commit is a harmless no-op.
		_ = tx.Rollback(ctx)
	}()

	insert := `
INSERT INTO attempts (id, job_id, session_id, outcome, started_at, ended_at, error_detail)
VALUES ($1, $2, $3, $4, $5, $6, $7)`
	if _, err := tx.Exec(ctx, insert,
		attempt.ID,
		attempt.JobID,
		attempt.SessionID,
		string(attempt.Outcome),
		attempt.StartedAt,
		attempt.EndedAt,
		attempt.ErrorDetail,
	); err != nil {
		return &automation.PersistenceError{Op: "insert attempt", Err: err}
	}

	update := `
UPDATE jobs SET state = $2, attempt_count = $3, error_text = $4, updated_at = $5 WHERE id = $1`
	tag, err := tx.Exec(ctx, update,
		attempt.JobID,
		string(state),
		attemptCount,
		attempt.ErrorDetail,
		attempt.EndedAt,
	)
	if err != nil {
		return &automation.PersistenceError{Op: "update job state", Err: err}
	}
	if tag.RowsAffected() == 0 {
		return automation.ErrNotFound
	}

	if err := tx.Commit(ctx); err != nil {
		return &automation.PersistenceError{Op: "commit record attempt", Err: err}
	}
	return nil
}

// UpdateJobState transitions the job without recording an attempt.
func (s *Store) UpdateJobState(ctx context.Context, jobID string, state automation.JobState, errText string) error {
	query := `
UPDATE jobs SET state = $2, error_text = $3, updated_at = now() WHERE id = $1`
	tag, err := s.pool.Exec(ctx, query, jobID, string(state), errText)
	if err != nil {
		return &automation.PersistenceError{Op: "update job state", Err: err}
	}
	if tag.RowsAffected() == 0 {
		return automation.ErrNotFound
	}
	return nil
}

// GetJob fetches a job row by ID.
func (s *Store) GetJob(ctx context.Context, jobID string) (automation.Job, error) {
	query := `
SELECT id, payload, priority, dedup_key, state, attempt_count, max_attempts, error_text, created_at, updated_at
FROM jobs WHERE id = $1`
	var (
		job      automation.Job
		state    string
		dedupKey *string
	)
	err := s.pool.QueryRow(ctx, query, jobID).Scan(
		&job.ID,
		&job.Payload,
		&job.Priority,
		&dedupKey,
		&state,
		&job.AttemptCount,
		&job.MaxAttempts,
		&job.ErrorText,
		&job.SubmittedAt,
		&job.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return automation.Job{}, automation.ErrNotFound
		}
		return automation.Job{}, &automation.PersistenceError{Op: "get job", Err: err}
	}
	job.State = automation.JobState(state)
	if dedupKey != nil {
		job.DedupKey = *dedupKey
	}
	return job, nil
}

// ListAttempts returns the job's attempts ordered by start time.
func (s *Store) ListAttempts(ctx context.Context, jobID string) ([]automation.Attempt, error) {
	query := `
SELECT id, job_id, session_id, outcome, started_at, ended_at, error_detail
FROM attempts WHERE job_id = $1 ORDER BY started_at, id`
	rows, err := s.pool.Query(ctx, query, jobID)
	if err != nil {
		return nil, &automation.PersistenceError{Op: "list attempts", Err: err}
	}
	defer rows.Close()

	var attempts []automation.Attempt
	for rows.Next() {
		var (
			a       automation.Attempt
			outcome string
		)
		if err := rows.Scan(&a.ID, &a.JobID, &a.SessionID, &outcome, &a.StartedAt, &a.EndedAt, &a.ErrorDetail); err != nil {
			return nil, &automation.PersistenceError{Op: "scan attempt", Err: err}
		}
		a.Outcome = automation.Outcome(outcome)
		attempts = append(attempts, a)
	}
	if err := rows.Err(); err != nil {
		return nil, &automation.PersistenceError{Op: "iterate attempts", Err: err}
	}
	return attempts, nil
}
