package engine

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/browsermill/browsermill/internal/automation"
	"github.com/browsermill/browsermill/internal/dispatcher"
	"github.com/browsermill/browsermill/internal/hash/sha256"
	"github.com/browsermill/browsermill/internal/queue"
	storememory "github.com/browsermill/browsermill/internal/store/memory"
	"github.com/browsermill/browsermill/internal/supervisor"
	"github.com/browsermill/browsermill/internal/worker"
)

type orderedExecutor struct {
	mu    sync.Mutex
	order []string
	gate  chan struct{}
}

func (e *orderedExecutor) Execute(_ context.Context, job automation.Job, _ func() bool) (automation.Attempt, error) {
	if e.gate != nil {
		<-e.gate
	}
	e.mu.Lock()
	e.order = append(e.order, job.ID)
	e.mu.Unlock()
	return automation.Attempt{
		ID: "a-" + job.ID, JobID: job.ID, SessionID: "s1",
		Outcome: automation.OutcomeSuccess,
	}, nil
}

func (e *orderedExecutor) executed() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.order...)
}

type idlePool struct{}

func (idlePool) Acquire(context.Context) (automation.BrowserSession, error) {
	return nil, automation.ErrPoolExhausted
}
func (idlePool) Release(automation.BrowserSession, automation.SessionHealth) {}
func (idlePool) Quarantine(string)                                          {}
func (idlePool) Live() int                                                  { return 0 }
func (idlePool) Shutdown(context.Context)                                   {}

type seqIDGen struct {
	mu sync.Mutex
	n  int
}

func (g *seqIDGen) NewID() (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.n++
	return fmt.Sprintf("job-%d", g.n), nil
}

type tickingClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *tickingClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Millisecond)
	return c.now
}

func newEngine(t *testing.T, exec worker.Executor, workers int) (*Engine, *queue.Queue, automation.ResultStore) {
	t.Helper()
	q := queue.New()
	store := storememory.New()
	clock := &tickingClock{now: time.Unix(1700000000, 0)}
	logger := zap.NewNop()
	sup := supervisor.New(q, idlePool{}, logger, supervisor.Config{
		BaseBackoffDelay: time.Millisecond,
		MaxBackoffDelay:  10 * time.Millisecond,
	})

	ws := make([]*worker.Worker, 0, workers)
	for i := 0; i < workers; i++ {
		ws = append(ws, worker.New(q, store, exec, sup, nil, clock, logger, worker.Config{
			RecordRetries:    1,
			RecordRetryDelay: time.Millisecond,
		}))
	}

	eng := New(q, store, idlePool{}, sup, dispatcher.New(ws), &seqIDGen{}, sha256.New(), clock, logger, Config{MaxAttemptsDefault: 3})
	t.Cleanup(func() { eng.Shutdown(context.Background()) })
	return eng, q, store
}

func TestEngine_SubmitPersistsAndQueues(t *testing.T) {
	t.Parallel()

	eng, q, store := newEngine(t, &orderedExecutor{}, 0)

	job, err := eng.Submit(context.Background(), SubmitRequest{
		Payload:  []byte(`{"steps":[{"kind":"navigate","url":"https://example.com"}]}`),
		Priority: 4,
		DedupKey: "daily-scrape",
	})
	require.NoError(t, err)
	assert.Equal(t, automation.JobStateQueued, job.State)
	assert.Equal(t, 3, job.MaxAttempts)
	assert.Equal(t, 1, q.Len())

	stored, err := store.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, automation.JobStateQueued, stored.State)
	assert.Equal(t, "daily-scrape", stored.DedupKey)
}

func TestEngine_SubmitRejectsDuplicateDedupKey(t *testing.T) {
	t.Parallel()

	eng, q, _ := newEngine(t, &orderedExecutor{}, 0)
	ctx := context.Background()
	payload := []byte(`{"steps":[]}`)

	_, err := eng.Submit(ctx, SubmitRequest{Payload: payload, DedupKey: "k1"})
	require.NoError(t, err)

	_, err = eng.Submit(ctx, SubmitRequest{Payload: payload, DedupKey: "k1"})
	require.ErrorIs(t, err, automation.ErrDuplicateJob)
	assert.Equal(t, 1, q.Len())

	// A different key is fine.
	_, err = eng.Submit(ctx, SubmitRequest{Payload: payload, DedupKey: "k2"})
	require.NoError(t, err)
}

func TestEngine_SubmitRejectsInvalidPayload(t *testing.T) {
	t.Parallel()

	eng, _, _ := newEngine(t, &orderedExecutor{}, 0)

	_, err := eng.Submit(context.Background(), SubmitRequest{Payload: []byte(`{not json`)})
	require.Error(t, err)

	_, err = eng.Submit(context.Background(), SubmitRequest{})
	require.Error(t, err)
}

func TestEngine_HigherPriorityRunsFirst(t *testing.T) {
	t.Parallel()

	exec := &orderedExecutor{}
	eng, _, _ := newEngine(t, exec, 1)
	ctx := context.Background()
	payload := []byte(`{"steps":[]}`)

	jobA, err := eng.Submit(ctx, SubmitRequest{Payload: payload, Priority: 5})
	require.NoError(t, err)
	jobB, err := eng.Submit(ctx, SubmitRequest{Payload: payload, Priority: 10})
	require.NoError(t, err)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go eng.Run(runCtx)

	require.Eventually(t, func() bool {
		res, err := eng.Status(ctx, jobA.ID)
		return err == nil && res.Job.State == automation.JobStateSucceeded
	}, 2*time.Second, 5*time.Millisecond)

	require.Equal(t, []string{jobB.ID, jobA.ID}, exec.executed())

	resB, err := eng.Status(ctx, jobB.ID)
	require.NoError(t, err)
	assert.Equal(t, automation.JobStateSucceeded, resB.Job.State)
}

func TestEngine_StatusUnknownJob(t *testing.T) {
	t.Parallel()

	eng, _, _ := newEngine(t, &orderedExecutor{}, 0)

	_, err := eng.Status(context.Background(), "nope")
	require.ErrorIs(t, err, automation.ErrNotFound)
}

func TestEngine_CancelQueuedJobFreesDedupKey(t *testing.T) {
	t.Parallel()

	eng, q, _ := newEngine(t, &orderedExecutor{}, 0)
	ctx := context.Background()
	payload := []byte(`{"steps":[]}`)

	job, err := eng.Submit(ctx, SubmitRequest{Payload: payload, DedupKey: "k1"})
	require.NoError(t, err)

	cancelled, err := eng.Cancel(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, automation.JobStateCancelled, cancelled.State)
	assert.Zero(t, q.Len())

	// Terminal cancel is idempotent.
	again, err := eng.Cancel(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, automation.JobStateCancelled, again.State)

	// The key is free for the next submission.
	_, err = eng.Submit(ctx, SubmitRequest{Payload: payload, DedupKey: "k1"})
	require.NoError(t, err)
}

func TestEngine_CancelRunningJobFlags(t *testing.T) {
	t.Parallel()

	exec := &orderedExecutor{gate: make(chan struct{})}
	eng, q, _ := newEngine(t, exec, 1)
	ctx := context.Background()

	job, err := eng.Submit(ctx, SubmitRequest{Payload: []byte(`{"steps":[]}`)})
	require.NoError(t, err)

	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()
	go eng.Run(runCtx)

	// Wait for the worker to pick the job up, then cancel mid-flight.
	require.Eventually(t, func() bool { return q.Len() == 0 }, time.Second, time.Millisecond)

	got, err := eng.Cancel(ctx, job.ID)
	require.NoError(t, err)
	assert.False(t, got.State.Terminal())
	assert.True(t, q.Cancelled(job.ID))

	close(exec.gate)
}

func TestEngine_CancelUnknownJob(t *testing.T) {
	t.Parallel()

	eng, _, _ := newEngine(t, &orderedExecutor{}, 0)

	_, err := eng.Cancel(context.Background(), "nope")
	require.ErrorIs(t, err, automation.ErrNotFound)
}
