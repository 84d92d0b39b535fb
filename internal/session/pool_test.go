package session

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/browsermill/browsermill/internal/automation"
)

type fakeSession struct {
	id      string
	closed  atomic.Bool
	running atomic.Bool
}

func (s *fakeSession) ID() string { return s.id }

func (s *fakeSession) Run(_ context.Context, _ automation.RunRequest) (automation.RunReport, error) {
	if !s.running.CompareAndSwap(false, true) {
		return automation.RunReport{}, fmt.Errorf("session %s used concurrently", s.id)
	}
	defer s.running.Store(false)
	time.Sleep(time.Millisecond)
	return automation.RunReport{}, nil
}

func (s *fakeSession) Close(context.Context) error {
	s.closed.Store(true)
	return nil
}

type fakeFactory struct {
	mu       sync.Mutex
	created  int
	sessions []*fakeSession
	err      error
}

func (f *fakeFactory) NewSession(context.Context) (automation.BrowserSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.created++
	s := &fakeSession{id: fmt.Sprintf("sess-%d", f.created)}
	f.sessions = append(f.sessions, s)
	return s, nil
}

func (f *fakeFactory) createdCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.created
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestPool(t *testing.T, factory *fakeFactory, cfg Config) *Pool {
	t.Helper()
	if cfg.RecycleInterval == 0 {
		cfg.RecycleInterval = time.Hour // keep the recycler quiet unless asked
	}
	p := NewPool(factory, &fakeClock{now: time.Unix(5000, 0)}, zap.NewNop(), cfg)
	t.Cleanup(func() { p.Shutdown(context.Background()) })
	return p
}

func TestPool_LazyCreationUpToBound(t *testing.T) {
	t.Parallel()

	factory := &fakeFactory{}
	p := newTestPool(t, factory, Config{MaxSessions: 2, AcquireTimeout: 100 * time.Millisecond})
	ctx := context.Background()

	a, err := p.Acquire(ctx)
	require.NoError(t, err)
	b, err := p.Acquire(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, factory.createdCount())
	require.Equal(t, 2, p.Live())

	// Third acquire must time out with the pool exhausted.
	_, err = p.Acquire(ctx)
	require.ErrorIs(t, err, automation.ErrPoolExhausted)

	p.Release(a, automation.SessionIdle)
	p.Release(b, automation.SessionIdle)

	// Released sessions are reused, not recreated.
	c, err := p.Acquire(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, factory.createdCount())
	p.Release(c, automation.SessionIdle)
}

func TestPool_NeverExceedsMaxUnderBurst(t *testing.T) {
	t.Parallel()

	factory := &fakeFactory{}
	p := newTestPool(t, factory, Config{MaxSessions: 3, AcquireTimeout: 2 * time.Second})
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s, err := p.Acquire(ctx)
			if err != nil {
				return
			}
			_, _ = s.Run(ctx, automation.RunRequest{})
			p.Release(s, automation.SessionIdle)
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, factory.createdCount(), 3)
	assert.LessOrEqual(t, p.Live(), 3)
}

func TestPool_ReleaseDeadDestroys(t *testing.T) {
	t.Parallel()

	factory := &fakeFactory{}
	p := newTestPool(t, factory, Config{MaxSessions: 1, AcquireTimeout: time.Second})
	ctx := context.Background()

	s, err := p.Acquire(ctx)
	require.NoError(t, err)
	p.Release(s, automation.SessionDead)

	require.Equal(t, 0, p.Live())
	assert.True(t, factory.sessions[0].closed.Load())

	// A fresh session replaces the dead one on the next acquire.
	s2, err := p.Acquire(ctx)
	require.NoError(t, err)
	assert.NotEqual(t, s.ID(), s2.ID())
	p.Release(s2, automation.SessionIdle)
}

func TestPool_QuarantineIdleSession(t *testing.T) {
	t.Parallel()

	factory := &fakeFactory{}
	p := newTestPool(t, factory, Config{MaxSessions: 1, AcquireTimeout: time.Second})
	ctx := context.Background()

	s, err := p.Acquire(ctx)
	require.NoError(t, err)
	p.Release(s, automation.SessionIdle)

	p.Quarantine(s.ID())
	require.Equal(t, 0, p.Live())
	assert.True(t, factory.sessions[0].closed.Load())
}

func TestPool_QuarantineBusySessionDefersDestruction(t *testing.T) {
	t.Parallel()

	factory := &fakeFactory{}
	p := newTestPool(t, factory, Config{MaxSessions: 1, AcquireTimeout: time.Second})
	ctx := context.Background()

	s, err := p.Acquire(ctx)
	require.NoError(t, err)

	p.Quarantine(s.ID())
	assert.False(t, factory.sessions[0].closed.Load())
	require.Equal(t, 1, p.Live())

	p.Release(s, automation.SessionIdle)
	assert.True(t, factory.sessions[0].closed.Load())
	assert.Equal(t, 0, p.Live())
}

func TestPool_RecyclesByJobCount(t *testing.T) {
	t.Parallel()

	factory := &fakeFactory{}
	p := newTestPool(t, factory, Config{
		MaxSessions:    1,
		SessionMaxJobs: 2,
		AcquireTimeout: time.Second,
	})
	ctx := context.Background()

	s, err := p.Acquire(ctx)
	require.NoError(t, err)
	p.Release(s, automation.SessionIdle)

	s, err = p.Acquire(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, factory.createdCount())

	// Second release hits the job-count threshold and destroys the session.
	p.Release(s, automation.SessionIdle)
	require.Equal(t, 0, p.Live())
	assert.True(t, factory.sessions[0].closed.Load())
}

func TestPool_RecyclerEvictsAgedIdleSessions(t *testing.T) {
	t.Parallel()

	factory := &fakeFactory{}
	clock := &fakeClock{now: time.Unix(5000, 0)}
	p := NewPool(factory, clock, zap.NewNop(), Config{
		MaxSessions:     2,
		SessionMaxAge:   time.Minute,
		AcquireTimeout:  time.Second,
		RecycleInterval: 10 * time.Millisecond,
	})
	t.Cleanup(func() { p.Shutdown(context.Background()) })
	ctx := context.Background()

	s, err := p.Acquire(ctx)
	require.NoError(t, err)
	p.Release(s, automation.SessionIdle)

	clock.advance(2 * time.Minute)

	require.Eventually(t, func() bool {
		return p.Live() == 0 && factory.sessions[0].closed.Load()
	}, time.Second, 10*time.Millisecond)
}

func TestPool_AcquireHonorsContext(t *testing.T) {
	t.Parallel()

	factory := &fakeFactory{}
	p := newTestPool(t, factory, Config{MaxSessions: 1, AcquireTimeout: 5 * time.Second})

	s, err := p.Acquire(context.Background())
	require.NoError(t, err)
	defer p.Release(s, automation.SessionIdle)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = p.Acquire(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestPool_ShutdownClosesEverything(t *testing.T) {
	t.Parallel()

	factory := &fakeFactory{}
	p := NewPool(factory, &fakeClock{now: time.Unix(5000, 0)}, zap.NewNop(), Config{
		MaxSessions:    2,
		AcquireTimeout: time.Second,
	})
	ctx := context.Background()

	s, err := p.Acquire(ctx)
	require.NoError(t, err)
	p.Release(s, automation.SessionIdle)

	p.Shutdown(ctx)
	assert.True(t, factory.sessions[0].closed.Load())
	assert.Equal(t, 0, p.Live())

	_, err = p.Acquire(ctx)
	require.Error(t, err)
}
