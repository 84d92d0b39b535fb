// Package session implements the bounded pool of live browser sessions.
package session

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/browsermill/browsermill/internal/automation"
	"github.com/browsermill/browsermill/internal/metrics"
)

// Config controls pool sizing and recycling.
type Config struct {
	MaxSessions     int
	SessionMaxJobs  int
	SessionMaxAge   time.Duration
	AcquireTimeout  time.Duration
	RecycleInterval time.Duration
}

type entry struct {
	session     automation.BrowserSession
	createdAt   time.Time
	jobsServed  int
	health      automation.SessionHealth
	quarantined bool
}

// Pool owns up to MaxSessions live browser sessions, created lazily. Session
// spawn and teardown are expensive process operations and always happen
// outside the pool mutex.
type Pool struct {
	factory automation.SessionFactory
	clock   automation.Clock
	logger  *zap.Logger
	cfg     Config

	mu      sync.Mutex
	idle    []string
	all     map[string]*entry
	live    int
	closed  bool
	notify  chan struct{}
	stopRec chan struct{}
}

// NewPool constructs a Pool and starts its background recycler.
func NewPool(factory automation.SessionFactory, clock automation.Clock, logger *zap.Logger, cfg Config) *Pool {
	if cfg.MaxSessions <= 0 {
		cfg.MaxSessions = 1
	}
	if cfg.AcquireTimeout <= 0 {
		cfg.AcquireTimeout = 30 * time.Second
	}
	if cfg.RecycleInterval <= 0 {
		cfg.RecycleInterval = time.Minute
	}
	p := &Pool{
		factory: factory,
		clock:   clock,
		logger:  logger,
		cfg:     cfg,
		all:     make(map[string]*entry),
		notify:  make(chan struct{}),
		stopRec: make(chan struct{}),
	}
	go p.recycleLoop()
	return p
}

// Acquire returns an idle session or lazily creates one while the pool is
// below capacity. It blocks cooperatively until the acquisition timeout, then
// fails with ErrPoolExhausted.
func (p *Pool) Acquire(ctx context.Context) (automation.BrowserSession, error) {
	start := time.Now()
	timer := time.NewTimer(p.cfg.AcquireTimeout)
	defer timer.Stop()

	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return nil, automation.ErrQueueClosed
		}
		if n := len(p.idle); n > 0 {
			id := p.idle[n-1]
			p.idle = p.idle[:n-1]
			e := p.all[id]
			e.health = automation.SessionBusy
			p.mu.Unlock()
			metrics.ObserveAcquireWait(time.Since(start))
			return e.session, nil
		}
		if p.live < p.cfg.MaxSessions {
			// Reserve the slot before spawning so concurrent acquires can
			// never exceed MaxSessions, then create outside the lock.
			p.live++
			p.mu.Unlock()
			sess, err := p.factory.NewSession(ctx)
			if err != nil {
				p.mu.Lock()
				p.live--
				p.broadcastLocked()
				p.mu.Unlock()
				return nil, err
			}
			p.mu.Lock()
			p.all[sess.ID()] = &entry{
				session:   sess,
				createdAt: p.clock.Now(),
				health:    automation.SessionBusy,
			}
			p.mu.Unlock()
			metrics.SetLiveSessions(p.Live())
			metrics.ObserveAcquireWait(time.Since(start))
			return sess, nil
		}
		wait := p.notify
		p.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
			return nil, automation.ErrPoolExhausted
		case <-wait:
		}
	}
}

// Release returns the session to the idle set, or destroys it when it is
// dead, quarantined, or past its recycle thresholds.
func (p *Pool) Release(session automation.BrowserSession, health automation.SessionHealth) {
	if session == nil {
		return
	}
	id := session.ID()

	p.mu.Lock()
	e, ok := p.all[id]
	if !ok {
		p.mu.Unlock()
		p.destroy(session)
		return
	}
	e.jobsServed++
	if health == automation.SessionDead || e.quarantined || p.expiredLocked(e) || p.closed {
		delete(p.all, id)
		p.live--
		p.broadcastLocked()
		p.mu.Unlock()
		p.destroy(session)
		metrics.SetLiveSessions(p.Live())
		return
	}
	e.health = automation.SessionIdle
	p.idle = append(p.idle, id)
	p.broadcastLocked()
	p.mu.Unlock()
}

// Quarantine forces destruction of a degraded session: immediately when
// idle, or on its next release when busy.
func (p *Pool) Quarantine(sessionID string) {
	p.mu.Lock()
	e, ok := p.all[sessionID]
	if !ok {
		p.mu.Unlock()
		return
	}
	if e.health != automation.SessionIdle {
		e.quarantined = true
		p.mu.Unlock()
		p.logger.Warn("session flagged for quarantine", zap.String("session_id", sessionID))
		return
	}
	p.removeIdleLocked(sessionID)
	delete(p.all, sessionID)
	p.live--
	p.broadcastLocked()
	p.mu.Unlock()

	p.logger.Warn("quarantined session destroyed", zap.String("session_id", sessionID))
	p.destroy(e.session)
	metrics.SetLiveSessions(p.Live())
}

// Live reports the number of live sessions, including busy ones.
func (p *Pool) Live() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.live
}

// Shutdown destroys every remaining session and rejects further acquires.
// Busy sessions are closed forcibly; callers should drain workers first.
func (p *Pool) Shutdown(ctx context.Context) {
	close(p.stopRec)

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	victims := make([]automation.BrowserSession, 0, len(p.all))
	for id, e := range p.all {
		victims = append(victims, e.session)
		delete(p.all, id)
	}
	p.idle = nil
	p.live = 0
	p.broadcastLocked()
	p.mu.Unlock()

	for _, s := range victims {
		if err := s.Close(ctx); err != nil {
			p.logger.Warn("session close failed during shutdown",
				zap.String("session_id", s.ID()), zap.Error(err))
		}
	}
	metrics.SetLiveSessions(0)
}

func (p *Pool) recycleLoop() {
	ticker := time.NewTicker(p.cfg.RecycleInterval)
	defer ticker.Stop()
	for {
		select {
		case <-p.stopRec:
			return
		case <-ticker.C:
			p.recycleIdle()
		}
	}
}

// recycleIdle evicts idle sessions past their age or job-count thresholds.
// Replacements are created lazily by the next Acquire.
func (p *Pool) recycleIdle() {
	p.mu.Lock()
	var victims []automation.BrowserSession
	kept := p.idle[:0]
	for _, id := range p.idle {
		e := p.all[id]
		if p.expiredLocked(e) {
			victims = append(victims, e.session)
			delete(p.all, id)
			p.live--
			continue
		}
		kept = append(kept, id)
	}
	p.idle = kept
	if len(victims) > 0 {
		p.broadcastLocked()
	}
	p.mu.Unlock()

	for _, s := range victims {
		p.logger.Info("recycled aged session", zap.String("session_id", s.ID()))
		p.destroy(s)
	}
	if len(victims) > 0 {
		metrics.SetLiveSessions(p.Live())
	}
}

func (p *Pool) expiredLocked(e *entry) bool {
	if p.cfg.SessionMaxJobs > 0 && e.jobsServed >= p.cfg.SessionMaxJobs {
		return true
	}
	if p.cfg.SessionMaxAge > 0 && p.clock.Now().Sub(e.createdAt) >= p.cfg.SessionMaxAge {
		return true
	}
	return false
}

func (p *Pool) removeIdleLocked(sessionID string) {
	for i, id := range p.idle {
		if id == sessionID {
			p.idle = append(p.idle[:i], p.idle[i+1:]...)
			return
		}
	}
}

func (p *Pool) destroy(s automation.BrowserSession) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.Close(ctx); err != nil {
		p.logger.Warn("session close failed", zap.String("session_id", s.ID()), zap.Error(err))
	}
}

func (p *Pool) broadcastLocked() {
	close(p.notify)
	p.notify = make(chan struct{})
}
