// Package queue implements the in-memory priority queue feeding the workers.
package queue

import (
	"container/heap"
	"context"
	"fmt"
	"sync"

	"github.com/browsermill/browsermill/internal/automation"
)

// Queue orders pending jobs by priority then submission time and tracks
// dedup claims for every active job (queued, running, or awaiting retry).
// All mutations happen under a single mutex; the mutex is never held across
// blocking waits or I/O.
type Queue struct {
	mu        sync.Mutex
	items     itemHeap
	byJob     map[string]*queuedItem
	claims    map[string]string // dedup key -> owning job ID
	running   map[string]struct{}
	cancelled map[string]struct{}
	notify    chan struct{}
	closed    bool
	seq       uint64
}

type queuedItem struct {
	item  automation.QueueItem
	seq   uint64
	index int
}

// New constructs an empty queue.
func New() *Queue {
	return &Queue{
		byJob:     make(map[string]*queuedItem),
		claims:    make(map[string]string),
		running:   make(map[string]struct{}),
		cancelled: make(map[string]struct{}),
		notify:    make(chan struct{}),
	}
}

// Reserve claims the dedup key for jobID before the job is persisted or
// enqueued. A key held by a different active job fails with ErrDuplicateJob.
func (q *Queue) Reserve(jobID, dedupKey string) error {
	if dedupKey == "" {
		return nil
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return automation.ErrQueueClosed
	}
	if owner, ok := q.claims[dedupKey]; ok && owner != jobID {
		return fmt.Errorf("dedup key %q held by job %s: %w", dedupKey, owner, automation.ErrDuplicateJob)
	}
	q.claims[dedupKey] = jobID
	return nil
}

// Enqueue inserts the item in priority order. The dedup key must either be
// unclaimed or already claimed by this job, so backoff re-enqueues always
// pass.
func (q *Queue) Enqueue(ctx context.Context, item automation.QueueItem) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("enqueue: %w", err)
	}
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return automation.ErrQueueClosed
	}
	if item.DedupKey != "" {
		if owner, ok := q.claims[item.DedupKey]; ok && owner != item.JobID {
			q.mu.Unlock()
			return fmt.Errorf("dedup key %q held by job %s: %w", item.DedupKey, owner, automation.ErrDuplicateJob)
		}
		q.claims[item.DedupKey] = item.JobID
	}
	if _, dup := q.byJob[item.JobID]; dup {
		q.mu.Unlock()
		return fmt.Errorf("job %s already queued: %w", item.JobID, automation.ErrDuplicateJob)
	}
	q.seq++
	qi := &queuedItem{item: item, seq: q.seq}
	q.byJob[item.JobID] = qi
	delete(q.running, item.JobID)
	heap.Push(&q.items, qi)
	q.broadcastLocked()
	q.mu.Unlock()
	return nil
}

// Dequeue blocks until a job is ready, returns the highest-priority one, and
// atomically marks it running. Waiting is cooperative: the caller parks on a
// channel until an enqueue or close wakes it.
func (q *Queue) Dequeue(ctx context.Context) (automation.QueueItem, error) {
	for {
		q.mu.Lock()
		if q.items.Len() > 0 {
			qi := heap.Pop(&q.items).(*queuedItem)
			delete(q.byJob, qi.item.JobID)
			q.running[qi.item.JobID] = struct{}{}
			q.mu.Unlock()
			return qi.item, nil
		}
		if q.closed {
			q.mu.Unlock()
			return automation.QueueItem{}, automation.ErrQueueClosed
		}
		wait := q.notify
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return automation.QueueItem{}, fmt.Errorf("dequeue: %w", ctx.Err())
		case <-wait:
		}
	}
}

// Cancel removes a queued job, or flags an active one so the executor can
// honor cancellation between steps.
func (q *Queue) Cancel(jobID string) automation.CancelResult {
	q.mu.Lock()
	defer q.mu.Unlock()
	if qi, ok := q.byJob[jobID]; ok {
		heap.Remove(&q.items, qi.index)
		delete(q.byJob, jobID)
		q.releaseClaimLocked(jobID, qi.item.DedupKey)
		return automation.CancelRemoved
	}
	if _, ok := q.running[jobID]; ok {
		q.cancelled[jobID] = struct{}{}
		return automation.CancelFlagged
	}
	// Not queued, not running: either unknown or parked in a backoff wait.
	// Flag it so the retry scheduler drops it instead of re-enqueueing.
	q.cancelled[jobID] = struct{}{}
	return automation.CancelFlagged
}

// Cancelled reports whether the job has been flagged for cancellation.
func (q *Queue) Cancelled(jobID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.cancelled[jobID]
	return ok
}

// Forget drops all bookkeeping for a job that reached a terminal state,
// releasing its dedup claim for future submissions.
func (q *Queue) Forget(jobID, dedupKey string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.running, jobID)
	delete(q.cancelled, jobID)
	q.releaseClaimLocked(jobID, dedupKey)
}

// Len reports how many jobs are queued and ready.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.items.Len()
}

// Close rejects further operations and wakes all blocked dequeuers.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	q.broadcastLocked()
}

func (q *Queue) releaseClaimLocked(jobID, dedupKey string) {
	if dedupKey == "" {
		return
	}
	if owner, ok := q.claims[dedupKey]; ok && owner == jobID {
		delete(q.claims, dedupKey)
	}
}

// broadcastLocked wakes every parked dequeuer by closing the current notify
// channel and installing a fresh one.
func (q *Queue) broadcastLocked() {
	close(q.notify)
	q.notify = make(chan struct{})
}

// itemHeap orders by priority descending, then submission time ascending,
// then insertion sequence for full determinism.
type itemHeap []*queuedItem

func (h itemHeap) Len() int { return len(h) }

func (h itemHeap) Less(i, j int) bool {
	a, b := h[i], h[j]
	if a.item.Priority != b.item.Priority {
		return a.item.Priority > b.item.Priority
	}
	if !a.item.Submitted.Equal(b.item.Submitted) {
		return a.item.Submitted.Before(b.item.Submitted)
	}
	return a.seq < b.seq
}

func (h itemHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *itemHeap) Push(x any) {
	qi := x.(*queuedItem)
	qi.index = len(*h)
	*h = append(*h, qi)
}

func (h *itemHeap) Pop() any {
	old := *h
	n := len(old)
	qi := old[n-1]
	old[n-1] = nil
	qi.index = -1
	*h = old[:n-1]
	return qi
}
