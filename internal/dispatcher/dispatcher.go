// Package dispatcher fans worker goroutines out over the job queue.
package dispatcher

import (
	"context"
	"sync"

	"github.com/browsermill/browsermill/internal/worker"
)

// Dispatcher runs a fixed pool of workers. The worker count is independent
// of the session pool size; workers block on dequeue or session acquisition.
type Dispatcher struct {
	workers []*worker.Worker
}

// New creates a Dispatcher.
func New(workers []*worker.Worker) *Dispatcher {
	return &Dispatcher{workers: workers}
}

// Run starts all workers and blocks until they all return, which happens
// when the context finishes or the queue closes.
func (d *Dispatcher) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, w := range d.workers {
		wg.Add(1)
		go func(wk *worker.Worker) {
			defer wg.Done()
			wk.Run(ctx)
		}(w)
	}
	wg.Wait()
}
