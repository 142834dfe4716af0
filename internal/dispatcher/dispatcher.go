// Package dispatcher manages worker fan-out over the job queue.
package dispatcher

import (
	"context"
	"sync"

	"github.com/JakeFAU/askrelay/internal/search"
	"github.com/JakeFAU/askrelay/internal/worker"
)

// Dispatcher runs a fixed pool of workers against one queue.
type Dispatcher struct {
	queue   search.Queue
	workers []*worker.Worker
}

// New creates a Dispatcher.
func New(queue search.Queue, workers []*worker.Worker) *Dispatcher {
	return &Dispatcher{
		queue:   queue,
		workers: workers,
	}
}

// Build constructs n workers with build and wraps them in a Dispatcher.
func Build(queue search.Queue, n int, build func(id int) *worker.Worker) *Dispatcher {
	workers := make([]*worker.Worker, 0, n)
	for i := range n {
		workers = append(workers, build(i))
	}
	return New(queue, workers)
}

// Run starts all workers and blocks until every worker has returned, which
// happens once ctx ends or the queue is closed.
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

// Pending reports how many jobs are waiting for a worker. Queues that cannot
// report their depth read as zero.
func (d *Dispatcher) Pending() int {
	if q, ok := d.queue.(interface{ Len() int }); ok {
		return q.Len()
	}
	return 0
}

// Size is the number of workers in the pool.
func (d *Dispatcher) Size() int {
	return len(d.workers)
}

// Stats returns one snapshot per worker.
func (d *Dispatcher) Stats() []worker.Stats {
	out := make([]worker.Stats, 0, len(d.workers))
	for _, w := range d.workers {
		out = append(out, w.Stats())
	}
	return out
}
