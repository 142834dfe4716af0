// Package memory provides the in-process task queue shared by the orchestrator
// and the worker pool.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/JakeFAU/askrelay/internal/metrics"
	"github.com/JakeFAU/askrelay/internal/search"
)

// Queue is an unbounded, context-aware queue of search Tasks.
// Enqueue never blocks; Next blocks until a Task is available.
type Queue struct {
	mu       sync.Mutex
	items    []search.Task
	isClosed bool
	wake     chan struct{}
	closed   chan struct{}
	once     sync.Once
}

// NewQueue constructs an empty queue.
func NewQueue() *Queue {
	return &Queue{
		wake:   make(chan struct{}, 1),
		closed: make(chan struct{}),
	}
}

// Enqueue registers job and returns the Handle its result will settle.
// The Handle exists before Enqueue returns, so a worker may settle it
// before the producer starts waiting.
func (q *Queue) Enqueue(job search.Job) *search.Handle {
	handle := search.NewHandle()

	q.mu.Lock()
	if q.isClosed {
		q.mu.Unlock()
		handle.Reject(search.ErrQueueClosed)
		return handle
	}
	q.items = append(q.items, search.Task{Job: job, Handle: handle})
	metrics.SetQueueDepth(len(q.items))
	q.mu.Unlock()
	q.signal()
	return handle
}

// Next pops the next Task, respecting context cancellation.
func (q *Queue) Next(ctx context.Context) (search.Task, error) {
	for {
		if task, ok := q.pop(); ok {
			return task, nil
		}
		select {
		case <-ctx.Done():
			return search.Task{}, fmt.Errorf("next canceled: %w", ctx.Err())
		case <-q.closed:
			return search.Task{}, search.ErrQueueClosed
		case <-q.wake:
		}
	}
}

// Len reports the number of Tasks waiting for a worker.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Close rejects every pending Task and wakes all waiting workers.
// Closing twice is safe.
func (q *Queue) Close() {
	q.once.Do(func() {
		q.mu.Lock()
		q.isClosed = true
		pending := q.items
		q.items = nil
		metrics.SetQueueDepth(0)
		q.mu.Unlock()
		close(q.closed)
		for _, task := range pending {
			task.Handle.Reject(search.ErrQueueClosed)
		}
	})
}

func (q *Queue) pop() (search.Task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return search.Task{}, false
	}
	task := q.items[0]
	q.items[0] = search.Task{}
	q.items = q.items[1:]
	metrics.SetQueueDepth(len(q.items))
	if len(q.items) > 0 {
		// pass the wake-up on so another idle worker sees the remainder
		q.signal()
	}
	return task, true
}

func (q *Queue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}
