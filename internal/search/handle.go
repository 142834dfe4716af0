package search

import (
	"context"
	"fmt"
	"sync"
)

// Handle is the single-assignment completion handle paired with a Job.
// Exactly one of Resolve or Reject takes effect; later calls are ignored.
type Handle struct {
	once sync.Once
	done chan struct{}
	text string
	err  error
}

// NewHandle returns an unsettled Handle.
func NewHandle() *Handle {
	return &Handle{done: make(chan struct{})}
}

// Resolve settles the handle with text. It reports whether this call won.
func (h *Handle) Resolve(text string) bool {
	return h.settle(text, nil)
}

// Reject settles the handle with err. A nil err is recorded as ErrExecution.
func (h *Handle) Reject(err error) bool {
	if err == nil {
		err = ErrExecution
	}
	return h.settle("", err)
}

func (h *Handle) settle(text string, err error) bool {
	won := false
	h.once.Do(func() {
		h.text = text
		h.err = err
		won = true
		close(h.done)
	})
	return won
}

// Wait blocks until the handle settles or ctx ends. A ctx that ends first
// yields ErrCancelled wrapping the context's cause.
func (h *Handle) Wait(ctx context.Context) (string, error) {
	select {
	case <-h.done:
		return h.text, h.err
	case <-ctx.Done():
		return "", fmt.Errorf("%w: %w", ErrCancelled, context.Cause(ctx))
	}
}
