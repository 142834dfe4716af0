// Package memory contains an in-memory outcome publisher for tests and
// single-process setups.
package memory

import (
	"context"
	"sync"

	"github.com/JakeFAU/askrelay/internal/search"
)

// Publisher stores recorded outcomes for inspection.
type Publisher struct {
	mu       sync.RWMutex
	outcomes []search.Outcome
	limit    int
}

// New returns a memory Publisher keeping at most limit outcomes, oldest
// dropped first. A limit of zero keeps everything.
func New(limit int) *Publisher {
	return &Publisher{limit: limit}
}

// Record appends outcome.
func (p *Publisher) Record(_ context.Context, outcome search.Outcome) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.outcomes = append(p.outcomes, outcome)
	if p.limit > 0 && len(p.outcomes) > p.limit {
		p.outcomes = append([]search.Outcome(nil), p.outcomes[len(p.outcomes)-p.limit:]...)
	}
	return nil
}

// Outcomes returns the recorded outcomes, oldest first.
func (p *Publisher) Outcomes() []search.Outcome {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]search.Outcome, len(p.outcomes))
	copy(out, p.outcomes)
	return out
}

var _ search.OutcomeSink = (*Publisher)(nil)
