// Package orchestrator turns one logical search into rounds of hedged,
// cancellable queue submissions.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/askrelay/internal/clock/system"
	"github.com/JakeFAU/askrelay/internal/metrics"
	"github.com/JakeFAU/askrelay/internal/search"
)

const (
	defaultTotalBudget     = 36 * time.Second
	defaultMinAttempt      = time.Second
	defaultInitialParallel = 1
	defaultParallel        = 2
	sinkTimeout            = 5 * time.Second
)

// Config controls round sizing and attempt deadlines.
type Config struct {
	// TotalBudget is divided by four to get the per-attempt deadline.
	TotalBudget time.Duration
	// MinAttempt floors the per-attempt deadline.
	MinAttempt time.Duration
	// InitialParallel is the number of attempts issued in round 0.
	InitialParallel int
	// Parallel is the number of attempts issued in every later round.
	Parallel int
	// MaxRounds caps the retry loop. Zero means rounds continue until ctx ends.
	MaxRounds int
}

// Orchestrator is the public entry point for searches.
type Orchestrator struct {
	queue  search.Queue
	ids    search.IDGenerator
	clock  search.Clock
	logger *zap.Logger
	sinks  []search.OutcomeSink

	attemptTimeout  time.Duration
	initialParallel int
	parallel        int
	maxRounds       int

	sinkWG sync.WaitGroup
}

// New builds an Orchestrator submitting to queue.
func New(
	queue search.Queue,
	ids search.IDGenerator,
	clock search.Clock,
	logger *zap.Logger,
	cfg Config,
	sinks ...search.OutcomeSink,
) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if clock == nil {
		clock = system.New()
	}
	total := cfg.TotalBudget
	if total <= 0 {
		total = defaultTotalBudget
	}
	floor := cfg.MinAttempt
	if floor <= 0 {
		floor = defaultMinAttempt
	}
	initial := cfg.InitialParallel
	if initial <= 0 {
		initial = defaultInitialParallel
	}
	parallel := cfg.Parallel
	if parallel <= 0 {
		parallel = defaultParallel
	}
	// Escalation never goes below the opening round.
	if parallel < initial {
		parallel = initial
	}
	return &Orchestrator{
		queue:           queue,
		ids:             ids,
		clock:           clock,
		logger:          logger.Named("orchestrator"),
		sinks:           sinks,
		attemptTimeout:  max(floor, total/4),
		initialParallel: initial,
		parallel:        parallel,
		maxRounds:       cfg.MaxRounds,
	}
}

// AttemptTimeout is the deadline carried by every Job.
func (o *Orchestrator) AttemptTimeout() time.Duration {
	return o.attemptTimeout
}

// Parallelism returns the number of hedged attempts issued in round.
func (o *Orchestrator) Parallelism(round int) int {
	if round == 0 {
		return o.initialParallel
	}
	return o.parallel
}

type originKey struct{}

// WithOrigin tags ctx with the caller kind ("api", "warmup", "cli") used in
// metrics and outcome records.
func WithOrigin(ctx context.Context, origin string) context.Context {
	return context.WithValue(ctx, originKey{}, origin)
}

func originFrom(ctx context.Context) string {
	if origin, ok := ctx.Value(originKey{}).(string); ok && origin != "" {
		return origin
	}
	return "api"
}

// Search runs rounds until one succeeds, ctx ends or MaxRounds is reached.
func (o *Orchestrator) Search(ctx context.Context, query string, wantsExtra bool) (string, error) {
	outcome := search.Outcome{
		ID:         o.newID(),
		Query:      query,
		WantsExtra: wantsExtra,
		Origin:     originFrom(ctx),
		StartedAt:  o.clock.Now(),
	}
	logger := o.logger.With(zap.String("search_id", outcome.ID), zap.String("origin", outcome.Origin))

	var lastErr error
	for round := 0; o.maxRounds <= 0 || round < o.maxRounds; round++ {
		if err := ctx.Err(); err != nil {
			lastErr = fmt.Errorf("%w: search abandoned before round %d: %w", search.ErrCancelled, round, err)
			break
		}
		p := o.Parallelism(round)
		outcome.Rounds++
		outcome.Attempts += p

		text, err := o.round(ctx, outcome.ID, round, p, query, wantsExtra)
		if err == nil {
			logger.Debug("search_ok", zap.Int("round", round), zap.Int("parallel", p))
			o.finish(ctx, outcome, text, nil)
			return text, nil
		}
		lastErr = err
		logger.Debug("search_round_failed", zap.Int("round", round), zap.Int("parallel", p), zap.Error(err))
		if errors.Is(err, search.ErrQueueClosed) {
			// No worker will ever take another job.
			break
		}
	}
	if ctx.Err() != nil && !search.IsCancelled(lastErr) {
		lastErr = fmt.Errorf("%w: %w", search.ErrCancelled, lastErr)
	}
	o.finish(ctx, outcome, "", lastErr)
	return "", lastErr
}

type contender struct {
	index int
	text  string
	err   error
}

// round enqueues p Jobs and waits for the first success, or for every Job
// to fail. All tokens are cancelled before it returns.
func (o *Orchestrator) round(ctx context.Context, searchID string, round, p int, query string, wantsExtra bool) (string, error) {
	tokens := make([]*search.CancelToken, p)
	results := make(chan contender, p)
	defer func() {
		for _, tok := range tokens {
			tok.Cancel()
		}
	}()

	for i := range p {
		tok := search.NewCancelToken(ctx)
		tokens[i] = tok
		handle := o.queue.Enqueue(search.Job{
			ID:         fmt.Sprintf("%s-r%d-%d", searchID, round, i),
			Query:      query,
			Timeout:    o.attemptTimeout,
			WantsExtra: wantsExtra,
			Token:      tok,
			Submitted:  o.clock.Now(),
		})
		go func(index int) {
			text, err := handle.Wait(ctx)
			results <- contender{index: index, text: text, err: err}
		}(i)
	}

	errs := make([]error, 0, p)
	for range p {
		res := <-results
		if res.err == nil {
			for j, tok := range tokens {
				if j != res.index {
					tok.Cancel()
				}
			}
			return res.text, nil
		}
		errs = append(errs, res.err)
	}
	return "", fmt.Errorf("%w: round %d: %w", search.ErrRoundFailed, round, errors.Join(errs...))
}

func (o *Orchestrator) finish(ctx context.Context, outcome search.Outcome, text string, err error) {
	outcome.FinishedAt = o.clock.Now()
	outcome.Success = err == nil
	outcome.AnswerLen = len(text)
	result := "success"
	if err != nil {
		outcome.Error = err.Error()
		result = "failure"
	}
	metrics.ObserveSearch(outcome.Origin, result, outcome.Rounds, outcome.Duration())

	if len(o.sinks) == 0 {
		return
	}
	sinkCtx := context.WithoutCancel(ctx)
	for _, sink := range o.sinks {
		o.sinkWG.Add(1)
		go func(sink search.OutcomeSink) {
			defer o.sinkWG.Done()
			recordCtx, cancel := context.WithTimeout(sinkCtx, sinkTimeout)
			defer cancel()
			if err := sink.Record(recordCtx, outcome); err != nil {
				o.logger.Warn("outcome_record_failed", zap.String("search_id", outcome.ID), zap.Error(err))
			}
		}(sink)
	}
}

// Wait blocks until pending outcome records are written or ctx ends.
func (o *Orchestrator) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		o.sinkWG.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("wait for outcome sinks: %w", ctx.Err())
	}
}

func (o *Orchestrator) newID() string {
	if o.ids == nil {
		return "search"
	}
	id, err := o.ids.NewID()
	if err != nil {
		o.logger.Warn("search_id_failed", zap.Error(err))
		return "search"
	}
	return id
}
