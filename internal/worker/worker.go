// Package worker implements the browser-owning consumer loop of the pool.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/JakeFAU/askrelay/internal/clock/system"
	"github.com/JakeFAU/askrelay/internal/metrics"
	"github.com/JakeFAU/askrelay/internal/search"
)

const (
	defaultIdleRecycle   = 45 * time.Minute
	defaultWarmSettle    = 2 * time.Second
	defaultNavTimeout    = 15 * time.Second
	defaultLaunchBackoff = 2 * time.Second
)

// Config controls Worker behavior.
type Config struct {
	ID int
	// TargetURL is the origin the idle session is parked on.
	TargetURL string
	// IdleRecycle is how long the worker may sit without a job before the
	// idle session is reloaded. Zero disables the refresh timer.
	IdleRecycle time.Duration
	// WarmSettle is the pause after navigating the idle session.
	WarmSettle time.Duration
	// NavTimeout bounds idle navigation and reloads.
	NavTimeout time.Duration
	// LaunchBackoff paces repeated launch attempts after a failure.
	LaunchBackoff time.Duration
}

// Stats is a point-in-time view of one worker.
type Stats struct {
	ID         int       `json:"id"`
	Country    string    `json:"country"`
	Busy       bool      `json:"busy"`
	Warm       bool      `json:"warm"`
	Jobs       uint64    `json:"jobs"`
	Failures   uint64    `json:"failures"`
	Relaunches uint64    `json:"relaunches"`
	LastJobAt  time.Time `json:"last_job_at"`
}

// Worker consumes Jobs from the queue, one at a time, on a browser it owns.
type Worker struct {
	queue    search.Queue
	launcher search.Launcher
	regions  search.RegionPicker
	unit     search.ExecutionUnit
	clock    search.Clock
	cfg      Config
	logger   *zap.Logger
	limiter  *rate.Limiter

	mu         sync.Mutex
	runCtx     context.Context
	browser    search.Browser
	profile    search.Profile
	idle       search.Session
	generation uint64
	idleTimer  *time.Timer
	busy       bool
	closed     bool
	lastJobAt  time.Time
	jobs       uint64
	failures   uint64
	relaunches uint64
}

// New constructs a Worker.
func New(
	queue search.Queue,
	launcher search.Launcher,
	regions search.RegionPicker,
	unit search.ExecutionUnit,
	clock search.Clock,
	cfg Config,
	logger *zap.Logger,
) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if clock == nil {
		clock = system.New()
	}
	if cfg.IdleRecycle < 0 {
		cfg.IdleRecycle = 0
	}
	if cfg.WarmSettle < 0 {
		cfg.WarmSettle = 0
	}
	if cfg.NavTimeout <= 0 {
		cfg.NavTimeout = defaultNavTimeout
	}
	if cfg.LaunchBackoff <= 0 {
		cfg.LaunchBackoff = defaultLaunchBackoff
	}
	limiter := rate.NewLimiter(rate.Every(cfg.LaunchBackoff), 1)
	// Spend the initial token so the first retry after a failure waits.
	limiter.Allow()
	return &Worker{
		queue:    queue,
		launcher: launcher,
		regions:  regions,
		unit:     unit,
		clock:    clock,
		cfg:      cfg,
		logger:   logger.With(zap.Int("worker", cfg.ID)),
		limiter:  limiter,
	}
}

// DefaultConfig returns the production timings for worker id.
func DefaultConfig(id int, targetURL string) Config {
	return Config{
		ID:            id,
		TargetURL:     targetURL,
		IdleRecycle:   defaultIdleRecycle,
		WarmSettle:    defaultWarmSettle,
		NavTimeout:    defaultNavTimeout,
		LaunchBackoff: defaultLaunchBackoff,
	}
}

// Run blocks, consuming queue items until the context finishes or the
// queue is closed. The browser is released before Run returns.
func (w *Worker) Run(ctx context.Context) {
	w.mu.Lock()
	w.runCtx = ctx
	w.lastJobAt = w.clock.Now()
	w.mu.Unlock()
	defer w.shutdown()

	if err := w.ensureLaunched(ctx); err != nil {
		return
	}
	for {
		task, err := w.queue.Next(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, search.ErrQueueClosed) {
				return
			}
			w.logger.Error("queue next failed", zap.Error(err))
			continue
		}
		w.process(ctx, task)
		if err := w.ensureLaunched(ctx); err != nil {
			return
		}
	}
}

// Stats returns a snapshot of the worker state.
func (w *Worker) Stats() Stats {
	w.mu.Lock()
	defer w.mu.Unlock()
	return Stats{
		ID:         w.cfg.ID,
		Country:    w.profile.Country,
		Busy:       w.busy,
		Warm:       w.idle != nil,
		Jobs:       w.jobs,
		Failures:   w.failures,
		Relaunches: w.relaunches,
		LastJobAt:  w.lastJobAt,
	}
}

func (w *Worker) process(ctx context.Context, task search.Task) {
	job := task.Job
	logger := w.logger.With(zap.String("job_id", job.ID))
	w.beginJob()
	metrics.IncActiveWorkers()
	defer metrics.DecActiveWorkers()

	var (
		text string
		err  error
	)
	if job.Token.Cancelled() {
		err = fmt.Errorf("%w: job %s cancelled before start", search.ErrCancelled, job.ID)
		metrics.ObserveAttempt(search.Kind(err))
	} else {
		logger.Debug("worker_search_start", zap.String("country", w.currentProfile().Country), zap.String("q", job.Query))
		text, err = w.perform(ctx, job, logger)
	}

	if err != nil {
		task.Handle.Reject(err)
	} else {
		task.Handle.Resolve(text)
	}
	w.endJob(err)

	// Sessions never outlive a job: tear the browser down and bring up a
	// fresh one, in a new region, before taking more work.
	reason := "recycle"
	if err != nil {
		reason = search.Kind(err)
	}
	w.closeBrowser()
	w.countRelaunch(reason)
	if launchErr := w.launchOnce(ctx); launchErr != nil {
		logger.Error("worker_reset_error", zap.Error(launchErr))
	}
}

// perform runs the job, retrying once on a relaunched browser when the
// first attempt failed with an execution error.
func (w *Worker) perform(ctx context.Context, job search.Job, logger *zap.Logger) (string, error) {
	attemptCtx, cancel := context.WithCancel(job.Token.Context())
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	text, err := w.attempt(attemptCtx, job, true)
	if err == nil {
		logger.Debug("worker_search_ok", zap.Int("length", len(text)))
		return text, nil
	}
	if !retryable(err) {
		logger.Debug("worker_search_failed", zap.String("kind", search.Kind(err)), zap.Error(err))
		return "", err
	}

	logger.Warn("worker_search_error_relaunch", zap.Error(err))
	w.closeBrowser()
	w.countRelaunch("retry")
	if launchErr := w.launchOnce(ctx); launchErr != nil {
		return "", fmt.Errorf("relaunch after %v: %w", err, launchErr)
	}
	text, err = w.attempt(attemptCtx, job, false)
	if err != nil {
		logger.Error("worker_search_error_fail", zap.String("kind", search.Kind(err)), zap.Error(err))
		return "", err
	}
	logger.Debug("worker_search_ok_after_relaunch", zap.Int("length", len(text)))
	return text, nil
}

// retryable reports whether err permits one retry on a fresh browser.
func retryable(err error) bool {
	return errors.Is(err, search.ErrExecution) &&
		!errors.Is(err, search.ErrCancelled) &&
		!errors.Is(err, search.ErrAttemptTimeout) &&
		!errors.Is(err, search.ErrChallengeDetected)
}

// attempt runs job once. Opening a cold session counts against job.Timeout;
// the unit gets whatever budget is left.
func (w *Worker) attempt(ctx context.Context, job search.Job, useIdle bool) (string, error) {
	openCtx, cancelOpen := ctx, context.CancelFunc(func() {})
	if job.Timeout > 0 {
		openCtx, cancelOpen = context.WithTimeoutCause(ctx, job.Timeout, search.ErrAttemptTimeout)
	}
	session, warm, profile, err := w.session(openCtx, useIdle)
	if err != nil {
		err = search.Classify(openCtx, fmt.Errorf("open session: %w", err))
		cancelOpen()
		metrics.ObserveAttempt(search.Kind(err))
		return "", err
	}
	defer func() {
		if closeErr := session.Close(); closeErr != nil {
			w.logger.Debug("session close failed", zap.Error(closeErr))
		}
	}()

	timeout := job.Timeout
	if deadline, ok := openCtx.Deadline(); ok && job.Timeout > 0 {
		timeout = time.Until(deadline)
	}
	cancelOpen()
	if job.Timeout > 0 && timeout <= 0 {
		err = fmt.Errorf("%w: session open used the attempt budget", search.ErrAttemptTimeout)
		metrics.ObserveAttempt(search.Kind(err))
		return "", err
	}

	text, err := w.unit.Execute(ctx, session, search.Attempt{
		Profile:    profile,
		Query:      job.Query,
		Timeout:    timeout,
		WantsExtra: job.WantsExtra,
		Warm:       warm,
	})
	err = search.Classify(ctx, err)
	metrics.ObserveAttempt(search.Kind(err))
	return text, err
}

// session hands out the pre-warmed idle session when one is parked, or
// opens a fresh one on the current browser.
func (w *Worker) session(ctx context.Context, useIdle bool) (search.Session, bool, search.Profile, error) {
	w.mu.Lock()
	browser := w.browser
	profile := w.profile
	var idle search.Session
	if useIdle {
		idle = w.idle
		w.idle = nil
	}
	w.mu.Unlock()

	if idle != nil {
		if err := idle.Unroute(); err == nil {
			return idle, true, profile, nil
		}
		_ = idle.Close()
	}
	if browser == nil {
		return nil, false, profile, search.ErrLaunchFailure
	}
	session, err := browser.NewSession(ctx, profile)
	if err != nil {
		return nil, false, profile, err
	}
	return session, false, profile, nil
}

// ensureLaunched launches a browser if none is held, retrying at the launch
// backoff pace until it succeeds or ctx ends.
func (w *Worker) ensureLaunched(ctx context.Context) error {
	for {
		w.mu.Lock()
		up := w.browser != nil
		w.mu.Unlock()
		if up {
			return nil
		}
		err := w.launchOnce(ctx)
		if err == nil {
			return nil
		}
		w.logger.Error("worker_launch_error", zap.Error(err))
		if waitErr := w.limiter.Wait(ctx); waitErr != nil {
			return fmt.Errorf("launch backoff: %w", waitErr)
		}
	}
}

// launchOnce starts a browser under a freshly picked region and parks a
// warm idle session on it.
func (w *Worker) launchOnce(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %w", search.ErrLaunchFailure, err)
	}
	profile := w.regions.Pick()
	w.logger.Debug("worker_launch", zap.String("country", profile.Country))
	browser, err := w.launcher.Launch(ctx, profile)
	if err != nil {
		metrics.ObserveLaunchFailure()
		return fmt.Errorf("%w: %w", search.ErrLaunchFailure, err)
	}

	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		_ = browser.Close()
		return fmt.Errorf("%w: worker stopped", search.ErrLaunchFailure)
	}
	w.generation++
	gen := w.generation
	w.browser = browser
	w.profile = profile
	w.mu.Unlock()

	w.prepareIdle(ctx, browser, profile, gen)
	return nil
}

// prepareIdle opens a session, parks it on the target origin and routes all
// of its traffic to abort until a job claims it.
func (w *Worker) prepareIdle(ctx context.Context, browser search.Browser, profile search.Profile, gen uint64) {
	session, err := browser.NewSession(ctx, profile)
	if err != nil {
		w.logger.Warn("worker_idle_prepare_error", zap.Error(err))
		return
	}
	w.warm(ctx, session, func(navCtx context.Context) error {
		return session.Navigate(navCtx, w.cfg.TargetURL)
	})
	if err := session.Route(abortAll); err != nil {
		w.logger.Warn("worker_idle_prepare_error", zap.Error(err))
		_ = session.Close()
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed || w.generation != gen || w.idle != nil {
		_ = session.Close()
		return
	}
	w.idle = session
	if !w.busy {
		w.scheduleIdleRefreshLocked()
	}
}

// warm runs nav under the navigation timeout, ignoring its error, then
// waits for the page to settle.
func (w *Worker) warm(ctx context.Context, session search.Session, nav func(context.Context) error) {
	if w.cfg.TargetURL != "" {
		navCtx, cancel := context.WithTimeout(ctx, w.cfg.NavTimeout)
		if err := nav(navCtx); err != nil {
			w.logger.Debug("worker_idle_navigate_error", zap.Error(err))
		}
		cancel()
	}
	if w.cfg.WarmSettle > 0 {
		timer := time.NewTimer(w.cfg.WarmSettle)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
		}
	}
}

func abortAll(route search.Route) {
	_ = route.Abort()
}

func (w *Worker) scheduleIdleRefreshLocked() {
	if w.cfg.IdleRecycle <= 0 {
		return
	}
	if w.idleTimer != nil {
		w.idleTimer.Stop()
	}
	w.idleTimer = time.AfterFunc(w.cfg.IdleRecycle, w.refreshIdle)
}

func (w *Worker) stopIdleRefreshLocked() {
	if w.idleTimer != nil {
		w.idleTimer.Stop()
		w.idleTimer = nil
	}
}

// refreshIdle reloads the parked session once the worker has been without
// a job for IdleRecycle, then re-arms the timer.
func (w *Worker) refreshIdle() {
	w.mu.Lock()
	if w.closed || w.busy || w.idle == nil || w.runCtx == nil || w.runCtx.Err() != nil {
		w.mu.Unlock()
		return
	}
	if w.clock.Now().Sub(w.lastJobAt) < w.cfg.IdleRecycle {
		w.scheduleIdleRefreshLocked()
		w.mu.Unlock()
		return
	}
	session := w.idle
	w.idle = nil
	gen := w.generation
	ctx := w.runCtx
	w.mu.Unlock()

	result := "ok"
	if err := session.Unroute(); err != nil {
		result = "error"
		w.logger.Warn("worker_idle_reload_error", zap.Error(err))
	}
	w.warm(ctx, session, session.Reload)
	if err := session.Route(abortAll); err != nil {
		result = "error"
		w.logger.Warn("worker_idle_reload_error", zap.Error(err))
	}
	metrics.ObserveIdleRefresh(result)
	w.logger.Debug("worker_idle_reload", zap.String("result", result))

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed || w.generation != gen || w.idle != nil {
		_ = session.Close()
		return
	}
	w.idle = session
	if !w.busy {
		w.scheduleIdleRefreshLocked()
	}
}

func (w *Worker) beginJob() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.busy = true
	w.lastJobAt = w.clock.Now()
	w.stopIdleRefreshLocked()
}

func (w *Worker) endJob(err error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.busy = false
	w.jobs++
	if err != nil {
		w.failures++
	}
}

func (w *Worker) countRelaunch(reason string) {
	metrics.ObserveRelaunch(reason)
	w.mu.Lock()
	w.relaunches++
	w.mu.Unlock()
	w.logger.Debug("worker_relaunch", zap.String("reason", reason))
}

func (w *Worker) currentProfile() search.Profile {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.profile
}

// closeBrowser releases the idle session and the browser.
func (w *Worker) closeBrowser() {
	w.mu.Lock()
	w.stopIdleRefreshLocked()
	idle := w.idle
	browser := w.browser
	w.idle = nil
	w.browser = nil
	w.mu.Unlock()

	if idle != nil {
		if err := idle.Close(); err != nil {
			w.logger.Debug("idle session close failed", zap.Error(err))
		}
	}
	if browser != nil {
		if err := browser.Close(); err != nil {
			w.logger.Debug("browser close failed", zap.Error(err))
		}
	}
}

func (w *Worker) shutdown() {
	w.closeBrowser()
	w.mu.Lock()
	w.closed = true
	w.mu.Unlock()
	// A launch racing with shutdown may have installed a browser after the
	// first close.
	w.closeBrowser()
}
