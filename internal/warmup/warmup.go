// Package warmup periodically runs a throwaway search so that worker
// browsers and the response cache stay hot between user queries.
package warmup

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gorhill/cronexpr"
	"go.uber.org/zap"

	"github.com/JakeFAU/askrelay/internal/clock/system"
	"github.com/JakeFAU/askrelay/internal/metrics"
	"github.com/JakeFAU/askrelay/internal/orchestrator"
	"github.com/JakeFAU/askrelay/internal/search"
)

const (
	// DefaultQuery is sent when Config.Query is empty.
	DefaultQuery    = "cache warmup"
	defaultInterval = time.Hour
)

// Config controls the warmup schedule.
type Config struct {
	Query      string
	WantsExtra bool
	// Interval between runs. Ignored when Cron is set.
	Interval time.Duration
	// Cron is an optional cron expression that takes precedence over Interval.
	Cron       string
	RunOnStart bool
	// Timeout bounds a single run. Defaults to the interval.
	Timeout time.Duration
}

// Schedule yields the next activation time after from.
type Schedule interface {
	Next(from time.Time) time.Time
}

type every time.Duration

func (e every) Next(from time.Time) time.Time {
	return from.Add(time.Duration(e))
}

// ParseSchedule builds a Schedule from cfg.
func ParseSchedule(cfg Config) (Schedule, error) {
	if cfg.Cron != "" {
		expr, err := cronexpr.Parse(cfg.Cron)
		if err != nil {
			return nil, fmt.Errorf("parse warmup cron %q: %w", cfg.Cron, err)
		}
		return expr, nil
	}
	if cfg.Interval < 0 {
		return nil, errors.New("warmup interval must not be negative")
	}
	if cfg.Interval == 0 {
		return every(defaultInterval), nil
	}
	return every(cfg.Interval), nil
}

// Scheduler fires warmup searches on a Schedule.
type Scheduler struct {
	searcher search.Searcher
	schedule Schedule
	cfg      Config
	clock    search.Clock
	logger   *zap.Logger
}

// New creates a Scheduler. A nil clock uses the system clock.
func New(searcher search.Searcher, cfg Config, clock search.Clock, logger *zap.Logger) (*Scheduler, error) {
	schedule, err := ParseSchedule(cfg)
	if err != nil {
		return nil, err
	}
	if cfg.Query == "" {
		cfg.Query = DefaultQuery
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = cfg.Interval
		if cfg.Timeout <= 0 {
			cfg.Timeout = defaultInterval
		}
	}
	if clock == nil {
		clock = system.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		searcher: searcher,
		schedule: schedule,
		cfg:      cfg,
		clock:    clock,
		logger:   logger.Named("warmup"),
	}, nil
}

// Run blocks until ctx ends, firing a warmup at every scheduled instant.
// Runs never overlap.
func (s *Scheduler) Run(ctx context.Context) {
	if s.cfg.RunOnStart {
		_ = s.RunOnce(ctx)
	}
	for {
		now := s.clock.Now()
		next := s.schedule.Next(now)
		if next.IsZero() {
			s.logger.Warn("warmup schedule has no future activation")
			return
		}
		timer := time.NewTimer(next.Sub(now))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
		_ = s.RunOnce(ctx)
	}
}

// RunOnce performs a single warmup search. The error is returned for
// callers that care; Run only logs and counts it.
func (s *Scheduler) RunOnce(ctx context.Context) error {
	runCtx, cancel := context.WithTimeout(orchestrator.WithOrigin(ctx, "warmup"), s.cfg.Timeout)
	defer cancel()

	started := s.clock.Now()
	text, err := s.searcher.Search(runCtx, s.cfg.Query, s.cfg.WantsExtra)
	if err != nil {
		if ctx.Err() != nil {
			metrics.ObserveWarmup("cancelled")
			return err
		}
		metrics.ObserveWarmup("error")
		s.logger.Warn("cache warmup failed", zap.Error(err))
		return err
	}
	metrics.ObserveWarmup("ok")
	s.logger.Info("cache warmup done",
		zap.Int("text_len", len(text)),
		zap.Duration("duration", s.clock.Now().Sub(started)),
	)
	return nil
}
