// Package app builds the relay's long-lived services from configuration and
// runs them together.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	gstorage "cloud.google.com/go/storage"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/askrelay/internal/api"
	"github.com/JakeFAU/askrelay/internal/auth"
	"github.com/JakeFAU/askrelay/internal/browser/chromedp"
	"github.com/JakeFAU/askrelay/internal/cache"
	"github.com/JakeFAU/askrelay/internal/clock/system"
	"github.com/JakeFAU/askrelay/internal/config"
	"github.com/JakeFAU/askrelay/internal/dispatcher"
	"github.com/JakeFAU/askrelay/internal/execution/alice"
	"github.com/JakeFAU/askrelay/internal/id/uuid"
	"github.com/JakeFAU/askrelay/internal/orchestrator"
	"github.com/JakeFAU/askrelay/internal/policy/ratelimit"
	pubsubpublisher "github.com/JakeFAU/askrelay/internal/publisher/pubsub"
	queueMemory "github.com/JakeFAU/askrelay/internal/queue/memory"
	"github.com/JakeFAU/askrelay/internal/region"
	"github.com/JakeFAU/askrelay/internal/search"
	"github.com/JakeFAU/askrelay/internal/storage"
	gcsStorage "github.com/JakeFAU/askrelay/internal/storage/gcs"
	localStorage "github.com/JakeFAU/askrelay/internal/storage/local"
	memoryStorage "github.com/JakeFAU/askrelay/internal/storage/memory"
	"github.com/JakeFAU/askrelay/internal/storage/postgres"
	redisStorage "github.com/JakeFAU/askrelay/internal/storage/redis"
	"github.com/JakeFAU/askrelay/internal/warmup"
	"github.com/JakeFAU/askrelay/internal/worker"
)

const shutdownTimeout = 10 * time.Second

// App holds every long-lived service of the process.
type App struct {
	cfg          config.Config
	logger       *zap.Logger
	queue        *queueMemory.Queue
	cache        *cache.Cache
	pool         *dispatcher.Dispatcher
	orchestrator *orchestrator.Orchestrator
	warmup       *warmup.Scheduler
	server       *api.Server
	closers      []func()
}

type options struct {
	launcher search.Launcher
	store    storage.BlobStore
	sinks    []search.OutcomeSink
}

// Option overrides a dependency New would otherwise build from config.
type Option func(*options)

// WithLauncher replaces the Chrome launcher.
func WithLauncher(l search.Launcher) Option {
	return func(o *options) { o.launcher = l }
}

// WithBlobStore replaces the cache backend selected by cache.backend.
func WithBlobStore(s storage.BlobStore) Option {
	return func(o *options) { o.store = s }
}

// WithOutcomeSinks adds sinks on top of the journal and Pub/Sub publisher.
func WithOutcomeSinks(sinks ...search.OutcomeSink) Option {
	return func(o *options) { o.sinks = append(o.sinks, sinks...) }
}

// New wires the application. Optional backends (journal, Pub/Sub) are only
// connected when configured.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger, opts ...Option) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	a := &App{cfg: cfg, logger: logger}

	store := o.store
	if store == nil {
		var err error
		store, err = a.buildBlobStore(ctx)
		if err != nil {
			a.Close()
			return nil, err
		}
	}
	a.cache = cache.New(store, logger.Named("cache"), cache.Config{WriteTimeout: cfg.Cache.WriteTimeout})

	regions, err := region.New(cfg.Regions.Table, cfg.Regions.Proxies)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("build region table: %w", err)
	}

	launcher := o.launcher
	if launcher == nil {
		launcher = chromedp.NewLauncher(chromedp.Config{
			Headless:   cfg.Browser.Headless,
			ExecPath:   cfg.Browser.ExecPath,
			UserAgent:  cfg.Browser.UserAgent,
			ExtraFlags: cfg.Browser.ExtraFlags,
		}, logger)
	}

	unit := alice.New(a.cache, alice.Config{TargetURL: cfg.Browser.TargetURL}, logger)
	clock := system.New()
	a.queue = queueMemory.NewQueue()
	a.pool = dispatcher.Build(a.queue, cfg.Workers.Count, func(id int) *worker.Worker {
		return worker.New(a.queue, launcher, regions, unit, clock, worker.Config{
			ID:            id,
			TargetURL:     cfg.Browser.TargetURL,
			IdleRecycle:   cfg.Workers.IdleRecycle,
			WarmSettle:    cfg.Workers.WarmSettle,
			NavTimeout:    cfg.Workers.NavTimeout,
			LaunchBackoff: cfg.Workers.LaunchBackoff,
		}, logger.Named("worker"))
	})

	sinks, err := a.buildSinks(ctx)
	if err != nil {
		a.Close()
		return nil, err
	}
	sinks = append(sinks, o.sinks...)

	a.orchestrator = orchestrator.New(a.queue, uuid.New(), clock, logger, orchestrator.Config{
		TotalBudget:     cfg.Orchestrator.TotalBudget,
		MinAttempt:      cfg.Orchestrator.MinAttempt,
		InitialParallel: cfg.Orchestrator.InitialParallel,
		Parallel:        cfg.Orchestrator.Parallel,
		MaxRounds:       cfg.Orchestrator.MaxRounds,
	}, sinks...)

	if cfg.Warmup.Enabled {
		a.warmup, err = warmup.New(a.orchestrator, warmup.Config{
			Query:      cfg.Warmup.Query,
			WantsExtra: cfg.Warmup.WantsExtra,
			Interval:   cfg.Warmup.Interval,
			Cron:       cfg.Warmup.Cron,
			RunOnStart: cfg.Warmup.RunOnStart,
		}, clock, logger)
		if err != nil {
			a.Close()
			return nil, err
		}
	}

	var keys api.KeyValidator
	if cfg.Auth.Enabled {
		keyring := auth.New(auth.Config{Keys: cfg.Auth.APIKeys, File: cfg.Auth.KeysFile}, logger)
		if keyring.Size() == 0 {
			logger.Warn("auth enabled without any api keys; every request will be rejected")
		}
		keys = keyring
	}
	apiCfg := api.Config{
		AuthEnabled:    cfg.Auth.Enabled,
		RequestTimeout: cfg.Server.RequestTimeout,
		SearchTimeout:  cfg.Orchestrator.SearchTimeout,
		DumpLastResult: cfg.Server.DumpLastResult,
	}
	if limiter := ratelimit.New(ratelimit.Config{
		RPS:   cfg.Server.RateLimitRPS,
		Burst: cfg.Server.RateLimitBurst,
	}); limiter.Enabled() {
		apiCfg.Limiter = limiter
	}
	a.server = api.NewServer(a.orchestrator, keys, a.pool, apiCfg, logger)

	return a, nil
}

// Handler exposes the HTTP handler, mainly for tests.
func (a *App) Handler() http.Handler {
	return a.server.Handler()
}

// Searcher is the orchestrator behind the front end.
func (a *App) Searcher() search.Searcher {
	return a.orchestrator
}

// Serve runs the worker pool, the warmup scheduler and the HTTP server
// until ctx ends or one of them fails, then shuts everything down.
func (a *App) Serve(ctx context.Context) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.server.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	// The pool outlives gctx so requests still in flight during
	// srv.Shutdown keep their workers.
	poolCtx, stopPool := context.WithCancel(context.WithoutCancel(ctx))
	defer stopPool()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.logger.Info("dispatcher started", zap.Int("workers", a.pool.Size()))
		a.pool.Run(poolCtx)
		return nil
	})
	if a.warmup != nil {
		g.Go(func() error {
			a.warmup.Run(gctx)
			return nil
		})
	}
	g.Go(func() error {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		a.logger.Info("shutdown initiated")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			a.logger.Error("server shutdown error", zap.Error(err))
		}
		stopPool()
		a.queue.Close()
		return nil
	})

	err := g.Wait()
	a.drain()
	a.logger.Info("shutdown complete")
	return err
}

// SearchOnce starts the pool, runs a single search and stops the pool.
func (a *App) SearchOnce(ctx context.Context, query string, wantsExtra bool) (string, error) {
	poolCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		a.pool.Run(poolCtx)
	}()

	searchCtx := ctx
	if timeout := a.cfg.Orchestrator.SearchTimeout; timeout > 0 {
		var stop context.CancelFunc
		searchCtx, stop = context.WithTimeout(ctx, timeout)
		defer stop()
	}
	text, err := a.orchestrator.Search(orchestrator.WithOrigin(searchCtx, "cli"), query, wantsExtra)

	cancel()
	a.queue.Close()
	<-done
	a.drain()
	return text, err
}

// drain waits for outcome records and cache writes still in flight.
func (a *App) drain() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := a.orchestrator.Wait(ctx); err != nil {
		a.logger.Warn("outcome sinks did not drain", zap.Error(err))
	}
	if err := a.cache.Flush(ctx); err != nil {
		a.logger.Warn("cache writes did not drain", zap.Error(err))
	}
}

// Close releases backend connections.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

func (a *App) buildBlobStore(ctx context.Context) (storage.BlobStore, error) {
	cfg := a.cfg.Cache
	switch cfg.Backend {
	case "", config.CacheMemory:
		return memoryStorage.NewBlobStore(), nil
	case config.CacheLocal:
		store, err := localStorage.New(localStorage.Config{BaseDir: cfg.Local.BaseDir})
		if err != nil {
			return nil, fmt.Errorf("init local cache store: %w", err)
		}
		return store, nil
	case config.CacheRedis:
		store, err := redisStorage.New(ctx, redisStorage.Config{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			Prefix:   cfg.Redis.Prefix,
			TTL:      cfg.Redis.TTL,
		})
		if err != nil {
			return nil, fmt.Errorf("init redis cache store: %w", err)
		}
		a.closers = append(a.closers, func() {
			if err := store.Close(); err != nil {
				a.logger.Warn("close redis failed", zap.Error(err))
			}
		})
		return store, nil
	case config.CacheGCS:
		client, err := gstorage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("create gcs client: %w", err)
		}
		a.closers = append(a.closers, func() { _ = client.Close() })
		store, err := gcsStorage.New(client, gcsStorage.Config{Bucket: cfg.GCS.Bucket, Prefix: cfg.GCS.Prefix})
		if err != nil {
			return nil, fmt.Errorf("init gcs cache store: %w", err)
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unknown cache backend %q", cfg.Backend)
	}
}

func (a *App) buildSinks(ctx context.Context) ([]search.OutcomeSink, error) {
	var sinks []search.OutcomeSink
	if dsn := a.cfg.Database.DSN; dsn != "" {
		journal, err := postgres.NewJournal(ctx, postgres.JournalConfig{
			DSN:             dsn,
			Table:           a.cfg.Database.JournalTable,
			MaxConns:        a.cfg.Database.MaxConns,
			MinConns:        a.cfg.Database.MinConns,
			MaxConnLifetime: a.cfg.Database.MaxConnLifetime,
		})
		if err != nil {
			return nil, fmt.Errorf("init search journal: %w", err)
		}
		a.closers = append(a.closers, journal.Close)
		if err := journal.EnsureSchema(ctx); err != nil {
			return nil, err
		}
		sinks = append(sinks, journal)
	}
	if a.cfg.PubSub.ProjectID != "" {
		publisher, release, err := pubsubpublisher.Connect(ctx, a.cfg.PubSub.ProjectID, a.cfg.PubSub.TopicName)
		if err != nil {
			return nil, fmt.Errorf("init pubsub publisher: %w", err)
		}
		a.closers = append(a.closers, release)
		sinks = append(sinks, publisher)
	}
	return sinks, nil
}
