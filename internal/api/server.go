// Package api exposes the HTTP interface for the search relay.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"regexp"
	"strings"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/askrelay/internal/metrics"
	"github.com/JakeFAU/askrelay/internal/orchestrator"
	"github.com/JakeFAU/askrelay/internal/search"
	"github.com/JakeFAU/askrelay/internal/worker"
)

var falseParam = regexp.MustCompile(`(?i)^(0|false)$`)

// Config controls the HTTP layer.
type Config struct {
	// AuthEnabled turns on API key checks for /search and /stats.
	AuthEnabled bool
	// RequestTimeout caps every request. Zero disables the cap.
	RequestTimeout time.Duration
	// SearchTimeout is the overall deadline given to one search. Zero lets
	// the orchestrator retry until the client goes away.
	SearchTimeout time.Duration
	// DumpLastResult, when set, is a file the last successful answer is
	// written to.
	DumpLastResult string
	// Limiter throttles /search per client. Nil disables throttling.
	Limiter ClientLimiter
}

// KeyValidator accepts or rejects API keys.
type KeyValidator interface {
	Valid(key string) bool
}

// ClientLimiter admits or rejects one request from client.
type ClientLimiter interface {
	Allow(client string) bool
}

// PoolStats reports the worker pool state.
type PoolStats interface {
	Stats() []worker.Stats
	// Pending is the number of jobs waiting for a free worker.
	Pending() int
}

// Server wires HTTP handlers to the orchestrator.
type Server struct {
	router   chi.Router
	searcher search.Searcher
	keys     KeyValidator
	pool     PoolStats
	cfg      Config
	logger   *zap.Logger

	success atomic.Uint64
	failure atomic.Uint64
}

// NewServer constructs a Server with middleware and routes. keys may be nil
// only when auth is disabled; pool may be nil.
func NewServer(searcher search.Searcher, keys KeyValidator, pool PoolStats, cfg Config, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		searcher: searcher,
		keys:     keys,
		pool:     pool,
		cfg:      cfg,
		logger:   logger.Named("api"),
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(s.logger))
	r.Use(recoverMiddleware(s.logger))
	r.Use(metrics.Middleware)
	if cfg.RequestTimeout > 0 {
		r.Use(timeoutMiddleware(cfg.RequestTimeout))
	}

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Group(func(r chi.Router) {
		if cfg.AuthEnabled {
			r.Use(apiKeyMiddleware(s.keys, s.logger))
		}
		r.With(rateLimitMiddleware(cfg.Limiter, s.logger)).Get("/search", s.search)
		r.Get("/stats", s.stats)
	})

	notFound := http.HandlerFunc(s.notFound)
	var fallback http.Handler = notFound
	if cfg.AuthEnabled {
		fallback = apiKeyMiddleware(s.keys, s.logger)(notFound)
	}
	r.NotFound(fallback.ServeHTTP)
	r.MethodNotAllowed(fallback.ServeHTTP)

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Counts returns the number of successful and failed searches served.
func (s *Server) Counts() (success, failure uint64) {
	return s.success.Load(), s.failure.Load()
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// readyz reports ready once at least one worker holds a browser.
func (s *Server) readyz(w http.ResponseWriter, _ *http.Request) {
	if s.pool == nil {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
		return
	}
	for _, st := range s.pool.Stats() {
		if st.Warm || st.Busy {
			writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
			return
		}
	}
	writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "starting"})
}

func (s *Server) stats(w http.ResponseWriter, _ *http.Request) {
	success, failure := s.Counts()
	payload := statsResponse{Success: success, Failure: failure}
	if s.pool != nil {
		payload.Workers = s.pool.Stats()
		payload.Queued = s.pool.Pending()
	}
	writeJSON(w, http.StatusOK, payload)
}

func (s *Server) search(w http.ResponseWriter, r *http.Request) {
	params := r.URL.Query()
	q := strings.TrimSpace(params.Get("q"))
	if q == "" {
		s.logger.Debug("request missing q", zap.String("raw_q", params.Get("q")))
		writeError(w, http.StatusBadRequest, "missing q")
		return
	}
	wantsExtra := wantsAIAnswer(params.Get("getAiAnswer"), params.Has("getAiAnswer"))

	ctx := orchestrator.WithOrigin(r.Context(), "api")
	if s.cfg.SearchTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.SearchTimeout)
		defer cancel()
	}

	s.logger.Debug("request received", zap.String("q", q), zap.Bool("get_ai_answer", wantsExtra))
	text, err := s.searcher.Search(ctx, q, wantsExtra)
	if err != nil {
		s.failure.Add(1)
		s.logger.Error("request failed", zap.String("q", q), zap.String("kind", search.Kind(err)), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal")
		return
	}
	s.success.Add(1)
	if text == "" {
		s.logger.Debug("request answered empty", zap.String("q", q), zap.Bool("get_ai_answer", wantsExtra))
	}
	s.dumpLast(text)

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte(text)); err != nil {
		s.logger.Debug("write response failed", zap.Error(err))
	}
}

func (s *Server) notFound(w http.ResponseWriter, r *http.Request) {
	s.logger.Debug("request unhandled", zap.String("method", r.Method), zap.String("path", r.URL.Path))
	w.WriteHeader(http.StatusNotFound)
}

func (s *Server) dumpLast(text string) {
	if s.cfg.DumpLastResult == "" {
		return
	}
	data, err := json.MarshalIndent(text, "", "\t")
	if err != nil {
		return
	}
	if err := os.WriteFile(s.cfg.DumpLastResult, data, 0o600); err != nil {
		s.logger.Warn("dump last result failed", zap.String("file", s.cfg.DumpLastResult), zap.Error(err))
	}
}

// wantsAIAnswer defaults to true; only "0" and "false" turn it off.
func wantsAIAnswer(raw string, present bool) bool {
	if !present {
		return true
	}
	return !falseParam.MatchString(raw)
}

type statsResponse struct {
	Success uint64         `json:"success"`
	Failure uint64         `json:"failure"`
	Queued  int            `json:"queued"`
	Workers []worker.Stats `json:"workers,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Error("write JSON failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
