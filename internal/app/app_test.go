package app_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/askrelay/internal/app"
	"github.com/JakeFAU/askrelay/internal/config"
	memoryPublisher "github.com/JakeFAU/askrelay/internal/publisher/memory"
	"github.com/JakeFAU/askrelay/internal/search"
	memoryStorage "github.com/JakeFAU/askrelay/internal/storage/memory"
)

type stubSession struct {
	answer []string
}

func (s *stubSession) Route(search.RouteHandler) error                 { return nil }
func (s *stubSession) Unroute() error                                  { return nil }
func (s *stubSession) Navigate(context.Context, string) error          { return nil }
func (s *stubSession) Reload(context.Context) error                    { return nil }
func (s *stubSession) WaitFor(context.Context, string) error           { return nil }
func (s *stubSession) WaitVisible(context.Context, string) error       { return nil }
func (s *stubSession) Fill(context.Context, string, string) error      { return nil }
func (s *stubSession) Press(context.Context, string, string) error     { return nil }
func (s *stubSession) Texts(context.Context, string) ([]string, error) { return s.answer, nil }
func (s *stubSession) Close() error                                    { return nil }

type stubBrowser struct {
	answer []string
}

func (b *stubBrowser) NewSession(context.Context, search.Profile) (search.Session, error) {
	return &stubSession{answer: b.answer}, nil
}

func (b *stubBrowser) Close() error { return nil }

type stubLauncher struct {
	mu       sync.Mutex
	launches int
	answer   []string
}

func (l *stubLauncher) Launch(context.Context, search.Profile) (search.Browser, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.launches++
	return &stubBrowser{answer: l.answer}, nil
}

func (l *stubLauncher) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.launches
}

func testConfig() config.Config {
	return config.Config{
		Server: config.ServerConfig{Port: 8080},
		Orchestrator: config.OrchestratorConfig{
			TotalBudget:     2 * time.Second,
			MinAttempt:      100 * time.Millisecond,
			InitialParallel: 1,
			Parallel:        2,
			MaxRounds:       2,
			SearchTimeout:   5 * time.Second,
		},
		Workers: config.WorkersConfig{
			Count:         1,
			IdleRecycle:   time.Hour,
			NavTimeout:    time.Second,
			LaunchBackoff: 10 * time.Millisecond,
		},
		Browser: config.BrowserConfig{TargetURL: "https://alice.test/"},
		Cache:   config.CacheConfig{Backend: config.CacheMemory, WriteTimeout: time.Second},
	}
}

func TestSearchOnce(t *testing.T) {
	t.Parallel()

	launcher := &stubLauncher{answer: []string{" Sunny ", "", "Warm"}}
	sink := memoryPublisher.New(10)
	a, err := app.New(context.Background(), testConfig(), zap.NewNop(),
		app.WithLauncher(launcher),
		app.WithBlobStore(memoryStorage.NewBlobStore()),
		app.WithOutcomeSinks(sink),
	)
	require.NoError(t, err)
	defer a.Close()

	text, err := a.SearchOnce(context.Background(), "weather", true)
	require.NoError(t, err)
	require.Equal(t, "Sunny\n\nWarm", text)
	require.GreaterOrEqual(t, launcher.count(), 1)

	outcomes := sink.Outcomes()
	require.Len(t, outcomes, 1)
	require.True(t, outcomes[0].Success)
	require.Equal(t, "cli", outcomes[0].Origin)
}

func TestHandlerServesHealthRoutes(t *testing.T) {
	t.Parallel()

	a, err := app.New(context.Background(), testConfig(), zap.NewNop(), app.WithLauncher(&stubLauncher{}))
	require.NoError(t, err)
	defer a.Close()
	require.NotNil(t, a.Searcher())

	rec := httptest.NewRecorder()
	a.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	// No worker has launched yet.
	rec = httptest.NewRecorder()
	a.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestNewRejectsBadWiring(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.Cache.Backend = "memcached"
	_, err := app.New(context.Background(), cfg, zap.NewNop(), app.WithLauncher(&stubLauncher{}))
	require.ErrorContains(t, err, "unknown cache backend")

	cfg = testConfig()
	cfg.Regions.Proxies = map[string]string{"ZZ": "http://proxy:1"}
	_, err = app.New(context.Background(), cfg, zap.NewNop(), app.WithLauncher(&stubLauncher{}))
	require.ErrorContains(t, err, "region table")

	cfg = testConfig()
	cfg.Warmup = config.WarmupConfig{Enabled: true, Cron: "not a cron"}
	_, err = app.New(context.Background(), cfg, zap.NewNop(), app.WithLauncher(&stubLauncher{}))
	require.Error(t, err)
}
