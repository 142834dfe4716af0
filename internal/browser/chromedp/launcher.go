// Package chromedp drives headless Chrome through the DevTools protocol and
// exposes it as search.Launcher, search.Browser and search.Session.
package chromedp

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/JakeFAU/askrelay/internal/search"
)

const defaultFetchTimeout = 30 * time.Second

// Viewport is the emulated device screen.
type Viewport struct {
	Width  int64
	Height int64
	Scale  float64
	Mobile bool
}

// MobileViewport is the small touch screen every session emulates by default.
var MobileViewport = Viewport{Width: 360, Height: 640, Scale: 1, Mobile: true}

// Config controls how browsers are launched.
type Config struct {
	Headless   bool
	ExecPath   string
	UserAgent  string
	ExtraFlags []string
	Viewport   Viewport
	// FetchTimeout bounds live sub-resource fetches made on behalf of routes.
	FetchTimeout time.Duration
}

// Launcher starts one Chrome process per Launch call.
type Launcher struct {
	cfg    Config
	logger *zap.Logger
}

// NewLauncher creates a Launcher.
func NewLauncher(cfg Config, logger *zap.Logger) *Launcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Viewport.Width == 0 || cfg.Viewport.Height == 0 {
		cfg.Viewport = MobileViewport
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = defaultFetchTimeout
	}
	return &Launcher{cfg: cfg, logger: logger.Named("chromedp")}
}

// Launch starts Chrome for profile and waits until it accepts commands.
func (l *Launcher) Launch(ctx context.Context, profile search.Profile) (search.Browser, error) {
	client, err := newHTTPClient(profile.Proxy, l.cfg.FetchTimeout)
	if err != nil {
		return nil, err
	}

	allocatorCtx, allocatorCancel := chromedp.NewExecAllocator(context.Background(), l.allocatorOptions(profile)...)
	browserCtx, browserCancel := chromedp.NewContext(allocatorCtx)

	stopForward := forwardCancel(ctx, browserCancel)
	err = chromedp.Run(browserCtx)
	stopForward()
	if err != nil {
		browserCancel()
		allocatorCancel()
		return nil, fmt.Errorf("chromedp warmup: %w", err)
	}

	l.logger.Debug("browser launched", zap.String("country", profile.Country), zap.Bool("proxy", profile.Proxy != ""))
	return &Browser{
		ctx:             browserCtx,
		cancel:          browserCancel,
		allocatorCancel: allocatorCancel,
		cfg:             l.cfg,
		client:          client,
		logger:          l.logger.With(zap.String("country", profile.Country)),
	}, nil
}

func (l *Launcher) allocatorOptions(profile search.Profile) []chromedp.ExecAllocatorOption {
	opts := append([]chromedp.ExecAllocatorOption(nil), chromedp.DefaultExecAllocatorOptions[:]...)
	if l.cfg.Headless {
		opts = append(opts, chromedp.Flag("headless", "new"))
	} else {
		opts = append(opts, chromedp.Flag("headless", false))
	}
	opts = append(opts,
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
		chromedp.Flag("ignore-certificate-errors", true),
		chromedp.WindowSize(int(l.cfg.Viewport.Width), int(l.cfg.Viewport.Height)),
	)
	if profile.Locale != "" {
		opts = append(opts, chromedp.Flag("lang", profile.Locale))
	}
	if profile.Proxy != "" {
		opts = append(opts, chromedp.ProxyServer(profile.Proxy))
	}
	if l.cfg.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(l.cfg.ExecPath))
	}
	if l.cfg.UserAgent != "" {
		opts = append(opts, chromedp.UserAgent(l.cfg.UserAgent))
	}
	for _, raw := range l.cfg.ExtraFlags {
		if name, value, ok := parseFlag(raw); ok {
			opts = append(opts, chromedp.Flag(name, value))
		}
	}
	return opts
}

// parseFlag turns "--name=value" or "name" into a chromedp flag pair.
func parseFlag(raw string) (string, any, bool) {
	raw = strings.TrimLeft(strings.TrimSpace(raw), "-")
	if raw == "" {
		return "", nil, false
	}
	name, value, hasValue := strings.Cut(raw, "=")
	if !hasValue {
		return name, true, true
	}
	return name, value, true
}

func newHTTPClient(proxy string, timeout time.Duration) (*http.Client, error) {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	// #nosec G402 -- sessions ignore certificate errors, fetches made on their behalf match.
	transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	if proxy != "" {
		proxyURL, err := url.Parse(proxy)
		if err != nil {
			return nil, fmt.Errorf("parse proxy url: %w", err)
		}
		transport.Proxy = http.ProxyURL(proxyURL)
	}
	return &http.Client{
		Transport: transport,
		Timeout:   timeout,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}, nil
}

// Browser is one running Chrome process.
type Browser struct {
	ctx             context.Context
	cancel          context.CancelFunc
	allocatorCancel context.CancelFunc
	cfg             Config
	client          *http.Client
	logger          *zap.Logger

	closeOnce sync.Once
	closeErr  error
}

// NewSession opens a tab in a fresh browser context configured for profile.
func (b *Browser) NewSession(ctx context.Context, profile search.Profile) (search.Session, error) {
	if err := b.ctx.Err(); err != nil {
		return nil, fmt.Errorf("browser closed: %w", err)
	}
	tabCtx, tabCancel := chromedp.NewContext(b.ctx, chromedp.WithNewBrowserContext())
	session := newSession(tabCtx, tabCancel, b.client, b.logger)
	chromedp.ListenTarget(tabCtx, session.onEvent)

	stopForward := forwardCancel(ctx, tabCancel)
	err := chromedp.Run(tabCtx, setupActions(profile, b.cfg)...)
	stopForward()
	if err != nil {
		tabCancel()
		return nil, fmt.Errorf("session setup: %w", err)
	}
	return session, nil
}

// Close shuts Chrome down and releases the allocator.
func (b *Browser) Close() error {
	b.closeOnce.Do(func() {
		if err := chromedp.Cancel(b.ctx); err != nil && !errors.Is(err, context.Canceled) {
			b.closeErr = fmt.Errorf("close browser: %w", err)
		}
		b.cancel()
		b.allocatorCancel()
		b.client.CloseIdleConnections()
	})
	return b.closeErr
}

// forwardCancel calls cancel when parent ends, until the returned stop
// function is invoked.
func forwardCancel(parent context.Context, cancel context.CancelFunc) func() {
	if parent == nil {
		return func() {}
	}
	done := make(chan struct{})
	go func() {
		select {
		case <-parent.Done():
			cancel()
		case <-done:
		}
	}()
	return func() { close(done) }
}
