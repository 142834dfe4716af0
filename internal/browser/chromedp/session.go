package chromedp

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/fetch"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/security"
	"github.com/chromedp/chromedp"
	"github.com/chromedp/chromedp/kb"
	"go.uber.org/zap"

	"github.com/JakeFAU/askrelay/internal/search"
)

// stealthScript hides the most common automation markers from page scripts.
const stealthScript = `(() => {
  try { delete Object.getPrototypeOf(navigator).webdriver } catch (e) {}
  Object.defineProperty(navigator, 'webdriver', { get: () => undefined, configurable: true });
  Object.defineProperty(navigator, 'hardwareConcurrency', { get: () => 8 });
  window.chrome = window.chrome || { runtime: {}, loadTimes: () => ({}), csi: () => ({}) };
})()`

func setupActions(profile search.Profile, cfg Config) []chromedp.Action {
	vp := cfg.Viewport
	return []chromedp.Action{
		network.Enable(),
		chromedp.ActionFunc(func(ctx context.Context) error {
			if err := security.SetIgnoreCertificateErrors(true).Do(ctx); err != nil {
				return fmt.Errorf("ignore certificate errors: %w", err)
			}
			if err := emulation.SetDeviceMetricsOverride(vp.Width, vp.Height, vp.Scale, vp.Mobile).Do(ctx); err != nil {
				return fmt.Errorf("set device metrics: %w", err)
			}
			if vp.Mobile {
				if err := emulation.SetTouchEmulationEnabled(true).Do(ctx); err != nil {
					return fmt.Errorf("enable touch: %w", err)
				}
			}
			if profile.Locale != "" {
				if err := emulation.SetLocaleOverride().WithLocale(profile.Locale).Do(ctx); err != nil {
					return fmt.Errorf("set locale: %w", err)
				}
			}
			if profile.AcceptLanguage != "" {
				headers := network.Headers{"Accept-Language": profile.AcceptLanguage}
				if err := network.SetExtraHTTPHeaders(headers).Do(ctx); err != nil {
					return fmt.Errorf("set extra headers: %w", err)
				}
			}
			if cfg.UserAgent != "" {
				ua := emulation.SetUserAgentOverride(cfg.UserAgent).WithAcceptLanguage(profile.AcceptLanguage)
				if err := ua.Do(ctx); err != nil {
					return fmt.Errorf("set user-agent: %w", err)
				}
			}
			if _, err := page.AddScriptToEvaluateOnNewDocument(stealthScript).Do(ctx); err != nil {
				return fmt.Errorf("add init script: %w", err)
			}
			return nil
		}),
	}
}

// Session is one tab inside its own browser context.
type Session struct {
	ctx    context.Context
	cancel context.CancelFunc
	client *http.Client
	logger *zap.Logger

	mu      sync.RWMutex
	handler search.RouteHandler
}

func newSession(ctx context.Context, cancel context.CancelFunc, client *http.Client, logger *zap.Logger) *Session {
	return &Session{ctx: ctx, cancel: cancel, client: client, logger: logger}
}

// Route intercepts every request of the tab and hands it to handler.
func (s *Session) Route(handler search.RouteHandler) error {
	s.mu.Lock()
	s.handler = handler
	s.mu.Unlock()
	patterns := []*fetch.RequestPattern{{URLPattern: "*", RequestStage: fetch.RequestStageRequest}}
	if err := chromedp.Run(s.ctx, fetch.Enable().WithPatterns(patterns)); err != nil {
		return fmt.Errorf("enable interception: %w", err)
	}
	return nil
}

// Unroute stops interception.
func (s *Session) Unroute() error {
	s.mu.Lock()
	s.handler = nil
	s.mu.Unlock()
	if err := chromedp.Run(s.ctx, fetch.Disable()); err != nil {
		return fmt.Errorf("disable interception: %w", err)
	}
	return nil
}

// Navigate loads url in the tab.
func (s *Session) Navigate(ctx context.Context, url string) error {
	return s.run(ctx, "navigate", chromedp.Navigate(url))
}

// Reload reloads the current page.
func (s *Session) Reload(ctx context.Context) error {
	return s.run(ctx, "reload", chromedp.Reload())
}

// WaitFor waits until selector is present in the DOM.
func (s *Session) WaitFor(ctx context.Context, selector string) error {
	return s.run(ctx, "wait ready", chromedp.WaitReady(selector, chromedp.ByQuery))
}

// WaitVisible waits until selector is rendered and visible.
func (s *Session) WaitVisible(ctx context.Context, selector string) error {
	return s.run(ctx, "wait visible", chromedp.WaitVisible(selector, chromedp.ByQuery))
}

// Fill replaces the value of the input at selector with text.
func (s *Session) Fill(ctx context.Context, selector, text string) error {
	return s.run(ctx, "fill",
		chromedp.Focus(selector, chromedp.ByQuery),
		chromedp.SetValue(selector, "", chromedp.ByQuery),
		chromedp.SendKeys(selector, text, chromedp.ByQuery),
	)
}

// Press sends key to the element at selector. "Enter" maps to the return key.
func (s *Session) Press(ctx context.Context, selector, key string) error {
	return s.run(ctx, "press", chromedp.SendKeys(selector, keyCode(key), chromedp.ByQuery))
}

// Texts returns the innerText of every element matching selector.
func (s *Session) Texts(ctx context.Context, selector string) ([]string, error) {
	var out []string
	if err := s.run(ctx, "texts", chromedp.Evaluate(textsScript(selector), &out)); err != nil {
		return nil, err
	}
	return out, nil
}

// Close disposes the tab and its browser context.
func (s *Session) Close() error {
	s.cancel()
	return nil
}

// run executes actions on the tab, abandoning them when ctx ends.
func (s *Session) run(ctx context.Context, op string, actions ...chromedp.Action) error {
	runCtx, cancel := context.WithCancel(s.ctx)
	defer cancel()
	stopForward := forwardCancel(ctx, cancel)
	defer stopForward()
	if err := chromedp.Run(runCtx, actions...); err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("%s: %w", op, context.Cause(ctx))
		}
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

func (s *Session) onEvent(ev any) {
	paused, ok := ev.(*fetch.EventRequestPaused)
	if !ok {
		return
	}
	// Commands cannot be issued from the listener goroutine.
	go s.dispatch(paused)
}

func (s *Session) dispatch(ev *fetch.EventRequestPaused) {
	s.mu.RLock()
	handler := s.handler
	s.mu.RUnlock()

	r := &route{session: s, event: ev}
	if handler == nil {
		_ = r.Continue()
		return
	}
	handler(r)
	if !r.isResolved() {
		_ = r.Continue()
	}
}

func (s *Session) execute(action func(ctx context.Context) error) error {
	c := chromedp.FromContext(s.ctx)
	if c == nil || c.Target == nil {
		return fmt.Errorf("session has no target")
	}
	return action(cdp.WithExecutor(s.ctx, c.Target))
}

// route is one paused request.
type route struct {
	session *Session
	event   *fetch.EventRequestPaused

	mu       sync.Mutex
	resolved bool
}

func (r *route) Request() search.Request {
	req := r.event.Request
	return search.Request{
		Method:       req.Method,
		URL:          req.URL + req.URLFragment,
		ResourceType: resourceType(r.event.ResourceType),
		Headers:      flattenHeaders(req.Headers),
	}
}

func (r *route) Abort() error {
	return r.resolve(func(ctx context.Context) error {
		return fetch.FailRequest(r.event.RequestID, network.ErrorReasonAborted).Do(ctx)
	})
}

func (r *route) Continue() error {
	return r.resolve(func(ctx context.Context) error {
		return fetch.ContinueRequest(r.event.RequestID).Do(ctx)
	})
}

func (r *route) Fulfill(resp search.Response) error {
	return r.resolve(func(ctx context.Context) error {
		params := fetch.FulfillRequest(r.event.RequestID, int64(resp.Status)).
			WithResponseHeaders(headerEntries(resp.Headers))
		if len(resp.Body) > 0 {
			params = params.WithBody(base64.StdEncoding.EncodeToString(resp.Body))
		}
		return params.Do(ctx)
	})
}

// Fetch performs the paused request over HTTP without resolving the route.
func (r *route) Fetch(ctx context.Context) (search.Response, error) {
	req := r.Request()
	return fetchLive(ctx, r.session.client, req)
}

func (r *route) resolve(action func(ctx context.Context) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.resolved {
		return nil
	}
	r.resolved = true
	if err := r.session.execute(action); err != nil {
		return fmt.Errorf("resolve request %s: %w", r.event.RequestID, err)
	}
	return nil
}

func (r *route) isResolved() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.resolved
}

func fetchLive(ctx context.Context, client *http.Client, req search.Request) (search.Response, error) {
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, req.URL, nil)
	if err != nil {
		return search.Response{}, fmt.Errorf("build request: %w", err)
	}
	for name, value := range req.Headers {
		if strings.EqualFold(name, "host") {
			continue
		}
		httpReq.Header.Set(name, value)
	}
	resp, err := client.Do(httpReq)
	if err != nil {
		return search.Response{}, fmt.Errorf("fetch %s: %w", req.URL, err)
	}
	defer func() { _ = resp.Body.Close() }()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return search.Response{}, fmt.Errorf("read %s: %w", req.URL, err)
	}
	headers := make(map[string]string, len(resp.Header))
	for name, values := range resp.Header {
		headers[strings.ToLower(name)] = strings.Join(values, ", ")
	}
	return search.Response{Status: resp.StatusCode, Headers: headers, Body: body}, nil
}

func resourceType(rt network.ResourceType) string {
	if rt == "" {
		return search.ResourceOther
	}
	return strings.ToLower(string(rt))
}

func flattenHeaders(h network.Headers) map[string]string {
	out := make(map[string]string, len(h))
	for name, value := range h {
		out[name] = fmt.Sprint(value)
	}
	return out
}

func headerEntries(h map[string]string) []*fetch.HeaderEntry {
	names := make([]string, 0, len(h))
	for name := range h {
		names = append(names, name)
	}
	sort.Strings(names)
	entries := make([]*fetch.HeaderEntry, 0, len(names))
	for _, name := range names {
		entries = append(entries, &fetch.HeaderEntry{Name: name, Value: h[name]})
	}
	return entries
}

func keyCode(key string) string {
	switch strings.ToLower(key) {
	case "enter", "return":
		return kb.Enter
	case "tab":
		return kb.Tab
	case "escape":
		return kb.Escape
	default:
		return key
	}
}

func textsScript(selector string) string {
	quoted, _ := json.Marshal(selector)
	return fmt.Sprintf(`Array.from(document.querySelectorAll(%s)).map(el => el.innerText || "")`, quoted)
}

var (
	_ search.Launcher = (*Launcher)(nil)
	_ search.Browser  = (*Browser)(nil)
	_ search.Session  = (*Session)(nil)
	_ search.Route    = (*route)(nil)
)
