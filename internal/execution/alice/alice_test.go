package alice

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/askrelay/internal/cache"
	"github.com/JakeFAU/askrelay/internal/search"
	"github.com/JakeFAU/askrelay/internal/storage/memory"
)

type fakeSession struct {
	mu         sync.Mutex
	handler    search.RouteHandler
	navigated  []string
	waited     []string
	visible    []string
	filled     string
	presses    int
	texts      []string
	textsErr   error
	navErr     error
	waitErr    map[string]error
	blockOn    string
	onNavigate func(handler search.RouteHandler)
}

func (s *fakeSession) Route(handler search.RouteHandler) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handler = handler
	return nil
}

func (s *fakeSession) Unroute() error { return nil }

func (s *fakeSession) Navigate(_ context.Context, url string) error {
	s.mu.Lock()
	s.navigated = append(s.navigated, url)
	hook, handler, err := s.onNavigate, s.handler, s.navErr
	s.mu.Unlock()
	if hook != nil {
		hook(handler)
	}
	return err
}

func (s *fakeSession) Reload(context.Context) error { return nil }

func (s *fakeSession) WaitFor(ctx context.Context, selector string) error {
	s.mu.Lock()
	s.waited = append(s.waited, selector)
	block, err := s.blockOn == selector, s.waitErr[selector]
	s.mu.Unlock()
	if block {
		<-ctx.Done()
		return context.Cause(ctx)
	}
	return err
}

func (s *fakeSession) WaitVisible(_ context.Context, selector string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.visible = append(s.visible, selector)
	return nil
}

func (s *fakeSession) Fill(_ context.Context, _ string, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.filled = text
	return nil
}

func (s *fakeSession) Press(_ context.Context, _ string, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if key == "Enter" {
		s.presses++
	}
	return nil
}

func (s *fakeSession) Texts(context.Context, string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.texts, s.textsErr
}

func (s *fakeSession) Close() error { return nil }

type fakeRoute struct {
	req      search.Request
	live     search.Response
	fetchErr error

	mu        sync.Mutex
	fetches   int
	aborted   bool
	continued bool
	fulfilled *search.Response
}

func (r *fakeRoute) Request() search.Request { return r.req }

func (r *fakeRoute) Abort() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.aborted = true
	return nil
}

func (r *fakeRoute) Continue() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.continued = true
	return nil
}

func (r *fakeRoute) Fulfill(resp search.Response) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fulfilled = &resp
	return nil
}

func (r *fakeRoute) Fetch(context.Context) (search.Response, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fetches++
	return r.live, r.fetchErr
}

func newUnit(c search.ResponseCache) *Unit {
	return New(c, Config{TargetURL: "https://alice.test/", PressInterval: time.Millisecond}, zap.NewNop())
}

func TestExecuteColdAttempt(t *testing.T) {
	t.Parallel()

	session := &fakeSession{texts: []string{"  Sunny, 21°C ", "", "Tomorrow rain\n"}}
	text, err := newUnit(nil).Execute(context.Background(), session, search.Attempt{
		Profile:    search.Profile{Country: "RU", Locale: "ru-RU"},
		Query:      "weather today",
		Timeout:    time.Second,
		WantsExtra: true,
	})
	require.NoError(t, err)
	require.Equal(t, "Sunny, 21°C\n\nTomorrow rain", text)
	require.Equal(t, []string{"https://alice.test/"}, session.navigated)
	require.Equal(t, []string{BodySelector, InputAny, AnswerSelector}, session.waited)
	require.Equal(t, []string{LogoSelector}, session.visible)
	require.Equal(t, "weather today", session.filled)
	require.Equal(t, defaultPressCount, session.presses)
	require.NotNil(t, session.handler)
}

func TestExecuteWarmAttemptSkipsNavigation(t *testing.T) {
	t.Parallel()

	session := &fakeSession{texts: []string{"ok"}}
	text, err := newUnit(nil).Execute(context.Background(), session, search.Attempt{
		Query:   "q",
		Timeout: time.Second,
		Warm:    true,
	})
	require.NoError(t, err)
	require.Equal(t, "ok", text)
	require.Empty(t, session.navigated)
	require.Empty(t, session.visible, "logo is only awaited when extra output is wanted")
}

func TestExecuteToleratesSoftFailures(t *testing.T) {
	t.Parallel()

	session := &fakeSession{
		waitErr:  map[string]error{InputAny: errors.New("not found"), AnswerSelector: errors.New("not found")},
		textsErr: errors.New("evaluate failed"),
	}
	text, err := newUnit(nil).Execute(context.Background(), session, search.Attempt{Query: "q", Timeout: time.Second})
	require.NoError(t, err)
	require.Empty(t, text)
}

func TestExecuteNavigationErrorIsExecutionError(t *testing.T) {
	t.Parallel()

	session := &fakeSession{navErr: errors.New("net::ERR_CONNECTION_RESET")}
	_, err := newUnit(nil).Execute(context.Background(), session, search.Attempt{Query: "q", Timeout: time.Second})
	require.ErrorIs(t, err, search.ErrExecution)
}

func TestExecuteTimesOut(t *testing.T) {
	t.Parallel()

	session := &fakeSession{blockOn: AnswerSelector}
	_, err := newUnit(nil).Execute(context.Background(), session, search.Attempt{Query: "q", Timeout: 30 * time.Millisecond})
	require.ErrorIs(t, err, search.ErrAttemptTimeout)
}

func TestExecuteCancelled(t *testing.T) {
	t.Parallel()

	session := &fakeSession{blockOn: AnswerSelector}
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)
	_, err := newUnit(nil).Execute(ctx, session, search.Attempt{Query: "q", Timeout: time.Minute})
	require.ErrorIs(t, err, search.ErrCancelled)

	_, err = newUnit(nil).Execute(ctx, &fakeSession{}, search.Attempt{Query: "q"})
	require.ErrorIs(t, err, search.ErrCancelled)
}

func TestExecuteCaptchaRaisesChallenge(t *testing.T) {
	t.Parallel()

	captcha := &fakeRoute{req: search.Request{Method: http.MethodGet, URL: "https://alice.test/showcaptcha?retpath=x", ResourceType: search.ResourceDocument}}
	session := &fakeSession{
		blockOn:    AnswerSelector,
		onNavigate: func(handler search.RouteHandler) { handler(captcha) },
	}
	start := time.Now()
	_, err := newUnit(nil).Execute(context.Background(), session, search.Attempt{Query: "q", Timeout: time.Minute})
	require.ErrorIs(t, err, search.ErrChallengeDetected)
	require.Less(t, time.Since(start), 5*time.Second)
	require.True(t, captcha.aborted)
}

func TestInterceptRouting(t *testing.T) {
	t.Parallel()

	store := memory.NewBlobStore()
	c := cache.New(store, zap.NewNop(), cache.Config{})
	u := newUnit(c)
	handler := u.intercept(context.Background(), func(error) {}, zap.NewNop())

	font := &fakeRoute{req: search.Request{Method: http.MethodGet, URL: "https://cdn.test/a", ResourceType: search.ResourceFont}}
	image := &fakeRoute{req: search.Request{Method: http.MethodGet, URL: "https://cdn.test/logo.SVG?v=1", ResourceType: "image"}}
	doc := &fakeRoute{req: search.Request{Method: http.MethodGet, URL: "https://alice.test/", ResourceType: search.ResourceDocument}}
	post := &fakeRoute{req: search.Request{Method: http.MethodPost, URL: "https://api.test/send", ResourceType: search.ResourceOther}}
	for _, r := range []*fakeRoute{font, image, doc, post} {
		handler(r)
	}
	require.True(t, font.aborted)
	require.True(t, image.aborted)
	require.True(t, doc.continued)
	require.True(t, post.continued)
	require.Zero(t, store.Len())
}

func TestInterceptCachesStaticResponses(t *testing.T) {
	t.Parallel()

	store := memory.NewBlobStore()
	c := cache.New(store, zap.NewNop(), cache.Config{})
	handler := newUnit(c).intercept(context.Background(), func(error) {}, zap.NewNop())

	js := search.Response{Status: 200, Headers: map[string]string{"content-type": "application/javascript"}, Body: []byte("var a=1")}
	miss := &fakeRoute{req: search.Request{Method: http.MethodGet, URL: "https://cdn.test/app.js", ResourceType: "script"}, live: js}
	handler(miss)
	require.Equal(t, 1, miss.fetches)
	require.NotNil(t, miss.fulfilled)
	require.Equal(t, js.Body, miss.fulfilled.Body)
	require.NoError(t, c.Flush(context.Background()))

	hit := &fakeRoute{req: miss.req, fetchErr: errors.New("must not fetch")}
	handler(hit)
	require.Zero(t, hit.fetches)
	require.NotNil(t, hit.fulfilled)
	require.Equal(t, js.Body, hit.fulfilled.Body)

	head := &fakeRoute{req: search.Request{Method: http.MethodHead, URL: "https://cdn.test/app.js", ResourceType: "script"}, live: js}
	handler(head)
	require.NotNil(t, head.fulfilled)
	require.Nil(t, head.fulfilled.Body)
}

func TestInterceptNeverCachesHTML(t *testing.T) {
	t.Parallel()

	store := memory.NewBlobStore()
	c := cache.New(store, zap.NewNop(), cache.Config{})
	handler := newUnit(c).intercept(context.Background(), func(error) {}, zap.NewNop())

	html := search.Response{Status: 200, Headers: map[string]string{"content-type": "text/html; charset=utf-8"}, Body: []byte("<p>")}
	r := &fakeRoute{req: search.Request{Method: http.MethodGet, URL: "https://alice.test/frame", ResourceType: search.ResourceOther}, live: html}
	handler(r)
	require.NoError(t, c.Flush(context.Background()))
	require.NotNil(t, r.fulfilled)
	require.Zero(t, store.Len())

	failed := &fakeRoute{req: search.Request{Method: http.MethodGet, URL: "https://cdn.test/x.js", ResourceType: "script"}, fetchErr: errors.New("reset")}
	handler(failed)
	require.True(t, failed.aborted)
}

func TestInterceptWithoutCacheContinues(t *testing.T) {
	t.Parallel()

	handler := newUnit(nil).intercept(context.Background(), func(error) {}, zap.NewNop())
	r := &fakeRoute{req: search.Request{Method: http.MethodGet, URL: "https://cdn.test/app.css", ResourceType: "stylesheet"}}
	handler(r)
	require.True(t, r.continued)
	require.Zero(t, r.fetches)
}

func TestJoinBlocks(t *testing.T) {
	t.Parallel()

	require.Equal(t, "", joinBlocks(nil))
	require.Equal(t, "a\n\nb", joinBlocks([]string{" a ", "\n", "b"}))
}
