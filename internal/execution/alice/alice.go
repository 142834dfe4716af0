// Package alice drives one search attempt against the Alice conversational
// web app: it types the query, waits for the rendered answer and returns its
// text. Static sub-resources are served through the shared response cache.
package alice

import (
	"context"
	"fmt"
	"net/http"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/askrelay/internal/search"
)

// DefaultTargetURL is the page every attempt starts from.
const DefaultTargetURL = "https://alice.yandex.ru/"

// Page selectors.
const (
	BodySelector   = "body"
	InputSelector  = ".AliceInput input, input.AliceInput, .AliceInput textarea, textarea.AliceInput"
	InputAny       = ".AliceInput, " + InputSelector
	LogoSelector   = ".StandaloneOknyxCore-Logo"
	AnswerSelector = ".FuturisMarkdown"
)

const (
	defaultPressCount    = 3
	defaultPressInterval = 25 * time.Millisecond
	minFillTimeout       = 500 * time.Millisecond
)

var (
	blockedAsset = regexp.MustCompile(`(?i)\.(?:jpg|jpeg|webp|woff|woff2|eot|ttf|otf|ico|svg)(?:[?#]|$)`)
	captchaURL   = regexp.MustCompile(`(?i)captcha`)
)

// Config tunes the interaction.
type Config struct {
	TargetURL     string
	PressCount    int
	PressInterval time.Duration
}

// Unit implements search.ExecutionUnit.
type Unit struct {
	cache  search.ResponseCache
	cfg    Config
	logger *zap.Logger
}

// New creates a Unit. cache may be nil, in which case sub-resources are
// always fetched live.
func New(cache search.ResponseCache, cfg Config, logger *zap.Logger) *Unit {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.TargetURL == "" {
		cfg.TargetURL = DefaultTargetURL
	}
	if cfg.PressCount <= 0 {
		cfg.PressCount = defaultPressCount
	}
	if cfg.PressInterval <= 0 {
		cfg.PressInterval = defaultPressInterval
	}
	return &Unit{cache: cache, cfg: cfg, logger: logger.Named("alice")}
}

// Execute runs one attempt on session. The whole attempt is bounded by
// attempt.Timeout; a captcha request aborts it with ErrChallengeDetected.
func (u *Unit) Execute(ctx context.Context, session search.Session, attempt search.Attempt) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", search.Classify(ctx, err)
	}
	ctx, challenge := context.WithCancelCause(ctx)
	defer challenge(nil)
	if attempt.Timeout > 0 {
		var stop context.CancelFunc
		ctx, stop = context.WithTimeoutCause(ctx, attempt.Timeout, search.ErrAttemptTimeout)
		defer stop()
	}

	logger := u.logger.With(
		zap.String("query", attempt.Query),
		zap.String("locale", attempt.Profile.Locale),
		zap.Bool("warm", attempt.Warm),
	)
	logger.Debug("search start", zap.Duration("timeout", attempt.Timeout), zap.Bool("wants_extra", attempt.WantsExtra))

	if err := session.Route(u.intercept(ctx, challenge, logger)); err != nil {
		return "", fail(ctx, "install route", err)
	}
	if !attempt.Warm {
		if err := session.Navigate(ctx, u.cfg.TargetURL); err != nil {
			return "", fail(ctx, "navigate", err)
		}
	}
	if err := soft(ctx, session.WaitFor(ctx, BodySelector)); err != nil {
		return "", fail(ctx, "wait body", err)
	}
	if err := soft(ctx, session.WaitFor(ctx, InputAny)); err != nil {
		return "", fail(ctx, "wait input", err)
	}
	if err := u.submit(ctx, session, attempt); err != nil {
		return "", fail(ctx, "submit", err)
	}
	if attempt.WantsExtra {
		if err := soft(ctx, session.WaitVisible(ctx, LogoSelector)); err != nil {
			return "", fail(ctx, "wait logo", err)
		}
	}
	if err := soft(ctx, session.WaitFor(ctx, AnswerSelector)); err != nil {
		return "", fail(ctx, "wait answer", err)
	}

	blocks, err := session.Texts(ctx, AnswerSelector)
	if err != nil {
		if ctx.Err() != nil {
			return "", fail(ctx, "read answer", err)
		}
		logger.Debug("answer read failed", zap.Error(err))
	}
	if err := ctx.Err(); err != nil {
		return "", fail(ctx, "read answer", err)
	}

	text := joinBlocks(blocks)
	if text == "" {
		logger.Debug("search empty")
	}
	logger.Debug("search done", zap.Int("text_len", len(text)))
	return text, nil
}

// submit fills the input and presses Enter a few times. Failures are
// tolerated unless the attempt itself has ended.
func (u *Unit) submit(ctx context.Context, session search.Session, attempt search.Attempt) error {
	fillTimeout := minFillTimeout
	if half := attempt.Timeout / 2; half > fillTimeout {
		fillTimeout = half
	}
	fillCtx, cancel := context.WithTimeout(ctx, fillTimeout)
	err := session.Fill(fillCtx, InputSelector, attempt.Query)
	cancel()
	if err := soft(ctx, err); err != nil {
		return err
	}

	for i := 0; i < u.cfg.PressCount; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := session.Press(ctx, InputSelector, "Enter"); err != nil {
			return soft(ctx, err)
		}
		timer := time.NewTimer(u.cfg.PressInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return nil
}

func (u *Unit) intercept(ctx context.Context, challenge context.CancelCauseFunc, logger *zap.Logger) search.RouteHandler {
	return func(route search.Route) {
		req := route.Request()
		switch {
		case captchaURL.MatchString(req.URL):
			logger.Info("captcha detected", zap.String("url", req.URL))
			challenge(search.ErrChallengeDetected)
			_ = route.Abort()
		case req.ResourceType == search.ResourceFont, blockedAsset.MatchString(req.URL):
			_ = route.Abort()
		case req.ResourceType == search.ResourceDocument:
			_ = route.Continue()
		case req.Method != http.MethodGet && req.Method != http.MethodHead:
			_ = route.Continue()
		default:
			u.serve(ctx, route, req, logger)
		}
	}
}

// serve answers a static GET or HEAD from the cache, or fetches it live and
// offers the result to the cache.
func (u *Unit) serve(ctx context.Context, route search.Route, req search.Request, logger *zap.Logger) {
	if u.cache == nil {
		_ = route.Continue()
		return
	}
	if hit, ok := u.cache.Get(ctx, req.Method, req.URL); ok {
		logger.Debug("cache hit", zap.String("method", req.Method), zap.String("url", req.URL), zap.Int("status", hit.Status))
		if req.Method == http.MethodHead {
			hit.Body = nil
		}
		if err := route.Fulfill(hit); err != nil {
			logger.Debug("fulfill from cache failed", zap.Error(err))
		}
		return
	}

	resp, err := route.Fetch(ctx)
	if err != nil {
		logger.Debug("live fetch failed", zap.String("url", req.URL), zap.Error(err))
		_ = route.Abort()
		return
	}
	if req.Method == http.MethodHead {
		resp.Body = nil
	}
	if err := route.Fulfill(resp); err != nil {
		logger.Debug("fulfill failed", zap.String("url", req.URL), zap.Error(err))
	}
	u.cache.Put(req.Method, req.URL, resp)
}

// soft swallows err unless ctx has ended.
func soft(ctx context.Context, err error) error {
	if err == nil || ctx.Err() == nil {
		return nil
	}
	return err
}

func fail(ctx context.Context, op string, err error) error {
	return search.Classify(ctx, fmt.Errorf("%s: %w", op, err))
}

func joinBlocks(blocks []string) string {
	parts := make([]string, 0, len(blocks))
	for _, b := range blocks {
		if b = strings.TrimSpace(b); b != "" {
			parts = append(parts, b)
		}
	}
	return strings.Join(parts, "\n\n")
}

var _ search.ExecutionUnit = (*Unit)(nil)
