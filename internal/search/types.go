package search

import (
	"context"
	"time"
)

// Profile is the geographic/locale identity a worker presents to the target.
type Profile struct {
	Country        string
	Locale         string
	AcceptLanguage string
	// Proxy is an optional proxy server URL used at browser launch.
	Proxy string
}

// Job is one search attempt submitted to the Queue.
type Job struct {
	ID         string
	Query      string
	Timeout    time.Duration
	WantsExtra bool
	Token      *CancelToken
	Submitted  time.Time
}

// Attempt is what a worker hands to the ExecutionUnit for one try of a Job.
type Attempt struct {
	Profile    Profile
	Query      string
	Timeout    time.Duration
	WantsExtra bool
	// Warm is true when the session was pre-warmed and already sits on the
	// target origin.
	Warm bool
}

// Task pairs a Job with the Handle its producer is waiting on.
type Task struct {
	Job    Job
	Handle *Handle
}

// Request describes an intercepted network request.
type Request struct {
	Method       string
	URL          string
	ResourceType string
	Headers      map[string]string
}

// Response is a network response, either fetched live or served from the
// response cache.
type Response struct {
	Status  int               `json:"status"`
	Headers map[string]string `json:"headers"`
	Body    []byte            `json:"body"`
}

// Resource types reported by Request.ResourceType.
const (
	ResourceDocument = "document"
	ResourceFont     = "font"
	ResourceOther    = "other"
)

// CancelToken is the single cancellation primitive attached to a Job.
// Cancel is idempotent and safe to call after the Job has settled.
type CancelToken struct {
	ctx    context.Context
	cancel context.CancelFunc
}

// NewCancelToken creates a token whose context descends from parent.
func NewCancelToken(parent context.Context) *CancelToken {
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithCancel(parent)
	return &CancelToken{ctx: ctx, cancel: cancel}
}

// Cancel fires the token.
func (t *CancelToken) Cancel() {
	if t == nil {
		return
	}
	t.cancel()
}

// Cancelled reports whether the token has fired.
func (t *CancelToken) Cancelled() bool {
	if t == nil {
		return false
	}
	return t.ctx.Err() != nil
}

// Done is closed once the token fires.
func (t *CancelToken) Done() <-chan struct{} {
	if t == nil {
		return nil
	}
	return t.ctx.Done()
}

// Context returns a context cancelled together with the token.
func (t *CancelToken) Context() context.Context {
	if t == nil {
		return context.Background()
	}
	return t.ctx
}

// Outcome summarises one finished logical search.
type Outcome struct {
	ID         string    `json:"id"`
	Query      string    `json:"query"`
	WantsExtra bool      `json:"wants_extra"`
	Origin     string    `json:"origin"`
	Rounds     int       `json:"rounds"`
	Attempts   int       `json:"attempts"`
	Success    bool      `json:"success"`
	Error      string    `json:"error,omitempty"`
	AnswerLen  int       `json:"answer_len"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
}

// Duration is the wall time the search took.
func (o Outcome) Duration() time.Duration {
	return o.FinishedAt.Sub(o.StartedAt)
}
