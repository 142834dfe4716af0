package search

import (
	"context"
	"time"
)

// Queue hands Jobs from producers to workers.
type Queue interface {
	// Enqueue registers job and returns its Handle. It never blocks.
	Enqueue(job Job) *Handle
	// Next blocks until a Task is available or ctx ends.
	Next(ctx context.Context) (Task, error)
}

// ExecutionUnit performs one concrete search attempt on an open Session.
type ExecutionUnit interface {
	Execute(ctx context.Context, session Session, attempt Attempt) (string, error)
}

// Searcher runs one logical search to completion.
type Searcher interface {
	Search(ctx context.Context, query string, wantsExtra bool) (string, error)
}

// Launcher starts browser resources.
type Launcher interface {
	Launch(ctx context.Context, profile Profile) (Browser, error)
}

// Browser is one launched automation engine instance.
type Browser interface {
	NewSession(ctx context.Context, profile Profile) (Session, error)
	Close() error
}

// Session is an isolated browsing context with a single page.
type Session interface {
	// Route installs handler for every request the page issues, replacing
	// any previous handler.
	Route(handler RouteHandler) error
	// Unroute removes the installed handler; requests flow unmodified.
	Unroute() error
	Navigate(ctx context.Context, url string) error
	Reload(ctx context.Context) error
	WaitFor(ctx context.Context, selector string) error
	WaitVisible(ctx context.Context, selector string) error
	Fill(ctx context.Context, selector, text string) error
	Press(ctx context.Context, selector, key string) error
	Texts(ctx context.Context, selector string) ([]string, error)
	Close() error
}

// RouteHandler decides the fate of one intercepted request. It must call
// exactly one of Abort, Continue or Fulfill on route.
type RouteHandler func(route Route)

// Route is an intercepted request awaiting a decision.
type Route interface {
	Request() Request
	Abort() error
	Continue() error
	Fulfill(resp Response) error
	// Fetch performs the request live without resolving the route.
	Fetch(ctx context.Context) (Response, error)
}

// ResponseCache stores static sub-resource responses across sessions.
type ResponseCache interface {
	Get(ctx context.Context, method, url string) (Response, bool)
	// Put stores resp without blocking the caller; failures are swallowed.
	Put(method, url string, resp Response)
}

// RegionPicker chooses the profile a worker launches with.
type RegionPicker interface {
	Pick() Profile
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces job IDs.
type IDGenerator interface {
	NewID() (string, error)
}

// OutcomeSink receives finished search outcomes. Implementations are
// best-effort; errors are logged by the caller and never surfaced.
type OutcomeSink interface {
	Record(ctx context.Context, outcome Outcome) error
}
