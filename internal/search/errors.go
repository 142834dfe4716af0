package search

import (
	"context"
	"errors"
	"fmt"
)

// Error taxonomy shared across the pipeline.
var (
	// ErrCancelled marks an attempt abandoned because its token fired.
	ErrCancelled = errors.New("attempt cancelled")
	// ErrAttemptTimeout marks an attempt that exceeded its deadline.
	ErrAttemptTimeout = errors.New("attempt timed out")
	// ErrChallengeDetected marks an anti-bot challenge seen mid-attempt.
	ErrChallengeDetected = errors.New("challenge detected")
	// ErrExecution marks any other fault inside an attempt.
	ErrExecution = errors.New("execution error")
	// ErrRoundFailed is returned when every hedged attempt of a round failed.
	ErrRoundFailed = errors.New("round failed")
	// ErrLaunchFailure marks a browser resource that could not be created.
	ErrLaunchFailure = errors.New("browser launch failed")
	// ErrQueueClosed is returned by a queue that was shut down.
	ErrQueueClosed = errors.New("queue closed")
)

// Classify maps err, observed while running under ctx, onto the taxonomy.
// Errors already carrying a kind are returned unchanged.
func Classify(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}
	if isKinded(err) {
		return err
	}
	if ctx != nil && ctx.Err() != nil {
		cause := context.Cause(ctx)
		switch {
		case errors.Is(cause, ErrChallengeDetected):
			return fmt.Errorf("%w: %v", ErrChallengeDetected, err)
		case errors.Is(cause, ErrAttemptTimeout), errors.Is(cause, context.DeadlineExceeded):
			return fmt.Errorf("%w: %v", ErrAttemptTimeout, err)
		default:
			return fmt.Errorf("%w: %v", ErrCancelled, err)
		}
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: %v", ErrAttemptTimeout, err)
	case errors.Is(err, context.Canceled):
		return fmt.Errorf("%w: %v", ErrCancelled, err)
	}
	return fmt.Errorf("%w: %w", ErrExecution, err)
}

// IsCancelled reports whether err is a cancellation-kind error.
func IsCancelled(err error) bool {
	return errors.Is(err, ErrCancelled)
}

// Kind returns a short label for err, used for metrics and logs.
func Kind(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrCancelled):
		return "cancelled"
	case errors.Is(err, ErrAttemptTimeout):
		return "timeout"
	case errors.Is(err, ErrChallengeDetected):
		return "challenge"
	case errors.Is(err, ErrRoundFailed):
		return "round_failed"
	case errors.Is(err, ErrLaunchFailure):
		return "launch_failure"
	case errors.Is(err, ErrQueueClosed):
		return "queue_closed"
	default:
		return "execution"
	}
}

func isKinded(err error) bool {
	return errors.Is(err, ErrCancelled) ||
		errors.Is(err, ErrAttemptTimeout) ||
		errors.Is(err, ErrChallengeDetected) ||
		errors.Is(err, ErrExecution) ||
		errors.Is(err, ErrQueueClosed)
}
