package search

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestClassify(t *testing.T) {
	t.Parallel()

	boom := errors.New("boom")

	cancelled, cancel := context.WithCancel(context.Background())
	cancel()

	timedOut, cancelTimeout := context.WithTimeoutCause(context.Background(), time.Nanosecond, ErrAttemptTimeout)
	defer cancelTimeout()
	<-timedOut.Done()

	challenged, cancelCause := context.WithCancelCause(context.Background())
	cancelCause(ErrChallengeDetected)

	tests := []struct {
		name string
		ctx  context.Context
		err  error
		want error
	}{
		{name: "plain error", ctx: context.Background(), err: boom, want: ErrExecution},
		{name: "cancelled context", ctx: cancelled, err: boom, want: ErrCancelled},
		{name: "timed out context", ctx: timedOut, err: boom, want: ErrAttemptTimeout},
		{name: "challenge cause", ctx: challenged, err: boom, want: ErrChallengeDetected},
		{name: "bare deadline", ctx: context.Background(), err: context.DeadlineExceeded, want: ErrAttemptTimeout},
		{name: "bare canceled", ctx: context.Background(), err: context.Canceled, want: ErrCancelled},
		{name: "already kinded", ctx: cancelled, err: ErrChallengeDetected, want: ErrChallengeDetected},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			require.ErrorIs(t, Classify(tc.ctx, tc.err), tc.want)
		})
	}

	require.NoError(t, Classify(context.Background(), nil))
	require.ErrorIs(t, Classify(context.Background(), boom), boom)
}

func TestKind(t *testing.T) {
	t.Parallel()

	require.Equal(t, "ok", Kind(nil))
	require.Equal(t, "cancelled", Kind(ErrCancelled))
	require.Equal(t, "timeout", Kind(ErrAttemptTimeout))
	require.Equal(t, "challenge", Kind(ErrChallengeDetected))
	require.Equal(t, "round_failed", Kind(ErrRoundFailed))
	require.Equal(t, "execution", Kind(errors.New("other")))
	require.True(t, IsCancelled(Classify(context.Background(), context.Canceled)))
}
