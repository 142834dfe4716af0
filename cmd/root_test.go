package cmd

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/askrelay/internal/config"
)

type fakeRunner struct {
	query      string
	wantsExtra bool
	text       string
	err        error
	served     bool
	closed     bool
}

func (f *fakeRunner) Serve(ctx context.Context) error {
	f.served = true
	return f.err
}

func (f *fakeRunner) SearchOnce(_ context.Context, query string, wantsExtra bool) (string, error) {
	f.query = query
	f.wantsExtra = wantsExtra
	return f.text, f.err
}

func (f *fakeRunner) Close() { f.closed = true }

func withFakeApp(t *testing.T, runner *fakeRunner) *config.Config {
	t.Helper()
	var seen config.Config
	orig := newApp
	newApp = func(_ context.Context, cfg config.Config, _ *zap.Logger) (Runner, error) {
		seen = cfg
		return runner, nil
	}
	t.Cleanup(func() { newApp = orig })
	return &seen
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestSearchCommandPrintsAnswer(t *testing.T) {
	runner := &fakeRunner{text: "Sunny"}
	withFakeApp(t, runner)

	out, err := execute(t, "search", "weather", "in", "Moscow")
	require.NoError(t, err)
	require.Equal(t, "Sunny\n", out)
	require.Equal(t, "weather in Moscow", runner.query)
	require.True(t, runner.wantsExtra)
	require.True(t, runner.closed)
}

func TestSearchCommandNoExtra(t *testing.T) {
	runner := &fakeRunner{text: "ok"}
	withFakeApp(t, runner)

	_, err := execute(t, "search", "--no-extra", "q")
	require.NoError(t, err)
	require.False(t, runner.wantsExtra)
}

func TestSearchCommandFailure(t *testing.T) {
	runner := &fakeRunner{err: errors.New("round failed")}
	withFakeApp(t, runner)

	_, err := execute(t, "search", "q")
	require.ErrorContains(t, err, "search failed")

	_, err = execute(t, "search")
	require.Error(t, err)
}

func TestServeCommand(t *testing.T) {
	runner := &fakeRunner{}
	seen := withFakeApp(t, runner)

	_, err := execute(t, "serve", "--log-level", "warn")
	require.NoError(t, err)
	require.True(t, runner.served)
	require.Equal(t, "warn", seen.Logging.Level)

	runner = &fakeRunner{err: context.Canceled}
	withFakeApp(t, runner)
	_, err = execute(t, "serve")
	require.NoError(t, err)
}

func TestBadLogLevelFails(t *testing.T) {
	withFakeApp(t, &fakeRunner{})
	_, err := execute(t, "serve", "--log-level", "loud")
	require.ErrorContains(t, err, "log level")
}
