// Package cmd defines the askrelay command line.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/askrelay/internal/app"
	"github.com/JakeFAU/askrelay/internal/config"
	"github.com/JakeFAU/askrelay/internal/logging"
)

// Runner is what the subcommands need from the application.
type Runner interface {
	Serve(ctx context.Context) error
	SearchOnce(ctx context.Context, query string, wantsExtra bool) (string, error)
	Close()
}

type appKeyType struct{}

// newApp is the application factory; tests swap it for a fake.
var newApp = func(ctx context.Context, cfg config.Config, logger *zap.Logger) (Runner, error) {
	return app.New(ctx, cfg, logger)
}

func newRootCmd() *cobra.Command {
	var (
		cfgFile  string
		logLevel string
	)
	cmd := &cobra.Command{
		Use:   "askrelay",
		Short: "HTTP relay that answers search queries through a pool of warm browsers.",
		Long: `askrelay keeps a pool of pre-warmed browser sessions, submits each query to
the upstream assistant page and returns the scraped answer as plain text.
Slow or blocked attempts are hedged with parallel retries on fresh sessions.`,
		SilenceUsage:  true,
		SilenceErrors: true,

		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return err
			}
			if logLevel != "" {
				cfg.Logging.Level = logLevel
			}
			logger, err := logging.New(logging.Options{
				Development: cfg.Logging.Development,
				Level:       cfg.Logging.Level,
			})
			if err != nil {
				return err
			}
			zap.ReplaceGlobals(logger)

			appInstance, err := newApp(cmd.Context(), cfg, logger)
			if err != nil {
				return fmt.Errorf("failed to initialize application services: %w", err)
			}
			cmd.SetContext(context.WithValue(cmd.Context(), appKeyType{}, appInstance))
			return nil
		},

		PersistentPostRun: func(cmd *cobra.Command, _ []string) {
			if appInstance, ok := cmd.Context().Value(appKeyType{}).(Runner); ok && appInstance != nil {
				appInstance.Close()
			}
			_ = zap.L().Sync()
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (YAML, JSON or TOML)")
	cmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override logging.level")

	cmd.AddCommand(newServeCmd(), newSearchCmd())
	return cmd
}

func resolveApp(ctx context.Context) (Runner, error) {
	appInstance, ok := ctx.Value(appKeyType{}).(Runner)
	if !ok || appInstance == nil {
		return nil, errors.New("application services not initialized")
	}
	return appInstance, nil
}

// Execute runs the root command until it finishes or SIGINT/SIGTERM arrives.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "askrelay: %v\n", err)
		stop()
		os.Exit(1)
	}
}
