package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

func newSearchCmd() *cobra.Command {
	var noExtra bool
	cmd := &cobra.Command{
		Use:   "search <query>...",
		Short: "Run a single search and print the answer",
		Long: `Starts the worker pool, runs one search through the hedged orchestrator
and prints the answer to stdout. The arguments are joined with spaces.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			query := strings.TrimSpace(strings.Join(args, " "))
			if query == "" {
				return fmt.Errorf("empty query")
			}
			text, err := appInstance.SearchOnce(cmd.Context(), query, !noExtra)
			if err != nil {
				return fmt.Errorf("search failed: %w", err)
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), text)
			return err
		},
	}
	cmd.Flags().BoolVar(&noExtra, "no-extra", false, "skip waiting for the assistant's extended answer")
	return cmd
}
