package cmd

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/siteaudit/internal/worker"
)

// newRunsCmd groups the run history subcommands.
func newRunsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "Inspect and delete stored crawl runs",
	}
	cmd.AddCommand(newRunsListCmd(), newRunsShowCmd(), newRunsDeleteCmd())
	return cmd
}

func newRunsListCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List stored runs, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, func(a App) error {
				runs, err := a.RunStore().ListRuns(cmd.Context())
				if err != nil {
					return fmt.Errorf("list runs: %w", err)
				}
				if limit > 0 && len(runs) > limit {
					runs = runs[:limit]
				}
				out := cmd.OutOrStdout()
				if len(runs) == 0 {
					printf(out, "No stored runs\n")
					return nil
				}
				tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
				printf(tw, "CRAWLED\tPAGES\tWORDS\tRUN ID\n")
				for _, r := range runs {
					printf(tw, "%s\t%d\t%d\t%s\n",
						r.Summary.CrawlTime.Format(time.RFC3339),
						r.Summary.PagesVisited,
						r.Summary.TotalWords,
						r.RunID,
					)
				}
				return tw.Flush()
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 0, "show at most this many runs")
	return cmd
}

func newRunsShowCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "show <run-id>",
		Short: "Print a stored run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(a App) error {
				record, err := a.RunStore().GetRun(cmd.Context(), args[0])
				if err != nil {
					return fmt.Errorf("load run: %w", err)
				}
				if record == nil {
					return fmt.Errorf("run %s not found", args[0])
				}
				if asJSON {
					return writeRecordJSON(cmd.OutOrStdout(), record)
				}
				printRecord(cmd.OutOrStdout(), record, worker.Outcome{RunID: record.RunID})
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the full run as JSON")
	return cmd
}

func newRunsDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <run-id>...",
		Short: "Delete stored runs",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(a App) error {
				for _, runID := range args {
					if err := a.RunStore().DeleteRun(cmd.Context(), runID); err != nil {
						return fmt.Errorf("delete run %s: %w", runID, err)
					}
					if archive := a.Archive(); archive != nil {
						if err := archive.DeleteRun(cmd.Context(), runID); err != nil {
							a.Logger().Warn("delete archived run failed", zap.String("run_id", runID), zap.Error(err))
						}
					}
					printf(cmd.OutOrStdout(), "deleted %s\n", runID)
				}
				return nil
			})
		},
	}
}
