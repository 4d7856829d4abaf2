package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/siteaudit/internal/app"
	"github.com/JakeFAU/siteaudit/internal/crawler"
	"github.com/JakeFAU/siteaudit/internal/id/uuid"
	"github.com/JakeFAU/siteaudit/internal/progress/sinks"
	"github.com/JakeFAU/siteaudit/internal/worker"
)

type crawlFlags struct {
	maxPages   int
	maxRetries int
	delay      time.Duration
	workers    int
	force      bool
	asJSON     bool
	noProgress bool

	retriesSet bool
	delaySet   bool
}

// newCrawlCmd creates the 'crawl' subcommand, which runs one crawl in the
// foreground and prints the stored run.
func newCrawlCmd() *cobra.Command {
	var flags crawlFlags
	cmd := &cobra.Command{
		Use:   "crawl <url>",
		Short: "Crawl a site from a seed URL and print the audit",
		Long: `Crawls breadth-first from the seed URL until the page budget is spent,
checks the health of every visited page and stores the run. A run for the
same seed inside the freshness window is reused unless --force is given.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			flags.retriesSet = cmd.Flags().Changed("max-retries")
			flags.delaySet = cmd.Flags().Changed("delay")
			return runCrawlCommand(cmd, args[0], flags)
		},
	}
	f := cmd.Flags()
	f.IntVar(&flags.maxPages, "max-pages", 0, "page budget (default from config)")
	f.IntVar(&flags.maxRetries, "max-retries", 0, "fetch attempts per URL (default from config)")
	f.DurationVar(&flags.delay, "delay", 0, "politeness delay after each fetch (default from config)")
	f.IntVar(&flags.workers, "workers", 0, "concurrent fetch workers (default from config)")
	f.BoolVar(&flags.force, "force", false, "crawl even when a recent run exists")
	f.BoolVar(&flags.asJSON, "json", false, "print the full run as JSON")
	f.BoolVar(&flags.noProgress, "no-progress", false, "hide the progress bar")
	return cmd
}

func runCrawlCommand(cmd *cobra.Command, seed string, flags crawlFlags) error {
	cfg, err := loadedConfig(cmd.Context())
	if err != nil {
		return err
	}
	req := applyCrawlFlags(cfg.Crawler.Request(seed), flags)
	if err := req.Validate(); err != nil {
		return err
	}

	var opts []app.Option
	if !flags.noProgress && !flags.asJSON {
		opts = append(opts, app.WithProgressSinks(sinks.NewBarSink(cmd.ErrOrStderr())))
	}
	jobID, err := uuid.New().NewID()
	if err != nil {
		return fmt.Errorf("generate job id: %w", err)
	}

	return withApp(cmd, func(a App) error {
		outcome, err := a.Executor().Execute(cmd.Context(), jobID, req)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if outcome.RunID == "" {
			printf(out, "No pages could be fetched from %s\n", req.SeedURL)
			return nil
		}
		record, err := a.RunStore().GetRun(cmd.Context(), outcome.RunID)
		if err != nil {
			return fmt.Errorf("load run %s: %w", outcome.RunID, err)
		}
		if record == nil {
			return fmt.Errorf("run %s vanished before it could be read", outcome.RunID)
		}
		if flags.asJSON {
			return writeRecordJSON(out, record)
		}
		printRecord(out, record, outcome)
		return nil
	}, opts...)
}

func applyCrawlFlags(req crawler.CrawlRequest, flags crawlFlags) crawler.CrawlRequest {
	if flags.maxPages > 0 {
		req.PageBudget = flags.maxPages
	}
	if flags.retriesSet {
		req.MaxRetries = flags.maxRetries
	}
	if flags.delaySet {
		req.Delay = flags.delay
	}
	if flags.workers > 0 {
		req.Workers = flags.workers
	}
	req.ForceRefresh = flags.force
	return req
}

func writeRecordJSON(w io.Writer, record *crawler.CrawlRecord) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(record); err != nil {
		return fmt.Errorf("encode run: %w", err)
	}
	return nil
}

func printRecord(w io.Writer, record *crawler.CrawlRecord, outcome worker.Outcome) {
	note := ""
	if outcome.Deduplicated {
		note = " (recent run reused)"
	}
	s := record.Summary
	printf(w, "Run:     %s%s\n", record.RunID, note)
	printf(w, "Seed:    %s\n", s.StartURL)
	printf(w, "Crawled: %s\n", s.CrawlTime.Format(time.RFC3339))
	printf(w, "Pages:   %d  Words: %d  Images: %d\n", s.PagesVisited, s.TotalWords, s.TotalImages)
	if len(outcome.Result.Failed) > 0 {
		printf(w, "Failed:  %d URLs after retries\n", len(outcome.Result.Failed))
	}
	printf(w, "\n")

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	printf(tw, "STATUS\tLOAD\tWORDS\tHEALTH\tURL\n")
	for _, p := range record.Pages {
		printf(tw, "%d\t%s\t%d\t%s\t%s\n",
			p.StatusCode,
			p.LoadTime.Round(time.Millisecond),
			p.WordCount,
			healthLabel(p.HealthCheck),
			p.URL,
		)
	}
	_ = tw.Flush()
}

func healthLabel(h *crawler.HealthCheckResult) string {
	switch {
	case h == nil:
		return "-"
	case h.Healthy():
		return "ok"
	case h.ErrorKind != "":
		return string(h.ErrorKind)
	default:
		return fmt.Sprintf("http %d", h.StatusCode)
	}
}
