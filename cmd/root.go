// Package cmd implements the siteaudit command line.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/siteaudit/internal/app"
	"github.com/JakeFAU/siteaudit/internal/config"
	"github.com/JakeFAU/siteaudit/internal/crawler"
	"github.com/JakeFAU/siteaudit/internal/worker"
)

// App is the subset of *app.App the commands use, so tests can inject a fake.
type App interface {
	Logger() *zap.Logger
	Executor() worker.Executor
	RunStore() crawler.RunStore
	Archive() crawler.RunArchive
	Serve(ctx context.Context) error
	Close(ctx context.Context) error
}

// configKeyType is the context key for the loaded configuration.
type configKeyType string

const configKey configKeyType = "config"

// newApp is the application factory. Tests replace it with a fake.
var newApp = func(ctx context.Context, cfg config.Config, opts ...app.Option) (App, error) {
	return app.Build(ctx, cfg, opts...)
}

// newRootCmd creates the root command and its subcommands.
func newRootCmd() *cobra.Command {
	var cfgFile string
	cmd := &cobra.Command{
		Use:   "siteaudit",
		Short: "Crawl a website and audit every page it reaches.",
		Long: `siteaudit crawls a site breadth-first from a seed URL, records SEO,
performance, accessibility and link-health metrics for each page, and keeps
the results in Redis for later review. Run it once from the command line or
as an HTTP service that accepts crawl jobs.`,
		SilenceUsage: true,

		// Load configuration before any subcommand runs.
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			cmd.SetContext(context.WithValue(cmd.Context(), configKey, cfg))
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "path to a YAML config file")

	cmd.AddCommand(newCrawlCmd())
	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newRunsCmd())
	return cmd
}

// Execute runs the root command and exits non-zero on failure.
func Execute() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func loadedConfig(ctx context.Context) (config.Config, error) {
	cfg, ok := ctx.Value(configKey).(config.Config)
	if !ok {
		return config.Config{}, errors.New("configuration not loaded")
	}
	return cfg, nil
}

// withApp builds the application, runs fn and closes the application.
func withApp(cmd *cobra.Command, fn func(App) error, opts ...app.Option) error {
	ctx := cmd.Context()
	cfg, err := loadedConfig(ctx)
	if err != nil {
		return err
	}
	a, err := newApp(ctx, cfg, opts...)
	if err != nil {
		return fmt.Errorf("initialize application services: %w", err)
	}
	runErr := fn(a)
	if err := a.Close(context.WithoutCancel(ctx)); err != nil {
		a.Logger().Warn("application close failed", zap.Error(err))
	}
	return runErr
}

func printf(w io.Writer, format string, args ...any) {
	_, _ = fmt.Fprintf(w, format, args...)
}
