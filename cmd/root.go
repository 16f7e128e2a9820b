// Package cmd defines the campus-crawler command line.
//
// Every subcommand shares one application built in the root command's
// PersistentPreRunE: configuration comes from the --config file, the
// CRAWLER_* environment and an optional .env file; logging is zap; the
// application owns the blob store, the optional Postgres stores, the
// publisher, the checkpoint store and the pipeline orchestrator.
//
// Interrupting a crawl (SIGINT or SIGTERM) pauses the job at the next page
// boundary and leaves a checkpoint behind, so `resume <job_id>` picks it up
// where it stopped.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/campus-crawler/internal/app"
	"github.com/JakeFAU/campus-crawler/internal/checkpoint"
	"github.com/JakeFAU/campus-crawler/internal/config"
	"github.com/JakeFAU/campus-crawler/internal/crawler"
	"github.com/JakeFAU/campus-crawler/internal/export"
	"github.com/JakeFAU/campus-crawler/internal/frontier"
	"github.com/JakeFAU/campus-crawler/internal/logging"
)

// appKeyType is the key for storing the App in the context.
type appKeyType string

const appKey appKeyType = "app"

// App is the slice of the application the commands use. Tests swap in a fake
// through newApp.
type App interface {
	Close()
	GetLogger() *zap.Logger
	Config() config.Config
	Crawl(ctx context.Context, domain string, cfg crawler.JobConfig) (*crawler.CrawlJob, error)
	Resume(ctx context.Context, jobID string) (*crawler.CrawlJob, error)
	Jobs() ([]checkpoint.Summary, error)
	Job(jobID string) (*checkpoint.Checkpoint, error)
	JobPages(jobID string, states ...frontier.State) ([]*crawler.Page, error)
	Export(ctx context.Context, jobID string, formats ...export.Format) ([]string, error)
	OpenExport(ctx context.Context, jobID, kind string, f export.Format) (io.ReadCloser, error)
	Report(ctx context.Context, jobID string) (*export.SiteReport, string, error)
}

// newApp is the application factory.
var newApp = func(ctx context.Context, cfg config.Config, logger *zap.Logger) (App, error) {
	return app.New(ctx, cfg, logger)
}

type rootOptions struct {
	configFile string
	verbose    bool
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:   "campus-crawler",
		Short: "A resumable, polite crawler for institutional domains.",
		Long: `campus-crawler discovers and fetches the pages of one institutional
domain and its subdomains, extracts clean text and contacts, and exports the
results as CSV and JSON. Jobs checkpoint as they go and can be resumed after
an interruption or a time limit.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			// A missing .env is the normal case.
			_ = godotenv.Load()
			cfg, err := config.Load(opts.configFile)
			if err != nil {
				return err
			}
			logger, err := logging.New(cfg.Logging.Development || opts.verbose)
			if err != nil {
				return err
			}
			zap.ReplaceGlobals(logger)
			if cfg.File != "" {
				logger.Debug("loaded config file", zap.String("path", cfg.File))
			}
			appInstance, err := newApp(cmd.Context(), cfg, logger)
			if err != nil {
				_ = logger.Sync()
				return fmt.Errorf("failed to initialize application services: %w", err)
			}
			cmd.SetContext(context.WithValue(cmd.Context(), appKey, appInstance))
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, _ []string) {
			if appInstance, ok := cmd.Context().Value(appKey).(App); ok && appInstance != nil {
				appInstance.Close()
			}
		},
	}

	cmd.PersistentFlags().StringVar(&opts.configFile, "config", "",
		"config file (default: ./config.yaml, /etc/campus-crawler or $HOME/.campus-crawler)")
	cmd.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "development logging at debug level")

	cmd.AddCommand(
		newCrawlCmd(),
		newResumeCmd(),
		newStatusCmd(),
		newExportCmd(),
		newReportCmd(),
		newServeCmd(),
	)
	return cmd
}

// Execute runs the CLI and exits non-zero on failure. A paused job is not a
// failure.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := newRootCmd().ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func resolveApp(ctx context.Context) (App, error) {
	appInstance, ok := ctx.Value(appKey).(App)
	if !ok || appInstance == nil {
		return nil, errors.New("application services not initialized")
	}
	return appInstance, nil
}
