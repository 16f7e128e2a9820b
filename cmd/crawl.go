package cmd

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/campus-crawler/internal/config"
	"github.com/JakeFAU/campus-crawler/internal/crawler"
	"github.com/JakeFAU/campus-crawler/internal/pipeline"
)

type crawlOptions struct {
	delay     time.Duration
	maxPages  int
	timeout   time.Duration
	noBrowser bool
}

func newCrawlCmd() *cobra.Command {
	opts := &crawlOptions{}
	cmd := &cobra.Command{
		Use:   "crawl <domain>",
		Short: "Crawl an institutional domain",
		Long: `Starts a new job for the domain and its subdomains. Seeds come from
robots.txt sitemaps and the home page; pages are fetched over HTTP and
escalated to a headless browser when a challenge is detected. The job pauses
at --timeout and can be continued with resume.`,
		Example: `  campus-crawler crawl example.edu
  campus-crawler crawl https://www.example.edu --max-pages 500 --delay 2s --no-browser`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCrawl(cmd, args[0], opts)
		},
	}
	flags := cmd.Flags()
	flags.DurationVar(&opts.delay, "delay", 0, "base delay between requests to one host")
	flags.IntVar(&opts.maxPages, "max-pages", 0, "maximum number of pages to enqueue")
	flags.DurationVar(&opts.timeout, "timeout", 0, "pause the job after this much crawling")
	flags.BoolVar(&opts.noBrowser, "no-browser", false, "never escalate to the headless browser")
	return cmd
}

func runCrawl(cmd *cobra.Command, rawDomain string, opts *crawlOptions) error {
	appInstance, err := resolveApp(cmd.Context())
	if err != nil {
		return err
	}
	domain, err := config.NormalizeDomain(rawDomain)
	if err != nil {
		return err
	}
	jobCfg := appInstance.Config().JobConfig(domain)
	flags := cmd.Flags()
	if flags.Changed("delay") {
		jobCfg.BaseDelay = opts.delay
		if jobCfg.MaxDelay < jobCfg.BaseDelay {
			jobCfg.MaxDelay = jobCfg.BaseDelay
		}
	}
	if flags.Changed("max-pages") {
		jobCfg.MaxPages = opts.maxPages
	}
	if flags.Changed("timeout") {
		jobCfg.Timeout = opts.timeout
	}
	if opts.noBrowser {
		jobCfg.Browser.Enabled = false
	}

	appInstance.GetLogger().Info("starting crawl",
		zap.String("domain", domain),
		zap.Int("max_pages", jobCfg.MaxPages),
		zap.Duration("base_delay", jobCfg.BaseDelay),
		zap.Duration("timeout", jobCfg.Timeout),
		zap.Bool("browser", jobCfg.Browser.Enabled),
	)
	job, err := appInstance.Crawl(cmd.Context(), domain, jobCfg)
	return report(cmd.OutOrStdout(), job, err)
}

// report prints the outcome of a run. Pauses are reported, not returned.
func report(out io.Writer, job *crawler.CrawlJob, err error) error {
	switch {
	case errors.Is(err, pipeline.ErrPaused) && job != nil:
		fmt.Fprintf(out, "Job %s interrupted after %d pages. Run `resume %s` to continue.\n",
			job.JobID, job.ProcessedPages, job.JobID)
		return nil
	case err != nil:
		if job != nil {
			return fmt.Errorf("job %s: %w", job.JobID, err)
		}
		return err
	}
	switch job.Status {
	case crawler.JobStatusPaused:
		fmt.Fprintf(out, "Job %s reached its time limit after %d pages. Run `resume %s` to continue.\n",
			job.JobID, job.ProcessedPages, job.JobID)
	case crawler.JobStatusFailed:
		return fmt.Errorf("job %s failed", job.JobID)
	default:
		fmt.Fprintf(out, "Job %s %s: %d pages processed, %d failed, %d subdomains.\n",
			job.JobID, job.Status, job.ProcessedPages, job.FailedPages, job.SubdomainsFound)
	}
	return nil
}
