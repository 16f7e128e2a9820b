package cmd

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/campus-crawler/internal/checkpoint"
	"github.com/JakeFAU/campus-crawler/internal/config"
	"github.com/JakeFAU/campus-crawler/internal/crawler"
	"github.com/JakeFAU/campus-crawler/internal/export"
	"github.com/JakeFAU/campus-crawler/internal/frontier"
	"github.com/JakeFAU/campus-crawler/internal/pipeline"
)

var epoch = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

type fakeApp struct {
	cfg       config.Config
	crawlErr  error
	status    crawler.JobStatus
	domain    string
	jobCfg    crawler.JobConfig
	resumed   string
	formats   []export.Format
	summaries []checkpoint.Summary
	closed    bool
}

func newFakeApp(t *testing.T) *fakeApp {
	t.Helper()
	cfg, err := config.Load("")
	require.NoError(t, err)
	return &fakeApp{cfg: cfg, status: crawler.JobStatusCompleted}
}

func (f *fakeApp) Close()                 { f.closed = true }
func (f *fakeApp) GetLogger() *zap.Logger { return zap.NewNop() }
func (f *fakeApp) Config() config.Config  { return f.cfg }

func (f *fakeApp) job(domain string, cfg crawler.JobConfig) *crawler.CrawlJob {
	job := crawler.NewCrawlJob("job-1", domain, cfg, epoch)
	job.Status = f.status
	job.ProcessedPages = 7
	return job
}

func (f *fakeApp) Crawl(_ context.Context, domain string, cfg crawler.JobConfig) (*crawler.CrawlJob, error) {
	f.domain, f.jobCfg = domain, cfg
	return f.job(domain, cfg), f.crawlErr
}

func (f *fakeApp) Resume(_ context.Context, jobID string) (*crawler.CrawlJob, error) {
	f.resumed = jobID
	return f.job("example.edu", crawler.DefaultJobConfig()), f.crawlErr
}

func (f *fakeApp) Jobs() ([]checkpoint.Summary, error) { return f.summaries, nil }

func (f *fakeApp) Job(jobID string) (*checkpoint.Checkpoint, error) {
	if jobID != "job-1" {
		return nil, crawler.ErrJobNotFound
	}
	job := f.job("example.edu", crawler.DefaultJobConfig())
	return checkpoint.New(job, crawler.NewPipelineState("job-1", epoch), frontier.Snapshot{}, epoch), nil
}

func (f *fakeApp) JobPages(string, ...frontier.State) ([]*crawler.Page, error) { return nil, nil }

func (f *fakeApp) Export(_ context.Context, jobID string, formats ...export.Format) ([]string, error) {
	f.formats = formats
	var out []string
	for _, ft := range formats {
		out = append(out, export.Path(jobID, export.KindPages, ft))
	}
	return out, nil
}

func (f *fakeApp) Report(_ context.Context, jobID string) (*export.SiteReport, string, error) {
	if jobID != "job-1" {
		return nil, "", crawler.ErrJobNotFound
	}
	job := f.job("example.edu", crawler.DefaultJobConfig())
	page := crawler.NewPage("https://example.edu/", jobID, 3, epoch)
	page.Status = crawler.PageAnalyzed
	page.ExternalLinks = []string{"https://nsf.gov/"}
	rep := export.Report(job, []*crawler.Page{page}, epoch)
	return &rep, "memory://" + export.Path(jobID, export.KindReport, export.FormatJSON), nil
}

func (f *fakeApp) OpenExport(context.Context, string, string, export.Format) (io.ReadCloser, error) {
	return nil, crawler.ErrObjectNotFound
}

func execute(t *testing.T, cmd *cobra.Command, a App, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.WithValue(context.Background(), appKey, a))
	return out.String(), err
}

func TestCrawlAppliesFlags(t *testing.T) {
	t.Parallel()
	a := newFakeApp(t)
	out, err := execute(t, newCrawlCmd(), a,
		"https://www.Example.edu/about", "--max-pages", "25", "--delay", "3s", "--timeout", "30m", "--no-browser")
	require.NoError(t, err)

	assert.Equal(t, "example.edu", a.domain)
	assert.Equal(t, 25, a.jobCfg.MaxPages)
	assert.Equal(t, 3*time.Second, a.jobCfg.BaseDelay)
	assert.GreaterOrEqual(t, a.jobCfg.MaxDelay, a.jobCfg.BaseDelay)
	assert.Equal(t, 30*time.Minute, a.jobCfg.Timeout)
	assert.False(t, a.jobCfg.Browser.Enabled)
	assert.Contains(t, out, "Job job-1 completed")
}

func TestCrawlKeepsConfigDefaults(t *testing.T) {
	t.Parallel()
	a := newFakeApp(t)
	_, err := execute(t, newCrawlCmd(), a, "example.edu")
	require.NoError(t, err)
	assert.Equal(t, a.cfg.JobConfig("example.edu"), a.jobCfg)
}

func TestCrawlRejectsBadDomain(t *testing.T) {
	t.Parallel()
	a := newFakeApp(t)
	_, err := execute(t, newCrawlCmd(), a, "localhost")
	require.Error(t, err)
	assert.Empty(t, a.domain)
}

func TestCrawlInterruptedIsNotAnError(t *testing.T) {
	t.Parallel()
	a := newFakeApp(t)
	a.status = crawler.JobStatusPaused
	a.crawlErr = pipeline.ErrPaused
	out, err := execute(t, newCrawlCmd(), a, "example.edu")
	require.NoError(t, err)
	assert.Contains(t, out, "resume job-1")
}

func TestCrawlFailureIsReturned(t *testing.T) {
	t.Parallel()
	a := newFakeApp(t)
	a.status = crawler.JobStatusFailed
	a.crawlErr = errors.New("disk full")
	_, err := execute(t, newCrawlCmd(), a, "example.edu")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "job-1")
	assert.Contains(t, err.Error(), "disk full")
}

func TestResumeReportsTimeLimit(t *testing.T) {
	t.Parallel()
	a := newFakeApp(t)
	a.status = crawler.JobStatusPaused
	out, err := execute(t, newResumeCmd(), a, "job-1")
	require.NoError(t, err)
	assert.Equal(t, "job-1", a.resumed)
	assert.Contains(t, out, "time limit")
}

func TestStatusListsJobs(t *testing.T) {
	t.Parallel()
	a := newFakeApp(t)
	out, err := execute(t, newStatusCmd(), a)
	require.NoError(t, err)
	assert.Contains(t, out, "No jobs found.")

	a.summaries = []checkpoint.Summary{{
		JobID: "job-1", Domain: "example.edu", Status: crawler.JobStatusPaused,
		Stage: crawler.StageFetch, TotalPages: 10, ProcessedPages: 4, CheckpointTime: epoch,
	}}
	out, err = execute(t, newStatusCmd(), a)
	require.NoError(t, err)
	assert.Contains(t, out, "JOB ID")
	assert.Contains(t, out, "example.edu")
	assert.Contains(t, out, "2025-03-01T12:00:00Z")
}

func TestStatusShowsOneJob(t *testing.T) {
	t.Parallel()
	a := newFakeApp(t)
	out, err := execute(t, newStatusCmd(), a, "job-1")
	require.NoError(t, err)
	assert.Contains(t, out, "Domain:")
	assert.Contains(t, out, "example.edu")

	_, err = execute(t, newStatusCmd(), a, "nope")
	require.ErrorIs(t, err, crawler.ErrJobNotFound)
}

func TestExportFormats(t *testing.T) {
	t.Parallel()
	a := newFakeApp(t)
	out, err := execute(t, newExportCmd(), a, "job-1", "--csv")
	require.NoError(t, err)
	assert.Equal(t, []export.Format{export.FormatCSV}, a.formats)
	assert.Contains(t, out, export.Path("job-1", export.KindPages, export.FormatCSV))

	_, err = execute(t, newExportCmd(), a, "job-1")
	require.NoError(t, err)
	assert.Equal(t, []export.Format{export.FormatCSV, export.FormatJSON}, a.formats, "configured formats")
}

func TestReportPrintsSummary(t *testing.T) {
	t.Parallel()
	a := newFakeApp(t)
	out, err := execute(t, newReportCmd(), a, "job-1")
	require.NoError(t, err)
	assert.Contains(t, out, "job-1 (example.edu)")
	assert.Contains(t, out, "1 ok, 0 failed, 100.0% success")
	assert.Contains(t, out, "1 external domains")
	assert.Contains(t, out, "memory://exports/job-1_report.json")

	_, err = execute(t, newReportCmd(), a, "job-404")
	require.ErrorIs(t, err, crawler.ErrJobNotFound)
}

func TestCommandsNeedAnApp(t *testing.T) {
	t.Parallel()
	cmd := newStatusCmd()
	cmd.SetArgs(nil)
	cmd.SetOut(&bytes.Buffer{})
	err := cmd.ExecuteContext(context.Background())
	require.Error(t, err)
}

// Not parallel: swaps the package-level factory.
func TestRootBuildsAndClosesApp(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte("data_dir: "+dir+"\n"), 0o600))

	a := newFakeApp(t)
	var got config.Config
	orig := newApp
	newApp = func(_ context.Context, cfg config.Config, _ *zap.Logger) (App, error) {
		got = cfg
		return a, nil
	}
	t.Cleanup(func() { newApp = orig })

	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"--config", cfgPath, "status"})
	require.NoError(t, root.ExecuteContext(context.Background()))

	assert.Equal(t, dir, got.DataDir)
	assert.Equal(t, cfgPath, got.File)
	assert.True(t, a.closed)
	assert.Contains(t, out.String(), "No jobs found.")
}

func TestRootReportsAppFailure(t *testing.T) {
	orig := newApp
	newApp = func(context.Context, config.Config, *zap.Logger) (App, error) {
		return nil, errors.New("boom")
	}
	t.Cleanup(func() { newApp = orig })

	root := newRootCmd()
	root.SetOut(&bytes.Buffer{})
	root.SetArgs([]string{"status"})
	err := root.ExecuteContext(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")
}
