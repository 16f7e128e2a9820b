package app_test

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/campus-crawler/internal/app"
	"github.com/JakeFAU/campus-crawler/internal/checkpoint"
	"github.com/JakeFAU/campus-crawler/internal/clock/fake"
	"github.com/JakeFAU/campus-crawler/internal/config"
	"github.com/JakeFAU/campus-crawler/internal/crawler"
	"github.com/JakeFAU/campus-crawler/internal/export"
	"github.com/JakeFAU/campus-crawler/internal/frontier"
	"github.com/JakeFAU/campus-crawler/internal/storage/memory"
)

var epoch = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

// MockPublisher mocks crawler.Publisher.
type MockPublisher struct {
	mock.Mock
}

// Publish satisfies crawler.Publisher.
func (m *MockPublisher) Publish(ctx context.Context, topic string, payload any) (string, error) {
	args := m.Called(ctx, topic, payload)
	return args.String(0), args.Error(1)
}

func testConfig(t *testing.T) config.Config {
	t.Helper()
	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.DataDir = t.TempDir()
	cfg.Browser.Enabled = false
	return cfg
}

func newApp(t *testing.T, cfg config.Config, opts ...app.Option) *app.App {
	t.Helper()
	a, err := app.New(context.Background(), cfg, zap.NewNop(), opts...)
	require.NoError(t, err)
	t.Cleanup(a.Close)
	return a
}

func seedJob(t *testing.T, a *app.App) {
	t.Helper()
	job := crawler.NewCrawlJob("job-1", "example.edu", a.Config().JobConfig("example.edu"), epoch)
	job.Status = crawler.JobStatusPaused
	state := crawler.NewPipelineState("job-1", epoch)

	done := crawler.NewPage("https://example.edu/", "job-1", 3, epoch)
	done.Status = crawler.PageAnalyzed
	done.Title = "Example University"
	done.StatusCode = 200
	done.Emails = []string{"info@example.edu"}
	failed := crawler.NewPage("https://example.edu/missing", "job-1", 3, epoch)
	failed.MarkFailed("HTTP 404", epoch)
	waiting := crawler.NewPage("https://example.edu/next", "job-1", 3, epoch)

	snap := frontier.Snapshot{
		Pending:   []*crawler.Page{waiting},
		Completed: []*crawler.Page{done},
		Failed:    []*crawler.Page{failed},
	}
	require.NoError(t, a.Checkpoints().Save(checkpoint.New(job, state, snap, epoch)))
}

func TestNewWithLocalDefaults(t *testing.T) {
	t.Parallel()
	a := newApp(t, testConfig(t))

	require.NotNil(t, a.Pipeline())
	require.NotNil(t, a.Checkpoints())
	require.NotNil(t, a.GetLogger())

	jobs, err := a.Jobs()
	require.NoError(t, err)
	assert.Empty(t, jobs)
}

func TestBuildComponents(t *testing.T) {
	t.Parallel()
	cfg := testConfig(t)
	a := newApp(t, cfg)

	job := crawler.NewCrawlJob("job-1", "example.edu", cfg.JobConfig("example.edu"), epoch)
	comps, err := a.BuildComponents(job)
	require.NoError(t, err)

	require.NotNil(t, comps.Seeder)
	require.NotNil(t, comps.Fetcher)
	require.NotNil(t, comps.Links)
	require.NotNil(t, comps.Scope)
	assert.Nil(t, comps.Close, "no browser pool without the browser")

	var names []crawler.Stage
	for _, st := range comps.Stages {
		names = append(names, st.Name())
	}
	assert.Equal(t, []crawler.Stage{crawler.StageExtract, crawler.StageAnalyze, crawler.StageStore}, names)
}

func TestBuildComponentsWithBrowserPool(t *testing.T) {
	t.Parallel()
	cfg := testConfig(t)
	a := newApp(t, cfg)

	jobCfg := cfg.JobConfig("example.edu")
	jobCfg.Browser.Enabled = true
	jobCfg.Browser.PoolSize = 1
	comps, err := a.BuildComponents(crawler.NewCrawlJob("job-1", "example.edu", jobCfg, epoch))
	require.NoError(t, err)
	require.NotNil(t, comps.Close, "browsers launch lazily, so closing an unused pool is safe")
	comps.Close()
}

func TestBuildComponentsRejectsBadPatterns(t *testing.T) {
	t.Parallel()
	cfg := testConfig(t)
	a := newApp(t, cfg)

	jobCfg := cfg.JobConfig("example.edu")
	jobCfg.ExcludePatterns = []string{"("}
	_, err := a.BuildComponents(crawler.NewCrawlJob("job-1", "example.edu", jobCfg, epoch))
	require.Error(t, err)
}

func TestJobPagesFallsBackToCheckpoint(t *testing.T) {
	t.Parallel()
	a := newApp(t, testConfig(t))
	seedJob(t, a)

	pages, err := a.JobPages("job-1", frontier.StateCompleted, frontier.StateFailed)
	require.NoError(t, err)
	require.Len(t, pages, 2)
	assert.Equal(t, "https://example.edu/", pages[0].URL)
	assert.Equal(t, "https://example.edu/missing", pages[1].URL)

	all, err := a.JobPages("job-1")
	require.NoError(t, err)
	assert.Len(t, all, 3)

	_, err = a.JobPages("nope")
	require.ErrorIs(t, err, crawler.ErrJobNotFound)
}

func TestJobPagesPrefersQueueFiles(t *testing.T) {
	t.Parallel()
	cfg := testConfig(t)
	a := newApp(t, cfg)
	seedJob(t, a)

	f, err := frontier.Open(cfg.QueueDir(), "job-1")
	require.NoError(t, err)
	_, err = f.Enqueue([]*crawler.Page{crawler.NewPage("https://example.edu/queued", "job-1", 3, epoch)})
	require.NoError(t, err)

	pages, err := a.JobPages("job-1", frontier.StatePending)
	require.NoError(t, err)
	require.Len(t, pages, 1)
	assert.Equal(t, "https://example.edu/queued", pages[0].URL)
}

func TestExportWritesThroughBlobStore(t *testing.T) {
	t.Parallel()
	blobs := memory.NewBlobStore()
	a := newApp(t, testConfig(t), app.WithBlobStore(blobs), app.WithClock(fake.New(epoch)))
	seedJob(t, a)

	uris, err := a.Export(context.Background(), "job-1", export.FormatCSV)
	require.NoError(t, err)
	assert.Len(t, uris, 2)

	data, ok := blobs.Get(export.Path("job-1", export.KindPages, export.FormatCSV))
	require.True(t, ok)
	assert.Contains(t, string(data), "Example University")
	_, ok = blobs.Get(export.Path("job-1", export.KindContacts, export.FormatCSV))
	assert.True(t, ok)

	_, err = a.Export(context.Background(), "job-1")
	require.Error(t, err, "a format is required")
}

func TestReportWritesThroughBlobStore(t *testing.T) {
	t.Parallel()
	blobs := memory.NewBlobStore()
	a := newApp(t, testConfig(t), app.WithBlobStore(blobs), app.WithClock(fake.New(epoch)))
	seedJob(t, a)
	ctx := context.Background()

	rep, uri, err := a.Report(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, "memory://"+export.Path("job-1", export.KindReport, export.FormatJSON), uri)
	assert.Equal(t, 2, rep.Crawl.TotalPages, "pending pages are not reported")
	assert.Equal(t, 0.5, rep.Crawl.SuccessRate)
	assert.Equal(t, 1, rep.Contacts.UniqueEmails)
	_, ok := blobs.Get(export.Path("job-1", export.KindReport, export.FormatJSON))
	assert.True(t, ok)

	_, _, err = a.Report(ctx, "job-404")
	require.ErrorIs(t, err, crawler.ErrJobNotFound)
}

func TestOpenExport(t *testing.T) {
	t.Parallel()
	a := newApp(t, testConfig(t), app.WithClock(fake.New(epoch)))
	seedJob(t, a)
	ctx := context.Background()

	_, err := a.OpenExport(ctx, "job-1", export.KindPages, export.FormatJSON)
	require.ErrorIs(t, err, crawler.ErrObjectNotFound)

	_, err = a.Export(ctx, "job-1", export.FormatJSON)
	require.NoError(t, err)
	rc, err := a.OpenExport(ctx, "job-1", export.KindPages, export.FormatJSON)
	require.NoError(t, err)
	defer rc.Close()
	body, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Contains(t, string(body), "https://example.edu/missing")

	_, err = a.OpenExport(ctx, "job-404", export.KindPages, export.FormatJSON)
	require.ErrorIs(t, err, crawler.ErrJobNotFound)
}

func TestResumeCompletedJobPublishesNothing(t *testing.T) {
	t.Parallel()
	pub := new(MockPublisher)
	a := newApp(t, testConfig(t), app.WithPublisher(pub))

	job := crawler.NewCrawlJob("job-2", "example.edu", a.Config().JobConfig("example.edu"), epoch)
	job.Complete(epoch)
	require.NoError(t, a.Checkpoints().Save(checkpoint.New(job, crawler.NewPipelineState("job-2", epoch), frontier.Snapshot{}, epoch)))

	got, err := a.Pipeline().Resume(context.Background(), "job-2")
	require.NoError(t, err)
	assert.Equal(t, crawler.JobStatusCompleted, got.Status)
	pub.AssertNotCalled(t, "Publish", mock.Anything, mock.Anything, mock.Anything)
}

func TestNewRejectsMissingBucket(t *testing.T) {
	t.Parallel()
	cfg := testConfig(t)
	cfg.Storage.Backend = config.StorageGCS
	cfg.Storage.GCSBucket = ""
	_, err := app.New(context.Background(), cfg, zap.NewNop(), app.WithPublisher(new(MockPublisher)))
	require.Error(t, err)
}
