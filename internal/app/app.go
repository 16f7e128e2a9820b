// Package app initializes and holds long-lived application services, acting
// as the dependency injection container for the CLI and the status API.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/storage"
	"go.uber.org/zap"

	"github.com/JakeFAU/campus-crawler/internal/analyze"
	"github.com/JakeFAU/campus-crawler/internal/checkpoint"
	"github.com/JakeFAU/campus-crawler/internal/clock/system"
	"github.com/JakeFAU/campus-crawler/internal/config"
	"github.com/JakeFAU/campus-crawler/internal/crawler"
	"github.com/JakeFAU/campus-crawler/internal/discovery"
	"github.com/JakeFAU/campus-crawler/internal/export"
	"github.com/JakeFAU/campus-crawler/internal/extract"
	collyfetcher "github.com/JakeFAU/campus-crawler/internal/fetcher/colly"
	"github.com/JakeFAU/campus-crawler/internal/fetcher/headless"
	"github.com/JakeFAU/campus-crawler/internal/frontier"
	"github.com/JakeFAU/campus-crawler/internal/hash/sha256"
	"github.com/JakeFAU/campus-crawler/internal/headless/detector"
	"github.com/JakeFAU/campus-crawler/internal/id/uuid"
	"github.com/JakeFAU/campus-crawler/internal/pipeline"
	"github.com/JakeFAU/campus-crawler/internal/policy/ratelimit"
	memorypub "github.com/JakeFAU/campus-crawler/internal/publisher/memory"
	pubsubpub "github.com/JakeFAU/campus-crawler/internal/publisher/pubsub"
	"github.com/JakeFAU/campus-crawler/internal/storage/gcs"
	"github.com/JakeFAU/campus-crawler/internal/storage/local"
	"github.com/JakeFAU/campus-crawler/internal/storage/postgres"
	"github.com/JakeFAU/campus-crawler/internal/store"
	"github.com/JakeFAU/campus-crawler/internal/worker"
)

// App holds the shared services. It is built once at startup and closed
// when the command finishes.
type App struct {
	cfg    config.Config
	logger *zap.Logger
	clock  crawler.Clock

	blobs       crawler.BlobStore
	pages       crawler.PageStore
	recorder    crawler.JobRecorder
	publisher   crawler.Publisher
	checkpoints *checkpoint.Store
	exporter    *export.Exporter
	pipeline    *pipeline.Orchestrator

	closers []func() error
}

// Option overrides a service, mostly for tests.
type Option func(*App)

// WithClock replaces the system clock.
func WithClock(c crawler.Clock) Option { return func(a *App) { a.clock = c } }

// WithBlobStore replaces the configured blob store.
func WithBlobStore(b crawler.BlobStore) Option { return func(a *App) { a.blobs = b } }

// WithPublisher replaces the configured event publisher.
func WithPublisher(p crawler.Publisher) Option { return func(a *App) { a.publisher = p } }

// New creates the services described by cfg. It fails fast when a configured
// backend cannot be reached.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger, opts ...Option) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &App{cfg: cfg, logger: logger}
	for _, opt := range opts {
		opt(a)
	}
	if a.clock == nil {
		a.clock = system.New()
	}
	logger.Info("initializing application services", zap.String("data_dir", cfg.DataDir))

	if err := a.initBlobStore(ctx); err != nil {
		a.Close()
		return nil, err
	}
	if err := a.initDatabase(ctx); err != nil {
		a.Close()
		return nil, err
	}
	if err := a.initPublisher(ctx); err != nil {
		a.Close()
		return nil, err
	}

	formats, err := cfg.ExportFormats()
	if err != nil {
		a.Close()
		return nil, err
	}
	a.checkpoints = checkpoint.NewStore(cfg.CheckpointDir(), logger)
	a.exporter = export.New(a.blobs, a.clock, logger)
	deps := pipeline.Deps{
		Build:       a.BuildComponents,
		Checkpoints: a.checkpoints,
		Exporter:    a.exporter,
		Publisher:   a.publisher,
		Recorder:    a.recorder,
		IDs:         uuid.New(),
		Clock:       a.clock,
		Logger:      logger,
	}
	a.pipeline, err = pipeline.New(pipeline.Config{
		QueueDir:      cfg.QueueDir(),
		EventTopic:    cfg.PubSub.TopicName,
		ExportFormats: formats,
	}, deps)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("build pipeline: %w", err)
	}

	logger.Info("application services initialized")
	return a, nil
}

func (a *App) initBlobStore(ctx context.Context) error {
	if a.blobs != nil {
		return nil
	}
	switch a.cfg.Storage.Backend {
	case config.StorageGCS:
		client, err := storage.NewClient(ctx)
		if err != nil {
			return fmt.Errorf("create storage client: %w", err)
		}
		a.closers = append(a.closers, client.Close)
		blobs, err := gcs.New(client, gcs.Config{Bucket: a.cfg.Storage.GCSBucket, Prefix: a.cfg.Storage.Prefix})
		if err != nil {
			return err
		}
		a.logger.Info("using GCS blob storage", zap.String("bucket", a.cfg.Storage.GCSBucket))
		a.blobs = blobs
	default:
		blobs, err := local.New(local.Config{BaseDir: a.cfg.DataDir})
		if err != nil {
			return err
		}
		a.logger.Info("using local blob storage", zap.String("dir", a.cfg.DataDir))
		a.blobs = blobs
	}
	return nil
}

func (a *App) initDatabase(ctx context.Context) error {
	if a.cfg.DB.DSN == "" {
		return nil
	}
	db := a.cfg.DB
	pool, err := postgres.Connect(ctx, postgres.Config{
		DSN:             db.DSN,
		PagesTable:      db.PagesTable,
		JobsTable:       db.JobsTable,
		MaxConns:        db.MaxConns,
		MinConns:        db.MinConns,
		MaxConnLifetime: db.MaxConnLifetime,
	})
	if err != nil {
		return err
	}
	a.closers = append(a.closers, func() error { pool.Close(); return nil })

	pages, err := postgres.NewPageStore(pool, db.PagesTable)
	if err != nil {
		return err
	}
	jobs, err := postgres.NewJobStore(pool, db.JobsTable)
	if err != nil {
		return err
	}
	if err := pages.EnsureSchema(ctx); err != nil {
		return err
	}
	if err := jobs.EnsureSchema(ctx); err != nil {
		return err
	}
	a.logger.Info("page index enabled", zap.String("pages_table", db.PagesTable), zap.String("jobs_table", db.JobsTable))
	a.pages = pages
	a.recorder = jobs
	return nil
}

func (a *App) initPublisher(ctx context.Context) error {
	if a.publisher != nil {
		return nil
	}
	if a.cfg.PubSub.ProjectID == "" {
		a.logger.Info("pubsub not configured, job events stay in memory")
		a.publisher = memorypub.New()
		return nil
	}
	client, err := pubsub.NewClient(ctx, a.cfg.PubSub.ProjectID)
	if err != nil {
		return fmt.Errorf("create pubsub client: %w", err)
	}
	pub, err := pubsubpub.New(client, a.cfg.PubSub.TopicName)
	if err != nil {
		_ = client.Close()
		return err
	}
	a.closers = append(a.closers, pub.Close)
	a.logger.Info("publishing job events to pubsub", zap.String("topic", a.cfg.PubSub.TopicName))
	a.publisher = pub
	return nil
}

// BuildComponents wires the per-job collaborators from the job's own
// configuration. The returned Close releases the browser pool.
func (a *App) BuildComponents(job *crawler.CrawlJob) (*pipeline.Components, error) {
	cfg := job.Config
	rate := ratelimit.New(cfg.RatePolicy(), a.clock, a.logger)
	httpFetcher := collyfetcher.New(collyfetcher.Config{
		UserAgent: cfg.UserAgent,
		Timeout:   cfg.RequestTimeout,
	})

	var (
		browser crawler.Fetcher
		pool    *headless.Pool
	)
	if cfg.Browser.Enabled {
		var err error
		pool, err = headless.NewPool(headless.Config{
			PoolSize:          cfg.Browser.PoolSize,
			RestartAfter:      cfg.Browser.RestartAfter,
			UserAgent:         cfg.UserAgent,
			NavigationTimeout: cfg.Browser.Timeout,
		}, a.logger)
		if err != nil {
			return nil, fmt.Errorf("browser pool: %w", err)
		}
		browser = pool
	}

	scope := crawler.NewScope(job.Domain, cfg.SubdomainAllowlist, cfg.MaxSubdomains)
	robots := discovery.NewRobots(httpFetcher, rate, cfg.RespectRobots, cfg.UserAgent, a.logger)
	filter, err := discovery.NewFilter(cfg, scope, robots)
	if err != nil {
		if pool != nil {
			pool.Close()
		}
		return nil, fmt.Errorf("url filter: %w", err)
	}

	executor := worker.New(rate, httpFetcher, browser, detector.NewChallenge(0), a.clock, worker.Config{
		RequestTimeout: cfg.RequestTimeout,
		BrowserTimeout: cfg.Browser.Timeout,
	}, a.logger)

	comps := &pipeline.Components{
		Seeder:  discovery.NewSeeder(robots, discovery.NewSitemaps(httpFetcher, rate, a.logger), filter, a.logger),
		Fetcher: executor,
		Links:   discovery.NewLinks(filter),
		Stages: []pipeline.Stage{
			extract.New(a.clock, a.logger),
			analyze.New(a.clock, a.logger),
			store.New(a.blobs, a.pages, sha256.New(), a.clock, a.logger),
		},
		Scope: scope,
	}
	if pool != nil {
		comps.Close = pool.Close
	}
	return comps, nil
}

// Pipeline returns the job orchestrator.
func (a *App) Pipeline() *pipeline.Orchestrator { return a.pipeline }

// Crawl starts a new job for domain.
func (a *App) Crawl(ctx context.Context, domain string, cfg crawler.JobConfig) (*crawler.CrawlJob, error) {
	return a.pipeline.Run(ctx, domain, cfg)
}

// Resume continues a paused or interrupted job.
func (a *App) Resume(ctx context.Context, jobID string) (*crawler.CrawlJob, error) {
	return a.pipeline.Resume(ctx, jobID)
}

// Checkpoints returns the checkpoint store.
func (a *App) Checkpoints() *checkpoint.Store { return a.checkpoints }

// Config returns the loaded configuration.
func (a *App) Config() config.Config { return a.cfg }

// GetLogger returns the shared zap logger.
func (a *App) GetLogger() *zap.Logger { return a.logger }

// Jobs summarizes every known job, newest first.
func (a *App) Jobs() ([]checkpoint.Summary, error) {
	return a.checkpoints.List()
}

// Job loads the checkpoint of one job.
func (a *App) Job(jobID string) (*checkpoint.Checkpoint, error) {
	return a.checkpoints.Load(jobID)
}

// JobPages returns the job's pages in the given states. Queue files are read
// when present; otherwise the checkpoint lists are used. Nothing is written.
func (a *App) JobPages(jobID string, states ...frontier.State) ([]*crawler.Page, error) {
	if len(states) == 0 {
		states = frontier.States
	}
	if frontier.Exists(a.cfg.QueueDir(), jobID) {
		f, err := frontier.Load(a.cfg.QueueDir(), jobID)
		if err != nil {
			return nil, err
		}
		var out []*crawler.Page
		for _, st := range states {
			out = append(out, f.Pages(st)...)
		}
		return out, nil
	}
	cp, err := a.checkpoints.Load(jobID)
	if err != nil {
		return nil, err
	}
	snap := cp.Snapshot()
	var out []*crawler.Page
	for _, st := range states {
		switch st {
		case frontier.StatePending:
			out = append(out, snap.Pending...)
		case frontier.StateProcessing:
			out = append(out, snap.Processing...)
		case frontier.StateCompleted:
			out = append(out, snap.Completed...)
		case frontier.StateFailed:
			out = append(out, snap.Failed...)
		}
	}
	return out, nil
}

// Export writes the job's completed and failed pages in formats.
func (a *App) Export(ctx context.Context, jobID string, formats ...export.Format) ([]string, error) {
	if len(formats) == 0 {
		return nil, fmt.Errorf("at least one export format is required")
	}
	pages, err := a.JobPages(jobID, frontier.StateCompleted, frontier.StateFailed)
	if err != nil {
		return nil, err
	}
	if len(pages) == 0 {
		return nil, fmt.Errorf("job %s has no crawled pages", jobID)
	}
	return a.exporter.Export(ctx, jobID, pages, formats...)
}

// Report writes the site report for a job from its completed and failed
// pages.
func (a *App) Report(ctx context.Context, jobID string) (*export.SiteReport, string, error) {
	cp, err := a.checkpoints.Load(jobID)
	if err != nil {
		return nil, "", err
	}
	pages, err := a.JobPages(jobID, frontier.StateCompleted, frontier.StateFailed)
	if err != nil {
		return nil, "", err
	}
	return a.exporter.Report(ctx, cp.Job, pages)
}

// OpenExport reads back an export file written by Export or by a completed
// job.
func (a *App) OpenExport(ctx context.Context, jobID, kind string, f export.Format) (io.ReadCloser, error) {
	if _, err := a.checkpoints.Load(jobID); err != nil {
		return nil, err
	}
	rc, err := a.blobs.OpenObject(ctx, export.Path(jobID, kind, f))
	if err != nil {
		return nil, fmt.Errorf("open %s export of job %s: %w", kind, jobID, err)
	}
	return rc, nil
}

// Close shuts down every service in reverse order of creation. It is called
// by a cobra hook after the command finishes.
func (a *App) Close() {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	if err := errors.Join(errs...); err != nil {
		a.logger.Warn("error closing services", zap.Error(err))
	}
	// Sync fails on stderr for some platforms; there is nothing left to report it to.
	_ = a.logger.Sync()
}
