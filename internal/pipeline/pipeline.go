// Package pipeline runs crawl jobs: discovery, the checkpointed fetch loop,
// catch-up stage passes over completed pages, and export.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/campus-crawler/internal/checkpoint"
	"github.com/JakeFAU/campus-crawler/internal/crawler"
	"github.com/JakeFAU/campus-crawler/internal/export"
	"github.com/JakeFAU/campus-crawler/internal/frontier"
	"github.com/JakeFAU/campus-crawler/internal/logging"
	"github.com/JakeFAU/campus-crawler/internal/metrics"
)

// ErrPaused is returned when the context is canceled. The job was
// checkpointed as paused and can be resumed.
var ErrPaused = errors.New("job paused")

// errDeadline stops a run when the job's time budget is spent.
var errDeadline = errors.New("job deadline reached")

const notifyTimeout = 10 * time.Second

// Config holds process-level settings shared by every job.
type Config struct {
	QueueDir      string
	EventTopic    string
	ExportFormats []export.Format
}

// Deps are the collaborators shared by every job. Exporter, Publisher and
// Recorder are optional.
type Deps struct {
	Build       Builder
	Checkpoints *checkpoint.Store
	Exporter    Exporter
	Publisher   crawler.Publisher
	Recorder    crawler.JobRecorder
	IDs         crawler.IDGenerator
	Clock       crawler.Clock
	Logger      *zap.Logger
}

// Orchestrator drives jobs through the stage machine. One job runs at a time
// on a single sequential loop.
type Orchestrator struct {
	cfg    Config
	deps   Deps
	logger *zap.Logger
}

// run is the in-memory state of one job execution.
type run struct {
	job             *crawler.CrawlJob
	state           *crawler.PipelineState
	frontier        *frontier.Frontier
	comps           *Components
	log             *zap.Logger
	deadline        time.Time
	sinceCheckpoint int
}

type pageResult int

const (
	resultCompleted pageResult = iota
	resultFailed
	resultRetry
	resultDeferred
	resultInterrupted
)

// New builds an Orchestrator.
func New(cfg Config, deps Deps) (*Orchestrator, error) {
	switch {
	case cfg.QueueDir == "":
		return nil, fmt.Errorf("queue dir is required")
	case deps.Build == nil:
		return nil, fmt.Errorf("component builder is required")
	case deps.Checkpoints == nil:
		return nil, fmt.Errorf("checkpoint store is required")
	case deps.IDs == nil:
		return nil, fmt.Errorf("id generator is required")
	case deps.Clock == nil:
		return nil, fmt.Errorf("clock is required")
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	return &Orchestrator{cfg: cfg, deps: deps, logger: deps.Logger}, nil
}

// Run creates a job for domain and runs it until it completes, pauses or
// fails. The returned job is non-nil once the job was created.
func (o *Orchestrator) Run(ctx context.Context, domain string, cfg crawler.JobConfig) (*crawler.CrawlJob, error) {
	if domain == "" {
		return nil, fmt.Errorf("domain is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid job config: %w", err)
	}
	id, err := o.deps.IDs.NewID()
	if err != nil {
		return nil, fmt.Errorf("new job id: %w", err)
	}
	now := o.deps.Clock.Now()
	r := &run{
		job:   crawler.NewCrawlJob(id, domain, cfg, now),
		state: crawler.NewPipelineState(id, now),
		log:   logging.ForJob(o.logger, id, domain),
	}
	if r.frontier, err = frontier.Open(o.cfg.QueueDir, id); err != nil {
		return r.job, err
	}
	if err := o.checkpoint(ctx, r); err != nil {
		return r.job, err
	}
	r.log.Info("job created")
	return r.job, o.execute(ctx, r)
}

// Resume continues a job from its checkpoint. Queue files win over the
// checkpoint's page lists when both exist. Pages stranded in processing go
// back to the front of pending.
func (o *Orchestrator) Resume(ctx context.Context, jobID string) (*crawler.CrawlJob, error) {
	cp, err := o.deps.Checkpoints.Load(jobID)
	if err != nil {
		return nil, err
	}
	job := cp.Job
	if job.Status == crawler.JobStatusCompleted {
		o.logger.Info("job already completed", zap.String("job_id", jobID))
		return job, nil
	}
	if err := job.Config.Validate(); err != nil {
		return job, fmt.Errorf("checkpoint config: %w", err)
	}

	hadQueues := frontier.Exists(o.cfg.QueueDir, jobID)
	f, err := frontier.Open(o.cfg.QueueDir, jobID)
	if err != nil {
		return job, err
	}
	if !hadQueues {
		if err := f.Restore(cp.Snapshot()); err != nil {
			return job, err
		}
	}
	recovered, err := f.RecoverProcessing()
	if err != nil {
		return job, err
	}
	o.logger.Info("resuming job",
		zap.String("job_id", jobID),
		zap.String("stage", string(cp.PipelineState.CurrentStage)),
		zap.Bool("restored_from_checkpoint", !hadQueues),
		zap.Int("recovered_processing", recovered),
	)
	return job, o.execute(ctx, &run{
		job:      job,
		state:    cp.PipelineState,
		frontier: f,
		log:      logging.ForJob(o.logger, jobID, job.Domain),
	})
}

func (o *Orchestrator) execute(ctx context.Context, r *run) error {
	comps, err := o.deps.Build(r.job)
	if err != nil {
		return o.stop(ctx, r, fmt.Errorf("build components: %w", err))
	}
	if comps.Close != nil {
		defer comps.Close()
	}
	r.comps = comps

	now := o.deps.Clock.Now()
	r.job.Start(now)
	r.deadline = now.Add(r.job.Config.Timeout)
	metrics.ObserveJob(string(crawler.JobStatusRunning))

	if r.state.CurrentStage == crawler.StageDiscovery {
		if err := o.discover(ctx, r); err != nil {
			return o.stop(ctx, r, err)
		}
	}
	if r.state.CurrentStage == crawler.StageFetch {
		reason, err := o.fetchLoop(ctx, r)
		if err != nil {
			return o.stop(ctx, r, err)
		}
		r.log.Info("fetch loop finished", zap.String("reason", reason))
	}
	if err := o.catchUp(ctx, r); err != nil {
		return o.stop(ctx, r, err)
	}
	exports, err := o.export(ctx, r)
	if err != nil {
		return o.stop(ctx, r, err)
	}

	r.job.Complete(o.deps.Clock.Now())
	if err := o.checkpoint(ctx, r); err != nil {
		return o.stop(ctx, r, err)
	}
	metrics.ObserveJob(string(crawler.JobStatusCompleted))
	o.publish(ctx, r, exports)
	r.log.Info("job completed",
		zap.Int("completed", r.job.ProcessedPages),
		zap.Int("failed", r.job.FailedPages),
		zap.Strings("exports", exports),
	)
	return nil
}

// stop ends a run. A spent time budget pauses the job and is not an error;
// cancellation pauses it and returns ErrPaused; anything else fails it.
func (o *Orchestrator) stop(ctx context.Context, r *run, cause error) error {
	fatal := errors.Is(cause, crawler.ErrStorage)
	switch {
	case !fatal && errors.Is(cause, errDeadline):
		r.job.Pause()
		if err := o.checkpoint(ctx, r); err != nil {
			return fmt.Errorf("pause checkpoint: %w", err)
		}
		r.log.Info("deadline reached, job paused")
		metrics.ObserveJob(string(crawler.JobStatusPaused))
		o.publish(ctx, r, nil)
		return nil
	case !fatal && ctx.Err() != nil:
		r.job.Pause()
		if err := o.checkpoint(ctx, r); err != nil {
			return fmt.Errorf("pause checkpoint: %w", err)
		}
		r.log.Info("job interrupted, paused")
		metrics.ObserveJob(string(crawler.JobStatusPaused))
		o.publish(ctx, r, nil)
		return ErrPaused
	default:
		r.job.Fail(o.deps.Clock.Now())
		if r.frontier != nil {
			if err := o.checkpoint(ctx, r); err != nil {
				r.log.Error("failure checkpoint not written", zap.Error(err))
			}
		}
		r.log.Error("job failed", zap.Error(cause))
		metrics.ObserveJob(string(crawler.JobStatusFailed))
		o.publish(ctx, r, nil)
		return cause
	}
}

func (o *Orchestrator) discover(ctx context.Context, r *run) error {
	seeds, err := r.comps.Seeder.Seed(ctx, r.job, o.deps.Clock.Now())
	if err != nil {
		return fmt.Errorf("discovery: %w", err)
	}
	accepted, err := r.frontier.Enqueue(o.capNew(r, seeds))
	if err != nil {
		return err
	}
	r.state.AddProgress(crawler.StageDiscovery, len(accepted))
	if err := r.state.Advance(crawler.StageFetch, o.deps.Clock.Now()); err != nil {
		return err
	}
	r.log.Info("discovery finished", zap.Int("seeds", len(accepted)))
	return o.checkpoint(ctx, r)
}

func (o *Orchestrator) fetchLoop(ctx context.Context, r *run) (string, error) {
	cfg := r.job.Config
	empty := 0
	for {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		if !o.deps.Clock.Now().Before(r.deadline) {
			return "", errDeadline
		}
		batch, err := r.frontier.DequeueBatch(cfg.BatchSize)
		if err != nil {
			return "", err
		}
		if len(batch) == 0 {
			if r.frontier.Counts().Total() >= cfg.MaxPages {
				return "page limit reached", nil
			}
			empty++
			if empty >= cfg.MaxEmptyBatches {
				return "queue drained", nil
			}
			if err := o.deps.Clock.Sleep(ctx, cfg.EmptyBatchWait); err != nil {
				return "", err
			}
			continue
		}
		empty = 0
		if err := o.runBatch(ctx, r, batch); err != nil {
			return "", err
		}
	}
}

// runBatch processes one dequeued batch and commits every transition in a
// single frontier write.
func (o *Orchestrator) runBatch(ctx context.Context, r *run, batch []*crawler.Page) error {
	var (
		b           frontier.Batch
		processed   int
		deferredAll = true
		wait        time.Duration
		fatal       error
	)
	for i, page := range batch {
		if ctx.Err() != nil || !o.deps.Clock.Now().Before(r.deadline) {
			b.Retry = append(b.Retry, batch[i:]...)
			deferredAll = false
			break
		}
		result, children, retryAfter, err := o.processPage(ctx, r, page)
		if err != nil {
			fatal = err
			page.ResetForRetry()
			b.Retry = append(b.Retry, batch[i:]...)
			deferredAll = false
			break
		}
		switch result {
		case resultCompleted:
			b.Completed = append(b.Completed, page)
			b.New = append(b.New, children...)
			processed++
		case resultFailed:
			b.Failed = append(b.Failed, page)
			processed++
		case resultDeferred:
			b.Retry = append(b.Retry, page)
			wait = max(wait, retryAfter)
		default:
			b.Retry = append(b.Retry, page)
		}
		if result != resultDeferred {
			deferredAll = false
		}
	}

	b.New = o.capNew(r, b.New)
	accepted, err := r.frontier.Commit(b)
	if err != nil {
		return errors.Join(fatal, err)
	}
	r.state.AddProgress(crawler.StageFetch, processed)
	r.sinceCheckpoint += processed
	r.log.Debug("batch committed",
		zap.Int("completed", len(b.Completed)),
		zap.Int("failed", len(b.Failed)),
		zap.Int("requeued", len(b.Retry)),
		zap.Int("new", len(accepted)),
	)
	if fatal != nil {
		return fatal
	}
	if r.sinceCheckpoint >= r.job.Config.CheckpointInterval {
		if err := o.checkpoint(ctx, r); err != nil {
			return err
		}
		r.sinceCheckpoint = 0
		counts := r.frontier.Counts()
		r.log.Info("checkpoint",
			zap.Int("pending", counts.Pending),
			zap.Int("completed", counts.Completed),
			zap.Int("failed", counts.Failed),
		)
	}

	if deferredAll && wait > 0 {
		if remaining := r.deadline.Sub(o.deps.Clock.Now()); wait > remaining {
			wait = remaining
		}
		r.log.Info("every page deferred, waiting for cooldown",
			zap.Duration("wait", wait))
		if err := o.deps.Clock.Sleep(ctx, wait); err != nil {
			return err
		}
	}
	return nil
}

// processPage fetches one page, runs the inline stages and collects its
// links. Only job-fatal errors are returned.
func (o *Orchestrator) processPage(ctx context.Context, r *run, page *crawler.Page) (pageResult, []*crawler.Page, time.Duration, error) {
	if err := r.comps.Fetcher.Fetch(ctx, page); err != nil {
		if ctx.Err() != nil {
			page.ResetForRetry()
			return resultInterrupted, nil, 0, nil
		}
		if wait, ok := Deferred(err); ok {
			page.ResetForRetry()
			return resultDeferred, nil, wait, nil
		}
		switch Classify(err) {
		case OutcomeRetry:
			if page.CanRetry() {
				page.RetryCount++
				page.ResetForRetry()
				return resultRetry, nil, 0, nil
			}
			return resultFailed, nil, 0, nil
		case OutcomeSkip:
			return resultFailed, nil, 0, nil
		default:
			return 0, nil, 0, fmt.Errorf("fetch %s: %w", page.URL, err)
		}
	}

	raw := page.HTMLContent
	if err := o.runStages(ctx, r, page); err != nil {
		return 0, nil, 0, err
	}
	probe := page
	if page.HTMLContent == "" && raw != "" {
		probe = page.Clone()
		probe.HTMLContent = raw
	}
	return resultCompleted, r.comps.Links.Discover(ctx, probe, o.deps.Clock.Now()), 0, nil
}

func (o *Orchestrator) runStages(ctx context.Context, r *run, page *crawler.Page) error {
	for _, st := range r.comps.Stages {
		if !st.ShouldProcess(page, r.job) {
			continue
		}
		if err := st.ProcessItem(ctx, page, r.job); err != nil {
			if Classify(err) == OutcomeFail {
				return fmt.Errorf("%s %s: %w", st.Name(), page.URL, err)
			}
			page.AddError(err.Error())
			r.log.Debug("stage skipped page",
				zap.String("stage", string(st.Name())),
				zap.String("url", page.URL),
				zap.Error(err),
			)
			continue
		}
		r.state.AddProgress(st.Name(), 1)
	}
	return nil
}

// catchUp runs every stage over completed pages that have not been through it.
func (o *Orchestrator) catchUp(ctx context.Context, r *run) error {
	for _, st := range r.comps.Stages {
		if st.Name().Before(r.state.CurrentStage) {
			continue
		}
		if err := r.state.Advance(st.Name(), o.deps.Clock.Now()); err != nil {
			return err
		}
		if err := o.catchUpStage(ctx, r, st); err != nil {
			return err
		}
		if err := o.checkpoint(ctx, r); err != nil {
			return err
		}
	}
	return nil
}

func (o *Orchestrator) catchUpStage(ctx context.Context, r *run, st Stage) error {
	var updated []*crawler.Page
	flush := func(cause error) error {
		if err := r.frontier.ReplaceCompleted(updated); err != nil {
			return errors.Join(cause, err)
		}
		updated = nil
		return cause
	}
	for _, page := range r.frontier.Pages(frontier.StateCompleted) {
		if err := ctx.Err(); err != nil {
			return flush(err)
		}
		if !o.deps.Clock.Now().Before(r.deadline) {
			return flush(errDeadline)
		}
		if !st.ShouldProcess(page, r.job) {
			continue
		}
		if err := st.ProcessItem(ctx, page, r.job); err != nil {
			if Classify(err) == OutcomeFail {
				return flush(fmt.Errorf("%s %s: %w", st.Name(), page.URL, err))
			}
			page.AddError(err.Error())
		} else {
			r.state.AddProgress(st.Name(), 1)
		}
		updated = append(updated, page)
		if len(updated) >= r.job.Config.CheckpointInterval {
			if err := flush(nil); err != nil {
				return err
			}
		}
	}
	return flush(nil)
}

func (o *Orchestrator) export(ctx context.Context, r *run) ([]string, error) {
	if err := r.state.Advance(crawler.StageExport, o.deps.Clock.Now()); err != nil {
		return nil, err
	}
	if o.deps.Exporter == nil || len(o.cfg.ExportFormats) == 0 {
		return nil, nil
	}
	pages := append(r.frontier.Pages(frontier.StateCompleted), r.frontier.Pages(frontier.StateFailed)...)
	uris, err := o.deps.Exporter.Export(ctx, r.job.JobID, pages, o.cfg.ExportFormats...)
	if err != nil {
		return nil, fmt.Errorf("export: %w", err)
	}
	_, reportURI, err := o.deps.Exporter.Report(ctx, r.job, pages)
	if err != nil {
		return nil, fmt.Errorf("site report: %w", err)
	}
	uris = append(uris, reportURI)
	r.state.AddProgress(crawler.StageExport, len(uris))
	return uris, nil
}

// capNew drops already-seen and duplicate pages, then trims the rest so the
// job never holds more than max_pages URLs.
func (o *Orchestrator) capNew(r *run, pages []*crawler.Page) []*crawler.Page {
	room := r.job.Config.MaxPages - r.frontier.Counts().Total()
	if room <= 0 || len(pages) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(pages))
	out := make([]*crawler.Page, 0, min(room, len(pages)))
	for _, p := range pages {
		if len(out) == room {
			break
		}
		key := p.Key()
		if _, dup := seen[key]; dup || r.frontier.Seen(key) {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, p)
	}
	return out
}

// checkpoint refreshes job counters and writes the checkpoint file.
func (o *Orchestrator) checkpoint(ctx context.Context, r *run) error {
	now := o.deps.Clock.Now()
	counts := r.frontier.Counts()
	r.job.TotalPages = counts.Total()
	r.job.ProcessedPages = counts.Completed
	r.job.FailedPages = counts.Failed
	if r.comps != nil && r.comps.Scope != nil {
		r.job.SubdomainsFound = r.comps.Scope.Subdomains()
	}
	r.state.UpdateCounts(counts, now)

	if err := o.deps.Checkpoints.Save(checkpoint.New(r.job, r.state, r.frontier.Snapshot(), now)); err != nil {
		return err
	}
	if o.deps.Recorder != nil {
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), notifyTimeout)
		defer cancel()
		if err := o.deps.Recorder.RecordJob(rctx, o.event(r, nil)); err != nil {
			r.log.Warn("job status not recorded", zap.Error(err))
		}
	}
	return nil
}

func (o *Orchestrator) publish(ctx context.Context, r *run, exports []string) {
	if o.deps.Publisher == nil {
		return
	}
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), notifyTimeout)
	defer cancel()
	id, err := o.deps.Publisher.Publish(pctx, o.cfg.EventTopic, o.event(r, exports))
	if err != nil {
		r.log.Warn("job event not published", zap.Error(err))
		return
	}
	r.log.Debug("job event published", zap.String("message_id", id))
}

func (o *Orchestrator) event(r *run, exports []string) crawler.JobEvent {
	return crawler.JobEvent{
		JobID:          r.job.JobID,
		Domain:         r.job.Domain,
		Status:         r.job.Status,
		Stage:          r.state.CurrentStage,
		TotalPages:     r.job.TotalPages,
		ProcessedPages: r.job.ProcessedPages,
		FailedPages:    r.job.FailedPages,
		Exports:        exports,
		OccurredAt:     o.deps.Clock.Now(),
	}
}
