// Package checkpoint persists resumable job snapshots as versioned JSON files.
package checkpoint

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/campus-crawler/internal/crawler"
	"github.com/JakeFAU/campus-crawler/internal/frontier"
	"github.com/JakeFAU/campus-crawler/internal/metrics"
	"github.com/JakeFAU/campus-crawler/internal/storage/local"
)

// Version is the schema version written by Save.
const Version = 1

const fileSuffix = "_checkpoint.json"

// Checkpoint is the on-disk snapshot of a job.
type Checkpoint struct {
	Version         int                    `json:"version"`
	Job             *crawler.CrawlJob      `json:"job"`
	PipelineState   *crawler.PipelineState `json:"pipeline_state"`
	PendingPages    []*crawler.Page        `json:"pending_pages"`
	ProcessingPages []*crawler.Page        `json:"processing_pages"`
	CompletedPages  []*crawler.Page        `json:"completed_pages"`
	FailedPages     []*crawler.Page        `json:"failed_pages"`
	CheckpointTime  time.Time              `json:"checkpoint_time"`
}

// New assembles a checkpoint from a job, its pipeline state and a queue snapshot.
func New(job *crawler.CrawlJob, state *crawler.PipelineState, snap frontier.Snapshot, now time.Time) *Checkpoint {
	return &Checkpoint{
		Version:         Version,
		Job:             job,
		PipelineState:   state,
		PendingPages:    snap.Pending,
		ProcessingPages: snap.Processing,
		CompletedPages:  snap.Completed,
		FailedPages:     snap.Failed,
		CheckpointTime:  now,
	}
}

// Snapshot returns the queue lists held by the checkpoint.
func (c *Checkpoint) Snapshot() frontier.Snapshot {
	return frontier.Snapshot{
		Pending:    c.PendingPages,
		Processing: c.ProcessingPages,
		Completed:  c.CompletedPages,
		Failed:     c.FailedPages,
	}
}

// Summary is the listing view of a checkpoint.
type Summary struct {
	JobID          string            `json:"job_id"`
	Domain         string            `json:"domain"`
	Status         crawler.JobStatus `json:"status"`
	Stage          crawler.Stage     `json:"stage"`
	TotalPages     int               `json:"total_pages"`
	ProcessedPages int               `json:"processed_pages"`
	FailedPages    int               `json:"failed_pages"`
	CheckpointTime time.Time         `json:"checkpoint_time"`
}

// Store reads and writes checkpoints under one directory.
type Store struct {
	dir    string
	logger *zap.Logger
}

// NewStore returns a store rooted at dir.
func NewStore(dir string, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{dir: dir, logger: logger}
}

// Path returns the checkpoint file for jobID.
func (s *Store) Path(jobID string) string {
	return filepath.Join(s.dir, jobID+fileSuffix)
}

// Save atomically replaces the checkpoint for cp.Job.
func (s *Store) Save(cp *Checkpoint) error {
	if cp == nil || cp.Job == nil || cp.Job.JobID == "" {
		return errors.New("checkpoint requires a job with an id")
	}
	cp.Version = Version
	err := local.WriteJSON(s.Path(cp.Job.JobID), cp)
	metrics.ObserveCheckpoint(err == nil)
	if err != nil {
		return crawler.StorageError("save checkpoint", err)
	}
	s.logger.Debug("checkpoint saved",
		zap.String("job_id", cp.Job.JobID),
		zap.String("stage", string(stageOf(cp))),
		zap.Int("pending", len(cp.PendingPages)),
		zap.Int("completed", len(cp.CompletedPages)),
		zap.Int("failed", len(cp.FailedPages)),
	)
	return nil
}

// Load reads the checkpoint for jobID. Legacy files without a version are
// upgraded in memory; any other unknown version is rejected.
func (s *Store) Load(jobID string) (*Checkpoint, error) {
	var cp Checkpoint
	if err := local.ReadJSON(s.Path(jobID), &cp); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("checkpoint %s: %w", jobID, crawler.ErrJobNotFound)
		}
		return nil, crawler.StorageError("load checkpoint", err)
	}
	switch cp.Version {
	case Version:
	case 0:
		upgrade(&cp)
	default:
		return nil, fmt.Errorf("checkpoint %s version %d: %w", jobID, cp.Version, crawler.ErrUnsupportedVersion)
	}
	if cp.Job == nil {
		return nil, crawler.StorageError("load checkpoint", fmt.Errorf("checkpoint %s has no job", jobID))
	}
	if cp.PipelineState == nil {
		cp.PipelineState = crawler.NewPipelineState(cp.Job.JobID, cp.CheckpointTime)
	}
	return &cp, nil
}

// upgrade fills fields that version 0 files did not carry.
func upgrade(cp *Checkpoint) {
	cp.Version = Version
	if cp.Job == nil {
		return
	}
	if cp.Job.Config.Version == 0 {
		defaults := crawler.DefaultJobConfig()
		cfg := cp.Job.Config
		cfg.Version = crawler.JobConfigVersion
		if cfg.Scheme == "" {
			cfg.Scheme = defaults.Scheme
		}
		if cfg.RequestTimeout <= 0 {
			cfg.RequestTimeout = defaults.RequestTimeout
		}
		if cfg.BaseDelay <= 0 {
			cfg.BaseDelay = defaults.BaseDelay
		}
		if cfg.MaxDelay < cfg.BaseDelay {
			cfg.MaxDelay = max(defaults.MaxDelay, cfg.BaseDelay)
		}
		if cfg.Timeout <= 0 {
			cfg.Timeout = defaults.Timeout
		}
		if cfg.MaxPages <= 0 {
			cfg.MaxPages = defaults.MaxPages
		}
		if cfg.BatchSize <= 0 {
			cfg.BatchSize = defaults.BatchSize
		}
		if cfg.MaxEmptyBatches <= 0 {
			cfg.MaxEmptyBatches = defaults.MaxEmptyBatches
		}
		if cfg.CheckpointInterval <= 0 {
			cfg.CheckpointInterval = defaults.CheckpointInterval
		}
		if cfg.RateLimit == (crawler.RateLimitPolicy{}) {
			cfg.RateLimit = defaults.RateLimit
		}
		if cfg.UserAgent == "" {
			cfg.UserAgent = defaults.UserAgent
		}
		cp.Job.Config = cfg
	}
}

// Exists reports whether a checkpoint file is present for jobID.
func (s *Store) Exists(jobID string) bool {
	return local.Exists(s.Path(jobID))
}

// List summarizes every readable checkpoint, newest first. Unreadable files
// are logged and skipped.
func (s *Store) List() ([]Summary, error) {
	matches, err := filepath.Glob(filepath.Join(s.dir, "*"+fileSuffix))
	if err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}
	out := make([]Summary, 0, len(matches))
	for _, path := range matches {
		jobID := strings.TrimSuffix(filepath.Base(path), fileSuffix)
		cp, err := s.Load(jobID)
		if err != nil {
			s.logger.Warn("skipping unreadable checkpoint", zap.String("path", path), zap.Error(err))
			continue
		}
		out = append(out, cp.Summary())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CheckpointTime.Equal(out[j].CheckpointTime) {
			return out[i].JobID < out[j].JobID
		}
		return out[i].CheckpointTime.After(out[j].CheckpointTime)
	})
	return out, nil
}

// Summary condenses the checkpoint for listings.
func (c *Checkpoint) Summary() Summary {
	return Summary{
		JobID:          c.Job.JobID,
		Domain:         c.Job.Domain,
		Status:         c.Job.Status,
		Stage:          stageOf(c),
		TotalPages:     c.Job.TotalPages,
		ProcessedPages: c.Job.ProcessedPages,
		FailedPages:    c.Job.FailedPages,
		CheckpointTime: c.CheckpointTime,
	}
}

func stageOf(c *Checkpoint) crawler.Stage {
	if c.PipelineState == nil {
		return crawler.StageDiscovery
	}
	return c.PipelineState.CurrentStage
}
