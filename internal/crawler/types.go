// Package crawler defines core types shared across subsystems.
package crawler

import (
	"fmt"
	"time"
)

// JobStatus represents the lifecycle state of a crawl job.
type JobStatus string

// Job status values persisted in checkpoints.
const (
	JobStatusPending   JobStatus = "pending"
	JobStatusRunning   JobStatus = "running"
	JobStatusPaused    JobStatus = "paused"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
)

// Stage names one step of the pipeline. Stages only move forward.
type Stage string

// Pipeline stages in execution order.
const (
	StageDiscovery Stage = "discovery"
	StageFetch     Stage = "fetch"
	StageExtract   Stage = "extract"
	StageAnalyze   Stage = "analyze"
	StageStore     Stage = "store"
	StageExport    Stage = "export"
)

var stageOrder = map[Stage]int{
	StageDiscovery: 0,
	StageFetch:     1,
	StageExtract:   2,
	StageAnalyze:   3,
	StageStore:     4,
	StageExport:    5,
}

// Stages lists every stage in order.
func Stages() []Stage {
	return []Stage{StageDiscovery, StageFetch, StageExtract, StageAnalyze, StageStore, StageExport}
}

// Before reports whether s runs strictly before other.
func (s Stage) Before(other Stage) bool {
	return stageOrder[s] < stageOrder[other]
}

// Valid reports whether s is a known stage.
func (s Stage) Valid() bool {
	_, ok := stageOrder[s]
	return ok
}

// CrawlJob is one crawl run. Only the orchestrator mutates it.
type CrawlJob struct {
	JobID           string     `json:"job_id"`
	Domain          string     `json:"domain"`
	Status          JobStatus  `json:"status"`
	CreatedAt       time.Time  `json:"created_at"`
	StartedAt       *time.Time `json:"started_at,omitempty"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
	Config          JobConfig  `json:"config"`
	TotalPages      int        `json:"total_pages"`
	ProcessedPages  int        `json:"processed_pages"`
	FailedPages     int        `json:"failed_pages"`
	SubdomainsFound int        `json:"subdomains_found"`
}

// NewCrawlJob creates a pending job.
func NewCrawlJob(id, domain string, cfg JobConfig, now time.Time) *CrawlJob {
	return &CrawlJob{
		JobID:     id,
		Domain:    domain,
		Status:    JobStatusPending,
		CreatedAt: now,
		Config:    cfg,
	}
}

// Start marks the job running.
func (j *CrawlJob) Start(now time.Time) {
	j.Status = JobStatusRunning
	if j.StartedAt == nil {
		j.StartedAt = &now
	}
	j.CompletedAt = nil
}

// Pause marks the job paused; it can be resumed later.
func (j *CrawlJob) Pause() {
	j.Status = JobStatusPaused
}

// Complete marks the job completed.
func (j *CrawlJob) Complete(now time.Time) {
	j.Status = JobStatusCompleted
	j.CompletedAt = &now
}

// Fail marks the job failed.
func (j *CrawlJob) Fail(now time.Time) {
	j.Status = JobStatusFailed
	j.CompletedAt = &now
}

// PipelineState tracks the current stage and queue sizes at the last checkpoint.
type PipelineState struct {
	JobID          string        `json:"job_id"`
	CurrentStage   Stage         `json:"current_stage"`
	StageProgress  map[Stage]int `json:"stage_progress"`
	LastCheckpoint time.Time     `json:"last_checkpoint"`
	PendingURLs    int           `json:"pending_urls"`
	ProcessingURLs int           `json:"processing_urls"`
	CompletedURLs  int           `json:"completed_urls"`
	FailedURLs     int           `json:"failed_urls"`
}

// NewPipelineState starts a job at discovery.
func NewPipelineState(jobID string, now time.Time) *PipelineState {
	return &PipelineState{
		JobID:          jobID,
		CurrentStage:   StageDiscovery,
		StageProgress:  map[Stage]int{},
		LastCheckpoint: now,
	}
}

// Advance moves to a later stage. Moving backwards is an error; re-entering
// the current stage is a no-op.
func (s *PipelineState) Advance(stage Stage, now time.Time) error {
	if !stage.Valid() {
		return fmt.Errorf("unknown stage %q", stage)
	}
	if stage.Before(s.CurrentStage) {
		return fmt.Errorf("cannot move pipeline from %s back to %s", s.CurrentStage, stage)
	}
	s.CurrentStage = stage
	s.LastCheckpoint = now
	return nil
}

// AddProgress records processed items for a stage.
func (s *PipelineState) AddProgress(stage Stage, n int) {
	if s.StageProgress == nil {
		s.StageProgress = map[Stage]int{}
	}
	s.StageProgress[stage] += n
}

// UpdateCounts copies queue sizes into the state.
func (s *PipelineState) UpdateCounts(c QueueCounts, now time.Time) {
	s.PendingURLs = c.Pending
	s.ProcessingURLs = c.Processing
	s.CompletedURLs = c.Completed
	s.FailedURLs = c.Failed
	s.LastCheckpoint = now
}

// QueueCounts reports frontier queue sizes.
type QueueCounts struct {
	Pending    int `json:"pending"`
	Processing int `json:"processing"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
}

// Total is the number of distinct URLs held across all queues.
func (c QueueCounts) Total() int {
	return c.Pending + c.Processing + c.Completed + c.Failed
}
