package postgres

import (
	"context"
	"fmt"

	"github.com/JakeFAU/campus-crawler/internal/crawler"
)

// DefaultJobsTable is used when Config.JobsTable is empty.
const DefaultJobsTable = "crawl_jobs"

// JobStore mirrors job status snapshots so dashboards can query progress.
type JobStore struct {
	db    Execer
	table string
}

// NewJobStore builds a JobStore over db.
func NewJobStore(db Execer, table string) (*JobStore, error) {
	if db == nil {
		return nil, fmt.Errorf("pool is required")
	}
	name, err := tableName(table, DefaultJobsTable)
	if err != nil {
		return nil, err
	}
	return &JobStore{db: db, table: name}, nil
}

// EnsureSchema creates the table when missing.
func (s *JobStore) EnsureSchema(ctx context.Context) error {
	query := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	job_id          TEXT        PRIMARY KEY,
	domain          TEXT        NOT NULL,
	status          TEXT        NOT NULL,
	stage           TEXT        NOT NULL,
	total_pages     INTEGER     NOT NULL DEFAULT 0,
	processed_pages INTEGER     NOT NULL DEFAULT 0,
	failed_pages    INTEGER     NOT NULL DEFAULT 0,
	updated_at      TIMESTAMPTZ NOT NULL
)`, s.table)
	if _, err := s.db.Exec(ctx, query); err != nil {
		return fmt.Errorf("create %s: %w", s.table, err)
	}
	return nil
}

// RecordJob upserts the latest status of a job. Older snapshots never
// overwrite newer ones.
func (s *JobStore) RecordJob(ctx context.Context, event crawler.JobEvent) error {
	if event.JobID == "" {
		return fmt.Errorf("job id is required")
	}
	query := fmt.Sprintf(`
INSERT INTO %[1]s (job_id, domain, status, stage, total_pages, processed_pages, failed_pages, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
ON CONFLICT (job_id) DO UPDATE SET
	status = EXCLUDED.status,
	stage = EXCLUDED.stage,
	total_pages = EXCLUDED.total_pages,
	processed_pages = EXCLUDED.processed_pages,
	failed_pages = EXCLUDED.failed_pages,
	updated_at = EXCLUDED.updated_at
WHERE %[1]s.updated_at <= EXCLUDED.updated_at`, s.table)

	_, err := s.db.Exec(ctx, query,
		event.JobID,
		event.Domain,
		string(event.Status),
		string(event.Stage),
		event.TotalPages,
		event.ProcessedPages,
		event.FailedPages,
		event.OccurredAt,
	)
	if err != nil {
		return fmt.Errorf("upsert job: %w", err)
	}
	return nil
}
