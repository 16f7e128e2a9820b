package postgres

import (
	"context"
	"fmt"

	"github.com/JakeFAU/campus-crawler/internal/crawler"
)

// DefaultPagesTable is used when Config.PagesTable is empty.
const DefaultPagesTable = "crawled_pages"

// PageStore upserts one row per stored page.
type PageStore struct {
	db    Execer
	table string
}

// NewPageStore builds a PageStore over db.
func NewPageStore(db Execer, table string) (*PageStore, error) {
	if db == nil {
		return nil, fmt.Errorf("pool is required")
	}
	name, err := tableName(table, DefaultPagesTable)
	if err != nil {
		return nil, err
	}
	return &PageStore{db: db, table: name}, nil
}

// EnsureSchema creates the table when missing.
func (s *PageStore) EnsureSchema(ctx context.Context) error {
	query := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	job_id            TEXT        NOT NULL,
	url               TEXT        NOT NULL,
	title             TEXT,
	status_code       INTEGER,
	content_type      TEXT,
	content_length    INTEGER,
	content_hash      TEXT,
	blob_uri          TEXT,
	page_type         TEXT,
	extraction_method TEXT,
	fetched_at        TIMESTAMPTZ,
	stored_at         TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (job_id, url)
)`, s.table)
	if _, err := s.db.Exec(ctx, query); err != nil {
		return fmt.Errorf("create %s: %w", s.table, err)
	}
	return nil
}

// StorePage inserts or replaces the row for the record's job and URL.
func (s *PageStore) StorePage(ctx context.Context, record crawler.PageRecord) error {
	if record.JobID == "" || record.URL == "" {
		return fmt.Errorf("page record requires job id and url")
	}
	query := fmt.Sprintf(`
INSERT INTO %s (
	job_id,
	url,
	title,
	status_code,
	content_type,
	content_length,
	content_hash,
	blob_uri,
	page_type,
	extraction_method,
	fetched_at,
	stored_at
) VALUES (
	$1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12
)
ON CONFLICT (job_id, url) DO UPDATE SET
	title = EXCLUDED.title,
	status_code = EXCLUDED.status_code,
	content_type = EXCLUDED.content_type,
	content_length = EXCLUDED.content_length,
	content_hash = EXCLUDED.content_hash,
	blob_uri = EXCLUDED.blob_uri,
	page_type = EXCLUDED.page_type,
	extraction_method = EXCLUDED.extraction_method,
	fetched_at = EXCLUDED.fetched_at,
	stored_at = EXCLUDED.stored_at`, s.table)

	args := []any{
		record.JobID,
		record.URL,
		record.Title,
		record.StatusCode,
		record.ContentType,
		record.ContentLength,
		record.ContentHash,
		record.BlobURI,
		record.PageType,
		record.ExtractionMethod,
		record.FetchedAt,
		record.StoredAt,
	}
	if _, err := s.db.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("upsert page: %w", err)
	}
	return nil
}
