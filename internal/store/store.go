// Package store is the store stage: it writes each processed page as a JSON
// document to the blob store and, when configured, a row to the page store.
package store

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path"

	"go.uber.org/zap"

	"github.com/JakeFAU/campus-crawler/internal/crawler"
)

// DocumentContentType is the content type of stored page documents.
const DocumentContentType = "application/json"

// Storer is the store pipeline stage.
type Storer struct {
	blobs  crawler.BlobStore
	pages  crawler.PageStore
	hasher crawler.Hasher
	clock  crawler.Clock
	logger *zap.Logger
}

// New builds a Storer. pages may be nil.
func New(
	blobs crawler.BlobStore,
	pages crawler.PageStore,
	hasher crawler.Hasher,
	clock crawler.Clock,
	logger *zap.Logger,
) *Storer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Storer{blobs: blobs, pages: pages, hasher: hasher, clock: clock, logger: logger}
}

// Name implements the pipeline stage contract.
func (s *Storer) Name() crawler.Stage { return crawler.StageStore }

// ShouldProcess accepts fetched pages that were not stored yet.
func (s *Storer) ShouldProcess(page *crawler.Page, _ *crawler.CrawlJob) bool {
	if page.StoredAt != nil {
		return false
	}
	switch page.Status {
	case crawler.PageFetched, crawler.PageExtracted, crawler.PageAnalyzed:
		return true
	default:
		return false
	}
}

// DocumentPath is the blob path of a page document.
func DocumentPath(jobID, urlHash string) string {
	return path.Join("pages", jobID, urlHash+".json")
}

// ProcessItem writes the page document and drops the raw HTML from the page.
// Every failure here is a storage failure.
func (s *Storer) ProcessItem(ctx context.Context, page *crawler.Page, _ *crawler.CrawlJob) error {
	content := page.HTMLContent
	if content == "" {
		content = page.CleanContent
	}
	contentHash, err := s.hasher.Hash([]byte(content))
	if err != nil {
		return crawler.StorageError("hash content", err)
	}
	urlHash, err := s.hasher.Hash([]byte(page.Key()))
	if err != nil {
		return crawler.StorageError("hash url", err)
	}

	now := s.clock.Now()
	doc := page.Clone()
	doc.ContentHash = contentHash
	doc.StoredAt = &now
	body, err := json.Marshal(doc)
	if err != nil {
		return crawler.StorageError("encode page document", err)
	}

	uri, err := s.blobs.PutObject(ctx, DocumentPath(page.JobID, urlHash), DocumentContentType, bytes.NewReader(body))
	if err != nil {
		return crawler.StorageError("put page document", err)
	}

	if s.pages != nil {
		record := crawler.PageRecord{
			JobID:            page.JobID,
			URL:              page.URL,
			Title:            page.Title,
			StatusCode:       page.StatusCode,
			ContentType:      page.ContentType,
			ContentLength:    page.ContentLength,
			ContentHash:      contentHash,
			BlobURI:          uri,
			ExtractionMethod: page.ExtractionMethod,
			FetchedAt:        page.FetchedAt,
			StoredAt:         now,
		}
		if page.Analysis != nil {
			record.PageType = page.Analysis.PageType
		}
		if err := s.pages.StorePage(ctx, record); err != nil {
			return crawler.StorageError("store page row", fmt.Errorf("%s: %w", page.URL, err))
		}
	}

	page.ContentHash = contentHash
	page.BlobURI = uri
	page.StoredAt = &now
	page.HTMLContent = ""
	s.logger.Debug("stored page", zap.String("url", page.URL), zap.String("blob_uri", uri))
	return nil
}
