package memory

import (
	"context"
	"sync"

	"github.com/JakeFAU/campus-crawler/internal/crawler"
)

// PageStore keeps stored page rows per job. A row for the same job and URL
// replaces the earlier one.
type PageStore struct {
	mu    sync.RWMutex
	pages map[string][]crawler.PageRecord
}

// NewPageStore creates an empty page store.
func NewPageStore() *PageStore {
	return &PageStore{pages: make(map[string][]crawler.PageRecord)}
}

// StorePage records the row.
func (s *PageStore) StorePage(_ context.Context, record crawler.PageRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows := s.pages[record.JobID]
	for i := range rows {
		if rows[i].URL == record.URL {
			rows[i] = record
			return nil
		}
	}
	s.pages[record.JobID] = append(rows, record)
	return nil
}

// Pages returns the rows stored for jobID in insertion order.
func (s *PageStore) Pages(jobID string) []crawler.PageRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]crawler.PageRecord(nil), s.pages[jobID]...)
}
