package pipeline

import (
	"context"
	"time"

	"github.com/JakeFAU/campus-crawler/internal/crawler"
	"github.com/JakeFAU/campus-crawler/internal/export"
)

// Stage is a page-level processing step such as extract, analyze or store.
// ShouldProcess must be a pure predicate. ProcessItem mutates the page and
// returns a *crawler.ContentError for expected content problems.
type Stage interface {
	Name() crawler.Stage
	ShouldProcess(page *crawler.Page, job *crawler.CrawlJob) bool
	ProcessItem(ctx context.Context, page *crawler.Page, job *crawler.CrawlJob) error
}

// Fetcher performs one fetch attempt and mutates the page.
type Fetcher interface {
	Fetch(ctx context.Context, page *crawler.Page) error
}

// Seeder produces the initial pages of a job.
type Seeder interface {
	Seed(ctx context.Context, job *crawler.CrawlJob, now time.Time) ([]*crawler.Page, error)
}

// LinkFinder returns child pages linked from a fetched page.
type LinkFinder interface {
	Discover(ctx context.Context, page *crawler.Page, now time.Time) []*crawler.Page
}

// Exporter writes the job's result files.
type Exporter interface {
	Export(ctx context.Context, jobID string, pages []*crawler.Page, formats ...export.Format) ([]string, error)
	Report(ctx context.Context, job *crawler.CrawlJob, pages []*crawler.Page) (*export.SiteReport, string, error)
}

// Components are the job-specific collaborators, built from the job's
// configuration when a job starts or resumes.
type Components struct {
	Seeder  Seeder
	Fetcher Fetcher
	Links   LinkFinder
	// Stages run inline after every successful fetch and again as catch-up
	// passes over completed pages, in order.
	Stages []Stage
	Scope  *crawler.Scope
	Close  func()
}

// Builder creates Components for a job.
type Builder func(job *crawler.CrawlJob) (*Components, error)
