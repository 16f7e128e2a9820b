// Package discovery seeds a job from sitemaps and finds new URLs on fetched
// pages, applying scope, exclusion and robots.txt rules.
package discovery

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/campus-crawler/internal/crawler"
)

// Seeder produces the initial frontier contents for a job.
type Seeder struct {
	robots   *Robots
	sitemaps *Sitemaps
	filter   *Filter
	logger   *zap.Logger
}

// NewSeeder wires the sitemap reader and filter.
func NewSeeder(robots *Robots, sitemaps *Sitemaps, filter *Filter, logger *zap.Logger) *Seeder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Seeder{robots: robots, sitemaps: sitemaps, filter: filter, logger: logger}
}

// Seed reads robots-declared sitemaps, then the well-known locations. When
// none yields an acceptable URL, the homepage alone seeds the job.
func (s *Seeder) Seed(ctx context.Context, job *crawler.CrawlJob, now time.Time) ([]*crawler.Page, error) {
	scheme := job.Config.Scheme
	roots := dedupe(append(s.robots.Sitemaps(ctx, scheme, job.Domain), SitemapCandidates(scheme, job.Domain)...))

	urls, err := s.sitemaps.Discover(ctx, roots)
	if err != nil {
		return nil, fmt.Errorf("discover sitemaps: %w", err)
	}

	seen := make(map[string]struct{}, len(urls))
	var pages []*crawler.Page
	for _, raw := range urls {
		normalized, err := crawler.NormalizeURL(raw)
		if err != nil {
			continue
		}
		if _, ok := seen[normalized]; ok {
			continue
		}
		seen[normalized] = struct{}{}
		if !s.filter.Allow(ctx, normalized) {
			continue
		}
		pages = append(pages, crawler.NewPage(normalized, job.JobID, job.Config.MaxRetries, now))
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("seed job: %w", err)
	}

	if len(pages) == 0 {
		home := crawler.HomepageURL(scheme, job.Domain)
		s.logger.Info("no sitemap urls accepted, seeding homepage",
			zap.String("job_id", job.JobID), zap.String("url", home))
		return []*crawler.Page{crawler.NewPage(home, job.JobID, job.Config.MaxRetries, now)}, nil
	}
	s.logger.Info("seeded from sitemaps",
		zap.String("job_id", job.JobID),
		zap.Int("sitemap_urls", len(urls)),
		zap.Int("accepted", len(pages)))
	return pages, nil
}

func dedupe(values []string) []string {
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}
