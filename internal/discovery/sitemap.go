package discovery

import (
	"context"
	"encoding/xml"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/campus-crawler/internal/crawler"
)

// MaxSitemapFetches caps how many sitemap documents one discovery reads,
// index expansion included.
const MaxSitemapFetches = 500

const sitemapTimeout = 10 * time.Second

type sitemapIndex struct {
	Sitemaps []sitemapLoc `xml:"sitemap"`
}

type urlSet struct {
	URLs []sitemapLoc `xml:"url"`
}

type sitemapLoc struct {
	Location string `xml:"loc"`
}

// SitemapCandidates lists the well-known sitemap locations for a domain.
func SitemapCandidates(scheme, domain string) []string {
	if scheme == "" {
		scheme = "https"
	}
	domain = strings.ToLower(domain)
	out := []string{
		scheme + "://" + domain + "/sitemap.xml",
		scheme + "://" + domain + "/sitemap_index.xml",
		scheme + "://" + domain + "/sitemaps.xml",
	}
	if !strings.HasPrefix(domain, "www.") {
		out = append(out, scheme+"://www."+domain+"/sitemap.xml")
	}
	return out
}

// Sitemaps reads sitemap documents and sitemap indexes.
type Sitemaps struct {
	fetcher    crawler.Fetcher
	waiter     Waiter
	maxFetches int
	logger     *zap.Logger
}

// NewSitemaps builds a sitemap reader.
func NewSitemaps(fetcher crawler.Fetcher, waiter Waiter, logger *zap.Logger) *Sitemaps {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sitemaps{fetcher: fetcher, waiter: waiter, maxFetches: MaxSitemapFetches, logger: logger}
}

// Discover tries each root in order and returns the page URLs of the first
// one that yields any. Nested indexes are expanded breadth first.
func (s *Sitemaps) Discover(ctx context.Context, roots []string) ([]string, error) {
	fetches := 0
	for _, root := range roots {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("sitemap discovery: %w", err)
		}
		urls, used, err := s.expand(ctx, root, s.maxFetches-fetches)
		fetches += used
		if err != nil {
			return nil, err
		}
		if len(urls) > 0 {
			s.logger.Info("sitemap found", zap.String("sitemap", root), zap.Int("urls", len(urls)))
			return urls, nil
		}
		if fetches >= s.maxFetches {
			s.logger.Warn("sitemap fetch budget exhausted", zap.Int("fetches", fetches))
			break
		}
	}
	return nil, nil
}

// expand walks one root. Only context cancellation is returned as an error;
// unreachable or malformed documents are logged and skipped.
func (s *Sitemaps) expand(ctx context.Context, root string, budget int) ([]string, int, error) {
	queue := []string{root}
	visited := make(map[string]struct{})
	seen := make(map[string]struct{})
	var urls []string
	fetches := 0

	for len(queue) > 0 && fetches < budget {
		current := queue[0]
		queue = queue[1:]
		if _, ok := visited[current]; ok {
			continue
		}
		visited[current] = struct{}{}
		fetches++

		body, err := s.get(ctx, current)
		if err != nil {
			if ctx.Err() != nil {
				return nil, fetches, fmt.Errorf("sitemap discovery: %w", ctx.Err())
			}
			s.logger.Debug("sitemap unavailable", zap.String("url", current), zap.Error(err))
			continue
		}
		children, pages, err := parseSitemap(body)
		if err != nil {
			s.logger.Debug("sitemap unparsable", zap.String("url", current), zap.Error(err))
			continue
		}
		queue = append(queue, children...)
		for _, page := range pages {
			if _, ok := seen[page]; ok {
				continue
			}
			seen[page] = struct{}{}
			urls = append(urls, page)
		}
	}
	return urls, fetches, nil
}

func (s *Sitemaps) get(ctx context.Context, rawURL string) ([]byte, error) {
	if s.waiter != nil {
		u, err := url.Parse(rawURL)
		if err != nil {
			return nil, fmt.Errorf("parse sitemap url: %w", err)
		}
		if err := s.waiter.Wait(ctx, strings.ToLower(u.Host)); err != nil {
			return nil, fmt.Errorf("wait for sitemap slot: %w", err)
		}
	}
	resp, err := s.fetcher.Fetch(ctx, crawler.FetchRequest{URL: rawURL, Timeout: sitemapTimeout})
	if err != nil {
		return nil, fmt.Errorf("fetch sitemap: %w", err)
	}
	if len(resp.RedirectChain) > 1 {
		s.logger.Debug("sitemap redirected",
			zap.String("url", rawURL),
			zap.String("final_url", resp.URL),
			zap.Ints("chain", resp.RedirectChain))
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("sitemap status %d", resp.StatusCode)
	}
	return resp.Body, nil
}

// parseSitemap returns child sitemaps for an index, or page URLs for a urlset.
func parseSitemap(data []byte) ([]string, []string, error) {
	var index sitemapIndex
	if err := xml.Unmarshal(data, &index); err == nil && len(index.Sitemaps) > 0 {
		return locations(index.Sitemaps), nil, nil
	}
	var set urlSet
	if err := xml.Unmarshal(data, &set); err != nil {
		return nil, nil, fmt.Errorf("decode sitemap: %w", err)
	}
	return nil, locations(set.URLs), nil
}

func locations(entries []sitemapLoc) []string {
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		if loc := strings.TrimSpace(e.Location); loc != "" {
			out = append(out, loc)
		}
	}
	return out
}
