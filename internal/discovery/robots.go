package discovery

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/temoto/robotstxt"
	"go.uber.org/zap"

	"github.com/JakeFAU/campus-crawler/internal/crawler"
	collyfetcher "github.com/JakeFAU/campus-crawler/internal/fetcher/colly"
)

const robotsTimeout = 10 * time.Second

// Robots caches robots.txt per scheme and host.
type Robots struct {
	fetcher   crawler.Fetcher
	waiter    Waiter
	respect   bool
	userAgent string
	logger    *zap.Logger

	cache sync.Map
}

// NewRobots builds a robots cache. With respect disabled Allowed always
// reports true, but Sitemaps still reads the file.
func NewRobots(fetcher crawler.Fetcher, waiter Waiter, respect bool, userAgent string, logger *zap.Logger) *Robots {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Robots{
		fetcher:   fetcher,
		waiter:    waiter,
		respect:   respect,
		userAgent: userAgent,
		logger:    logger,
	}
}

// Allowed reports whether rawURL may be fetched. Missing or unreadable
// robots files allow everything.
func (r *Robots) Allowed(ctx context.Context, rawURL string) bool {
	if r == nil || !r.respect {
		return true
	}
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	data := r.load(ctx, parsed.Scheme, parsed.Host)
	group := data.FindGroup(r.userAgent)
	if group == nil {
		return true
	}
	return group.Test(parsed.RequestURI())
}

// Sitemaps returns the Sitemap: entries of the host's robots.txt.
func (r *Robots) Sitemaps(ctx context.Context, scheme, host string) []string {
	data := r.load(ctx, scheme, host)
	return append([]string(nil), data.Sitemaps...)
}

func (r *Robots) load(ctx context.Context, scheme, host string) *robotstxt.RobotsData {
	key := strings.ToLower(scheme + "://" + host)
	if cached, ok := r.cache.Load(key); ok {
		if data, ok := cached.(*robotstxt.RobotsData); ok {
			return data
		}
	}
	data := r.fetch(ctx, key)
	actual, _ := r.cache.LoadOrStore(key, data)
	if stored, ok := actual.(*robotstxt.RobotsData); ok {
		return stored
	}
	return data
}

func (r *Robots) fetch(ctx context.Context, origin string) *robotstxt.RobotsData {
	robotsURL := origin + "/robots.txt"
	allowAll, _ := robotstxt.FromStatusAndBytes(http.StatusNotFound, nil)

	if r.waiter != nil {
		host := strings.TrimPrefix(strings.TrimPrefix(origin, "https://"), "http://")
		if err := r.waiter.Wait(ctx, host); err != nil {
			return allowAll
		}
	}
	resp, err := r.fetcher.Fetch(ctx, crawler.FetchRequest{URL: robotsURL, Timeout: robotsTimeout})
	if err != nil {
		r.logger.Debug("robots.txt unavailable, allowing all", zap.String("url", robotsURL), zap.Error(err))
		return allowAll
	}
	if reason := resp.Headers.Get(collyfetcher.RobotsFallbackHeader); reason != "" {
		r.logger.Warn("robots.txt fetch fell back to allow-all",
			zap.String("url", robotsURL), zap.String("reason", reason))
	}
	if len(resp.RedirectChain) > 1 {
		r.logger.Debug("robots.txt redirected",
			zap.String("url", robotsURL),
			zap.String("final_url", resp.URL),
			zap.Ints("chain", resp.RedirectChain))
	}
	if resp.StatusCode != http.StatusOK {
		r.logger.Debug("robots.txt not found", zap.String("url", robotsURL), zap.Int("status", resp.StatusCode))
		return allowAll
	}
	data, err := robotstxt.FromStatusAndBytes(resp.StatusCode, resp.Body)
	if err != nil {
		r.logger.Debug("robots.txt unparsable, allowing all", zap.String("url", robotsURL), zap.Error(err))
		return allowAll
	}
	return data
}
