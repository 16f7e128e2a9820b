package discovery

import (
	"context"
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"github.com/JakeFAU/campus-crawler/internal/crawler"
)

// Waiter spaces requests per domain.
type Waiter interface {
	Wait(ctx context.Context, domain string) error
}

// RobotsChecker answers robots.txt questions.
type RobotsChecker interface {
	Allowed(ctx context.Context, rawURL string) bool
}

// Filter decides whether a discovered URL is worth crawling.
type Filter struct {
	scope      *crawler.Scope
	extensions []string
	patterns   []*regexp.Regexp
	robots     RobotsChecker
}

// NewFilter compiles the job's exclusion rules. robots may be nil.
func NewFilter(cfg crawler.JobConfig, scope *crawler.Scope, robots RobotsChecker) (*Filter, error) {
	f := &Filter{scope: scope, robots: robots}
	for _, ext := range cfg.ExcludeExtensions {
		ext = strings.ToLower(strings.TrimSpace(ext))
		if ext != "" {
			f.extensions = append(f.extensions, ext)
		}
	}
	for _, pattern := range cfg.ExcludePatterns {
		re, err := regexp.Compile("(?i)" + pattern)
		if err != nil {
			return nil, fmt.Errorf("compile exclude pattern %q: %w", pattern, err)
		}
		f.patterns = append(f.patterns, re)
	}
	return f, nil
}

// Allow reports whether rawURL passes the extension, pattern, scope and
// robots checks. Scope registers new subdomains, so it runs after the cheap
// rejections.
func (f *Filter) Allow(ctx context.Context, rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return false
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return false
	}
	lowerPath := strings.ToLower(u.Path)
	for _, ext := range f.extensions {
		if strings.HasSuffix(lowerPath, ext) {
			return false
		}
	}
	for _, re := range f.patterns {
		if re.MatchString(rawURL) {
			return false
		}
	}
	if !f.scope.Allows(u.Host) {
		return false
	}
	if f.robots != nil && !f.robots.Allowed(ctx, rawURL) {
		return false
	}
	return true
}
