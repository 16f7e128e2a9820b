package discovery

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/campus-crawler/internal/crawler"
)

var skippedSchemes = []string{"mailto:", "javascript:", "tel:", "data:"}

// ParseLinks returns the normalized absolute http(s) links of doc in document
// order, without duplicates.
func ParseLinks(base string, doc *goquery.Document) []string {
	seen := make(map[string]struct{})
	var out []string
	doc.Find("a[href]").Each(func(_ int, sel *goquery.Selection) {
		href := strings.TrimSpace(sel.AttrOr("href", ""))
		if href == "" || strings.HasPrefix(href, "#") {
			return
		}
		lower := strings.ToLower(href)
		for _, scheme := range skippedSchemes {
			if strings.HasPrefix(lower, scheme) {
				return
			}
		}
		abs, err := crawler.ResolveURL(base, href)
		if err != nil {
			return
		}
		if !strings.HasPrefix(abs, "http://") && !strings.HasPrefix(abs, "https://") {
			return
		}
		if _, ok := seen[abs]; ok {
			return
		}
		seen[abs] = struct{}{}
		out = append(out, abs)
	})
	return out
}

// ParseLinksHTML parses body and returns its links like ParseLinks.
func ParseLinksHTML(base string, body []byte) ([]string, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}
	return ParseLinks(base, doc), nil
}

// SameSite reports whether host belongs to domain: equal, or one a subdomain
// of the other.
func SameSite(host, domain string) bool {
	host = strings.ToLower(host)
	domain = strings.ToLower(domain)
	if host == "" || domain == "" {
		return false
	}
	return host == domain ||
		strings.HasSuffix(host, "."+domain) ||
		strings.HasSuffix(domain, "."+host)
}

// Links turns the links found on a processed page into frontier candidates.
type Links struct {
	filter *Filter
}

// NewLinks builds a link discoverer over filter.
func NewLinks(filter *Filter) *Links {
	return &Links{filter: filter}
}

// Discover returns new discovered pages for the page's internal links. When
// extraction did not run, the raw HTML is parsed instead.
func (l *Links) Discover(ctx context.Context, page *crawler.Page, now time.Time) []*crawler.Page {
	links := page.InternalLinks
	if len(links) == 0 && page.HTMLContent != "" {
		parsed, err := ParseLinksHTML(page.URL, []byte(page.HTMLContent))
		if err != nil {
			return nil
		}
		links = parsed
	}
	seen := make(map[string]struct{}, len(links))
	var out []*crawler.Page
	for _, link := range links {
		if ctx.Err() != nil {
			return out
		}
		if _, ok := seen[link]; ok {
			continue
		}
		seen[link] = struct{}{}
		if !l.filter.Allow(ctx, link) {
			continue
		}
		out = append(out, crawler.NewPage(link, page.JobID, page.MaxRetries, now))
	}
	return out
}
