package export

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/campus-crawler/internal/crawler"
)

// KindReport is the site report. It is always written as JSON.
const KindReport = "report"

// topPagesPerHost bounds SubdomainReport.TopPages.
const topPagesPerHost = 10

// Content classes counted by the report.
const (
	ContentHTML  = "html"
	ContentPDF   = "pdf"
	ContentImage = "image"
	ContentOther = "other"
)

// SiteReport summarizes one crawl for reporting tools.
type SiteReport struct {
	GeneratedAt time.Time         `json:"generated_at"`
	Job         JobInfo           `json:"job_info"`
	Crawl       CrawlStatistics   `json:"crawl_statistics"`
	Content     map[string]int    `json:"content_breakdown"`
	PageTypes   map[string]int    `json:"page_types"`
	Links       LinkStatistics    `json:"link_statistics"`
	Contacts    ContactStatistics `json:"contact_statistics"`
	HTTP        HTTPStatistics    `json:"http_statistics"`
	Subdomains  []SubdomainReport `json:"subdomains"`
}

// JobInfo identifies the job. DurationSeconds runs to the completion time, or
// to the report time for a job that has not finished.
type JobInfo struct {
	JobID           string            `json:"job_id"`
	Domain          string            `json:"domain"`
	Status          crawler.JobStatus `json:"status"`
	CreatedAt       time.Time         `json:"created_at"`
	StartedAt       *time.Time        `json:"started_at"`
	CompletedAt     *time.Time        `json:"completed_at"`
	DurationSeconds float64           `json:"duration_seconds"`
}

// CrawlStatistics counts outcomes. Fetched, extracted and analyzed pages all
// count as successful.
type CrawlStatistics struct {
	TotalPages      int     `json:"total_pages"`
	SuccessfulPages int     `json:"successful_pages"`
	FailedPages     int     `json:"failed_pages"`
	SuccessRate     float64 `json:"success_rate"`
	BrowserFetched  int     `json:"browser_fetched"`
	RetriedPages    int     `json:"retried_pages"`
}

// LinkStatistics totals the links found on every page.
type LinkStatistics struct {
	InternalLinks         int      `json:"internal_links"`
	ExternalLinks         int      `json:"external_links"`
	UniqueExternalDomains []string `json:"unique_external_domains"`
}

// ContactStatistics counts distinct contacts across the site.
type ContactStatistics struct {
	UniqueEmails    int            `json:"unique_emails"`
	PagesWithEmails int            `json:"pages_with_emails"`
	SocialProfiles  map[string]int `json:"social_profiles"`
}

// HTTPStatistics counts final status codes and lists redirected pages.
type HTTPStatistics struct {
	StatusCodes map[string]int `json:"status_codes"`
	Redirects   []Redirect     `json:"redirect_chains"`
}

// Redirect is one page reached through at least one redirect.
type Redirect struct {
	OriginalURL   string `json:"original_url"`
	FinalURL      string `json:"final_url"`
	RedirectCount int    `json:"redirect_count"`
	StatusCodes   []int  `json:"status_codes"`
}

// SubdomainReport is the per-host slice of the report.
type SubdomainReport struct {
	Host           string         `json:"host"`
	PageCount      int            `json:"page_count"`
	Content        map[string]int `json:"content_breakdown"`
	UniqueEmails   int            `json:"unique_emails"`
	SocialProfiles int            `json:"social_profiles"`
	TopPages       []TopPage      `json:"top_pages"`
}

// TopPage ranks a page by how many internal links it carries.
type TopPage struct {
	URL           string `json:"url"`
	Title         string `json:"title"`
	InternalLinks int    `json:"internal_links"`
}

// ContentClass buckets a Content-Type header.
func ContentClass(contentType string) string {
	ct := strings.ToLower(contentType)
	switch {
	case strings.Contains(ct, "html"):
		return ContentHTML
	case strings.Contains(ct, "pdf"):
		return ContentPDF
	case strings.HasPrefix(ct, "image/"):
		return ContentImage
	default:
		return ContentOther
	}
}

type hostAcc struct {
	report SubdomainReport
	emails map[string]struct{}
	pages  []TopPage
}

// Report builds the site report for job from its crawled pages.
func Report(job *crawler.CrawlJob, pages []*crawler.Page, now time.Time) SiteReport {
	rep := SiteReport{
		GeneratedAt: now,
		Job:         jobInfo(job, now),
		Content:     map[string]int{},
		PageTypes:   map[string]int{},
		Links:       LinkStatistics{UniqueExternalDomains: []string{}},
		Contacts:    ContactStatistics{SocialProfiles: map[string]int{}},
		HTTP:        HTTPStatistics{StatusCodes: map[string]int{}, Redirects: []Redirect{}},
		Subdomains:  []SubdomainReport{},
	}
	emails := map[string]struct{}{}
	external := map[string]struct{}{}
	hosts := map[string]*hostAcc{}

	for _, p := range pages {
		rep.Crawl.TotalPages++
		switch p.Status {
		case crawler.PageFetched, crawler.PageExtracted, crawler.PageAnalyzed:
			rep.Crawl.SuccessfulPages++
		case crawler.PageFailed:
			rep.Crawl.FailedPages++
		}
		if p.BrowserFetched {
			rep.Crawl.BrowserFetched++
		}
		if p.RetryCount > 0 {
			rep.Crawl.RetriedPages++
		}
		if p.StatusCode > 0 {
			rep.HTTP.StatusCodes[strconv.Itoa(p.StatusCode)]++
		}
		if len(p.RedirectChain) > 1 {
			rep.HTTP.Redirects = append(rep.HTTP.Redirects, Redirect{
				OriginalURL:   p.Key(),
				FinalURL:      p.URL,
				RedirectCount: len(p.RedirectChain) - 1,
				StatusCodes:   append([]int(nil), p.RedirectChain...),
			})
		}
		if p.Analysis != nil && p.Analysis.PageType != "" {
			rep.PageTypes[p.Analysis.PageType]++
		}

		rep.Links.InternalLinks += len(p.InternalLinks)
		rep.Links.ExternalLinks += len(p.ExternalLinks)
		for _, link := range p.ExternalLinks {
			if u, err := url.Parse(link); err == nil && u.Hostname() != "" {
				external[strings.ToLower(u.Hostname())] = struct{}{}
			}
		}

		host := p.Domain()
		acc, ok := hosts[host]
		if !ok {
			acc = &hostAcc{
				report: SubdomainReport{Host: host, Content: map[string]int{}},
				emails: map[string]struct{}{},
			}
			hosts[host] = acc
		}
		acc.report.PageCount++

		if p.ContentType != "" {
			class := ContentClass(p.ContentType)
			rep.Content[class]++
			acc.report.Content[class]++
		}
		if len(p.Emails) > 0 {
			rep.Contacts.PagesWithEmails++
		}
		for _, e := range p.Emails {
			e = strings.ToLower(e)
			emails[e] = struct{}{}
			acc.emails[e] = struct{}{}
		}
		for platform, handles := range p.SocialMedia {
			rep.Contacts.SocialProfiles[platform] += len(handles)
			acc.report.SocialProfiles += len(handles)
		}
		if p.Status != crawler.PageFailed {
			acc.pages = append(acc.pages, TopPage{URL: p.URL, Title: p.Title, InternalLinks: len(p.InternalLinks)})
		}
	}

	if rep.Crawl.TotalPages > 0 {
		rep.Crawl.SuccessRate = float64(rep.Crawl.SuccessfulPages) / float64(rep.Crawl.TotalPages)
	}
	rep.Contacts.UniqueEmails = len(emails)
	rep.Links.UniqueExternalDomains = sortedKeys(external)

	for _, acc := range hosts {
		acc.report.UniqueEmails = len(acc.emails)
		sort.Slice(acc.pages, func(i, j int) bool {
			if acc.pages[i].InternalLinks != acc.pages[j].InternalLinks {
				return acc.pages[i].InternalLinks > acc.pages[j].InternalLinks
			}
			return acc.pages[i].URL < acc.pages[j].URL
		})
		if len(acc.pages) > topPagesPerHost {
			acc.pages = acc.pages[:topPagesPerHost]
		}
		acc.report.TopPages = append([]TopPage{}, acc.pages...)
		rep.Subdomains = append(rep.Subdomains, acc.report)
	}
	sort.Slice(rep.Subdomains, func(i, j int) bool {
		a, b := rep.Subdomains[i], rep.Subdomains[j]
		if a.PageCount != b.PageCount {
			return a.PageCount > b.PageCount
		}
		return a.Host < b.Host
	})
	return rep
}

func jobInfo(job *crawler.CrawlJob, now time.Time) JobInfo {
	info := JobInfo{
		JobID:       job.JobID,
		Domain:      job.Domain,
		Status:      job.Status,
		CreatedAt:   job.CreatedAt,
		StartedAt:   job.StartedAt,
		CompletedAt: job.CompletedAt,
	}
	if job.StartedAt != nil {
		end := now
		if job.CompletedAt != nil {
			end = *job.CompletedAt
		}
		info.DurationSeconds = end.Sub(*job.StartedAt).Seconds()
	}
	return info
}

// Report builds the site report and writes it as JSON. It returns the
// report along with its URI.
func (e *Exporter) Report(ctx context.Context, job *crawler.CrawlJob, pages []*crawler.Page) (*SiteReport, string, error) {
	rep := Report(job, pages, e.clock.Now())
	b, err := json.MarshalIndent(rep, "", "  ")
	if err != nil {
		return nil, "", fmt.Errorf("encode report: %w", err)
	}
	uri, err := e.blobs.PutObject(ctx, Path(job.JobID, KindReport, FormatJSON), FormatJSON.ContentType(), bytes.NewReader(b))
	if err != nil {
		return nil, "", crawler.StorageError("write report", err)
	}
	e.logger.Info("wrote site report",
		zap.String("job_id", job.JobID),
		zap.Int("pages", rep.Crawl.TotalPages),
		zap.Int("hosts", len(rep.Subdomains)),
		zap.String("uri", uri))
	return &rep, uri, nil
}

func sortedKeys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
