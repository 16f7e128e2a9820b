package export

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/campus-crawler/internal/clock/fake"
	"github.com/JakeFAU/campus-crawler/internal/crawler"
	"github.com/JakeFAU/campus-crawler/internal/storage/memory"
)

func reportJob() *crawler.CrawlJob {
	job := crawler.NewCrawlJob("job-1", "example.edu", crawler.DefaultJobConfig(), epoch)
	job.Start(epoch)
	return job
}

func reportPages() []*crawler.Page {
	pages := samplePages()
	pages[0].ContentType = "text/html; charset=utf-8"
	pages[0].ExternalLinks = []string{"https://NSF.gov/awards", "https://nsf.gov/other", "https://github.com/qlab"}

	brochure := crawler.NewPage("https://example.edu/brochure.pdf", "job-1", 3, epoch)
	brochure.Status = crawler.PageFetched
	brochure.StatusCode = 200
	brochure.ContentType = "application/pdf"

	moved := crawler.NewPage("http://example.edu/about", "job-1", 3, epoch)
	moved.RequestedURL = moved.URL
	moved.URL = "https://www.example.edu/about"
	moved.Status = crawler.PageAnalyzed
	moved.StatusCode = 200
	moved.ContentType = "text/html"
	moved.RedirectChain = []int{301, 302, 200}
	moved.BrowserFetched = true
	moved.RetryCount = 1
	moved.InternalLinks = []string{"https://www.example.edu/", "https://www.example.edu/news"}
	moved.Emails = []string{"Lab@example.edu", "info@example.edu"}
	moved.Analysis = &crawler.Analysis{PageType: "general"}
	return append(pages, brochure, moved)
}

func TestReportTotals(t *testing.T) {
	t.Parallel()
	rep := Report(reportJob(), reportPages(), epoch.Add(90*time.Second))

	assert.Equal(t, 90.0, rep.Job.DurationSeconds, "unfinished jobs run to the report time")
	assert.Equal(t, CrawlStatistics{
		TotalPages:      4,
		SuccessfulPages: 3,
		FailedPages:     1,
		SuccessRate:     0.75,
		BrowserFetched:  1,
		RetriedPages:    1,
	}, rep.Crawl)
	assert.Equal(t, map[string]int{ContentHTML: 2, ContentPDF: 1}, rep.Content)
	assert.Equal(t, map[string]int{"research": 1, "general": 1}, rep.PageTypes)

	assert.Equal(t, 3, rep.Links.InternalLinks)
	assert.Equal(t, 3, rep.Links.ExternalLinks)
	assert.Equal(t, []string{"github.com", "nsf.gov"}, rep.Links.UniqueExternalDomains)

	assert.Equal(t, 2, rep.Contacts.UniqueEmails, "emails are compared case-insensitively")
	assert.Equal(t, 2, rep.Contacts.PagesWithEmails)
	assert.Equal(t, map[string]int{"twitter": 1, "facebook": 1}, rep.Contacts.SocialProfiles)

	assert.Equal(t, map[string]int{"200": 3, "404": 1}, rep.HTTP.StatusCodes)
	require.Len(t, rep.HTTP.Redirects, 1)
	assert.Equal(t, Redirect{
		OriginalURL:   "http://example.edu/about",
		FinalURL:      "https://www.example.edu/about",
		RedirectCount: 2,
		StatusCodes:   []int{301, 302, 200},
	}, rep.HTTP.Redirects[0])
}

func TestReportSubdomains(t *testing.T) {
	t.Parallel()
	rep := Report(reportJob(), reportPages(), epoch)

	require.Len(t, rep.Subdomains, 3)
	assert.Equal(t, "example.edu", rep.Subdomains[0].Host)
	assert.Equal(t, 2, rep.Subdomains[0].PageCount)
	assert.Equal(t, map[string]int{ContentPDF: 1}, rep.Subdomains[0].Content)
	require.Len(t, rep.Subdomains[0].TopPages, 1, "failed pages are not ranked")

	assert.Equal(t, "research.example.edu", rep.Subdomains[1].Host)
	assert.Equal(t, 2, rep.Subdomains[1].SocialProfiles)
	assert.Equal(t, "www.example.edu", rep.Subdomains[2].Host)
	assert.Equal(t, 2, rep.Subdomains[2].UniqueEmails)
}

func TestReportTopPagesAreBounded(t *testing.T) {
	t.Parallel()
	var pages []*crawler.Page
	for i := range 15 {
		p := crawler.NewPage(fmt.Sprintf("https://example.edu/p%02d", i), "job-1", 3, epoch)
		p.Status = crawler.PageExtracted
		p.InternalLinks = make([]string, i)
		pages = append(pages, p)
	}
	rep := Report(reportJob(), pages, epoch)

	require.Len(t, rep.Subdomains, 1)
	top := rep.Subdomains[0].TopPages
	require.Len(t, top, topPagesPerHost)
	assert.Equal(t, "https://example.edu/p14", top[0].URL)
	assert.Equal(t, 14, top[0].InternalLinks)
	assert.Equal(t, 5, top[len(top)-1].InternalLinks)
}

func TestReportEmptyJob(t *testing.T) {
	t.Parallel()
	job := reportJob()
	job.Complete(epoch.Add(time.Minute))
	rep := Report(job, nil, epoch.Add(time.Hour))

	assert.Equal(t, 60.0, rep.Job.DurationSeconds)
	assert.Zero(t, rep.Crawl.SuccessRate)
	assert.Empty(t, rep.Subdomains)
	assert.NotNil(t, rep.Links.UniqueExternalDomains)
}

func TestContentClass(t *testing.T) {
	t.Parallel()
	for ct, want := range map[string]string{
		"text/html; charset=UTF-8": ContentHTML,
		"application/xhtml+xml":    ContentHTML,
		"application/PDF":          ContentPDF,
		"image/png":                ContentImage,
		"text/plain":               ContentOther,
	} {
		assert.Equal(t, want, ContentClass(ct), ct)
	}
}

func TestExporterWritesReport(t *testing.T) {
	t.Parallel()
	blobs := memory.NewBlobStore()
	exp := New(blobs, fake.New(epoch.Add(time.Minute)), nil)

	rep, uri, err := exp.Report(context.Background(), reportJob(), reportPages())
	require.NoError(t, err)
	assert.Equal(t, "memory://exports/job-1_report.json", uri)
	assert.Equal(t, 4, rep.Crawl.TotalPages)

	data, ok := blobs.Get(Path("job-1", KindReport, FormatJSON))
	require.True(t, ok)
	var decoded map[string]any
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Contains(t, decoded, "crawl_statistics")
	assert.Contains(t, decoded, "http_statistics")
	assert.Equal(t, 60.0, decoded["job_info"].(map[string]any)["duration_seconds"])
}
