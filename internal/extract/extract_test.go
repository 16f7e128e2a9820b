package extract

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/campus-crawler/internal/clock/fake"
	"github.com/JakeFAU/campus-crawler/internal/crawler"
)

var epoch = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

const samplePage = `<!doctype html>
<html><head><title> Physics Department </title><script>var tracking = "SCRIPT-TEXT";</script></head>
<body>
<nav><a href="/">Home</a> NAV-TEXT</nav>
<main>
  <h1>Welcome to Physics</h1>
  <p>The department runs research groups in condensed matter, astrophysics and quantum optics.</p>
  <p>Contact <a href="mailto:physics@example.edu">us</a> or visit <a href="/people">our people</a>.</p>
  <form><button>FORM-TEXT</button></form>
  <a href="https://research.example.edu/labs?utm_source=x">Labs</a>
  <a href="https://www.nsf.gov/awards">NSF</a>
</main>
<footer>FOOTER-TEXT</footer>
</body></html>`

func newPage(body string) *crawler.Page {
	p := crawler.NewPage("https://example.edu/physics/", "job-1", 3, epoch)
	p.Status = crawler.PageFetched
	p.ContentType = "text/html; charset=utf-8"
	p.HTMLContent = body
	return p
}

func TestExtractorProcessItem(t *testing.T) {
	t.Parallel()
	clk := fake.New(epoch)
	e := New(clk, nil)
	job := crawler.NewCrawlJob("job-1", "example.edu", crawler.DefaultJobConfig(), epoch)
	page := newPage(samplePage)

	require.True(t, e.ShouldProcess(page, job))
	require.NoError(t, e.ProcessItem(context.Background(), page, job))

	assert.Equal(t, crawler.PageExtracted, page.Status)
	require.NotNil(t, page.ProcessedAt)
	assert.Equal(t, epoch, *page.ProcessedAt)
	assert.Equal(t, "Physics Department", page.Title)

	assert.Contains(t, page.CleanContent, "Welcome to Physics The department runs research groups")
	for _, noise := range []string{"SCRIPT-TEXT", "NAV-TEXT", "FOOTER-TEXT", "FORM-TEXT"} {
		assert.NotContains(t, page.CleanContent, noise)
	}
	assert.Contains(t, page.MarkdownContent, "# Welcome to Physics")
	assert.NotContains(t, page.MarkdownContent, "NAV-TEXT")
	assert.NotContains(t, page.MarkdownContent, "\n\n\n")

	assert.Equal(t, []string{
		"https://example.edu/",
		"https://example.edu/people",
		"https://research.example.edu/labs",
	}, page.InternalLinks)
	assert.Equal(t, []string{"https://www.nsf.gov/awards"}, page.ExternalLinks)
}

func TestExtractorShouldProcess(t *testing.T) {
	t.Parallel()
	e := New(fake.New(epoch), nil)
	job := crawler.NewCrawlJob("job-1", "example.edu", crawler.DefaultJobConfig(), epoch)

	page := newPage(samplePage)
	page.ContentType = ""
	assert.True(t, e.ShouldProcess(page, job), "missing content type is treated as html")

	page.ContentType = "application/pdf"
	assert.False(t, e.ShouldProcess(page, job))

	page = newPage("")
	assert.False(t, e.ShouldProcess(page, job))

	page = newPage(samplePage)
	page.Status = crawler.PageExtracted
	assert.False(t, e.ShouldProcess(page, job))
}

func TestExtractorShortContentIsDropped(t *testing.T) {
	t.Parallel()
	e := New(fake.New(epoch), nil)
	job := crawler.NewCrawlJob("job-1", "example.edu", crawler.DefaultJobConfig(), epoch)
	page := newPage(`<html><body><p>Too short.</p></body></html>`)

	require.NoError(t, e.ProcessItem(context.Background(), page, job))
	assert.Empty(t, page.CleanContent)
	assert.Empty(t, page.MarkdownContent)
	assert.Equal(t, crawler.PageExtracted, page.Status)
}

func TestMainContentFallsBackToBody(t *testing.T) {
	t.Parallel()
	body := `<html><body><main>   </main><div class="x">` + strings.Repeat("Body text that is long enough. ", 3) + `</div></body></html>`
	e := New(fake.New(epoch), nil)
	job := crawler.NewCrawlJob("job-1", "example.edu", crawler.DefaultJobConfig(), epoch)
	page := newPage(body)

	require.NoError(t, e.ProcessItem(context.Background(), page, job))
	assert.Contains(t, page.CleanContent, "Body text that is long enough.")
}

func TestTitleFallbacks(t *testing.T) {
	t.Parallel()
	cases := map[string]string{
		`<html><head><title>Page</title></head><body><h1>Head</h1></body></html>`:            "Page",
		`<html><body><h1>  Main   Heading </h1></body></html>`:                                "Main Heading",
		`<html><head><meta name="title" content=" Meta Title "></head><body></body></html>`:     "Meta Title",
		`<html><head><meta property="og:title" content="OG Title"></head><body></body></html>`: "OG Title",
		`<html><body><p>nothing</p></body></html>`:                                           "",
	}
	for body, want := range cases {
		doc, err := goquery.NewDocumentFromReader(strings.NewReader(body))
		require.NoError(t, err)
		assert.Equal(t, want, Title(doc), body)
	}
}
