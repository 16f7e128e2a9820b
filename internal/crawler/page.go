package crawler

import (
	"net/url"
	"strings"
	"time"
)

// PageStatus is the lifecycle status of a page.
type PageStatus string

// Page status values. Transitions are monotonic except failed -> discovered on
// a bot-challenge retry.
const (
	PageDiscovered PageStatus = "discovered"
	PageFetching   PageStatus = "fetching"
	PageFetched    PageStatus = "fetched"
	PageExtracting PageStatus = "extracting"
	PageExtracted  PageStatus = "extracted"
	PageAnalyzing  PageStatus = "analyzing"
	PageAnalyzed   PageStatus = "analyzed"
	PageFailed     PageStatus = "failed"
)

// Extraction methods recorded on fetched pages.
const (
	MethodRequests = "requests"
	MethodBrowser  = "browser"
)

// DefaultMaxRetries bounds page retries when the job config does not.
const DefaultMaxRetries = 3

// Analysis holds classification results produced by the analyze stage.
type Analysis struct {
	PageType          string         `json:"page_type"`
	EmailsFound       int            `json:"emails_found"`
	SocialProfiles    int            `json:"social_profiles_found"`
	ContentIndicators map[string]int `json:"content_indicators,omitempty"`
}

// Page is the unit of work and the result record for one URL.
type Page struct {
	URL          string     `json:"url"`
	RequestedURL string     `json:"requested_url,omitempty"`
	JobID        string     `json:"job_id"`
	Status       PageStatus `json:"status"`
	DiscoveredAt time.Time  `json:"discovered_at"`
	FetchedAt    *time.Time `json:"fetched_at,omitempty"`
	ProcessedAt  *time.Time `json:"processed_at,omitempty"`

	StatusCode       int    `json:"status_code,omitempty"`
	ContentType      string `json:"content_type,omitempty"`
	ContentLength    int    `json:"content_length,omitempty"`
	RedirectChain    []int  `json:"redirect_chain,omitempty"`
	ExtractionMethod string `json:"extraction_method,omitempty"`
	BrowserFetched   bool   `json:"browser_fetched,omitempty"`
	Challenges       int    `json:"challenges,omitempty"`
	RetryCount       int    `json:"retry_count"`
	MaxRetries       int    `json:"max_retries"`
	ErrorMessage     string `json:"error_message,omitempty"`

	HTMLContent     string              `json:"html_content,omitempty"`
	Title           string              `json:"title,omitempty"`
	CleanContent    string              `json:"clean_content,omitempty"`
	MarkdownContent string              `json:"markdown_content,omitempty"`
	InternalLinks   []string            `json:"internal_links,omitempty"`
	ExternalLinks   []string            `json:"external_links,omitempty"`
	Emails          []string            `json:"emails,omitempty"`
	SocialMedia     map[string][]string `json:"social_media,omitempty"`
	Analysis        *Analysis           `json:"analysis_results,omitempty"`
	AnalyzedAt      *time.Time          `json:"analyzed_at,omitempty"`

	ContentHash string     `json:"content_hash,omitempty"`
	BlobURI     string     `json:"blob_uri,omitempty"`
	StoredAt    *time.Time `json:"stored_at,omitempty"`
}

// NewPage creates a discovered page.
func NewPage(rawURL, jobID string, maxRetries int, now time.Time) *Page {
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}
	return &Page{
		URL:          rawURL,
		JobID:        jobID,
		Status:       PageDiscovered,
		DiscoveredAt: now,
		MaxRetries:   maxRetries,
	}
}

// Key identifies the page inside the frontier. It stays stable when a
// redirect rewrites URL.
func (p *Page) Key() string {
	if p.RequestedURL != "" {
		return p.RequestedURL
	}
	return p.URL
}

// Domain returns the page host including any port.
func (p *Page) Domain() string {
	u, err := url.Parse(p.URL)
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Host)
}

// Subdomain returns the left-most label when the host has more than two labels.
func (p *Page) Subdomain() string {
	u, err := url.Parse(p.URL)
	if err != nil {
		return ""
	}
	parts := strings.Split(u.Hostname(), ".")
	if len(parts) > 2 {
		return parts[0]
	}
	return ""
}

// Path returns the URL path, defaulting to "/".
func (p *Page) Path() string {
	u, err := url.Parse(p.URL)
	if err != nil || u.Path == "" {
		return "/"
	}
	return u.Path
}

// AddError appends to the error history without discarding earlier entries.
func (p *Page) AddError(msg string) {
	if msg == "" {
		return
	}
	if p.ErrorMessage == "" {
		p.ErrorMessage = msg
		return
	}
	p.ErrorMessage += "; " + msg
}

// MarkFailed records the reason and moves the page to failed.
func (p *Page) MarkFailed(reason string, now time.Time) {
	p.AddError(reason)
	p.Status = PageFailed
	p.ProcessedAt = &now
}

// CanRetry reports whether the retry budget has room.
func (p *Page) CanRetry() bool {
	limit := p.MaxRetries
	if limit <= 0 {
		limit = DefaultMaxRetries
	}
	return p.RetryCount < limit
}

// ResetForRetry is the only legal backwards transition: failed -> discovered.
func (p *Page) ResetForRetry() {
	p.Status = PageDiscovered
	p.ProcessedAt = nil
}

// Clone returns a deep copy of the page.
func (p *Page) Clone() *Page {
	if p == nil {
		return nil
	}
	c := *p
	c.RedirectChain = append([]int(nil), p.RedirectChain...)
	c.InternalLinks = append([]string(nil), p.InternalLinks...)
	c.ExternalLinks = append([]string(nil), p.ExternalLinks...)
	c.Emails = append([]string(nil), p.Emails...)
	if p.SocialMedia != nil {
		c.SocialMedia = make(map[string][]string, len(p.SocialMedia))
		for k, v := range p.SocialMedia {
			c.SocialMedia[k] = append([]string(nil), v...)
		}
	}
	if p.Analysis != nil {
		a := *p.Analysis
		if p.Analysis.ContentIndicators != nil {
			a.ContentIndicators = make(map[string]int, len(p.Analysis.ContentIndicators))
			for k, v := range p.Analysis.ContentIndicators {
				a.ContentIndicators[k] = v
			}
		}
		c.Analysis = &a
	}
	return &c
}
