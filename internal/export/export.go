// Package export writes job results as CSV and JSON files through a blob store.
package export

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/gocarina/gocsv"
	"go.uber.org/zap"

	"github.com/JakeFAU/campus-crawler/internal/crawler"
)

// Format selects an export encoding.
type Format string

// Supported formats.
const (
	FormatCSV  Format = "csv"
	FormatJSON Format = "json"
)

// Kinds of export files.
const (
	KindPages    = "pages"
	KindContacts = "contacts"
)

// ParseFormat validates a format name.
func ParseFormat(s string) (Format, error) {
	switch Format(s) {
	case FormatCSV, FormatJSON:
		return Format(s), nil
	default:
		return "", fmt.Errorf("unknown export format %q", s)
	}
}

// ContentType is the MIME type served for the format.
func (f Format) ContentType() string {
	if f == FormatCSV {
		return "text/csv"
	}
	return "application/json"
}

// ParseKind validates an export kind.
func ParseKind(s string) (string, error) {
	switch s {
	case KindPages, KindContacts, KindReport:
		return s, nil
	default:
		return "", fmt.Errorf("unknown export kind %q", s)
	}
}

// Path is the blob path of one export file.
func Path(jobID, kind string, f Format) string {
	return fmt.Sprintf("exports/%s_%s.%s", jobID, kind, f)
}

// PageRow is one CSV line of the pages export.
type PageRow struct {
	URL                     string `csv:"url"`
	Status                  string `csv:"status"`
	StatusCode              int    `csv:"status_code"`
	ContentType             string `csv:"content_type"`
	ContentLength           int    `csv:"content_length"`
	Title                   string `csv:"title"`
	Domain                  string `csv:"domain"`
	Subdomain               string `csv:"subdomain"`
	Path                    string `csv:"path"`
	DiscoveredAt            string `csv:"discovered_at"`
	FetchedAt               string `csv:"fetched_at"`
	ProcessedAt             string `csv:"processed_at"`
	AnalyzedAt              string `csv:"analyzed_at"`
	ErrorMessage            string `csv:"error_message"`
	RetryCount              int    `csv:"retry_count"`
	InternalLinksCount      int    `csv:"internal_links_count"`
	ExternalLinksCount      int    `csv:"external_links_count"`
	EmailsCount             int    `csv:"emails_count"`
	SocialProfilesCount     int    `csv:"social_profiles_count"`
	PageType                string `csv:"page_type"`
	FundingReferences       int    `csv:"funding_references"`
	CollaborationIndicators int    `csv:"collaboration_indicators"`
	TechnologyTransfer      int    `csv:"technology_transfer"`
	IndustryConnections     int    `csv:"industry_connections"`
}

// ContactRow is one CSV line of the contacts export.
type ContactRow struct {
	SourceURL    string `csv:"source_url"`
	ContactType  string `csv:"contact_type"`
	ContactValue string `csv:"contact_value"`
	Subdomain    string `csv:"subdomain"`
	PageTitle    string `csv:"page_title"`
	DiscoveredAt string `csv:"discovered_at"`
}

// PageDocument is one entry of the JSON pages export. Raw and cleaned
// content are left out; they live in the stored page documents.
type PageDocument struct {
	URL              string             `json:"url"`
	JobID            string             `json:"job_id"`
	Status           crawler.PageStatus `json:"status"`
	StatusCode       int                `json:"status_code"`
	ContentType      string             `json:"content_type"`
	ContentLength    int                `json:"content_length"`
	Title            string             `json:"title"`
	Domain           string             `json:"domain"`
	Subdomain        string             `json:"subdomain"`
	Path             string             `json:"path"`
	DiscoveredAt     time.Time          `json:"discovered_at"`
	FetchedAt        *time.Time         `json:"fetched_at"`
	ProcessedAt      *time.Time         `json:"processed_at"`
	AnalyzedAt       *time.Time         `json:"analyzed_at"`
	ErrorMessage     string             `json:"error_message"`
	RetryCount       int                `json:"retry_count"`
	InternalLinks    []string           `json:"internal_links"`
	ExternalLinks    []string           `json:"external_links"`
	Analysis         *crawler.Analysis  `json:"analysis_results"`
	ExtractionMethod string             `json:"extraction_method"`
	BrowserFetched   bool               `json:"browser_fetched"`
	BlobURI          string             `json:"blob_uri,omitempty"`
}

// PageContacts groups the contacts found on one page.
type PageContacts struct {
	SourceURL      string              `json:"source_url"`
	Subdomain      string              `json:"subdomain"`
	PageTitle      string              `json:"page_title"`
	DiscoveredAt   *time.Time          `json:"discovered_at"`
	Emails         []string            `json:"emails"`
	SocialProfiles map[string][]string `json:"social_profiles"`
}

// ContactsDocument is the JSON contacts export.
type ContactsDocument struct {
	JobID              string         `json:"job_id"`
	ExportedAt         time.Time      `json:"exported_at"`
	TotalPagesAnalyzed int            `json:"total_pages_analyzed"`
	Contacts           []PageContacts `json:"contacts"`
}

// PageRows flattens pages into CSV rows.
func PageRows(pages []*crawler.Page) []PageRow {
	rows := make([]PageRow, 0, len(pages))
	for _, p := range pages {
		row := PageRow{
			URL:                p.URL,
			Status:             string(p.Status),
			StatusCode:         p.StatusCode,
			ContentType:        p.ContentType,
			ContentLength:      p.ContentLength,
			Title:              p.Title,
			Domain:             p.Domain(),
			Subdomain:          p.Subdomain(),
			Path:               p.Path(),
			DiscoveredAt:       formatTime(&p.DiscoveredAt),
			FetchedAt:          formatTime(p.FetchedAt),
			ProcessedAt:        formatTime(p.ProcessedAt),
			AnalyzedAt:         formatTime(p.AnalyzedAt),
			ErrorMessage:       p.ErrorMessage,
			RetryCount:         p.RetryCount,
			InternalLinksCount: len(p.InternalLinks),
			ExternalLinksCount: len(p.ExternalLinks),
		}
		if a := p.Analysis; a != nil {
			row.EmailsCount = a.EmailsFound
			row.SocialProfilesCount = a.SocialProfiles
			row.PageType = a.PageType
			row.FundingReferences = a.ContentIndicators["funding_references"]
			row.CollaborationIndicators = a.ContentIndicators["collaboration_indicators"]
			row.TechnologyTransfer = a.ContentIndicators["technology_transfer"]
			row.IndustryConnections = a.ContentIndicators["industry_connections"]
		}
		rows = append(rows, row)
	}
	return rows
}

// ContactRows lists one row per email and per social handle of analyzed pages.
func ContactRows(pages []*crawler.Page) []ContactRow {
	var rows []ContactRow
	for _, p := range pages {
		if p.Analysis == nil {
			continue
		}
		base := ContactRow{
			SourceURL:    p.URL,
			Subdomain:    p.Subdomain(),
			PageTitle:    p.Title,
			DiscoveredAt: formatTime(p.ProcessedAt),
		}
		for _, email := range p.Emails {
			row := base
			row.ContactType = "email"
			row.ContactValue = email
			rows = append(rows, row)
		}
		for _, platform := range platforms(p.SocialMedia) {
			for _, handle := range p.SocialMedia[platform] {
				row := base
				row.ContactType = platform
				row.ContactValue = handle
				rows = append(rows, row)
			}
		}
	}
	return rows
}

// PageDocuments converts pages into JSON export entries.
func PageDocuments(pages []*crawler.Page) []PageDocument {
	docs := make([]PageDocument, 0, len(pages))
	for _, p := range pages {
		docs = append(docs, PageDocument{
			URL:              p.URL,
			JobID:            p.JobID,
			Status:           p.Status,
			StatusCode:       p.StatusCode,
			ContentType:      p.ContentType,
			ContentLength:    p.ContentLength,
			Title:            p.Title,
			Domain:           p.Domain(),
			Subdomain:        p.Subdomain(),
			Path:             p.Path(),
			DiscoveredAt:     p.DiscoveredAt,
			FetchedAt:        p.FetchedAt,
			ProcessedAt:      p.ProcessedAt,
			AnalyzedAt:       p.AnalyzedAt,
			ErrorMessage:     p.ErrorMessage,
			RetryCount:       p.RetryCount,
			InternalLinks:    nonNil(p.InternalLinks),
			ExternalLinks:    nonNil(p.ExternalLinks),
			Analysis:         p.Analysis,
			ExtractionMethod: p.ExtractionMethod,
			BrowserFetched:   p.BrowserFetched,
			BlobURI:          p.BlobURI,
		})
	}
	return docs
}

// Contacts builds the JSON contacts document. Pages without contacts are
// left out.
func Contacts(jobID string, pages []*crawler.Page, now time.Time) ContactsDocument {
	doc := ContactsDocument{JobID: jobID, ExportedAt: now, TotalPagesAnalyzed: len(pages), Contacts: []PageContacts{}}
	for _, p := range pages {
		if p.Analysis == nil || (len(p.Emails) == 0 && len(p.SocialMedia) == 0) {
			continue
		}
		doc.Contacts = append(doc.Contacts, PageContacts{
			SourceURL:      p.URL,
			Subdomain:      p.Subdomain(),
			PageTitle:      p.Title,
			DiscoveredAt:   p.ProcessedAt,
			Emails:         nonNil(p.Emails),
			SocialProfiles: p.SocialMedia,
		})
	}
	return doc
}

// Exporter writes export files through a blob store.
type Exporter struct {
	blobs  crawler.BlobStore
	clock  crawler.Clock
	logger *zap.Logger
}

// New builds an Exporter.
func New(blobs crawler.BlobStore, clock crawler.Clock, logger *zap.Logger) *Exporter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Exporter{blobs: blobs, clock: clock, logger: logger}
}

// Export writes the pages and contacts files for each format and returns
// their URIs.
func (e *Exporter) Export(ctx context.Context, jobID string, pages []*crawler.Page, formats ...Format) ([]string, error) {
	var uris []string
	for _, f := range formats {
		files, err := e.encode(jobID, pages, f)
		if err != nil {
			return uris, err
		}
		for _, kind := range []string{KindPages, KindContacts} {
			uri, err := e.blobs.PutObject(ctx, Path(jobID, kind, f), f.ContentType(), bytes.NewReader(files[kind]))
			if err != nil {
				return uris, crawler.StorageError("write export", err)
			}
			uris = append(uris, uri)
		}
	}
	e.logger.Info("exported job", zap.String("job_id", jobID), zap.Int("pages", len(pages)), zap.Strings("files", uris))
	return uris, nil
}

func (e *Exporter) encode(jobID string, pages []*crawler.Page, f Format) (map[string][]byte, error) {
	out := make(map[string][]byte, 2)
	switch f {
	case FormatCSV:
		pageRows := PageRows(pages)
		b, err := gocsv.MarshalBytes(&pageRows)
		if err != nil {
			return nil, fmt.Errorf("encode pages csv: %w", err)
		}
		out[KindPages] = b
		contactRows := ContactRows(pages)
		if b, err = gocsv.MarshalBytes(&contactRows); err != nil {
			return nil, fmt.Errorf("encode contacts csv: %w", err)
		}
		out[KindContacts] = b
	case FormatJSON:
		b, err := json.MarshalIndent(PageDocuments(pages), "", "  ")
		if err != nil {
			return nil, fmt.Errorf("encode pages json: %w", err)
		}
		out[KindPages] = b
		if b, err = json.MarshalIndent(Contacts(jobID, pages, e.clock.Now()), "", "  "); err != nil {
			return nil, fmt.Errorf("encode contacts json: %w", err)
		}
		out[KindContacts] = b
	default:
		return nil, fmt.Errorf("unknown export format %q", f)
	}
	return out, nil
}

func formatTime(t *time.Time) string {
	if t == nil || t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func platforms(m map[string][]string) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
