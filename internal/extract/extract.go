// Package extract turns fetched HTML into a title, clean text, markdown and
// classified links.
package extract

import (
	"context"
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"github.com/JohannesKaufmann/html-to-markdown/v2/converter"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/base"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/commonmark"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/table"
	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"
	"golang.org/x/net/html"

	"github.com/JakeFAU/campus-crawler/internal/crawler"
	"github.com/JakeFAU/campus-crawler/internal/discovery"
)

// MinContentLength is the shortest clean text or markdown worth keeping.
const MinContentLength = 50

var (
	boilerplateTags = "script, style, nav, header, footer, aside, noscript, iframe, object, embed"
	formTags        = "button, input, select, textarea, form"
	containerHint   = regexp.MustCompile(`(?i)content|main|body`)
	blankRuns       = regexp.MustCompile(`\n\s*\n\s*\n+`)
)

// Extractor is the extract pipeline stage.
type Extractor struct {
	clock     crawler.Clock
	logger    *zap.Logger
	converter *converter.Converter
}

// New builds an extractor.
func New(clock crawler.Clock, logger *zap.Logger) *Extractor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Extractor{
		clock:  clock,
		logger: logger,
		converter: converter.NewConverter(
			converter.WithPlugins(
				base.NewBasePlugin(),
				commonmark.NewCommonmarkPlugin(),
				table.NewTablePlugin(),
			),
		),
	}
}

// Name implements the pipeline stage contract.
func (e *Extractor) Name() crawler.Stage { return crawler.StageExtract }

// ShouldProcess accepts fetched pages that carry HTML.
func (e *Extractor) ShouldProcess(page *crawler.Page, _ *crawler.CrawlJob) bool {
	if page.Status != crawler.PageFetched || page.HTMLContent == "" {
		return false
	}
	return page.ContentType == "" || strings.Contains(strings.ToLower(page.ContentType), "html")
}

// ProcessItem fills the title, text, markdown and link fields.
func (e *Extractor) ProcessItem(_ context.Context, page *crawler.Page, job *crawler.CrawlJob) error {
	page.Status = crawler.PageExtracting
	root, err := html.Parse(strings.NewReader(page.HTMLContent))
	if err != nil {
		page.Status = crawler.PageFetched
		return &crawler.ContentError{Stage: string(crawler.StageExtract), Err: fmt.Errorf("parse html: %w", err)}
	}
	doc := goquery.NewDocumentFromNode(root)

	page.Title = Title(doc)
	page.InternalLinks, page.ExternalLinks = splitLinks(discovery.ParseLinks(page.URL, doc), job.Domain)

	doc.Find(boilerplateTags).Remove()
	page.MarkdownContent = e.markdown(page.URL, mainContent(doc))

	doc.Find(formTags).Remove()
	page.CleanContent = cleanText(mainContent(doc))

	now := e.clock.Now()
	page.Status = crawler.PageExtracted
	page.ProcessedAt = &now
	e.logger.Debug("extracted page",
		zap.String("url", page.URL),
		zap.Int("text_chars", len(page.CleanContent)),
		zap.Int("markdown_chars", len(page.MarkdownContent)),
		zap.Int("internal_links", len(page.InternalLinks)),
	)
	return nil
}

// Title prefers <title>, then the first h1, then meta title tags.
func Title(doc *goquery.Document) string {
	if t := strings.TrimSpace(doc.Find("title").First().Text()); t != "" {
		return t
	}
	if h1 := collapse(doc.Find("h1").First().Text()); h1 != "" {
		return h1
	}
	for _, selector := range []string{`meta[name="title"]`, `meta[property="og:title"]`} {
		if content, ok := doc.Find(selector).First().Attr("content"); ok && strings.TrimSpace(content) != "" {
			return strings.TrimSpace(content)
		}
	}
	return ""
}

func splitLinks(links []string, domain string) (internal, external []string) {
	for _, link := range links {
		host := hostOf(link)
		if discovery.SameSite(host, domain) {
			internal = append(internal, link)
		} else {
			external = append(external, link)
		}
	}
	return internal, external
}

func hostOf(link string) string {
	u, err := url.Parse(link)
	if err != nil {
		return ""
	}
	return u.Hostname()
}

// mainContent picks the most likely content container, falling back to the
// body when the container holds no text.
func mainContent(doc *goquery.Document) *goquery.Selection {
	hinted := func(attr string) *goquery.Selection {
		return doc.Find("div").FilterFunction(func(_ int, s *goquery.Selection) bool {
			value, _ := s.Attr(attr)
			return containerHint.MatchString(value)
		}).First()
	}
	candidates := []*goquery.Selection{
		doc.Find("main").First(),
		doc.Find("article").First(),
		hinted("class"),
		hinted("id"),
	}
	body := doc.Find("body").First()
	if body.Length() == 0 {
		body = doc.Selection
	}
	for _, c := range candidates {
		if c.Length() == 0 {
			continue
		}
		if strings.TrimSpace(c.Text()) == "" {
			return body
		}
		return c
	}
	return body
}

func cleanText(sel *goquery.Selection) string {
	var parts []string
	for _, n := range sel.Nodes {
		collectText(n, &parts)
	}
	text := collapse(strings.Join(parts, " "))
	if len(text) <= MinContentLength {
		return ""
	}
	return text
}

func collectText(n *html.Node, parts *[]string) {
	if n.Type == html.TextNode {
		if s := strings.TrimSpace(n.Data); s != "" {
			*parts = append(*parts, s)
		}
		return
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		collectText(c, parts)
	}
}

func (e *Extractor) markdown(pageURL string, sel *goquery.Selection) string {
	if sel.Length() == 0 {
		return ""
	}
	out, err := e.converter.ConvertNode(sel.Nodes[0])
	if err != nil {
		e.logger.Debug("markdown conversion failed", zap.String("url", pageURL), zap.Error(err))
		return ""
	}
	md := strings.TrimSpace(blankRuns.ReplaceAllString(string(out), "\n\n"))
	if len(md) <= MinContentLength {
		return ""
	}
	return md
}

func collapse(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
