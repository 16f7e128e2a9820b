// Package analyze classifies extracted pages and pulls out contact and
// business-intelligence signals.
package analyze

import (
	"context"
	"regexp"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/campus-crawler/internal/crawler"
)

// MinContentLength is the clean-text length below which a page is not analyzed.
const MinContentLength = 100

// PageTypeGeneral is assigned when no page-type pattern matches.
const PageTypeGeneral = "general"

type category struct {
	name     string
	patterns []*regexp.Regexp
}

func compile(name string, patterns ...string) category {
	c := category{name: name}
	for _, p := range patterns {
		c.patterns = append(c.patterns, regexp.MustCompile("(?i)"+p))
	}
	return c
}

// Ties go to the earlier entry.
var pageTypes = []category{
	compile("faculty", `faculty`, `professors?`, `staff`, `people`, `directory`, `bio`, `profile`, `cv`, `resume`, `research.*team`),
	compile("department", `department`, `school.*of`, `college.*of`, `division`, `program`, `academic.*unit`),
	compile("research", `research`, `lab`, `laboratory`, `center.*for`, `institute`, `project`, `publication`, `paper`),
	compile("admissions", `admissions?`, `apply`, `application`, `prospective`, `undergraduate`, `graduate`, `degree`),
	compile("news", `news`, `press`, `announcement`, `event`, `calendar`),
	compile("about", `about`, `mission`, `history`, `overview`, `welcome`),
	compile("contact", `contact`, `location`, `address`, `phone`, `email`, `directory`),
}

var indicators = []category{
	compile("funding_references", `grant`, `funding`, `nsf`, `nih`, `darpa`, `dod`, `doe`, `foundation`, `award`, `sponsored`),
	compile("collaboration_indicators", `partnership`, `collaboration`, `joint.*venture`, `consortium`, `alliance`, `cooperat`),
	compile("technology_transfer", `patent`, `license`, `commerciali[sz]`, `startup`, `spinoff`, `technology.*transfer`, `intellectual.*property`),
	compile("industry_connections", `industry`, `corporate`, `business`, `commercial`, `enterprise`),
}

// IndicatorNames lists the content indicator keys in a stable order.
func IndicatorNames() []string {
	out := make([]string, 0, len(indicators))
	for _, c := range indicators {
		out = append(out, c.name)
	}
	return out
}

var emailPattern = regexp.MustCompile(`(?i)\b[a-z0-9._%+-]+@[a-z0-9.-]+\.[a-z]{2,}\b`)

var socialPatterns = []struct {
	platform string
	re       *regexp.Regexp
}{
	{"twitter", regexp.MustCompile(`(?i)(?:twitter\.com/|x\.com/|(?:^|\s)@)([a-z0-9_]+)`)},
	{"facebook", regexp.MustCompile(`(?i)facebook\.com/([a-z0-9._]+)`)},
	{"linkedin", regexp.MustCompile(`(?i)linkedin\.com/(?:in/|company/)([a-z0-9-]+)`)},
	{"instagram", regexp.MustCompile(`(?i)instagram\.com/([a-z0-9_.]+)`)},
	{"youtube", regexp.MustCompile(`(?i)youtube\.com/(?:user/|channel/|c/)([a-z0-9_-]+)`)},
}

// Analyzer is the analyze pipeline stage.
type Analyzer struct {
	clock  crawler.Clock
	logger *zap.Logger
}

// New builds an analyzer.
func New(clock crawler.Clock, logger *zap.Logger) *Analyzer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Analyzer{clock: clock, logger: logger}
}

// Name implements the pipeline stage contract.
func (a *Analyzer) Name() crawler.Stage { return crawler.StageAnalyze }

// ShouldProcess accepts extracted pages with enough text that were not
// analyzed before.
func (a *Analyzer) ShouldProcess(page *crawler.Page, _ *crawler.CrawlJob) bool {
	return page.Status == crawler.PageExtracted &&
		len(strings.TrimSpace(page.CleanContent)) > MinContentLength &&
		page.Analysis == nil
}

// ProcessItem classifies the page and records contacts and indicators.
func (a *Analyzer) ProcessItem(_ context.Context, page *crawler.Page, _ *crawler.CrawlJob) error {
	page.Status = crawler.PageAnalyzing
	content := page.CleanContent
	urlText := strings.ToLower(page.URL)
	fullText := content + " " + strings.ToLower(page.Title) + " " + urlText

	// Links may carry handles that the visible text does not.
	socialSource := content + " " + strings.Join(page.ExternalLinks, " ")
	emails := Emails(content)
	social := SocialHandles(socialSource)

	page.Emails = mergeSorted(page.Emails, emails)
	if len(social) > 0 && page.SocialMedia == nil {
		page.SocialMedia = make(map[string][]string, len(social))
	}
	profiles := 0
	for platform, handles := range social {
		page.SocialMedia[platform] = mergeSorted(page.SocialMedia[platform], handles)
		profiles += len(handles)
	}

	page.Analysis = &crawler.Analysis{
		PageType:          ClassifyPageType(fullText, urlText),
		EmailsFound:       len(emails),
		SocialProfiles:    profiles,
		ContentIndicators: ContentIndicators(content),
	}
	now := a.clock.Now()
	page.Status = crawler.PageAnalyzed
	page.AnalyzedAt = &now

	a.logger.Debug("analyzed page",
		zap.String("url", page.URL),
		zap.String("page_type", page.Analysis.PageType),
		zap.Int("emails", len(emails)),
		zap.Int("social_profiles", profiles),
	)
	return nil
}

// ClassifyPageType scores every page type; URL matches weigh three times as
// much as text matches.
func ClassifyPageType(fullText, urlText string) string {
	best, bestScore := PageTypeGeneral, 0
	for _, c := range pageTypes {
		score := 0
		for _, re := range c.patterns {
			score += 3*count(re, urlText) + count(re, fullText)
		}
		if score > bestScore {
			best, bestScore = c.name, score
		}
	}
	return best
}

// ContentIndicators counts business-intelligence keywords per indicator.
func ContentIndicators(content string) map[string]int {
	out := make(map[string]int, len(indicators))
	for _, c := range indicators {
		n := 0
		for _, re := range c.patterns {
			n += count(re, content)
		}
		out[c.name] = n
	}
	return out
}

// Emails returns the distinct, lowercased addresses in text, sorted.
func Emails(text string) []string {
	set := make(map[string]struct{})
	for _, m := range emailPattern.FindAllString(text, -1) {
		set[strings.ToLower(m)] = struct{}{}
	}
	return sortedKeys(set)
}

// SocialHandles returns distinct handles per platform, sorted.
func SocialHandles(text string) map[string][]string {
	out := make(map[string][]string)
	for _, sp := range socialPatterns {
		set := make(map[string]struct{})
		for _, m := range sp.re.FindAllStringSubmatch(text, -1) {
			set[m[1]] = struct{}{}
		}
		if len(set) > 0 {
			out[sp.platform] = sortedKeys(set)
		}
	}
	return out
}

func count(re *regexp.Regexp, text string) int {
	return len(re.FindAllStringIndex(text, -1))
}

func mergeSorted(existing, added []string) []string {
	if len(added) == 0 {
		return existing
	}
	set := make(map[string]struct{}, len(existing)+len(added))
	for _, v := range existing {
		set[v] = struct{}{}
	}
	for _, v := range added {
		set[v] = struct{}{}
	}
	return sortedKeys(set)
}

func sortedKeys(set map[string]struct{}) []string {
	if len(set) == 0 {
		return nil
	}
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
