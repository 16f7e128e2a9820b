// Package worker implements the fetch executor: one page attempt over plain
// HTTP, escalating to the browser pool when a bot challenge is detected.
package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/campus-crawler/internal/crawler"
	"github.com/JakeFAU/campus-crawler/internal/metrics"
	"github.com/JakeFAU/campus-crawler/internal/policy/ratelimit"
)

// challengeMarker tags error history entries written for bot challenges.
const challengeMarker = "bot challenge"

// RateController is the subset of the rate controller the executor drives.
type RateController interface {
	Wait(ctx context.Context, domain string) error
	OnSuccess(domain string, responseTime time.Duration)
	OnError(domain string, statusCode int, headers http.Header)
	Severity(domain string) ratelimit.Severity
	ApplyDegradation(ctx context.Context, domain string, sev ratelimit.Severity) error
	Cooldown(domain string) (time.Duration, bool)
	Timeout(domain string, base time.Duration) time.Duration
}

// Config controls Executor behavior.
type Config struct {
	RequestTimeout time.Duration
	BrowserTimeout time.Duration
	Headers        http.Header
}

// Executor runs fetch attempts for a single job.
type Executor struct {
	rate     RateController
	http     crawler.Fetcher
	browser  crawler.Fetcher
	detector crawler.ChallengeDetector
	clock    crawler.Clock
	cfg      Config
	logger   *zap.Logger
}

// New constructs an Executor. browser may be nil when the fallback is disabled.
func New(
	rate RateController,
	httpFetcher crawler.Fetcher,
	browser crawler.Fetcher,
	detector crawler.ChallengeDetector,
	clock crawler.Clock,
	cfg Config,
	logger *zap.Logger,
) *Executor {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	if cfg.BrowserTimeout <= 0 {
		cfg.BrowserTimeout = 45 * time.Second
	}
	if cfg.Headers == nil {
		cfg.Headers = DefaultHeaders()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Executor{
		rate:     rate,
		http:     httpFetcher,
		browser:  browser,
		detector: detector,
		clock:    clock,
		cfg:      cfg,
		logger:   logger,
	}
}

// DefaultHeaders are sent with every plain HTTP request.
func DefaultHeaders() http.Header {
	h := http.Header{}
	h.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
	h.Set("Accept-Language", "en-US,en;q=0.5")
	h.Set("DNT", "1")
	h.Set("Upgrade-Insecure-Requests", "1")
	return h
}

// Fetch performs one attempt for page. On success the page is fetched with
// its HTML attached. Otherwise the page is marked failed and a
// *crawler.FetchError describes why. A canceled context returns the page to
// discovered and an error wrapping the context error.
func (e *Executor) Fetch(ctx context.Context, page *crawler.Page) error {
	domain := page.Domain()

	if remaining, cooling := e.rate.Cooldown(domain); cooling {
		page.MarkFailed(fmt.Sprintf("domain %s cooling down for %s", domain, remaining.Round(time.Second)), e.clock.Now())
		return &crawler.FetchError{Kind: crawler.FetchErrCooldown, RetryAfter: remaining}
	}

	if hadChallenge(page) {
		if e.browser == nil {
			page.MarkFailed("bot challenge and browser fallback disabled", e.clock.Now())
			return &crawler.FetchError{Kind: crawler.FetchErrChallenge, Err: errors.New("browser fallback disabled")}
		}
		return e.fetchWithBrowser(ctx, page, domain)
	}
	if e.browser != nil && page.RetryCount > 1 &&
		(page.StatusCode == http.StatusForbidden || page.StatusCode == http.StatusTooManyRequests) {
		return e.fetchWithBrowser(ctx, page, domain)
	}

	switch sev := e.rate.Severity(domain); sev {
	case ratelimit.SeverityBlocked:
		if err := e.rate.ApplyDegradation(ctx, domain, sev); err != nil {
			return e.interrupted(page, err)
		}
		remaining, _ := e.rate.Cooldown(domain)
		page.MarkFailed(fmt.Sprintf("domain %s blocked", domain), e.clock.Now())
		return &crawler.FetchError{Kind: crawler.FetchErrBlocked, RetryAfter: remaining}
	case ratelimit.SeverityThrottled:
		if err := e.rate.ApplyDegradation(ctx, domain, sev); err != nil {
			return e.interrupted(page, err)
		}
	}

	return e.fetchWithHTTP(ctx, page, domain)
}

func (e *Executor) fetchWithHTTP(ctx context.Context, page *crawler.Page, domain string) error {
	if err := e.rate.Wait(ctx, domain); err != nil {
		return e.interrupted(page, err)
	}
	page.Status = crawler.PageFetching

	resp, err := e.http.Fetch(ctx, crawler.FetchRequest{
		URL:     page.URL,
		Timeout: e.rate.Timeout(domain, e.cfg.RequestTimeout),
		Headers: e.cfg.Headers,
	})
	if err != nil {
		return e.fetchFailed(ctx, page, domain, err)
	}
	e.record(page, resp)

	if resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusForbidden {
		if verdict := e.detect(resp); verdict.Challenged {
			if resp.StatusCode != http.StatusOK {
				e.rate.OnError(domain, resp.StatusCode, resp.Headers)
			}
			return e.escalate(ctx, page, domain, verdict.Reason)
		}
	}

	if resp.StatusCode != http.StatusOK {
		return e.httpFailed(page, domain, resp)
	}

	e.rate.OnSuccess(domain, resp.Duration)
	e.accept(page, resp, crawler.MethodRequests)
	return nil
}

// escalate applies the failed -> discovered exception and re-dispatches the
// page through the browser exactly once.
func (e *Executor) escalate(ctx context.Context, page *crawler.Page, domain, reason string) error {
	page.MarkFailed(challengeMarker+": "+reason, e.clock.Now())
	page.Challenges++
	page.ResetForRetry()
	e.logger.Info("bot challenge detected, escalating to browser",
		zap.String("url", page.URL),
		zap.String("reason", reason),
	)
	if e.browser == nil {
		metrics.ObserveEscalation(domain, "unavailable")
		page.MarkFailed("browser fallback disabled", e.clock.Now())
		return &crawler.FetchError{Kind: crawler.FetchErrChallenge, Err: errors.New(reason)}
	}
	return e.fetchWithBrowser(ctx, page, domain)
}

func (e *Executor) fetchWithBrowser(ctx context.Context, page *crawler.Page, domain string) error {
	if err := e.rate.Wait(ctx, domain); err != nil {
		return e.interrupted(page, err)
	}
	page.Status = crawler.PageFetching

	resp, err := e.browser.Fetch(ctx, crawler.FetchRequest{
		URL:     page.URL,
		Timeout: e.rate.Timeout(domain, e.cfg.BrowserTimeout),
	})
	if err != nil {
		if ctx.Err() != nil {
			return e.interrupted(page, ctx.Err())
		}
		metrics.ObserveEscalation(domain, "error")
		e.rate.OnError(domain, 0, nil)
		page.MarkFailed(fmt.Sprintf("browser fetch failed: %v", err), e.clock.Now())
		e.logger.Warn("browser fetch failed", zap.String("url", page.URL), zap.Error(err))
		return &crawler.FetchError{Kind: crawler.FetchErrNetwork, Err: err}
	}
	e.record(page, resp)
	page.BrowserFetched = true

	if verdict := e.detect(resp); verdict.Challenged {
		metrics.ObserveEscalation(domain, "challenged")
		page.Challenges++
		page.MarkFailed(challengeMarker+" persisted in browser: "+verdict.Reason, e.clock.Now())
		return &crawler.FetchError{Kind: crawler.FetchErrChallenge, StatusCode: resp.StatusCode, Err: errors.New(verdict.Reason)}
	}
	if resp.StatusCode != http.StatusOK {
		metrics.ObserveEscalation(domain, "http_error")
		return e.httpFailed(page, domain, resp)
	}

	metrics.ObserveEscalation(domain, "ok")
	e.rate.OnSuccess(domain, resp.Duration)
	e.accept(page, resp, crawler.MethodBrowser)
	return nil
}

func (e *Executor) detect(resp crawler.FetchResponse) crawler.ChallengeVerdict {
	if e.detector == nil {
		return crawler.ChallengeVerdict{}
	}
	return e.detector.Detect(resp)
}

func (e *Executor) httpFailed(page *crawler.Page, domain string, resp crawler.FetchResponse) error {
	e.rate.OnError(domain, resp.StatusCode, resp.Headers)
	page.MarkFailed(fmt.Sprintf("HTTP %d", resp.StatusCode), e.clock.Now())
	metrics.ObservePage(page.URL, "http_error", 0)
	e.logger.Debug("non-200 response",
		zap.String("url", page.URL),
		zap.Int("status", resp.StatusCode),
	)
	return &crawler.FetchError{Kind: crawler.FetchErrHTTP, StatusCode: resp.StatusCode}
}

func (e *Executor) fetchFailed(ctx context.Context, page *crawler.Page, domain string, err error) error {
	if ctx.Err() != nil {
		return e.interrupted(page, ctx.Err())
	}
	e.rate.OnError(domain, 0, nil)
	metrics.ObservePage(page.URL, "error", 0)
	if isNetworkError(err) {
		page.MarkFailed(fmt.Sprintf("network error: %v", err), e.clock.Now())
		return &crawler.FetchError{Kind: crawler.FetchErrNetwork, Err: err}
	}
	page.MarkFailed(fmt.Sprintf("unexpected error: %v", err), e.clock.Now())
	e.logger.Warn("unexpected fetch error", zap.String("url", page.URL), zap.Error(err))
	return &crawler.FetchError{Kind: crawler.FetchErrUnexpected, Err: err}
}

func (e *Executor) interrupted(page *crawler.Page, err error) error {
	page.Status = crawler.PageDiscovered
	return fmt.Errorf("fetch %s interrupted: %w", page.URL, err)
}

// record copies response metadata onto the page. A redirect keeps the
// original URL in RequestedURL so the frontier key stays stable.
func (e *Executor) record(page *crawler.Page, resp crawler.FetchResponse) {
	now := e.clock.Now()
	page.StatusCode = resp.StatusCode
	page.ContentType = resp.Headers.Get("Content-Type")
	page.ContentLength = len(resp.Body)
	page.FetchedAt = &now
	page.RedirectChain = append([]int(nil), resp.RedirectChain...)

	if resp.URL == "" {
		return
	}
	final, err := crawler.NormalizeURL(resp.URL)
	if err != nil || final == page.URL {
		return
	}
	if page.RequestedURL == "" {
		page.RequestedURL = page.URL
	}
	page.URL = final
}

func (e *Executor) accept(page *crawler.Page, resp crawler.FetchResponse, method string) {
	page.Status = crawler.PageFetched
	page.HTMLContent = string(resp.Body)
	page.ExtractionMethod = method
	metrics.ObservePage(page.URL, string(crawler.PageFetched), len(resp.Body))
}

func hadChallenge(page *crawler.Page) bool {
	return page.Challenges > 0 || strings.Contains(strings.ToLower(page.ErrorMessage), challengeMarker)
}

// isNetworkError reports transport-level failures worth retrying.
func isNetworkError(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
