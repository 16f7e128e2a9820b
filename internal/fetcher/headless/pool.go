// Package headless contains the browser fallback fetcher: a small pool of
// chromedp sessions used when plain HTTP fetches hit bot challenges.
package headless

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/JakeFAU/campus-crawler/internal/crawler"
)

// Config controls the browser pool.
type Config struct {
	PoolSize          int
	RestartAfter      int
	UserAgent         string
	NavigationTimeout time.Duration
}

// Pool implements crawler.Fetcher with round-robin chromedp sessions. Each
// session is torn down and relaunched after RestartAfter fetches to bound
// browser memory growth.
type Pool struct {
	cfg    Config
	opts   []chromedp.ExecAllocatorOption
	logger *zap.Logger

	mu       sync.Mutex
	sessions []*session
	next     int
}

type session struct {
	mu            sync.Mutex
	allocCancel   context.CancelFunc
	browserCtx    context.Context
	browserCancel context.CancelFunc
	running       bool
	fetches       int
	restarts      int
}

// NewPool creates a browser pool. Each session's browser is launched on its
// first fetch and then serves every tab of that session until it restarts.
func NewPool(cfg Config, logger *zap.Logger) (*Pool, error) {
	if cfg.PoolSize <= 0 {
		return nil, fmt.Errorf("pool size must be > 0")
	}
	if cfg.RestartAfter < 0 {
		return nil, fmt.Errorf("restart after must be >= 0")
	}
	if cfg.NavigationTimeout <= 0 {
		cfg.NavigationTimeout = 45 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", "new"),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
	)
	p := &Pool{cfg: cfg, opts: opts, logger: logger}
	p.sessions = make([]*session, cfg.PoolSize)
	for i := range p.sessions {
		p.sessions[i] = &session{}
		p.start(p.sessions[i])
	}
	return p, nil
}

func (p *Pool) start(s *session) {
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), p.opts...)
	browserCtx, browserCancel := chromedp.NewContext(allocCtx)
	s.allocCancel = allocCancel
	s.browserCtx = browserCtx
	s.browserCancel = browserCancel
	s.running = false
	s.fetches = 0
}

// launch starts the session's browser if it is not running. Tabs opened from
// browserCtx before this would each spawn their own browser. The caller holds
// s.mu.
func (p *Pool) launch(s *session, idx int) error {
	if s.running {
		return nil
	}
	if err := chromedp.Run(s.browserCtx); err != nil {
		s.stop()
		p.start(s)
		return fmt.Errorf("launch browser session %d: %w", idx, err)
	}
	s.running = true
	p.logger.Debug("browser session launched", zap.Int("session", idx))
	return nil
}

func (s *session) stop() {
	if s.browserCancel != nil {
		s.browserCancel()
	}
	if s.allocCancel != nil {
		s.allocCancel()
	}
}

// Close shuts down every browser in the pool.
func (p *Pool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, s := range p.sessions {
		s.mu.Lock()
		s.stop()
		s.mu.Unlock()
	}
}

// acquire picks the next session round-robin and locks it, restarting it
// first when it reached its fetch budget.
func (p *Pool) acquire() (*session, int) {
	p.mu.Lock()
	idx := p.next
	s := p.sessions[idx]
	p.next = (p.next + 1) % len(p.sessions)
	p.mu.Unlock()

	s.mu.Lock()
	if p.cfg.RestartAfter > 0 && s.fetches >= p.cfg.RestartAfter {
		p.logger.Info("restarting browser session",
			zap.Int("session", idx),
			zap.Int("fetches", s.fetches),
		)
		s.stop()
		p.start(s)
		s.restarts++
	}
	s.fetches++
	return s, idx
}

// Fetch navigates with a browser session and returns the rendered DOM.
// There are no retries inside the pool; failures are returned to the caller.
func (p *Pool) Fetch(ctx context.Context, request crawler.FetchRequest) (crawler.FetchResponse, error) {
	s, idx := p.acquire()
	defer s.mu.Unlock()
	if err := p.launch(s, idx); err != nil {
		return crawler.FetchResponse{}, err
	}

	tabCtx, tabCancel := chromedp.NewContext(s.browserCtx)
	defer tabCancel()

	timeout := request.Timeout
	if timeout <= 0 || timeout > p.cfg.NavigationTimeout {
		timeout = p.cfg.NavigationTimeout
	}
	tabCtx, cancel := context.WithTimeout(tabCtx, timeout)
	defer cancel()

	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	trace := newDocumentTrace()
	chromedp.ListenTarget(tabCtx, trace.observe)

	start := time.Now()
	html, finalURL, err := p.runHeadless(tabCtx, request)
	if err != nil {
		return crawler.FetchResponse{}, err
	}

	status, headers, responseURL, chain := trace.result(request.URL, finalURL)
	return crawler.FetchResponse{
		URL:           responseURL,
		StatusCode:    status,
		Headers:       headers,
		Body:          []byte(html),
		Duration:      time.Since(start),
		RedirectChain: chain,
		UsedHeadless:  true,
	}, nil
}

func (p *Pool) runHeadless(ctx context.Context, request crawler.FetchRequest) (string, string, error) {
	var (
		html     string
		finalURL string
	)
	actions := []chromedp.Action{
		p.networkSetupAction(request.Headers),
		chromedp.Navigate(request.URL),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.Sleep(2 * time.Second),
		chromedp.Location(&finalURL),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	}
	if err := chromedp.Run(ctx, actions...); err != nil {
		return "", "", fmt.Errorf("chromedp run: %w", err)
	}
	return html, finalURL, nil
}

func (p *Pool) networkSetupAction(headers http.Header) chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if err := network.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable network domain: %w", err)
		}
		if p.cfg.UserAgent != "" {
			if err := emulation.SetUserAgentOverride(p.cfg.UserAgent).Do(ctx); err != nil {
				return fmt.Errorf("set user-agent: %w", err)
			}
		}
		if len(headers) > 0 {
			if err := network.SetExtraHTTPHeaders(toNetworkHeaders(headers)).Do(ctx); err != nil {
				return fmt.Errorf("set extra headers: %w", err)
			}
		}
		return nil
	})
}
