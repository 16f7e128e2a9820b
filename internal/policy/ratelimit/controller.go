// Package ratelimit implements the per-domain adaptive rate controller. It
// spaces requests, tracks blocking signals and derives a severity that drives
// delays, timeouts and cooldowns.
package ratelimit

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/JakeFAU/campus-crawler/internal/crawler"
	"github.com/JakeFAU/campus-crawler/internal/metrics"
)

// Severity is the derived blocking state of a domain.
type Severity int

// Severity levels, in increasing order.
const (
	SeverityNormal Severity = iota
	SeverityLimited
	SeverityThrottled
	SeverityBlocked
)

func (s Severity) String() string {
	switch s {
	case SeverityLimited:
		return "limited"
	case SeverityThrottled:
		return "throttled"
	case SeverityBlocked:
		return "blocked"
	default:
		return "normal"
	}
}

// Stats is a point-in-time view of a domain's rate state.
type Stats struct {
	Domain            string        `json:"domain"`
	Severity          string        `json:"severity"`
	CurrentDelay      time.Duration `json:"current_delay"`
	ConsecutiveErrors int           `json:"consecutive_errors"`
	ServerErrors      int           `json:"server_errors"`
	Violations        int           `json:"rate_limit_violations"`
	Indicators        int           `json:"blocking_indicators"`
	AvgResponseTime   time.Duration `json:"avg_response_time"`
	Requests          int           `json:"requests"`
	CooldownUntil     time.Time     `json:"cooldown_until,omitzero"`
}

type domainState struct {
	mu sync.Mutex

	limiter           *rate.Limiter
	currentDelay      time.Duration
	consecutiveErrors int
	serverErrors      int
	successStreak     int
	responseTimes     []time.Duration
	violations        int
	lastViolation     time.Time
	indicators        int
	cooldownUntil     time.Time
	requests          int
}

// Controller holds adaptive rate state for every domain seen by a job.
// Domain state is created lazily and guarded by its own lock, so callers may
// fetch different domains concurrently.
type Controller struct {
	policy crawler.RateLimitPolicy
	clock  crawler.Clock
	logger *zap.Logger

	mu      sync.Mutex
	domains map[string]*domainState
}

// New creates a Controller. A nil logger is replaced with a no-op logger.
func New(policy crawler.RateLimitPolicy, clock crawler.Clock, logger *zap.Logger) *Controller {
	if logger == nil {
		logger = zap.NewNop()
	}
	if policy.BaseDelay <= 0 {
		policy.BaseDelay = time.Second
	}
	if policy.MaxDelay < policy.BaseDelay {
		policy.MaxDelay = policy.BaseDelay
	}
	if policy.ResponseWindow <= 0 {
		policy.ResponseWindow = 10
	}
	return &Controller{
		policy:  policy,
		clock:   clock,
		logger:  logger,
		domains: make(map[string]*domainState),
	}
}

// Policy returns the thresholds the controller was built with.
func (c *Controller) Policy() crawler.RateLimitPolicy {
	return c.policy
}

func (c *Controller) state(domain string) *domainState {
	domain = strings.ToLower(domain)
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.domains[domain]
	if !ok {
		st = &domainState{
			limiter:      rate.NewLimiter(rate.Every(c.policy.BaseDelay), 1),
			currentDelay: c.policy.BaseDelay,
		}
		c.domains[domain] = st
	}
	return st
}

// Wait blocks until the domain's current delay has elapsed since the previous
// request.
func (c *Controller) Wait(ctx context.Context, domain string) error {
	st := c.state(domain)
	st.mu.Lock()
	now := c.clock.Now()
	st.limiter.SetLimitAt(now, rate.Every(st.currentDelay))
	wait := st.limiter.ReserveN(now, 1).DelayFrom(now)
	st.requests++
	st.mu.Unlock()

	if wait <= 0 {
		return nil
	}
	metrics.ObserveRateLimitDelay(domain, wait)
	if err := c.clock.Sleep(ctx, wait); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}
	return nil
}

// OnSuccess records a successful response and its latency.
func (c *Controller) OnSuccess(domain string, responseTime time.Duration) {
	st := c.state(domain)
	st.mu.Lock()
	defer st.mu.Unlock()

	st.consecutiveErrors = 0
	st.serverErrors = 0
	st.responseTimes = append(st.responseTimes, responseTime)
	if over := len(st.responseTimes) - c.policy.ResponseWindow; over > 0 {
		st.responseTimes = st.responseTimes[over:]
	}

	avg := average(st.responseTimes)
	switch {
	case avg < c.policy.FastResponse:
		st.currentDelay = c.clamp(scale(st.currentDelay, 0.95))
	case avg > c.policy.SlowResponse:
		st.currentDelay = c.clamp(scale(st.currentDelay, 1.1))
	}

	if st.currentDelay > c.policy.BaseDelay {
		st.successStreak++
		if c.policy.SuccessDecayStreak > 0 && st.successStreak >= c.policy.SuccessDecayStreak {
			st.currentDelay = c.clamp(scale(st.currentDelay, 0.9))
			if st.indicators > 0 {
				st.indicators--
			}
			st.successStreak = 0
		}
	} else {
		st.successStreak = 0
	}
	c.publish(domain, st)
}

// OnError folds a failed response into the domain state. Status 0 stands for
// a network-level failure.
func (c *Controller) OnError(domain string, statusCode int, headers http.Header) {
	st := c.state(domain)
	st.mu.Lock()
	defer st.mu.Unlock()

	now := c.clock.Now()
	st.consecutiveErrors++
	st.successStreak = 0

	factor := 1.2
	switch {
	case statusCode == http.StatusTooManyRequests:
		factor = 2.5
		st.violations++
		st.lastViolation = now
	case statusCode == http.StatusForbidden:
		factor = 2
		st.indicators += 3
	case statusCode >= 500 && statusCode < 600:
		factor = 1.5
		st.serverErrors++
		if st.serverErrors >= 3 {
			st.indicators++
		}
	case statusCode == http.StatusNotFound:
		factor = 1.1
	default:
		st.indicators++
	}
	st.currentDelay = scale(st.currentDelay, factor)

	floor := c.inspectHeaders(st, statusCode, headers)
	if floor > st.currentDelay {
		st.currentDelay = floor
	}
	st.currentDelay = c.clamp(st.currentDelay)

	c.logger.Debug("rate controller recorded error",
		zap.String("domain", domain),
		zap.Int("status", statusCode),
		zap.Duration("delay", st.currentDelay),
		zap.Int("consecutive_errors", st.consecutiveErrors),
		zap.Int("indicators", st.indicators),
	)
	c.publish(domain, st)
}

// inspectHeaders adds blocking indicators for rate-limit and anti-bot headers
// and returns the minimum delay requested by Retry-After.
func (c *Controller) inspectHeaders(st *domainState, statusCode int, headers http.Header) time.Duration {
	if len(headers) == 0 {
		return 0
	}
	for _, name := range []string{"X-RateLimit-Remaining", "RateLimit-Remaining"} {
		if v := strings.TrimSpace(headers.Get(name)); v == "0" {
			st.indicators++
			break
		}
	}

	var floor time.Duration
	if v := strings.TrimSpace(headers.Get("Retry-After")); v != "" {
		st.indicators++
		floor = parseRetryAfter(v, c.clock.Now())
	}

	switch statusCode {
	case http.StatusForbidden, http.StatusTooManyRequests, http.StatusServiceUnavailable:
		if hasProtectionHeaders(headers) {
			st.indicators += 2
		}
	}
	return floor
}

var protectionHeaders = []string{"Cf-Ray", "X-Sucuri-Id", "X-Sucuri-Cache", "X-Akamai-Transformed", "X-Datadome", "X-Px"}

func hasProtectionHeaders(headers http.Header) bool {
	for _, name := range protectionHeaders {
		if headers.Get(name) != "" {
			return true
		}
	}
	server := strings.ToLower(headers.Get("Server"))
	for _, vendor := range []string{"cloudflare", "akamai", "sucuri", "datadome", "incapsula"} {
		if strings.Contains(server, vendor) {
			return true
		}
	}
	return false
}

func parseRetryAfter(v string, now time.Time) time.Duration {
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(v); err == nil && at.After(now) {
		return at.Sub(now)
	}
	return 0
}

// Severity derives the current blocking state of a domain.
func (c *Controller) Severity(domain string) Severity {
	st := c.state(domain)
	st.mu.Lock()
	defer st.mu.Unlock()
	return c.severity(st)
}

func (c *Controller) severity(st *domainState) Severity {
	p := c.policy
	recentViolation := !st.lastViolation.IsZero() &&
		c.clock.Now().Sub(st.lastViolation) < p.RecentViolationWindow
	switch {
	case st.consecutiveErrors > p.BlockedConsecutiveErrors,
		st.violations > p.BlockedViolations,
		st.indicators > p.BlockedIndicators,
		recentViolation && st.consecutiveErrors > p.RecentViolationErrors:
		return SeverityBlocked
	case st.indicators > p.ThrottledIndicators,
		st.consecutiveErrors > p.ThrottledConsecutiveErrors:
		return SeverityThrottled
	case float64(st.currentDelay) > p.LimitedDelayFactor*float64(p.BaseDelay):
		return SeverityLimited
	default:
		return SeverityNormal
	}
}

// ApplyDegradation adjusts the domain for the given severity. Blocked domains
// enter a cooldown; throttled domains also wait a bounded extra delay.
func (c *Controller) ApplyDegradation(ctx context.Context, domain string, sev Severity) error {
	if sev == SeverityNormal {
		return nil
	}
	st := c.state(domain)
	st.mu.Lock()
	var extraWait time.Duration
	switch sev {
	case SeverityBlocked:
		st.cooldownUntil = c.clock.Now().Add(c.policy.Cooldown)
		st.currentDelay = c.clamp(scale(st.currentDelay, 3))
		st.indicators /= 2
		st.consecutiveErrors /= 2
		st.violations /= 2
		c.logger.Warn("domain blocked, entering cooldown",
			zap.String("domain", domain),
			zap.Time("cooldown_until", st.cooldownUntil),
			zap.Duration("delay", st.currentDelay),
		)
	case SeverityThrottled:
		st.currentDelay = c.clamp(scale(st.currentDelay, 1.8))
		extraWait = min(st.currentDelay, c.policy.MaxThrottleWait)
		c.logger.Info("domain throttled",
			zap.String("domain", domain),
			zap.Duration("delay", st.currentDelay),
		)
	case SeverityLimited:
		st.currentDelay = c.clamp(scale(st.currentDelay, 1.3))
	}
	c.publish(domain, st)
	st.mu.Unlock()

	metrics.ObserveDegradation(domain, sev.String())
	if extraWait > 0 {
		if err := c.clock.Sleep(ctx, extraWait); err != nil {
			return fmt.Errorf("throttle wait: %w", err)
		}
	}
	return nil
}

// Cooldown reports whether the domain is cooling down and for how long.
func (c *Controller) Cooldown(domain string) (time.Duration, bool) {
	st := c.state(domain)
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.cooldownUntil.IsZero() {
		return 0, false
	}
	remaining := st.cooldownUntil.Sub(c.clock.Now())
	if remaining <= 0 {
		return 0, false
	}
	return remaining, true
}

// Timeout scales a base request timeout with the domain's severity.
func (c *Controller) Timeout(domain string, base time.Duration) time.Duration {
	switch c.Severity(domain) {
	case SeverityLimited:
		return scale(base, 1.5)
	case SeverityThrottled:
		return base * 2
	case SeverityBlocked:
		return base * 3
	default:
		return base
	}
}

// Delay returns the domain's current request delay.
func (c *Controller) Delay(domain string) time.Duration {
	st := c.state(domain)
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.currentDelay
}

// Stats returns a snapshot of the domain state.
func (c *Controller) Stats(domain string) Stats {
	st := c.state(domain)
	st.mu.Lock()
	defer st.mu.Unlock()
	return Stats{
		Domain:            domain,
		Severity:          c.severity(st).String(),
		CurrentDelay:      st.currentDelay,
		ConsecutiveErrors: st.consecutiveErrors,
		ServerErrors:      st.serverErrors,
		Violations:        st.violations,
		Indicators:        st.indicators,
		AvgResponseTime:   average(st.responseTimes),
		Requests:          st.requests,
		CooldownUntil:     st.cooldownUntil,
	}
}

// Domains lists every domain with state, in no particular order.
func (c *Controller) Domains() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.domains))
	for d := range c.domains {
		out = append(out, d)
	}
	return out
}

// publish must be called with st.mu held.
func (c *Controller) publish(domain string, st *domainState) {
	metrics.SetDomainState(domain, int(c.severity(st)), st.currentDelay)
}

func (c *Controller) clamp(d time.Duration) time.Duration {
	return max(c.policy.BaseDelay, min(d, c.policy.MaxDelay))
}

func scale(d time.Duration, factor float64) time.Duration {
	return time.Duration(float64(d) * factor)
}

func average(values []time.Duration) time.Duration {
	if len(values) == 0 {
		return 0
	}
	var total time.Duration
	for _, v := range values {
		total += v
	}
	return total / time.Duration(len(values))
}
