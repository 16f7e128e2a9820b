package crawler

import (
	"fmt"
	"regexp"
	"time"
)

// JobConfigVersion is the schema version of JobConfig written into checkpoints.
const JobConfigVersion = 1

// JobConfig is the fixed, versioned configuration record a job runs with.
// It is stored in the checkpoint so a resumed job keeps its original settings.
type JobConfig struct {
	Version            int             `json:"version"`
	Scheme             string          `json:"scheme"`
	BaseDelay          time.Duration   `json:"base_delay"`
	MaxDelay           time.Duration   `json:"max_delay"`
	RequestTimeout     time.Duration   `json:"request_timeout"`
	Timeout            time.Duration   `json:"timeout"`
	MaxPages           int             `json:"max_pages"`
	MaxRetries         int             `json:"max_retries"`
	BatchSize          int             `json:"batch_size"`
	MaxEmptyBatches    int             `json:"max_empty_batches"`
	EmptyBatchWait     time.Duration   `json:"empty_batch_wait"`
	CheckpointInterval int             `json:"checkpoint_interval"`
	UserAgent          string          `json:"user_agent"`
	RespectRobots      bool            `json:"respect_robots"`
	ExcludeExtensions  []string        `json:"exclude_extensions"`
	ExcludePatterns    []string        `json:"exclude_patterns"`
	SubdomainAllowlist []string        `json:"subdomain_allowlist"`
	MaxSubdomains      int             `json:"max_subdomains"`
	Browser            BrowserConfig   `json:"browser"`
	RateLimit          RateLimitPolicy `json:"rate_limit"`
}

// BrowserConfig controls the browser fallback pool.
type BrowserConfig struct {
	Enabled      bool          `json:"enabled"`
	PoolSize     int           `json:"pool_size"`
	RestartAfter int           `json:"restart_after"`
	Timeout      time.Duration `json:"timeout"`
}

// RateLimitPolicy holds the tuning thresholds of the per-domain rate controller.
type RateLimitPolicy struct {
	BaseDelay                  time.Duration `json:"base_delay"`
	MaxDelay                   time.Duration `json:"max_delay"`
	BlockedConsecutiveErrors   int           `json:"blocked_consecutive_errors"`
	BlockedViolations          int           `json:"blocked_violations"`
	BlockedIndicators          int           `json:"blocked_indicators"`
	RecentViolationWindow      time.Duration `json:"recent_violation_window"`
	RecentViolationErrors      int           `json:"recent_violation_errors"`
	ThrottledIndicators        int           `json:"throttled_indicators"`
	ThrottledConsecutiveErrors int           `json:"throttled_consecutive_errors"`
	LimitedDelayFactor         float64       `json:"limited_delay_factor"`
	Cooldown                   time.Duration `json:"cooldown"`
	FastResponse               time.Duration `json:"fast_response"`
	SlowResponse               time.Duration `json:"slow_response"`
	ResponseWindow             int           `json:"response_window"`
	SuccessDecayStreak         int           `json:"success_decay_streak"`
	MaxThrottleWait            time.Duration `json:"max_throttle_wait"`
}

// DefaultRateLimitPolicy returns the stock thresholds.
func DefaultRateLimitPolicy() RateLimitPolicy {
	return RateLimitPolicy{
		BaseDelay:                  time.Second,
		MaxDelay:                   30 * time.Second,
		BlockedConsecutiveErrors:   5,
		BlockedViolations:          2,
		BlockedIndicators:          8,
		RecentViolationWindow:      10 * time.Minute,
		RecentViolationErrors:      2,
		ThrottledIndicators:        4,
		ThrottledConsecutiveErrors: 3,
		LimitedDelayFactor:         2,
		Cooldown:                   time.Hour,
		FastResponse:               time.Second,
		SlowResponse:               5 * time.Second,
		ResponseWindow:             10,
		SuccessDecayStreak:         10,
		MaxThrottleWait:            30 * time.Second,
	}
}

// DefaultExcludeExtensions lists file types never worth fetching.
var DefaultExcludeExtensions = []string{
	".pdf", ".zip", ".tar", ".gz", ".rar", ".exe", ".dmg", ".iso",
	".mp3", ".mp4", ".avi", ".mov", ".wmv", ".flv",
	".doc", ".docx", ".ppt", ".pptx", ".xls", ".xlsx",
	".jpg", ".jpeg", ".png", ".gif", ".svg", ".ico", ".css", ".js",
}

// DefaultExcludePatterns skips calendars, searches and admin areas.
var DefaultExcludePatterns = []string{
	`/calendar/`, `/events/`, `\?date=`, `\?year=`, `\?month=`,
	`/search\?`, `/login`, `/admin`, `/wp-admin`, `/wp-content/uploads/`,
}

// DefaultSubdomainAllowlist covers the usual institutional subdomains.
var DefaultSubdomainAllowlist = []string{
	"www", "admissions", "academics", "research", "library", "student",
	"faculty", "staff", "alumni", "news", "events", "athletics",
	"grad", "undergraduate", "graduate",
}

// DefaultJobConfig returns a config populated with stock values.
func DefaultJobConfig() JobConfig {
	return JobConfig{
		Version:            JobConfigVersion,
		Scheme:             "https",
		BaseDelay:          time.Second,
		MaxDelay:           30 * time.Second,
		RequestTimeout:     30 * time.Second,
		Timeout:            24 * time.Hour,
		MaxPages:           200000,
		MaxRetries:         DefaultMaxRetries,
		BatchSize:          10,
		MaxEmptyBatches:    5,
		EmptyBatchWait:     time.Second,
		CheckpointInterval: 100,
		UserAgent:          "UniversityCrawler/1.0 (Business Intelligence Tool)",
		RespectRobots:      true,
		ExcludeExtensions:  append([]string(nil), DefaultExcludeExtensions...),
		ExcludePatterns:    append([]string(nil), DefaultExcludePatterns...),
		SubdomainAllowlist: append([]string(nil), DefaultSubdomainAllowlist...),
		MaxSubdomains:      50,
		Browser: BrowserConfig{
			Enabled:      true,
			PoolSize:     1,
			RestartAfter: 100,
			Timeout:      45 * time.Second,
		},
		RateLimit: DefaultRateLimitPolicy(),
	}
}

// Validate checks for obviously bad configuration combinations.
func (c JobConfig) Validate() error {
	if c.Version != JobConfigVersion {
		return fmt.Errorf("job config version %d: %w", c.Version, ErrUnsupportedVersion)
	}
	if c.Scheme != "http" && c.Scheme != "https" {
		return fmt.Errorf("scheme must be http or https")
	}
	if c.BaseDelay <= 0 {
		return fmt.Errorf("base_delay must be > 0")
	}
	if c.MaxDelay < c.BaseDelay {
		return fmt.Errorf("max_delay must be >= base_delay")
	}
	if c.RequestTimeout <= 0 {
		return fmt.Errorf("request_timeout must be > 0")
	}
	if c.Timeout <= 0 {
		return fmt.Errorf("timeout must be > 0")
	}
	if c.MaxPages <= 0 {
		return fmt.Errorf("max_pages must be > 0")
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("max_retries must be >= 0")
	}
	if c.BatchSize <= 0 {
		return fmt.Errorf("batch_size must be > 0")
	}
	if c.MaxEmptyBatches <= 0 {
		return fmt.Errorf("max_empty_batches must be > 0")
	}
	if c.CheckpointInterval <= 0 {
		return fmt.Errorf("checkpoint_interval must be > 0")
	}
	if c.UserAgent == "" {
		return fmt.Errorf("user_agent must be set")
	}
	if c.Browser.Enabled && c.Browser.PoolSize <= 0 {
		return fmt.Errorf("browser.pool_size must be > 0 when the browser is enabled")
	}
	for _, pattern := range c.ExcludePatterns {
		if _, err := regexp.Compile(pattern); err != nil {
			return fmt.Errorf("exclude pattern %q: %w", pattern, err)
		}
	}
	return nil
}

// RatePolicy returns the rate-limit thresholds with the job's delay bounds applied.
func (c JobConfig) RatePolicy() RateLimitPolicy {
	p := c.RateLimit
	if c.BaseDelay > 0 {
		p.BaseDelay = c.BaseDelay
	}
	if c.MaxDelay > 0 {
		p.MaxDelay = c.MaxDelay
	}
	return p
}
