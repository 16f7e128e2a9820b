// Package config loads and validates crawler configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JakeFAU/campus-crawler/internal/crawler"
	"github.com/JakeFAU/campus-crawler/internal/export"
)

// Storage backends for page documents and exports.
const (
	StorageLocal = "local"
	StorageGCS   = "gcs"
)

// Config captures all process configuration loaded via Viper.
type Config struct {
	DataDir string        `mapstructure:"data_dir"`
	Crawl   CrawlConfig   `mapstructure:"crawl"`
	Browser BrowserConfig `mapstructure:"browser"`
	Rate    RateConfig    `mapstructure:"rate_limit"`
	Export  ExportConfig  `mapstructure:"export"`
	Storage StorageConfig `mapstructure:"storage"`
	DB      DBConfig      `mapstructure:"db"`
	PubSub  PubSubConfig  `mapstructure:"pubsub"`
	Server  ServerConfig  `mapstructure:"server"`
	Logging LoggingConfig `mapstructure:"logging"`

	// File is the config file that was read, if any.
	File string `mapstructure:"-"`
}

// CrawlConfig holds the defaults every new job starts from.
type CrawlConfig struct {
	Scheme             string        `mapstructure:"scheme"`
	BaseDelay          time.Duration `mapstructure:"base_delay"`
	MaxDelay           time.Duration `mapstructure:"max_delay"`
	RequestTimeout     time.Duration `mapstructure:"request_timeout"`
	Timeout            time.Duration `mapstructure:"timeout"`
	MaxPages           int           `mapstructure:"max_pages"`
	MaxRetries         int           `mapstructure:"max_retries"`
	BatchSize          int           `mapstructure:"batch_size"`
	MaxEmptyBatches    int           `mapstructure:"max_empty_batches"`
	EmptyBatchWait     time.Duration `mapstructure:"empty_batch_wait"`
	CheckpointInterval int           `mapstructure:"checkpoint_interval"`
	UserAgent          string        `mapstructure:"user_agent"`
	RespectRobots      bool          `mapstructure:"respect_robots"`
	ExcludeExtensions  []string      `mapstructure:"exclude_extensions"`
	ExcludePatterns    []string      `mapstructure:"exclude_patterns"`
	SubdomainAllowlist []string      `mapstructure:"subdomain_allowlist"`
	MaxSubdomains      int           `mapstructure:"max_subdomains"`
	// DomainPresets applies the built-in adjustments for very large
	// universities and community colleges.
	DomainPresets bool `mapstructure:"domain_presets"`
}

// BrowserConfig controls the headless escalation path.
type BrowserConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	PoolSize     int           `mapstructure:"pool_size"`
	RestartAfter int           `mapstructure:"restart_after"`
	Timeout      time.Duration `mapstructure:"timeout"`
}

// RateConfig overrides selected rate controller thresholds.
type RateConfig struct {
	Cooldown                   time.Duration `mapstructure:"cooldown"`
	MaxThrottleWait            time.Duration `mapstructure:"max_throttle_wait"`
	BlockedConsecutiveErrors   int           `mapstructure:"blocked_consecutive_errors"`
	ThrottledConsecutiveErrors int           `mapstructure:"throttled_consecutive_errors"`
}

// ExportConfig lists the formats written when a job completes.
type ExportConfig struct {
	Formats []string `mapstructure:"formats"`
}

// StorageConfig selects where page documents and exports are written.
type StorageConfig struct {
	Backend   string `mapstructure:"backend"`
	GCSBucket string `mapstructure:"gcs_bucket"`
	Prefix    string `mapstructure:"prefix"`
}

// DBConfig controls the optional Postgres page index. An empty DSN disables it.
type DBConfig struct {
	DSN             string        `mapstructure:"dsn"`
	PagesTable      string        `mapstructure:"pages_table"`
	JobsTable       string        `mapstructure:"jobs_table"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
}

// PubSubConfig holds the job event topic. An empty project disables Pub/Sub
// and events are kept in memory.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// ServerConfig controls the read-only status API.
type ServerConfig struct {
	Port int `mapstructure:"port"`
	// APIKey protects the /v1 routes when set.
	APIKey string `mapstructure:"api_key"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// Load builds a Config from a file and CRAWLER_* environment variables. With
// an empty path, config.{yaml,json,toml} is searched for in the working
// directory, /etc/campus-crawler and $HOME/.campus-crawler; a missing file is
// not an error.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("CRAWLER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/campus-crawler")
		v.AddConfigPath("$HOME/.campus-crawler")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return Config{}, fmt.Errorf("read config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.File = v.ConfigFileUsed()

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	job := crawler.DefaultJobConfig()
	rate := crawler.DefaultRateLimitPolicy()

	v.SetDefault("data_dir", "data")
	v.SetDefault("crawl.scheme", job.Scheme)
	v.SetDefault("crawl.base_delay", job.BaseDelay)
	v.SetDefault("crawl.max_delay", job.MaxDelay)
	v.SetDefault("crawl.request_timeout", job.RequestTimeout)
	v.SetDefault("crawl.timeout", job.Timeout)
	v.SetDefault("crawl.max_pages", job.MaxPages)
	v.SetDefault("crawl.max_retries", job.MaxRetries)
	v.SetDefault("crawl.batch_size", job.BatchSize)
	v.SetDefault("crawl.max_empty_batches", job.MaxEmptyBatches)
	v.SetDefault("crawl.empty_batch_wait", job.EmptyBatchWait)
	v.SetDefault("crawl.checkpoint_interval", job.CheckpointInterval)
	v.SetDefault("crawl.user_agent", job.UserAgent)
	v.SetDefault("crawl.respect_robots", job.RespectRobots)
	v.SetDefault("crawl.exclude_extensions", job.ExcludeExtensions)
	v.SetDefault("crawl.exclude_patterns", job.ExcludePatterns)
	v.SetDefault("crawl.subdomain_allowlist", job.SubdomainAllowlist)
	v.SetDefault("crawl.max_subdomains", job.MaxSubdomains)
	v.SetDefault("crawl.domain_presets", true)
	v.SetDefault("browser.enabled", job.Browser.Enabled)
	v.SetDefault("browser.pool_size", job.Browser.PoolSize)
	v.SetDefault("browser.restart_after", job.Browser.RestartAfter)
	v.SetDefault("browser.timeout", job.Browser.Timeout)
	v.SetDefault("rate_limit.cooldown", rate.Cooldown)
	v.SetDefault("rate_limit.max_throttle_wait", rate.MaxThrottleWait)
	v.SetDefault("rate_limit.blocked_consecutive_errors", rate.BlockedConsecutiveErrors)
	v.SetDefault("rate_limit.throttled_consecutive_errors", rate.ThrottledConsecutiveErrors)
	v.SetDefault("export.formats", []string{string(export.FormatCSV), string(export.FormatJSON)})
	v.SetDefault("storage.backend", StorageLocal)
	v.SetDefault("storage.gcs_bucket", "")
	v.SetDefault("storage.prefix", "")
	v.SetDefault("db.dsn", "")
	v.SetDefault("db.pages_table", "crawled_pages")
	v.SetDefault("db.jobs_table", "crawl_jobs")
	v.SetDefault("db.max_conns", 4)
	v.SetDefault("db.min_conns", 0)
	v.SetDefault("db.max_conn_lifetime", time.Hour)
	v.SetDefault("pubsub.project_id", "")
	v.SetDefault("pubsub.topic_name", "crawl-jobs")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.api_key", "")
	v.SetDefault("logging.development", false)
}

// Validate enforces required values and reasonable limits. Job-level limits
// are checked through the JobConfig they produce.
func (c Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("data_dir must be set")
	}
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	switch c.Storage.Backend {
	case StorageLocal:
	case StorageGCS:
		if c.Storage.GCSBucket == "" {
			return fmt.Errorf("storage.gcs_bucket must be set when storage.backend is gcs")
		}
	default:
		return fmt.Errorf("storage.backend %q must be %s or %s", c.Storage.Backend, StorageLocal, StorageGCS)
	}
	if c.PubSub.ProjectID != "" && c.PubSub.TopicName == "" {
		return fmt.Errorf("pubsub.topic_name must be set when pubsub.project_id is set")
	}
	if c.DB.MinConns > c.DB.MaxConns && c.DB.MaxConns > 0 {
		return fmt.Errorf("db.min_conns must be <= db.max_conns")
	}
	if _, err := c.ExportFormats(); err != nil {
		return err
	}
	if err := c.JobConfig("example.edu").Validate(); err != nil {
		return fmt.Errorf("crawl: %w", err)
	}
	return nil
}

// ExportFormats parses export.formats.
func (c Config) ExportFormats() ([]export.Format, error) {
	out := make([]export.Format, 0, len(c.Export.Formats))
	for _, raw := range c.Export.Formats {
		f, err := export.ParseFormat(raw)
		if err != nil {
			return nil, fmt.Errorf("export.formats: %w", err)
		}
		out = append(out, f)
	}
	return out, nil
}

// QueueDir is where frontier queue files live.
func (c Config) QueueDir() string { return filepath.Join(c.DataDir, "queues") }

// CheckpointDir is where checkpoint files live.
func (c Config) CheckpointDir() string { return filepath.Join(c.DataDir, "checkpoints") }

// JobConfig builds the versioned job configuration for domain.
func (c Config) JobConfig(domain string) crawler.JobConfig {
	job := crawler.DefaultJobConfig()
	cc := c.Crawl
	job.Scheme = cc.Scheme
	job.BaseDelay = cc.BaseDelay
	job.MaxDelay = cc.MaxDelay
	job.RequestTimeout = cc.RequestTimeout
	job.Timeout = cc.Timeout
	job.MaxPages = cc.MaxPages
	job.MaxRetries = cc.MaxRetries
	job.BatchSize = cc.BatchSize
	job.MaxEmptyBatches = cc.MaxEmptyBatches
	job.EmptyBatchWait = cc.EmptyBatchWait
	job.CheckpointInterval = cc.CheckpointInterval
	job.UserAgent = cc.UserAgent
	job.RespectRobots = cc.RespectRobots
	job.ExcludeExtensions = append([]string(nil), cc.ExcludeExtensions...)
	job.ExcludePatterns = append([]string(nil), cc.ExcludePatterns...)
	job.SubdomainAllowlist = append([]string(nil), cc.SubdomainAllowlist...)
	job.MaxSubdomains = cc.MaxSubdomains
	job.Browser = crawler.BrowserConfig{
		Enabled:      c.Browser.Enabled,
		PoolSize:     c.Browser.PoolSize,
		RestartAfter: c.Browser.RestartAfter,
		Timeout:      c.Browser.Timeout,
	}
	if c.Rate.Cooldown > 0 {
		job.RateLimit.Cooldown = c.Rate.Cooldown
	}
	if c.Rate.MaxThrottleWait > 0 {
		job.RateLimit.MaxThrottleWait = c.Rate.MaxThrottleWait
	}
	if c.Rate.BlockedConsecutiveErrors > 0 {
		job.RateLimit.BlockedConsecutiveErrors = c.Rate.BlockedConsecutiveErrors
	}
	if c.Rate.ThrottledConsecutiveErrors > 0 {
		job.RateLimit.ThrottledConsecutiveErrors = c.Rate.ThrottledConsecutiveErrors
	}
	if cc.DomainPresets {
		ApplyDomainPreset(&job, domain)
	}
	if job.MaxDelay < job.BaseDelay {
		job.MaxDelay = job.BaseDelay
	}
	return job
}

// ApplyDomainPreset adjusts delay and size limits for institution types
// with known needs.
func ApplyDomainPreset(job *crawler.JobConfig, domain string) {
	d := strings.ToLower(domain)
	switch {
	case strings.Contains(d, "harvard.edu"), strings.Contains(d, "stanford.edu"):
		job.BaseDelay = 2 * time.Second
		job.MaxPages = 300_000
		job.MaxSubdomains = 100
	case strings.HasPrefix(d, "cc."), strings.Contains(d, ".cc."), strings.Contains(d, "community"):
		job.BaseDelay = 500 * time.Millisecond
		job.MaxPages = 50_000
		job.MaxSubdomains = 20
	}
}

// NormalizeDomain reduces user input such as "https://www.Example.edu/path"
// to a bare lowercase host.
func NormalizeDomain(raw string) (string, error) {
	d := strings.ToLower(strings.TrimSpace(raw))
	if i := strings.Index(d, "://"); i >= 0 {
		d = d[i+3:]
	}
	if i := strings.IndexAny(d, "/?#"); i >= 0 {
		d = d[:i]
	}
	if i := strings.LastIndex(d, ":"); i >= 0 {
		d = d[:i]
	}
	d = strings.TrimPrefix(strings.TrimSuffix(d, "."), "www.")
	if d == "" || !strings.Contains(d, ".") || strings.ContainsAny(d, " @") {
		return "", fmt.Errorf("invalid domain %q", raw)
	}
	return d, nil
}
