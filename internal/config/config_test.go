package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/campus-crawler/internal/crawler"
	"github.com/JakeFAU/campus-crawler/internal/export"
)

func TestLoadDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "data", cfg.DataDir)
	assert.Equal(t, filepath.Join("data", "queues"), cfg.QueueDir())
	assert.Equal(t, filepath.Join("data", "checkpoints"), cfg.CheckpointDir())
	assert.Equal(t, StorageLocal, cfg.Storage.Backend)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Empty(t, cfg.DB.DSN)

	formats, err := cfg.ExportFormats()
	require.NoError(t, err)
	assert.Equal(t, []export.Format{export.FormatCSV, export.FormatJSON}, formats)

	job := cfg.JobConfig("example.edu")
	require.NoError(t, job.Validate())
	assert.Equal(t, crawler.DefaultJobConfig(), job)
}

func TestLoadWithFileOverrides(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	configYAML := `
data_dir: /var/lib/crawler
crawl:
  base_delay: 3s
  max_delay: 1m
  max_pages: 500
  batch_size: 25
  user_agent: test-agent
  respect_robots: false
  subdomain_allowlist: [www, research]
  domain_presets: false
browser:
  enabled: false
rate_limit:
  cooldown: 30m
export:
  formats: [json]
storage:
  backend: gcs
  gcs_bucket: crawl-bucket
  prefix: campus
db:
  dsn: postgres://localhost/crawler
  max_conns: 8
pubsub:
  project_id: my-project
  topic_name: crawl-events
logging:
  development: true
`
	require.NoError(t, os.WriteFile(path, []byte(configYAML), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "/var/lib/crawler", cfg.DataDir)
	assert.Equal(t, StorageGCS, cfg.Storage.Backend)
	assert.Equal(t, "crawl-bucket", cfg.Storage.GCSBucket)
	assert.Equal(t, "campus", cfg.Storage.Prefix)
	assert.Equal(t, "postgres://localhost/crawler", cfg.DB.DSN)
	assert.Equal(t, int32(8), cfg.DB.MaxConns)
	assert.Equal(t, "crawled_pages", cfg.DB.PagesTable)
	assert.Equal(t, "my-project", cfg.PubSub.ProjectID)
	assert.True(t, cfg.Logging.Development)

	job := cfg.JobConfig("harvard.edu")
	assert.Equal(t, 3*time.Second, job.BaseDelay, "presets are disabled")
	assert.Equal(t, time.Minute, job.MaxDelay)
	assert.Equal(t, 500, job.MaxPages)
	assert.Equal(t, 25, job.BatchSize)
	assert.Equal(t, "test-agent", job.UserAgent)
	assert.False(t, job.RespectRobots)
	assert.False(t, job.Browser.Enabled)
	assert.Equal(t, []string{"www", "research"}, job.SubdomainAllowlist)
	assert.Equal(t, 30*time.Minute, job.RateLimit.Cooldown)
	assert.Equal(t, 3*time.Second, job.RatePolicy().BaseDelay)

	formats, err := cfg.ExportFormats()
	require.NoError(t, err)
	assert.Equal(t, []export.Format{export.FormatJSON}, formats)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("CRAWLER_CRAWL_MAX_PAGES", "1234")
	t.Setenv("CRAWLER_CRAWL_BASE_DELAY", "1500ms")
	t.Setenv("CRAWLER_DB_DSN", "postgres://env/crawler")
	t.Setenv("CRAWLER_SERVER_PORT", "9090")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 1234, cfg.Crawl.MaxPages)
	assert.Equal(t, 1500*time.Millisecond, cfg.Crawl.BaseDelay)
	assert.Equal(t, "postgres://env/crawler", cfg.DB.DSN)
	assert.Equal(t, 9090, cfg.Server.Port)
}

func TestLoadMissingFile(t *testing.T) {
	t.Parallel()
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestDomainPresets(t *testing.T) {
	t.Parallel()
	cfg, err := Load("")
	require.NoError(t, err)

	large := cfg.JobConfig("harvard.edu")
	assert.Equal(t, 2*time.Second, large.BaseDelay)
	assert.Equal(t, 300_000, large.MaxPages)
	assert.Equal(t, 100, large.MaxSubdomains)

	stanford := cfg.JobConfig("cs.stanford.edu")
	assert.Equal(t, 300_000, stanford.MaxPages)

	for _, domain := range []string{"cc.example.edu", "foo.cc.ca.us", "springfieldcommunity.edu"} {
		small := cfg.JobConfig(domain)
		assert.Equal(t, 500*time.Millisecond, small.BaseDelay, domain)
		assert.Equal(t, 50_000, small.MaxPages, domain)
		assert.Equal(t, 20, small.MaxSubdomains, domain)
	}

	plain := cfg.JobConfig("mit.edu")
	assert.Equal(t, time.Second, plain.BaseDelay)
	assert.Equal(t, 200_000, plain.MaxPages)
}

func TestConfigValidateErrors(t *testing.T) {
	t.Parallel()

	base, err := Load("")
	require.NoError(t, err)

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"missing data dir", func(c *Config) { c.DataDir = "" }, "data_dir"},
		{"invalid port", func(c *Config) { c.Server.Port = 0 }, "server.port"},
		{"unknown backend", func(c *Config) { c.Storage.Backend = "s3" }, "storage.backend"},
		{"gcs without bucket", func(c *Config) { c.Storage.Backend = StorageGCS }, "storage.gcs_bucket"},
		{"pubsub without topic", func(c *Config) {
			c.PubSub.ProjectID = "p"
			c.PubSub.TopicName = ""
		}, "pubsub.topic_name"},
		{"bad pool bounds", func(c *Config) {
			c.DB.MaxConns = 2
			c.DB.MinConns = 3
		}, "db.min_conns"},
		{"bad export format", func(c *Config) { c.Export.Formats = []string{"xml"} }, "export.formats"},
		{"bad batch size", func(c *Config) { c.Crawl.BatchSize = 0 }, "batch_size"},
		{"bad pattern", func(c *Config) { c.Crawl.ExcludePatterns = []string{"("} }, "exclude pattern"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			c := base
			c.Crawl.ExcludePatterns = append([]string(nil), base.Crawl.ExcludePatterns...)
			tt.mutate(&c)
			err := c.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestNormalizeDomain(t *testing.T) {
	t.Parallel()
	cases := map[string]string{
		"example.edu":                      "example.edu",
		"  Example.EDU ":                   "example.edu",
		"https://www.example.edu/about?x":  "example.edu",
		"http://research.example.edu:8080": "research.example.edu",
		"example.edu.":                     "example.edu",
	}
	for in, want := range cases {
		got, err := NormalizeDomain(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	for _, bad := range []string{"", "localhost", "https://", "user@example.edu"} {
		_, err := NormalizeDomain(bad)
		assert.Error(t, err, bad)
	}
}
