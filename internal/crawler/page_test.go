package crawler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var epoch = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func TestNewPageDefaults(t *testing.T) {
	t.Parallel()
	p := NewPage("https://news.example.edu:8443/story", "job-1", 0, epoch)
	assert.Equal(t, PageDiscovered, p.Status)
	assert.Equal(t, DefaultMaxRetries, p.MaxRetries)
	assert.Equal(t, "news.example.edu:8443", p.Domain())
	assert.Equal(t, "news", p.Subdomain())
	assert.Equal(t, "/story", p.Path())
	assert.Equal(t, p.URL, p.Key())

	p.RequestedURL = "https://example.edu/old"
	assert.Equal(t, "https://example.edu/old", p.Key())

	root := NewPage("https://example.edu", "job-1", 1, epoch)
	assert.Empty(t, root.Subdomain())
	assert.Equal(t, "/", root.Path())
}

func TestPageRetryBudget(t *testing.T) {
	t.Parallel()
	p := NewPage("https://example.edu/", "job-1", 2, epoch)
	assert.True(t, p.CanRetry())
	p.RetryCount = 2
	assert.False(t, p.CanRetry())

	p.MarkFailed("HTTP 503", epoch)
	assert.Equal(t, PageFailed, p.Status)
	require.NotNil(t, p.ProcessedAt)

	p.ResetForRetry()
	assert.Equal(t, PageDiscovered, p.Status)
	assert.Nil(t, p.ProcessedAt)
	assert.Equal(t, "HTTP 503", p.ErrorMessage, "error history survives a retry")
}

func TestPageAddErrorAppends(t *testing.T) {
	t.Parallel()
	p := NewPage("https://example.edu/", "job-1", 1, epoch)
	p.AddError("")
	p.AddError("timeout")
	p.AddError("HTTP 500")
	assert.Equal(t, "timeout; HTTP 500", p.ErrorMessage)
}

func TestPageCloneIsDeep(t *testing.T) {
	t.Parallel()
	p := NewPage("https://example.edu/", "job-1", 1, epoch)
	p.Emails = []string{"a@example.edu"}
	p.SocialMedia = map[string][]string{"twitter": {"ex"}}
	p.Analysis = &Analysis{PageType: "news", ContentIndicators: map[string]int{"industry_connections": 1}}

	c := p.Clone()
	c.Emails[0] = "changed"
	c.SocialMedia["twitter"][0] = "changed"
	c.Analysis.ContentIndicators["industry_connections"] = 9

	assert.Equal(t, "a@example.edu", p.Emails[0])
	assert.Equal(t, "ex", p.SocialMedia["twitter"][0])
	assert.Equal(t, 1, p.Analysis.ContentIndicators["industry_connections"])
	assert.Nil(t, (*Page)(nil).Clone())
}
