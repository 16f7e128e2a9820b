package crawler

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPipelineStateAdvance(t *testing.T) {
	t.Parallel()
	s := NewPipelineState("job-1", epoch)
	assert.Equal(t, StageDiscovery, s.CurrentStage)

	later := epoch.Add(time.Minute)
	require.NoError(t, s.Advance(StageFetch, later))
	require.NoError(t, s.Advance(StageFetch, later), "re-entering a stage is a no-op")
	assert.Equal(t, later, s.LastCheckpoint)

	require.Error(t, s.Advance(StageDiscovery, later))
	require.Error(t, s.Advance(Stage("bogus"), later))
	assert.Equal(t, StageFetch, s.CurrentStage)

	s.AddProgress(StageFetch, 3)
	s.AddProgress(StageFetch, 2)
	assert.Equal(t, 5, s.StageProgress[StageFetch])
}

func TestStageOrder(t *testing.T) {
	t.Parallel()
	stages := Stages()
	for i := 1; i < len(stages); i++ {
		assert.True(t, stages[i-1].Before(stages[i]))
		assert.False(t, stages[i].Before(stages[i-1]))
	}
}

func TestCrawlJobLifecycle(t *testing.T) {
	t.Parallel()
	job := NewCrawlJob("job-1", "example.edu", DefaultJobConfig(), epoch)
	assert.Equal(t, JobStatusPending, job.Status)

	job.Start(epoch)
	job.Pause()
	assert.Equal(t, JobStatusPaused, job.Status)

	job.Start(epoch.Add(time.Hour))
	require.NotNil(t, job.StartedAt)
	assert.Equal(t, epoch, *job.StartedAt, "a resumed job keeps its first start time")

	job.Complete(epoch.Add(2 * time.Hour))
	assert.Equal(t, JobStatusCompleted, job.Status)
	require.NotNil(t, job.CompletedAt)
}

func TestQueueCountsTotal(t *testing.T) {
	t.Parallel()
	assert.Equal(t, 10, QueueCounts{Pending: 1, Processing: 2, Completed: 3, Failed: 4}.Total())
}

func TestJobConfigValidate(t *testing.T) {
	t.Parallel()
	require.NoError(t, DefaultJobConfig().Validate())

	cases := map[string]func(*JobConfig){
		"version":     func(c *JobConfig) { c.Version = 99 },
		"scheme":      func(c *JobConfig) { c.Scheme = "ftp" },
		"base delay":  func(c *JobConfig) { c.BaseDelay = 0 },
		"max delay":   func(c *JobConfig) { c.MaxDelay = c.BaseDelay / 2 },
		"max pages":   func(c *JobConfig) { c.MaxPages = 0 },
		"batch size":  func(c *JobConfig) { c.BatchSize = 0 },
		"retries":     func(c *JobConfig) { c.MaxRetries = -1 },
		"user agent":  func(c *JobConfig) { c.UserAgent = "" },
		"browser":     func(c *JobConfig) { c.Browser.PoolSize = 0 },
		"bad pattern": func(c *JobConfig) { c.ExcludePatterns = []string{"("} },
	}
	for name, mutate := range cases {
		cfg := DefaultJobConfig()
		mutate(&cfg)
		assert.Error(t, cfg.Validate(), name)
	}

	cfg := DefaultJobConfig()
	cfg.Version = 2
	assert.ErrorIs(t, cfg.Validate(), ErrUnsupportedVersion)
}

func TestRatePolicyUsesJobDelays(t *testing.T) {
	t.Parallel()
	cfg := DefaultJobConfig()
	cfg.BaseDelay = 2 * time.Second
	cfg.MaxDelay = time.Minute
	p := cfg.RatePolicy()
	assert.Equal(t, 2*time.Second, p.BaseDelay)
	assert.Equal(t, time.Minute, p.MaxDelay)
	assert.Equal(t, DefaultRateLimitPolicy().Cooldown, p.Cooldown)
}

func TestErrorMessages(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "HTTP 404", (&FetchError{Kind: FetchErrHTTP, StatusCode: 404}).Error())
	cause := errors.New("reset")
	fe := &FetchError{Kind: FetchErrNetwork, Err: cause}
	assert.Equal(t, "network: reset", fe.Error())
	assert.ErrorIs(t, fe, cause)
	assert.Equal(t, "cooldown", (&FetchError{Kind: FetchErrCooldown}).Error())

	ce := &ContentError{Stage: "extract", Err: cause}
	assert.Equal(t, "extract: reset", ce.Error())
	assert.ErrorIs(t, ce, cause)

	se := StorageError("save checkpoint", cause)
	assert.ErrorIs(t, se, ErrStorage)
	assert.ErrorIs(t, se, cause)
	assert.NoError(t, StorageError("noop", nil))
}
