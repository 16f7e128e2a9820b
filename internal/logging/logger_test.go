package logging

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestNew(t *testing.T) {
	t.Parallel()
	for _, dev := range []bool{true, false} {
		logger, err := New(dev)
		require.NoError(t, err)
		require.NotNil(t, logger)
		assert.Equal(t, dev, logger.Core().Enabled(zapcore.DebugLevel), "debug enabled only in development")
		logger.Info("logger ready")
		_ = logger.Sync()
	}
}

func TestForJobAddsJobFields(t *testing.T) {
	t.Parallel()
	core, logs := observer.New(zapcore.DebugLevel)

	ForJob(zap.New(core), "job-1", "example.edu").Info("checkpoint", zap.Int("pending", 3))

	entries := logs.All()
	require.Len(t, entries, 1)
	assert.Equal(t, map[string]any{
		"job_id":  "job-1",
		"domain":  "example.edu",
		"pending": int64(3),
	}, entries[0].ContextMap())
}

func TestForJobToleratesNilLogger(t *testing.T) {
	t.Parallel()
	assert.NotPanics(t, func() { ForJob(nil, "job-1", "example.edu").Info("dropped") })
}
