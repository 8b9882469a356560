package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, configFile), []byte(content), 0o600))
	return dir
}

func TestInitializeDefaultsWhenFileMissing(t *testing.T) {
	cfg, err := Initialize(context.Background(), t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, "localhost:6379", cfg.Stream.Addr)
	assert.Equal(t, BackpressureDropOldest, cfg.Stream.Backpressure)
	assert.Equal(t, int64(1_000_000), cfg.Stream.MaxLen)
	assert.Equal(t, 8, cfg.Scheduler.Workers)
	assert.Equal(t, 30, cfg.Scheduler.TickSeconds)
	assert.Equal(t, 8, cfg.Correlation.Shards)
	assert.Equal(t, 300, cfg.Correlation.LatenessBoundSeconds)
	assert.Equal(t, 100, cfg.Alert.EventRingCapacity)
	assert.Equal(t, 3, cfg.State.OptimisticRetries)
	assert.False(t, cfg.Detection.EmitOnTimeout)
}

func TestInitializeMergesUserOverDefaults(t *testing.T) {
	dir := writeConfig(t, `
stream:
  addr: redis.internal:6379
  maxlen: 5000
  backpressure: reject_new
scheduler:
  workers: 4
correlation:
  shards: 16
`)

	cfg, err := Initialize(context.Background(), dir)
	require.NoError(t, err)

	assert.Equal(t, "redis.internal:6379", cfg.Stream.Addr)
	assert.Equal(t, int64(5000), cfg.Stream.MaxLen)
	assert.Equal(t, BackpressureRejectNew, cfg.Stream.Backpressure)
	assert.Equal(t, 4, cfg.Scheduler.Workers)
	assert.Equal(t, 16, cfg.Correlation.Shards)

	// Unset keys keep their defaults.
	assert.Equal(t, "warden", cfg.Stream.Prefix)
	assert.Equal(t, 30, cfg.Scheduler.TickSeconds)
	assert.Equal(t, 30, cfg.Correlation.WindowGraceSeconds)
}

func TestInitializeExpandsEnvironment(t *testing.T) {
	t.Setenv("TEST_REDIS_ADDR", "redis-ha:6380")
	dir := writeConfig(t, "stream:\n  addr: {{.TEST_REDIS_ADDR}}\n")

	cfg, err := Initialize(context.Background(), dir)
	require.NoError(t, err)
	assert.Equal(t, "redis-ha:6380", cfg.Stream.Addr)
}

func TestInitializeRejectsInvalidYAML(t *testing.T) {
	dir := writeConfig(t, "stream:\n  addr: [unclosed\n")

	_, err := Initialize(context.Background(), dir)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidYAML)
}

func TestInitializeRejectsInvalidValues(t *testing.T) {
	dir := writeConfig(t, "stream:\n  backpressure: panic\n")

	_, err := Initialize(context.Background(), dir)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrValidationFailed)
}

func TestStreamKeyNames(t *testing.T) {
	s := DefaultStreamConfig()
	assert.Equal(t, "warden:events", s.EventsStream())
	assert.Equal(t, "warden:alerts", s.AlertsStream())
	assert.Equal(t, "warden:correlation", s.CorrelationStream())
	assert.Equal(t, "warden:dlq", s.DLQStream())
}
