package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 5*time.Second, cfg.Dispatcher.PollInterval)
	assert.Equal(t, 100, cfg.Dispatcher.BatchSize)
	assert.Equal(t, 5*time.Minute, cfg.Dispatcher.StaleAfter)
	assert.Equal(t, 30, cfg.Sweeper.RetentionDays)
	assert.Empty(t, cfg.Broker.NATSURL)
	assert.True(t, cfg.Router.Enabled)
	assert.Equal(t, "all-events", cfg.Router.GlobalTopic)
	assert.Equal(t, "outbox_wakeup", cfg.Listener.Channel)
	assert.Equal(t, ":8090", cfg.Ops.Addr)
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "worker.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
dispatcher:
  poll_interval: 2s
  batch_size: 50
broker:
  nats_url: nats://broker:4222
router:
  global_topic: firehose
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 2*time.Second, cfg.Dispatcher.PollInterval)
	assert.Equal(t, 50, cfg.Dispatcher.BatchSize)
	assert.Equal(t, "nats://broker:4222", cfg.Broker.NATSURL)
	assert.Equal(t, "firehose", cfg.Router.GlobalTopic)
	// Untouched sections keep their defaults.
	assert.Equal(t, 30*time.Second, cfg.Dispatcher.PublishTimeout)
	assert.Equal(t, 6*time.Hour, cfg.Sweeper.Interval)
}

func TestEnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "worker.yaml")
	require.NoError(t, os.WriteFile(path, []byte("broker:\n  nats_url: nats://file:4222\n"), 0o600))

	t.Setenv("NATS_URL", "nats://env:4222")
	t.Setenv("OPS_ADDR", ":9999")
	t.Setenv("OUTBOX_POLL_INTERVAL", "250ms")
	t.Setenv("OUTBOX_RETENTION_DAYS", "7")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "nats://env:4222", cfg.Broker.NATSURL)
	assert.Equal(t, ":9999", cfg.Ops.Addr)
	assert.Equal(t, 250*time.Millisecond, cfg.Dispatcher.PollInterval)
	assert.Equal(t, 7, cfg.Sweeper.RetentionDays)
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	path := filepath.Join(t.TempDir(), "worker.yaml")
	require.NoError(t, os.WriteFile(path, []byte("dispatcher:\n  batch_size: 0\n"), 0o600))

	_, err := Load(path)
	assert.ErrorContains(t, err, "batch_size")
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}
