package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(nil)
	require.NoError(t, err)

	assert.Equal(t, ":3002", cfg.Addr)
	assert.Equal(t, "memory", cfg.StoreBackend)
	assert.Equal(t, 30, cfg.FPSTarget)
	assert.Equal(t, 16, cfg.BroadcastQueueCap)
	assert.Equal(t, int64(4_194_304), cfg.BacklogSoftBytes)
	assert.Equal(t, int64(16_777_216), cfg.BacklogHardBytes)
	assert.Equal(t, 9617, cfg.PromPort)
	assert.True(t, cfg.ExportProm)
	assert.Greater(t, cfg.WorkerConcurrency, 0)
}

func TestDurationAccessors(t *testing.T) {
	cfg, err := Load(nil)
	require.NoError(t, err)

	assert.Equal(t, 10*time.Second, cfg.GeneratorMax())
	assert.Equal(t, 30*time.Second, cfg.RequestReplyTimeout())
	assert.Equal(t, 5*time.Minute, cfg.SnapshotInterval())
	assert.Equal(t, 5*time.Minute, cfg.DedupWindow())
	assert.Equal(t, 200*time.Millisecond, cfg.WriteTimeout())
	assert.Equal(t, time.Second/30, cfg.TickInterval())
}

func TestValidateStoreBackend(t *testing.T) {
	cfg, err := Load(nil)
	require.NoError(t, err)

	cfg.StoreBackend = "sql"
	cfg.DatabaseURL = ""
	assert.Error(t, cfg.Validate())

	cfg.DatabaseURL = "postgres://localhost/scenes"
	assert.NoError(t, cfg.Validate())

	cfg.StoreBackend = "redis"
	assert.Error(t, cfg.Validate())
}

func TestValidateThresholdOrdering(t *testing.T) {
	cfg, err := Load(nil)
	require.NoError(t, err)

	cfg.BacklogHardBytes = cfg.BacklogSoftBytes - 1
	assert.Error(t, cfg.Validate())
}

func TestValidateFPSRange(t *testing.T) {
	cfg, err := Load(nil)
	require.NoError(t, err)

	cfg.FPSTarget = 0
	assert.Error(t, cfg.Validate())
	cfg.FPSTarget = 500
	assert.Error(t, cfg.Validate())
	cfg.FPSTarget = 60
	assert.NoError(t, cfg.Validate())
}

func TestEnvOverride(t *testing.T) {
	t.Setenv("FPS_TARGET", "60")
	t.Setenv("BROADCAST_QUEUE_CAP", "8")

	cfg, err := Load(nil)
	require.NoError(t, err)
	assert.Equal(t, 60, cfg.FPSTarget)
	assert.Equal(t, 8, cfg.BroadcastQueueCap)
}
