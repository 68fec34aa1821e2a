package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	originalDir, _ := os.Getwd()
	tmpDir := t.TempDir()
	os.Chdir(tmpDir)
	defer os.Chdir(originalDir)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0", cfg.Server.Host)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 8081, cfg.Server.AdminPort)

	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)
	assert.Equal(t, 0, cfg.Redis.DB)
	assert.Equal(t, 100, cfg.Redis.PoolSize)
	assert.Equal(t, 20, cfg.Redis.BlockingPoolSize)
	assert.Equal(t, 10*time.Second, cfg.Redis.BlockingReadTimeout)

	assert.Equal(t, 4, cfg.Worker.Concurrency)
	assert.Equal(t, 30*time.Second, cfg.Worker.HeartbeatInterval)
	assert.Equal(t, 90*time.Second, cfg.Worker.HeartbeatTTL)
	assert.Equal(t, 5*time.Second, cfg.Worker.BlockTimeout)
	assert.Equal(t, int64(100), cfg.Worker.RetryWarningDepth)
	assert.Equal(t, int64(500), cfg.Worker.RetryCriticalDepth)

	assert.Equal(t, "tasks:pending:primary", cfg.Queue.PrimaryKey)
	assert.Equal(t, "tasks:pending:retry", cfg.Queue.RetryKey)
	assert.Equal(t, "tasks:scheduled", cfg.Queue.ScheduledKey)
	assert.Equal(t, "dlq:tasks", cfg.Queue.DLQKey)
	assert.Equal(t, 1*time.Second, cfg.Queue.PromoteInterval)
	assert.Equal(t, int64(100), cfg.Queue.PromoteBatchSize)

	assert.Equal(t, int64(5), cfg.Breaker.FailureThreshold)
	assert.Equal(t, 60*time.Second, cfg.Breaker.ResetTimeout)

	assert.Equal(t, int64(60), cfg.RateLimit.DefaultCapacity)

	assert.Equal(t, "openrouter", cfg.Provider.Name)
	assert.Equal(t, 60*time.Second, cfg.Provider.FreshThreshold)

	assert.True(t, cfg.Metrics.Enabled)
	assert.Equal(t, "/metrics", cfg.Metrics.Path)
	assert.Equal(t, "fluxtask", cfg.Metrics.Namespace)
	assert.Equal(t, 30, cfg.Metrics.RetentionDays)

	assert.False(t, cfg.Auth.Enabled)
	assert.Equal(t, "info", cfg.LogLevel)
}

func TestLoad_WithConfigFile(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := tmpDir + "/config.yaml"

	configContent := `
server:
  host: "127.0.0.1"
  port: 9090

redis:
  addr: "custom-redis:6380"
  password: "secret"
  db: 1

worker:
  id: "test-worker"
  concurrency: 5

loglevel: "warn"
`
	err := os.WriteFile(configPath, []byte(configContent), 0644)
	require.NoError(t, err)

	originalDir, _ := os.Getwd()
	os.Chdir(tmpDir)
	defer os.Chdir(originalDir)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1", cfg.Server.Host)
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "custom-redis:6380", cfg.Redis.Addr)
	assert.Equal(t, "secret", cfg.Redis.Password)
	assert.Equal(t, 1, cfg.Redis.DB)
	assert.Equal(t, "test-worker", cfg.Worker.ID)
	assert.Equal(t, 5, cfg.Worker.Concurrency)
	assert.Equal(t, "warn", cfg.LogLevel)
}

func TestQueueConfig_Fields(t *testing.T) {
	cfg := QueueConfig{
		PrimaryKey:       "tasks:pending:primary",
		RetryKey:         "tasks:pending:retry",
		ScheduledKey:     "tasks:scheduled",
		DLQKey:           "dlq:tasks",
		PromoteInterval:  1 * time.Second,
		PromoteBatchSize: 100,
	}

	assert.Equal(t, "tasks:pending:primary", cfg.PrimaryKey)
	assert.Equal(t, int64(100), cfg.PromoteBatchSize)
}
