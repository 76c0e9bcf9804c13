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
	assert.Equal(t, "8096", cfg.Port)
	assert.Equal(t, 3, cfg.Queue.MaxAttempts)
	assert.Equal(t, 5*time.Minute, cfg.Worker.Lease)
	assert.Equal(t, time.Second, cfg.Worker.PollInterval)
	assert.Equal(t, "@every 30s", cfg.Maintenance.ReaperSchedule)
	assert.Equal(t, "homenavi/workflows", cfg.MQTT.TopicPrefix)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("WORKER_CONCURRENCY", "9")
	t.Setenv("QUEUE_BACKOFF_BASE", "250ms")
	t.Setenv("POSTGRES_HOST", "db")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 9, cfg.Worker.Concurrency)
	assert.Equal(t, 250*time.Millisecond, cfg.Queue.BackoffBase)
	assert.Equal(t, "db", cfg.Postgres.Host)
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "engine.yaml")
	require.NoError(t, os.WriteFile(path, []byte("worker_lease: 90s\nlog_level: debug\n"), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 90*time.Second, cfg.Worker.Lease)
	assert.Equal(t, "debug", cfg.LogLevel)
}

func TestLoadRejectsZeroAttempts(t *testing.T) {
	t.Setenv("QUEUE_MAX_ATTEMPTS", "0")
	_, err := Load("")
	require.Error(t, err)
}

func TestMissingPostgres(t *testing.T) {
	cfg := Config{Postgres: Postgres{User: "u", Port: "5432"}}
	assert.Equal(t, []string{"POSTGRES_DB", "POSTGRES_HOST"}, cfg.MissingPostgres())
}
