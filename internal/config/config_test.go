package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromEnvDefaults(t *testing.T) {
	for _, key := range []string{
		"CAM_LISTEN_ADDR", "DATABASE_PATH", "API_AUTH_TOKEN", "CAM_API_TOKEN",
		"CAM_GIT_PROVIDER", "WORKER_STALE_TIMEOUT_MS", "CAM_RECOVERY_INTERVAL_MS",
	} {
		t.Setenv(key, "")
	}

	cfg := FromEnv()
	assert.Equal(t, ":8765", cfg.ListenAddr)
	assert.Equal(t, "./data/cam.db", cfg.DatabasePath)
	assert.Equal(t, 90*time.Second, cfg.WorkerStaleTimeout)
	assert.Equal(t, 30*time.Second, cfg.RecoveryInterval)
	assert.Empty(t, cfg.APIAuthToken)
	require.NoError(t, cfg.IsValid())
}

func TestFromEnvOverrides(t *testing.T) {
	t.Setenv("WORKER_STALE_TIMEOUT_MS", "120000")
	t.Setenv("CAM_GIT_PROVIDER", "gitea")
	t.Setenv("API_AUTH_TOKEN", "")
	t.Setenv("CAM_API_TOKEN", "legacy-token")

	cfg := FromEnv()
	assert.Equal(t, 2*time.Minute, cfg.WorkerStaleTimeout)
	assert.Equal(t, "gitea", cfg.GitProviderOverride)
	assert.Equal(t, "legacy-token", cfg.APIAuthToken, "legacy token alias is honored")
}

func TestFromEnvIgnoresGarbageDurations(t *testing.T) {
	t.Setenv("WORKER_STALE_TIMEOUT_MS", "not-a-number")
	cfg := FromEnv()
	assert.Equal(t, 90*time.Second, cfg.WorkerStaleTimeout)
}

func TestIsValid(t *testing.T) {
	cfg := FromEnv()
	cfg.GitProviderOverride = "sourcehut"
	require.Error(t, cfg.IsValid())

	cfg = FromEnv()
	cfg.WorkerStaleTimeout = time.Second
	require.Error(t, cfg.IsValid())

	cfg = FromEnv()
	cfg.DatabasePath = ""
	require.Error(t, cfg.IsValid())
}
