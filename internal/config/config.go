// Package config loads the daemon configuration from the environment.
// Defaults are applied first, then IsValid checks the result; an invalid
// configuration fails startup rather than running degraded.
package config

import (
	"os"
	"strconv"
	"time"

	"github.com/pkg/errors"
)

// Config captures every externally tunable setting of the daemon.
type Config struct {
	// ListenAddr is the HTTP bind address, e.g. ":8765".
	ListenAddr string

	// DatabasePath is the SQLite file path.
	DatabasePath string

	// APIAuthToken, when set, is required as a bearer token on every API
	// request. Empty disables auth (local single-user deployments).
	APIAuthToken string

	// GitProviderOverride forces provider detection when the repo URL is
	// ambiguous (github|gitlab|gitea).
	GitProviderOverride string

	// WorkerStaleTimeout is the heartbeat age past which a worker is
	// considered dead and its running tasks reclaimed.
	WorkerStaleTimeout time.Duration

	// RecoveryInterval is the pause between recovery loop passes.
	RecoveryInterval time.Duration

	// TemplateDir is the built-in template source directory; empty disables
	// template sync at boot.
	TemplateDir string

	// DisableTemplateSync skips loading templates from TemplateDir.
	DisableTemplateSync bool

	// LogLevel is one of debug|info|warn|error.
	LogLevel string

	// LogJSON switches log output to NDJSON.
	LogJSON bool
}

// FromEnv builds a Config from the process environment with defaults applied.
func FromEnv() *Config {
	cfg := &Config{
		ListenAddr:          envOr("CAM_LISTEN_ADDR", ":8765"),
		DatabasePath:        envOr("DATABASE_PATH", "./data/cam.db"),
		APIAuthToken:        firstEnv("API_AUTH_TOKEN", "CAM_API_TOKEN"),
		GitProviderOverride: os.Getenv("CAM_GIT_PROVIDER"),
		WorkerStaleTimeout:  envDurationMs("WORKER_STALE_TIMEOUT_MS", 90*time.Second),
		RecoveryInterval:    envDurationMs("CAM_RECOVERY_INTERVAL_MS", 30*time.Second),
		TemplateDir:         os.Getenv("CAM_VIBECODING_DIR"),
		DisableTemplateSync: os.Getenv("CAM_DISABLE_VIBECODING_SYNC") == "1",
		LogLevel:            envOr("CAM_LOG_LEVEL", "info"),
		LogJSON:             os.Getenv("CAM_LOG_JSON") == "1",
	}
	return cfg
}

// IsValid checks that the configuration is well-formed.
func (c *Config) IsValid() error {
	if c.ListenAddr == "" {
		return errors.New("listen address is required")
	}
	if c.DatabasePath == "" {
		return errors.New("database path is required")
	}
	if c.WorkerStaleTimeout < 10*time.Second {
		return errors.Errorf("worker stale timeout must be at least 10s, got %s", c.WorkerStaleTimeout)
	}
	if c.RecoveryInterval < time.Second {
		return errors.Errorf("recovery interval must be at least 1s, got %s", c.RecoveryInterval)
	}
	switch c.GitProviderOverride {
	case "", "github", "gitlab", "gitea":
	default:
		return errors.Errorf("unknown git provider override %q", c.GitProviderOverride)
	}
	return nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// firstEnv returns the first non-empty value among the named variables.
// Later names are legacy aliases kept for older worker deployments.
func firstEnv(keys ...string) string {
	for _, key := range keys {
		if v := os.Getenv(key); v != "" {
			return v
		}
	}
	return ""
}

func envDurationMs(key string, fallback time.Duration) time.Duration {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	ms, err := strconv.Atoi(raw)
	if err != nil || ms <= 0 {
		return fallback
	}
	return time.Duration(ms) * time.Millisecond
}
