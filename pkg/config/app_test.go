package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadAppConfig_Defaults(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv(EnvStore, "")
	t.Setenv(EnvLock, "")
	t.Setenv(EnvLogLevel, "")

	cfg, err := LoadAppConfig("")
	require.NoError(t, err)
	assert.Equal(t, "sqlite://strata.db", cfg.Store)
	assert.Equal(t, DefaultLockTTL, cfg.Lock.TTL)
	require.NotNil(t, cfg.Telemetry)
	assert.Equal(t, "info", cfg.Telemetry.Logging.Level)
}

func TestLoadAppConfig_File(t *testing.T) {
	t.Setenv(EnvStore, "")
	t.Setenv(EnvLock, "")
	t.Setenv(EnvLogLevel, "")

	path := filepath.Join(t.TempDir(), "strata.yaml")
	content := `
store: postgres://localhost/tickets
history: runs.db
lock:
  url: nats://127.0.0.1:4222
  ttl: 2m
defaults:
  mode: continuation
  parallelism: 8
telemetry:
  logging:
    level: debug
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	cfg, err := LoadAppConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "postgres://localhost/tickets", cfg.Store)
	assert.Equal(t, "runs.db", cfg.History)
	assert.Equal(t, "nats://127.0.0.1:4222", cfg.Lock.URL)
	assert.Equal(t, 2*time.Minute, cfg.Lock.TTL)
	assert.Equal(t, "strata_locks", cfg.Lock.Bucket, "default bucket survives")
	assert.Equal(t, "continuation", cfg.Defaults.Mode)
	assert.Equal(t, 8, cfg.Defaults.Parallelism)
	assert.Equal(t, "debug", cfg.Telemetry.Logging.Level)
	assert.Equal(t, "console", cfg.Telemetry.Logging.Format, "default format survives")
}

func TestLoadAppConfig_Env(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv(EnvStore, "memory://")
	t.Setenv(EnvLock, "memory")
	t.Setenv(EnvLogLevel, "warn")

	cfg, err := LoadAppConfig("")
	require.NoError(t, err)
	assert.Equal(t, "memory://", cfg.Store)
	assert.Equal(t, "memory", cfg.Lock.URL)
	assert.Equal(t, "warn", cfg.Telemetry.Logging.Level)
}

func TestLoadAppConfig_Invalid(t *testing.T) {
	t.Setenv(EnvStore, "")
	t.Setenv(EnvLock, "")
	t.Setenv(EnvLogLevel, "")

	tests := []struct {
		name    string
		content string
	}{
		{name: "bad lock url", content: "lock:\n  url: redis://x\n"},
		{name: "bad mode", content: "defaults:\n  mode: sometimes\n"},
		{name: "bad log level", content: "telemetry:\n  logging:\n    level: loud\n"},
		{name: "empty store", content: "store: \"\"\n"},
		{name: "malformed yaml", content: "store: [\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "strata.yaml")
			require.NoError(t, os.WriteFile(path, []byte(tt.content), 0o600))
			_, err := LoadAppConfig(path)
			assert.Error(t, err)
		})
	}
}

func TestLoadAppConfig_MissingExplicitFile(t *testing.T) {
	_, err := LoadAppConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}
