package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func clearEnv(t *testing.T) {
	for _, k := range []string{"POLYMARKET_CLOB_URL", "POLYMARKET_GAMMA_URL", "POLYMARKET_DATA_URL", "NOTIFY_WEBHOOK_URL", "STORAGE_DRIVER", "LOCKER"} {
		t.Setenv(k, "")
	}
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	clearEnv(t)
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default(), *cfg)
}

func TestLoad_PartialFileKeepsDefaults(t *testing.T) {
	clearEnv(t)
	path := writeConfig(t, `
lifecycle:
  parallelism: 2
  resolved_high: 0.98
data:
  driver: sqlite
  locker: local
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 2, cfg.Lifecycle.Parallelism)
	assert.Equal(t, 0.98, cfg.Lifecycle.ResolvedHigh)
	assert.Equal(t, 0.01, cfg.Lifecycle.ResolvedLow)
	assert.Equal(t, "sqlite", cfg.Data.Driver)
	assert.Equal(t, 3, cfg.Submission.MaxAttempts)
	assert.Equal(t, 200, cfg.Submission.DefaultSlippageBps)
	assert.Equal(t, time.Minute, cfg.Lifecycle.Interval())
	assert.Equal(t, time.Hour, cfg.Submission.IntentTTL())
}

func TestLoad_EnvOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("STORAGE_DRIVER", "memory")
	t.Setenv("LOCKER", "local")
	t.Setenv("NOTIFY_WEBHOOK_URL", "https://hooks.example.com/copytrade")

	cfg, err := Load(writeConfig(t, "server:\n  port: 9090\n"))
	require.NoError(t, err)
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "memory", cfg.Data.Driver)
	assert.Equal(t, "local", cfg.Data.Locker)
	assert.Equal(t, "https://hooks.example.com/copytrade", cfg.Notify.WebhookURL)
}

func TestLoad_RejectsBadFiles(t *testing.T) {
	clearEnv(t)
	tests := []struct {
		name string
		body string
	}{
		{"unparseable", "server: [1, 2"},
		{"inverted band", "lifecycle:\n  resolved_high: 0.2\n  resolved_low: 0.3\n"},
		{"band touching one", "lifecycle:\n  resolved_high: 1.0\n"},
		{"unknown driver", "data:\n  driver: mongo\n"},
		{"unknown locker", "data:\n  locker: etcd\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.body))
			assert.Error(t, err)
		})
	}
}

func TestDefaultFileMatchesDefaults(t *testing.T) {
	clearEnv(t)
	cfg, err := Load("default.yaml")
	require.NoError(t, err)
	assert.Equal(t, Default(), *cfg)
}
