package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadConfig(t *testing.T) {
	path := writeConfig(t, `
port: 9100
debug: true
request-retry: 5
redis:
  addr: "127.0.0.1:6379"
  db: 2
database:
  dsn: "postgres://gw:gw@localhost/gw?sslmode=disable"
  max-open-conns: 10
warmup:
  enabled: true
sensitive-words:
  - forbidden
circuit-breaker:
  failure-threshold: 3
  cooldown-seconds: 120
provider-defaults:
  streaming-idle-timeout-ms: 45000
`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	require.Equal(t, 9100, cfg.Port)
	require.True(t, cfg.Debug)
	require.Equal(t, 5, cfg.RequestRetry)
	require.Equal(t, "127.0.0.1:6379", cfg.Redis.Addr)
	require.Equal(t, 2, cfg.Redis.DB)
	require.Equal(t, 10, cfg.Database.MaxOpenConns)
	require.True(t, cfg.Warmup.Enabled)
	require.Equal(t, []string{"forbidden"}, cfg.SensitiveWords)
	require.Equal(t, 3, cfg.CircuitBreaker.FailureThreshold)
	require.Equal(t, 120, cfg.CircuitBreaker.CooldownSeconds)
	require.Equal(t, 45000, cfg.ProviderDefaults.StreamingIdleTimeoutMs)
}

func TestLoadConfigDefaults(t *testing.T) {
	path := writeConfig(t, "debug: false\n")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	require.Equal(t, 8317, cfg.Port)
	require.Equal(t, int64(50<<20), cfg.MaxBodySize)
	require.Equal(t, 3, cfg.RequestRetry)
	require.Equal(t, 5, cfg.CircuitBreaker.FailureThreshold)
	require.Equal(t, 300, cfg.CircuitBreaker.CooldownSeconds)
	require.Equal(t, 100, cfg.AgentPool.MaxTotalAgents)
	require.Equal(t, 5*time.Second, cfg.RegistryRefresh())
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
}

func TestEnvKnobs(t *testing.T) {
	t.Setenv("FETCH_BODY_TIMEOUT", "120")
	require.Equal(t, 120*time.Second, FetchBodyTimeout())

	t.Setenv("FETCH_BODY_TIMEOUT", "not-a-number")
	require.Equal(t, 600*time.Second, FetchBodyTimeout())

	t.Setenv("PROBE_TIMEOUT_MS", "2500")
	require.Equal(t, 2500*time.Millisecond, ProbeTimeout())

	t.Setenv("MESSAGE_REQUEST_WRITE_MODE", "ASYNC")
	require.Equal(t, "async", MessageRequestWriteMode())
	t.Setenv("MESSAGE_REQUEST_WRITE_MODE", "whatever")
	require.Equal(t, "sync", MessageRequestWriteMode())

	t.Setenv("ENABLE_SMART_PROBING", "true")
	require.True(t, SmartProbingEnabled())
}
