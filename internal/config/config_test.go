package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sentryops/camdash/internal/config"
)

const configYAML = `hub:
  url: wss://hub.example.com/socket
  backoff_min_ms: 250
backend:
  url: https://backend.example.com
  email: op@example.com
  password: hunter2
webrtc:
  stun_servers:
    - stun:stun.example.com:3478
  negotiation_timeout_ms: 5000
redis:
  addr: localhost:6379
http:
  listen_addr: ":9090"
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "default.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoad_FileValues(t *testing.T) {
	cfg, err := config.Load(writeConfig(t, configYAML))
	require.NoError(t, err)

	assert.Equal(t, "wss://hub.example.com/socket", cfg.Hub.URL)
	assert.Equal(t, 250*time.Millisecond, cfg.BackoffMin())
	assert.Equal(t, "https://backend.example.com", cfg.Backend.URL)
	assert.Equal(t, []string{"stun:stun.example.com:3478"}, cfg.WebRTC.STUNServers)
	assert.Equal(t, 5*time.Second, cfg.NegotiationTimeout())
	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)
	assert.Equal(t, ":9090", cfg.HTTP.ListenAddr)
}

func TestLoad_DefaultsSurviveSparseFile(t *testing.T) {
	sparse := `hub:
  url: wss://hub.example.com/socket
backend:
  url: https://backend.example.com
`
	cfg, err := config.Load(writeConfig(t, sparse))
	require.NoError(t, err)

	assert.Equal(t, 15*time.Second, cfg.BackoffMax())
	assert.Equal(t, 30*time.Second, cfg.NegotiationTimeout())
	assert.Equal(t, "camdash.alerts.lifecycle", cfg.NATS.Subject)
	assert.Equal(t, 24*time.Hour, cfg.SnapshotTTL())
	assert.Equal(t, ":8090", cfg.HTTP.ListenAddr)
	assert.Equal(t, 1024, cfg.Dedup.MaxKeys)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	t.Setenv("CAMDASH_HUB_URL", "wss://override.example.com/socket")
	t.Setenv("CAMDASH_REDIS_ADDR", "redis-prod:6379")

	cfg, err := config.Load(writeConfig(t, configYAML))
	require.NoError(t, err)

	assert.Equal(t, "wss://override.example.com/socket", cfg.Hub.URL)
	assert.Equal(t, "redis-prod:6379", cfg.Redis.Addr)
}

func TestLoad_MissingFileUsesEnv(t *testing.T) {
	t.Setenv("CAMDASH_HUB_URL", "wss://hub.example.com/socket")
	t.Setenv("CAMDASH_BACKEND_URL", "https://backend.example.com")

	cfg, err := config.Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "wss://hub.example.com/socket", cfg.Hub.URL)
}

func TestLoad_MissingRequiredFields(t *testing.T) {
	_, err := config.Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "hub.url")
}
