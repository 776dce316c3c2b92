package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `
database:
  dsn: postgres://localhost/flowmesh
auth:
  jwt_secret: secret
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":3002", cfg.API.ListenAddress)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.True(t, cfg.MetricsEnabled)
	assert.Equal(t, 30*time.Second, cfg.WebSocket.PingInterval)
	assert.Equal(t, int64(512*1024), cfg.WebSocket.MaxMessageSize)
	assert.Equal(t, 25, cfg.Database.MaxOpenConns)
	assert.Equal(t, "postgres", cfg.Database.Driver)
}

func TestLoadOverrides(t *testing.T) {
	path := writeConfig(t, `
log_level: debug
api:
  listen_address: ":9000"
websocket:
  ping_interval: 10s
database:
  dsn: postgres://localhost/flowmesh
  max_open_conns: 50
auth:
  verify_endpoint: http://localhost:3000/verify
  timeout: 5s
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, ":9000", cfg.API.ListenAddress)
	assert.Equal(t, 10*time.Second, cfg.WebSocket.PingInterval)
	assert.Equal(t, 50, cfg.Database.MaxOpenConns)
	assert.Equal(t, "http://localhost:3000/verify", cfg.Auth.VerifyEndpoint)
	assert.Equal(t, 5*time.Second, cfg.Auth.Timeout)
}

func TestLoadValidation(t *testing.T) {
	t.Run("missing dsn", func(t *testing.T) {
		path := writeConfig(t, `
auth:
  jwt_secret: secret
`)
		_, err := Load(path)
		assert.ErrorContains(t, err, "database.dsn")
	})

	t.Run("missing auth", func(t *testing.T) {
		path := writeConfig(t, `
database:
  dsn: postgres://localhost/flowmesh
`)
		_, err := Load(path)
		assert.ErrorContains(t, err, "auth")
	})
}
