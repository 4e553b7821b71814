package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadFromFileAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `
database:
  user: app
  password: secret
  database: ridelink
rabbitmq:
  user: guest
  password: guest
`)

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)

	assert.Equal(t, "localhost", cfg.Database.Host)
	assert.Equal(t, 5432, cfg.Database.Port)
	assert.Equal(t, 8080, cfg.Gateway.Port)
	assert.NotEmpty(t, cfg.JWT.SecretKey)

	assert.Equal(t, 5*time.Second, cfg.Realtime.ReconnectInterval())
	assert.Equal(t, 30*time.Second, cfg.Realtime.HeartbeatInterval())
	assert.Equal(t, 10*time.Second, cfg.Realtime.ConfirmTimeout())
	assert.Equal(t, 100*time.Millisecond, cfg.Realtime.ProcessInterval())
	assert.Equal(t, 3, cfg.Realtime.MaxRetries)
	assert.Equal(t, 1000, cfg.Realtime.HistoryLimit)
}

func TestLoadFromFileRejectsMissingCredentials(t *testing.T) {
	path := writeConfig(t, `
database:
  user: app
rabbitmq:
  user: guest
  password: guest
`)

	_, err := LoadFromFile(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "database.password is required")
}

func TestLoadFromFileRejectsNegativeIntervals(t *testing.T) {
	path := writeConfig(t, `
database:
  user: app
  password: secret
  database: ridelink
rabbitmq:
  user: guest
  password: guest
realtime:
  heartbeat_interval_ms: -5
`)

	_, err := LoadFromFile(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "realtime.heartbeat_interval_ms must be positive")
}

func TestRealtimeProblemsOnHandBuiltConfig(t *testing.T) {
	rt := Default().Realtime
	assert.Empty(t, rt.Problems())

	rt.BatchSize = 0
	rt.MaxRetries = -1
	problems := rt.Problems()
	assert.Len(t, problems, 2)
}
