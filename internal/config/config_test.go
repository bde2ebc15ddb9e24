package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_AppliesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	body := `
exchange:
  rest_endpoint: http://localhost:9000
  fill_poll_attempts: 3
engine:
  reconcile_interval: 45s
logging:
  level: debug
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "http://localhost:9000", cfg.Exchange.RESTEndpoint)
	assert.Equal(t, 3, cfg.Exchange.FillPollAttempts)
	assert.Equal(t, 500*time.Millisecond, cfg.Exchange.FillPollDelay)
	assert.Equal(t, 45*time.Second, cfg.Engine.ReconcileInterval)
	assert.Equal(t, 5, cfg.Engine.StopRetryAttempts)
	assert.Equal(t, 1000, cfg.Engine.SeenCapacity)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, 8080, cfg.Server.Port)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}
