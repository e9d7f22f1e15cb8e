package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"MarginRisk/internal/config"
	"MarginRisk/internal/persistence"
	"MarginRisk/internal/testutil"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "margin.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestDefaultConfig_IsValid(t *testing.T) {
	cfg := config.DefaultConfig()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, persistence.Postgres, cfg.Dialect())
	assert.True(t, cfg.EngineConfig().LiquidationTarget.Equal(testutil.D("0.01")))
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := config.Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, config.DefaultConfig(), cfg)
}

func TestLoad_YAMLOverlaysDefaults(t *testing.T) {
	path := writeFile(t, `
store:
  driver: sqlite
  dsn: file:margin.db
engine:
  liquidation_target: "0.5"
persistence:
  flush_timeout: 25ms
monitor:
  scan_schedule: "@every 5s"
  request_retention: 2h
server:
  admin_enabled: false
`)
	cfg, err := config.Load(path)
	require.NoError(t, err)

	assert.Equal(t, persistence.SQLite, cfg.Dialect())
	assert.Equal(t, "file:margin.db", cfg.Store.DSN)
	assert.Equal(t, 25*time.Millisecond, cfg.Persistence.FlushTimeout)
	assert.False(t, cfg.Server.AdminEnabled)
	assert.Equal(t, 50, cfg.Persistence.BatchSize, "unset keys keep defaults")

	mc := cfg.MonitorConfig()
	assert.Equal(t, "@every 5s", mc.ScanSchedule)
	assert.Equal(t, "@hourly", mc.PruneSchedule)
	assert.Equal(t, 2*time.Hour, mc.RequestRetention)
	assert.True(t, cfg.EngineConfig().LiquidationTarget.Equal(testutil.D("0.5")))
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := writeFile(t, "store:\n  driver: sqlite\n  dsn: file:a.db\n")
	t.Setenv("MARGIN_STORE_DSN", "file:b.db")
	t.Setenv("MARGIN_RATE_LIMIT_RPS", "12.5")
	t.Setenv("MARGIN_NATS_ENABLED", "false")

	cfg, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, "file:b.db", cfg.Store.DSN)
	assert.False(t, cfg.NATS.Enabled)
	assert.Equal(t, 12.5, cfg.RateLimit().RequestsPerSecond)
}

func TestLoad_Invalid(t *testing.T) {
	cases := map[string]string{
		"driver":   "store:\n  driver: mysql\n",
		"target":   "engine:\n  liquidation_target: lots\n",
		"negative": "engine:\n  liquidation_target: \"-1\"\n",
		"batch":    "persistence:\n  batch_size: 0\n",
		"yaml":     "store: [",
		"no nats":  "nats:\n  url: \"\"\n",
	}
	for name, body := range cases {
		_, err := config.Load(writeFile(t, body))
		assert.Error(t, err, name)
	}

	t.Setenv("MARGIN_PERSIST_BATCH_SIZE", "many")
	_, err := config.Load("")
	assert.Error(t, err)
}
