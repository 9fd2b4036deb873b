package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/loyalty-engine/config"
)

func writeYAML(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := config.Load("")
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.HTTP.Addr)
	assert.Equal(t, "sqlite", cfg.Database.Driver)
	assert.Equal(t, "loyalty.db", cfg.Database.DSN)
	assert.Equal(t, "@every 1h", cfg.Scheduler.Reconcile)
	assert.Equal(t, "@daily", cfg.Scheduler.Expiry)
	assert.Equal(t, 256, cfg.SettingsCache.Size)
	assert.Equal(t, 5*time.Minute, cfg.SettingsCache.TTL)
	assert.Empty(t, cfg.Kafka.Brokers)
	assert.False(t, cfg.HTTP.EnableScenarios)
}

func TestLoad_YAMLWithEnvOverride(t *testing.T) {
	// GIVEN: a file selecting postgres and an env override for the address
	path := writeYAML(t, `
http:
  addr: ":9000"
  enable_scenarios: true
database:
  driver: postgres
  dsn: "host=db user=loyalty"
kafka:
  brokers: ["k1:9092", "k2:9092"]
crm:
  base_url: "http://crm"
  timeout: 2s
log:
  format: json
`)
	t.Setenv("LOYALTY_HTTP_ADDR", ":9100")

	// WHEN
	cfg, err := config.Load(path)

	// THEN
	require.NoError(t, err)
	assert.Equal(t, ":9100", cfg.HTTP.Addr)
	assert.True(t, cfg.HTTP.EnableScenarios)
	assert.Equal(t, "postgres", cfg.Database.Driver)
	assert.Equal(t, "host=db user=loyalty", cfg.Database.DSN)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Kafka.Brokers)
	assert.Equal(t, "loyalty.points", cfg.Kafka.Topic)
	assert.Equal(t, "http://crm", cfg.CRM.BaseURL)
	assert.Equal(t, 2*time.Second, cfg.CRM.Timeout)
	assert.Equal(t, "json", cfg.Log.Format)
}

func TestLoad_RejectsUnknownDriver(t *testing.T) {
	t.Setenv("LOYALTY_DB_DRIVER", "mysql")

	_, err := config.Load("")

	require.Error(t, err)
	assert.Contains(t, err.Error(), "database.driver")
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := config.Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}
