package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
	_ "time/tzdata"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Server.Port)
	assert.Equal(t, "9090", cfg.Server.MetricsPort)
	assert.Equal(t, 5, cfg.Database.ConnectAttempts)
	assert.Equal(t, 8*24*time.Hour, cfg.Redis.BatchTTL)
	assert.True(t, cfg.Worker.Enabled)
	assert.Equal(t, 10000, cfg.Engine.PreferenceCacheSize)
	assert.Equal(t, 587, cfg.Email.SMTPPort)

	loc, err := cfg.Engine.Location()
	require.NoError(t, err)
	assert.Equal(t, time.UTC, loc)

	days, err := cfg.Engine.Weekdays()
	require.NoError(t, err)
	assert.Equal(t, []time.Weekday{time.Friday, time.Saturday}, days)
}

func TestLoad_File(t *testing.T) {
	path := writeConfig(t, `
server:
  port: "8181"
engine:
  default_timezone: Asia/Riyadh
  non_working_days: [thursday]
  preference_cache_ttl: 1m
  unit_costs:
    sms: 0.07
worker:
  poll_interval: 250ms
sms:
  enabled: true
  api_url: https://sms.example.com/send
  api_key: secret
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "8181", cfg.Server.Port)
	assert.Equal(t, "9090", cfg.Server.MetricsPort, "unset keys keep defaults")
	assert.Equal(t, []string{"thursday"}, cfg.Engine.NonWorkingDays)
	assert.Equal(t, map[string]float64{"sms": 0.07}, cfg.Engine.UnitCosts)
	assert.Equal(t, time.Minute, cfg.Engine.PreferenceCacheTTL)
	assert.Equal(t, 250*time.Millisecond, cfg.Worker.PollInterval)
	assert.True(t, cfg.SMS.Enabled)
	assert.Equal(t, "secret", cfg.SMS.APIKey)

	loc, err := cfg.Engine.Location()
	require.NoError(t, err)
	assert.Equal(t, "Asia/Riyadh", loc.String())
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := writeConfig(t, `
database:
  url: postgres://file@localhost/db
worker:
  num_workers: 3
`)
	t.Setenv("NOTIFY_DATABASE__URL", "postgres://env@localhost/db")
	t.Setenv("NOTIFY_WORKER__NUM_WORKERS", "6")
	t.Setenv("NOTIFY_ENGINE__NON_WORKING_DAYS", "sunday")
	t.Setenv("NOTIFY_LOG__LEVEL", "debug")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "postgres://env@localhost/db", cfg.Database.URL)
	assert.Equal(t, 6, cfg.Worker.NumWorkers)
	assert.Equal(t, []string{"sunday"}, cfg.Engine.NonWorkingDays)
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestLoad_Validation(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{name: "sms enabled without api url", yaml: "sms:\n  enabled: true\n  api_key: k\n"},
		{name: "whatsapp enabled without token", yaml: "whatsapp:\n  enabled: true\n  phone_number_id: \"1\"\n"},
		{name: "email enabled without host", yaml: "email:\n  enabled: true\n  from_address: a@b.c\n"},
		{name: "unknown log level", yaml: "log:\n  level: verbose\n"},
		{name: "unknown timezone", yaml: "engine:\n  default_timezone: Mars/Olympus\n"},
		{name: "unknown weekday", yaml: "engine:\n  non_working_days: [funday]\n"},
		{name: "zero workers", yaml: "worker:\n  num_workers: 0\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), "invalid config")
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestEngineConfig_Weekdays(t *testing.T) {
	days, err := EngineConfig{NonWorkingDays: []string{" Friday ", "SATURDAY"}}.Weekdays()
	require.NoError(t, err)
	assert.Equal(t, []time.Weekday{time.Friday, time.Saturday}, days)

	_, err = EngineConfig{NonWorkingDays: []string{"someday"}}.Weekdays()
	assert.Error(t, err)
}

func TestEnvKey(t *testing.T) {
	assert.Equal(t, "database.max_open_conns", envKey("NOTIFY_DATABASE__MAX_OPEN_CONNS"))
	assert.Equal(t, "log.level", envKey("NOTIFY_LOG__LEVEL"))
}
