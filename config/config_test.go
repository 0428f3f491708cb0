package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/songzhibin97/alertflow/types"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(New(), "")
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.HTTPAddr)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, StorageMemory, cfg.Storage.Type)
	assert.Equal(t, "alertflow", cfg.Storage.Redis.Namespace)
	assert.Equal(t, 10*time.Second, cfg.Notify.ChannelTimeout)
	assert.Equal(t, 7*24*time.Hour, cfg.Notify.HistoryTTL)
	assert.Equal(t, 1000, cfg.Notify.HistoryCap)
	assert.Equal(t, 500, cfg.Executions.HistoryCap)
	assert.True(t, cfg.Notifications.Enabled)
}

func TestLoadFileAndEnv(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "alertflow.yaml")
	require.NoError(t, os.WriteFile(file, []byte(`
http_addr: ":9090"
storage:
  type: redis
  redis:
    addr: "redis:6379"
notify:
  channel_timeout: 3s
notifications:
  enabled: true
  slack:
    webhookUrl: "https://hooks.slack.example/T000"
  rules:
    - id: compliance-high
      enabled: true
      conditions:
        types: [compliance]
`), 0o600))

	t.Setenv("ALERTFLOW_LOG_LEVEL", "debug")
	t.Setenv("ALERTFLOW_EXECUTIONS_HISTORY_CAP", "50")

	cfg, err := Load(New(), file)
	require.NoError(t, err)
	assert.Equal(t, ":9090", cfg.HTTPAddr)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, StorageRedis, cfg.Storage.Type)
	assert.Equal(t, "redis:6379", cfg.Storage.Redis.Addr)
	assert.Equal(t, 3*time.Second, cfg.Notify.ChannelTimeout)
	assert.Equal(t, 50, cfg.Executions.HistoryCap)
	assert.Equal(t, "https://hooks.slack.example/T000", cfg.Notifications.Slack.WebhookURL)
	require.Len(t, cfg.Notifications.Rules, 1)
	assert.Equal(t, types.TypeCompliance, cfg.Notifications.Rules[0].Conditions.Types[0])
}

func TestValidate(t *testing.T) {
	base, err := Load(New(), "")
	require.NoError(t, err)

	cases := map[string]func(c *Config){
		"unknown storage":   func(c *Config) { c.Storage.Type = "dynamo" },
		"postgres no dsn":   func(c *Config) { c.Storage.Type = StoragePostgres },
		"redis no addr":     func(c *Config) { c.Storage.Type = StorageRedis; c.Storage.Redis.Addr = "" },
		"zero send timeout": func(c *Config) { c.Notify.ChannelTimeout = 0 },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			c := base
			mutate(&c)
			assert.Error(t, c.Validate())
		})
	}
}
