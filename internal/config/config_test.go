package config_test

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mtlprog/taskflow/internal/config"
	"github.com/mtlprog/taskflow/internal/domain"
)

func TestDefault_IsValid(t *testing.T) {
	cfg := config.Default()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, config.BackendSQLite, cfg.Repository.Backend)
	assert.Equal(t, filepath.Join("data", "wal"), cfg.Engine.EventLog.Dir)
	assert.Equal(t, filepath.Join("data", "taskflow.db"), cfg.Repository.Path)
	assert.Equal(t, config.DefaultAddr, cfg.HTTP.Addr)
}

func TestLoad_EmptyPathReturnsDefaults(t *testing.T) {
	cfg, err := config.Load("")
	require.NoError(t, err)
	assert.Equal(t, config.Default(), cfg)
}

func TestLoad_OverlaysFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "taskflow.yaml")
	yaml := `
log:
  level: debug
  format: text
repository:
  backend: postgres
  url: postgres://taskflow@localhost/taskflow
  max_conns: 20
http:
  addr: ":9090"
  api_key: secret
eventlog:
  dir: /var/lib/taskflow/wal
  max_file_bytes: 1048576
slots:
  max_global: 8
  slot_timeout: 5s
backpressure:
  window_size: 30s
executor:
  default_max_retries: 1
  retry_base_delay: 250ms
recovery:
  enabled: false
`
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o600))

	cfg, err := config.Load(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "text", cfg.Log.Format)
	assert.Equal(t, config.BackendPostgres, cfg.Repository.Backend)
	assert.Equal(t, int32(20), cfg.Repository.MaxConns)
	assert.Equal(t, "secret", cfg.HTTP.APIKey)
	assert.Equal(t, "/var/lib/taskflow/wal", cfg.Engine.EventLog.Dir)
	assert.Equal(t, int64(1048576), cfg.Engine.EventLog.MaxFileBytes)
	assert.Equal(t, 8, cfg.Engine.Slots.MaxGlobal)
	assert.Equal(t, 5*time.Second, cfg.Engine.Slots.SlotTimeout)
	assert.Equal(t, 30*time.Second, cfg.Engine.Backpressure.WindowSize)
	assert.Equal(t, 250*time.Millisecond, cfg.Engine.Executor.RetryBaseDelay)
	assert.False(t, cfg.Engine.Recovery.Enabled)

	// untouched sections keep their defaults
	def := config.Default()
	assert.Equal(t, def.Engine.Slots.MaxPerUser, cfg.Engine.Slots.MaxPerUser)
	assert.Equal(t, def.Engine.DLQ, cfg.Engine.DLQ)
	assert.Equal(t, def.HTTP.ShutdownTimeout, cfg.HTTP.ShutdownTimeout)
}

func TestLoad_Errors(t *testing.T) {
	_, err := config.Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("slots: [1, 2"), 0o600))
	_, err = config.Load(path)
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*config.Config)
		field  string
	}{
		{"log format", func(c *config.Config) { c.Log.Format = "xml" }, "log.format"},
		{"backend", func(c *config.Config) { c.Repository.Backend = "mysql" }, "repository.backend"},
		{"sqlite path", func(c *config.Config) { c.Repository.Path = "" }, "repository.path"},
		{"postgres url", func(c *config.Config) { c.Repository.Backend = config.BackendPostgres }, "repository.url"},
		{"http addr", func(c *config.Config) { c.HTTP.Addr = "" }, "http.addr"},
		{"engine section", func(c *config.Config) { c.Engine.Slots.MaxGlobal = 0 }, "slots.max_global"},
		{"stale threshold", func(c *config.Config) {
			c.Engine.Recovery.StaleThreshold = c.Engine.Executor.HeartbeatInterval
		}, "recovery.stale_threshold"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.Default()
			tt.mutate(&cfg)

			var cfgErr *domain.ConfigValidationError
			require.True(t, errors.As(cfg.Validate(), &cfgErr))
			assert.Equal(t, tt.field, cfgErr.Field)
		})
	}
}

func TestSetDataDir(t *testing.T) {
	cfg := config.Default()
	cfg.SetDataDir("/srv/taskflow")
	assert.Equal(t, "/srv/taskflow/wal", cfg.Engine.EventLog.Dir)
	assert.Equal(t, "/srv/taskflow/taskflow.db", cfg.Repository.Path)
}
