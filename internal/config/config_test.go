package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.Database.Driver)
	assert.Equal(t, 50, cfg.Sync.ChunkSize)
	assert.Equal(t, "0 3 * * *", cfg.Sync.Cron)
	assert.Equal(t, 2, cfg.Sync.ReadRetries)
	assert.Equal(t, time.Second, cfg.Worker.PollInterval)
	assert.True(t, cfg.Worker.EnableScheduler)
	assert.Equal(t, "db", cfg.Reports.Sink)
	assert.Equal(t, "info", cfg.ERP.Info.Name)
	assert.Equal(t, "actuals", cfg.ERP.Actuals.Name)
	assert.Equal(t, 15*time.Second, cfg.ERP.Info.Timeout)
	assert.Equal(t, ":8080", cfg.HTTP.Addr)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("PROJECTSYNC_SYNC_CHUNK_SIZE", "2")
	t.Setenv("PROJECTSYNC_SYNC_COMPANIES", "1111,2222")
	t.Setenv("PROJECTSYNC_WORKER_POLL_INTERVAL", "250ms")
	t.Setenv("PROJECTSYNC_ERP_ACTUALS_BASE_URL", "https://erp.example/actuals")
	t.Setenv("PROJECTSYNC_DATABASE_DRIVER", "postgres")
	t.Setenv("PROJECTSYNC_DATABASE_DSN", "postgres://localhost/projectsync")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 2, cfg.Sync.ChunkSize)
	assert.Equal(t, []string{"1111", "2222"}, cfg.Sync.Companies)
	assert.Equal(t, 250*time.Millisecond, cfg.Worker.PollInterval)
	assert.Equal(t, "https://erp.example/actuals", cfg.ERP.Actuals.BaseURL)
	assert.Equal(t, "postgres", cfg.Database.Driver)
}

func TestLoad_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "projectsync.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
database:
  driver: sqlite
  dsn: /var/lib/projectsync/db.sqlite
  pool: sqlite
sync:
  companies: ["1111"]
  start_year: 2020
  cron: "30 2 * * *"
reports:
  sink: s3
  s3:
    bucket: reports
    endpoint: http://minio:9000
    path_style: true
log:
  format: json
  file: /var/log/projectsync.log
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "sqlite", cfg.Database.Pool)
	assert.Equal(t, []string{"1111"}, cfg.Sync.Companies)
	assert.Equal(t, 2020, cfg.Sync.StartYear)
	assert.Equal(t, "30 2 * * *", cfg.Sync.Cron)
	assert.Equal(t, "reports", cfg.Reports.S3.Bucket)
	assert.True(t, cfg.Reports.S3.PathStyle)
	assert.Equal(t, "/var/log/projectsync.log", cfg.Log.File)
	assert.Equal(t, 50, cfg.Sync.ChunkSize, "unset keys keep defaults")
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	base, err := Load("")
	require.NoError(t, err)

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"driver", func(c *Config) { c.Database.Driver = "mysql" }},
		{"dsn", func(c *Config) { c.Database.DSN = "" }},
		{"pool", func(c *Config) { c.Database.Pool = "huge" }},
		{"sink", func(c *Config) { c.Reports.Sink = "ftp" }},
		{"s3 bucket", func(c *Config) { c.Reports.Sink = "s3" }},
		{"redis rate", func(c *Config) { c.Redis.Addr = "localhost:6379"; c.Redis.Rate = 0 }},
		{"log format", func(c *Config) { c.Log.Format = "xml" }},
		{"sync", func(c *Config) { c.Sync.ChunkSize = 0 }},
		{"cron", func(c *Config) { c.Sync.Cron = "nope" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base
			tt.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
