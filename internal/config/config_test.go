package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "store", cfg.Crawl.EpochLock)
	assert.Equal(t, 1, cfg.Worker.MaxAttempts)
	assert.Equal(t, 7, cfg.Purge.DaysToKeep)
	assert.Equal(t, 20, cfg.Purge.BatchSize)
	assert.Equal(t, "@every 1m", cfg.Scheduler.EpochSpec)
	assert.Empty(t, cfg.Scheduler.PurgeSpec)
	assert.Equal(t, "memory", cfg.Storage.Backend)
	assert.Equal(t, "application/cap+xml", cfg.Storage.ContentType)
	assert.Equal(t, 10*time.Second, cfg.FetchTimeout())
	assert.Equal(t, 5*time.Minute, cfg.LockTTL())
	assert.Equal(t, 10*time.Minute, cfg.JobTimeout())
}

func TestLoadWithFileOverrides(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	configYAML := `
server:
  port: 9090
auth:
  enabled: true
  api_key: secret
crawl:
  epoch_lock: redis
  fanout_via_push_lane: true
worker:
  shard_workers: 16
  max_attempts: 3
fetch:
  user_agent: test-agent
  timeout_seconds: 5
purge:
  days_to_keep: 14
  batch_size: 50
scheduler:
  purge_spec: "0 3 * * *"
storage:
  backend: postgres
  blob_backend: s3
database:
  dsn: postgres://capmirror@localhost/capmirror
s3:
  bucket: alerts
redis:
  addr: redis:6379
feeds:
  lists:
    regional:
      - https://alerts.example/a.xml
      - https://alerts.example/b.xml
`
	require.NoError(t, os.WriteFile(path, []byte(configYAML), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.True(t, cfg.Auth.Enabled)
	assert.Equal(t, "redis", cfg.Crawl.EpochLock)
	assert.True(t, cfg.Crawl.FanoutViaPushLane)
	assert.Equal(t, 16, cfg.Worker.ShardWorkers)
	assert.Equal(t, 3, cfg.Worker.MaxAttempts)
	assert.Equal(t, 5*time.Second, cfg.FetchTimeout())
	assert.Equal(t, 14, cfg.Purge.DaysToKeep)
	assert.Equal(t, "0 3 * * *", cfg.Scheduler.PurgeSpec)
	assert.Equal(t, "postgres", cfg.Storage.Backend)
	assert.Equal(t, "alerts", cfg.S3.Bucket)
	assert.Equal(t, []string{"https://alerts.example/a.xml", "https://alerts.example/b.xml"}, cfg.Feeds.Lists["regional"])
}

func TestLoadMissingFile(t *testing.T) {
	t.Parallel()

	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

// Not parallel: mutates the environment.
func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("CAPMIRROR_SERVER_PORT", "7070")
	t.Setenv("CAPMIRROR_WORKER_MAX_ATTEMPTS", "2")
	t.Setenv("CAPMIRROR_FETCH_USER_AGENT", "env-agent")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 7070, cfg.Server.Port)
	assert.Equal(t, 2, cfg.Worker.MaxAttempts)
	assert.Equal(t, "env-agent", cfg.Fetch.UserAgent)
}

func TestConfigValidateErrors(t *testing.T) {
	t.Parallel()

	base, err := Load("")
	require.NoError(t, err)

	tests := []struct {
		name   string
		mutate func(c *Config)
		want   string
	}{
		{"invalid port", func(c *Config) { c.Server.Port = 0 }, "server.port"},
		{"auth missing api key", func(c *Config) { c.Auth.Enabled = true }, "auth.api_key"},
		{"unknown epoch lock", func(c *Config) { c.Crawl.EpochLock = "zookeeper" }, "crawl.epoch_lock"},
		{"redis lock without addr", func(c *Config) { c.Crawl.EpochLock = "redis"; c.Redis.Addr = "" }, "redis.addr"},
		{"zero attempts", func(c *Config) { c.Worker.MaxAttempts = 0 }, "worker.max_attempts"},
		{"zero fetch timeout", func(c *Config) { c.Fetch.TimeoutSeconds = 0 }, "fetch.timeout_seconds"},
		{"purge batch too large", func(c *Config) { c.Purge.BatchSize = 501 }, "purge.batch_size"},
		{"bad epoch spec", func(c *Config) { c.Scheduler.EpochSpec = "every minute" }, "scheduler.epoch_spec"},
		{"zero job timeout", func(c *Config) { c.Scheduler.JobTimeoutSeconds = 0 }, "scheduler.job_timeout_seconds"},
		{"postgres without dsn", func(c *Config) { c.Storage.Backend = "postgres" }, "database.dsn"},
		{"gcs without bucket", func(c *Config) { c.Storage.BlobBackend = "gcs" }, "storage.gcs_bucket"},
		{"local without dir", func(c *Config) { c.Storage.BlobBackend = "local" }, "storage.local_dir"},
		{"pubsub without project", func(c *Config) { c.Queue.Backend = "pubsub" }, "pubsub.project_id"},
		{"sample ratio", func(c *Config) { c.Telemetry.SampleRatio = 2 }, "telemetry.sample_ratio"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			c := base
			tt.mutate(&c)
			err := c.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}
