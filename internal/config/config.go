// Package config loads and validates service configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. CAPMIRROR_SERVER_PORT.
const EnvPrefix = "CAPMIRROR"

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Crawl     CrawlConfig     `mapstructure:"crawl"`
	Worker    WorkerConfig    `mapstructure:"worker"`
	Fetch     FetchConfig     `mapstructure:"fetch"`
	Purge     PurgeConfig     `mapstructure:"purge"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Queue     QueueConfig     `mapstructure:"queue"`
	PubSub    PubSubConfig    `mapstructure:"pubsub"`
	Redis     RedisConfig     `mapstructure:"redis"`
	S3        S3Config        `mapstructure:"s3"`
	Feeds     FeedsConfig     `mapstructure:"feeds"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port                   int `mapstructure:"port"`
	ShutdownTimeoutSeconds int `mapstructure:"shutdown_timeout_seconds"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// CrawlConfig governs epoch control.
type CrawlConfig struct {
	// EpochLock is "store", "redis" or "none".
	EpochLock         string `mapstructure:"epoch_lock"`
	LockTTLSeconds    int    `mapstructure:"lock_ttl_seconds"`
	FanoutViaPushLane bool   `mapstructure:"fanout_via_push_lane"`
	// TestdataDir is the directory that holds testdata/ for local feed URLs.
	TestdataDir string `mapstructure:"testdata_dir"`
}

// WorkerConfig sizes the lane worker pools.
type WorkerConfig struct {
	PushWorkers  int `mapstructure:"push_workers"`
	ShardWorkers int `mapstructure:"shard_workers"`
	MaxAttempts  int `mapstructure:"max_attempts"`
	QueueDepth   int `mapstructure:"queue_depth"`
}

// FetchConfig configures outbound HTTP.
type FetchConfig struct {
	UserAgent      string  `mapstructure:"user_agent"`
	TimeoutSeconds int     `mapstructure:"timeout_seconds"`
	RespectRobots  bool    `mapstructure:"respect_robots"`
	RateLimitRPS   float64 `mapstructure:"rate_limit_rps"`
	RateLimitBurst int     `mapstructure:"rate_limit_burst"`
}

// PurgeConfig holds the defaults used by scheduled and API purges.
type PurgeConfig struct {
	DaysToKeep int `mapstructure:"days_to_keep"`
	BatchSize  int `mapstructure:"batch_size"`
}

// SchedulerConfig holds cron specs. An empty PurgeSpec disables scheduled purges.
type SchedulerConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	EpochSpec string `mapstructure:"epoch_spec"`
	PurgeSpec string `mapstructure:"purge_spec"`
	// JobTimeoutSeconds bounds every scheduled run.
	JobTimeoutSeconds int `mapstructure:"job_timeout_seconds"`
}

// StorageConfig selects the work store and the alert text archive.
type StorageConfig struct {
	// Backend is "memory" or "postgres".
	Backend string `mapstructure:"backend"`
	// BlobBackend is "none", "memory", "local", "gcs" or "s3".
	BlobBackend string `mapstructure:"blob_backend"`
	Prefix      string `mapstructure:"prefix"`
	ContentType string `mapstructure:"content_type"`
	GCSBucket   string `mapstructure:"gcs_bucket"`
	LocalDir    string `mapstructure:"local_dir"`
}

// DatabaseConfig controls access to Postgres.
type DatabaseConfig struct {
	DSN                    string `mapstructure:"dsn"`
	MaxConns               int32  `mapstructure:"max_conns"`
	MinConns               int32  `mapstructure:"min_conns"`
	MaxConnLifetimeSeconds int    `mapstructure:"max_conn_lifetime_seconds"`
}

// QueueConfig selects the lane transport: "memory" or "pubsub".
type QueueConfig struct {
	Backend string `mapstructure:"backend"`
}

// PubSubConfig names the Pub/Sub resources for lanes and lifecycle events.
type PubSubConfig struct {
	ProjectID          string `mapstructure:"project_id"`
	PushTopic          string `mapstructure:"push_topic"`
	PushSubscription   string `mapstructure:"push_subscription"`
	WorkerTopic        string `mapstructure:"worker_topic"`
	WorkerSubscription string `mapstructure:"worker_subscription"`
	EventsTopic        string `mapstructure:"events_topic"`
}

// RedisConfig is used when crawl.epoch_lock is "redis".
type RedisConfig struct {
	Addr      string `mapstructure:"addr"`
	Password  string `mapstructure:"password"`
	DB        int    `mapstructure:"db"`
	KeyPrefix string `mapstructure:"key_prefix"`
}

// S3Config is used when storage.blob_backend is "s3".
type S3Config struct {
	Bucket       string `mapstructure:"bucket"`
	Region       string `mapstructure:"region"`
	Endpoint     string `mapstructure:"endpoint"`
	UsePathStyle bool   `mapstructure:"use_path_style"`
}

// FeedsConfig adds or overrides named feed lists.
type FeedsConfig struct {
	Lists map[string][]string `mapstructure:"lists"`
}

// TelemetryConfig controls tracing.
type TelemetryConfig struct {
	ServiceName string  `mapstructure:"service_name"`
	Version     string  `mapstructure:"version"`
	SampleRatio float64 `mapstructure:"sample_ratio"`
	LogSpans    bool    `mapstructure:"log_spans"`
}

// Load builds a Config from defaults, an optional file and the environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// Every key gets a default so AutomaticEnv can override it.
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.shutdown_timeout_seconds", 15)
	v.SetDefault("auth.enabled", false)
	v.SetDefault("auth.api_key", "")
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "info")
	v.SetDefault("crawl.epoch_lock", "store")
	v.SetDefault("crawl.lock_ttl_seconds", 300)
	v.SetDefault("crawl.fanout_via_push_lane", false)
	v.SetDefault("crawl.testdata_dir", ".")
	v.SetDefault("worker.push_workers", 2)
	v.SetDefault("worker.shard_workers", 8)
	v.SetDefault("worker.max_attempts", 1)
	v.SetDefault("worker.queue_depth", 1024)
	v.SetDefault("fetch.user_agent", "capmirror/0.1")
	v.SetDefault("fetch.timeout_seconds", 10)
	v.SetDefault("fetch.respect_robots", false)
	v.SetDefault("fetch.rate_limit_rps", 2.0)
	v.SetDefault("fetch.rate_limit_burst", 4)
	v.SetDefault("purge.days_to_keep", 7)
	v.SetDefault("purge.batch_size", 20)
	v.SetDefault("scheduler.enabled", true)
	v.SetDefault("scheduler.epoch_spec", "@every 1m")
	v.SetDefault("scheduler.purge_spec", "")
	v.SetDefault("scheduler.job_timeout_seconds", 600)
	v.SetDefault("storage.backend", "memory")
	v.SetDefault("storage.blob_backend", "none")
	v.SetDefault("storage.prefix", "cap")
	v.SetDefault("storage.content_type", "application/cap+xml")
	v.SetDefault("storage.gcs_bucket", "")
	v.SetDefault("storage.local_dir", "")
	v.SetDefault("database.dsn", "")
	v.SetDefault("database.max_conns", 0)
	v.SetDefault("database.min_conns", 0)
	v.SetDefault("database.max_conn_lifetime_seconds", 0)
	v.SetDefault("queue.backend", "memory")
	v.SetDefault("pubsub.project_id", "")
	v.SetDefault("pubsub.push_topic", "capmirror-push")
	v.SetDefault("pubsub.push_subscription", "capmirror-push")
	v.SetDefault("pubsub.worker_topic", "capmirror-worker")
	v.SetDefault("pubsub.worker_subscription", "capmirror-worker")
	v.SetDefault("pubsub.events_topic", "")
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.key_prefix", "capmirror:lock:")
	v.SetDefault("s3.bucket", "")
	v.SetDefault("s3.region", "")
	v.SetDefault("s3.endpoint", "")
	v.SetDefault("s3.use_path_style", false)
	v.SetDefault("telemetry.service_name", "capmirror")
	v.SetDefault("telemetry.version", "dev")
	v.SetDefault("telemetry.sample_ratio", 0.0)
	v.SetDefault("telemetry.log_spans", false)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	if err := oneOf("crawl.epoch_lock", c.Crawl.EpochLock, "store", "redis", "none"); err != nil {
		return err
	}
	if c.Crawl.EpochLock != "none" && c.Crawl.LockTTLSeconds <= 0 {
		return fmt.Errorf("crawl.lock_ttl_seconds must be > 0")
	}
	if c.Crawl.EpochLock == "redis" && c.Redis.Addr == "" {
		return fmt.Errorf("redis.addr is required when crawl.epoch_lock is redis")
	}
	if c.Worker.PushWorkers <= 0 || c.Worker.ShardWorkers <= 0 {
		return fmt.Errorf("worker.push_workers and worker.shard_workers must be > 0")
	}
	if c.Worker.MaxAttempts < 1 {
		return fmt.Errorf("worker.max_attempts must be >= 1")
	}
	if c.Fetch.TimeoutSeconds <= 0 {
		return fmt.Errorf("fetch.timeout_seconds must be > 0")
	}
	if c.Purge.DaysToKeep < 0 {
		return fmt.Errorf("purge.days_to_keep must be >= 0")
	}
	if c.Purge.BatchSize <= 0 || c.Purge.BatchSize > 500 {
		return fmt.Errorf("purge.batch_size must be between 1 and 500")
	}
	if err := c.Scheduler.validate(); err != nil {
		return err
	}
	if err := c.validateStorage(); err != nil {
		return err
	}
	if err := oneOf("queue.backend", c.Queue.Backend, "memory", "pubsub"); err != nil {
		return err
	}
	if c.Queue.Backend == "pubsub" {
		if c.PubSub.ProjectID == "" {
			return fmt.Errorf("pubsub.project_id is required when queue.backend is pubsub")
		}
		if c.PubSub.PushTopic == "" || c.PubSub.PushSubscription == "" ||
			c.PubSub.WorkerTopic == "" || c.PubSub.WorkerSubscription == "" {
			return fmt.Errorf("pubsub topics and subscriptions are required when queue.backend is pubsub")
		}
	}
	if c.PubSub.EventsTopic != "" && c.PubSub.ProjectID == "" {
		return fmt.Errorf("pubsub.project_id is required when pubsub.events_topic is set")
	}
	if c.Telemetry.SampleRatio < 0 || c.Telemetry.SampleRatio > 1 {
		return fmt.Errorf("telemetry.sample_ratio must be between 0 and 1")
	}
	return nil
}

func (c Config) validateStorage() error {
	if err := oneOf("storage.backend", c.Storage.Backend, "memory", "postgres"); err != nil {
		return err
	}
	if c.Storage.Backend == "postgres" && c.Database.DSN == "" {
		return fmt.Errorf("database.dsn is required when storage.backend is postgres")
	}
	if err := oneOf("storage.blob_backend", c.Storage.BlobBackend, "none", "memory", "local", "gcs", "s3"); err != nil {
		return err
	}
	switch c.Storage.BlobBackend {
	case "local":
		if c.Storage.LocalDir == "" {
			return fmt.Errorf("storage.local_dir is required when storage.blob_backend is local")
		}
	case "gcs":
		if c.Storage.GCSBucket == "" {
			return fmt.Errorf("storage.gcs_bucket is required when storage.blob_backend is gcs")
		}
	case "s3":
		if c.S3.Bucket == "" {
			return fmt.Errorf("s3.bucket is required when storage.blob_backend is s3")
		}
	}
	return nil
}

func (s SchedulerConfig) validate() error {
	if !s.Enabled {
		return nil
	}
	if s.JobTimeoutSeconds <= 0 {
		return fmt.Errorf("scheduler.job_timeout_seconds must be > 0")
	}
	if _, err := cron.ParseStandard(s.EpochSpec); err != nil {
		return fmt.Errorf("scheduler.epoch_spec: %w", err)
	}
	if s.PurgeSpec != "" {
		if _, err := cron.ParseStandard(s.PurgeSpec); err != nil {
			return fmt.Errorf("scheduler.purge_spec: %w", err)
		}
	}
	return nil
}

func oneOf(key, value string, allowed ...string) error {
	for _, a := range allowed {
		if value == a {
			return nil
		}
	}
	return fmt.Errorf("%s must be one of %s, got %q", key, strings.Join(allowed, ", "), value)
}

// FetchTimeout returns the per-request fetch deadline.
func (c Config) FetchTimeout() time.Duration {
	return time.Duration(c.Fetch.TimeoutSeconds) * time.Second
}

// JobTimeout bounds one scheduled epoch or purge run.
func (c Config) JobTimeout() time.Duration {
	return time.Duration(c.Scheduler.JobTimeoutSeconds) * time.Second
}

// LockTTL returns the epoch lease duration.
func (c Config) LockTTL() time.Duration {
	return time.Duration(c.Crawl.LockTTLSeconds) * time.Second
}

// ShutdownTimeout bounds graceful HTTP shutdown.
func (c Config) ShutdownTimeout() time.Duration {
	return time.Duration(c.Server.ShutdownTimeoutSeconds) * time.Second
}
