// Package config loads the projectsync process configuration from defaults,
// an optional YAML or TOML file and PROJECTSYNC_* environment variables.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/jdziat/projectsync/pkg/erp"
	"github.com/jdziat/projectsync/pkg/report"
	"github.com/jdziat/projectsync/pkg/sapsync"
	"github.com/jdziat/projectsync/pkg/storage"
)

// EnvPrefix prefixes every environment variable; "." in a key becomes "_".
// sync.chunk_size is read from PROJECTSYNC_SYNC_CHUNK_SIZE.
const EnvPrefix = "PROJECTSYNC"

// Config is the process configuration.
type Config struct {
	Database DatabaseConfig `mapstructure:"database"`
	ERP      ERPConfig      `mapstructure:"erp"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Sync     sapsync.Config `mapstructure:"sync"`
	Worker   WorkerConfig   `mapstructure:"worker"`
	Reports  ReportsConfig  `mapstructure:"reports"`
	HTTP     HTTPConfig     `mapstructure:"http"`
	Log      LogConfig      `mapstructure:"log"`
}

// DatabaseConfig selects the gorm driver.
type DatabaseConfig struct {
	Driver string `mapstructure:"driver"` // sqlite or postgres
	DSN    string `mapstructure:"dsn"`
	Pool   string `mapstructure:"pool"` // storage.PoolPreset name

	// MaxOpenConns overrides the preset when positive.
	MaxOpenConns int `mapstructure:"max_open_conns"`
}

// ERPConfig holds the two ERP services.
type ERPConfig struct {
	Info    erp.Config `mapstructure:"info"`
	Actuals erp.Config `mapstructure:"actuals"`
}

// RedisConfig enables the shared ERP rate limit when Addr is set.
type RedisConfig struct {
	Addr     string  `mapstructure:"addr"`
	Password string  `mapstructure:"password"`
	DB       int     `mapstructure:"db"`
	Key      string  `mapstructure:"key"`
	Burst    int     `mapstructure:"burst"`
	Rate     float64 `mapstructure:"rate"` // tokens per second
}

// WorkerConfig tunes the job worker.
type WorkerConfig struct {
	PollInterval    time.Duration `mapstructure:"poll_interval"`
	ScheduleTick    time.Duration `mapstructure:"schedule_tick"`
	ExpiryTick      time.Duration `mapstructure:"expiry_tick"`
	EnableScheduler bool          `mapstructure:"enable_scheduler"`
}

// ReportsConfig selects where report files are kept.
type ReportsConfig struct {
	Sink        string          `mapstructure:"sink"` // db or s3
	Concurrency int             `mapstructure:"concurrency"`
	S3          report.S3Config `mapstructure:"s3"`
}

// HTTPConfig configures the operator API.
type HTTPConfig struct {
	Addr            string        `mapstructure:"addr"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// LogConfig configures the process logger. An empty File logs to stderr.
type LogConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"` // text or json
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
}

func setDefaults(v *viper.Viper) {
	sync := sapsync.DefaultConfig()

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.dsn", "projectsync.db")
	v.SetDefault("database.pool", "")
	v.SetDefault("database.max_open_conns", 0)

	for _, svc := range []string{"info", "actuals"} {
		v.SetDefault("erp."+svc+".name", svc)
		v.SetDefault("erp."+svc+".base_url", "")
		v.SetDefault("erp."+svc+".username", "")
		v.SetDefault("erp."+svc+".password", "")
		v.SetDefault("erp."+svc+".timeout", erp.DefaultTimeout)
		v.SetDefault("erp."+svc+".session_path", "")
	}

	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.key", "projectsync:erp")
	v.SetDefault("redis.burst", 20)
	v.SetDefault("redis.rate", 10.0)

	v.SetDefault("sync.companies", []string{})
	v.SetDefault("sync.chunk_size", sync.ChunkSize)
	v.SetDefault("sync.start_year", sync.StartYear)
	v.SetDefault("sync.end_year", sync.EndYear)
	v.SetDefault("sync.concurrency", sync.Concurrency)
	v.SetDefault("sync.trigger_concurrency", sync.TriggerConcurrency)
	v.SetDefault("sync.cron", sync.Cron)
	v.SetDefault("sync.read_retries", 2)

	v.SetDefault("worker.poll_interval", time.Second)
	v.SetDefault("worker.schedule_tick", 15*time.Second)
	v.SetDefault("worker.expiry_tick", 30*time.Second)
	v.SetDefault("worker.enable_scheduler", true)

	v.SetDefault("reports.sink", "db")
	v.SetDefault("reports.concurrency", 2)
	v.SetDefault("reports.s3.bucket", "")
	v.SetDefault("reports.s3.prefix", "reports")
	v.SetDefault("reports.s3.region", "us-east-1")
	v.SetDefault("reports.s3.endpoint", "")
	v.SetDefault("reports.s3.path_style", false)

	v.SetDefault("http.addr", ":8080")
	v.SetDefault("http.read_timeout", 15*time.Second)
	v.SetDefault("http.shutdown_timeout", 30*time.Second)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size_mb", 100)
	v.SetDefault("log.max_backups", 3)
	v.SetDefault("log.max_age_days", 28)
}

// New returns a viper instance with defaults and environment binding.
func New() *viper.Viper {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads file, if given, then the environment, and validates the
// result.
func Load(file string) (Config, error) {
	v := New()
	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("config: read %s: %w", file, err)
		}
	}
	return Decode(v)
}

// Decode unmarshals and validates v.
func Decode(v *viper.Viper) (Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: decode: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks values viper cannot.
func (c Config) Validate() error {
	var errs []error

	switch c.Database.Driver {
	case "sqlite", "postgres":
	default:
		errs = append(errs, fmt.Errorf("config: unknown database driver %q", c.Database.Driver))
	}
	if c.Database.DSN == "" {
		errs = append(errs, errors.New("config: database.dsn is required"))
	}
	if _, err := storage.PoolPreset(c.Database.Pool); err != nil {
		errs = append(errs, fmt.Errorf("config: %w", err))
	}

	switch c.Reports.Sink {
	case "db":
	case "s3":
		if c.Reports.S3.Bucket == "" {
			errs = append(errs, errors.New("config: reports.s3.bucket is required for the s3 sink"))
		}
	default:
		errs = append(errs, fmt.Errorf("config: unknown report sink %q", c.Reports.Sink))
	}

	if c.Redis.Addr != "" && (c.Redis.Burst < 1 || c.Redis.Rate <= 0) {
		errs = append(errs, errors.New("config: redis rate limit needs a positive burst and rate"))
	}

	switch c.Log.Format {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("config: unknown log format %q", c.Log.Format))
	}

	if err := c.Sync.Validate(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
