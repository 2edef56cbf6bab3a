package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/redis/go-redis/v9"
	"gopkg.in/natefinch/lumberjack.v2"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/jdziat/projectsync"
	"github.com/jdziat/projectsync/internal/config"
	"github.com/jdziat/projectsync/pkg/api"
	"github.com/jdziat/projectsync/pkg/erp"
	"github.com/jdziat/projectsync/pkg/ratelimit"
	"github.com/jdziat/projectsync/pkg/report"
	"github.com/jdziat/projectsync/pkg/storage"
	"github.com/jdziat/projectsync/pkg/telemetry"
	"github.com/jdziat/projectsync/pkg/worker"
)

var _ api.Service = (*projectsync.App)(nil)

// newLogger builds the process logger. The returned closer flushes the log
// file, if any.
func newLogger(cfg config.LogConfig) (*slog.Logger, io.Closer, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		return nil, nil, fmt.Errorf("log level %q: %w", cfg.Level, err)
	}

	var out io.Writer = os.Stderr
	var closer io.Closer = io.NopCloser(nil)
	if cfg.File != "" {
		lj := &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
		}
		out, closer = lj, lj
	}

	opts := &slog.HandlerOptions{Level: level}
	var h slog.Handler
	if strings.EqualFold(cfg.Format, "json") {
		h = slog.NewJSONHandler(out, opts)
	} else {
		h = slog.NewTextHandler(out, opts)
	}
	return slog.New(h), closer, nil
}

func openDB(cfg config.DatabaseConfig) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch cfg.Driver {
	case "postgres":
		dialector = postgres.Open(cfg.DSN)
	default:
		dialector = sqlite.Open(cfg.DSN)
	}

	db, err := gorm.Open(dialector, &gorm.Config{Logger: logger.Default.LogMode(logger.Warn)})
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", cfg.Driver, err)
	}

	preset := cfg.Pool
	if preset == "" && cfg.Driver == "sqlite" {
		preset = "sqlite"
	}
	pool, err := storage.PoolPreset(preset)
	if err != nil {
		return nil, err
	}
	poolOpts := []storage.PoolOption{storage.WithPoolConfig(pool)}
	if cfg.MaxOpenConns > 0 {
		poolOpts = append(poolOpts, storage.MaxOpenConns(cfg.MaxOpenConns))
	}
	if err := storage.ConfigurePool(db, poolOpts...); err != nil {
		return nil, err
	}
	return db, nil
}

func erpOptions(cfg config.RedisConfig, l *slog.Logger) []erp.Option {
	opts := []erp.Option{erp.WithLogger(l), erp.WithObserver(telemetry.ObserveERP)}
	if cfg.Addr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Addr,
			Password: cfg.Password,
			DB:       cfg.DB,
		})
		bucket := ratelimit.NewTokenBucket(client, cfg.Key, cfg.Burst, cfg.Rate)
		opts = append(opts, erp.WithLimiter(telemetry.CountRejects(bucket)))
	}
	return opts
}

// buildApp assembles the pipeline from cfg.
func buildApp(ctx context.Context, cfg config.Config, l *slog.Logger) (*projectsync.App, error) {
	db, err := openDB(cfg.Database)
	if err != nil {
		return nil, err
	}

	erpOpts := erpOptions(cfg.Redis, l)
	info := erp.New(cfg.ERP.Info, erpOpts...)
	ledger := erp.New(cfg.ERP.Actuals, erpOpts...)

	opts := []projectsync.Option{
		projectsync.WithLogger(l),
		projectsync.WithMetrics(true),
		projectsync.WithReportConcurrency(cfg.Reports.Concurrency),
		projectsync.WithWorkerOptions(
			worker.PollInterval(cfg.Worker.PollInterval),
			worker.ScheduleTick(cfg.Worker.ScheduleTick),
			worker.ExpiryTick(cfg.Worker.ExpiryTick),
			worker.WithScheduler(cfg.Worker.EnableScheduler),
		),
	}
	if cfg.Reports.Sink == "s3" {
		sink, err := report.NewS3Sink(ctx, cfg.Reports.S3)
		if err != nil {
			return nil, err
		}
		opts = append(opts, projectsync.WithReportSink(sink))
	}

	return projectsync.New(db, cfg.Sync, info, ledger, opts...)
}

// setup loads the configuration and the logger shared by every command.
func setup() (config.Config, *slog.Logger, io.Closer, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return config.Config{}, nil, nil, err
	}
	l, closer, err := newLogger(cfg.Log)
	if err != nil {
		return config.Config{}, nil, nil, err
	}
	slog.SetDefault(l)
	return cfg, l, closer, nil
}
