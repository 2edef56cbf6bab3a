package storage

import (
	"fmt"
	"sort"
	"time"

	"gorm.io/gorm"
)

// PoolConfig sizes the database/sql pool behind gorm.
type PoolConfig struct {
	MaxOpenConns    int // 0 is unlimited
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

// DefaultPoolConfig suits one worker running the default child concurrency
// next to the operator API.
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		MaxOpenConns:    25,
		MaxIdleConns:    10,
		ConnMaxLifetime: 5 * time.Minute,
		ConnMaxIdleTime: time.Minute,
	}
}

// SQLitePoolConfig pins the pool to one connection. SQLite has a single
// writer and every ":memory:" connection is a separate database.
func SQLitePoolConfig() PoolConfig {
	return PoolConfig{MaxOpenConns: 1, MaxIdleConns: 1}
}

var poolPresets = map[string]func() PoolConfig{
	"default": DefaultPoolConfig,
	"sqlite":  SQLitePoolConfig,
	// Child concurrency above ~20 plus a busy report queue.
	"sync-heavy": func() PoolConfig {
		return PoolConfig{MaxOpenConns: 100, MaxIdleConns: 25, ConnMaxLifetime: 10 * time.Minute, ConnMaxIdleTime: 2 * time.Minute}
	},
	// Shared municipal database servers with a low max_connections.
	"constrained": func() PoolConfig {
		return PoolConfig{MaxOpenConns: 10, MaxIdleConns: 5, ConnMaxLifetime: 3 * time.Minute, ConnMaxIdleTime: 30 * time.Second}
	},
}

// PoolPresets lists the preset names accepted by PoolPreset.
func PoolPresets() []string {
	names := make([]string, 0, len(poolPresets))
	for name := range poolPresets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// PoolPreset returns the named preset; "" is "default".
func PoolPreset(name string) (PoolConfig, error) {
	if name == "" {
		name = "default"
	}
	preset, ok := poolPresets[name]
	if !ok {
		return PoolConfig{}, fmt.Errorf("storage: unknown pool preset %q (want one of %v)", name, PoolPresets())
	}
	return preset(), nil
}

// PoolOption adjusts a PoolConfig.
type PoolOption interface {
	applyPool(*PoolConfig)
}

type poolOptionFunc func(*PoolConfig)

func (f poolOptionFunc) applyPool(c *PoolConfig) { f(c) }

// WithPoolConfig replaces every setting with cfg.
func WithPoolConfig(cfg PoolConfig) PoolOption {
	return poolOptionFunc(func(c *PoolConfig) { *c = cfg })
}

// MaxOpenConns overrides the open connection limit.
func MaxOpenConns(n int) PoolOption {
	return poolOptionFunc(func(c *PoolConfig) { c.MaxOpenConns = n })
}

// MaxIdleConns overrides the idle connection limit.
func MaxIdleConns(n int) PoolOption {
	return poolOptionFunc(func(c *PoolConfig) { c.MaxIdleConns = n })
}

// ConfigurePool applies opts on top of DefaultPoolConfig to db's pool.
func ConfigurePool(db *gorm.DB, opts ...PoolOption) error {
	cfg := DefaultPoolConfig()
	for _, opt := range opts {
		opt.applyPool(&cfg)
	}
	if cfg.MaxIdleConns > cfg.MaxOpenConns && cfg.MaxOpenConns > 0 {
		cfg.MaxIdleConns = cfg.MaxOpenConns
	}

	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("storage: underlying *sql.DB: %w", err)
	}
	sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	sqlDB.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)
	return nil
}
