package sapsync

import (
	"fmt"

	"github.com/jdziat/projectsync/pkg/schedule"
	"github.com/jdziat/projectsync/pkg/security"
)

// Queue names.
const (
	TriggerQueue = "sap-sync"
	ProjectQueue = "sap-sync-project"
)

// Config tunes a sync cycle.
type Config struct {
	// Companies are the company codes enumerated by every trigger.
	Companies []string `mapstructure:"companies"`
	// ChunkSize bounds how many child jobs one batch insert carries.
	ChunkSize int `mapstructure:"chunk_size"`
	// StartYear and EndYear bound the refresh window. EndYear 0 means the
	// current year.
	StartYear int `mapstructure:"start_year"`
	EndYear   int `mapstructure:"end_year"`
	// Concurrency caps child jobs per process; TriggerConcurrency caps
	// trigger jobs.
	Concurrency        int `mapstructure:"concurrency"`
	TriggerConcurrency int `mapstructure:"trigger_concurrency"`
	// Cron is used by EnableSyncSchedule when no expression is given.
	Cron string `mapstructure:"cron"`
	// ReadRetries is how often a failed ERP read is retried inside one job.
	ReadRetries int `mapstructure:"read_retries"`
}

// DefaultConfig returns the defaults: chunks of 50, daily at 03:00 UTC.
func DefaultConfig() Config {
	return Config{
		ChunkSize:          50,
		StartYear:          2015,
		Concurrency:        5,
		TriggerConcurrency: 1,
		Cron:               "0 3 * * *",
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.ChunkSize < 1 || c.ChunkSize > security.MaxBatchSize {
		return fmt.Errorf("sapsync: chunk size %d out of range", c.ChunkSize)
	}
	if c.EndYear != 0 && c.EndYear < c.StartYear {
		return fmt.Errorf("sapsync: end year %d before start year %d", c.EndYear, c.StartYear)
	}
	if c.ReadRetries < 0 {
		return fmt.Errorf("sapsync: negative read retries")
	}
	if c.Cron != "" {
		if err := schedule.Validate(c.Cron); err != nil {
			return fmt.Errorf("sapsync: %w", err)
		}
	}
	return nil
}
