package scheduler

import (
	"time"
)

// Config controls scheduler intervals and batch sizes.
type Config struct {
	RunInterval       time.Duration
	ReconcileInterval time.Duration
	ReconcileMode     string
	BatchSize         int
	OutboxBatchSize   int
	EnabledJobs       []string
}

func DefaultConfig() Config {
	return Config{
		RunInterval:       time.Minute,
		ReconcileInterval: 15 * time.Minute,
		ReconcileMode:     "repair",
		BatchSize:         100,
		OutboxBatchSize:   25,
	}
}

func (c Config) withDefaults() Config {
	defaults := DefaultConfig()
	if c.RunInterval <= 0 {
		c.RunInterval = defaults.RunInterval
	}
	if c.ReconcileInterval <= 0 {
		c.ReconcileInterval = defaults.ReconcileInterval
	}
	if c.ReconcileMode == "" {
		c.ReconcileMode = defaults.ReconcileMode
	}
	if c.BatchSize <= 0 {
		c.BatchSize = defaults.BatchSize
	}
	if c.OutboxBatchSize <= 0 {
		c.OutboxBatchSize = defaults.OutboxBatchSize
	}
	return c
}
