package scheduler

import (
	"time"

	"github.com/smallbiznis/meterledger/internal/config"
)

// Config controls scheduler intervals and batch sizes.
type Config struct {
	RunInterval time.Duration
	BatchSize   int
	JobTimeout  time.Duration
	EnabledJobs []string
}

func DefaultConfig() Config {
	return Config{
		RunInterval: time.Minute,
		BatchSize:   200,
		JobTimeout:  5 * time.Minute,
	}
}

// ProvideConfig maps the SCHEDULER_* environment onto Config.
func ProvideConfig(cfg config.Config) Config {
	return Config{
		RunInterval: cfg.Scheduler.TickInterval,
		BatchSize:   cfg.Scheduler.BatchSize,
		JobTimeout:  cfg.Scheduler.JobTimeout,
		EnabledJobs: cfg.Scheduler.EnabledJobs,
	}.withDefaults()
}

func (c Config) withDefaults() Config {
	defaults := DefaultConfig()
	if c.RunInterval <= 0 {
		c.RunInterval = defaults.RunInterval
	}
	if c.BatchSize <= 0 {
		c.BatchSize = defaults.BatchSize
	}
	if c.JobTimeout <= 0 {
		c.JobTimeout = defaults.JobTimeout
	}
	return c
}
