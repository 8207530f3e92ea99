package am

import (
	"fmt"
	"runtime"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/spf13/viper"
)

// SetDefaults configures default values for all configuration options
func SetDefaults(v *viper.Viper) {
	// Database defaults
	v.SetDefault("database.path", "publish.db")

	// Publish scheduler defaults
	v.SetDefault("publish.max_concurrent_threads", DefaultMaxConcurrentThreads())
	v.SetDefault("publish.hard_stop", false)
	v.SetDefault("publish.trace_to_log", false)
	v.SetDefault("publish.deep", true)
	v.SetDefault("publish.mode", ModeSmart)
	v.SetDefault("publish.max_items_per_second", 0.0)
	v.SetDefault("publish.job_expiry_seconds", 0)
	v.SetDefault("publish.source", "master")
	v.SetDefault("publish.target", "web")

	// Job registry defaults
	v.SetDefault("jobs.workers", 1)
	v.SetDefault("jobs.history_limit", 200)

	v.SetDefault("log.json", false)
}

// BindEnvVars explicitly binds the settings operators most often override
func BindEnvVars(v *viper.Viper) {
	v.BindEnv("database.path", "PUBLISH_DATABASE_PATH")
	v.BindEnv("publish.hard_stop", "PUBLISH_HARD_STOP")
	v.BindEnv("publish.max_concurrent_threads", "PUBLISH_MAX_CONCURRENT_THREADS")
}

// DefaultMaxConcurrentThreads returns the number of logical processing units,
// never less than 1.
func DefaultMaxConcurrentThreads() int {
	n, err := cpu.Counts(true)
	if err != nil || n < 1 {
		n = runtime.NumCPU()
	}
	if n < 1 {
		return 1
	}
	return n
}

// GetDatabasePath returns the configured database path
func (c *Config) GetDatabasePath() string {
	if c.Database.Path == "" {
		return "publish.db" // Fallback default
	}
	return c.Database.Path
}

// GetMaxConcurrentThreads returns the thread budget with the minimum of 1 applied
func (c *Config) GetMaxConcurrentThreads() int {
	if c.Publish.MaxConcurrentThreads < 1 {
		return DefaultMaxConcurrentThreads()
	}
	return c.Publish.MaxConcurrentThreads
}

// GetMode returns the default publish mode (default: smart)
func (c *Config) GetMode() string {
	if c.Publish.Mode == "" {
		return ModeSmart
	}
	return c.Publish.Mode
}

// GetJobsWorkers returns the job worker count (default: 1)
func (c *Config) GetJobsWorkers() int {
	if c.Jobs.Workers < 1 {
		return 1
	}
	return c.Jobs.Workers
}

// String returns a string representation of the config
func (c *Config) String() string {
	return fmt.Sprintf("Config{Database: %s, Publish: {Threads: %d, HardStop: %t, Mode: %s}, Jobs: {Workers: %d}}",
		c.Database.Path, c.Publish.MaxConcurrentThreads, c.Publish.HardStop, c.Publish.Mode, c.Jobs.Workers)
}
