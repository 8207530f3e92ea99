package am

import "github.com/teranos/publish/errors"

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	// Thread budget: 0 = use CPU count, negative = invalid
	if c.Publish.MaxConcurrentThreads < 0 {
		return errors.Newf("publish.max_concurrent_threads must be >= 0, got %d", c.Publish.MaxConcurrentThreads)
	}

	switch c.Publish.Mode {
	case "", ModeSingle, ModeSmart, ModeIncremental, ModeFull:
	default:
		return errors.WithHint(
			errors.Newf("publish.mode %q is not a publish mode", c.Publish.Mode),
			"use one of: single, smart, incremental, full")
	}

	if c.Publish.MaxItemsPerSecond < 0 {
		return errors.Newf("publish.max_items_per_second must be >= 0, got %f", c.Publish.MaxItemsPerSecond)
	}
	if c.Publish.JobExpirySeconds < 0 {
		return errors.Newf("publish.job_expiry_seconds must be >= 0, got %d", c.Publish.JobExpirySeconds)
	}
	if c.Publish.Source != "" && c.Publish.Source == c.Publish.Target {
		return errors.Newf("publish.source and publish.target must differ, both are %q", c.Publish.Source)
	}

	// Jobs workers: 0 = one worker, negative = invalid
	if c.Jobs.Workers < 0 {
		return errors.Newf("jobs.workers must be >= 0, got %d", c.Jobs.Workers)
	}
	if c.Jobs.HistoryLimit < 0 {
		return errors.Newf("jobs.history_limit must be >= 0, got %d", c.Jobs.HistoryLimit)
	}

	return nil
}
