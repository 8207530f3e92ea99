package am

import (
	"sync"
)

// Settings is the live settings lookup consulted by running publish jobs.
// Values are swapped atomically on reload so a run in flight sees hard-stop
// changes at its late-stage cancellation check.
type Settings struct {
	mu    sync.RWMutex
	cfg   Config
	trace bool
}

// NewSettings wraps a loaded configuration
func NewSettings(cfg *Config) *Settings {
	s := &Settings{}
	if cfg != nil {
		s.cfg = *cfg
	}
	return s
}

// Update replaces the current configuration. It has the ReloadCallback shape
// so it can be registered with ConfigWatcher.OnReload.
func (s *Settings) Update(cfg *Config) error {
	if cfg == nil {
		return nil
	}
	s.mu.Lock()
	s.cfg = *cfg
	s.mu.Unlock()
	return nil
}

// Snapshot returns a copy of the current configuration
func (s *Settings) Snapshot() Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg
}

// HardStop reports whether a cancelled run must fail
func (s *Settings) HardStop() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg.Publish.HardStop
}

// MaxConcurrentThreads returns the admission budget, minimum 1
func (s *Settings) MaxConcurrentThreads() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg.GetMaxConcurrentThreads()
}

// TraceToLog reports whether per-item trace lines are written
func (s *Settings) TraceToLog() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.trace || s.cfg.Publish.TraceToLog
}

// ForceTrace turns per-item tracing on for the life of s. Reloads do not
// turn it back off.
func (s *Settings) ForceTrace() {
	s.mu.Lock()
	s.trace = true
	s.mu.Unlock()
}

// MaxItemsPerSecond returns the target write throttle, 0 meaning unlimited
func (s *Settings) MaxItemsPerSecond() float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg.Publish.MaxItemsPerSecond
}

// JobExpirySeconds returns the wall-clock budget of a run, 0 meaning none
func (s *Settings) JobExpirySeconds() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg.Publish.JobExpirySeconds
}

// Watch keeps s in sync with the file watched by w
func (s *Settings) Watch(w *ConfigWatcher) {
	w.OnReload(s.Update)
}
