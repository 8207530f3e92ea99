package am

import (
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/teranos/publish/errors"
	"github.com/teranos/publish/logger"
)

// DefaultReloadDebounce collapses the burst of events editors produce on save
const DefaultReloadDebounce = 500 * time.Millisecond

// ReloadCallback receives every configuration that passed validation after a
// change on disk
type ReloadCallback func(*Config) error

// ConfigWatcher reloads a configuration file when it changes and hands the
// result to registered callbacks. The parent directory is watched rather than
// the file so saves that replace the file by rename are still seen.
type ConfigWatcher struct {
	path string
	fs   *fsnotify.Watcher
	load func() (*Config, error)

	mu        sync.Mutex
	callbacks []ReloadCallback
	debounce  time.Duration
	started   bool

	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

// NewConfigWatcher watches path and reloads through the full Load cascade, so
// environment overrides and other config files still apply.
func NewConfigWatcher(path string) (*ConfigWatcher, error) {
	return newConfigWatcher(path, func() (*Config, error) {
		Reset()
		return Load()
	})
}

// NewFileWatcher watches path and reloads only that file
func NewFileWatcher(path string) (*ConfigWatcher, error) {
	return newConfigWatcher(path, func() (*Config, error) {
		return LoadFromFile(path)
	})
}

func newConfigWatcher(path string, load func() (*Config, error)) (*ConfigWatcher, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to resolve config path %s", path)
	}

	fs, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errors.Wrap(err, "failed to create fsnotify watcher")
	}
	if err := fs.Add(filepath.Dir(abs)); err != nil {
		fs.Close()
		return nil, errors.Wrapf(err, "failed to watch config directory of %s", abs)
	}

	return &ConfigWatcher{
		path:     abs,
		fs:       fs,
		load:     load,
		debounce: DefaultReloadDebounce,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}, nil
}

// SetDebounce overrides the quiet period before a reload. Call before Start.
func (cw *ConfigWatcher) SetDebounce(d time.Duration) {
	cw.mu.Lock()
	defer cw.mu.Unlock()
	cw.debounce = d
}

// OnReload registers a callback for validated reloads
func (cw *ConfigWatcher) OnReload(callback ReloadCallback) {
	cw.mu.Lock()
	defer cw.mu.Unlock()
	cw.callbacks = append(cw.callbacks, callback)
}

// Start begins watching in a background goroutine
func (cw *ConfigWatcher) Start() {
	cw.mu.Lock()
	if cw.started {
		cw.mu.Unlock()
		return
	}
	cw.started = true
	debounce := cw.debounce
	cw.mu.Unlock()

	go cw.watchLoop(debounce)
}

func (cw *ConfigWatcher) watchLoop(debounce time.Duration) {
	defer close(cw.done)

	var timer *time.Timer
	var fire <-chan time.Time
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-cw.stop:
			return

		case event, ok := <-cw.fs.Events:
			if !ok {
				return
			}
			if !cw.concerns(event) {
				continue
			}
			logger.Debugw("Config file changed",
				logger.FieldFile, event.Name,
				"op", event.Op.String())
			if timer == nil {
				timer = time.NewTimer(debounce)
			} else {
				timer.Reset(debounce)
			}
			fire = timer.C

		case <-fire:
			fire = nil
			if err := cw.reload(); err != nil {
				logger.Errorw("Config reload failed", logger.FieldPath, cw.path, logger.FieldError, err)
			}

		case err, ok := <-cw.fs.Errors:
			if !ok {
				return
			}
			logger.Warnw("Config watcher error", logger.FieldError, err)
		}
	}
}

// concerns reports whether event changed the watched file's content
func (cw *ConfigWatcher) concerns(event fsnotify.Event) bool {
	if filepath.Clean(event.Name) != cw.path {
		return false
	}
	return event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename)
}

// reload loads and validates the configuration, then runs every callback.
// An invalid file leaves callers on their previous settings.
func (cw *ConfigWatcher) reload() error {
	cfg, err := cw.load()
	if err != nil {
		return errors.Wrap(err, "failed to load config")
	}
	if err := cfg.Validate(); err != nil {
		return errors.Wrap(err, "reloaded config is invalid, keeping previous settings")
	}

	cw.mu.Lock()
	callbacks := append([]ReloadCallback(nil), cw.callbacks...)
	cw.mu.Unlock()

	for _, callback := range callbacks {
		if err := callback(cfg); err != nil {
			logger.Warnw("Config reload callback error", logger.FieldError, err)
		}
	}

	logger.Infow("Config reloaded",
		logger.FieldPath, cw.path,
		"hard_stop", cfg.Publish.HardStop,
		"max_concurrent_threads", cfg.GetMaxConcurrentThreads())
	return nil
}

// Stop ends the watch loop and releases the fsnotify handle
func (cw *ConfigWatcher) Stop() error {
	var err error
	cw.stopOnce.Do(func() {
		close(cw.stop)
		cw.mu.Lock()
		started := cw.started
		cw.mu.Unlock()
		if started {
			<-cw.done
		}
		err = cw.fs.Close()
	})
	return err
}
