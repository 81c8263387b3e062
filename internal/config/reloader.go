package config

import (
	"fmt"
	"maps"
	"os"
	"os/signal"
	"path/filepath"
	"slices"
	"sync"
	"syscall"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
)

// ReloadCallback is invoked with the previous and the new configuration
// after a reload passed validation. Returning an error keeps the previous
// configuration current.
type ReloadCallback func(old, new *Config) error

// ConfigReloader reloads the configuration file when it changes on disk or
// when the process receives SIGHUP.
type ConfigReloader struct {
	path     string
	logger   *logrus.Logger
	watcher  *fsnotify.Watcher
	signals  chan os.Signal
	done     chan struct{}
	stopOnce sync.Once

	mu       sync.RWMutex
	current  *Config
	onReload ReloadCallback
}

// NewConfigReloader creates a reloader for the file at path. With an empty
// path only SIGHUP triggers a reload, from environment variables alone.
func NewConfigReloader(path string, cfg *Config, logger *logrus.Logger) (*ConfigReloader, error) {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	r := &ConfigReloader{
		path:    path,
		logger:  logger,
		signals: make(chan os.Signal, 1),
		done:    make(chan struct{}),
		current: cfg,
	}

	if path != "" {
		watcher, err := fsnotify.NewWatcher()
		if err != nil {
			return nil, fmt.Errorf("failed to create config watcher: %w", err)
		}
		// Watch the directory so that editors replacing the file by rename
		// are still observed.
		if err := watcher.Add(filepath.Dir(path)); err != nil {
			watcher.Close()
			return nil, fmt.Errorf("failed to watch %s: %w", filepath.Dir(path), err)
		}
		r.watcher = watcher
	}

	signal.Notify(r.signals, syscall.SIGHUP)
	return r, nil
}

// SetOnReloadCallback sets the function applied to each accepted reload.
func (r *ConfigReloader) SetOnReloadCallback(cb ReloadCallback) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onReload = cb
}

// GetCurrentConfig returns a copy of the current configuration.
func (r *ConfigReloader) GetCurrentConfig() *Config {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cfg := *r.current
	cfg.PolicyFiles = slices.Clone(r.current.PolicyFiles)
	cfg.Storage.Overrides = maps.Clone(r.current.Storage.Overrides)
	cfg.Logging.RedactHeaders = slices.Clone(r.current.Logging.RedactHeaders)
	return &cfg
}

// Start processes file events and signals until Stop is called.
func (r *ConfigReloader) Start() {
	var events chan fsnotify.Event
	var errs chan error
	if r.watcher != nil {
		events = r.watcher.Events
		errs = r.watcher.Errors
	}

	for {
		select {
		case <-r.done:
			return
		case <-r.signals:
			r.logger.Info("Received SIGHUP, reloading configuration")
			r.reload()
		case event, ok := <-events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(r.path) {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) {
				r.logger.WithField("path", r.path).Info("Configuration file changed, reloading")
				r.reload()
			}
		case err, ok := <-errs:
			if !ok {
				return
			}
			r.logger.WithError(err).Warn("Configuration watcher error")
		}
	}
}

// Stop ends Start and releases the watcher.
func (r *ConfigReloader) Stop() {
	r.stopOnce.Do(func() {
		signal.Stop(r.signals)
		close(r.done)
		if r.watcher != nil {
			r.watcher.Close()
		}
	})
}

func (r *ConfigReloader) reload() {
	next, err := LoadConfig(r.path)
	if err != nil {
		r.logger.WithError(err).Error("Failed to reload configuration")
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.validateReloadSafety(r.current, next); err != nil {
		r.logger.WithError(err).Error("Rejected configuration reload")
		return
	}
	if r.onReload != nil {
		if err := r.onReload(r.current, next); err != nil {
			r.logger.WithError(err).Error("Failed to apply reloaded configuration")
			return
		}
	}
	r.current = next
	r.logger.Info("Configuration reloaded")
}

// validateReloadSafety rejects changes that require a restart: the storage
// provider and its properties, the listener and the cache.
func (r *ConfigReloader) validateReloadSafety(old, new *Config) error {
	if old.ListenAddr != new.ListenAddr {
		return fmt.Errorf("listen_addr cannot be changed during hot reload")
	}
	if old.TLS != new.TLS {
		return fmt.Errorf("tls cannot be changed during hot reload")
	}
	if old.Storage.Provider != new.Storage.Provider {
		return fmt.Errorf("storage.provider cannot be changed during hot reload")
	}
	if !maps.Equal(old.Storage.Properties(), new.Storage.Properties()) {
		return fmt.Errorf("storage properties cannot be changed during hot reload")
	}
	if old.Storage.KeyPairs != new.Storage.KeyPairs {
		return fmt.Errorf("storage.key_pairs cannot be changed during hot reload")
	}
	if old.Cache != new.Cache {
		return fmt.Errorf("cache cannot be changed during hot reload")
	}
	return nil
}
