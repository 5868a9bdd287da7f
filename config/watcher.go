package config

import (
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/teamy2/edgegate/internal/logging"
)

// Watcher watches the bootstrap file for changes. Only a subset of the
// bootstrap is safe to apply live (log level, static domains); callbacks
// decide what to pick up.
type Watcher struct {
	watcher    *fsnotify.Watcher
	configPath string
	callbacks  []func(*Bootstrap)
	mu         sync.RWMutex
	debounce   time.Duration
}

// NewWatcher creates a watcher for the given bootstrap file.
func NewWatcher(configPath string) (*Watcher, error) {
	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &Watcher{
		watcher:    fsWatcher,
		configPath: configPath,
		debounce:   500 * time.Millisecond,
	}, nil
}

// OnChange registers a callback invoked with each successfully reloaded
// bootstrap.
func (w *Watcher) OnChange(callback func(*Bootstrap)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.callbacks = append(w.callbacks, callback)
}

// Start begins watching. The directory is watched rather than the file so
// atomic rename-style rewrites are seen.
func (w *Watcher) Start() error {
	if err := w.watcher.Add(filepath.Dir(w.configPath)); err != nil {
		return err
	}
	go w.watch()
	return nil
}

func (w *Watcher) watch() {
	var debounceTimer *time.Timer

	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != filepath.Base(w.configPath) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}

			// Debounce bursts of events from editors and atomic writes
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			debounceTimer = time.AfterFunc(w.debounce, w.reload)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			logging.Warn("Config watcher error", zap.Error(err))
		}
	}
}

func (w *Watcher) reload() {
	cfg, err := LoadBootstrap(w.configPath)
	if err != nil {
		logging.Warn("Config reload failed, keeping previous config",
			zap.String("path", w.configPath),
			zap.Error(err),
		)
		return
	}

	logging.Info("Bootstrap config reloaded", zap.String("path", w.configPath))

	w.mu.RLock()
	callbacks := w.callbacks
	w.mu.RUnlock()
	for _, cb := range callbacks {
		cb(cfg)
	}
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	return w.watcher.Close()
}
