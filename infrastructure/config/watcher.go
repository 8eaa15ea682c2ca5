package config

import (
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// BindingsWatcher watches the local-development bindings file for changes
// and keeps the most recently valid bindings map available. The hosted
// runtime never uses it; it exists so the development harness can edit
// bindings without restarting the worker.
type BindingsWatcher struct {
	path    string
	watcher *fsnotify.Watcher
	logger  *zap.Logger
	stopCh  chan struct{}

	mu       sync.RWMutex
	current  map[string]string
	onChange []func(map[string]string)
}

// NewBindingsWatcher loads the bindings file and starts tracking it.
func NewBindingsWatcher(path string, logger *zap.Logger) (*BindingsWatcher, error) {
	bindings, err := LoadBindingsFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load initial bindings: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}

	if err := watcher.Add(path); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("failed to watch bindings file: %w", err)
	}

	// Also watch the directory for atomic saves (rename operations)
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		logger.Warn("Failed to watch bindings directory", zap.Error(err))
	}

	return &BindingsWatcher{
		path:    path,
		watcher: watcher,
		logger:  logger,
		stopCh:  make(chan struct{}),
		current: bindings,
	}, nil
}

// Start begins watching for bindings changes
func (w *BindingsWatcher) Start() {
	go w.watchLoop()
	w.logger.Info("Bindings watcher started", zap.String("path", w.path))
}

// Stop stops watching for bindings changes
func (w *BindingsWatcher) Stop() {
	close(w.stopCh)
	w.watcher.Close()
	w.logger.Info("Bindings watcher stopped")
}

// watchLoop is the main loop that watches for file changes
func (w *BindingsWatcher) watchLoop() {
	// Debounce timer to avoid multiple reloads on editor write patterns
	var debounceTimer *time.Timer
	debounceDuration := 100 * time.Millisecond

	for {
		select {
		case <-w.stopCh:
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != filepath.Base(w.path) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				if debounceTimer != nil {
					debounceTimer.Stop()
				}
				debounceTimer = time.AfterFunc(debounceDuration, func() {
					w.handleChange()
				})
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error("File watcher error", zap.Error(err))
		}
	}
}

// handleChange reloads the bindings file, keeping the current bindings
// when the new file does not parse.
func (w *BindingsWatcher) handleChange() {
	w.logger.Info("Bindings file changed, reloading", zap.String("path", w.path))

	bindings, err := LoadBindingsFile(w.path)
	if err != nil {
		w.logger.Error("Failed to reload bindings, keeping current", zap.Error(err))
		return
	}

	w.mu.Lock()
	w.current = bindings
	handlers := append(([]func(map[string]string))(nil), w.onChange...)
	w.mu.Unlock()

	// Each callback gets its own copy so a mutating subscriber cannot race
	// with Current() readers or other subscribers.
	for _, handler := range handlers {
		go handler(copyBindings(bindings))
	}

	w.logger.Info("Bindings reloaded", zap.Int("count", len(bindings)))
}

// OnChange registers a callback for bindings changes
func (w *BindingsWatcher) OnChange(handler func(map[string]string)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.onChange = append(w.onChange, handler)
}

// Current returns a copy of the most recently loaded bindings
func (w *BindingsWatcher) Current() map[string]string {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return copyBindings(w.current)
}

func copyBindings(bindings map[string]string) map[string]string {
	out := make(map[string]string, len(bindings))
	for k, v := range bindings {
		out[k] = v
	}
	return out
}
