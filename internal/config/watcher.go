package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
)

const watchDebounce = 500 * time.Millisecond

// Watcher reloads the config file into a Store when it changes. An invalid
// file is logged and the previous config stays active.
type Watcher struct {
	store       *Store
	path        string
	watcher     *fsnotify.Watcher
	callbacks   []func(*Config)
	stopCh      chan struct{}
	mu          sync.RWMutex
	running     bool
	lastModTime time.Time
	debounce    time.Duration
}

// NewWatcher creates a watcher for the file the store's config was loaded
// from.
func NewWatcher(store *Store) (*Watcher, error) {
	path := store.Current().Path()
	if path == "" {
		return nil, fmt.Errorf("config was not loaded from a file")
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}
	return &Watcher{
		store:    store,
		path:     path,
		watcher:  w,
		stopCh:   make(chan struct{}),
		debounce: watchDebounce,
	}, nil
}

// AddCallback registers fn to run after every successful reload.
func (w *Watcher) AddCallback(fn func(*Config)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.callbacks = append(w.callbacks, fn)
}

// Start watches the config directory. Editors often replace the file
// instead of writing it, so the directory is watched rather than the file.
func (w *Watcher) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.running {
		return fmt.Errorf("watcher is already running")
	}
	if stat, err := os.Stat(w.path); err == nil {
		w.lastModTime = stat.ModTime()
	}
	if err := w.watcher.Add(filepath.Dir(w.path)); err != nil {
		return fmt.Errorf("failed to watch config dir: %w", err)
	}
	w.running = true
	go w.watchLoop()
	logrus.Infof("Watching config file %s", w.path)
	return nil
}

// Stop stops watching. It is safe to call more than once.
func (w *Watcher) Stop() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.running {
		return nil
	}
	w.running = false
	close(w.stopCh)
	return w.watcher.Close()
}

func (w *Watcher) watchLoop() {
	var timer *time.Timer
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if !w.isConfigEvent(event) {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(w.debounce, w.reload)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			logrus.Warnf("Config watcher error: %v", err)

		case <-w.stopCh:
			if timer != nil {
				timer.Stop()
			}
			return
		}
	}
}

func (w *Watcher) isConfigEvent(event fsnotify.Event) bool {
	if filepath.Clean(event.Name) != filepath.Clean(w.path) {
		return false
	}
	return event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Chmod) != 0
}

func (w *Watcher) reload() {
	stat, err := os.Stat(w.path)
	if err != nil {
		return
	}
	w.mu.Lock()
	if !stat.ModTime().After(w.lastModTime) {
		w.mu.Unlock()
		return
	}
	w.lastModTime = stat.ModTime()
	callbacks := append([]func(*Config){}, w.callbacks...)
	w.mu.Unlock()

	cfg, err := Load(w.path)
	if err != nil {
		logrus.Errorf("Failed to reload configuration, keeping previous: %v", err)
		return
	}
	w.store.Swap(cfg)
	logrus.Infof("Reloaded configuration from %s", w.path)

	for _, fn := range callbacks {
		fn(cfg)
	}
}
