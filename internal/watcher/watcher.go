// Package watcher reports debounced changes to sets of files.
package watcher

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const defaultDebounce = 500 * time.Millisecond

// ChangeCallback is called once per burst of changes with the watched
// files that changed, sorted.
type ChangeCallback func(key string, changed []string)

// Watcher monitors groups of files, each group under its own key.
type Watcher struct {
	mu       sync.RWMutex
	watches  map[string]*fileWatch // key → watch
	debounce time.Duration
	logger   *slog.Logger
}

type fileWatch struct {
	key       string
	files     map[string]bool
	fsWatcher *fsnotify.Watcher
	cancel    chan struct{}
	callback  ChangeCallback

	pendingMu sync.Mutex
	pending   map[string]bool
}

// New creates a Watcher. A zero debounce means 500ms.
func New(debounce time.Duration, logger *slog.Logger) *Watcher {
	if debounce <= 0 {
		debounce = defaultDebounce
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		watches:  make(map[string]*fileWatch),
		debounce: debounce,
		logger:   logger.With("component", "watcher"),
	}
}

// Watch starts reporting changes to files under key, replacing any
// previous watch for key. Files need not exist yet but their directories
// must. Parent directories are watched so files replaced by rename are
// still seen.
func (w *Watcher) Watch(key string, files []string, callback ChangeCallback) error {
	fsW, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}

	fw := &fileWatch{
		key:       key,
		files:     make(map[string]bool, len(files)),
		fsWatcher: fsW,
		cancel:    make(chan struct{}),
		callback:  callback,
		pending:   make(map[string]bool),
	}

	dirs := make(map[string]bool)
	for _, f := range files {
		abs, err := filepath.Abs(f)
		if err != nil {
			fsW.Close()
			return fmt.Errorf("resolve %s: %w", f, err)
		}
		fw.files[abs] = true
		dirs[filepath.Dir(abs)] = true
	}
	for dir := range dirs {
		if err := fsW.Add(dir); err != nil {
			fsW.Close()
			return fmt.Errorf("watch %s: %w", dir, err)
		}
	}

	w.Unwatch(key)
	w.mu.Lock()
	w.watches[key] = fw
	w.mu.Unlock()

	go w.watchLoop(fw)
	return nil
}

// Unwatch stops watching key.
func (w *Watcher) Unwatch(key string) {
	w.mu.Lock()
	fw, ok := w.watches[key]
	if ok {
		delete(w.watches, key)
	}
	w.mu.Unlock()

	if ok {
		close(fw.cancel)
		fw.fsWatcher.Close()
	}
}

// watchLoop processes fsnotify events with debouncing.
func (w *Watcher) watchLoop(fw *fileWatch) {
	var timer *time.Timer

	for {
		select {
		case <-fw.cancel:
			if timer != nil {
				timer.Stop()
			}
			return

		case event, ok := <-fw.fsWatcher.Events:
			if !ok {
				return
			}
			name := filepath.Clean(event.Name)
			if !fw.files[name] || event.Op == fsnotify.Chmod {
				continue
			}

			fw.pendingMu.Lock()
			fw.pending[name] = true
			fw.pendingMu.Unlock()

			// Debounce: reset timer on each event.
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(w.debounce, func() {
				w.flush(fw)
			})

		case err, ok := <-fw.fsWatcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("watch error", "key", fw.key, "error", err)
		}
	}
}

// flush hands the accumulated changes to the callback.
func (w *Watcher) flush(fw *fileWatch) {
	select {
	case <-fw.cancel:
		return
	default:
	}

	fw.pendingMu.Lock()
	changed := make([]string, 0, len(fw.pending))
	for name := range fw.pending {
		changed = append(changed, name)
	}
	fw.pending = make(map[string]bool)
	fw.pendingMu.Unlock()

	if len(changed) == 0 {
		return
	}
	sort.Strings(changed)
	fw.callback(fw.key, changed)
}

// Shutdown stops all watches.
func (w *Watcher) Shutdown() {
	w.mu.Lock()
	keys := make([]string, 0, len(w.watches))
	for key := range w.watches {
		keys = append(keys, key)
	}
	w.mu.Unlock()

	for _, key := range keys {
		w.Unwatch(key)
	}
}
