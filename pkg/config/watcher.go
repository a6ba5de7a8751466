package config

import (
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const watchDebounce = 500 * time.Millisecond

// Watcher observes the config file and invokes a callback after changes
// settle. Editors often emit several events per save (write, chmod,
// rename-into-place), so events are debounced before the callback fires.
type Watcher struct {
	path     string
	onChange func()
	logger   *slog.Logger

	mu      sync.Mutex
	fw      *fsnotify.Watcher
	timer   *time.Timer
	done    chan struct{}
	started bool
}

// NewWatcher prepares a watcher for the file at path. onChange runs on the
// watcher's goroutine; keep it short or hand off.
func NewWatcher(path string, onChange func(), logger *slog.Logger) *Watcher {
	return &Watcher{path: path, onChange: onChange, logger: logger}
}

// Start begins watching. Idempotent.
func (w *Watcher) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.started {
		return nil
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	// Watch the parent directory so rename-into-place saves are seen.
	if err := fw.Add(filepath.Dir(w.path)); err != nil {
		_ = fw.Close()
		return err
	}
	w.fw = fw
	w.done = make(chan struct{})
	w.started = true
	go w.loop(fw, w.done)
	return nil
}

// Stop halts the watcher. Idempotent.
func (w *Watcher) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.started {
		return
	}
	w.started = false
	close(w.done)
	_ = w.fw.Close()
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
}

func (w *Watcher) loop(fw *fsnotify.Watcher, done chan struct{}) {
	target := filepath.Clean(w.path)
	for {
		select {
		case <-done:
			return
		case event, ok := <-fw.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			w.schedule()
		case err, ok := <-fw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("config watcher error", "error", err)
		}
	}
}

func (w *Watcher) schedule() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.started {
		return
	}
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(watchDebounce, func() {
		w.logger.Info("config file changed", "path", w.path)
		w.onChange()
	})
}
