// Package watch detects out-of-band changes to the durable state file so
// every UI surface can be brought back in line with what is on disk.
package watch

import (
	"context"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const debounceInterval = 100 * time.Millisecond

// StateWatcher watches the state file via fsnotify and invokes the change
// callback after a debounce window. The callback decides whether the file
// really changed; this type only reports filesystem activity.
type StateWatcher struct {
	path     string
	onChange func()
	watcher  *fsnotify.Watcher

	timerMu sync.Mutex
	timer   *time.Timer

	ctx    context.Context
	cancel context.CancelFunc
}

func NewStateWatcher(path string, onChange func()) *StateWatcher {
	ctx, cancel := context.WithCancel(context.Background())
	return &StateWatcher{
		path:     path,
		onChange: onChange,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start begins watching. The containing directory is watched rather than
// the file itself so atomic replace (write temp, rename over) is seen.
func (w *StateWatcher) Start() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(filepath.Dir(w.path)); err != nil {
		watcher.Close()
		return err
	}
	w.watcher = watcher

	go w.eventLoop()
	slog.Info("state watcher started", "path", w.path)
	return nil
}

func (w *StateWatcher) Stop() {
	w.cancel()
	if w.watcher != nil {
		w.watcher.Close()
	}

	w.timerMu.Lock()
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
	w.timerMu.Unlock()

	slog.Info("state watcher stopped")
}

func (w *StateWatcher) eventLoop() {
	for {
		select {
		case <-w.ctx.Done():
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(event)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			slog.Error("fsnotify error", "error", err)
		}
	}
}

func (w *StateWatcher) handleEvent(event fsnotify.Event) {
	if filepath.Clean(event.Name) != filepath.Clean(w.path) {
		return
	}
	if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) && !event.Has(fsnotify.Remove) {
		return
	}

	w.timerMu.Lock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(debounceInterval, func() {
		slog.Debug("state file changed on disk")
		w.onChange()
	})
	w.timerMu.Unlock()
}
