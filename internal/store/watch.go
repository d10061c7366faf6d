package store

import (
	"log"
	"strings"

	"github.com/fsnotify/fsnotify"
)

// externalWatcher watches a FileBackend's dataDir for writes that did not
// go through Store.Save/Delete — an operator restoring a backup file by
// hand, for instance — and invalidates the affected contextId's LRU entry.
// It never publishes to the event bus: only the store's own save/delete
// path does that, so this cannot create a replication loop.
type externalWatcher struct {
	watcher *fsnotify.Watcher
	logger  *log.Logger
	done    chan struct{}
}

// watchExternalChanges starts watching dataDir if fsnotify can be
// initialized on this platform; failure to start the watcher is logged and
// treated as non-fatal, since it is a cache-freshness optimization, not a
// correctness requirement of the store's guarantees.
func watchExternalChanges(dataDir string, onChange func(contextID string), logger *log.Logger) *externalWatcher {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		logger.Printf("context store: external change watcher unavailable: %v", err)
		return nil
	}
	if err := watcher.Add(dataDir); err != nil {
		logger.Printf("context store: failed to watch %s: %v", dataDir, err)
		_ = watcher.Close()
		return nil
	}
	w := &externalWatcher{watcher: watcher, logger: logger, done: make(chan struct{})}
	go w.run(onChange)
	return w
}

func (w *externalWatcher) run(onChange func(contextID string)) {
	defer close(w.done)
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if id, ok := contextIDFromWatchedPath(event.Name); ok {
				onChange(id)
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Printf("context store: watcher error: %v", err)
		}
	}
}

func (w *externalWatcher) Close() {
	if w == nil {
		return
	}
	_ = w.watcher.Close()
	<-w.done
}

// contextIDFromWatchedPath extracts the contextId from a payload or
// metadata file's basename, e.g. "c1.json" or "c1.meta.json" -> "c1".
func contextIDFromWatchedPath(path string) (string, bool) {
	base := path
	if idx := strings.LastIndexByte(path, '/'); idx >= 0 {
		base = path[idx+1:]
	}
	if strings.HasSuffix(base, metaSuffix) {
		return strings.TrimSuffix(base, metaSuffix), true
	}
	if strings.HasSuffix(base, payloadSuffix) {
		return strings.TrimSuffix(base, payloadSuffix), true
	}
	return "", false
}
