package scene

import (
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/orbisworld/orbis/errors"
)

// DevWatcher watches a local scene build directory and triggers reload
// callbacks when the program or manifest changes. Used for scene development
// against a local build; production scenes only ever load from the content
// cache.
type DevWatcher struct {
	dir     string
	watcher *fsnotify.Watcher
	logger  *zap.SugaredLogger

	mu        sync.RWMutex
	callbacks []ReloadCallback

	debounceMu    sync.Mutex
	debounceTimer *time.Timer

	done chan struct{}
}

// ReloadCallback is called with the changed file path after the debounce
// window closes.
type ReloadCallback func(path string)

// NewDevWatcher watches dir for scene artifact changes.
func NewDevWatcher(dir string, log *zap.SugaredLogger) (*DevWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errors.Wrap(err, "failed to create fsnotify watcher")
	}
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return nil, errors.Wrapf(err, "failed to watch scene directory %s", dir)
	}

	dw := &DevWatcher{
		dir:     dir,
		watcher: watcher,
		logger:  log,
		done:    make(chan struct{}),
	}
	go dw.loop()
	return dw, nil
}

// OnReload registers a reload callback.
func (dw *DevWatcher) OnReload(cb ReloadCallback) {
	dw.mu.Lock()
	defer dw.mu.Unlock()
	dw.callbacks = append(dw.callbacks, cb)
}

// Close stops watching.
func (dw *DevWatcher) Close() error {
	close(dw.done)
	return dw.watcher.Close()
}

func (dw *DevWatcher) loop() {
	for {
		select {
		case <-dw.done:
			return
		case event, ok := <-dw.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if !relevantArtifact(event.Name) {
				continue
			}
			dw.scheduleReload(event.Name)
		case err, ok := <-dw.watcher.Errors:
			if !ok {
				return
			}
			dw.logger.Warnw("Scene watcher error", "error", err)
		}
	}
}

// relevantArtifact filters for the files a scene build produces.
func relevantArtifact(path string) bool {
	switch filepath.Ext(path) {
	case ".js", ".crdt", ".json":
		return true
	}
	return false
}

// scheduleReload debounces rapid successive writes from a build.
func (dw *DevWatcher) scheduleReload(path string) {
	dw.debounceMu.Lock()
	defer dw.debounceMu.Unlock()

	if dw.debounceTimer != nil {
		dw.debounceTimer.Stop()
	}
	dw.debounceTimer = time.AfterFunc(500*time.Millisecond, func() {
		dw.mu.RLock()
		callbacks := append([]ReloadCallback(nil), dw.callbacks...)
		dw.mu.RUnlock()

		dw.logger.Infow("Scene artifact changed, reloading", "file", path)
		for _, cb := range callbacks {
			cb(path)
		}
	})
}
