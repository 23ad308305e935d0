package config

import (
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/TimWhiting/dart-custom-lint/errors"
)

// ReloadCallback is invoked, debounced, when a watched plugin binary
// changes. It receives the plugin name whose binary was rewritten.
type ReloadCallback func(plugin string) error

// BinaryWatcher watches plugin binaries and triggers hot reload when one is
// rewritten, e.g. by a recompile. Rapid successive events are debounced so a
// slow linker does not trigger a reload storm.
type BinaryWatcher struct {
	watcher        *fsnotify.Watcher
	debouncePeriod time.Duration
	log            *zap.SugaredLogger

	mu        sync.Mutex
	plugins   map[string]string // binary path -> plugin name
	callbacks []ReloadCallback
	timers    map[string]*time.Timer // plugin name -> pending debounce timer
}

// NewBinaryWatcher creates a watcher over the given plugins' binaries.
func NewBinaryWatcher(plugins []PluginConfig, debounce time.Duration, log *zap.SugaredLogger) (*BinaryWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errors.Wrap(err, "failed to create fsnotify watcher")
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}

	bw := &BinaryWatcher{
		watcher:        watcher,
		debouncePeriod: debounce,
		log:            log,
		plugins:        make(map[string]string),
		timers:         make(map[string]*time.Timer),
	}
	for _, plugin := range plugins {
		if plugin.Binary == "" {
			continue
		}
		// Watch the directory: compilers replace the binary by rename, and
		// a watch on the old inode would go stale
		dir := filepath.Dir(plugin.Binary)
		if err := watcher.Add(dir); err != nil {
			watcher.Close()
			return nil, errors.Wrapf(err, "failed to watch %s", dir)
		}
		bw.plugins[filepath.Clean(plugin.Binary)] = plugin.Name
	}
	return bw, nil
}

// OnReload registers a callback invoked after the debounce period when a
// plugin binary changed.
func (bw *BinaryWatcher) OnReload(callback ReloadCallback) {
	bw.mu.Lock()
	defer bw.mu.Unlock()
	bw.callbacks = append(bw.callbacks, callback)
}

// Start begins watching. Stop ends it.
func (bw *BinaryWatcher) Start() {
	go bw.watchLoop()
}

func (bw *BinaryWatcher) watchLoop() {
	for {
		select {
		case event, ok := <-bw.watcher.Events:
			if !ok {
				return
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			bw.mu.Lock()
			plugin, watched := bw.plugins[filepath.Clean(event.Name)]
			bw.mu.Unlock()
			if !watched {
				continue
			}
			bw.log.Infow("plugin binary changed",
				"plugin", plugin,
				"file", event.Name,
				"op", event.Op.String(),
			)
			bw.scheduleReload(plugin)

		case err, ok := <-bw.watcher.Errors:
			if !ok {
				return
			}
			bw.log.Warnw("binary watcher error", "error", err)
		}
	}
}

// scheduleReload resets the plugin's debounce timer.
func (bw *BinaryWatcher) scheduleReload(plugin string) {
	bw.mu.Lock()
	defer bw.mu.Unlock()
	if timer, ok := bw.timers[plugin]; ok {
		timer.Stop()
	}
	bw.timers[plugin] = time.AfterFunc(bw.debouncePeriod, func() {
		bw.fire(plugin)
	})
}

func (bw *BinaryWatcher) fire(plugin string) {
	bw.mu.Lock()
	delete(bw.timers, plugin)
	callbacks := make([]ReloadCallback, len(bw.callbacks))
	copy(callbacks, bw.callbacks)
	bw.mu.Unlock()

	for _, callback := range callbacks {
		if err := callback(plugin); err != nil {
			bw.log.Warnw("reload callback failed",
				"plugin", plugin,
				"error", err,
			)
		}
	}
}

// Stop stops watching.
func (bw *BinaryWatcher) Stop() error {
	return bw.watcher.Close()
}
