package config

import (
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/user/glowlink/logger"
)

// watchDebounce coalesces the event bursts editors produce on save.
const watchDebounce = 200 * time.Millisecond

// Watcher reloads the config file when it changes and hands the new config
// to the callback. Invalid files are logged and skipped; the previous
// configuration stays in effect.
type Watcher struct {
	path     string
	onChange func(*Config)

	fsw      *fsnotify.Watcher
	mu       sync.Mutex
	debounce *time.Timer
	quit     chan struct{}
	once     sync.Once
}

// NewWatcher watches path. The parent directory is watched rather than the
// file itself so atomic rename-into-place saves are seen.
func NewWatcher(path string, onChange func(*Config)) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fsw.Add(filepath.Dir(path)); err != nil {
		fsw.Close()
		return nil, err
	}
	w := &Watcher{
		path:     path,
		onChange: onChange,
		fsw:      fsw,
		quit:     make(chan struct{}),
	}
	go w.run()
	return w, nil
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	w.once.Do(func() { close(w.quit) })
	return w.fsw.Close()
}

func (w *Watcher) run() {
	for {
		select {
		case <-w.quit:
			return
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != filepath.Clean(w.path) {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			w.scheduleReload()
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			logger.Warn("config", "watcher error: %v", err)
		}
	}
}

func (w *Watcher) scheduleReload() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.debounce != nil {
		w.debounce.Stop()
	}
	w.debounce = time.AfterFunc(watchDebounce, w.reload)
}

func (w *Watcher) reload() {
	select {
	case <-w.quit:
		return
	default:
	}
	cfg, err := Load(w.path)
	if err != nil {
		logger.Warn("config", "ignoring bad config %s: %v", w.path, err)
		return
	}
	logger.Info("config", "reloaded %s", w.path)
	logger.DebugJSON("config", "active configuration", cfg)
	w.onChange(cfg)
}
