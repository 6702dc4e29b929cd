package config

import (
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Watcher monitors the config file and applies log-level changes to the
// running process without a restart. Only the logging level is hot; other
// fields keep their boot-time values.
type Watcher struct {
	mu       sync.Mutex
	watcher  *fsnotify.Watcher
	path     string
	level    zap.AtomicLevel
	log      *zap.Logger
	debounce time.Duration
	lastSeen map[string]time.Time
	stopCh   chan struct{}
	doneCh   chan struct{}
	running  bool
}

// NewWatcher creates a Watcher for the given config file.
func NewWatcher(path string, level zap.AtomicLevel, log *zap.Logger) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &Watcher{
		watcher:  fw,
		path:     path,
		level:    level,
		log:      log,
		debounce: 500 * time.Millisecond,
		lastSeen: make(map[string]time.Time),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}, nil
}

// Start begins watching. Non-blocking; Stop tears the goroutine down. The
// parent directory is watched, not the file, so editors that replace the
// file on save keep triggering events.
func (w *Watcher) Start() error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = true
	w.mu.Unlock()

	if err := w.watcher.Add(filepath.Dir(w.path)); err != nil {
		return err
	}
	go w.loop()
	return nil
}

// Stop ends watching and waits for the loop to exit.
func (w *Watcher) Stop() error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = false
	w.mu.Unlock()

	close(w.stopCh)
	<-w.doneCh
	return w.watcher.Close()
}

func (w *Watcher) loop() {
	defer close(w.doneCh)
	for {
		select {
		case <-w.stopCh:
			return
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != filepath.Clean(w.path) {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
				continue
			}
			if w.debounced(ev.Name) {
				continue
			}
			w.reload()
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.log.Warn("config watcher error", zap.Error(err))
		}
	}
}

func (w *Watcher) debounced(name string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	now := time.Now()
	if last, ok := w.lastSeen[name]; ok && now.Sub(last) < w.debounce {
		return true
	}
	w.lastSeen[name] = now
	return false
}

func (w *Watcher) reload() {
	cfg, err := Load(w.path)
	if err != nil {
		w.log.Warn("config reload failed", zap.String("path", w.path), zap.Error(err))
		return
	}
	level, err := parseLevel(cfg.Logging.Level)
	if err != nil {
		w.log.Warn("config reload failed", zap.String("path", w.path), zap.Error(err))
		return
	}
	if w.level.Level() == level {
		return
	}
	w.level.SetLevel(level)
	w.log.Info("log level changed", zap.String("level", level.String()))
}
