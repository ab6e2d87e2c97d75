package capabilities

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
)

// WatcherStats tracks grants reloads.
type WatcherStats struct {
	ReloadsTotal   int64     `json:"reloads_total"`
	ReloadsSuccess int64     `json:"reloads_success"`
	ReloadsFailed  int64     `json:"reloads_failed"`
	LastReload     time.Time `json:"last_reload,omitempty"`
	LastError      string    `json:"last_error,omitempty"`
}

type WatcherConfig struct {
	Path     string
	Store    *Store
	Debounce time.Duration
	Logger   *slog.Logger
	OnReload func(path string, err error)
}

// Watcher reloads a grants file into a Store whenever it changes on disk.
type Watcher struct {
	path     string
	store    *Store
	debounce time.Duration
	logger   *slog.Logger
	onReload func(path string, err error)

	running atomic.Bool
	fsw     *fsnotify.Watcher
	done    chan struct{}

	mu    sync.Mutex
	stats WatcherStats
}

func NewWatcher(cfg WatcherConfig) (*Watcher, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("grants file path is required")
	}
	if cfg.Store == nil {
		return nil, fmt.Errorf("capability store is required")
	}
	if cfg.Debounce <= 0 {
		cfg.Debounce = 100 * time.Millisecond
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	abs, err := filepath.Abs(cfg.Path)
	if err != nil {
		return nil, err
	}
	return &Watcher{
		path:     abs,
		store:    cfg.Store,
		debounce: cfg.Debounce,
		logger:   cfg.Logger,
		onReload: cfg.OnReload,
	}, nil
}

// Start watches the file's directory so atomic replace-by-rename is seen.
func (w *Watcher) Start(ctx context.Context) error {
	if !w.running.CompareAndSwap(false, true) {
		return fmt.Errorf("grants watcher already running")
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		w.running.Store(false)
		return fmt.Errorf("creating watcher: %w", err)
	}
	if err := fsw.Add(filepath.Dir(w.path)); err != nil {
		_ = fsw.Close()
		w.running.Store(false)
		return fmt.Errorf("watching grants dir: %w", err)
	}
	w.fsw = fsw
	w.done = make(chan struct{})
	go w.loop(ctx)
	return nil
}

func (w *Watcher) loop(ctx context.Context) {
	defer close(w.done)
	var pending time.Time
	tick := w.debounce / 2
	if tick < 10*time.Millisecond {
		tick = 10 * time.Millisecond
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		select {
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != w.path {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				pending = time.Now()
			}
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.recordError(fmt.Sprintf("watcher error: %v", err))
		case <-ticker.C:
			if !pending.IsZero() && time.Since(pending) >= w.debounce {
				pending = time.Time{}
				w.reload()
			}
		case <-ctx.Done():
			return
		}
	}
}

func (w *Watcher) reload() {
	w.mu.Lock()
	w.stats.ReloadsTotal++
	w.mu.Unlock()

	err := ValidateFile(w.path)
	if err == nil {
		err = w.store.LoadFile(w.path)
	}
	if err != nil {
		w.recordError(err.Error())
		w.logger.Warn("grants reload failed", "path", w.path, "error", err)
	} else {
		w.mu.Lock()
		w.stats.ReloadsSuccess++
		w.stats.LastReload = time.Now()
		w.mu.Unlock()
		w.logger.Info("grants reloaded", "path", w.path)
	}
	if w.onReload != nil {
		w.onReload(w.path, err)
	}
}

func (w *Watcher) recordError(msg string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.stats.ReloadsFailed++
	w.stats.LastError = msg
}

func (w *Watcher) Stats() WatcherStats {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.stats
}

func (w *Watcher) Stop() error {
	if !w.running.CompareAndSwap(true, false) {
		return nil
	}
	err := w.fsw.Close()
	<-w.done
	return err
}
