package config

import (
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// ReloadFunc receives a freshly loaded and validated config.
type ReloadFunc func(cfg *Config)

// Watcher reloads the config file when it changes on disk
type Watcher struct {
	loader   *Loader
	path     string
	watcher  *fsnotify.Watcher
	onReload ReloadFunc
	debounce time.Duration
	logger   zerolog.Logger

	mu       sync.Mutex
	timer    *time.Timer
	done     chan struct{}
	stopOnce sync.Once
}

// NewWatcher creates a watcher for the loader's config file. The parent
// directory is watched so editors that replace the file are seen.
func NewWatcher(loader *Loader, onReload ReloadFunc, logger zerolog.Logger) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}

	path := loader.GetConfigPath()
	if err := fw.Add(filepath.Dir(path)); err != nil {
		fw.Close()
		return nil, fmt.Errorf("failed to watch %s: %w", filepath.Dir(path), err)
	}

	w := &Watcher{
		loader:   loader,
		path:     filepath.Clean(path),
		watcher:  fw,
		onReload: onReload,
		debounce: 100 * time.Millisecond,
		logger:   logger.With().Str("component", "config").Logger(),
		done:     make(chan struct{}),
	}
	go w.eventLoop()
	return w, nil
}

func (w *Watcher) eventLoop() {
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				w.schedule()
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error().Err(err).Msg("Config watcher error")

		case <-w.done:
			return
		}
	}
}

func (w *Watcher) schedule() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, func() {
		select {
		case <-w.done:
			return
		default:
			w.reload()
		}
	})
}

func (w *Watcher) reload() {
	cfg, err := w.loader.Load()
	if err != nil {
		w.logger.Error().Err(err).Str("path", w.path).Msg("Config reload failed, keeping previous config")
		return
	}
	if err := cfg.Validate(); err != nil {
		w.logger.Error().Err(err).Str("path", w.path).Msg("Reloaded config is invalid, keeping previous config")
		return
	}

	w.logger.Info().Str("path", w.path).Msg("Config reloaded")
	if w.onReload != nil {
		w.onReload(cfg)
	}
}

// Stop stops watching
func (w *Watcher) Stop() error {
	var err error
	w.stopOnce.Do(func() {
		close(w.done)

		w.mu.Lock()
		if w.timer != nil {
			w.timer.Stop()
		}
		w.mu.Unlock()

		err = w.watcher.Close()
	})
	return err
}
