package config

import (
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// ReloadFunc receives a freshly loaded and validated config
type ReloadFunc func(cfg *Config)

// Watcher reloads the config file whenever it changes on disk. Invalid
// files are logged and skipped; the last good config stays in effect.
type Watcher struct {
	loader    *Loader
	watcher   *fsnotify.Watcher
	onReload  ReloadFunc
	debounce  time.Duration
	logger    zerolog.Logger
	done      chan struct{}
	stopOnce  sync.Once
	timerMu   sync.Mutex
	timer     *time.Timer
	reloadsMu sync.Mutex
}

// WatcherConfig holds configuration for the watcher
type WatcherConfig struct {
	Loader   *Loader
	OnReload ReloadFunc
	// Debounce collapses the bursts editors produce on save
	Debounce time.Duration
	Logger   *zerolog.Logger
}

// NewWatcher creates a watcher; call Start to begin watching
func NewWatcher(cfg WatcherConfig) (*Watcher, error) {
	if cfg.Loader == nil {
		return nil, fmt.Errorf("loader is required")
	}
	if cfg.OnReload == nil {
		return nil, fmt.Errorf("reload callback is required")
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}

	if cfg.Debounce <= 0 {
		cfg.Debounce = 100 * time.Millisecond
	}

	logger := log.Logger
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}

	return &Watcher{
		loader:   cfg.Loader,
		watcher:  fw,
		onReload: cfg.OnReload,
		debounce: cfg.Debounce,
		logger:   logger.With().Str("component", "config-watcher").Logger(),
		done:     make(chan struct{}),
	}, nil
}

// Start watches the directory holding the config file. Watching the
// directory keeps working across editors that save by rename.
func (w *Watcher) Start() error {
	path := w.loader.GetConfigPath()
	if path == "" {
		return fmt.Errorf("config path is unknown")
	}

	if err := w.watcher.Add(filepath.Dir(path)); err != nil {
		return fmt.Errorf("failed to watch config directory: %w", err)
	}

	go w.eventLoop(filepath.Clean(path))

	w.logger.Info().Str("path", path).Msg("Config watcher started")
	return nil
}

// Stop stops the watcher
func (w *Watcher) Stop() error {
	w.stopOnce.Do(func() {
		close(w.done)
	})

	w.timerMu.Lock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timerMu.Unlock()

	if err := w.watcher.Close(); err != nil {
		return fmt.Errorf("failed to close watcher: %w", err)
	}
	w.logger.Info().Msg("Config watcher stopped")
	return nil
}

func (w *Watcher) eventLoop(path string) {
	for {
		select {
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != path {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			w.schedule()

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error().Err(err).Msg("Watcher error")

		case <-w.done:
			return
		}
	}
}

func (w *Watcher) schedule() {
	w.timerMu.Lock()
	defer w.timerMu.Unlock()

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
	// Serialize reloads so callbacks never overlap
	w.reloadsMu.Lock()
	defer w.reloadsMu.Unlock()

	cfg, err := w.loader.Load()
	if err != nil {
		w.logger.Error().Err(err).Msg("Failed to reload config")
		return
	}
	if err := cfg.Validate(); err != nil {
		w.logger.Error().Err(err).Msg("Reloaded config is invalid, keeping previous")
		return
	}

	w.logger.Info().Msg("Config reloaded")
	w.onReload(cfg)
}
