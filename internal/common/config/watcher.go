package config

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/sylasdev/sylas/internal/common/logger"
)

// ReloadFunc receives the freshly loaded configuration after a file change.
type ReloadFunc func(cfg *Config)

// Watcher reloads config.json when it changes on disk.
type Watcher struct {
	home     string
	onReload ReloadFunc
	logger   *logger.Logger
	watcher  *fsnotify.Watcher
}

// NewWatcher creates a watcher for config.json under the given home dir.
func NewWatcher(home string, onReload ReloadFunc, log *logger.Logger) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	// Watch the directory, not the file: editors replace the file on save.
	if err := fsw.Add(home); err != nil {
		fsw.Close()
		return nil, err
	}
	return &Watcher{
		home:     home,
		onReload: onReload,
		logger:   log.WithFields(zap.String("component", "config-watcher")),
		watcher:  fsw,
	}, nil
}

// Run processes filesystem events until the context is cancelled.
// Write bursts are debounced so a save produces a single reload.
func (w *Watcher) Run(ctx context.Context) {
	var pending <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			w.watcher.Close()
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != "config.json" {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			pending = time.After(250 * time.Millisecond)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("config watch error", zap.Error(err))
		case <-pending:
			pending = nil
			cfg, err := LoadWithHome(w.home)
			if err != nil {
				w.logger.Error("config reload failed, keeping previous config", zap.Error(err))
				continue
			}
			w.logger.Info("config reloaded", zap.Int("repositories", len(cfg.Repositories)))
			w.onReload(cfg)
		}
	}
}
