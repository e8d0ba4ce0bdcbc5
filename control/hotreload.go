// control/hotreload.go
// Author: momentics <momentics@gmail.com>
//
// Reloads the configuration file into a ConfigStore when it changes on disk.

package control

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"github.com/joeycumines/logiface"
)

// ConfigWatcher follows one configuration file.
type ConfigWatcher struct {
	w      *fsnotify.Watcher
	path   string
	store  *ConfigStore
	logger *logiface.Logger[logiface.Event]
}

// NewConfigWatcher starts watching path. The parent directory is watched so
// that editors replacing the file by rename are followed.
func NewConfigWatcher(path string, store *ConfigStore, logger *logiface.Logger[logiface.Event]) (*ConfigWatcher, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("control: watch: %w", err)
	}
	if err := w.Add(filepath.Dir(abs)); err != nil {
		_ = w.Close()
		return nil, fmt.Errorf("control: watch %s: %w", abs, err)
	}
	return &ConfigWatcher{w: w, path: abs, store: store, logger: logger}, nil
}

// Run reloads on every change until ctx is done, then closes the watcher.
// A file that fails to load is logged and the previous snapshot kept.
func (cw *ConfigWatcher) Run(ctx context.Context) error {
	defer cw.w.Close()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-cw.w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != cw.path || !ev.Has(fsnotify.Write|fsnotify.Create|fsnotify.Rename) {
				continue
			}
			cw.reload()
		case err, ok := <-cw.w.Errors:
			if !ok {
				return nil
			}
			cw.logger.Warning().Err(err).Log("control: watch error")
		}
	}
}

func (cw *ConfigWatcher) reload() {
	cfg, err := LoadConfig(cw.path)
	if err != nil {
		cw.logger.Warning().Err(err).Str("path", cw.path).Log("control: reload rejected")
		return
	}
	cw.store.SetConfig(cfg)
	cw.logger.Info().Str("path", cw.path).Uint64("version", cw.store.Version()).Log("control: config reloaded")
}

// WatchConfig reloads path into store until ctx is done.
func WatchConfig(ctx context.Context, path string, store *ConfigStore, logger *logiface.Logger[logiface.Event]) error {
	cw, err := NewConfigWatcher(path, store, logger)
	if err != nil {
		return err
	}
	return cw.Run(ctx)
}
