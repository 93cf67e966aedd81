// Package watcher reloads the configuration file when it changes on
// disk, so review policy tweaks (accelerate tags, interval tables)
// apply without a restart.
package watcher

import (
	"context"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// ReloadFunc receives the path of the changed config file. Returning an
// error keeps the previous configuration in effect.
type ReloadFunc func(path string) error

// Watch starts an fsnotify watcher on the directory containing the
// config file and invokes reload after each change until ctx is
// cancelled.
//
// Editors typically replace files via write-temp-then-rename, which
// arrives as a burst of Create/Write/Rename events on the directory.
// Changes are therefore debounced: the reload fires once, 200ms after
// the last event touching the config path.
func Watch(ctx context.Context, configPath string, logger *slog.Logger, reload ReloadFunc) error {
	abs, err := filepath.Abs(configPath)
	if err != nil {
		return err
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()

	// Watch the parent directory, not the file: rename-replace swaps
	// the inode and a file watch would silently die.
	if err := w.Add(filepath.Dir(abs)); err != nil {
		return err
	}

	logger.Info("config watcher: started", slog.String("path", abs))

	var debounce *time.Timer
	var debounceCh <-chan time.Time

	scheduleReload := func() {
		if debounce == nil {
			debounce = time.NewTimer(200 * time.Millisecond)
			debounceCh = debounce.C
		} else {
			debounce.Reset(200 * time.Millisecond)
		}
	}

	for {
		select {
		case <-ctx.Done():
			if debounce != nil {
				debounce.Stop()
			}
			logger.Info("config watcher: stopped")
			return nil

		case <-debounceCh:
			if err := reload(abs); err != nil {
				logger.Warn("config watcher: reload failed, keeping previous config",
					slog.String("error", err.Error()))
				continue
			}
			logger.Info("config watcher: configuration reloaded")

		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			evAbs, err := filepath.Abs(ev.Name)
			if err != nil || evAbs != abs {
				continue
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) != 0 {
				scheduleReload()
			}

		case watchErr, ok := <-w.Errors:
			if !ok {
				return nil
			}
			logger.Error("config watcher: error", slog.String("error", watchErr.Error()))
		}
	}
}
