package config

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// reloadDebounce coalesces the burst of events editors emit on save
const reloadDebounce = 500 * time.Millisecond

// Watch reloads the file whenever it changes and calls onChange with the new
// entries. Invalid edits are logged and ignored. Watch blocks until ctx is done.
func (l *Loader) Watch(ctx context.Context, onChange func([]Entry)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer watcher.Close()

	// Watch the directory so atomic rename-on-save is seen
	dir := filepath.Dir(l.path)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", dir, err)
	}
	l.logger.Info("Watching vehicles config for changes", zap.String("path", l.path))

	target := filepath.Clean(l.path)
	var debounce <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			debounce = time.After(reloadDebounce)

		case <-debounce:
			debounce = nil
			if err := l.Load(); err != nil {
				l.logger.Error("Failed to reload vehicles config, keeping previous", zap.Error(err))
				continue
			}
			onChange(l.Entries())

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			l.logger.Warn("Config watcher error", zap.Error(err))
		}
	}
}
