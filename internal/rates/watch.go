package rates

import (
	"context"
	"log/slog"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// Watch reloads the table when its file changes. A reload that fails to
// parse keeps the previous table; a broken deploy can't blank the prices.
func (t *Table) Watch(ctx context.Context, logger *slog.Logger) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}

	// Watch the directory, not the file: editors and config mounts replace
	// the file, which drops a file-level watch.
	dir := filepath.Dir(t.path)
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return err
	}

	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != filepath.Clean(t.path) {
					continue
				}
				if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
					continue
				}
				if err := t.Reload(); err != nil {
					logger.Error("rate table reload failed, keeping previous rates",
						"path", t.path, "error", err)
					continue
				}
				logger.Info("rate table reloaded", "path", t.path)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.Error("rate table watcher error", "error", err)
			}
		}
	}()

	return nil
}
