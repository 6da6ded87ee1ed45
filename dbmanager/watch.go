package dbmanager

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// Watch reloads the users file whenever it changes on disk, until ctx ends.
// A reload failure keeps the previous credentials and logs the error. Watch
// returns immediately with an error when no users file is configured.
func (m *Manager) Watch(ctx context.Context) error {
	if m.usersPath == "" {
		return fmt.Errorf("no users file configured")
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	// Watch the directory: editors replace the file, which drops a watch
	// on the file itself.
	if err := w.Add(filepath.Dir(m.usersPath)); err != nil {
		w.Close()
		return fmt.Errorf("watch %s: %w", m.usersPath, err)
	}

	go func() {
		defer w.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != filepath.Clean(m.usersPath) {
					continue
				}
				if !ev.Op.Has(fsnotify.Write) && !ev.Op.Has(fsnotify.Create) {
					continue
				}
				if err := m.loadUsers(); err != nil {
					m.log.Error("dbmanager.users_reload.fail", slog.String("err", err.Error()))
					continue
				}
				m.log.Info("dbmanager.users_reload")
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				m.log.Error("dbmanager.watch.fail", slog.String("err", err.Error()))
			}
		}
	}()
	return nil
}
