package config

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watch reloads the config file whenever it changes and calls onReload
// with each valid new Config. Invalid or unreadable revisions are skipped,
// keeping the previous configuration in force. The parent directory is
// watched rather than the file itself so atomic rename-into-place saves
// are seen.
func Watch(ctx context.Context, path string, onReload func(Config), onError func(error)) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := w.Add(dir); err != nil {
		w.Close()
		return err
	}
	base := filepath.Base(path)

	go func() {
		defer w.Close()

		// Editors fire bursts of events per save; reload once per burst.
		var pending *time.Timer
		reload := func() {
			cfg, err := Load(path)
			if err != nil {
				if onError != nil {
					onError(err)
				}
				return
			}
			onReload(cfg)
		}

		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if filepath.Base(ev.Name) != base {
					continue
				}
				if !ev.Op.Has(fsnotify.Write) && !ev.Op.Has(fsnotify.Create) && !ev.Op.Has(fsnotify.Rename) {
					continue
				}
				if pending != nil {
					pending.Stop()
				}
				pending = time.AfterFunc(100*time.Millisecond, reload)
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				if onError != nil {
					onError(err)
				}
			}
		}
	}()
	return nil
}
