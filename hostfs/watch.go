package hostfs

import (
	"context"
	"path/filepath"

	"github.com/absfs/snapfs"
	"github.com/fsnotify/fsnotify"
)

// Watch reports changes at name as they happen on the host, including
// changes made by other processes. Watching a directory reports its
// children; watching a file reports the file itself. Both channels are
// closed once ctx is done or the watcher fails.
func (f *FileSystem) Watch(ctx context.Context, name string) (<-chan snapfs.Event, <-chan error, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, nil, err
	}
	target := f.host(name)
	if err := w.Add(target); err != nil {
		w.Close()
		return nil, nil, fix(err, name)
	}
	f.logger.Debug("watching host path", "path", name, "host", target)

	events := make(chan snapfs.Event)
	faults := make(chan error, 1)
	go func() {
		defer close(faults)
		defer close(events)
		defer w.Close()
		for {
			select {
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				out := snapfs.Event{Kind: kind(ev.Op), Name: filepath.Base(ev.Name)}
				select {
				case events <- out:
				case <-ctx.Done():
					return
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				f.logger.Warn("host watch failed", "path", name, "error", err)
				faults <- err
				return
			case <-ctx.Done():
				return
			}
		}
	}()
	return events, faults, nil
}

func kind(op fsnotify.Op) snapfs.EventKind {
	if op.Has(fsnotify.Create) || op.Has(fsnotify.Remove) || op.Has(fsnotify.Rename) {
		return snapfs.EventRename
	}
	return snapfs.EventChange
}
