package snapfs

import (
	"fmt"
	"io"
	"os"
	"path"
)

// copyUpParents ensures the full ancestor chain of p exists as directories
// in the writable mount. Directories inherited from the readable mount are
// recreated with their mode and modification time; content is never copied.
func (e *Engine) copyUpParents(op, p string) error {
	w, err := e.getWritable(op, p)
	if err != nil {
		return err
	}
	if w.Path != "/" {
		if _, err := w.Backend.Stat(w.Path); err != nil {
			if err := w.Backend.MkdirAll(w.Path, 0755); err != nil {
				return backendError(op, w.Path, err)
			}
		}
	}

	for _, dir := range ancestors(p) {
		info, err := w.lstat(dir)
		if err == nil {
			if !info.IsDir() {
				return pathError(op, p, ErrNotADirectory)
			}
			continue
		}
		if !notExist(err) {
			return backendError(op, dir, err)
		}

		mode, mtime := os.FileMode(0755), (os.FileInfo)(nil)
		if e.inReadable(dir) {
			rinfo, err := e.readable.lstat(dir)
			if err != nil {
				return backendError(op, dir, err)
			}
			if !rinfo.IsDir() {
				return pathError(op, p, ErrNotADirectory)
			}
			mode, mtime = rinfo.Mode().Perm(), rinfo
		}
		if err := e.materializeDir(op, dir, mode); err != nil {
			return err
		}
		if mtime != nil {
			// Non-fatal: not every backend keeps directory times
			_ = w.Backend.Chtimes(w.path(dir), mtime.ModTime(), mtime.ModTime())
		}
	}
	return nil
}

// materializeDir creates dir in the writable mount. A directory created over
// a tombstone becomes opaque so the readable children it replaced stay hidden.
func (e *Engine) materializeDir(op, dir string, perm os.FileMode) error {
	w := e.writable
	tombstoned := w.exists(whiteoutPath(dir))
	if err := w.Backend.Mkdir(w.path(dir), perm); err != nil && !os.IsExist(err) {
		return backendError(op, dir, err)
	}
	if tombstoned {
		if err := w.Backend.Remove(w.path(whiteoutPath(dir))); err != nil && !notExist(err) {
			return backendError(op, dir, err)
		}
		if err := e.touch(op, path.Join(dir, OpaqueWhiteout)); err != nil {
			return err
		}
	}
	e.invalidate(dir)
	return nil
}

// touch creates an empty marker file in the writable mount.
func (e *Engine) touch(op, name string) error {
	w := e.writable
	f, err := w.Backend.OpenFile(w.path(name), os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return backendError(op, name, err)
	}
	return f.Close()
}

// tombstone hides the readable copy of name.
func (e *Engine) tombstone(op, name string) error {
	if err := e.copyUpParents(op, name); err != nil {
		return err
	}
	return e.touch(op, whiteoutPath(name))
}

// clearTombstone removes a tombstone for name if one exists.
func (e *Engine) clearTombstone(name string) bool {
	w := e.writable
	wp := w.path(whiteoutPath(name))
	if _, err := w.Backend.Stat(wp); err != nil {
		return false
	}
	return w.Backend.Remove(wp) == nil
}

// copyUp copies name from the readable mount into the writable mount,
// recursing into directories. Entries already in the writable mount are kept.
func (e *Engine) copyUp(op, name string, info os.FileInfo) error {
	w := e.writable
	if _, err := w.lstat(name); err == nil && !info.IsDir() {
		return nil
	}
	if err := e.copyUpParents(op, name); err != nil {
		return err
	}

	switch {
	case info.Mode()&os.ModeSymlink != 0:
		return e.copyUpLink(op, name)
	case info.IsDir():
		return e.copyUpDir(op, name, info)
	default:
		return e.copyUpFile(op, name, info)
	}
}

// copyUpFile copies a regular file to the writable mount
func (e *Engine) copyUpFile(op, name string, info os.FileInfo) error {
	w, r := e.writable, e.readable

	src, err := r.Backend.OpenFile(r.path(name), os.O_RDONLY, 0)
	if err != nil {
		return backendError(op, name, err)
	}
	defer src.Close()

	dst, err := w.Backend.OpenFile(w.path(name), os.O_CREATE|os.O_WRONLY|os.O_TRUNC, info.Mode().Perm())
	if err != nil {
		return backendError(op, name, err)
	}
	defer dst.Close()

	buf := make([]byte, e.copyBufferSize)
	if _, err := io.CopyBuffer(dst, src, buf); err != nil {
		return fmt.Errorf("copy up %s: %w", name, err)
	}

	// Non-fatal error
	_ = w.Backend.Chtimes(w.path(name), info.ModTime(), info.ModTime())
	return nil
}

// copyUpDir recreates a readable directory and everything under it
func (e *Engine) copyUpDir(op, name string, info os.FileInfo) error {
	if !e.writable.exists(name) {
		if err := e.materializeDir(op, name, info.Mode().Perm()); err != nil {
			return err
		}
	}
	entries, err := e.ReadDir(name)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		child := path.Join(name, entry.Name())
		if e.writable.exists(child) && !entry.IsDir() {
			continue
		}
		cinfo, _, err := e.lookup(child)
		if err != nil {
			return err
		}
		if err := e.copyUp(op, child, cinfo); err != nil {
			return err
		}
	}
	return nil
}

// copyUpLink recreates a readable symlink in the writable mount
func (e *Engine) copyUpLink(op, name string) error {
	rl, ok := e.readable.Backend.(LinkBackend)
	if !ok {
		return pathError(op, name, ErrUnsupportedLink)
	}
	wl, ok := e.writable.Backend.(LinkBackend)
	if !ok {
		return pathError(op, name, ErrUnsupportedLink)
	}
	target, err := rl.Readlink(e.readable.path(name))
	if err != nil {
		return backendError(op, name, err)
	}
	return backendError(op, name, wl.Symlink(target, e.writable.path(name)))
}
