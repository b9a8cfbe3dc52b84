package snapfs

import (
	"io"
	"io/fs"
	"os"
	"path"
	"sort"
	"strings"
	"time"
)

// Stat returns file info for name, following symbolic links across mounts.
func (e *Engine) Stat(name string) (os.FileInfo, error) {
	name = cleanPath(name)
	if err := e.check("stat", name); err != nil {
		return nil, err
	}
	info, _, _, err := e.follow("stat", name)
	return info, err
}

// Lstat returns file info without following a final symbolic link.
func (e *Engine) Lstat(name string) (os.FileInfo, error) {
	name = cleanPath(name)
	if err := e.check("lstat", name); err != nil {
		return nil, err
	}
	info, _, err := e.lookup(name)
	return info, err
}

// Exists reports whether name resolves to an entry, following links.
func (e *Engine) Exists(name string) (bool, error) {
	_, err := e.Stat(name)
	switch {
	case err == nil:
		return true, nil
	case os.IsNotExist(err):
		return false, nil
	}
	return false, err
}

// ReadFile reads the named file from the mount that serves it.
func (e *Engine) ReadFile(name string) ([]byte, error) {
	name = cleanPath(name)
	if err := e.check("read", name); err != nil {
		return nil, err
	}

	info, m, target, err := e.follow("read", name)
	if err != nil {
		return nil, err
	}
	if info.IsDir() {
		return nil, pathError("read", name, ErrIsADirectory)
	}

	f, err := m.Backend.OpenFile(m.path(target), os.O_RDONLY, 0)
	if err != nil {
		return nil, backendError("read", name, err)
	}
	defer f.Close()

	return io.ReadAll(f)
}

// WriteFile replaces the content of name in the writable mount, creating
// the file and any missing ancestor directories. A file inherited from the
// readable mount keeps its mode.
func (e *Engine) WriteFile(name string, data []byte, perm os.FileMode) error {
	name = cleanPath(name)
	if err := e.check("write", name); err != nil {
		return err
	}
	if err := checkName("write", name); err != nil {
		return err
	}
	w, err := e.getWritable("write", name)
	if err != nil {
		return err
	}
	if name == "/" {
		return pathError("write", name, ErrIsADirectory)
	}

	target, err := e.writeTarget("write", name)
	if err != nil {
		return err
	}
	if err := e.copyUpParents("write", target); err != nil {
		return err
	}
	existing, _, err := e.lookup(target)
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	if existing != nil {
		if existing.IsDir() {
			return pathError("write", name, ErrIsADirectory)
		}
		perm = existing.Mode().Perm()
	}

	f, err := w.Backend.OpenFile(w.path(target), os.O_WRONLY|os.O_CREATE|os.O_TRUNC, perm)
	if err != nil {
		return backendError("write", name, err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return backendError("write", name, err)
	}
	if err := f.Close(); err != nil {
		return backendError("write", name, err)
	}
	e.clearTombstone(target)
	e.invalidate(target)

	if existing != nil {
		e.hub.publish(EventChange, target)
	} else {
		e.hub.publish(EventRename, target)
	}
	return nil
}

// writeTarget follows symlinks at name so writes land on the link target.
func (e *Engine) writeTarget(op, name string) (string, error) {
	for depth := 0; depth < maxSymlinkDepth; depth++ {
		info, m, err := e.lookup(name)
		if err != nil || info.Mode()&os.ModeSymlink == 0 {
			return name, nil
		}
		target, err := e.readlink(op, name, m)
		if err != nil {
			return "", err
		}
		name = resolveLinkTarget(name, target)
	}
	return "", pathError(op, name, ErrTooManyLinks)
}

// Mkdir creates a single directory in the writable mount. The parent must
// already exist in the union view.
func (e *Engine) Mkdir(name string, perm os.FileMode) error {
	name = cleanPath(name)
	if err := e.check("mkdir", name); err != nil {
		return err
	}
	if err := checkName("mkdir", name); err != nil {
		return err
	}
	if _, err := e.getWritable("mkdir", name); err != nil {
		return err
	}
	return e.mkdir(name, perm)
}

func (e *Engine) mkdir(name string, perm os.FileMode) error {
	if _, _, err := e.lookup(name); err == nil {
		return pathError("mkdir", name, ErrAlreadyExists)
	}
	parent := path.Dir(name)
	pinfo, _, _, err := e.follow("mkdir", parent)
	if err != nil {
		return pathError("mkdir", name, ErrNotFound)
	}
	if !pinfo.IsDir() {
		return pathError("mkdir", name, ErrNotADirectory)
	}

	if err := e.copyUpParents("mkdir", name); err != nil {
		return err
	}
	if err := e.materializeDir("mkdir", name, perm); err != nil {
		return err
	}
	e.hub.publish(EventRename, name)
	return nil
}

// MkdirAll creates a directory and all missing parents. Existing
// directories along the way are not an error.
func (e *Engine) MkdirAll(name string, perm os.FileMode) error {
	name = cleanPath(name)
	if err := e.check("mkdir", name); err != nil {
		return err
	}
	if err := checkName("mkdir", name); err != nil {
		return err
	}
	if _, err := e.getWritable("mkdir", name); err != nil {
		return err
	}

	for _, dir := range append(ancestors(name), name) {
		if dir == "/" {
			continue
		}
		info, _, _, err := e.follow("mkdir", dir)
		if err == nil {
			if !info.IsDir() {
				return pathError("mkdir", dir, ErrNotADirectory)
			}
			continue
		}
		if !os.IsNotExist(err) {
			return err
		}
		if err := e.mkdir(dir, perm); err != nil {
			return err
		}
	}
	return nil
}

// ReadDir reads the named directory and returns its entries merged across
// mounts. Writable entries override readable ones with the same name, and
// tombstoned names are excluded.
func (e *Engine) ReadDir(name string) ([]fs.DirEntry, error) {
	name = cleanPath(name)
	if err := e.check("readdir", name); err != nil {
		return nil, err
	}

	info, _, dir, err := e.follow("readdir", name)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return nil, pathError("readdir", name, ErrNotADirectory)
	}

	seen := make(map[string]bool)
	whiteouts := make(map[string]bool)
	opaque := false
	var entries []fs.DirEntry

	if w := e.writable; w != nil {
		if winfo, err := w.lstat(dir); err == nil && winfo.IsDir() {
			infos, err := readBackendDir(w, dir)
			if err != nil {
				return nil, backendError("readdir", name, err)
			}
			for _, fi := range infos {
				entryName := fi.Name()
				if entryName == OpaqueWhiteout {
					opaque = true
					continue
				}
				if original, ok := originalName(entryName); ok {
					whiteouts[original] = true
					continue
				}
				seen[entryName] = true
				entries = append(entries, fs.FileInfoToDirEntry(fi))
			}
		}
	}

	if r := e.readable; r != nil && !opaque && !e.hidden(dir) {
		if rinfo, err := r.lstat(dir); err == nil && rinfo.IsDir() {
			infos, err := readBackendDir(r, dir)
			if err != nil {
				return nil, backendError("readdir", name, err)
			}
			for _, fi := range infos {
				entryName := fi.Name()
				if seen[entryName] || whiteouts[entryName] || isWhiteout(entryName) {
					continue
				}
				seen[entryName] = true
				entries = append(entries, fs.FileInfoToDirEntry(fi))
			}
		}
	}

	// Sort entries by name
	sort.Slice(entries, func(i, j int) bool {
		a, b := strings.ToLower(entries[i].Name()), strings.ToLower(entries[j].Name())
		if a == b {
			return entries[i].Name() < entries[j].Name()
		}
		return a < b
	})
	return entries, nil
}

// readBackendDir lists a directory inside a single mount.
func readBackendDir(m *Mount, dir string) ([]os.FileInfo, error) {
	f, err := m.Backend.OpenFile(m.path(dir), os.O_RDONLY, 0)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return f.Readdir(-1)
}

// Remove deletes a file or an empty directory. Entries inherited from the
// readable mount are hidden with a tombstone.
func (e *Engine) Remove(name string) error {
	name = cleanPath(name)
	if err := e.check("remove", name); err != nil {
		return err
	}
	w, err := e.getWritable("remove", name)
	if err != nil {
		return err
	}

	info, m, err := e.lookup(name)
	if err != nil {
		return pathError("remove", name, ErrNotFound)
	}
	if info.IsDir() {
		entries, err := e.ReadDir(name)
		if err != nil {
			return err
		}
		if len(entries) > 0 {
			return pathError("remove", name, ErrNotEmpty)
		}
	}

	if m == w {
		// directories may still hold tombstone markers
		if err := w.Backend.RemoveAll(w.path(name)); err != nil {
			return backendError("remove", name, err)
		}
	}
	e.invalidate(name)
	if e.inReadable(name) {
		if err := e.tombstone("remove", name); err != nil {
			return err
		}
	}
	e.invalidate(name)
	e.hub.publish(EventRename, name)
	return nil
}

// RemoveAll removes name and everything beneath it. A missing path is not an
// error.
func (e *Engine) RemoveAll(name string) error {
	name = cleanPath(name)
	if err := e.check("removeall", name); err != nil {
		return err
	}
	w, err := e.getWritable("removeall", name)
	if err != nil {
		return err
	}
	if name == "/" {
		return pathError("removeall", name, os.ErrInvalid)
	}

	_, m, err := e.lookup(name)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}

	if m == w {
		if err := w.Backend.RemoveAll(w.path(name)); err != nil {
			return backendError("removeall", name, err)
		}
	}
	e.invalidate(name)
	if e.inReadable(name) {
		if err := e.tombstone("removeall", name); err != nil {
			return err
		}
	}
	e.invalidate(name)
	e.hub.publish(EventRename, name)
	return nil
}

// Rename moves oldname to newname inside the writable mount, copying
// readable content up first and hiding the old readable path.
func (e *Engine) Rename(oldname, newname string) error {
	oldname = cleanPath(oldname)
	newname = cleanPath(newname)
	if err := e.check("rename", oldname); err != nil {
		return err
	}
	if err := checkName("rename", newname); err != nil {
		return err
	}
	w, err := e.getWritable("rename", oldname)
	if err != nil {
		return err
	}
	if oldname == newname {
		return nil
	}
	if strings.HasPrefix(newname, oldname+"/") {
		return pathError("rename", newname, os.ErrInvalid)
	}

	info, _, err := e.lookup(oldname)
	if err != nil {
		return err
	}
	if dst, _, err := e.lookup(newname); err == nil {
		if dst.IsDir() != info.IsDir() {
			if dst.IsDir() {
				return pathError("rename", newname, ErrIsADirectory)
			}
			return pathError("rename", newname, ErrNotADirectory)
		}
		if dst.IsDir() {
			if entries, err := e.ReadDir(newname); err != nil || len(entries) > 0 {
				return pathError("rename", newname, ErrNotEmpty)
			}
		}
		if err := e.RemoveAll(newname); err != nil {
			return err
		}
	}

	if e.readable != nil && e.inReadable(oldname) {
		if err := e.copyUp("rename", oldname, info); err != nil {
			return err
		}
	}
	if err := e.copyUpParents("rename", newname); err != nil {
		return err
	}
	hideNew := info.IsDir() && e.readable != nil && e.readable.exists(newname)
	e.clearTombstone(newname)

	if err := w.Backend.Rename(w.path(oldname), w.path(newname)); err != nil {
		return backendError("rename", oldname, err)
	}
	if hideNew {
		if err := e.touch("rename", path.Join(newname, OpaqueWhiteout)); err != nil {
			return err
		}
	}
	e.invalidate(oldname)
	e.invalidate(newname)
	if e.inReadable(oldname) {
		if err := e.tombstone("rename", oldname); err != nil {
			return err
		}
		e.invalidate(oldname)
	}

	e.hub.publish(EventRename, oldname)
	e.hub.publish(EventRename, newname)
	return nil
}

// Chmod changes the mode of name, copying it up first if needed.
func (e *Engine) Chmod(name string, mode os.FileMode) error {
	name = cleanPath(name)
	target, err := e.prepareMetadata("chmod", name)
	if err != nil {
		return err
	}
	w := e.writable
	if err := w.Backend.Chmod(w.path(target), mode); err != nil {
		return backendError("chmod", name, err)
	}
	e.invalidate(target)
	e.hub.publish(EventChange, target)
	return nil
}

// Chtimes changes access and modification times, copying name up first if needed.
func (e *Engine) Chtimes(name string, atime, mtime time.Time) error {
	name = cleanPath(name)
	target, err := e.prepareMetadata("chtimes", name)
	if err != nil {
		return err
	}
	w := e.writable
	if err := w.Backend.Chtimes(w.path(target), atime, mtime); err != nil {
		return backendError("chtimes", name, err)
	}
	e.invalidate(target)
	e.hub.publish(EventChange, target)
	return nil
}

// prepareMetadata resolves name through links and copies the target up.
func (e *Engine) prepareMetadata(op, name string) (string, error) {
	if err := e.check(op, name); err != nil {
		return "", err
	}
	if _, err := e.getWritable(op, name); err != nil {
		return "", err
	}
	info, m, target, err := e.follow(op, name)
	if err != nil {
		return "", err
	}
	if m == e.readable {
		if err := e.copyUp(op, target, info); err != nil {
			return "", err
		}
	}
	return target, nil
}
