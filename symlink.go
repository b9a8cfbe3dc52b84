package snapfs

import (
	"os"
	"path"
)

// maxSymlinkDepth bounds link resolution, same as Linux MAXSYMLINKS
const maxSymlinkDepth = 40

// Readlink returns the destination of a symlink
func (e *Engine) Readlink(name string) (string, error) {
	name = cleanPath(name)
	if err := e.check("readlink", name); err != nil {
		return "", err
	}
	info, m, err := e.lookup(name)
	if err != nil {
		return "", err
	}
	if info.Mode()&os.ModeSymlink == 0 {
		return "", pathError("readlink", name, os.ErrInvalid)
	}
	return e.readlink("readlink", name, m)
}

func (e *Engine) readlink(op, name string, m *Mount) (string, error) {
	linker, ok := m.Backend.(LinkBackend)
	if !ok {
		return "", pathError(op, name, ErrUnsupportedLink)
	}
	target, err := linker.Readlink(m.path(name))
	if err != nil {
		return "", backendError(op, name, err)
	}
	return target, nil
}

// Symlink creates newname in the writable mount pointing at oldname. The
// target is stored verbatim and may live in either mount.
func (e *Engine) Symlink(oldname, newname string) error {
	newname = cleanPath(newname)
	if err := e.check("symlink", newname); err != nil {
		return err
	}
	if err := checkName("symlink", newname); err != nil {
		return err
	}
	w, err := e.getWritable("symlink", newname)
	if err != nil {
		return err
	}
	linker, ok := w.Backend.(LinkBackend)
	if !ok {
		return pathError("symlink", newname, ErrUnsupportedLink)
	}
	if _, _, err := e.lookup(newname); err == nil {
		return pathError("symlink", newname, ErrAlreadyExists)
	}

	if err := e.copyUpParents("symlink", newname); err != nil {
		return err
	}
	e.clearTombstone(newname)
	if err := linker.Symlink(oldname, w.path(newname)); err != nil {
		return backendError("symlink", newname, err)
	}
	e.invalidate(newname)
	e.hub.publish(EventRename, newname)
	return nil
}

// resolveLinkTarget resolves a link target relative to the link's directory.
func resolveLinkTarget(link, target string) string {
	if path.IsAbs(target) {
		return cleanPath(target)
	}
	return cleanPath(path.Join(path.Dir(link), target))
}

// follow resolves name through symbolic links in any mount and returns the
// final entry, the mount serving it and its path.
func (e *Engine) follow(op, name string) (os.FileInfo, *Mount, string, error) {
	visited := make(map[string]bool)
	for depth := 0; depth < maxSymlinkDepth; depth++ {
		info, m, err := e.lookup(name)
		if err != nil {
			return nil, nil, name, err
		}
		if info.Mode()&os.ModeSymlink == 0 {
			return info, m, name, nil
		}
		if visited[name] {
			break
		}
		visited[name] = true

		target, err := e.readlink(op, name, m)
		if err != nil {
			return nil, nil, name, err
		}
		name = resolveLinkTarget(name, target)
	}
	return nil, nil, name, pathError(op, name, ErrTooManyLinks)
}
