package snapfs

import (
	"io"
	"os"

	"github.com/absfs/memfs"
)

// textLinks keeps symbolic links as small files holding the target path,
// typed with os.ModeSymlink. The target is never resolved when the link is
// made, so dangling, relative and cross-mount links all work. The wrapped
// backend must keep the type bits passed to Chmod, which memfs does.
type textLinks struct {
	Backend
}

// TextLinks returns b with symbolic links stored as text. Links already made
// by b itself are still readable through the result.
func TextLinks(b Backend) LinkBackend {
	if t, ok := b.(*textLinks); ok {
		return t
	}
	return &textLinks{Backend: b}
}

// linkCapable gives memfs trees text links. memfs only links to targets that
// already exist, which rules out most overlay links.
func linkCapable(b Backend) Backend {
	if m, ok := b.(*memfs.FileSystem); ok {
		return TextLinks(m)
	}
	return b
}

func (t *textLinks) Lstat(name string) (os.FileInfo, error) {
	if lb, ok := t.Backend.(LinkBackend); ok {
		return lb.Lstat(name)
	}
	return t.Backend.Stat(name)
}

func (t *textLinks) Readlink(name string) (string, error) {
	info, err := t.Lstat(name)
	if err != nil {
		return "", err
	}
	if info.Mode()&os.ModeSymlink == 0 {
		return "", &os.PathError{Op: "readlink", Path: name, Err: os.ErrInvalid}
	}
	if lb, ok := t.Backend.(LinkBackend); ok {
		if target, err := lb.Readlink(name); err == nil && target != "" {
			return target, nil
		}
	}
	f, err := t.Backend.OpenFile(name, os.O_RDONLY, 0)
	if err != nil {
		return "", err
	}
	defer f.Close()
	data, err := io.ReadAll(f)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func (t *textLinks) Symlink(oldname, newname string) error {
	if oldname == "" {
		return &os.LinkError{Op: "symlink", Old: oldname, New: newname, Err: os.ErrInvalid}
	}
	if _, err := t.Lstat(newname); err == nil {
		return &os.LinkError{Op: "symlink", Old: oldname, New: newname, Err: os.ErrExist}
	}
	f, err := t.Backend.OpenFile(newname, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0o777)
	if err != nil {
		return err
	}
	_, err = f.Write([]byte(oldname))
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err == nil {
		err = t.Backend.Chmod(newname, os.ModeSymlink|0o777)
	}
	if err != nil {
		t.Backend.Remove(newname)
		return err
	}
	return nil
}

// Stat follows links inside this backend only.
func (t *textLinks) Stat(name string) (os.FileInfo, error) {
	link := name
	for depth := 0; depth < maxSymlinkDepth; depth++ {
		info, err := t.Lstat(link)
		if err != nil {
			return nil, err
		}
		if info.Mode()&os.ModeSymlink == 0 {
			return info, nil
		}
		target, err := t.Readlink(link)
		if err != nil {
			return nil, err
		}
		link = resolveLinkTarget(link, target)
	}
	return nil, &os.PathError{Op: "stat", Path: name, Err: ErrTooManyLinks}
}
