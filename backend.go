package snapfs

import (
	"context"
	"os"
	"path"
	"time"

	"github.com/absfs/absfs"
)

// Backend is the fixed set of storage operations the engine issues against a
// mount. absfs filesystems such as memfs satisfy it directly.
type Backend interface {
	OpenFile(name string, flag int, perm os.FileMode) (absfs.File, error)
	Mkdir(name string, perm os.FileMode) error
	MkdirAll(name string, perm os.FileMode) error
	Remove(name string) error
	RemoveAll(name string) error
	Rename(oldpath, newpath string) error
	Stat(name string) (os.FileInfo, error)
	Chmod(name string, mode os.FileMode) error
	Chtimes(name string, atime time.Time, mtime time.Time) error
}

// LinkBackend is implemented by backends that support symbolic links.
type LinkBackend interface {
	Backend
	Lstat(name string) (os.FileInfo, error)
	Readlink(name string) (string, error)
	Symlink(oldname, newname string) error
}

// WatchableBackend is implemented by backends that can report changes made
// underneath them, for example by another process on the host. Events carry
// the base name of the changed entry. The error channel delivers at most one
// fault; both channels are closed when ctx is done.
//
// A backend that cannot watch a particular path returns errors.ErrUnsupported.
type WatchableBackend interface {
	Backend
	Watch(ctx context.Context, name string) (<-chan Event, <-chan error, error)
}

// Mode is the access mode of a mount.
type Mode int

const (
	// ReadOnly mounts are never opened for writing.
	ReadOnly Mode = iota
	// ReadWrite mounts receive every mutation.
	ReadWrite
)

func (m Mode) String() string {
	if m == ReadWrite {
		return "read-write"
	}
	return "read-only"
}

// Mount attaches a backend at a path with a fixed access mode.
type Mount struct {
	Backend Backend
	Path    string
	Mode    Mode
}

func newMount(b Backend, mountPath string, mode Mode) *Mount {
	return &Mount{Backend: linkCapable(b), Path: cleanPath(mountPath), Mode: mode}
}

// path translates an engine path into the backend's namespace.
func (m *Mount) path(name string) string {
	if m.Path == "/" {
		return name
	}
	return path.Join(m.Path, name)
}

func (m *Mount) label() string {
	if m.Mode == ReadWrite {
		return "writable"
	}
	return "readable"
}

func (m *Mount) stat(name string) (os.FileInfo, error) {
	return m.Backend.Stat(m.path(name))
}

// lstat falls back to Stat for backends without link support.
func (m *Mount) lstat(name string) (os.FileInfo, error) {
	if lb, ok := m.Backend.(LinkBackend); ok {
		return lb.Lstat(m.path(name))
	}
	return m.Backend.Stat(m.path(name))
}

func (m *Mount) exists(name string) bool {
	_, err := m.lstat(name)
	return err == nil
}
