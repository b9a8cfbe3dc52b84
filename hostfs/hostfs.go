// Package hostfs exposes a host directory as a snapfs backend. Paths are
// slash separated and rooted at the directory; ".." never leaves it.
package hostfs

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/absfs/absfs"
	"github.com/absfs/snapfs"
)

// FileSystem is a pass-through view of a host directory.
type FileSystem struct {
	root   string
	logger *slog.Logger
}

var (
	_ snapfs.LinkBackend      = (*FileSystem)(nil)
	_ snapfs.WatchableBackend = (*FileSystem)(nil)
)

// Option configures a FileSystem.
type Option func(*FileSystem)

// WithLogger sets the logger used for watch diagnostics.
func WithLogger(logger *slog.Logger) Option {
	return func(f *FileSystem) {
		f.logger = logger
	}
}

// New returns a FileSystem rooted at dir, which must exist.
func New(dir string, opts ...Option) (*FileSystem, error) {
	root, err := filepath.Abs(dir)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(root)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return nil, &fs.PathError{Op: "open", Path: dir, Err: snapfs.ErrNotADirectory}
	}
	f := &FileSystem{root: root, logger: slog.Default()}
	for _, opt := range opts {
		opt(f)
	}
	return f, nil
}

// NewSource returns a FileSystem over the whole host tree and the path of
// dir inside it. Capturing that path lets links that leave dir be resolved.
func NewSource(dir string, opts ...Option) (*FileSystem, string, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, "", err
	}
	f, err := New(filepath.VolumeName(abs)+string(filepath.Separator), opts...)
	if err != nil {
		return nil, "", err
	}
	return f, path.Clean("/" + filepath.ToSlash(strings.TrimPrefix(abs, filepath.VolumeName(abs)))), nil
}

// Root returns the host directory.
func (f *FileSystem) Root() string { return f.root }

// host translates a slash path into a host path below root.
func (f *FileSystem) host(name string) string {
	return filepath.Join(f.root, filepath.FromSlash(path.Clean("/"+name)))
}

// virtual translates a host path below root back into a slash path.
func (f *FileSystem) virtual(hostPath string) (string, bool) {
	rel, err := filepath.Rel(f.root, hostPath)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", false
	}
	return path.Clean("/" + filepath.ToSlash(rel)), true
}

// fix replaces host paths in err with the name the caller used.
func fix(err error, name string) error {
	var pe *fs.PathError
	if errors.As(err, &pe) {
		return &fs.PathError{Op: pe.Op, Path: name, Err: pe.Err}
	}
	var le *os.LinkError
	if errors.As(err, &le) {
		return &fs.PathError{Op: le.Op, Path: name, Err: le.Err}
	}
	return err
}

type file struct {
	*os.File
	name string
}

func (f *file) Name() string { return f.name }

func (f *FileSystem) OpenFile(name string, flag int, perm os.FileMode) (absfs.File, error) {
	h, err := os.OpenFile(f.host(name), flag, perm)
	if err != nil {
		return nil, fix(err, name)
	}
	return &file{File: h, name: name}, nil
}

func (f *FileSystem) Mkdir(name string, perm os.FileMode) error {
	return fix(os.Mkdir(f.host(name), perm), name)
}

func (f *FileSystem) MkdirAll(name string, perm os.FileMode) error {
	return fix(os.MkdirAll(f.host(name), perm), name)
}

func (f *FileSystem) Remove(name string) error {
	return fix(os.Remove(f.host(name)), name)
}

func (f *FileSystem) RemoveAll(name string) error {
	return fix(os.RemoveAll(f.host(name)), name)
}

func (f *FileSystem) Rename(oldpath, newpath string) error {
	return fix(os.Rename(f.host(oldpath), f.host(newpath)), oldpath)
}

func (f *FileSystem) Stat(name string) (os.FileInfo, error) {
	info, err := os.Stat(f.host(name))
	return info, fix(err, name)
}

func (f *FileSystem) Lstat(name string) (os.FileInfo, error) {
	info, err := os.Lstat(f.host(name))
	return info, fix(err, name)
}

func (f *FileSystem) Chmod(name string, mode os.FileMode) error {
	return fix(os.Chmod(f.host(name), mode), name)
}

func (f *FileSystem) Chtimes(name string, atime, mtime time.Time) error {
	return fix(os.Chtimes(f.host(name), atime, mtime), name)
}

// Readlink returns the link target. Absolute host targets below root are
// reported as slash paths in the FileSystem's namespace.
func (f *FileSystem) Readlink(name string) (string, error) {
	target, err := os.Readlink(f.host(name))
	if err != nil {
		return "", fix(err, name)
	}
	if filepath.IsAbs(target) {
		if v, ok := f.virtual(target); ok {
			return v, nil
		}
	}
	return filepath.ToSlash(target), nil
}

// Symlink creates newname pointing at oldname. Absolute targets are taken
// relative to root so the link resolves the same way on the host.
func (f *FileSystem) Symlink(oldname, newname string) error {
	target := filepath.FromSlash(oldname)
	if path.IsAbs(oldname) {
		target = f.host(oldname)
	}
	return fix(os.Symlink(target, f.host(newname)), newname)
}

func (f *FileSystem) ReadDir(name string) ([]fs.DirEntry, error) {
	entries, err := os.ReadDir(f.host(name))
	return entries, fix(err, name)
}

func (f *FileSystem) ReadFile(name string) ([]byte, error) {
	data, err := os.ReadFile(f.host(name))
	return data, fix(err, name)
}

func (f *FileSystem) String() string {
	return fmt.Sprintf("hostfs(%s)", f.root)
}
