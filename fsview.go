package snapfs

import (
	"io/fs"
	"os"
)

// engineFS is a read-only io/fs view of an Engine.
type engineFS struct {
	e *Engine
}

var (
	_ fs.ReadFileFS = engineFS{}
	_ fs.ReadDirFS  = engineFS{}
	_ fs.StatFS     = engineFS{}
)

// FS returns a read-only io/fs view of the merged tree. Names are unrooted
// and slash separated as io/fs requires; "." is the engine root.
//
// Example:
//
//	e := snapfs.New(snapfs.WithReadableMount(base))
//	http.Handle("/files/", http.StripPrefix("/files/", http.FileServer(http.FS(e.FS()))))
func (e *Engine) FS() fs.FS {
	return engineFS{e: e}
}

func (f engineFS) name(op, name string) (string, error) {
	if !fs.ValidPath(name) {
		return "", &fs.PathError{Op: op, Path: name, Err: fs.ErrInvalid}
	}
	return cleanPath(name), nil
}

// Open opens name for reading. Directories return a handle whose ReadDir
// merges both mounts.
func (f engineFS) Open(name string) (fs.File, error) {
	p, err := f.name("open", name)
	if err != nil {
		return nil, err
	}
	if err := f.e.check("open", p); err != nil {
		return nil, err
	}
	info, m, target, err := f.e.follow("open", p)
	if err != nil {
		return nil, err
	}
	if info.IsDir() {
		return newDirFile(f.e, target, info), nil
	}
	file, err := m.Backend.OpenFile(m.path(target), os.O_RDONLY, 0)
	if err != nil {
		return nil, backendError("open", p, err)
	}
	return file, nil
}

func (f engineFS) ReadFile(name string) ([]byte, error) {
	p, err := f.name("readfile", name)
	if err != nil {
		return nil, err
	}
	return f.e.ReadFile(p)
}

func (f engineFS) ReadDir(name string) ([]fs.DirEntry, error) {
	p, err := f.name("readdir", name)
	if err != nil {
		return nil, err
	}
	return f.e.ReadDir(p)
}

func (f engineFS) Stat(name string) (fs.FileInfo, error) {
	p, err := f.name("stat", name)
	if err != nil {
		return nil, err
	}
	return f.e.Stat(p)
}
