package snapfs

import (
	"io"
	"io/fs"
	"os"
)

// dirFile is an open directory of the merged tree. Entries are loaded on the
// first ReadDir and served from a cursor afterwards.
type dirFile struct {
	e       *Engine
	path    string
	info    fs.FileInfo
	entries []fs.DirEntry
	loaded  bool
	offset  int
	closed  bool
}

var _ fs.ReadDirFile = (*dirFile)(nil)

func newDirFile(e *Engine, p string, info fs.FileInfo) *dirFile {
	return &dirFile{e: e, path: p, info: info}
}

// Close closes the directory
func (d *dirFile) Close() error {
	if d.closed {
		return os.ErrClosed
	}
	d.closed = true
	return nil
}

// Read is not supported for directories
func (d *dirFile) Read(p []byte) (int, error) {
	return 0, &fs.PathError{Op: "read", Path: d.path, Err: ErrIsADirectory}
}

// Stat returns the FileInfo for the directory
func (d *dirFile) Stat() (fs.FileInfo, error) {
	if d.closed {
		return nil, os.ErrClosed
	}
	return d.info, nil
}

// ReadDir returns the next n entries. With n <= 0 it returns everything left
// and a nil error; with n > 0 it returns io.EOF once the listing is drained.
func (d *dirFile) ReadDir(n int) ([]fs.DirEntry, error) {
	if d.closed {
		return nil, os.ErrClosed
	}
	if !d.loaded {
		entries, err := d.e.ReadDir(d.path)
		if err != nil {
			return nil, err
		}
		d.entries, d.loaded = entries, true
	}

	rest := d.entries[d.offset:]
	if n <= 0 {
		d.offset = len(d.entries)
		return rest, nil
	}
	if len(rest) == 0 {
		return nil, io.EOF
	}
	if n > len(rest) {
		n = len(rest)
	}
	d.offset += n
	return rest[:n], nil
}
