package snapshot

import (
	"errors"
	"io"
	"io/fs"
	"os"
	"sort"

	"github.com/absfs/memfs"
	"github.com/absfs/snapfs"
)

// Source is a tree that can be captured. Paths are slash separated and
// absolute in the source's own namespace. *snapfs.Engine satisfies Source.
type Source interface {
	Lstat(name string) (fs.FileInfo, error)
	Readlink(name string) (string, error)
	ReadDir(name string) ([]fs.DirEntry, error)
	ReadFile(name string) ([]byte, error)
}

var _ Source = (*snapfs.Engine)(nil)

type backendSource struct {
	b snapfs.Backend
}

// FileSystemSource adapts a single backend, such as the memfs tree of a
// restored snapshot, to Source. Backends without link support report every
// entry through Stat and have no links to read.
func FileSystemSource(b snapfs.Backend) Source {
	if m, ok := b.(*memfs.FileSystem); ok {
		b = snapfs.TextLinks(m)
	}
	return backendSource{b: b}
}

func (s backendSource) Lstat(name string) (fs.FileInfo, error) {
	if lb, ok := s.b.(snapfs.LinkBackend); ok {
		return lb.Lstat(name)
	}
	return s.b.Stat(name)
}

func (s backendSource) Readlink(name string) (string, error) {
	if lb, ok := s.b.(snapfs.LinkBackend); ok {
		return lb.Readlink(name)
	}
	return "", &os.PathError{Op: "readlink", Path: name, Err: errors.ErrUnsupported}
}

func (s backendSource) ReadDir(name string) ([]fs.DirEntry, error) {
	f, err := s.b.OpenFile(name, os.O_RDONLY, 0)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	infos, err := f.Readdir(-1)
	if err != nil {
		return nil, err
	}
	entries := make([]fs.DirEntry, 0, len(infos))
	for _, info := range infos {
		if info.Name() == "." || info.Name() == ".." {
			continue
		}
		entries = append(entries, fs.FileInfoToDirEntry(info))
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })
	return entries, nil
}

func (s backendSource) ReadFile(name string) ([]byte, error) {
	f, err := s.b.OpenFile(name, os.O_RDONLY, 0)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return io.ReadAll(f)
}
