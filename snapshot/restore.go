package snapshot

import (
	"fmt"
	"io"
	"os"
	"path"
	"time"

	"github.com/absfs/memfs"
	"github.com/absfs/snapfs"
)

// Restore decodes buf into an in-memory tree and returns an engine with that
// tree mounted read-only and writable mounted read-write. A nil writable
// backend gets a fresh in-memory overlay. opts are applied after the mounts.
func Restore(buf []byte, writable snapfs.Backend, opts ...snapfs.Option) (*snapfs.Engine, error) {
	tree, err := Load(buf)
	if err != nil {
		return nil, err
	}
	if writable == nil {
		if writable, err = memfs.NewFS(); err != nil {
			return nil, err
		}
	}
	opts = append([]snapfs.Option{
		snapfs.WithReadableMount(tree),
		snapfs.WithWritableMount(writable),
	}, opts...)
	return snapfs.New(opts...), nil
}

// Load decodes buf into a new in-memory filesystem.
func Load(buf []byte) (*memfs.FileSystem, error) {
	tree, err := memfs.NewFS()
	if err != nil {
		return nil, err
	}
	links := snapfs.TextLinks(tree)

	type dirTimes struct {
		name  string
		mtime time.Time
	}
	var dirs []dirTimes

	err = Walk(buf, func(e Entry, content io.Reader) error {
		name := "/" + e.Name
		switch {
		case e.IsDir():
			if err := tree.MkdirAll(name, e.Mode.Perm()); err != nil {
				return err
			}
			dirs = append(dirs, dirTimes{name, e.ModTime})
			return nil
		case e.IsLink():
			if err := tree.MkdirAll(path.Dir(name), 0o755); err != nil {
				return err
			}
			return links.Symlink(e.Target, name)
		}
		if err := tree.MkdirAll(path.Dir(name), 0o755); err != nil {
			return err
		}
		f, err := tree.OpenFile(name, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, e.Mode.Perm())
		if err != nil {
			return err
		}
		if _, err := io.Copy(f, content); err != nil {
			f.Close()
			return err
		}
		if err := f.Close(); err != nil {
			return err
		}
		return tree.Chtimes(name, e.ModTime, e.ModTime)
	})
	if err != nil {
		return nil, fmt.Errorf("restore: %w", err)
	}

	// Children were written after their directories.
	for _, d := range dirs {
		if err := tree.Chtimes(d.name, d.mtime, d.mtime); err != nil {
			return nil, fmt.Errorf("restore: %w", err)
		}
	}
	return tree, nil
}
