package snapshot

import (
	"archive/tar"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"path"
	"strings"

	"github.com/absfs/snapfs"
	"github.com/c2h5oh/datasize"
	"github.com/dustin/go-humanize"
	"github.com/klauspost/compress/zstd"
)

// maxLinkDepth bounds link resolution while deciding how to store a link.
const maxLinkDepth = 40

// Config selects what a capture stores.
type Config struct {
	// Root is the directory captured, in the source's namespace.
	Root string
	// Include lists patterns a path must match. Empty includes everything.
	Include []string
	// Exclude lists patterns that drop a path. Exclude wins over include
	// at equal specificity.
	Exclude []string
	// IgnoreFile is a gitignore-style file, relative to Root, whose
	// patterns are added to Exclude. A missing file is not an error.
	IgnoreFile string
	// Capacity bounds the encoded snapshot. Zero means DefaultCapacity.
	Capacity datasize.ByteSize

	Logger *slog.Logger
}

// DefaultConfig captures root with the usual exclusions.
func DefaultConfig(root string) Config {
	return Config{
		Root:       root,
		Include:    []string{"."},
		Exclude:    []string{".git"},
		IgnoreFile: ".gitignore",
		Capacity:   DefaultCapacity,
	}
}

// Stats summarizes a capture.
type Stats struct {
	Files   int
	Dirs    int
	Links   int
	Bytes   int64
	Encoded int
}

type capturer struct {
	ctx    context.Context
	src    Source
	root   string
	filter *Filter
	tw     *tar.Writer
	dirs   map[string]bool
	stats  Stats
}

// Capture walks cfg.Root in src depth first and encodes every admitted entry
// into a buffer of at most cfg.Capacity bytes. A capture that does not fit
// fails with ErrSnapshotOverflow; no partial buffer is returned.
func Capture(ctx context.Context, src Source, cfg Config) (*Buffer, error) {
	buf, _, err := CaptureStats(ctx, src, cfg)
	return buf, err
}

// CaptureStats is Capture that also reports what was stored.
func CaptureStats(ctx context.Context, src Source, cfg Config) (*Buffer, Stats, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	capacity := cfg.Capacity
	if capacity == 0 {
		capacity = DefaultCapacity
	}
	root := cfg.Root
	if root == "" {
		root = "/"
	}
	root = path.Clean(root)

	info, err := src.Lstat(root)
	if err != nil {
		return nil, Stats{}, fmt.Errorf("capture %s: %w", root, err)
	}
	if !info.IsDir() {
		return nil, Stats{}, &fs.PathError{Op: "capture", Path: root, Err: snapfs.ErrNotADirectory}
	}

	filter, err := NewFilter(cfg.Include, cfg.Exclude)
	if err != nil {
		return nil, Stats{}, fmt.Errorf("capture %s: %w", root, err)
	}
	if cfg.IgnoreFile != "" {
		if err := loadIgnoreFile(src, root, cfg.IgnoreFile, filter); err != nil {
			return nil, Stats{}, err
		}
	}

	w := newBoundedWriter(int(capacity))
	_, _ = w.Write(magic)
	enc, err := zstd.NewWriter(w, zstd.WithEncoderConcurrency(1))
	if err != nil {
		return nil, Stats{}, err
	}
	c := &capturer{
		ctx:    ctx,
		src:    src,
		root:   root,
		filter: filter,
		tw:     tar.NewWriter(enc),
		dirs:   map[string]bool{"": true},
	}

	err = c.walk(root)
	if err == nil {
		err = c.tw.Close()
	}
	if cerr := enc.Close(); err == nil {
		err = cerr
	}
	if w.overflow {
		return nil, Stats{}, fmt.Errorf("capture %s: %w (capacity %s)", root, ErrSnapshotOverflow, capacity.HR())
	}
	if err != nil {
		return nil, Stats{}, err
	}

	c.stats.Encoded = len(w.buf)
	logger.Info("snapshot captured",
		"root", root,
		"files", c.stats.Files,
		"dirs", c.stats.Dirs,
		"links", c.stats.Links,
		"content", humanize.Bytes(uint64(c.stats.Bytes)),
		"encoded", humanize.Bytes(uint64(c.stats.Encoded)))
	return &Buffer{data: w.buf}, c.stats, nil
}

func loadIgnoreFile(src Source, root, name string, filter *Filter) error {
	name = strings.TrimPrefix(path.Clean("/"+name), "/")
	data, err := src.ReadFile(path.Join(root, name))
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read ignore file: %w", err)
	}
	patterns, err := ReadIgnoreFile(data)
	if err != nil {
		return fmt.Errorf("parse ignore file %s: %w", name, err)
	}
	return filter.AddExcludes(patterns, path.Dir(name))
}

func (c *capturer) rel(p string) string {
	if c.root == "/" {
		return strings.TrimPrefix(p, "/")
	}
	return strings.TrimPrefix(p, c.root+"/")
}

func (c *capturer) walk(dir string) error {
	entries, err := c.src.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("capture: %w", err)
	}
	for _, ent := range entries {
		if err := c.ctx.Err(); err != nil {
			return err
		}
		p := path.Join(dir, ent.Name())
		rel := c.rel(p)

		info, err := c.src.Lstat(p)
		if err != nil {
			return fmt.Errorf("capture: %w", err)
		}
		switch {
		case info.IsDir():
			if c.filter.Descend(rel) {
				if err := c.walk(p); err != nil {
					return err
				}
			}
		case info.Mode()&fs.ModeSymlink != 0:
			if c.filter.Admit(rel, false) {
				if err := c.link(p, rel, info); err != nil {
					return err
				}
			}
		case info.Mode().IsRegular():
			if c.filter.Admit(rel, false) {
				if err := c.file(p, rel, info); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

// parents writes the directory entries leading to rel that are not yet in
// the snapshot.
func (c *capturer) parents(rel string) error {
	var missing []string
	for dir := path.Dir(rel); dir != "." && !c.dirs[dir]; dir = path.Dir(dir) {
		missing = append(missing, dir)
	}
	for i := len(missing) - 1; i >= 0; i-- {
		dir := missing[i]
		info, err := c.src.Lstat(path.Join(c.root, dir))
		if err != nil {
			return fmt.Errorf("capture: %w", err)
		}
		e := Entry{Name: dir, Mode: fs.ModeDir | info.Mode().Perm(), ModTime: info.ModTime()}
		if err := c.tw.WriteHeader(e.header()); err != nil {
			return err
		}
		c.dirs[dir] = true
		c.stats.Dirs++
	}
	return nil
}

func (c *capturer) file(p, rel string, info fs.FileInfo) error {
	data, err := c.src.ReadFile(p)
	if err != nil {
		return fmt.Errorf("capture: %w", err)
	}
	return c.writeFile(rel, info, data)
}

func (c *capturer) writeFile(rel string, info fs.FileInfo, data []byte) error {
	if err := c.parents(rel); err != nil {
		return err
	}
	e := Entry{Name: rel, Mode: info.Mode().Perm(), Size: int64(len(data)), ModTime: info.ModTime()}
	if err := c.tw.WriteHeader(e.header()); err != nil {
		return err
	}
	if _, err := c.tw.Write(data); err != nil {
		return err
	}
	c.stats.Files++
	c.stats.Bytes += int64(len(data))
	return nil
}

// link stores a symlink. Links inside the captured tree stay links, with
// absolute targets rewritten relative to the link. A link leaving the tree
// is replaced by its target's content when that is a regular file; dangling
// and circular links are kept as they are.
func (c *capturer) link(p, rel string, info fs.FileInfo) error {
	target, err := c.src.Readlink(p)
	if err != nil {
		return fmt.Errorf("capture: %w", err)
	}
	resolved := target
	if !path.IsAbs(resolved) {
		resolved = path.Join(path.Dir(p), target)
	}

	if within(resolved, c.root) {
		if path.IsAbs(target) {
			target = relative(path.Dir(p), resolved)
		}
		return c.writeLink(rel, info, target)
	}

	if final, finfo, ok := c.follow(resolved); ok && finfo.Mode().IsRegular() {
		data, err := c.src.ReadFile(final)
		if err == nil {
			return c.writeFile(rel, finfo, data)
		}
	}
	return c.writeLink(rel, info, target)
}

func (c *capturer) writeLink(rel string, info fs.FileInfo, target string) error {
	if err := c.parents(rel); err != nil {
		return err
	}
	e := Entry{Name: rel, Mode: fs.ModeSymlink | info.Mode().Perm(), ModTime: info.ModTime(), Target: target}
	if err := c.tw.WriteHeader(e.header()); err != nil {
		return err
	}
	c.stats.Links++
	return nil
}

// follow resolves a chain of links starting at p.
func (c *capturer) follow(p string) (string, fs.FileInfo, bool) {
	for range maxLinkDepth {
		info, err := c.src.Lstat(p)
		if err != nil {
			return "", nil, false
		}
		if info.Mode()&fs.ModeSymlink == 0 {
			return p, info, true
		}
		target, err := c.src.Readlink(p)
		if err != nil {
			return "", nil, false
		}
		if !path.IsAbs(target) {
			target = path.Join(path.Dir(p), target)
		}
		p = target
	}
	return "", nil, false
}

func within(p, root string) bool {
	return root == "/" || p == root || strings.HasPrefix(p, root+"/")
}

// relative returns target expressed relative to dir. Both are clean
// absolute slash paths.
func relative(dir, target string) string {
	from := strings.Split(strings.TrimPrefix(dir, "/"), "/")
	to := strings.Split(strings.TrimPrefix(target, "/"), "/")
	if dir == "/" {
		from = nil
	}
	i := 0
	for i < len(from) && i < len(to) && from[i] == to[i] {
		i++
	}
	parts := make([]string, 0, len(from)-i+len(to)-i)
	for range from[i:] {
		parts = append(parts, "..")
	}
	parts = append(parts, to[i:]...)
	if len(parts) == 0 {
		return "."
	}
	return strings.Join(parts, "/")
}
