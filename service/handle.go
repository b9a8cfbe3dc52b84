package service

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/absfs/snapfs"
	"github.com/absfs/snapfs/transfer"
)

// Entry types reported by readDir and stat.
const (
	TypeFile      = "file"
	TypeDirectory = "directory"
	TypeSymlink   = "symlink"
	TypeOther     = "other"
)

const (
	defaultFilePerm os.FileMode = 0o644
	defaultDirPerm  os.FileMode = 0o755
)

// DirEntry is one readDir result.
type DirEntry struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

// Stat is the stat result.
type Stat struct {
	Size    int64     `json:"size"`
	Type    string    `json:"type"`
	Mode    uint32    `json:"mode"`
	ModTime time.Time `json:"modTime"`
}

// MkdirOptions are the options of mkdir.
type MkdirOptions struct {
	Recursive bool `json:"recursive"`
}

// RemoveOptions are the options of remove.
type RemoveOptions struct {
	Recursive bool `json:"recursive"`
}

func entryType(mode fs.FileMode) string {
	switch {
	case mode.IsDir():
		return TypeDirectory
	case mode&fs.ModeSymlink != 0:
		return TypeSymlink
	case mode.IsRegular():
		return TypeFile
	}
	return TypeOther
}

// handle serves one client's reference to the engine.
type handle struct {
	e *snapfs.Engine
}

func newHandle(e *snapfs.Engine) transfer.Methods {
	h := &handle{e: e}
	return transfer.Methods{
		"readFile":  h.readFile,
		"writeFile": h.writeFile,
		"mkdir":     h.mkdir,
		"readDir":   h.readDir,
		"exists":    h.exists,
		"stat":      h.stat,
		"watch":     h.watch,
		"remove":    h.remove,
		"rename":    h.rename,
		"symlink":   h.symlink,
		"readlink":  h.readlink,
	}
}

func (h *handle) readFile(ctx context.Context, args []any) (any, error) {
	name, err := transfer.Arg[string](args, 0)
	if err != nil {
		return nil, err
	}
	return h.e.ReadFile(name)
}

// writeFile accepts bytes or text.
func (h *handle) writeFile(ctx context.Context, args []any) (any, error) {
	name, err := transfer.Arg[string](args, 0)
	if err != nil {
		return nil, err
	}
	var data []byte
	switch v := argAt(args, 1).(type) {
	case string:
		data = []byte(v)
	default:
		if data, err = transfer.Arg[[]byte](args, 1); err != nil {
			return nil, err
		}
	}
	return nil, h.e.WriteFile(name, data, defaultFilePerm)
}

func (h *handle) mkdir(ctx context.Context, args []any) (any, error) {
	name, err := transfer.Arg[string](args, 0)
	if err != nil {
		return nil, err
	}
	opts, err := transfer.OptionalArg[MkdirOptions](args, 1)
	if err != nil {
		return nil, err
	}
	if opts.Recursive {
		return nil, h.e.MkdirAll(name, defaultDirPerm)
	}
	return nil, h.e.Mkdir(name, defaultDirPerm)
}

func (h *handle) readDir(ctx context.Context, args []any) (any, error) {
	name, err := transfer.Arg[string](args, 0)
	if err != nil {
		return nil, err
	}
	entries, err := h.e.ReadDir(name)
	if err != nil {
		return nil, err
	}
	out := make([]DirEntry, len(entries))
	for i, ent := range entries {
		out[i] = DirEntry{Name: ent.Name(), Type: entryType(ent.Type())}
	}
	return out, nil
}

func (h *handle) exists(ctx context.Context, args []any) (any, error) {
	name, err := transfer.Arg[string](args, 0)
	if err != nil {
		return nil, err
	}
	return h.e.Exists(name)
}

func (h *handle) stat(ctx context.Context, args []any) (any, error) {
	name, err := transfer.Arg[string](args, 0)
	if err != nil {
		return nil, err
	}
	info, err := h.e.Stat(name)
	if err != nil {
		return nil, err
	}
	return Stat{
		Size:    info.Size(),
		Type:    entryType(info.Mode()),
		Mode:    uint32(info.Mode().Perm()),
		ModTime: info.ModTime(),
	}, nil
}

func (h *handle) remove(ctx context.Context, args []any) (any, error) {
	name, err := transfer.Arg[string](args, 0)
	if err != nil {
		return nil, err
	}
	opts, err := transfer.OptionalArg[RemoveOptions](args, 1)
	if err != nil {
		return nil, err
	}
	if opts.Recursive {
		return nil, h.e.RemoveAll(name)
	}
	return nil, h.e.Remove(name)
}

func (h *handle) rename(ctx context.Context, args []any) (any, error) {
	oldname, err := transfer.Arg[string](args, 0)
	if err != nil {
		return nil, err
	}
	newname, err := transfer.Arg[string](args, 1)
	if err != nil {
		return nil, err
	}
	return nil, h.e.Rename(oldname, newname)
}

func (h *handle) symlink(ctx context.Context, args []any) (any, error) {
	target, err := transfer.Arg[string](args, 0)
	if err != nil {
		return nil, err
	}
	link, err := transfer.Arg[string](args, 1)
	if err != nil {
		return nil, err
	}
	return nil, h.e.Symlink(target, link)
}

func (h *handle) readlink(ctx context.Context, args []any) (any, error) {
	name, err := transfer.Arg[string](args, 0)
	if err != nil {
		return nil, err
	}
	return h.e.Readlink(name)
}

// watch subscribes to name until the caller's signal fires. The result is a
// sequence the caller pulls events from.
func (h *handle) watch(ctx context.Context, args []any) (any, error) {
	name, err := transfer.Arg[string](args, 0)
	if err != nil {
		return nil, err
	}
	opts, err := transfer.OptionalArg[transfer.Options](args, 1)
	if err != nil {
		return nil, err
	}
	var wopts []snapfs.WatchOption
	for key, v := range opts.Values {
		switch key {
		case "recursive":
			recursive, ok := v.(bool)
			if !ok {
				opts.Close()
				return nil, fmt.Errorf("watch option recursive: want a bool, got %T", v)
			}
			if recursive {
				wopts = append(wopts, snapfs.WatchRecursive())
			}
		default:
			opts.Close()
			return nil, fmt.Errorf("unknown watch option %q", key)
		}
	}
	w, err := h.e.Watch(opts.Context(), name, wopts...)
	if err != nil {
		opts.Close()
		return nil, err
	}
	return &watchSequence{w: w, opts: opts}, nil
}

// watchSequence adapts a Watch to a transfer.Sequence.
type watchSequence struct {
	w    *snapfs.Watch
	opts transfer.Options
}

func (s *watchSequence) Next(ctx context.Context) (any, bool, error) {
	ev, done, err := s.w.Next(ctx)
	if done || (err != nil && ctx.Err() == nil) {
		s.opts.Close()
	}
	if err != nil {
		return nil, false, err
	}
	if done {
		return nil, true, nil
	}
	return ev, false, nil
}

func (s *watchSequence) Close() error {
	s.opts.Close()
	return s.w.Close()
}

func argAt(args []any, i int) any {
	if i < len(args) {
		return args[i]
	}
	return nil
}
