package snapfs

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"time"

	"github.com/absfs/absfs"
)

// Interceptor decorates a mount's backend. mount is "writable" or "readable".
type Interceptor func(mount string, next Backend) Backend

// CallFunc observes a single backend call. It must invoke call exactly once
// and return its error.
type CallFunc func(mount, op, name string, call func() error) error

// Intercept builds an Interceptor that routes every enumerated backend
// operation through around.
func Intercept(around CallFunc) Interceptor {
	return func(mount string, next Backend) Backend {
		return &interceptedBackend{next: next, mount: mount, around: around}
	}
}

// LoggingInterceptor logs every backend call at debug level and failures
// other than missing paths at warn level.
func LoggingInterceptor(logger *slog.Logger) Interceptor {
	if logger == nil {
		logger = slog.Default()
	}
	return Intercept(func(mount, op, name string, call func() error) error {
		start := time.Now()
		err := call()
		switch {
		case err == nil || os.IsNotExist(err):
			logger.Debug("backend call",
				"mount", mount,
				"op", op,
				"path", name,
				"duration", time.Since(start),
				"found", err == nil)
		default:
			logger.Warn("backend call failed",
				"mount", mount,
				"op", op,
				"path", name,
				"error", err)
		}
		return err
	})
}

// interceptedBackend implements every optional backend interface and
// degrades to the same fallbacks the engine uses when next lacks one.
type interceptedBackend struct {
	next   Backend
	mount  string
	around CallFunc
}

var (
	_ LinkBackend      = (*interceptedBackend)(nil)
	_ WatchableBackend = (*interceptedBackend)(nil)
)

func (b *interceptedBackend) OpenFile(name string, flag int, perm os.FileMode) (f absfs.File, err error) {
	op := "open"
	if flag&(os.O_WRONLY|os.O_RDWR|os.O_CREATE|os.O_TRUNC|os.O_APPEND) != 0 {
		op = "open-write"
	}
	err = b.around(b.mount, op, name, func() error {
		f, err = b.next.OpenFile(name, flag, perm)
		return err
	})
	return f, err
}

func (b *interceptedBackend) Mkdir(name string, perm os.FileMode) error {
	return b.around(b.mount, "mkdir", name, func() error {
		return b.next.Mkdir(name, perm)
	})
}

func (b *interceptedBackend) MkdirAll(name string, perm os.FileMode) error {
	return b.around(b.mount, "mkdirall", name, func() error {
		return b.next.MkdirAll(name, perm)
	})
}

func (b *interceptedBackend) Remove(name string) error {
	return b.around(b.mount, "remove", name, func() error {
		return b.next.Remove(name)
	})
}

func (b *interceptedBackend) RemoveAll(name string) error {
	return b.around(b.mount, "removeall", name, func() error {
		return b.next.RemoveAll(name)
	})
}

func (b *interceptedBackend) Rename(oldpath, newpath string) error {
	return b.around(b.mount, "rename", oldpath, func() error {
		return b.next.Rename(oldpath, newpath)
	})
}

func (b *interceptedBackend) Stat(name string) (info os.FileInfo, err error) {
	err = b.around(b.mount, "stat", name, func() error {
		info, err = b.next.Stat(name)
		return err
	})
	return info, err
}

func (b *interceptedBackend) Chmod(name string, mode os.FileMode) error {
	return b.around(b.mount, "chmod", name, func() error {
		return b.next.Chmod(name, mode)
	})
}

func (b *interceptedBackend) Chtimes(name string, atime, mtime time.Time) error {
	return b.around(b.mount, "chtimes", name, func() error {
		return b.next.Chtimes(name, atime, mtime)
	})
}

func (b *interceptedBackend) Lstat(name string) (info os.FileInfo, err error) {
	err = b.around(b.mount, "lstat", name, func() error {
		if lb, ok := b.next.(LinkBackend); ok {
			info, err = lb.Lstat(name)
		} else {
			info, err = b.next.Stat(name)
		}
		return err
	})
	return info, err
}

func (b *interceptedBackend) Readlink(name string) (target string, err error) {
	err = b.around(b.mount, "readlink", name, func() error {
		lb, ok := b.next.(LinkBackend)
		if !ok {
			return pathError("readlink", name, ErrUnsupportedLink)
		}
		target, err = lb.Readlink(name)
		return err
	})
	return target, err
}

func (b *interceptedBackend) Symlink(oldname, newname string) error {
	return b.around(b.mount, "symlink", newname, func() error {
		lb, ok := b.next.(LinkBackend)
		if !ok {
			return pathError("symlink", newname, ErrUnsupportedLink)
		}
		return lb.Symlink(oldname, newname)
	})
}

func (b *interceptedBackend) Watch(ctx context.Context, name string) (events <-chan Event, faults <-chan error, err error) {
	wb, ok := b.next.(WatchableBackend)
	if !ok {
		return nil, nil, errors.ErrUnsupported
	}
	err = b.around(b.mount, "watch", name, func() error {
		events, faults, err = wb.Watch(ctx, name)
		return err
	})
	return events, faults, err
}
