package snapfs

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"syscall"
)

var (
	// ErrNotFound is returned when a path is absent from every mount or hidden
	// by a tombstone.
	ErrNotFound = fs.ErrNotExist
	// ErrAlreadyExists is returned when creating a path that already exists.
	ErrAlreadyExists = fs.ErrExist
	// ErrNotADirectory is returned when a directory operation meets a file.
	ErrNotADirectory = errors.New("not a directory")
	// ErrIsADirectory is returned when a file operation meets a directory.
	ErrIsADirectory = errors.New("is a directory")
	// ErrNotEmpty is returned when removing a directory that still has entries.
	ErrNotEmpty = errors.New("directory not empty")
	// ErrSnapshotClosed is returned by every operation after Close.
	ErrSnapshotClosed = errors.New("snapshot closed")
	// ErrNoWritableMount is returned when a write operation is attempted but no writable mount exists
	ErrNoWritableMount = errors.New("no writable mount configured")
	// ErrReservedName is returned for names that collide with tombstone markers.
	ErrReservedName = errors.New("name is reserved for tombstone markers")
	// ErrUnsupportedLink is returned when a mount's backend lacks symlink support.
	ErrUnsupportedLink = fmt.Errorf("symbolic links: %w", errors.ErrUnsupported)
	// ErrTooManyLinks is returned when symlink resolution exceeds maxSymlinkDepth.
	ErrTooManyLinks = errors.New("too many levels of symbolic links")
)

func pathError(op, name string, err error) error {
	return &os.PathError{Op: op, Path: name, Err: err}
}

// notExist reports whether a backend error means the path is absent,
// including the case where an ancestor is a regular file.
func notExist(err error) bool {
	return os.IsNotExist(err) || errors.Is(err, syscall.ENOTDIR)
}

// backendError maps backend failures onto the engine's taxonomy. Errors
// outside the taxonomy are returned unchanged.
func backendError(op, name string, err error) error {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, ErrSnapshotClosed), errors.Is(err, ErrNotADirectory), errors.Is(err, ErrIsADirectory):
		return err
	case os.IsNotExist(err):
		return pathError(op, name, ErrNotFound)
	case os.IsExist(err):
		return pathError(op, name, ErrAlreadyExists)
	case errors.Is(err, syscall.ENOTDIR):
		return pathError(op, name, ErrNotADirectory)
	case errors.Is(err, syscall.EISDIR):
		return pathError(op, name, ErrIsADirectory)
	case errors.Is(err, syscall.ENOTEMPTY):
		return pathError(op, name, ErrNotEmpty)
	}
	return err
}
