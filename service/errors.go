package service

import (
	"github.com/absfs/snapfs"
	"github.com/absfs/snapfs/snapshot"
	"github.com/absfs/snapfs/transfer"
)

// Error codes for engine failures crossing the wire.
const (
	CodeSnapshotClosed   = "snapshot_closed"
	CodeNotFound         = "not_found"
	CodeAlreadyExists    = "already_exists"
	CodeNotADirectory    = "not_a_directory"
	CodeIsADirectory     = "is_a_directory"
	CodeNotEmpty         = "not_empty"
	CodeNoWritableMount  = "no_writable_mount"
	CodeReservedName     = "reserved_name"
	CodeTooManyLinks     = "too_many_links"
	CodeSnapshotOverflow = "snapshot_overflow"
	CodeInvalidSnapshot  = "invalid_snapshot"
)

// RegisterErrors maps the engine and snapshot sentinels onto wire codes so
// errors.Is keeps working on the calling side.
func RegisterErrors(reg *transfer.Registry) {
	reg.RegisterError(CodeSnapshotClosed, snapfs.ErrSnapshotClosed)
	reg.RegisterError(CodeNotFound, snapfs.ErrNotFound)
	reg.RegisterError(CodeAlreadyExists, snapfs.ErrAlreadyExists)
	reg.RegisterError(CodeNotADirectory, snapfs.ErrNotADirectory)
	reg.RegisterError(CodeIsADirectory, snapfs.ErrIsADirectory)
	reg.RegisterError(CodeNotEmpty, snapfs.ErrNotEmpty)
	reg.RegisterError(CodeNoWritableMount, snapfs.ErrNoWritableMount)
	reg.RegisterError(CodeReservedName, snapfs.ErrReservedName)
	reg.RegisterError(CodeTooManyLinks, snapfs.ErrTooManyLinks)
	reg.RegisterError(CodeSnapshotOverflow, snapshot.ErrSnapshotOverflow)
	reg.RegisterError(CodeInvalidSnapshot, snapshot.ErrInvalidSnapshot)
}

// NewRegistry returns a transfer registry with the filesystem error codes.
func NewRegistry() *transfer.Registry {
	reg := transfer.NewRegistry()
	RegisterErrors(reg)
	return reg
}
