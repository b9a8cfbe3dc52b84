/*
Package snapfs provides a virtualized filesystem built from a read-only snapshot
and a writable overlay, with copy-on-write semantics, tombstone deletion and
change watching.

# Overview

An Engine composes at most two mounts. The readable mount usually holds a
tree restored from a snapshot buffer (see the snapshot package) and is never
opened for writing. The writable mount receives every mutation. Reads consult
the writable mount first and fall back to the readable mount.

# Basic Usage

	package main

	import (
	    "github.com/absfs/memfs"
	    "github.com/absfs/snapfs"
	)

	func main() {
	    base, _ := memfs.NewFS()    // read-only snapshot tree
	    overlay, _ := memfs.NewFS() // writable overlay

	    e := snapfs.New(
	        snapfs.WithWritableMount(overlay),
	        snapfs.WithReadableMount(base),
	    )
	    defer e.Close()

	    // Writes land in the overlay, creating /src and /src/app as needed
	    _ = e.WriteFile("/src/app/main.go", []byte("package main"), 0644)

	    // Reads fall through to the base when the overlay has no copy
	    data, _ := e.ReadFile("/README.md")
	    _ = data
	}

# Copy-on-Write

A mutation first materializes the full ancestor chain of the target in the
writable mount. Directories inherited from the readable mount are recreated
with their mode and modification time only; their contents stay where they
are. Rename and metadata changes copy the affected entry up before changing
it.

# Tombstones

Deleting an entry that the readable mount provides writes a marker with the
".wh." prefix next to it in the writable mount:

	_ = e.Remove("/README.md")     // creates /.wh.README.md in the overlay
	ok, _ := e.Exists("/README.md") // false
	_, err := base.Stat("/README.md") // nil error: the base is untouched

A directory recreated over a tombstone receives an opaque marker
(".wh.__dir_opaque") so the readable children it replaced stay hidden. Names
starting with ".wh." are reserved.

# Directory Merging

ReadDir merges both mounts. Writable entries override readable entries with the
same name, and tombstoned names are excluded.

# Watching

Watch subscribes to changes at a path. Every mutation made through the engine
raises exactly one event for watchers of the path and of its parent directory.
Writable backends implementing WatchableBackend report their own changes
instead, which lets the host backend surface edits made outside the engine.

	w, _ := e.Watch(ctx, "/src")
	for {
	    ev, done, err := w.Next(ctx)
	    if done || err != nil {
	        break
	    }
	    fmt.Println(ev.Kind, ev.Name)
	}

# Interceptors

Backends are wrapped with Interceptor decorators over the fixed Backend
operation set. LoggingInterceptor and MetricsInterceptor are provided.

# Thread Safety

An Engine is safe for concurrent use. Calls share storage state with
last-writer-wins per path; there is no locking across calls beyond what the
backends provide. A writable backend must not be shared by two live engines.

# Limitations

  - At most one writable and one readable mount
  - Hard links are not supported
  - Symlinks are followed only in the final path component
*/
package snapfs
