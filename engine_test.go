package snapfs

import (
	"errors"
	"io"
	"os"
	"path"
	"testing"

	"github.com/absfs/memfs"
)

// mustNewMemFS creates a new memfs or panics
func mustNewMemFS() *memfs.FileSystem {
	mfs, err := memfs.NewFS()
	if err != nil {
		panic(err)
	}
	return mfs
}

// writeFile writes data to a backend, creating parent directories
func writeFile(fs Backend, name string, data []byte, perm os.FileMode) error {
	if dir := path.Dir(name); dir != "/" {
		if err := fs.MkdirAll(dir, 0755); err != nil {
			return err
		}
	}
	f, err := fs.OpenFile(name, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, perm)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.Write(data)
	return err
}

// readFile reads a file straight from a backend
func readFile(fs Backend, name string) ([]byte, error) {
	f, err := fs.OpenFile(name, os.O_RDONLY, 0)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return io.ReadAll(f)
}

func newTestEngine(t *testing.T, opts ...Option) (*Engine, *memfs.FileSystem, *memfs.FileSystem) {
	t.Helper()
	base := mustNewMemFS()
	overlay := mustNewMemFS()
	e := New(append([]Option{
		WithWritableMount(overlay),
		WithReadableMount(base),
	}, opts...)...)
	t.Cleanup(func() { e.Close() })
	return e, base, overlay
}

func TestNew(t *testing.T) {
	e := New()
	if e.Name() != "snapfs" {
		t.Errorf("expected name 'snapfs', got %q", e.Name())
	}
	if e.Writable() != nil || e.Readable() != nil {
		t.Error("expected no mounts")
	}
	if e.copyBufferSize != 32*1024 {
		t.Errorf("expected default copy buffer of 32KB, got %d", e.copyBufferSize)
	}
}

func TestMountModes(t *testing.T) {
	e, _, _ := newTestEngine(t)
	if e.Writable().Mode != ReadWrite {
		t.Errorf("writable mount has mode %s", e.Writable().Mode)
	}
	if e.Readable().Mode != ReadOnly {
		t.Errorf("readable mount has mode %s", e.Readable().Mode)
	}
}

// TestMountPrecedence tests that the writable mount shadows the readable one
func TestMountPrecedence(t *testing.T) {
	e, base, overlay := newTestEngine(t)
	writeFile(base, "/test.txt", []byte("base"), 0644)

	data, err := e.ReadFile("/test.txt")
	if err != nil {
		t.Fatalf("failed to read: %v", err)
	}
	if string(data) != "base" {
		t.Errorf("expected 'base', got %q", data)
	}

	writeFile(overlay, "/test.txt", []byte("overlay"), 0644)
	data, err = e.ReadFile("/test.txt")
	if err != nil {
		t.Fatalf("failed to read: %v", err)
	}
	if string(data) != "overlay" {
		t.Errorf("expected 'overlay', got %q", data)
	}

	m, shadowed, err := e.Resolve("/test.txt")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if m != e.Writable() || !shadowed {
		t.Errorf("expected shadowing writable mount, got %s shadowed=%v", m.label(), shadowed)
	}
}

// TestCopyOnWrite tests that writing a readable file leaves the readable mount untouched
func TestCopyOnWrite(t *testing.T) {
	e, base, overlay := newTestEngine(t)
	writeFile(base, "/etc/app.conf", []byte("original"), 0600)

	if err := e.WriteFile("/etc/app.conf", []byte("modified"), 0644); err != nil {
		t.Fatalf("write: %v", err)
	}

	data, _ := e.ReadFile("/etc/app.conf")
	if string(data) != "modified" {
		t.Errorf("expected 'modified', got %q", data)
	}

	orig, err := readFile(base, "/etc/app.conf")
	if err != nil || string(orig) != "original" {
		t.Errorf("readable mount changed: %q, %v", orig, err)
	}

	info, err := overlay.Stat("/etc/app.conf")
	if err != nil {
		t.Fatalf("file should exist in overlay: %v", err)
	}
	if info.Mode().Perm() != 0600 {
		t.Errorf("expected inherited mode 0600, got %v", info.Mode().Perm())
	}
}

// TestDirectoryAutoCreation tests that writes materialize every missing ancestor
func TestDirectoryAutoCreation(t *testing.T) {
	e := New(WithWritableMount(mustNewMemFS()))
	defer e.Close()

	if err := e.WriteFile("/a/b/c/file.txt", []byte("x"), 0644); err != nil {
		t.Fatalf("write: %v", err)
	}
	for _, dir := range []string{"/a", "/a/b", "/a/b/c"} {
		info, err := e.Stat(dir)
		if err != nil {
			t.Fatalf("%s should exist: %v", dir, err)
		}
		if !info.IsDir() {
			t.Errorf("%s should be a directory", dir)
		}
	}
}

// TestParentModeMirrored tests that materialized ancestors keep the readable mode
func TestParentModeMirrored(t *testing.T) {
	e, base, overlay := newTestEngine(t)
	base.MkdirAll("/private", 0700)
	writeFile(base, "/private/old.txt", []byte("old"), 0644)

	if err := e.WriteFile("/private/new.txt", []byte("new"), 0644); err != nil {
		t.Fatalf("write: %v", err)
	}
	info, err := overlay.Stat("/private")
	if err != nil {
		t.Fatalf("parent should be materialized: %v", err)
	}
	if info.Mode().Perm() != 0700 {
		t.Errorf("expected mode 0700, got %v", info.Mode().Perm())
	}
	if _, err := overlay.Stat("/private/old.txt"); err == nil {
		t.Error("sibling content must not be copied up")
	}
	if _, err := e.Stat("/private/old.txt"); err != nil {
		t.Errorf("sibling should still be visible: %v", err)
	}
}

// TestRemoveCreatesTombstone tests that deleting readable content hides it
func TestRemoveCreatesTombstone(t *testing.T) {
	e, base, overlay := newTestEngine(t)
	writeFile(base, "/file1.txt", []byte("1"), 0644)
	writeFile(base, "/file2.txt", []byte("2"), 0644)

	if err := e.Remove("/file1.txt"); err != nil {
		t.Fatalf("remove: %v", err)
	}

	ok, err := e.Exists("/file1.txt")
	if err != nil || ok {
		t.Errorf("file1 should not exist, got %v, %v", ok, err)
	}
	if _, err := e.ReadFile("/file1.txt"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if _, err := overlay.Stat(whiteoutPath("/file1.txt")); err != nil {
		t.Errorf("tombstone should exist: %v", err)
	}
	if _, err := base.Stat("/file1.txt"); err != nil {
		t.Error("readable mount must keep its copy")
	}
	if ok, _ := e.Exists("/file2.txt"); !ok {
		t.Error("file2 should still exist")
	}
}

// TestRecreateAfterRemove tests that writing a tombstoned path clears the tombstone
func TestRecreateAfterRemove(t *testing.T) {
	e, base, overlay := newTestEngine(t)
	writeFile(base, "/file.txt", []byte("base"), 0644)

	e.Remove("/file.txt")
	if err := e.WriteFile("/file.txt", []byte("again"), 0644); err != nil {
		t.Fatalf("write: %v", err)
	}
	data, err := e.ReadFile("/file.txt")
	if err != nil || string(data) != "again" {
		t.Errorf("expected 'again', got %q, %v", data, err)
	}
	if _, err := overlay.Stat(whiteoutPath("/file.txt")); err == nil {
		t.Error("tombstone should be gone")
	}
}

// TestRemoveDirectoryShadowsChildren tests that a tombstoned directory hides its subtree
func TestRemoveDirectoryShadowsChildren(t *testing.T) {
	e, base, _ := newTestEngine(t)
	writeFile(base, "/dir/a.txt", []byte("a"), 0644)
	writeFile(base, "/dir/sub/b.txt", []byte("b"), 0644)

	if err := e.RemoveAll("/dir"); err != nil {
		t.Fatalf("removeall: %v", err)
	}
	for _, p := range []string{"/dir", "/dir/a.txt", "/dir/sub/b.txt"} {
		if ok, _ := e.Exists(p); ok {
			t.Errorf("%s should be hidden", p)
		}
	}

	// Recreating the directory must not resurrect readable children
	if err := e.Mkdir("/dir", 0755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	entries, err := e.ReadDir("/dir")
	if err != nil {
		t.Fatalf("readdir: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("expected empty directory, got %d entries", len(entries))
	}
	if ok, _ := e.Exists("/dir/a.txt"); ok {
		t.Error("readable child should stay hidden under the opaque directory")
	}
}

func TestRemoveErrors(t *testing.T) {
	e, base, _ := newTestEngine(t)
	writeFile(base, "/dir/a.txt", []byte("a"), 0644)

	if err := e.Remove("/missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if err := e.Remove("/dir"); !errors.Is(err, ErrNotEmpty) {
		t.Errorf("expected ErrNotEmpty, got %v", err)
	}
	if err := e.RemoveAll("/missing"); err != nil {
		t.Errorf("RemoveAll of a missing path should succeed, got %v", err)
	}
}

// TestDirectoryMerging tests merging directory contents across mounts
func TestDirectoryMerging(t *testing.T) {
	e, base, overlay := newTestEngine(t)
	writeFile(base, "/dir/file1.txt", []byte("1"), 0644)
	writeFile(base, "/dir/file2.txt", []byte("2"), 0644)
	writeFile(base, "/dir/File3.txt", []byte("3"), 0644)
	writeFile(overlay, "/dir/file2.txt", []byte("two"), 0644)
	writeFile(overlay, "/dir/file4.txt", []byte("4"), 0644)

	e.Remove("/dir/file1.txt")

	entries, err := e.ReadDir("/dir")
	if err != nil {
		t.Fatalf("failed to read directory: %v", err)
	}

	var names []string
	for _, entry := range entries {
		names = append(names, entry.Name())
	}
	expected := []string{"file2.txt", "File3.txt", "file4.txt"}
	if len(names) != len(expected) {
		t.Fatalf("expected %v, got %v", expected, names)
	}
	for i := range expected {
		if names[i] != expected[i] {
			t.Errorf("entry %d: expected %s, got %s", i, expected[i], names[i])
		}
	}

	info, _ := entries[0].Info()
	if info.Size() != 3 {
		t.Errorf("file2.txt should come from the writable mount, size %d", info.Size())
	}
}

func TestReadDirErrors(t *testing.T) {
	e, base, _ := newTestEngine(t)
	writeFile(base, "/file.txt", []byte("x"), 0644)

	if _, err := e.ReadDir("/missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if _, err := e.ReadDir("/file.txt"); !errors.Is(err, ErrNotADirectory) {
		t.Errorf("expected ErrNotADirectory, got %v", err)
	}
	if _, err := e.ReadFile("/"); !errors.Is(err, ErrIsADirectory) {
		t.Errorf("expected ErrIsADirectory, got %v", err)
	}
}

// TestMkdir tests creating directories
func TestMkdir(t *testing.T) {
	e, base, overlay := newTestEngine(t)
	base.MkdirAll("/existing", 0755)

	if err := e.Mkdir("/newdir", 0755); err != nil {
		t.Fatalf("failed to create directory: %v", err)
	}
	if _, err := overlay.Stat("/newdir"); err != nil {
		t.Error("directory should exist in overlay")
	}
	if err := e.Mkdir("/existing", 0755); !errors.Is(err, ErrAlreadyExists) {
		t.Errorf("expected ErrAlreadyExists, got %v", err)
	}
	if err := e.Mkdir("/no/parent", 0755); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

// TestMkdirAll tests creating nested directories over readable ones
func TestMkdirAll(t *testing.T) {
	e, base, _ := newTestEngine(t)
	base.MkdirAll("/a", 0755)

	if err := e.MkdirAll("/a/b/c", 0755); err != nil {
		t.Fatalf("failed to create directories: %v", err)
	}
	for _, p := range []string{"/a", "/a/b", "/a/b/c"} {
		info, err := e.Stat(p)
		if err != nil {
			t.Errorf("directory %s should exist: %v", p, err)
			continue
		}
		if !info.IsDir() {
			t.Errorf("%s should be a directory", p)
		}
	}
	if err := e.MkdirAll("/a/b/c", 0755); err != nil {
		t.Errorf("MkdirAll over existing directories should succeed, got %v", err)
	}
}

func TestWriteUnderFile(t *testing.T) {
	e := New(WithWritableMount(mustNewMemFS()))
	defer e.Close()

	e.WriteFile("/file.txt", []byte("x"), 0644)
	if err := e.WriteFile("/file.txt/child", []byte("y"), 0644); !errors.Is(err, ErrNotADirectory) {
		t.Errorf("expected ErrNotADirectory, got %v", err)
	}
	if err := e.WriteFile("/", []byte("y"), 0644); !errors.Is(err, ErrIsADirectory) {
		t.Errorf("expected ErrIsADirectory, got %v", err)
	}
}

// TestRename tests renaming readable files
func TestRename(t *testing.T) {
	e, base, _ := newTestEngine(t)
	writeFile(base, "/old.txt", []byte("content"), 0644)

	if err := e.Rename("/old.txt", "/moved/new.txt"); err != nil {
		t.Fatalf("rename: %v", err)
	}
	if ok, _ := e.Exists("/old.txt"); ok {
		t.Error("old path should not exist")
	}
	data, err := e.ReadFile("/moved/new.txt")
	if err != nil || string(data) != "content" {
		t.Errorf("expected 'content', got %q, %v", data, err)
	}
	if _, err := base.Stat("/old.txt"); err != nil {
		t.Error("readable mount must keep its copy")
	}
}

// TestRenameDirectory tests that renaming a readable directory carries its subtree
func TestRenameDirectory(t *testing.T) {
	e, base, _ := newTestEngine(t)
	writeFile(base, "/src/a.txt", []byte("a"), 0644)
	writeFile(base, "/src/nested/b.txt", []byte("b"), 0644)

	if err := e.Rename("/src", "/dst"); err != nil {
		t.Fatalf("rename: %v", err)
	}
	for _, p := range []string{"/dst/a.txt", "/dst/nested/b.txt"} {
		if ok, _ := e.Exists(p); !ok {
			t.Errorf("%s should exist", p)
		}
	}
	if ok, _ := e.Exists("/src"); ok {
		t.Error("/src should be hidden")
	}
	if err := e.Rename("/dst", "/dst/inner"); err == nil {
		t.Error("renaming a directory into itself should fail")
	}
}

func TestRenameOverDirectory(t *testing.T) {
	e, base, _ := newTestEngine(t)
	writeFile(base, "/file.txt", []byte("x"), 0644)
	writeFile(base, "/dir/child.txt", []byte("y"), 0644)

	if err := e.Rename("/file.txt", "/dir"); !errors.Is(err, ErrIsADirectory) {
		t.Errorf("expected ErrIsADirectory, got %v", err)
	}
}

// TestMetadataOperations tests that chmod and chtimes copy up before changing
func TestMetadataOperations(t *testing.T) {
	e, base, overlay := newTestEngine(t)
	writeFile(base, "/test.txt", []byte("content"), 0644)

	if err := e.Chmod("/test.txt", 0600); err != nil {
		t.Fatalf("chmod: %v", err)
	}
	info, err := e.Stat("/test.txt")
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if info.Mode().Perm() != 0600 {
		t.Errorf("expected mode 0600, got %v", info.Mode().Perm())
	}
	binfo, _ := base.Stat("/test.txt")
	if binfo.Mode().Perm() != 0644 {
		t.Errorf("readable mode changed to %v", binfo.Mode().Perm())
	}
	if data, _ := readFile(overlay, "/test.txt"); string(data) != "content" {
		t.Errorf("copy-up lost content: %q", data)
	}
}

func TestReservedNames(t *testing.T) {
	e, _, _ := newTestEngine(t)
	for _, name := range []string{"/.wh.file", "/dir/.wh.__dir_opaque", "/.wh.dir/file"} {
		if err := e.WriteFile(name, nil, 0644); !errors.Is(err, ErrReservedName) {
			t.Errorf("%s: expected ErrReservedName, got %v", name, err)
		}
	}
}

func TestNoWritableMount(t *testing.T) {
	base := mustNewMemFS()
	writeFile(base, "/file.txt", []byte("x"), 0644)
	e := New(WithReadableMount(base))
	defer e.Close()

	if data, err := e.ReadFile("/file.txt"); err != nil || string(data) != "x" {
		t.Errorf("read should work without a writable mount: %q, %v", data, err)
	}
	if err := e.WriteFile("/file.txt", []byte("y"), 0644); !errors.Is(err, ErrNoWritableMount) {
		t.Errorf("expected ErrNoWritableMount, got %v", err)
	}
	if err := e.Remove("/file.txt"); !errors.Is(err, ErrNoWritableMount) {
		t.Errorf("expected ErrNoWritableMount, got %v", err)
	}
}

func TestMountAt(t *testing.T) {
	backing := mustNewMemFS()
	e := New(WithWritableMountAt(backing, "/overlay"))
	defer e.Close()

	if err := e.WriteFile("/a.txt", []byte("x"), 0644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if data, err := readFile(backing, "/overlay/a.txt"); err != nil || string(data) != "x" {
		t.Errorf("expected file under mount path: %q, %v", data, err)
	}
}

func TestClosedEngine(t *testing.T) {
	e, base, _ := newTestEngine(t)
	writeFile(base, "/file.txt", []byte("x"), 0644)
	e.Close()

	if _, err := e.ReadFile("/file.txt"); !errors.Is(err, ErrSnapshotClosed) {
		t.Errorf("expected ErrSnapshotClosed, got %v", err)
	}
	if err := e.WriteFile("/file.txt", nil, 0644); !errors.Is(err, ErrSnapshotClosed) {
		t.Errorf("expected ErrSnapshotClosed, got %v", err)
	}
	if _, err := e.ReadDir("/"); !errors.Is(err, ErrSnapshotClosed) {
		t.Errorf("expected ErrSnapshotClosed, got %v", err)
	}
	if err := e.Close(); err != nil {
		t.Errorf("second close should be a no-op, got %v", err)
	}
}
