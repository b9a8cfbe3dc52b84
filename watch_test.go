package snapfs

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/absfs/memfs"
)

func nextEvent(t *testing.T, w *Watch) Event {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	ev, done, err := w.Next(ctx)
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	if done {
		t.Fatal("watch ended unexpectedly")
	}
	return ev
}

func expectDone(t *testing.T, w *Watch) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, done, err := w.Next(ctx)
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	if !done {
		t.Fatal("expected the watch to be done")
	}
}

func TestWatchDirectory(t *testing.T) {
	e, base, _ := newTestEngine(t)
	base.MkdirAll("/src", 0755)

	w, err := e.Watch(context.Background(), "/src")
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	defer w.Close()

	e.WriteFile("/src/main.go", []byte("package main"), 0644)
	e.WriteFile("/src/main.go", []byte("package main\n"), 0644)
	e.Remove("/src/main.go")
	e.WriteFile("/elsewhere.txt", nil, 0644)
	e.Mkdir("/src/pkg", 0755)

	expected := []Event{
		{Kind: EventRename, Name: "main.go"},
		{Kind: EventChange, Name: "main.go"},
		{Kind: EventRename, Name: "main.go"},
		{Kind: EventRename, Name: "pkg"},
	}
	for i, want := range expected {
		if got := nextEvent(t, w); got != want {
			t.Errorf("event %d: expected %+v, got %+v", i, want, got)
		}
	}
}

func TestWatchRecursive(t *testing.T) {
	e, base, _ := newTestEngine(t)
	base.MkdirAll("/src/pkg", 0755)

	w, err := e.Watch(context.Background(), "/src", WatchRecursive())
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	defer w.Close()

	e.WriteFile("/src/pkg/a.go", nil, 0644)
	e.WriteFile("/elsewhere.txt", nil, 0644)
	e.WriteFile("/src/top.go", nil, 0644)

	expected := []Event{
		{Kind: EventRename, Name: "pkg/a.go"},
		{Kind: EventRename, Name: "top.go"},
	}
	for i, want := range expected {
		if got := nextEvent(t, w); got != want {
			t.Errorf("event %d: expected %+v, got %+v", i, want, got)
		}
	}
}

func TestWatchFile(t *testing.T) {
	e, base, _ := newTestEngine(t)
	writeFile(base, "/config.yml", []byte("a: 1"), 0644)

	w, err := e.Watch(context.Background(), "/config.yml")
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	defer w.Close()

	e.WriteFile("/other.yml", nil, 0644)
	e.WriteFile("/config.yml", []byte("a: 2"), 0644)

	if got := nextEvent(t, w); got != (Event{Kind: EventChange, Name: "config.yml"}) {
		t.Errorf("unexpected event %+v", got)
	}
}

func TestWatchMissingPath(t *testing.T) {
	e, _, _ := newTestEngine(t)
	if _, err := e.Watch(context.Background(), "/missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

// TestWatchCancel tests that cancelling the context ends the sequence cleanly
func TestWatchCancel(t *testing.T) {
	e, _, _ := newTestEngine(t)

	ctx, cancel := context.WithCancel(context.Background())
	w, err := e.Watch(ctx, "/")
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	cancel()
	expectDone(t, w)

	// Mutations after cancellation are not delivered
	e.WriteFile("/late.txt", nil, 0644)
	expectDone(t, w)
}

func TestWatchNextContext(t *testing.T) {
	e, _, _ := newTestEngine(t)
	w, err := e.Watch(context.Background(), "/")
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	defer w.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, _, err := w.Next(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline exceeded, got %v", err)
	}
}

func TestWatchEngineClose(t *testing.T) {
	e, _, _ := newTestEngine(t)
	w, err := e.Watch(context.Background(), "/")
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	e.Close()
	expectDone(t, w)

	if _, err := e.Watch(context.Background(), "/"); !errors.Is(err, ErrSnapshotClosed) {
		t.Errorf("expected ErrSnapshotClosed, got %v", err)
	}
}

// TestWatchBackendFaultBeforeClose tests that a fault followed by closing
// both channels always reaches the reader.
func TestWatchBackendFaultBeforeClose(t *testing.T) {
	fault := errors.New("feed broke")
	for i := 0; i < 200; i++ {
		overlay := newFeedBackend()
		overlay.MkdirAll("/src", 0755)
		e := New(WithWritableMount(overlay))

		w, err := e.Watch(context.Background(), "/src")
		if err != nil {
			t.Fatalf("watch: %v", err)
		}
		overlay.faults <- fault
		close(overlay.faults)
		close(overlay.events)

		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		_, _, err = w.Next(ctx)
		cancel()
		if !errors.Is(err, fault) {
			t.Fatalf("run %d: expected the backend fault, got %v", i, err)
		}
		w.Close()
		e.Close()
	}
}

// feedBackend is a memfs whose change feed is driven by the test.
type feedBackend struct {
	*memfs.FileSystem
	events chan Event
	faults chan error
}

func newFeedBackend() *feedBackend {
	return &feedBackend{
		FileSystem: mustNewMemFS(),
		events:     make(chan Event, 8),
		faults:     make(chan error, 1),
	}
}

func (b *feedBackend) Watch(ctx context.Context, name string) (<-chan Event, <-chan error, error) {
	return b.events, b.faults, nil
}

// TestWatchBackendFeed tests that a watchable writable backend reports its own changes
func TestWatchBackendFeed(t *testing.T) {
	overlay := newFeedBackend()
	overlay.MkdirAll("/src", 0755)
	e := New(WithWritableMount(overlay))
	defer e.Close()

	w, err := e.Watch(context.Background(), "/src")
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	defer w.Close()

	// Engine mutations are reported by the feed only, never twice
	e.WriteFile("/src/a.txt", nil, 0644)
	overlay.events <- Event{Kind: EventChange, Name: "b.txt"}
	overlay.events <- Event{Kind: EventRename, Name: OpaqueWhiteout}
	overlay.events <- Event{Kind: EventRename, Name: ".wh.c.txt"}

	if got := nextEvent(t, w); got != (Event{Kind: EventChange, Name: "b.txt"}) {
		t.Errorf("unexpected event %+v", got)
	}
	if got := nextEvent(t, w); got != (Event{Kind: EventRename, Name: "c.txt"}) {
		t.Errorf("tombstone should surface as its hidden name, got %+v", got)
	}

	fault := errors.New("feed broke")
	overlay.faults <- fault
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, _, err := w.Next(ctx); !errors.Is(err, fault) {
		t.Errorf("expected the backend fault, got %v", err)
	}
	expectDone(t, w)
}
