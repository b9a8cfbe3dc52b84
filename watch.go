package snapfs

import (
	"context"
	"errors"
	"path"
	"strings"
	"sync"
)

// EventKind classifies a change notification.
type EventKind string

const (
	// EventRename reports an entry appearing, disappearing or being renamed.
	EventRename EventKind = "rename"
	// EventChange reports a content or metadata change.
	EventChange EventKind = "change"
)

// Event is a single change notification delivered by a Watch.
type Event struct {
	Kind EventKind `json:"kind"`
	Name string    `json:"name"`
}

// hub fans engine mutations out to watches.
type hub struct {
	mu     sync.Mutex
	subs   map[*Watch]struct{}
	closed bool
}

func newHub() *hub {
	return &hub{subs: make(map[*Watch]struct{})}
}

func (h *hub) add(w *Watch) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.subs[w] = struct{}{}
	return true
}

func (h *hub) remove(w *Watch) {
	h.mu.Lock()
	delete(h.subs, w)
	h.mu.Unlock()
}

// publish delivers one event to every watch on name or on its parent, and
// to recursive watches on any ancestor.
func (h *hub) publish(kind EventKind, name string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	parent := path.Dir(name)
	for w := range h.subs {
		if w.external {
			continue
		}
		switch {
		case w.path == name || (w.dir && w.path == parent):
			w.push(Event{Kind: kind, Name: path.Base(name)})
		case w.recursive:
			if rel, ok := below(w.path, name); ok {
				w.push(Event{Kind: kind, Name: rel})
			}
		}
	}
}

// below returns name relative to dir when name lies strictly inside it.
func below(dir, name string) (string, bool) {
	if dir == "/" {
		return strings.TrimPrefix(name, "/"), name != "/"
	}
	rel, ok := strings.CutPrefix(name, dir+"/")
	return rel, ok && rel != ""
}

func (h *hub) close() {
	h.mu.Lock()
	subs := h.subs
	h.subs = make(map[*Watch]struct{})
	h.closed = true
	h.mu.Unlock()
	for w := range subs {
		w.finish(nil)
	}
}

// Watch is a single subscription to changes at a path. Events are pulled
// with Next; nothing is produced ahead of the consumer except notifications
// already raised by the engine.
type Watch struct {
	path      string
	dir       bool
	recursive bool
	external  bool
	engine   *Engine

	mu       sync.Mutex
	queue    []Event
	fault    error
	reported bool
	ended    bool
	notify   chan struct{}
	done     chan struct{}
	once     sync.Once
}

// WatchOption configures a Watch.
type WatchOption func(*Watch)

// WatchRecursive also reports changes anywhere below a watched directory,
// named relative to it. Recursive watches follow engine mutations only.
func WatchRecursive() WatchOption {
	return func(w *Watch) {
		w.recursive = true
	}
}

// Watch subscribes to changes at name until ctx is done or the watch is
// closed. Cancelling ctx ends the sequence cleanly.
func (e *Engine) Watch(ctx context.Context, name string, opts ...WatchOption) (*Watch, error) {
	name = cleanPath(name)
	if err := e.check("watch", name); err != nil {
		return nil, err
	}
	info, _, target, err := e.follow("watch", name)
	if err != nil {
		return nil, err
	}

	w := &Watch{
		path:   target,
		dir:    info.IsDir(),
		engine: e,
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	w.recursive = w.recursive && w.dir

	if !w.recursive {
		if err := e.watchBackend(ctx, w); err != nil {
			return nil, err
		}
	}
	if !e.hub.add(w) {
		w.once.Do(func() { close(w.done) })
		return nil, pathError("watch", name, ErrSnapshotClosed)
	}
	if e.metrics != nil {
		e.metrics.watches.Inc()
	}
	e.logger.Debug("watch started", "path", target, "external", w.external)

	go func() {
		select {
		case <-ctx.Done():
			w.finish(nil)
		case <-w.done:
		}
	}()
	return w, nil
}

// watchBackend attaches w to the writable backend's own change feed when it
// has one and already holds the path.
func (e *Engine) watchBackend(ctx context.Context, w *Watch) error {
	m := e.writable
	if m == nil {
		return nil
	}
	wb, ok := m.Backend.(WatchableBackend)
	if !ok || !m.exists(w.path) {
		return nil
	}

	wctx, cancel := context.WithCancel(ctx)
	events, faults, err := wb.Watch(wctx, m.path(w.path))
	if errors.Is(err, errors.ErrUnsupported) {
		cancel()
		return nil
	}
	if err != nil {
		cancel()
		return backendError("watch", w.path, err)
	}
	w.external = true

	go func() {
		defer cancel()
		for {
			select {
			case ev, ok := <-events:
				if !ok {
					// a fault sent before the close is already buffered
					var err error
					select {
					case err = <-faults:
					default:
					}
					w.finish(err)
					return
				}
				if ev.Name == OpaqueWhiteout {
					continue
				}
				if original, ok := originalName(ev.Name); ok {
					ev = Event{Kind: EventRename, Name: original}
				}
				e.invalidate(path.Join(w.path, ev.Name))
				e.invalidate(w.path)
				w.push(ev)
			case err, ok := <-faults:
				if ok && err != nil {
					w.finish(err)
					return
				}
				faults = nil
			case <-w.done:
				return
			}
		}
	}()
	return nil
}

func (w *Watch) push(ev Event) {
	w.mu.Lock()
	if w.ended {
		w.mu.Unlock()
		return
	}
	w.queue = append(w.queue, ev)
	w.mu.Unlock()
	select {
	case w.notify <- struct{}{}:
	default:
	}
}

// finish ends the subscription. A clean finish discards undelivered events;
// a non-nil fault is reported once by Next after queued events drain.
func (w *Watch) finish(fault error) {
	w.once.Do(func() {
		w.mu.Lock()
		w.ended = true
		w.fault = fault
		if fault == nil {
			w.queue = nil
		}
		w.mu.Unlock()
		close(w.done)
		w.engine.hub.remove(w)
		if w.engine.metrics != nil {
			w.engine.metrics.watches.Dec()
		}
		w.engine.logger.Debug("watch ended", "path", w.path, "fault", fault)
	})
}

// Next blocks until the next event. done is true once the watch has ended;
// a backend fault is returned once, before done.
func (w *Watch) Next(ctx context.Context) (ev Event, done bool, err error) {
	for {
		// an abandoned call must not take an event
		if err := ctx.Err(); err != nil {
			return Event{}, false, err
		}
		w.mu.Lock()
		if len(w.queue) > 0 {
			ev, w.queue = w.queue[0], w.queue[1:]
			w.mu.Unlock()
			return ev, false, nil
		}
		if w.ended {
			fault := w.fault
			if fault != nil && !w.reported {
				w.reported = true
				w.mu.Unlock()
				return Event{}, false, fault
			}
			w.mu.Unlock()
			return Event{}, true, nil
		}
		w.mu.Unlock()

		select {
		case <-w.notify:
		case <-w.done:
		case <-ctx.Done():
			return Event{}, false, ctx.Err()
		}
	}
}

// Close ends the subscription early.
func (w *Watch) Close() error {
	w.finish(nil)
	return nil
}

// Path returns the watched path after link resolution.
func (w *Watch) Path() string { return w.path }
