package service

import (
	"context"
	"fmt"
	"net/http"

	"github.com/absfs/snapfs"
	"github.com/absfs/snapfs/transfer"
)

// Client is the calling side of an Endpoint connection.
type Client struct {
	c *transfer.Conn
}

// NewClient starts a client over t. A nil registry uses NewRegistry().
func NewClient(t transfer.Transport, reg *transfer.Registry, opts ...transfer.ConnOption) *Client {
	if reg == nil {
		reg = NewRegistry()
	}
	return &Client{c: transfer.NewConn(t, reg, opts...)}
}

// Dial connects to an endpoint served over WebSocket at url.
func Dial(ctx context.Context, url string, header http.Header) (*Client, error) {
	t, err := transfer.DialWebSocket(ctx, url, header)
	if err != nil {
		return nil, err
	}
	return NewClient(t, nil), nil
}

// Init returns a handle to the endpoint's engine, restoring it from buf if
// this is the first init. A nil buf asks for the default snapshot.
func (c *Client) Init(ctx context.Context, buf []byte) (*Handle, error) {
	res, err := c.c.Root().Call(ctx, "init", buf)
	if err != nil {
		return nil, err
	}
	r, ok := res.(*transfer.Remote)
	if !ok {
		return nil, fmt.Errorf("init returned %T", res)
	}
	return &Handle{r: r}, nil
}

// Done is closed once the connection has ended.
func (c *Client) Done() <-chan struct{} { return c.c.Done() }

// Close disconnects. Pending calls fail with transfer.ErrTransportClosed.
func (c *Client) Close() error { return c.c.Close() }

// Handle is a remote reference to an endpoint's engine.
type Handle struct {
	r *transfer.Remote
}

func decodeResult[T any](res any) (T, error) {
	if v, ok := res.(T); ok {
		return v, nil
	}
	var v T
	err := transfer.Decode(res, &v)
	return v, err
}

func (h *Handle) ReadFile(ctx context.Context, name string) ([]byte, error) {
	res, err := h.r.Call(ctx, "readFile", name)
	if err != nil {
		return nil, err
	}
	return decodeResult[[]byte](res)
}

func (h *Handle) WriteFile(ctx context.Context, name string, data []byte) error {
	_, err := h.r.Call(ctx, "writeFile", name, data)
	return err
}

func (h *Handle) Mkdir(ctx context.Context, name string, recursive bool) error {
	_, err := h.r.Call(ctx, "mkdir", name, MkdirOptions{Recursive: recursive})
	return err
}

func (h *Handle) ReadDir(ctx context.Context, name string) ([]DirEntry, error) {
	res, err := h.r.Call(ctx, "readDir", name)
	if err != nil {
		return nil, err
	}
	return decodeResult[[]DirEntry](res)
}

func (h *Handle) Exists(ctx context.Context, name string) (bool, error) {
	res, err := h.r.Call(ctx, "exists", name)
	if err != nil {
		return false, err
	}
	return decodeResult[bool](res)
}

func (h *Handle) Stat(ctx context.Context, name string) (Stat, error) {
	res, err := h.r.Call(ctx, "stat", name)
	if err != nil {
		return Stat{}, err
	}
	return decodeResult[Stat](res)
}

func (h *Handle) Remove(ctx context.Context, name string, recursive bool) error {
	_, err := h.r.Call(ctx, "remove", name, RemoveOptions{Recursive: recursive})
	return err
}

func (h *Handle) Rename(ctx context.Context, oldname, newname string) error {
	_, err := h.r.Call(ctx, "rename", oldname, newname)
	return err
}

func (h *Handle) Symlink(ctx context.Context, target, link string) error {
	_, err := h.r.Call(ctx, "symlink", target, link)
	return err
}

func (h *Handle) Readlink(ctx context.Context, name string) (string, error) {
	res, err := h.r.Call(ctx, "readlink", name)
	if err != nil {
		return "", err
	}
	return decodeResult[string](res)
}

// Watch subscribes to changes at name. The subscription ends cleanly when
// ctx is done; the returned Events then reports done.
func (h *Handle) Watch(ctx context.Context, name string) (*Events, error) {
	return h.watch(ctx, name, nil)
}

// WatchRecursive is Watch that also reports changes below a directory,
// named relative to it.
func (h *Handle) WatchRecursive(ctx context.Context, name string) (*Events, error) {
	return h.watch(ctx, name, map[string]any{"recursive": true})
}

func (h *Handle) watch(ctx context.Context, name string, values map[string]any) (*Events, error) {
	res, err := h.r.Call(ctx, "watch", name, transfer.Options{Signal: ctx, Values: values})
	if err != nil {
		return nil, err
	}
	seq, ok := res.(transfer.Sequence)
	if !ok {
		return nil, fmt.Errorf("watch returned %T", res)
	}
	return &Events{seq: seq}, nil
}

// Release drops the reference. The engine stays up for other clients.
func (h *Handle) Release() error { return h.r.Release() }

// Events is a remote watch subscription. Each Next pulls exactly one event.
type Events struct {
	seq transfer.Sequence
}

// Next blocks until the next event. done is true once the subscription has
// ended; a backend fault is returned once before that.
func (e *Events) Next(ctx context.Context) (ev snapfs.Event, done bool, err error) {
	v, done, err := e.seq.Next(ctx)
	if err != nil || done {
		return snapfs.Event{}, done, err
	}
	ev, err = decodeResult[snapfs.Event](v)
	return ev, false, err
}

// Close stops the subscription early.
func (e *Events) Close() error { return e.seq.Close() }
