package transfer

import (
	"context"
	"sync/atomic"
)

// Object is a value served by reference. Exported objects are invoked by the
// peer through a Remote.
type Object interface {
	Invoke(ctx context.Context, method string, args []any) (any, error)
}

// MethodFunc implements one method of a Methods object.
type MethodFunc func(ctx context.Context, args []any) (any, error)

// Methods is an Object dispatching by method name.
type Methods map[string]MethodFunc

// Invoke calls the named method or fails with ErrUnknownMethod.
func (m Methods) Invoke(ctx context.Context, method string, args []any) (any, error) {
	fn, ok := m[method]
	if !ok {
		return nil, unknownMethod(method)
	}
	return fn(ctx, args)
}

// Remote is a reference to an object exported by the peer.
type Remote struct {
	c        *Conn
	id       string
	released atomic.Bool
}

// ID returns the object id assigned by the exporting side.
func (r *Remote) ID() string { return r.id }

// Call invokes method on the remote object and waits for its result.
func (r *Remote) Call(ctx context.Context, method string, args ...any) (any, error) {
	if r.released.Load() {
		return nil, ErrUnknownObject
	}
	return r.c.call(ctx, r.id, method, args)
}

// Release tells the peer the reference is no longer used. Releasing twice is
// a no-op.
func (r *Remote) Release() error {
	if r.released.Swap(true) || r.id == rootID {
		return nil
	}
	return r.c.send(context.Background(), &Message{Type: TypeRelease, Target: r.id})
}
