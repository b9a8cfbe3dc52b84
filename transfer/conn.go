package transfer

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"

	"github.com/oklog/ulid/v2"
)

const rootID = "root"

// Conn is one end of an RPC session over a Transport. Calls flow in both
// directions; each incoming call runs on its own goroutine.
type Conn struct {
	t      Transport
	reg    *Registry
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	writeMu sync.Mutex

	mu      sync.Mutex
	closed  bool
	err     error
	pending map[string]chan *Message
	serving map[string]context.CancelFunc
	objects map[string]Object
	ports   map[string]*Port
	done    chan struct{}
}

// ConnOption configures a Conn.
type ConnOption func(*Conn)

// WithRoot exposes obj to the peer as the connection's root object.
func WithRoot(obj Object) ConnOption {
	return func(c *Conn) {
		c.objects[rootID] = obj
	}
}

// WithLogger sets the connection logger.
func WithLogger(logger *slog.Logger) ConnOption {
	return func(c *Conn) {
		c.logger = logger
	}
}

// NewConn starts serving t. A nil registry uses NewRegistry().
func NewConn(t Transport, reg *Registry, opts ...ConnOption) *Conn {
	if reg == nil {
		reg = NewRegistry()
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &Conn{
		t:       t,
		reg:     reg,
		logger:  slog.Default(),
		ctx:     ctx,
		cancel:  cancel,
		pending: make(map[string]chan *Message),
		serving: make(map[string]context.CancelFunc),
		objects: make(map[string]Object),
		ports:   make(map[string]*Port),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	go c.readLoop()
	return c
}

// Registry returns the registry used for this connection.
func (c *Conn) Registry() *Registry { return c.reg }

// Root returns a reference to the peer's root object.
func (c *Conn) Root() *Remote {
	return c.remote(rootID)
}

// Done is closed once the connection has shut down.
func (c *Conn) Done() <-chan struct{} { return c.done }

// Err returns the reason the connection ended, or nil while it is live.
// A clean close by either side reports ErrTransportClosed.
func (c *Conn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Close shuts the connection down. Pending calls fail with
// ErrTransportClosed.
func (c *Conn) Close() error {
	c.shutdown(ErrTransportClosed)
	return nil
}

func newID() string {
	return ulid.Make().String()
}

func (c *Conn) remote(id string) *Remote {
	return &Remote{c: c, id: id}
}

// export registers obj and returns the id the peer uses to reach it.
func (c *Conn) export(obj Object) string {
	id := newID()
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		closeObject(obj)
		return id
	}
	c.objects[id] = obj
	return id
}

func (c *Conn) send(ctx context.Context, m *Message) error {
	select {
	case <-c.done:
		return ErrTransportClosed
	default:
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.t.WriteMessage(ctx, m); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, ErrTransportClosed) {
			return ErrTransportClosed
		}
		return err
	}
	return nil
}

func (c *Conn) call(ctx context.Context, target, method string, args []any) (any, error) {
	envs := make([]Envelope, len(args))
	var transfer []string
	for i, arg := range args {
		env, ids, err := c.reg.Serialize(arg, c)
		if err != nil {
			return nil, err
		}
		envs[i] = env
		transfer = append(transfer, ids...)
	}

	id := newID()
	reply := make(chan *Message, 1)
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrTransportClosed
	}
	c.pending[id] = reply
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	err := c.send(ctx, &Message{
		Type:     TypeCall,
		ID:       id,
		Target:   target,
		Method:   method,
		Args:     envs,
		Transfer: transfer,
	})
	if err != nil {
		return nil, err
	}

	select {
	case m := <-reply:
		return c.result(m)
	case <-ctx.Done():
		// let the peer stop working on it
		if err := c.send(context.Background(), &Message{Type: TypeCancel, ID: id}); err != nil {
			c.logger.Debug("cancel not delivered", "method", method, "error", err)
		}
		return nil, ctx.Err()
	case <-c.done:
		select {
		case m := <-reply:
			return c.result(m)
		default:
		}
		return nil, ErrTransportClosed
	}
}

func (c *Conn) result(m *Message) (any, error) {
	if m.Type == TypeError {
		return nil, c.reg.remoteError(m.Error)
	}
	if m.Result == nil {
		return nil, nil
	}
	return c.reg.Deserialize(*m.Result, c)
}

func (c *Conn) readLoop() {
	for {
		m, err := c.t.ReadMessage(c.ctx)
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, context.Canceled) {
				err = ErrTransportClosed
			}
			c.shutdown(err)
			return
		}
		c.dispatch(m)
	}
}

func (c *Conn) dispatch(m *Message) {
	for _, id := range m.Transfer {
		c.incomingPort(id)
	}

	switch m.Type {
	case TypeCall:
		ctx, cancel := context.WithCancel(c.ctx)
		c.mu.Lock()
		c.serving[m.ID] = cancel
		c.mu.Unlock()
		go c.serve(ctx, m)
	case TypeCancel:
		c.mu.Lock()
		cancel, ok := c.serving[m.ID]
		c.mu.Unlock()
		if ok {
			cancel()
		}
	case TypeResult, TypeError:
		c.mu.Lock()
		reply, ok := c.pending[m.ID]
		c.mu.Unlock()
		if ok {
			reply <- m
		}
	case TypePost:
		p := c.incomingPort(m.Port)
		var v any
		if len(m.Args) > 0 {
			var err error
			if v, err = c.reg.Deserialize(m.Args[0], c); err != nil {
				c.logger.Debug("dropping port message", "port", m.Port, "error", err)
				return
			}
		}
		p.deliver(v)
	case TypeClose:
		c.peerClosedPort(m.Port)
	case TypeRelease:
		c.mu.Lock()
		obj, ok := c.objects[m.Target]
		if m.Target != rootID {
			delete(c.objects, m.Target)
		}
		c.mu.Unlock()
		if ok && m.Target != rootID {
			closeObject(obj)
		}
	default:
		c.logger.Debug("ignoring message", "type", m.Type)
	}
}

func (c *Conn) serve(ctx context.Context, m *Message) {
	defer func() {
		c.mu.Lock()
		cancel := c.serving[m.ID]
		delete(c.serving, m.ID)
		c.mu.Unlock()
		if cancel != nil {
			cancel()
		}
	}()

	reply := &Message{Type: TypeResult, ID: m.ID}
	result, err := c.invoke(ctx, m)
	if err == nil {
		var env Envelope
		env, reply.Transfer, err = c.reg.Serialize(result, c)
		reply.Result = &env
	}
	if err != nil {
		reply.Type = TypeError
		reply.Result = nil
		reply.Transfer = nil
		reply.Error = c.reg.wireError(err)
		c.logger.Debug("call failed", "target", m.Target, "method", m.Method, "error", err)
	}

	if err := c.send(context.Background(), reply); err != nil {
		c.logger.Debug("reply not delivered", "method", m.Method, "error", err)
	}
}

func (c *Conn) invoke(ctx context.Context, m *Message) (any, error) {
	c.mu.Lock()
	obj, ok := c.objects[m.Target]
	c.mu.Unlock()
	if !ok {
		return nil, ErrUnknownObject
	}

	args := make([]any, len(m.Args))
	for i, env := range m.Args {
		v, err := c.reg.Deserialize(env, c)
		if err != nil {
			return nil, err
		}
		args[i] = v
	}
	return obj.Invoke(ctx, m.Method, args)
}

// shutdown ends the connection once, failing pending calls and ending every
// port and exported object.
func (c *Conn) shutdown(reason error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.err = reason
	ports := c.ports
	objects := c.objects
	c.ports = make(map[string]*Port)
	c.objects = make(map[string]Object)
	c.mu.Unlock()

	c.cancel()
	close(c.done)
	if err := c.t.Close(); err != nil {
		c.logger.Debug("closing transport", "error", err)
	}
	for _, p := range ports {
		p.shut()
	}
	for id, obj := range objects {
		if id != rootID {
			closeObject(obj)
		}
	}
	if !errors.Is(reason, ErrTransportClosed) {
		c.logger.Warn("connection lost", "error", reason)
	} else {
		c.logger.Debug("connection closed")
	}
}

// closeObject releases resources held by exported objects that own them,
// such as live sequences.
func closeObject(obj Object) {
	if closer, ok := obj.(io.Closer); ok {
		_ = closer.Close()
	}
}
