// Package service exposes a snapfs engine to remote clients. One Endpoint
// owns a single engine; every client attached to it shares that engine.
package service

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/absfs/snapfs"
	"github.com/absfs/snapfs/snapshot"
	"github.com/absfs/snapfs/transfer"
	"github.com/dustin/go-humanize"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/singleflight"
)

// Endpoint restores an engine on first use and serves it over transports.
type Endpoint struct {
	reg        *transfer.Registry
	writable   snapfs.Backend
	fetch      Fetcher
	engineOpts []snapfs.Option
	logger     *slog.Logger

	clients  prometheus.Gauge
	restores prometheus.Counter

	group  singleflight.Group
	mu     sync.Mutex
	engine *snapfs.Engine
	closed bool
}

// Option configures an Endpoint.
type Option func(*Endpoint)

// WithRegistry sets the transfer registry shared by every connection. The
// filesystem error codes are added to it.
func WithRegistry(reg *transfer.Registry) Option {
	return func(ep *Endpoint) {
		ep.reg = reg
	}
}

// WithWritable sets the backend mounted read-write over the snapshot. The
// endpoint's engine owns it exclusively. Without one, writes go to memory.
func WithWritable(b snapfs.Backend) Option {
	return func(ep *Endpoint) {
		ep.writable = b
	}
}

// WithFetcher sets how the default snapshot is loaded.
func WithFetcher(f Fetcher) Option {
	return func(ep *Endpoint) {
		ep.fetch = f
	}
}

// WithEngineOptions passes options to the restored engine.
func WithEngineOptions(opts ...snapfs.Option) Option {
	return func(ep *Endpoint) {
		ep.engineOpts = append(ep.engineOpts, opts...)
	}
}

// WithLogger sets the endpoint logger.
func WithLogger(logger *slog.Logger) Option {
	return func(ep *Endpoint) {
		ep.logger = logger
	}
}

// WithMetrics registers endpoint collectors with reg.
func WithMetrics(reg prometheus.Registerer) Option {
	return func(ep *Endpoint) {
		reg.MustRegister(ep.clients, ep.restores)
	}
}

// New creates an Endpoint. Nothing is restored until the first Init.
func New(opts ...Option) *Endpoint {
	ep := &Endpoint{
		logger: slog.Default(),
		clients: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "snapfs",
			Subsystem: "service",
			Name:      "clients",
			Help:      "Connected clients.",
		}),
		restores: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "snapfs",
			Subsystem: "service",
			Name:      "restores_total",
			Help:      "Snapshot restores performed by init.",
		}),
	}
	for _, opt := range opts {
		opt(ep)
	}
	if ep.reg == nil {
		ep.reg = transfer.NewRegistry()
	}
	RegisterErrors(ep.reg)
	return ep
}

// Registry returns the registry used for every connection.
func (ep *Endpoint) Registry() *transfer.Registry { return ep.reg }

// Engine returns the restored engine, or nil before the first Init.
func (ep *Endpoint) Engine() *snapfs.Engine {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	return ep.engine
}

// Init restores the engine from buf the first time it is called and returns
// the same engine afterwards. An empty buf loads the default snapshot.
// Concurrent first calls share one restore, using the first caller's buffer.
// A failed restore is retried by the next Init.
func (ep *Endpoint) Init(ctx context.Context, buf []byte) (*snapfs.Engine, error) {
	ep.mu.Lock()
	closed, e := ep.closed, ep.engine
	ep.mu.Unlock()
	if closed {
		return nil, snapfs.ErrSnapshotClosed
	}
	if e != nil {
		return e, nil
	}

	v, err, _ := ep.group.Do("init", func() (any, error) {
		if e := ep.Engine(); e != nil {
			return e, nil
		}
		if len(buf) == 0 {
			if ep.fetch == nil {
				return nil, errors.New("no snapshot given and no default configured")
			}
			var err error
			if buf, err = ep.fetch(ctx); err != nil {
				return nil, err
			}
		}
		e, err := snapshot.Restore(buf, ep.writable, ep.engineOpts...)
		if err != nil {
			return nil, err
		}

		ep.mu.Lock()
		defer ep.mu.Unlock()
		if ep.closed {
			e.Close()
			return nil, snapfs.ErrSnapshotClosed
		}
		ep.engine = e
		ep.restores.Inc()
		ep.logger.Info("snapshot restored", "size", humanize.Bytes(uint64(len(buf))))
		return e, nil
	})
	if err != nil {
		ep.logger.Warn("init failed", "error", err)
		return nil, err
	}
	return v.(*snapfs.Engine), nil
}

// Serve attaches one client over t and blocks until the client disconnects
// or ctx is done. Each call from the client runs independently.
func (ep *Endpoint) Serve(ctx context.Context, t transfer.Transport) error {
	c := transfer.NewConn(t, ep.reg,
		transfer.WithRoot(ep.root()),
		transfer.WithLogger(ep.logger))
	ep.clients.Inc()
	defer ep.clients.Dec()

	select {
	case <-ctx.Done():
		c.Close()
	case <-c.Done():
	}
	if err := c.Err(); err != nil && !errors.Is(err, transfer.ErrTransportClosed) {
		return err
	}
	return nil
}

// root is the object each client reaches first.
func (ep *Endpoint) root() transfer.Object {
	return transfer.Methods{
		"init": func(ctx context.Context, args []any) (any, error) {
			buf, err := transfer.OptionalArg[[]byte](args, 0)
			if err != nil {
				return nil, err
			}
			e, err := ep.Init(ctx, buf)
			if err != nil {
				return nil, err
			}
			return newHandle(e), nil
		},
	}
}

// Close tears the engine down. Later calls through existing handles, and
// later Init calls, fail with snapfs.ErrSnapshotClosed.
func (ep *Endpoint) Close() error {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	if ep.closed {
		return nil
	}
	ep.closed = true
	if ep.engine != nil {
		return ep.engine.Close()
	}
	return nil
}
