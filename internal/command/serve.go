package command

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"

	"github.com/absfs/snapfs"
	"github.com/absfs/snapfs/hostfs"
	"github.com/absfs/snapfs/internal/config"
	"github.com/absfs/snapfs/service"
	"github.com/absfs/snapfs/snapshot"
	"github.com/absfs/snapfs/transfer"
)

const shutdownTimeout = 10 * time.Second

// ServeCommand returns the serve command.
func ServeCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "serve the filesystem endpoint over WebSocket",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "listen",
				Aliases: []string{"l"},
				Usage:   "address to listen on",
			},
			&cli.StringFlag{
				Name:    "snapshot",
				Aliases: []string{"s"},
				Usage:   "snapshot file served as the default snapshot",
			},
			&cli.StringFlag{
				Name:  "snapshot-url",
				Usage: "URL fetched when init brings no snapshot",
			},
			&cli.StringFlag{
				Name:  "overlay",
				Usage: "host directory receiving writes (default: memory)",
			},
			&cli.BoolFlag{
				Name:  "files",
				Usage: "expose the filesystem read-only under /files/",
			},
			&cli.BoolFlag{
				Name:  "stat-cache",
				Usage: "cache lookups across mounts",
			},
			&cli.DurationFlag{
				Name:  "cache-ttl",
				Usage: "stat cache entry lifetime",
			},
		},
		Action: runServe,
	}
}

func runServe(c *cli.Context) error {
	overrides := map[string]any{}
	setFlag(c, overrides, "listen", "serve.listen")
	setFlag(c, overrides, "snapshot", "serve.snapshot")
	setFlag(c, overrides, "snapshot-url", "serve.snapshot_url")
	setFlag(c, overrides, "overlay", "serve.overlay")
	setFlag(c, overrides, "files", "serve.files")
	setFlag(c, overrides, "stat-cache", "serve.stat_cache")
	setFlag(c, overrides, "cache-ttl", "serve.cache_ttl")

	cfg, log, err := setup(c, overrides)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	s, err := newServer(ctx, cfg.Serve, log)
	if err != nil {
		return err
	}
	return s.Run(ctx)
}

// server hosts the endpoint and its HTTP surface.
type server struct {
	cfg      config.ServeConfig
	log      *slog.Logger
	reg      *prometheus.Registry
	ep       *service.Endpoint
	snapshot []byte
	loaded   time.Time
}

func newServer(ctx context.Context, cfg config.ServeConfig, log *slog.Logger) (*server, error) {
	s := &server{
		cfg:    cfg,
		log:    log,
		reg:    prometheus.NewRegistry(),
		loaded: time.Now(),
	}
	s.reg.MustRegister(collectors.NewGoCollector())

	if cfg.Snapshot != "" {
		data, err := os.ReadFile(cfg.Snapshot)
		if err != nil {
			return nil, fmt.Errorf("read snapshot: %w", err)
		}
		if _, err := snapshot.NewBuffer(data); err != nil {
			return nil, fmt.Errorf("%s: %w", cfg.Snapshot, err)
		}
		s.snapshot = data
	}

	var writable snapfs.Backend
	if cfg.Overlay != "" {
		if err := os.MkdirAll(cfg.Overlay, 0o755); err != nil {
			return nil, err
		}
		host, err := hostfs.New(cfg.Overlay, hostfs.WithLogger(log))
		if err != nil {
			return nil, err
		}
		writable = host
	}

	m := snapfs.NewMetrics(s.reg)
	engineOpts := []snapfs.Option{
		snapfs.WithLogger(log),
		snapfs.WithInterceptors(snapfs.LoggingInterceptor(log)),
		snapfs.WithMetrics(m),
	}
	if cfg.StatCache {
		engineOpts = append(engineOpts, snapfs.WithStatCache(true, cfg.CacheTTL))
	}

	opts := []service.Option{
		service.WithEngineOptions(engineOpts...),
		service.WithLogger(log),
		service.WithMetrics(s.reg),
	}
	if writable != nil {
		opts = append(opts, service.WithWritable(writable))
	}
	switch {
	case s.snapshot != nil:
		opts = append(opts, service.WithFetcher(func(context.Context) ([]byte, error) {
			return s.snapshot, nil
		}))
	case cfg.SnapshotURL != "":
		opts = append(opts, service.WithFetcher(service.HTTPFetcher(http.DefaultClient, cfg.SnapshotURL)))
	}
	s.ep = service.New(opts...)

	if s.snapshot != nil {
		if _, err := s.ep.Init(ctx, s.snapshot); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Handler returns the HTTP routes:
//
//	/rpc           WebSocket endpoint
//	/snapshot.bin  the snapshot file, when one is configured
//	/metrics       Prometheus metrics
//	/files/        read-only file browsing, when enabled
func (s *server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/rpc", s.serveRPC)
	mux.HandleFunc("/snapshot.bin", s.serveSnapshot)
	mux.Handle("/metrics", promhttp.HandlerFor(s.reg, promhttp.HandlerOpts{}))
	if s.cfg.Files {
		mux.HandleFunc("/files/", s.serveFiles)
	}
	return mux
}

func (s *server) serveRPC(w http.ResponseWriter, r *http.Request) {
	t, err := transfer.Upgrade(w, r)
	if err != nil {
		s.log.Debug("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	s.log.Debug("client connected", "remote", r.RemoteAddr)
	if err := s.ep.Serve(r.Context(), t); err != nil {
		s.log.Warn("client session ended", "remote", r.RemoteAddr, "error", err)
	}
}

func (s *server) serveSnapshot(w http.ResponseWriter, r *http.Request) {
	if s.snapshot == nil {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	http.ServeContent(w, r, "snapshot.bin", s.loaded, bytes.NewReader(s.snapshot))
}

func (s *server) serveFiles(w http.ResponseWriter, r *http.Request) {
	e := s.ep.Engine()
	if e == nil {
		http.Error(w, "filesystem not initialized", http.StatusServiceUnavailable)
		return
	}
	http.StripPrefix("/files/", http.FileServer(http.FS(e.FS()))).ServeHTTP(w, r)
}

// Run listens until ctx is done, then shuts down gracefully.
func (s *server) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	srv := &http.Server{
		Addr:              s.cfg.Listen,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return gctx },
	}

	g.Go(func() error {
		s.log.Info("listening", "addr", s.cfg.Listen)
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	err := g.Wait()
	if cerr := s.ep.Close(); err == nil {
		err = cerr
	}
	s.log.Info("server stopped")
	return err
}
