package snapfs

import (
	"log/slog"
	"os"
	"path"
	"strings"
	"sync"
	"time"
)

const (
	// WhiteoutPrefix is the prefix for tombstone files (AUFS/Docker style)
	WhiteoutPrefix = ".wh."
	// OpaqueWhiteout marks a directory as opaque (hides all readable contents)
	OpaqueWhiteout = ".wh.__dir_opaque"
)

// Engine routes filesystem calls across a writable mount and a readable
// mount. The writable mount always wins; the readable mount is never written.
type Engine struct {
	writable       *Mount
	readable       *Mount
	mu             sync.RWMutex
	closed         bool
	cache          *resolutionCache // nil when disabled
	hub            *hub
	logger         *slog.Logger
	metrics        *Metrics
	interceptors   []Interceptor
	copyBufferSize int
}

// Option is a functional option for configuring an Engine
type Option func(*Engine)

// WithWritableMount mounts b read-write at the root of its namespace.
func WithWritableMount(b Backend) Option {
	return WithWritableMountAt(b, "/")
}

// WithWritableMountAt mounts b read-write, storing engine paths under
// mountPath inside b.
func WithWritableMountAt(b Backend, mountPath string) Option {
	return func(e *Engine) {
		e.writable = newMount(b, mountPath, ReadWrite)
	}
}

// WithReadableMount mounts b read-only at the root of its namespace.
func WithReadableMount(b Backend) Option {
	return WithReadableMountAt(b, "/")
}

// WithReadableMountAt mounts b read-only under mountPath.
func WithReadableMountAt(b Backend, mountPath string) Option {
	return func(e *Engine) {
		e.readable = newMount(b, mountPath, ReadOnly)
	}
}

// WithStatCache enables resolution caching with the specified TTL
func WithStatCache(enabled bool, ttl time.Duration) Option {
	return func(e *Engine) {
		e.cache = nil
		if enabled {
			// misses go stale sooner than hits
			e.cache = newResolutionCache(ttl, ttl/2, 1000)
		}
	}
}

// WithCacheConfig enables caching with custom configuration
func WithCacheConfig(enabled bool, statTTL, negativeTTL time.Duration, maxEntries int) Option {
	return func(e *Engine) {
		e.cache = nil
		if enabled {
			e.cache = newResolutionCache(statTTL, negativeTTL, maxEntries)
		}
	}
}

// WithCopyBufferSize sets the buffer size for copy-up operations
func WithCopyBufferSize(size int) Option {
	return func(e *Engine) {
		e.copyBufferSize = size
	}
}

// WithLogger sets the logger used for engine level events.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		e.logger = logger
	}
}

// WithInterceptors wraps both mounts' backends with the given interceptors.
// The first interceptor is outermost.
func WithInterceptors(interceptors ...Interceptor) Option {
	return func(e *Engine) {
		e.interceptors = append(e.interceptors, interceptors...)
	}
}

// WithMetrics records backend calls and active watches in m.
func WithMetrics(m *Metrics) Option {
	return func(e *Engine) {
		e.metrics = m
		e.interceptors = append(e.interceptors, MetricsInterceptor(m))
	}
}

// New creates a new Engine with the specified options
func New(opts ...Option) *Engine {
	e := &Engine{
		copyBufferSize: 32 * 1024, // default 32KB
		hub:            newHub(),
		logger:         slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	for _, m := range []*Mount{e.writable, e.readable} {
		if m == nil {
			continue
		}
		for i := len(e.interceptors) - 1; i >= 0; i-- {
			m.Backend = e.interceptors[i](m.label(), m.Backend)
		}
	}
	return e
}

// Name returns the name of the filesystem
func (e *Engine) Name() string {
	return "snapfs"
}

// Writable returns the writable mount, or nil.
func (e *Engine) Writable() *Mount { return e.writable }

// Readable returns the readable mount, or nil.
func (e *Engine) Readable() *Mount { return e.readable }

// Close tears the engine down. Active watches terminate cleanly and every
// later call fails with ErrSnapshotClosed.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()

	e.hub.close()
	e.cache.clear()
	e.logger.Debug("engine closed")
	return nil
}

// check returns ErrSnapshotClosed once the engine is torn down.
func (e *Engine) check(op, name string) error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		return pathError(op, name, ErrSnapshotClosed)
	}
	return nil
}

// isWhiteout checks if a filename is a tombstone marker
func isWhiteout(name string) bool {
	return strings.HasPrefix(path.Base(name), WhiteoutPrefix)
}

// whiteoutPath returns the tombstone path for a given file path
func whiteoutPath(p string) string {
	return path.Join(path.Dir(p), WhiteoutPrefix+path.Base(p))
}

// originalName returns the hidden entry name for a tombstone name
func originalName(whiteout string) (string, bool) {
	if !strings.HasPrefix(whiteout, WhiteoutPrefix) || whiteout == OpaqueWhiteout {
		return "", false
	}
	return strings.TrimPrefix(whiteout, WhiteoutPrefix), true
}

// cleanPath normalizes a virtual path
func cleanPath(p string) string {
	return path.Clean("/" + p)
}

// ancestors returns the strict ancestors of p from the root down, excluding "/".
func ancestors(p string) []string {
	var dirs []string
	for dir := path.Dir(p); dir != "/"; dir = path.Dir(dir) {
		dirs = append([]string{dir}, dirs...)
	}
	return dirs
}

// getWritable returns the writable mount or an error
func (e *Engine) getWritable(op, name string) (*Mount, error) {
	if e.writable == nil {
		return nil, pathError(op, name, ErrNoWritableMount)
	}
	return e.writable, nil
}

// checkName rejects names that collide with tombstone markers.
func checkName(op, name string) error {
	for _, part := range strings.Split(name, "/") {
		if strings.HasPrefix(part, WhiteoutPrefix) {
			return pathError(op, name, ErrReservedName)
		}
	}
	return nil
}

// hidden reports whether readable content at p is masked by the writable
// mount: a tombstone on p or an ancestor, an opaque ancestor, or an ancestor
// that the writable mount holds as a non-directory.
func (e *Engine) hidden(p string) bool {
	w := e.writable
	if w == nil || p == "/" {
		return false
	}
	if w.exists(whiteoutPath(p)) {
		return true
	}
	for _, dir := range ancestors(p) {
		if w.exists(whiteoutPath(dir)) {
			return true
		}
	}
	for _, dir := range append([]string{"/"}, ancestors(p)...) {
		info, err := w.lstat(dir)
		if err != nil {
			continue
		}
		if !info.IsDir() {
			return true
		}
		if w.exists(path.Join(dir, OpaqueWhiteout)) {
			return true
		}
	}
	return false
}

// inReadable reports whether the readable mount contributes p to the union.
func (e *Engine) inReadable(p string) bool {
	if e.readable == nil || e.hidden(p) {
		return false
	}
	return e.readable.exists(p)
}

// lookup finds the mount holding name without following a final symlink.
func (e *Engine) lookup(name string) (os.FileInfo, *Mount, error) {
	if res, ok := e.cache.get(name); ok {
		if res.mount == nil {
			return nil, nil, pathError("lstat", name, ErrNotFound)
		}
		return res.info, res.mount, nil
	}

	if w := e.writable; w != nil {
		info, err := w.lstat(name)
		if err == nil {
			e.cache.put(name, info, w)
			return info, w, nil
		}
		if !notExist(err) {
			return nil, nil, backendError("lstat", name, err)
		}
	}
	if r := e.readable; r != nil && !e.hidden(name) {
		info, err := r.lstat(name)
		if err == nil {
			e.cache.put(name, info, r)
			return info, r, nil
		}
		if !notExist(err) {
			return nil, nil, backendError("lstat", name, err)
		}
	}

	e.cache.put(name, nil, nil)
	return nil, nil, pathError("lstat", name, ErrNotFound)
}

// Resolve reports which mount serves name. shadowed is true when the
// writable mount hides a copy of name that the readable mount still holds.
func (e *Engine) Resolve(name string) (*Mount, bool, error) {
	name = cleanPath(name)
	if err := e.check("resolve", name); err != nil {
		return nil, false, err
	}
	_, m, err := e.lookup(name)
	if err != nil {
		return nil, false, err
	}
	shadowed := m == e.writable && e.readable != nil && e.readable.exists(name)
	return m, shadowed, nil
}

// invalidate drops cached resolutions for name, its subtree and its ancestors.
func (e *Engine) invalidate(name string) {
	e.cache.drop(name, true)
	for _, dir := range ancestors(name) {
		e.cache.drop(dir, false)
	}
}

// InvalidateCache removes a path from the cache
func (e *Engine) InvalidateCache(name string) {
	e.cache.drop(cleanPath(name), false)
}

// ClearCache removes all cache entries
func (e *Engine) ClearCache() {
	e.cache.clear()
}

// CacheStats returns cache statistics
func (e *Engine) CacheStats() CacheStats {
	return e.cache.stats()
}
