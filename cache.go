package snapfs

import (
	"container/list"
	"os"
	"strings"
	"sync"
	"time"
)

// resolution is one cached lookup. A nil mount records that the path
// resolved nowhere.
type resolution struct {
	path    string
	info    os.FileInfo
	mount   *Mount
	expires time.Time
}

// resolutionCache is a bounded LRU of path lookups across both mounts.
// Engines without caching hold a nil *resolutionCache; every method is a
// no-op on nil.
type resolutionCache struct {
	mu          sync.Mutex
	found       time.Duration
	missing     time.Duration
	max         int
	order       *list.List // front is most recently used
	entries     map[string]*list.Element
	hits, total uint64
}

func newResolutionCache(found, missing time.Duration, limit int) *resolutionCache {
	if limit <= 0 {
		limit = 1000
	}
	return &resolutionCache{
		found:   found,
		missing: missing,
		max:     limit,
		order:   list.New(),
		entries: make(map[string]*list.Element),
	}
}

// get returns the cached resolution for p. ok is false on a miss or an
// expired entry.
func (c *resolutionCache) get(p string) (res resolution, ok bool) {
	if c == nil {
		return res, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	c.total++
	el, ok := c.entries[p]
	if !ok {
		return res, false
	}
	res = *el.Value.(*resolution)
	if time.Now().After(res.expires) {
		c.remove(el)
		return resolution{}, false
	}
	c.order.MoveToFront(el)
	c.hits++
	return res, true
}

// put records that p resolved to info on m, or nowhere when m is nil.
func (c *resolutionCache) put(p string, info os.FileInfo, m *Mount) {
	if c == nil {
		return
	}
	ttl := c.found
	if m == nil {
		ttl = c.missing
	}
	res := &resolution{path: p, info: info, mount: m, expires: time.Now().Add(ttl)}

	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.entries[p]; ok {
		el.Value = res
		c.order.MoveToFront(el)
		return
	}
	for c.order.Len() >= c.max {
		c.remove(c.order.Back())
	}
	c.entries[p] = c.order.PushFront(res)
}

func (c *resolutionCache) remove(el *list.Element) {
	delete(c.entries, el.Value.(*resolution).path)
	c.order.Remove(el)
}

// drop forgets p and, when tree is set, everything beneath it.
func (c *resolutionCache) drop(p string, tree bool) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if !tree {
		if el, ok := c.entries[p]; ok {
			c.remove(el)
		}
		return
	}
	for name, el := range c.entries {
		if withinTree(name, p) {
			c.remove(el)
		}
	}
}

// withinTree reports whether p is root or lies beneath it.
func withinTree(p, root string) bool {
	if root == "/" || p == root {
		return true
	}
	return strings.HasPrefix(p, root+"/")
}

func (c *resolutionCache) clear() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.order.Init()
	c.entries = make(map[string]*list.Element)
	c.mu.Unlock()
}

func (c *resolutionCache) stats() CacheStats {
	if c == nil {
		return CacheStats{}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	s := CacheStats{
		Enabled:     true,
		MaxEntries:  c.max,
		StatTTL:     c.found,
		NegativeTTL: c.missing,
		Lookups:     c.total,
		Hits:        c.hits,
	}
	for _, el := range c.entries {
		if el.Value.(*resolution).mount == nil {
			s.NegativeCacheSize++
		} else {
			s.StatCacheSize++
		}
	}
	return s
}

// CacheStats describes the resolution cache.
type CacheStats struct {
	Enabled           bool
	StatCacheSize     int // paths resolved to a mount
	NegativeCacheSize int // paths known to be missing
	MaxEntries        int
	StatTTL           time.Duration
	NegativeTTL       time.Duration
	Lookups, Hits     uint64
}
