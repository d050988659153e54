// Package cache implements the TTL+LRU Result cache with in-flight
// deduplication from §4.8, keyed by a stable digest of
// (program, args, cwd, env, adapter-identity) computed with
// cespare/xxhash/v2, and optionally mirrored to a sqlite Store. Cached
// Results are written to the Store and removed from it by Invalidate;
// lookups read only the in-memory LRU, so entries in the Store are not
// loaded back.
package cache

import (
	"container/list"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/xec-sh/xec-go/internal/result"
)

// DefaultMaxEntries and DefaultTTL mirror §4.8's enumerated defaults.
const (
	DefaultMaxEntries = 100
	DefaultTTL        = 60 * time.Second
)

// Key computes the stable digest cache entries are keyed by.
func Key(program string, args []string, cwd string, env map[string]string, adapterIdentity string) string {
	h := xxhash.New()
	fmt.Fprintf(h, "prog:%s\x00", program)
	for _, a := range args {
		fmt.Fprintf(h, "arg:%s\x00", a)
	}
	fmt.Fprintf(h, "cwd:%s\x00", cwd)

	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(h, "env:%s=%s\x00", k, env[k])
	}
	fmt.Fprintf(h, "adapter:%s", adapterIdentity)
	return fmt.Sprintf("%016x", h.Sum64())
}

type entry struct {
	key        string
	res        *result.Result
	insertedAt time.Time
	ttl        time.Duration
}

func (e *entry) valid(now time.Time) bool {
	if e.ttl <= 0 {
		return true
	}
	return now.Sub(e.insertedAt) < e.ttl
}

type inflight struct {
	done chan struct{}
	res  *result.Result
	err  error
}

// Cache is an LRU-by-access-time Result cache bounded by MaxEntries, with a
// separate in-flight map guaranteeing at most one concurrent execution per
// key (§5 "at-most-once build per fingerprint").
type Cache struct {
	mu         sync.Mutex
	maxEntries int
	order      *list.List // front = most recently used
	items      map[string]*list.Element
	inflightMu sync.Mutex
	inflightM  map[string]*inflight

	store *Store // nil unless persistence is enabled
}

// New constructs an in-memory Cache. If dbPath is non-empty, every cached
// Result is also written to a sqlite Store at that path; Get does not read
// from the Store.
func New(maxEntries int, dbPath string) (*Cache, error) {
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}
	c := &Cache{
		maxEntries: maxEntries,
		order:      list.New(),
		items:      make(map[string]*list.Element),
		inflightM:  make(map[string]*inflight),
	}
	if dbPath != "" {
		if err := fsEnsureDir(dbPath); err != nil {
			return nil, err
		}
		store, err := OpenStore(dbPath)
		if err != nil {
			return nil, err
		}
		c.store = store
	}
	return c, nil
}

func fsEnsureDir(dbPath string) error {
	dir := filepath.Dir(dbPath)
	if dir == "" || dir == "." {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}

// Close releases the persistent store, if any.
func (c *Cache) Close() error {
	if c.store != nil {
		return c.store.Close()
	}
	return nil
}

// Get returns a valid cached Result for key, promoting it to
// most-recently-used.
func (c *Cache) Get(key string) (*result.Result, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.items[key]
	if !ok {
		return nil, false
	}
	e := el.Value.(*entry)
	if !e.valid(time.Now()) {
		c.order.Remove(el)
		delete(c.items, key)
		return nil, false
	}
	c.order.MoveToFront(el)
	return e.res, true
}

// Run executes op under the at-most-once-per-key guarantee: a cache hit
// returns immediately; an in-flight execution for the same key is awaited
// rather than duplicated; otherwise op runs and, if ok or nothrow, its
// Result is cached.
func (c *Cache) Run(ctx context.Context, key string, ttl time.Duration, cacheOnNothrow bool, op func(ctx context.Context) (*result.Result, error)) (*result.Result, error) {
	if res, ok := c.Get(key); ok {
		return res, nil
	}

	c.inflightMu.Lock()
	if f, ok := c.inflightM[key]; ok {
		c.inflightMu.Unlock()
		<-f.done
		return f.res, f.err
	}
	f := &inflight{done: make(chan struct{})}
	c.inflightM[key] = f
	c.inflightMu.Unlock()

	res, err := op(ctx)
	f.res, f.err = res, err
	close(f.done)

	c.inflightMu.Lock()
	delete(c.inflightM, key)
	c.inflightMu.Unlock()

	shouldCache := err == nil && (res.Ok() || cacheOnNothrow)
	if shouldCache {
		c.put(key, res, ttl)
	}
	return res, err
}

func (c *Cache) put(key string, res *result.Result, ttl time.Duration) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	now := time.Now()
	c.mu.Lock()
	if el, ok := c.items[key]; ok {
		c.order.MoveToFront(el)
		el.Value.(*entry).res = res
		el.Value.(*entry).insertedAt = now
		el.Value.(*entry).ttl = ttl
	} else {
		el := c.order.PushFront(&entry{key: key, res: res, insertedAt: now, ttl: ttl})
		c.items[key] = el
		for c.order.Len() > c.maxEntries {
			oldest := c.order.Back()
			if oldest == nil {
				break
			}
			c.order.Remove(oldest)
			delete(c.items, oldest.Value.(*entry).key)
		}
	}
	c.mu.Unlock()

	if c.store != nil {
		_ = c.store.Put(context.Background(), key, res, now, ttl)
	}
}

// Invalidate removes every entry whose key matches any of the given glob
// patterns (§4.8).
func (c *Cache) Invalidate(patterns []string) {
	if len(patterns) == 0 {
		return
	}
	c.mu.Lock()
	for key, el := range c.items {
		if matchesAny(key, patterns) {
			c.order.Remove(el)
			delete(c.items, key)
		}
	}
	c.mu.Unlock()

	if c.store != nil {
		for _, p := range patterns {
			_ = c.store.DeleteMatching(context.Background(), p)
		}
	}
}

func matchesAny(key string, patterns []string) bool {
	for _, p := range patterns {
		if globMatch(p, key) {
			return true
		}
	}
	return false
}

// globMatch implements the small subset of glob syntax (`*`) needed for
// cache-key invalidation patterns.
func globMatch(pattern, s string) bool {
	if !strings.Contains(pattern, "*") {
		return pattern == s
	}
	parts := strings.Split(pattern, "*")
	if !strings.HasPrefix(s, parts[0]) {
		return false
	}
	s = s[len(parts[0]):]
	for _, part := range parts[1:] {
		if part == "" {
			continue
		}
		idx := strings.Index(s, part)
		if idx < 0 {
			return false
		}
		s = s[idx+len(part):]
	}
	return true
}
