// Package pathinfocache caches parsed .narinfo lookups against upstream
// binary caches: a small in-process LRU for hot paths, backed by an
// optional SQLite-persisted tier that survives process restarts. Misses
// are cached too (as negative entries, with a shorter TTL), since a
// missing substituter lookup is exactly as expensive to repeat as a hit.
package pathinfocache

import (
	"container/list"
	"context"
	"io"
	"sync"
	"time"

	"github.com/flokli/nixcached/internal/narinfo"
)

// Key identifies a cached lookup: which upstream cache, and which store
// path (by hash part) within it.
type Key struct {
	CacheURI string
	HashPart string
}

// Entry is a cached lookup result. A negative entry (Found == false)
// records that HashPart is known not to exist in CacheURI.
type Entry struct {
	Found     bool
	Info      narinfo.NarInfo
	ExpiresAt time.Time
}

// Store is the optional persistent tier a Cache can be backed by.
type Store interface {
	Get(ctx context.Context, key Key) (Entry, bool, error)
	Put(ctx context.Context, key Key, entry Entry) error
	io.Closer
}

// Cache is a two-tier path-info cache: an in-process LRU in front of an
// optional persistent Store.
//
// The in-process tier is a plain container/list + map LRU. No pack
// example imports a third-party LRU library for this; this is the one
// place in the module built directly on the standard library rather than
// an ecosystem package, because there wasn't one to reach for.
type Cache struct {
	mu       sync.Mutex
	ll       *list.List
	items    map[Key]*list.Element
	capacity int

	store       Store
	positiveTTL time.Duration
	negativeTTL time.Duration
}

type cacheElem struct {
	key   Key
	entry Entry
}

// New constructs a Cache with the given in-process capacity and TTLs. store
// may be nil to run with no persistent tier.
func New(capacity int, positiveTTL, negativeTTL time.Duration, store Store) *Cache {
	return &Cache{
		ll:          list.New(),
		items:       make(map[Key]*list.Element, capacity),
		capacity:    capacity,
		store:       store,
		positiveTTL: positiveTTL,
		negativeTTL: negativeTTL,
	}
}

// Get returns the cached entry for key, if present and unexpired. It
// consults the in-process LRU first, then the persistent store, promoting
// a store hit into the LRU.
func (c *Cache) Get(ctx context.Context, key Key) (Entry, bool, error) {
	if e, ok := c.getLocal(key); ok {
		return e, true, nil
	}
	if c.store == nil {
		return Entry{}, false, nil
	}
	e, ok, err := c.store.Get(ctx, key)
	if err != nil || !ok {
		return Entry{}, false, err
	}
	if time.Now().After(e.ExpiresAt) {
		return Entry{}, false, nil
	}
	c.putLocal(key, e)
	return e, true, nil
}

// PutFound caches a successful lookup.
func (c *Cache) PutFound(ctx context.Context, key Key, info narinfo.NarInfo) error {
	return c.put(ctx, key, Entry{Found: true, Info: info, ExpiresAt: time.Now().Add(c.positiveTTL)})
}

// PutMissing caches a negative lookup, expiring sooner than a positive one
// so a path that later appears upstream isn't hidden for long.
func (c *Cache) PutMissing(ctx context.Context, key Key) error {
	return c.put(ctx, key, Entry{Found: false, ExpiresAt: time.Now().Add(c.negativeTTL)})
}

func (c *Cache) put(ctx context.Context, key Key, e Entry) error {
	c.putLocal(key, e)
	if c.store == nil {
		return nil
	}
	return c.store.Put(ctx, key, e)
}

func (c *Cache) getLocal(key Key) (Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.items[key]
	if !ok {
		return Entry{}, false
	}
	e := el.Value.(*cacheElem).entry
	if time.Now().After(e.ExpiresAt) {
		c.ll.Remove(el)
		delete(c.items, key)
		return Entry{}, false
	}
	c.ll.MoveToFront(el)
	return e, true
}

func (c *Cache) putLocal(key Key, e Entry) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.items[key]; ok {
		el.Value.(*cacheElem).entry = e
		c.ll.MoveToFront(el)
		return
	}

	el := c.ll.PushFront(&cacheElem{key: key, entry: e})
	c.items[key] = el

	for c.ll.Len() > c.capacity {
		oldest := c.ll.Back()
		if oldest == nil {
			break
		}
		c.ll.Remove(oldest)
		delete(c.items, oldest.Value.(*cacheElem).key)
	}
}
