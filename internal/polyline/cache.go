package polyline

import (
	"container/list"
	"sync"

	"github.com/paulmach/orb"
)

// CachedCodec wraps a Decoder with an in-memory LRU cache. Commute clients
// poll with the same encoded route over and over, so decode results are
// highly reusable. Cached slices are shared between callers and must be
// treated as read-only.
type CachedCodec struct {
	inner Decoder
	cache *lruCache
}

// NewCachedCodec creates a cache decorator around a decoder.
func NewCachedCodec(inner Decoder, maxEntries int) *CachedCodec {
	return &CachedCodec{
		inner: inner,
		cache: newLRUCache(maxEntries),
	}
}

func (c *CachedCodec) Decode(encoded string, format Format) ([]orb.Point, error) {
	key := string(format) + "|" + encoded
	if points, ok := c.cache.get(key); ok {
		return points, nil
	}
	points, err := c.inner.Decode(encoded, format)
	if err != nil {
		// Only cache successes so a client fixing a malformed polyline is not
		// served a stale failure.
		return nil, err
	}
	c.cache.put(key, points)
	return points, nil
}

// lruCache bounds decoded-route memory with least-recently-used eviction.
// The list front holds the most recently touched entry.
type lruCache struct {
	maxEntries int

	mu      sync.Mutex
	order   *list.List
	entries map[string]*list.Element
}

type cacheEntry struct {
	key    string
	points []orb.Point
}

func newLRUCache(maxEntries int) *lruCache {
	return &lruCache{
		maxEntries: maxEntries,
		order:      list.New(),
		entries:    make(map[string]*list.Element),
	}
}

func (c *lruCache) get(key string) ([]orb.Point, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	c.order.MoveToFront(elem)
	return elem.Value.(*cacheEntry).points, true
}

func (c *lruCache) put(key string, points []orb.Point) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.entries[key]; ok {
		elem.Value.(*cacheEntry).points = points
		c.order.MoveToFront(elem)
		return
	}

	c.entries[key] = c.order.PushFront(&cacheEntry{key: key, points: points})
	for len(c.entries) > c.maxEntries {
		oldest := c.order.Back()
		if oldest == nil {
			break
		}
		c.order.Remove(oldest)
		delete(c.entries, oldest.Value.(*cacheEntry).key)
	}
}
