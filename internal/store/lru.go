package store

import (
	"container/list"
	"sync"

	"github.com/agentcontext/contextmesh/internal/meshtypes"
)

// DefaultCacheCapacity bounds the in-memory LRU that fronts payload and
// metadata reads, per the "LRU cache versus durability" design note: the
// source caches without a size bound, this implementation does not.
const DefaultCacheCapacity = 100

type cacheEntry struct {
	id       string
	payload  meshtypes.RawPayload
	metadata meshtypes.Metadata
	hasMeta  bool
	hasPay   bool
}

// lruCache is a fixed-capacity, coherency-critical read cache. Mutation
// (Put/Invalidate) must only happen while the caller holds the relevant
// per-contextId lock, matching the store's "mutated under the per-ID lock"
// contract; the cache itself only serializes its own bookkeeping.
type lruCache struct {
	mu       sync.Mutex
	capacity int
	items    map[string]*list.Element
	order    *list.List
}

func newLRUCache(capacity int) *lruCache {
	if capacity <= 0 {
		capacity = DefaultCacheCapacity
	}
	return &lruCache{
		capacity: capacity,
		items:    make(map[string]*list.Element),
		order:    list.New(),
	}
}

func (c *lruCache) get(id string) (*cacheEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.items[id]
	if !ok {
		return nil, false
	}
	c.order.MoveToFront(el)
	entry := el.Value.(*cacheEntry)
	return entry, true
}

func (c *lruCache) putPayload(id string, payload meshtypes.RawPayload) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry := c.getOrCreateLocked(id)
	entry.payload = payload
	entry.hasPay = true
}

func (c *lruCache) putMetadata(id string, metadata meshtypes.Metadata) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry := c.getOrCreateLocked(id)
	entry.metadata = metadata
	entry.hasMeta = true
}

func (c *lruCache) getOrCreateLocked(id string) *cacheEntry {
	if el, ok := c.items[id]; ok {
		c.order.MoveToFront(el)
		return el.Value.(*cacheEntry)
	}
	entry := &cacheEntry{id: id}
	el := c.order.PushFront(entry)
	c.items[id] = el
	if c.order.Len() > c.capacity {
		oldest := c.order.Back()
		if oldest != nil {
			c.order.Remove(oldest)
			delete(c.items, oldest.Value.(*cacheEntry).id)
		}
	}
	return entry
}

// invalidate evicts any cached payload/metadata for id. Called on delete
// (local or from upstream) and on external-change detection, always under
// the per-ID lock; a save overwrites the entry through putPayload and
// putMetadata instead.
func (c *lruCache) invalidate(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.items[id]; ok {
		c.order.Remove(el)
		delete(c.items, id)
	}
}
