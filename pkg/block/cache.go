package block

import (
	"container/list"
	"sync"

	"github.com/google/uuid"
)

// Cache is the read-through block cache collaborator referenced in §4.A:
// "caches are read-through with unbounded or bounded eviction (policy is a
// collaborator)". Implementations must be safe for concurrent use.
type Cache interface {
	Get(id uuid.UUID) (*Block, bool)
	Put(id uuid.UUID, b *Block)
}

// UnboundedCache never evicts; suitable for tests and small working sets.
type UnboundedCache struct {
	mu sync.RWMutex
	m  map[uuid.UUID]*Block
}

// NewUnboundedCache constructs an empty UnboundedCache.
func NewUnboundedCache() *UnboundedCache {
	return &UnboundedCache{m: make(map[uuid.UUID]*Block)}
}

// Get implements Cache.
func (c *UnboundedCache) Get(id uuid.UUID) (*Block, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	b, ok := c.m[id]
	return b, ok
}

// Put implements Cache.
func (c *UnboundedCache) Put(id uuid.UUID, b *Block) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.m[id] = b
}

// LRUCache is a bounded, size-limited read-through cache evicting the least
// recently used block once capacity is exceeded.
type LRUCache struct {
	mu       sync.Mutex
	capacity int
	ll       *list.List
	index    map[uuid.UUID]*list.Element
}

type lruEntry struct {
	id    uuid.UUID
	block *Block
}

// NewLRUCache constructs an LRUCache holding at most capacity blocks.
// Panics if capacity <= 0.
func NewLRUCache(capacity int) *LRUCache {
	if capacity <= 0 {
		panic("block: LRUCache capacity must be positive")
	}
	return &LRUCache{
		capacity: capacity,
		ll:       list.New(),
		index:    make(map[uuid.UUID]*list.Element),
	}
}

// Get implements Cache.
func (c *LRUCache) Get(id uuid.UUID) (*Block, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.index[id]
	if !ok {
		return nil, false
	}
	c.ll.MoveToFront(el)
	return el.Value.(*lruEntry).block, true
}

// Put implements Cache.
func (c *LRUCache) Put(id uuid.UUID, b *Block) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.index[id]; ok {
		el.Value.(*lruEntry).block = b
		c.ll.MoveToFront(el)
		return
	}

	el := c.ll.PushFront(&lruEntry{id: id, block: b})
	c.index[id] = el

	for c.ll.Len() > c.capacity {
		oldest := c.ll.Back()
		if oldest == nil {
			break
		}
		c.ll.Remove(oldest)
		delete(c.index, oldest.Value.(*lruEntry).id)
	}
}
