package storage

import (
	"container/list"
	"sync"
	"sync/atomic"
)

// ObjectCache is an LRU of decrypted objects keyed by object key. It keeps
// hot reads away from sqlite and the AEAD.
type ObjectCache struct {
	capacity int
	items    map[string]*list.Element
	order    *list.List
	mu       sync.Mutex

	hits   atomic.Uint64
	misses atomic.Uint64
}

// NewObjectCache creates a cache holding at most capacity objects.
func NewObjectCache(capacity int) *ObjectCache {
	if capacity < 1 {
		capacity = 1
	}
	return &ObjectCache{
		capacity: capacity,
		items:    make(map[string]*list.Element),
		order:    list.New(),
	}
}

// Get returns a copy of the cached object.
func (c *ObjectCache) Get(key string) (*Object, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.items[key]
	if !ok {
		c.misses.Add(1)
		return nil, false
	}
	c.hits.Add(1)
	c.order.MoveToFront(elem)
	return cloneObject(elem.Value.(*Object)), true
}

// Put caches a copy of obj, evicting the least recently used entry when full.
func (c *ObjectCache) Put(obj *Object) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.items[obj.Key]; ok {
		elem.Value = cloneObject(obj)
		c.order.MoveToFront(elem)
		return
	}

	if c.order.Len() >= c.capacity {
		if oldest := c.order.Back(); oldest != nil {
			delete(c.items, oldest.Value.(*Object).Key)
			c.order.Remove(oldest)
		}
	}
	c.items[obj.Key] = c.order.PushFront(cloneObject(obj))
}

// Delete drops key from the cache.
func (c *ObjectCache) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.items[key]; ok {
		delete(c.items, key)
		c.order.Remove(elem)
	}
}

// Len returns the number of cached objects.
func (c *ObjectCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

// HitRatio returns hits and misses since creation.
func (c *ObjectCache) HitRatio() (hits, misses uint64) {
	return c.hits.Load(), c.misses.Load()
}

func cloneObject(o *Object) *Object {
	cp := *o
	cp.Value = append([]byte(nil), o.Value...)
	return &cp
}
