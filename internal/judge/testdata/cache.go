package testdata

import (
	"container/list"
	"sync"
	"time"
)

type packEntry struct {
	key       string
	pack      *Pack
	expiresAt time.Time
}

// packCache is a small LRU with TTL for decoded packs.
type packCache struct {
	mu      sync.Mutex
	items   map[string]*list.Element
	order   *list.List
	maxSize int
	ttl     time.Duration
}

func newPackCache(maxSize int, ttl time.Duration) *packCache {
	if maxSize <= 0 {
		maxSize = 64
	}
	return &packCache{
		items:   make(map[string]*list.Element, maxSize),
		order:   list.New(),
		maxSize: maxSize,
		ttl:     ttl,
	}
}

func (c *packCache) get(key string) (*Pack, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.items[key]
	if !ok {
		return nil, false
	}
	entry := elem.Value.(*packEntry)
	if !entry.expiresAt.IsZero() && time.Now().After(entry.expiresAt) {
		c.removeElement(elem)
		return nil, false
	}
	c.order.MoveToFront(elem)
	return entry.pack, true
}

func (c *packCache) set(key string, pack *Pack) {
	c.mu.Lock()
	defer c.mu.Unlock()

	exp := time.Time{}
	if c.ttl > 0 {
		exp = time.Now().Add(c.ttl)
	}
	if elem, ok := c.items[key]; ok {
		entry := elem.Value.(*packEntry)
		entry.pack = pack
		entry.expiresAt = exp
		c.order.MoveToFront(elem)
		return
	}
	elem := c.order.PushFront(&packEntry{key: key, pack: pack, expiresAt: exp})
	c.items[key] = elem
	if len(c.items) > c.maxSize {
		if oldest := c.order.Back(); oldest != nil {
			c.removeElement(oldest)
		}
	}
}

func (c *packCache) removeElement(elem *list.Element) {
	entry := elem.Value.(*packEntry)
	delete(c.items, entry.key)
	c.order.Remove(elem)
}
