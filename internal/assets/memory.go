package assets

import "sync"

// memCache is an LRU of payloads bounded by total bytes. It belongs to one
// Cache; a zero maxBytes disables it.
type memCache struct {
	maxBytes int64

	mu    sync.Mutex
	items map[string]*memItem
	head  *memItem
	tail  *memItem
	total int64
}

type memItem struct {
	key     string
	payload []byte
	prev    *memItem
	next    *memItem
}

func newMemCache(maxBytes int64) *memCache {
	return &memCache{maxBytes: maxBytes, items: map[string]*memItem{}}
}

func (c *memCache) Get(key string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	it, ok := c.items[key]
	if !ok {
		return nil, false
	}
	c.moveToFront(it)
	return it.payload, true
}

func (c *memCache) Put(key string, payload []byte) {
	sz := int64(len(payload))
	if c.maxBytes <= 0 || sz > c.maxBytes {
		c.Delete(key)
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if it, ok := c.items[key]; ok {
		c.total += sz - int64(len(it.payload))
		it.payload = payload
		c.moveToFront(it)
	} else {
		it := &memItem{key: key, payload: payload}
		c.items[key] = it
		c.addToFront(it)
		c.total += sz
	}
	for c.total > c.maxBytes && c.tail != nil {
		c.removeLocked(c.tail)
	}
}

func (c *memCache) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if it, ok := c.items[key]; ok {
		c.removeLocked(it)
	}
}

func (c *memCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items = map[string]*memItem{}
	c.head, c.tail = nil, nil
	c.total = 0
}

func (c *memCache) TotalSize() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.total
}

func (c *memCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

func (c *memCache) removeLocked(it *memItem) {
	c.unlink(it)
	delete(c.items, it.key)
	c.total -= int64(len(it.payload))
}

func (c *memCache) addToFront(it *memItem) {
	it.prev = nil
	it.next = c.head
	if c.head != nil {
		c.head.prev = it
	}
	c.head = it
	if c.tail == nil {
		c.tail = it
	}
}

func (c *memCache) unlink(it *memItem) {
	if it.prev != nil {
		it.prev.next = it.next
	} else {
		c.head = it.next
	}
	if it.next != nil {
		it.next.prev = it.prev
	} else {
		c.tail = it.prev
	}
	it.prev, it.next = nil, nil
}

func (c *memCache) moveToFront(it *memItem) {
	if c.head == it {
		return
	}
	c.unlink(it)
	c.addToFront(it)
}
