package keyexpr

import (
	"container/list"
	"sync"

	"github.com/google/cel-go/cel"
)

// DefaultCacheCapacity is the number of compiled programs kept by default.
const DefaultCacheCapacity = 256

// Cache is a thread-safe LRU cache of compiled key expressions.
type Cache struct {
	mu       sync.Mutex
	capacity int
	items    map[string]*list.Element
	order    *list.List
}

type cacheItem struct {
	expression string
	program    cel.Program
}

// NewCache creates a cache holding at most capacity programs.
func NewCache(capacity int) *Cache {
	if capacity <= 0 {
		capacity = DefaultCacheCapacity
	}
	return &Cache{
		capacity: capacity,
		items:    make(map[string]*list.Element),
		order:    list.New(),
	}
}

// Get returns the cached program for expression.
func (c *Cache) Get(expression string) (cel.Program, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.items[expression]
	if !ok {
		return nil, false
	}
	c.order.MoveToFront(elem)
	return elem.Value.(*cacheItem).program, true
}

// Put stores a compiled program, evicting the least recently used entry
// when the cache is full.
func (c *Cache) Put(expression string, program cel.Program) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.items[expression]; ok {
		c.order.MoveToFront(elem)
		elem.Value.(*cacheItem).program = program
		return
	}

	if c.order.Len() >= c.capacity {
		if oldest := c.order.Back(); oldest != nil {
			delete(c.items, oldest.Value.(*cacheItem).expression)
			c.order.Remove(oldest)
		}
	}

	c.items[expression] = c.order.PushFront(&cacheItem{expression: expression, program: program})
}

// Size returns the number of cached programs.
func (c *Cache) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

// Capacity returns the maximum number of cached programs.
func (c *Cache) Capacity() int {
	return c.capacity
}

// Clear removes all entries.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items = make(map[string]*list.Element)
	c.order.Init()
}
