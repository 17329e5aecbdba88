package cache

import (
	"container/list"
	"context"
	"strings"
	"sync"
	"time"
)

// MemoryClient is a bounded in-process LRU cache for single-node
// deployments and tests. Eviction is least-recently-used; expired
// entries count as misses and are dropped lazily.
type MemoryClient struct {
	mu         sync.Mutex
	entries    map[string]*list.Element
	order      *list.List // front = most recently used
	maxEntries int
	done       chan struct{}
	closeOnce  sync.Once
}

type memoryEntry struct {
	key       string
	value     []byte
	expiresAt time.Time
}

// NewMemoryClient creates an in-memory cache bounded to maxEntries.
func NewMemoryClient(maxEntries int) *MemoryClient {
	if maxEntries <= 0 {
		maxEntries = 10000
	}
	c := &MemoryClient{
		entries:    make(map[string]*list.Element),
		order:      list.New(),
		maxEntries: maxEntries,
		done:       make(chan struct{}),
	}
	go c.sweep()
	return c
}

// Get retrieves a value, promoting the key to most recently used.
func (c *MemoryClient) Get(_ context.Context, key string) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.entries[key]
	if !ok {
		return nil, ErrCacheMiss
	}
	entry := el.Value.(*memoryEntry)
	if time.Now().After(entry.expiresAt) {
		c.remove(el)
		return nil, ErrCacheMiss
	}
	c.order.MoveToFront(el)
	return entry.value, nil
}

// Set stores a value, evicting the least recently used entry when full.
func (c *MemoryClient) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	expiresAt := time.Now().Add(ttl)
	if el, ok := c.entries[key]; ok {
		entry := el.Value.(*memoryEntry)
		entry.value = value
		entry.expiresAt = expiresAt
		c.order.MoveToFront(el)
		return nil
	}

	for len(c.entries) >= c.maxEntries {
		if back := c.order.Back(); back != nil {
			c.remove(back)
		}
	}
	c.entries[key] = c.order.PushFront(&memoryEntry{key: key, value: value, expiresAt: expiresAt})
	return nil
}

// Delete removes a key.
func (c *MemoryClient) Delete(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.entries[key]; ok {
		c.remove(el)
	}
	return nil
}

// DeleteByPrefix removes all keys under the given prefix.
func (c *MemoryClient) DeleteByPrefix(_ context.Context, prefix string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for key, el := range c.entries {
		if strings.HasPrefix(key, prefix) {
			c.remove(el)
		}
	}
	return nil
}

// Close stops the background sweeper.
func (c *MemoryClient) Close() error {
	c.closeOnce.Do(func() { close(c.done) })
	return nil
}

// Len returns the current entry count.
func (c *MemoryClient) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *MemoryClient) remove(el *list.Element) {
	entry := el.Value.(*memoryEntry)
	delete(c.entries, entry.key)
	c.order.Remove(el)
}

// sweep drops expired entries once a minute so TTLs bound memory even
// without reads.
func (c *MemoryClient) sweep() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			now := time.Now()
			c.mu.Lock()
			for _, el := range c.entries {
				if now.After(el.Value.(*memoryEntry).expiresAt) {
					c.remove(el)
				}
			}
			c.mu.Unlock()
		}
	}
}

var (
	_ Client = (*MemoryClient)(nil)
	_ Client = (*RedisClient)(nil)
)
