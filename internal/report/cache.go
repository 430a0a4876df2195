package report

import (
	"sync"
	"time"
)

type cacheEntry struct {
	createdAt time.Time
	image     []byte
}

// Cache holds rendered images for a fixed TTL.
type Cache struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[string]cacheEntry
	now     func() time.Time
}

// NewCache creates a Cache whose entries expire after ttl.
func NewCache(ttl time.Duration) *Cache {
	return &Cache{ttl: ttl, entries: map[string]cacheEntry{}, now: time.Now}
}

// Get returns a copy of the cached image for key if it has not expired.
func (c *Cache) Get(key string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	if !c.now().Before(entry.createdAt.Add(c.ttl)) {
		delete(c.entries, key)
		return nil, false
	}
	img := make([]byte, len(entry.image))
	copy(img, entry.image)
	return img, true
}

// Set stores img under key.
func (c *Cache) Set(key string, img []byte) {
	c.mu.Lock()
	c.entries[key] = cacheEntry{createdAt: c.now(), image: img}
	c.mu.Unlock()
}
