package module

import (
	"sort"
	"sync"
	"time"
)

// Cache holds the live copy of every bound module descriptor. A reload
// swaps an entry only after the replacement validated and committed, so
// readers always see the last good descriptor.
type Cache struct {
	mu      sync.RWMutex
	entries map[string]*Entry
}

// NewCache creates an empty descriptor cache.
func NewCache() *Cache {
	return &Cache{entries: make(map[string]*Entry)}
}

// Put swaps in a descriptor as the live copy for its module name.
func (c *Cache) Put(desc *Descriptor, path string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[desc.Name] = &Entry{
		Descriptor: desc,
		Path:       path,
		LoadedAt:   time.Now().UTC(),
	}
}

// Get returns the live entry for a module, if any.
func (c *Cache) Get(name string) (*Entry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	entry, ok := c.entries[name]
	return entry, ok
}

// Remove drops a module's cached descriptor.
func (c *Cache) Remove(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, name)
}

// Names returns the cached module names, sorted.
func (c *Cache) Names() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := make([]string, 0, len(c.entries))
	for name := range c.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Len returns the number of cached modules.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
