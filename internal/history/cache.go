// Package history records per-entity version history from document snapshots
// and drives undo/redo over it.
package history

import (
	"sync"

	"layer-editor/internal/entity"
	"layer-editor/pkg/patch"
)

// Cache holds the last observed snapshot of each entity. It is the baseline
// every diff is computed against and is never persisted.
type Cache struct {
	mu        sync.RWMutex
	snapshots map[entity.Ref]any
}

// NewCache creates an empty cache.
func NewCache() *Cache {
	return &Cache{snapshots: make(map[entity.Ref]any)}
}

// Get returns the cached snapshot. Callers must not modify it.
func (c *Cache) Get(ref entity.Ref) (any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	doc, ok := c.snapshots[ref]
	return doc, ok
}

// Set stores a deep copy of doc as the baseline for ref.
func (c *Cache) Set(ref entity.Ref, doc any) {
	snapshot := patch.Clone(doc)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.snapshots[ref] = snapshot
}

// Delete forgets the baseline for ref.
func (c *Cache) Delete(ref entity.Ref) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.snapshots, ref)
}
