package web

import (
	"sync"

	"studio/internal/application/projections"
)

// ViewCache serves projections to the handlers. The dispatcher publishes
// fresh views into it; anything missing is computed on first read.
type ViewCache struct {
	compute func(projections.Key) any

	mu         sync.RWMutex
	views      map[projections.Key]any
	generation uint64
}

// NewViewCache creates an empty cache that fills misses with compute.
func NewViewCache(compute func(projections.Key) any) *ViewCache {
	return &ViewCache{compute: compute, views: make(map[projections.Key]any)}
}

// Publish stores a recomputed view.
func (c *ViewCache) Publish(key projections.Key, view any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.views[key] = view
	c.generation++
}

// Invalidate drops the view for key, or every user's view of a per-user
// projection when key has no user.
func (c *ViewCache) Invalidate(key projections.Key) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.generation++
	if key.Projection.PerUser() && key.UserID == "" {
		for k := range c.views {
			if k.Projection == key.Projection {
				delete(c.views, k)
			}
		}
		return
	}
	delete(c.views, key)
}

// Get returns the cached view for key, computing it on a miss.
// A computed view is only cached when nothing was published or invalidated meanwhile.
func (c *ViewCache) Get(key projections.Key) any {
	c.mu.RLock()
	view, ok := c.views[key]
	gen := c.generation
	c.mu.RUnlock()
	if ok {
		return view
	}

	view = c.compute(key)

	c.mu.Lock()
	if c.generation == gen {
		c.views[key] = view
	}
	c.mu.Unlock()
	return view
}
