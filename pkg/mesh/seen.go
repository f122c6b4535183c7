package mesh

import (
	"sync"

	"fiatjaf.com/nostr"
)

const maxSeenEventsCache = 4096

// seenCache remembers recently handled event IDs, evicting the oldest first.
type seenCache struct {
	mu    sync.Mutex
	max   int
	ids   map[nostr.ID]struct{}
	order []nostr.ID
}

func newSeenCache(max int) *seenCache {
	if max <= 0 {
		max = maxSeenEventsCache
	}
	return &seenCache{
		max:   max,
		ids:   make(map[nostr.ID]struct{}, max),
		order: make([]nostr.ID, 0, max),
	}
}

// seen records id and reports whether it was already present.
func (c *seenCache) seen(id nostr.ID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.ids[id]; ok {
		return true
	}
	c.ids[id] = struct{}{}
	c.order = append(c.order, id)
	if len(c.order) > c.max {
		drop := len(c.order) - c.max
		for _, old := range c.order[:drop] {
			delete(c.ids, old)
		}
		c.order = append(c.order[:0:0], c.order[drop:]...)
	}
	return false
}

func (c *seenCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.ids)
}
