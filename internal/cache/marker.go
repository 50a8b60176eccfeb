package cache

import (
	"sort"
	"sync"

	"github.com/meshspy/dashboard/internal/geo"
)

// MarkerEntry is a rendered marker: the handle returned by the map surface and
// the position and label it was last placed with.
type MarkerEntry struct {
	Handle   string
	Position geo.LatLng
	Label    string
}

// MarkerCache maps node ids to their rendered markers
type MarkerCache struct {
	mu      sync.RWMutex
	markers map[string]MarkerEntry
}

// NewMarkerCache creates a new MarkerCache
func NewMarkerCache() *MarkerCache {
	return &MarkerCache{
		markers: make(map[string]MarkerEntry),
	}
}

// Get retrieves a marker by node id
func (c *MarkerCache) Get(nodeID string) (MarkerEntry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.markers[nodeID]
	return e, ok
}

// Set stores a marker by node id
func (c *MarkerCache) Set(nodeID string, e MarkerEntry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.markers[nodeID] = e
}

// Delete removes a marker by node id
func (c *MarkerCache) Delete(nodeID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.markers, nodeID)
}

// Len returns the number of registered markers
func (c *MarkerCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.markers)
}

// IDs returns the registered node ids, sorted
func (c *MarkerCache) IDs() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ids := make([]string, 0, len(c.markers))
	for id := range c.markers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Reset clears all markers from the cache
func (c *MarkerCache) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.markers = make(map[string]MarkerEntry)
}
