package venue

import (
	"sync"
	"time"
)

// rejectionTTL bounds how long a rejection reason stays queryable. The
// placement engine asks within its 2.5s confirmation budget; 60s covers
// clock skew and slow cycles with room to spare.
const rejectionTTL = time.Minute

// RejectionCache holds recent order rejections by venue order id. The
// ingestion task writes, the placement engine's submit-confirmation poll
// reads. This is the only shared memory between the two; everything else
// goes through the database.
type RejectionCache struct {
	mu      sync.Mutex
	entries map[string]rejectionEntry
	now     func() time.Time
}

type rejectionEntry struct {
	reason string
	at     time.Time
}

// NewRejectionCache creates an empty cache.
func NewRejectionCache() *RejectionCache {
	return &RejectionCache{
		entries: make(map[string]rejectionEntry),
		now:     time.Now,
	}
}

// Put records a rejection reason for the order id.
func (c *RejectionCache) Put(venueOrderID, reason string) {
	if venueOrderID == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.prune()
	c.entries[venueOrderID] = rejectionEntry{reason: reason, at: c.now()}
}

// Reason returns the cached rejection reason for the order id, if any.
func (c *RejectionCache) Reason(venueOrderID string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[venueOrderID]
	if !ok || c.now().Sub(entry.at) > rejectionTTL {
		return "", false
	}
	return entry.reason, true
}

// prune drops expired entries. Called under the lock.
func (c *RejectionCache) prune() {
	cutoff := c.now().Add(-rejectionTTL)
	for id, entry := range c.entries {
		if entry.at.Before(cutoff) {
			delete(c.entries, id)
		}
	}
}
