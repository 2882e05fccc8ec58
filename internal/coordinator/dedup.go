package coordinator

import (
	"sync"
	"time"
)

// Dedup prevents the same opportunity id from driving more than one
// operation within a time-to-live window. It is safe for concurrent
// use.
type Dedup struct {
	seen map[string]time.Time // opportunity id -> last seen time
	ttl  time.Duration
	mu   sync.Mutex
}

// NewDedup creates a Dedup instance that considers an opportunity a
// duplicate if it has been seen within the given ttl.
func NewDedup(ttl time.Duration) *Dedup {
	return &Dedup{
		seen: make(map[string]time.Time),
		ttl:  ttl,
	}
}

// IsDuplicate returns true if the opportunity id has been seen within
// the TTL window. If it has not been seen (or has expired), it is
// recorded and false is returned.
func (d *Dedup) IsDuplicate(opportunityID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := time.Now()
	if lastSeen, ok := d.seen[opportunityID]; ok {
		if now.Sub(lastSeen) < d.ttl {
			return true
		}
	}

	d.seen[opportunityID] = now
	return false
}

// Cleanup removes entries that have expired beyond the TTL. Called
// from the coordinator's maintenance tick to prevent unbounded growth.
func (d *Dedup) Cleanup() {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := time.Now()
	for id, ts := range d.seen {
		if now.Sub(ts) >= d.ttl {
			delete(d.seen, id)
		}
	}
}
