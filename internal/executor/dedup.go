package executor

import (
	"sync"
	"time"
)

// Dedup remembers recently finished opportunity ids so a redelivered
// opportunity is not executed a second time within the ttl. It is safe for
// concurrent use.
type Dedup struct {
	seen map[string]time.Time // opportunity id -> finished at
	ttl  time.Duration
	mu   sync.Mutex
}

// NewDedup creates a Dedup with the given ttl.
func NewDedup(ttl time.Duration) *Dedup {
	return &Dedup{
		seen: make(map[string]time.Time),
		ttl:  ttl,
	}
}

// Seen reports whether id finished within the ttl.
func (d *Dedup) Seen(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	at, ok := d.seen[id]
	return ok && time.Since(at) < d.ttl
}

// Mark records id as finished now.
func (d *Dedup) Mark(id string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.seen[id] = time.Now()
}

// Cleanup removes expired entries. Call it periodically to bound memory.
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

// Len returns the number of tracked ids.
func (d *Dedup) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.seen)
}
