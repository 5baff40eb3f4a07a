package commandqueue

import (
	"sync"
	"time"
)

// Deduper remembers recently seen request ids so redelivered messages can be
// skipped. Entries expire after ttl.
type Deduper struct {
	mu    sync.Mutex
	ttl   time.Duration
	seen  map[string]time.Time
	nowFn func() time.Time
}

func NewDeduper(ttl time.Duration) *Deduper {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Deduper{ttl: ttl, seen: make(map[string]time.Time), nowFn: time.Now}
}

// Seen records id and reports whether it was already recorded within ttl.
// An empty id is never a duplicate.
func (d *Deduper) Seen(id string) bool {
	if id == "" {
		return false
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.nowFn()
	if at, ok := d.seen[id]; ok && now.Sub(at) < d.ttl {
		return true
	}
	d.seen[id] = now
	return false
}

// Prune drops expired ids and returns how many remain.
func (d *Deduper) Prune() int {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.nowFn()
	for id, at := range d.seen {
		if now.Sub(at) >= d.ttl {
			delete(d.seen, id)
		}
	}
	return len(d.seen)
}

// Len returns the number of ids held, expired or not.
func (d *Deduper) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.seen)
}
