package scraper

import "sync"

// Rotator hands out entries of an ordered pool round-robin. With rotation
// disabled it stays pinned to the first entry. Safe for concurrent use.
type Rotator struct {
	mu      sync.Mutex
	entries []string
	rotate  bool
	next    int
}

// NewRotator copies entries into a new pool.
func NewRotator(entries []string, rotate bool) *Rotator {
	return &Rotator{
		entries: append([]string(nil), entries...),
		rotate:  rotate,
	}
}

// Next returns the current entry and advances the cursor. An empty pool
// yields "".
func (r *Rotator) Next() string {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.entries) == 0 {
		return ""
	}
	if !r.rotate {
		return r.entries[0]
	}
	e := r.entries[r.next]
	r.next = (r.next + 1) % len(r.entries)
	return e
}

// Len reports the pool size.
func (r *Rotator) Len() int { return len(r.entries) }
