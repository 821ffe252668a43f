package worker

import (
	"sync"
	"time"
)

// dedup tracks recently seen jobIDs. Delivery is at-least-once, so a
// redelivered request inside the window is dropped instead of regenerated.
type dedup struct {
	mu        sync.Mutex
	window    time.Duration
	seen      map[string]time.Time
	lastSweep time.Time
}

func newDedup(window time.Duration) *dedup {
	return &dedup{
		window:    window,
		seen:      make(map[string]time.Time),
		lastSweep: time.Now(),
	}
}

// Seen marks jobID and reports whether it was already inside the window.
func (d *dedup) Seen(jobID string) bool {
	now := time.Now()
	d.mu.Lock()
	defer d.mu.Unlock()

	if now.Sub(d.lastSweep) > d.window {
		for id, at := range d.seen {
			if now.Sub(at) > d.window {
				delete(d.seen, id)
			}
		}
		d.lastSweep = now
	}

	if at, ok := d.seen[jobID]; ok && now.Sub(at) <= d.window {
		return true
	}
	d.seen[jobID] = now
	return false
}

func (d *dedup) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.seen)
}
