package watch

import (
	"sync"
	"time"
)

// Debouncer coalesces bursts of changes into one trigger fired after the
// tree has been quiet for a while.
type Debouncer struct {
	quiet time.Duration

	mu      sync.Mutex
	pending bool
	last    time.Time
}

func NewDebouncer(quiet time.Duration) *Debouncer {
	return &Debouncer{quiet: quiet}
}

// Touch records a change seen at now
func (d *Debouncer) Touch(now time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.pending = true
	d.last = now
}

// Due reports whether changes are pending and quiet since long enough.
// A true result consumes the pending state.
func (d *Debouncer) Due(now time.Time) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.pending || now.Sub(d.last) < d.quiet {
		return false
	}
	d.pending = false
	return true
}

// Reset drops pending changes
func (d *Debouncer) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.pending = false
}

func (d *Debouncer) Pending() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.pending
}
