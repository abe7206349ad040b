// Package debounce coalesces rapid property updates for the focused entity.
package debounce

import (
	"sync"
	"time"

	"layer-editor/internal/clock"
)

// Debouncer runs the latest scheduled call for a key once no new call has
// arrived for the delay. Scheduling for a different key cancels the pending
// call, so a queued edit never lands on an entity that lost focus.
type Debouncer struct {
	mu      sync.Mutex
	clock   clock.Clock
	delay   time.Duration
	key     string
	timer   clock.Timer
	pending func()
	gen     uint64
}

// New creates a Debouncer. A nil clock uses the real one.
func New(clk clock.Clock, delay time.Duration) *Debouncer {
	if clk == nil {
		clk = clock.Real()
	}
	return &Debouncer{clock: clk, delay: delay}
}

// Call schedules fn for key, replacing any pending call.
func (d *Debouncer) Call(key string, fn func()) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.stopLocked()
	d.key = key
	d.pending = fn
	d.gen++
	gen := d.gen
	d.timer = d.clock.AfterFunc(d.delay, func() { d.fire(gen) })
}

// Focus switches the debouncer to key and drops a pending call for any
// other key.
func (d *Debouncer) Focus(key string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.key != key {
		d.stopLocked()
		d.key = key
	}
}

// Flush runs the pending call immediately.
func (d *Debouncer) Flush() {
	d.mu.Lock()
	fn := d.pending
	d.stopLocked()
	d.mu.Unlock()

	if fn != nil {
		fn()
	}
}

// Cancel drops the pending call.
func (d *Debouncer) Cancel() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stopLocked()
}

// Pending reports whether a call is waiting to run.
func (d *Debouncer) Pending() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.pending != nil
}

func (d *Debouncer) fire(gen uint64) {
	d.mu.Lock()
	if gen != d.gen || d.pending == nil {
		d.mu.Unlock()
		return
	}
	fn := d.pending
	d.pending = nil
	d.timer = nil
	d.mu.Unlock()

	fn()
}

func (d *Debouncer) stopLocked() {
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
	d.pending = nil
	d.gen++
}
