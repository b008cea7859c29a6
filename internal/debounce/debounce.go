// Package debounce suppresses repeated webhook deliveries for a fixed window.
package debounce

import (
	"sync"
	"time"
)

// DefaultWindow is how long a key stays suppressed after its first admission.
const DefaultWindow = 10 * time.Second

// Debouncer admits a key once and rejects repeats until the window elapses.
// State lives in memory only; a restart forgets every key.
type Debouncer struct {
	window time.Duration

	mu      sync.Mutex
	pending map[string]*time.Timer
	stopped bool
}

// New returns a Debouncer with the given window; non-positive means DefaultWindow.
func New(window time.Duration) *Debouncer {
	if window <= 0 {
		window = DefaultWindow
	}
	return &Debouncer{
		window:  window,
		pending: make(map[string]*time.Timer),
	}
}

// Admit returns true the first time key is seen within a window and false
// for every repeat until the window that started with the admission expires.
// A rejected call has no side effect: it does not extend the window.
func (d *Debouncer) Admit(key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.stopped {
		return false
	}
	if _, ok := d.pending[key]; ok {
		return false
	}
	var timer *time.Timer
	timer = time.AfterFunc(d.window, func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		if d.pending[key] == timer {
			delete(d.pending, key)
		}
	})
	d.pending[key] = timer
	return true
}

// Pending reports how many keys are currently suppressed.
func (d *Debouncer) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

// Window returns the suppression window.
func (d *Debouncer) Window() time.Duration { return d.window }

// Stop cancels all pending timers. Admit rejects everything afterwards.
func (d *Debouncer) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for key, timer := range d.pending {
		timer.Stop()
		delete(d.pending, key)
	}
	d.stopped = true
}
