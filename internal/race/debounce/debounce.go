// Package debounce coalesces bursts of per-key signals into a single
// action after a quiet window. Each new signal pushes the deadline out;
// a max-wait ceiling keeps continuous bursts from starving the flush.
package debounce

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/racesync/racesync/internal/metrics"
	"github.com/rs/zerolog/log"
)

const (
	DefaultQuiet   = 300 * time.Millisecond
	DefaultMaxWait = 2 * time.Second
)

type window struct {
	timer    clockwork.Timer
	first    time.Time
	deadline time.Time
}

// Debouncer fires the registered action at most once per quiet period and
// at least once per signaled burst.
type Debouncer struct {
	clock   clockwork.Clock
	quiet   time.Duration
	maxWait time.Duration
	fire    func(key string)

	mu      sync.Mutex
	pending map[string]*window
	stopCh  chan struct{}
	stopped bool
}

// New creates a Debouncer invoking fire(key) after quiet with no further
// signals for that key. maxWait <= 0 disables the ceiling.
func New(clock clockwork.Clock, quiet, maxWait time.Duration, fire func(key string)) *Debouncer {
	if quiet <= 0 {
		quiet = DefaultQuiet
	}
	return &Debouncer{
		clock:   clock,
		quiet:   quiet,
		maxWait: maxWait,
		fire:    fire,
		pending: make(map[string]*window),
		stopCh:  make(chan struct{}),
	}
}

// Signal records a trigger for key and restarts its quiet window.
func (d *Debouncer) Signal(key string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.stopped {
		return
	}

	now := d.clock.Now()
	if w, ok := d.pending[key]; ok {
		deadline := now.Add(d.quiet)
		if d.maxWait > 0 {
			if ceiling := w.first.Add(d.maxWait); deadline.After(ceiling) {
				deadline = ceiling
			}
		}
		// The deadline only ever moves forward; the waiter re-arms if its
		// timer fires early.
		if deadline.After(w.deadline) {
			w.deadline = deadline
		}
		return
	}

	w := &window{
		timer:    d.clock.NewTimer(d.quiet),
		first:    now,
		deadline: now.Add(d.quiet),
	}
	d.pending[key] = w
	go d.wait(key, w)
}

// wait blocks until the key's quiet window elapses, then fires exactly
// once. Signals received meanwhile extend w.deadline under the lock.
func (d *Debouncer) wait(key string, w *window) {
	for {
		select {
		case <-w.timer.Chan():
			d.mu.Lock()
			if d.stopped {
				d.mu.Unlock()
				return
			}
			now := d.clock.Now()
			if now.Before(w.deadline) {
				w.timer.Reset(w.deadline.Sub(now))
				d.mu.Unlock()
				continue
			}
			delete(d.pending, key)
			d.mu.Unlock()

			metrics.DebounceFlush()
			log.Debug().Str("key", key).Msg("debounce window elapsed")
			d.fire(key)
			return

		case <-d.stopCh:
			stopAndDrainTimer(w.timer)
			return
		}
	}
}

// Stop cancels all pending windows. Pending signals are discarded.
func (d *Debouncer) Stop() {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return
	}
	d.stopped = true
	d.pending = make(map[string]*window)
	close(d.stopCh)
	d.mu.Unlock()
}

// Pending reports whether a window is open for the key.
func (d *Debouncer) Pending(key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.pending[key]
	return ok
}

// stopAndDrainTimer safely stops a timer and drains its channel, per the
// time.Timer.Stop documentation.
func stopAndDrainTimer(timer clockwork.Timer) {
	if !timer.Stop() {
		select {
		case <-timer.Chan():
		default:
		}
	}
}
