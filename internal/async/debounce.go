package async

import (
	"sync"
	"time"

	"github.com/driftsync/driftsync/internal/clock"
)

var closedCycle = func() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}()

// Debouncer delays execution of the latest of a burst of calls by a
// fixed quiet period.
//
// Run replaces any pending callback and restarts the timer; when the
// quiet period elapses without another Run, the latest callback runs
// exactly once. Intermediate callbacks are silently superseded.
type Debouncer struct {
	clk   clock.Clock
	quiet time.Duration

	mu        sync.Mutex
	gen       int
	pending   func()
	timer     clock.Timer
	cancelArm chan struct{}
	done      chan struct{}
}

// NewDebouncer creates a debouncer with the given quiet period. A nil
// clk falls back to the system clock.
func NewDebouncer(quiet time.Duration, clk clock.Clock) *Debouncer {
	if clk == nil {
		clk = clock.System()
	}
	return &Debouncer{clk: clk, quiet: quiet}
}

// Run registers fn as the callback for the current debounce cycle,
// superseding any pending callback, and restarts the quiet-period
// timer. Calling Run with nothing pending arms a fresh cycle.
func (d *Debouncer) Run(fn func()) {
	d.mu.Lock()
	d.stopTimerLocked()
	d.gen++
	gen := d.gen
	d.pending = fn
	if d.done == nil {
		d.done = make(chan struct{})
	}
	timer := d.clk.NewTimer(d.quiet)
	cancel := make(chan struct{})
	d.timer = timer
	d.cancelArm = cancel
	d.mu.Unlock()

	go func() {
		select {
		case <-timer.C():
			d.fire(gen)
		case <-cancel:
		}
	}()
}

// TryCancel cancels a pending timer without running the callback.
// It reports whether anything was pending.
func (d *Debouncer) TryCancel() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.pending == nil {
		return false
	}
	d.stopTimerLocked()
	d.gen++
	d.pending = nil
	return true
}

// TryCancelAndRunNow cancels the timer and runs the pending callback
// synchronously, completing the cycle. It reports whether anything
// was pending.
func (d *Debouncer) TryCancelAndRunNow() bool {
	d.mu.Lock()
	if d.pending == nil {
		d.mu.Unlock()
		return false
	}
	d.stopTimerLocked()
	d.gen++
	fn := d.pending
	d.pending = nil
	done := d.done
	d.done = nil
	d.mu.Unlock()

	fn()
	if done != nil {
		close(done)
	}
	return true
}

// Done returns a channel closed when the current cycle's callback has
// finished executing. With no cycle in flight the returned channel is
// already closed. A new Run after completion arms a fresh channel.
func (d *Debouncer) Done() <-chan struct{} {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.done == nil {
		return closedCycle
	}
	return d.done
}

// Pending reports whether a callback is waiting on the quiet period.
func (d *Debouncer) Pending() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.pending != nil
}

func (d *Debouncer) fire(gen int) {
	d.mu.Lock()
	if gen != d.gen || d.pending == nil {
		d.mu.Unlock()
		return
	}
	fn := d.pending
	d.pending = nil
	done := d.done
	d.done = nil
	d.timer = nil
	d.cancelArm = nil
	d.mu.Unlock()

	fn()
	if done != nil {
		close(done)
	}
}

// stopTimerLocked stops the armed timer and its watcher goroutine.
// Caller holds d.mu.
func (d *Debouncer) stopTimerLocked() {
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
	if d.cancelArm != nil {
		close(d.cancelArm)
		d.cancelArm = nil
	}
}
