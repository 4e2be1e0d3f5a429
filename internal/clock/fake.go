package clock

import (
	"sync"
	"time"
)

// Fake is a manually advanced Clock for tests.
//
// Time only moves when Advance or Set is called. Timers fire
// synchronously inside Advance, in deadline order, so a test can
// assert exactly which callbacks ran after each step.
type Fake struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
}

// NewFake creates a fake clock pinned at start.
func NewFake(start time.Time) *Fake {
	return &Fake{now: start}
}

// Now returns the fake's current time.
func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

// NewTimer registers a timer that fires when the fake clock reaches
// now+d. A non-positive d fires on the next Advance (or immediately
// on a zero Advance).
func (f *Fake) NewTimer(d time.Duration) Timer {
	f.mu.Lock()
	defer f.mu.Unlock()

	t := &fakeTimer{
		clock: f,
		at:    f.now.Add(d),
		ch:    make(chan time.Time, 1),
	}
	f.timers = append(f.timers, t)
	return t
}

// After is shorthand for NewTimer(d).C().
func (f *Fake) After(d time.Duration) <-chan time.Time {
	return f.NewTimer(d).C()
}

// Advance moves the clock forward by d, firing every due timer in
// deadline order before returning.
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.fireDueLocked()
	f.mu.Unlock()
}

// Set jumps the clock to t (which must not be earlier than Now) and
// fires due timers.
func (f *Fake) Set(t time.Time) {
	f.mu.Lock()
	if t.After(f.now) {
		f.now = t
	}
	f.fireDueLocked()
	f.mu.Unlock()
}

// PendingTimers reports how many timers are armed but not yet fired.
func (f *Fake) PendingTimers() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.timers)
}

// fireDueLocked fires all timers whose deadline has passed, earliest
// first. Caller holds f.mu.
func (f *Fake) fireDueLocked() {
	for {
		var due *fakeTimer
		idx := -1
		for i, t := range f.timers {
			if t.at.After(f.now) {
				continue
			}
			if due == nil || t.at.Before(due.at) {
				due = t
				idx = i
			}
		}
		if due == nil {
			return
		}
		f.timers = append(f.timers[:idx], f.timers[idx+1:]...)
		due.ch <- f.now
	}
}

func (f *Fake) removeTimer(t *fakeTimer) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, cand := range f.timers {
		if cand == t {
			f.timers = append(f.timers[:i], f.timers[i+1:]...)
			return true
		}
	}
	return false
}

type fakeTimer struct {
	clock *Fake
	at    time.Time
	ch    chan time.Time
}

func (t *fakeTimer) C() <-chan time.Time { return t.ch }

func (t *fakeTimer) Stop() bool { return t.clock.removeTimer(t) }
