// Package clock provides an injectable wall clock and timer source.
//
// Components in this module never read time.Now or start time.Timer
// directly; they take a Clock in their constructor. Production code
// passes System(), tests pass a *Fake so retry and debounce timing can
// be driven deterministically.
package clock

import "time"

// Timer is a single-shot timer handle, the injectable equivalent of
// *time.Timer for the subset of its API this module uses.
type Timer interface {
	// C returns the channel the timer fires on.
	C() <-chan time.Time

	// Stop prevents the timer from firing. It returns false if the
	// timer has already fired or been stopped.
	Stop() bool
}

// Clock is the time source injected into every time-dependent component.
type Clock interface {
	// Now returns the current time.
	Now() time.Time

	// NewTimer returns a timer that fires once after d.
	NewTimer(d time.Duration) Timer

	// After is shorthand for NewTimer(d).C().
	After(d time.Duration) <-chan time.Time
}

// System returns the real wall clock backed by the time package.
func System() Clock {
	return systemClock{}
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

func (systemClock) NewTimer(d time.Duration) Timer {
	return &systemTimer{t: time.NewTimer(d)}
}

func (systemClock) After(d time.Duration) <-chan time.Time {
	return time.After(d)
}

type systemTimer struct {
	t *time.Timer
}

func (s *systemTimer) C() <-chan time.Time { return s.t.C }
func (s *systemTimer) Stop() bool          { return s.t.Stop() }
