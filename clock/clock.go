// Package clock abstracts the passage of time so that guide pulses and loop
// cadences can be exercised in tests without sleeping.
package clock

import (
	"sync"
	"time"
)

// Clock tells time and blocks for durations
type Clock interface {
	// Now returns the current time
	Now() time.Time

	// Sleep blocks for d
	Sleep(d time.Duration)

	// After sends the current time on the returned channel once d has elapsed
	After(d time.Duration) <-chan time.Time
}

// Real is a Clock backed by package time
type Real struct{}

// Now returns time.Now()
func (Real) Now() time.Time { return time.Now() }

// Sleep calls time.Sleep
func (Real) Sleep(d time.Duration) { time.Sleep(d) }

// After calls time.After
func (Real) After(d time.Duration) <-chan time.Time { return time.After(d) }

// Fake is a Clock that never blocks.  Sleep and After advance the fake time
// by the requested duration immediately.  Every sleep is recorded.
type Fake struct {
	mu     sync.Mutex
	now    time.Time
	sleeps []time.Duration
}

// NewFake returns a Fake clock starting at t
func NewFake(t time.Time) *Fake {
	return &Fake{now: t}
}

// Now returns the fake time
func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

// Advance moves the fake time forward by d
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.mu.Unlock()
}

// Sleep records d and advances the fake time
func (f *Fake) Sleep(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sleeps = append(f.sleeps, d)
	if d > 0 {
		f.now = f.now.Add(d)
	}
}

// After advances the fake time by d and returns a channel that is
// already loaded with the new time
func (f *Fake) After(d time.Duration) <-chan time.Time {
	f.Sleep(d)
	ch := make(chan time.Time, 1)
	ch <- f.Now()
	return ch
}

// Sleeps returns a copy of every duration passed to Sleep or After
func (f *Fake) Sleeps() []time.Duration {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]time.Duration, len(f.sleeps))
	copy(out, f.sleeps)
	return out
}

// Total is the sum of all recorded sleeps
func (f *Fake) Total() time.Duration {
	var sum time.Duration
	for _, d := range f.Sleeps() {
		sum += d
	}
	return sum
}
