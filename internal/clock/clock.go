// Package clock provides a time abstraction so polling schedules can be
// driven manually in tests. Use RealClock in production and MockClock in tests.
package clock

import (
	"sync"
	"time"
)

// Clock is the subset of the time package the pollers depend on.
type Clock interface {
	// Now returns the current time
	Now() time.Time

	// AfterFunc waits for the duration to elapse and then calls f in its own goroutine.
	AfterFunc(d time.Duration, f func()) Timer
}

// Timer represents a single scheduled call that can be cancelled
type Timer interface {
	// Stop prevents the Timer from firing. Returns true if the call stops the timer,
	// false if the timer has already expired or been stopped.
	Stop() bool
}

// RealClock implements Clock using the standard time package
type RealClock struct{}

// NewRealClock creates a new RealClock instance
func NewRealClock() *RealClock {
	return &RealClock{}
}

// Now returns the current time
func (c *RealClock) Now() time.Time {
	return time.Now()
}

// AfterFunc schedules f on a standard library timer
func (c *RealClock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// MockClock is a Clock whose time only moves when Advance or Set is called
type MockClock struct {
	mu      sync.Mutex
	current time.Time
	timers  []*mockTimer
}

type mockTimer struct {
	deadline time.Time
	f        func()
	stopped  bool
	mu       sync.Mutex
}

// NewMockClock creates a new MockClock starting at the given time
func NewMockClock(start time.Time) *MockClock {
	return &MockClock{current: start}
}

// Now returns the mock current time
func (c *MockClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// AfterFunc schedules f to be called once the mock time passes now+d
func (c *MockClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()

	timer := &mockTimer{deadline: c.current.Add(d), f: f}
	c.timers = append(c.timers, timer)
	return timer
}

// Pending returns the number of timers that have not fired or been stopped
func (c *MockClock) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	count := 0
	for _, timer := range c.timers {
		timer.mu.Lock()
		if !timer.stopped {
			count++
		}
		timer.mu.Unlock()
	}
	return count
}

// Advance moves the clock forward by d and synchronously fires expired timers
func (c *MockClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.current = c.current.Add(d)
	now := c.current

	var toFire, remaining []*mockTimer
	for _, timer := range c.timers {
		timer.mu.Lock()
		switch {
		case timer.stopped:
		case !timer.deadline.After(now):
			toFire = append(toFire, timer)
		default:
			remaining = append(remaining, timer)
		}
		timer.mu.Unlock()
	}
	c.timers = remaining
	c.mu.Unlock()

	// Fire outside the lock; callbacks commonly reschedule themselves.
	for _, timer := range toFire {
		timer.mu.Lock()
		if timer.stopped {
			timer.mu.Unlock()
			continue
		}
		timer.stopped = true
		f := timer.f
		timer.mu.Unlock()
		f()
	}
}

// Set moves the clock to t, firing expired timers when t is in the future
func (c *MockClock) Set(t time.Time) {
	c.mu.Lock()
	old := c.current
	c.mu.Unlock()

	if t.After(old) {
		c.Advance(t.Sub(old))
		return
	}

	c.mu.Lock()
	c.current = t
	c.mu.Unlock()
}

// Stop prevents the timer from firing
func (t *mockTimer) Stop() bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	wasActive := !t.stopped
	t.stopped = true
	return wasActive
}
