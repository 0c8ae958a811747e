package util

import (
	"context"
	"sync"
	"time"
)

// Clock abstracts wall-clock time so the engine's polling loops can be driven
// by virtual time in tests instead of real sleeps.
type Clock interface {
	// Now returns the current time.
	Now() time.Time

	// Sleep blocks for d or until the context is cancelled. It returns the
	// context error when cancelled, nil otherwise.
	Sleep(ctx context.Context, d time.Duration) error
}

// ---------------------------------------------------------------------------
// RealClock
// ---------------------------------------------------------------------------

// RealClock is the production Clock backed by the time package.
type RealClock struct{}

var _ Clock = RealClock{}

// Now returns time.Now().
func (RealClock) Now() time.Time { return time.Now() }

// Sleep waits for d or until ctx is cancelled.
func (RealClock) Sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// ---------------------------------------------------------------------------
// FakeClock
// ---------------------------------------------------------------------------

// FakeClock is a manually advanced Clock for tests. Sleep returns as soon as
// Advance has moved the clock past the requested deadline.
type FakeClock struct {
	mu       sync.Mutex
	now      time.Time
	waiters  []waiter
	blockers []blocker
}

type waiter struct {
	deadline time.Time
	ch       chan struct{}
}

type blocker struct {
	count int
	ch    chan struct{}
}

var _ Clock = (*FakeClock)(nil)

// NewFakeClock creates a FakeClock starting at the given time.
func NewFakeClock(start time.Time) *FakeClock {
	return &FakeClock{now: start}
}

// Now returns the current virtual time.
func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Sleep blocks until virtual time passes now+d or ctx is cancelled.
func (c *FakeClock) Sleep(ctx context.Context, d time.Duration) error {
	c.mu.Lock()
	deadline := c.now.Add(d)
	if !c.now.Before(deadline) {
		c.mu.Unlock()
		return nil
	}
	w := waiter{deadline: deadline, ch: make(chan struct{})}
	c.waiters = append(c.waiters, w)
	remaining := c.blockers[:0]
	for _, b := range c.blockers {
		if len(c.waiters) >= b.count {
			close(b.ch)
		} else {
			remaining = append(remaining, b)
		}
	}
	c.blockers = remaining
	c.mu.Unlock()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-w.ch:
		return nil
	}
}

// BlockUntil waits until at least n goroutines are blocked in Sleep. Tests
// call it before Advance so every sleeper's deadline is computed from the
// pre-advance time.
func (c *FakeClock) BlockUntil(n int) {
	c.mu.Lock()
	if len(c.waiters) >= n {
		c.mu.Unlock()
		return
	}
	b := blocker{count: n, ch: make(chan struct{})}
	c.blockers = append(c.blockers, b)
	c.mu.Unlock()
	<-b.ch
}

// Advance moves virtual time forward by d and wakes any sleeper whose
// deadline has passed.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	remaining := c.waiters[:0]
	for _, w := range c.waiters {
		if !c.now.Before(w.deadline) {
			close(w.ch)
		} else {
			remaining = append(remaining, w)
		}
	}
	c.waiters = remaining
	c.mu.Unlock()
}
