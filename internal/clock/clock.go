// Package clock provides wall and virtual time sources for deterministic trading logic.
package clock

import (
	"sync"
	"time"
)

// Clock reports the current time.
type Clock interface {
	Now() time.Time
}

// Real reads the system clock in UTC.
type Real struct{}

// Now implements Clock.
func (Real) Now() time.Time { return time.Now().UTC() }

// Virtual is an in-memory clock used by tests and backtests.
type Virtual struct {
	mu      sync.Mutex
	current time.Time
}

// NewVirtual initialises a clock starting at the provided timestamp.
func NewVirtual(start time.Time) *Virtual {
	return &Virtual{current: start.UTC()}
}

// Now returns the current simulated time.
func (c *Virtual) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// Advance moves the clock forward by the specified duration.
func (c *Virtual) Advance(d time.Duration) {
	if d <= 0 {
		return
	}
	c.mu.Lock()
	c.current = c.current.Add(d)
	c.mu.Unlock()
}

// AdvanceTo moves the clock to the supplied timestamp if it is in the future.
func (c *Virtual) AdvanceTo(ts time.Time) {
	c.mu.Lock()
	if ts.After(c.current) {
		c.current = ts.UTC()
	}
	c.mu.Unlock()
}

// Set moves the clock to ts unconditionally.
func (c *Virtual) Set(ts time.Time) {
	c.mu.Lock()
	c.current = ts.UTC()
	c.mu.Unlock()
}

// OrReal returns c, or a Real clock when c is nil.
func OrReal(c Clock) Clock {
	if c == nil {
		return Real{}
	}
	return c
}
