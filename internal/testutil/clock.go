package testutil

import (
	"sync"
	"time"
)

// ScanEpoch is where every new Clock starts.
var ScanEpoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// Clock is a manual time source. Now plugs into store.WithClock, and Tick
// hands out strictly increasing event timestamps.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

// NewClock returns a Clock reading ScanEpoch.
func NewClock() *Clock {
	return &Clock{now: ScanEpoch}
}

// Now returns the clock's current time without moving it.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d and returns the new time.
func (c *Clock) Advance(d time.Duration) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
	return c.now
}

// Tick advances the clock by one millisecond, the granularity of event
// timestamps on the wire.
func (c *Clock) Tick() time.Time { return c.Advance(time.Millisecond) }

// Elapsed returns how far the clock has moved since ScanEpoch.
func (c *Clock) Elapsed() time.Duration {
	return c.Now().Sub(ScanEpoch)
}
