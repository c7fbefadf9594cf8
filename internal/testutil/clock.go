// Package testutil holds a manually driven wall clock for tests.
package testutil

import (
	"sync"
	"time"
)

// Epoch is where a WallClock starts: 2023-11-14T22:13:20Z.
var Epoch = time.UnixMilli(1_700_000_000_000).UTC()

// WallClock is a manually advanced wall clock. Pass its Now method
// wherever a func() time.Time is accepted. Safe for concurrent use.
type WallClock struct {
	mu  sync.Mutex
	now time.Time
}

// NewWallClock returns a clock at Epoch.
func NewWallClock() *WallClock {
	return &WallClock{now: Epoch}
}

// Now returns the current time.
func (c *WallClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward (or back, for negative d).
func (c *WallClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// Set moves the clock to t.
func (c *WallClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}
