package ecs

import "sync/atomic"

// Clock hands out ticks for one writer. Ticks strictly increase and are
// only meaningful for ordering merges of changes to the same entity.
//
// Safe for concurrent use.
type Clock struct {
	tick atomic.Uint64
}

// NewClock returns a clock whose first tick is 1.
func NewClock() *Clock {
	return &Clock{}
}

// NewClockAt returns a clock resuming after start.
func NewClockAt(start uint64) *Clock {
	c := &Clock{}
	c.tick.Store(start)
	return c
}

// Next returns the next tick.
func (c *Clock) Next() uint64 {
	return c.tick.Add(1)
}

// Current returns the last tick handed out.
func (c *Clock) Current() uint64 {
	return c.tick.Load()
}
