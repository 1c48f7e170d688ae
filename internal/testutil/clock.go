// Package testutil holds shared test fixtures: a deterministic wall clock
// and a silent logger.
package testutil

import (
	"sync"
	"time"
)

// TickingClock is a thread-safe deterministic wall clock for tests. Every
// call to Now advances it by a fixed step, so each stamped timestamp is
// distinct and ordering assertions are exact.
type TickingClock struct {
	mu    sync.Mutex
	now   time.Time
	start time.Time
	step  time.Duration
}

// NewTickingClock creates a clock whose first Now() returns start+step.
func NewTickingClock(start time.Time, step time.Duration) *TickingClock {
	return &TickingClock{now: start, start: start, step: step}
}

// Now advances the clock one step and returns the new time. Safe for
// concurrent use.
func (c *TickingClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(c.step)
	return c.now
}

// Peek returns the current time without advancing.
func (c *TickingClock) Peek() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Reset rewinds the clock to its start time so a scenario can replay with
// identical timestamps.
func (c *TickingClock) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.start
}
