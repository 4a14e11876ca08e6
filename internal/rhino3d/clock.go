package rhino3d

import (
	"sync"
	"time"
)

// ActivityClock tracks the wall-clock time of the most recent external
// request, for workers to consult over their control channel (spec §4.7).
type ActivityClock struct {
	mu       sync.Mutex
	lastCall time.Time
	stamped  bool
}

// NewActivityClock constructs an ActivityClock that has never been
// stamped.
func NewActivityClock() *ActivityClock {
	return &ActivityClock{}
}

// UpdateLastCall stamps the clock with the current time.
func (c *ActivityClock) UpdateLastCall() {
	c.mu.Lock()
	c.lastCall = time.Now()
	c.stamped = true
	c.mu.Unlock()
}

// IdleSeconds returns -1 if the clock has never been stamped, else the
// integer number of seconds since the last stamp.
func (c *ActivityClock) IdleSeconds() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.stamped {
		return -1
	}
	return int(time.Since(c.lastCall).Seconds())
}
