package reconcile

import (
	"sync"
	"time"
)

// clock issues strictly increasing local timestamps, even if the wall clock
// moves backwards
type clock struct {
	mu   sync.Mutex
	last int64
	now  func() time.Time
}

func newClock(last int64, now func() time.Time) *clock {
	return &clock{last: last, now: now}
}

func (c *clock) next() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	ts := c.now().UnixMicro()
	if ts <= c.last {
		ts = c.last + 1
	}
	c.last = ts
	return ts
}
