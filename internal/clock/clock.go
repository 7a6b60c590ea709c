// Package clock provides the timestamp source for registry and event
// records.
package clock

import (
	"sync"
	"time"
)

// Monotonic returns wall-clock times that never repeat or go backwards within
// the process, so events recorded back to back still sort in write order.
type Monotonic struct {
	mu   sync.Mutex
	last time.Time
	now  func() time.Time
}

func NewMonotonic() *Monotonic {
	return &Monotonic{now: time.Now}
}

// NewMonotonicFrom wraps an arbitrary time source; tests pass a fixed one.
func NewMonotonicFrom(now func() time.Time) *Monotonic {
	return &Monotonic{now: now}
}

func (c *Monotonic) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	t := c.now().Round(0)
	if !t.After(c.last) {
		t = c.last.Add(time.Nanosecond)
	}
	c.last = t
	return t
}
