package outbox

import (
	"sync"
	"time"
)

// Clock abstracts time for deterministic tests.
type Clock interface {
	// Now returns the current time.
	Now() time.Time
	// After returns a channel that fires once d has elapsed.
	After(d time.Duration) <-chan time.Time
}

// SystemClock uses the system time in UTC.
type SystemClock struct{}

// Now returns the current UTC time.
func (SystemClock) Now() time.Time {
	return time.Now().UTC()
}

// After delegates to time.After.
func (SystemClock) After(d time.Duration) <-chan time.Time {
	return time.After(d)
}

// monotonicClock never hands out a time earlier than the previous one.
type monotonicClock struct {
	clock Clock

	mu   sync.Mutex
	last time.Time
}

func (c *monotonicClock) Now() time.Time {
	now := c.clock.Now()

	c.mu.Lock()
	defer c.mu.Unlock()
	if now.Before(c.last) {
		now = c.last
	}
	c.last = now

	return now
}
