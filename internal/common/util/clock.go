package util

import (
	"sync"
	"time"
)

type Clock interface {
	Now() time.Time
}

type DefaultClock struct{}

func (c *DefaultClock) Now() time.Time { return time.Now() }

// DummyClock is a Clock for tests which only moves when told to.
type DummyClock struct {
	mu sync.Mutex
	T  time.Time
}

func (c *DummyClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.T
}

func (c *DummyClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.T = c.T.Add(d)
}
