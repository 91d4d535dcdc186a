package hello

import "sync"

// Counter is shared by every request a server handles. The lock is held only
// for the increment or the read.
type Counter struct {
	mu sync.Mutex
	n  uint64
}

// Increment adds one and returns the new value.
func (c *Counter) Increment() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.n++
	return c.n
}

func (c *Counter) Load() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.n
}
