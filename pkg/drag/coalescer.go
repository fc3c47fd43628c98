package drag

import (
	"context"
	"sync"
	"time"
)

// Coalescer holds at most one pending value. Push replaces it; Tick hands it
// to the flush func. Intermediate values pushed between ticks are dropped.
type Coalescer[T any] struct {
	mu      sync.Mutex
	pending T
	has     bool
	flush   func(T)
}

func NewCoalescer[T any](flush func(T)) *Coalescer[T] {
	return &Coalescer[T]{flush: flush}
}

// Push stores v as the pending value
func (c *Coalescer[T]) Push(v T) {
	c.mu.Lock()
	c.pending = v
	c.has = true
	c.mu.Unlock()
}

// Tick flushes the pending value, if any, and reports whether it did
func (c *Coalescer[T]) Tick() bool {
	c.mu.Lock()
	if !c.has {
		c.mu.Unlock()
		return false
	}
	v := c.pending
	var zero T
	c.pending = zero
	c.has = false
	c.mu.Unlock()

	if c.flush != nil {
		c.flush(v)
	}
	return true
}

// Drop discards the pending value without flushing it
func (c *Coalescer[T]) Drop() {
	c.mu.Lock()
	var zero T
	c.pending = zero
	c.has = false
	c.mu.Unlock()
}

// Pending reports whether a value is waiting for the next tick
func (c *Coalescer[T]) Pending() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.has
}

// Run ticks every interval until ctx is done, then flushes once more
func (c *Coalescer[T]) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			c.Tick()
			return
		case <-ticker.C:
			c.Tick()
		}
	}
}
