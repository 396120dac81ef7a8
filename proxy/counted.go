package proxy

import "sync/atomic"

// Counted is a reference-counted box. It starts with one reference held by
// its creator; onFree runs once when the count reaches zero.
type Counted[T any] struct {
	val    T
	onFree func(T)
	refs   atomic.Int32
	freed  atomic.Bool
}

// NewCounted creates a box with one reference.
func NewCounted[T any](v T, onFree func(T)) *Counted[T] {
	c := &Counted[T]{val: v, onFree: onFree}
	c.refs.Store(1)
	return c
}

// Get returns the boxed value.
func (c *Counted[T]) Get() T {
	return c.val
}

func (c *Counted[T]) AddRef() {
	c.refs.Add(1)
}

func (c *Counted[T]) Release() bool {
	if c.refs.Add(-1) != 0 {
		return false
	}
	if c.freed.CompareAndSwap(false, true) && c.onFree != nil {
		c.onFree(c.val)
	}
	return true
}

func (c *Counted[T]) Refs() int32 {
	return c.refs.Load()
}

// Freed reports whether the last reference is gone.
func (c *Counted[T]) Freed() bool {
	return c.freed.Load()
}
