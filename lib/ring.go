package lib

import (
	"sync/atomic"
)

// Ring is a fixed-size circular buffer with an atomic write index, used for
// the in-memory trace sink. Writers never block: once the ring is full the
// oldest entries are overwritten and the drop counter grows. Readers get a
// consistent snapshot, not a live view.
type Ring[T any] struct {
	entries []T
	mask    uint64
	widx    uint64
	count   uint64
	dropped uint64
}

// NewRing creates a ring with the given capacity rounded up to a power of two.
func NewRing[T any](capacity int) *Ring[T] {
	if capacity < 2 {
		capacity = 2
	}
	n := 1
	for n < capacity {
		n <<= 1
	}
	return &Ring[T]{
		entries: make([]T, n),
		mask:    uint64(n - 1),
	}
}

// Put stores an entry, overwriting the oldest one when the ring is full.
func (r *Ring[T]) Put(v T) {
	i := atomic.AddUint64(&r.widx, 1) - 1
	r.entries[i&r.mask] = v
	for {
		c := atomic.LoadUint64(&r.count)
		if c > r.mask {
			atomic.AddUint64(&r.dropped, 1)
			return
		}
		if atomic.CompareAndSwapUint64(&r.count, c, c+1) {
			return
		}
	}
}

// Len returns the number of retained entries.
func (r *Ring[T]) Len() int {
	c := atomic.LoadUint64(&r.count)
	if c > r.mask+1 {
		c = r.mask + 1
	}
	return int(c)
}

// Dropped returns how many entries were overwritten before being read.
func (r *Ring[T]) Dropped() uint64 {
	return atomic.LoadUint64(&r.dropped)
}

// Snapshot copies the retained entries in write order, oldest first.
func (r *Ring[T]) Snapshot() []T {
	w := atomic.LoadUint64(&r.widx)
	n := uint64(r.Len())
	out := make([]T, 0, n)
	for i := w - n; i < w; i++ {
		out = append(out, r.entries[i&r.mask])
	}
	return out
}
