// Lock-free intrusive MPSC queue (Multiple Producers Single Consumer) used as
// the mailbox backbone. An always-present stub node keeps Push wait-free:
// producers swap the head pointer and stitch the old head to the new item.

package lib

import (
	"math"
	"sync/atomic"
	"unsafe"
)

type queueMPSC struct {
	head   *itemMPSC
	tail   *itemMPSC
	length int64
	bytes  int64
	lock   uint32
}

type queueLimitMPSC struct {
	head     *itemMPSC
	tail     *itemMPSC
	length   int64
	bytes    int64
	limit    int64
	maxBytes int64
	lock     uint32
}

type QueueMPSC interface {
	// Push appends a value accounted with the given size in bytes. Returns
	// false if the queue bound would be exceeded.
	Push(value any, size int64) bool
	// Pop removes the oldest value. Single consumer only.
	Pop() (any, bool)
	// Item returns the oldest item without removing it. Returns nil if the
	// queue is empty.
	Item() ItemMPSC
	// Len returns the number of items in the queue
	Len() int64
	// Bytes returns the accounted payload size of the queued items
	Bytes() int64
	// Size returns the item limit for the queue. -1 - for unlimited
	Size() int64

	Lock() bool
	Unlock() bool
}

func NewQueueMPSC() QueueMPSC {
	emptyItem := &itemMPSC{}
	return &queueMPSC{
		head: emptyItem,
		tail: emptyItem,
	}
}

// NewQueueLimitMPSC creates MPSC queue with limited length and an optional
// byte budget (0 - unlimited bytes). The overflow decision is left to the
// caller: Push just refuses once a bound would be exceeded.
func NewQueueLimitMPSC(limit int64, maxBytes int64) QueueMPSC {
	if limit < 1 {
		limit = math.MaxInt64
	}
	if maxBytes < 1 {
		maxBytes = math.MaxInt64
	}
	emptyItem := &itemMPSC{}
	return &queueLimitMPSC{
		limit:    limit,
		maxBytes: maxBytes,
		head:     emptyItem,
		tail:     emptyItem,
	}
}

type ItemMPSC interface {
	Next() ItemMPSC
	Value() any
	Clear()
}

type itemMPSC struct {
	value any
	size  int64
	next  *itemMPSC
}

func (q *queueMPSC) Push(value any, size int64) bool {
	i := &itemMPSC{
		value: value,
		size:  size,
	}
	atomic.AddInt64(&q.length, 1)
	atomic.AddInt64(&q.bytes, size)
	old_head := (*itemMPSC)(atomic.SwapPointer((*unsafe.Pointer)(unsafe.Pointer(&q.head)), unsafe.Pointer(i)))
	atomic.StorePointer((*unsafe.Pointer)(unsafe.Pointer(&old_head.next)), unsafe.Pointer(i))
	return true
}

func (q *queueLimitMPSC) Push(value any, size int64) bool {
	if q.Len()+1 > q.limit {
		return false
	}
	if size > 0 && q.Bytes()+size > q.maxBytes {
		return false
	}

	i := &itemMPSC{
		value: value,
		size:  size,
	}
	atomic.AddInt64(&q.length, 1)
	atomic.AddInt64(&q.bytes, size)
	old_head := (*itemMPSC)(atomic.SwapPointer((*unsafe.Pointer)(unsafe.Pointer(&q.head)), unsafe.Pointer(i)))
	atomic.StorePointer((*unsafe.Pointer)(unsafe.Pointer(&old_head.next)), unsafe.Pointer(i))
	return true
}

func (q *queueMPSC) Pop() (any, bool) {
	tail_next := (*itemMPSC)(atomic.LoadPointer((*unsafe.Pointer)(unsafe.Pointer(&q.tail.next))))
	if tail_next == nil {
		return nil, false
	}

	value := tail_next.value
	tail_next.value = nil // let the GC free this item

	atomic.StorePointer((*unsafe.Pointer)(unsafe.Pointer(&q.tail)), unsafe.Pointer(tail_next))
	atomic.AddInt64(&q.length, -1)
	atomic.AddInt64(&q.bytes, -tail_next.size)
	return value, true
}

func (q *queueLimitMPSC) Pop() (any, bool) {
	tail_next := (*itemMPSC)(atomic.LoadPointer((*unsafe.Pointer)(unsafe.Pointer(&q.tail.next))))
	if tail_next == nil {
		return nil, false
	}

	value := tail_next.value
	tail_next.value = nil // let the GC free this item

	atomic.StorePointer((*unsafe.Pointer)(unsafe.Pointer(&q.tail)), unsafe.Pointer(tail_next))
	atomic.AddInt64(&q.length, -1)
	atomic.AddInt64(&q.bytes, -tail_next.size)
	return value, true
}

func (q *queueMPSC) Len() int64 {
	return atomic.LoadInt64(&q.length)
}

func (q *queueMPSC) Bytes() int64 {
	return atomic.LoadInt64(&q.bytes)
}

func (q *queueMPSC) Size() int64 {
	return -1 // unlimited
}

// Lock takes the consumer-exclusion flag. It protects Pop against the
// producer-side DropOld eviction, not against other producers.
func (q *queueMPSC) Lock() bool {
	return atomic.SwapUint32(&q.lock, 1) == 0
}

func (q *queueMPSC) Unlock() bool {
	return atomic.SwapUint32(&q.lock, 0) == 1
}

// Len returns queue length
func (q *queueLimitMPSC) Len() int64 {
	return atomic.LoadInt64(&q.length)
}

func (q *queueLimitMPSC) Bytes() int64 {
	return atomic.LoadInt64(&q.bytes)
}

func (q *queueLimitMPSC) Size() int64 {
	return q.limit
}

func (q *queueLimitMPSC) Lock() bool {
	return atomic.SwapUint32(&q.lock, 1) == 0
}

func (q *queueLimitMPSC) Unlock() bool {
	return atomic.SwapUint32(&q.lock, 0) == 1
}

// Item returns the tail item of the queue. Returns nil if queue is empty.
func (q *queueMPSC) Item() ItemMPSC {
	tail := (*itemMPSC)(atomic.LoadPointer((*unsafe.Pointer)(unsafe.Pointer(&q.tail))))
	item := (*itemMPSC)(atomic.LoadPointer((*unsafe.Pointer)(unsafe.Pointer(&tail.next))))
	if item == nil {
		return nil
	}
	return item
}

// Item returns the tail item of the queue. Returns nil if queue is empty.
func (q *queueLimitMPSC) Item() ItemMPSC {
	tail := (*itemMPSC)(atomic.LoadPointer((*unsafe.Pointer)(unsafe.Pointer(&q.tail))))
	item := (*itemMPSC)(atomic.LoadPointer((*unsafe.Pointer)(unsafe.Pointer(&tail.next))))
	if item == nil {
		return nil
	}
	return item
}

//
// ItemMPSC interface implementation
//

// Next provides walking through the queue. Returns nil if the last item is reached.
func (i *itemMPSC) Next() ItemMPSC {
	next := (*itemMPSC)(atomic.LoadPointer((*unsafe.Pointer)(unsafe.Pointer(&i.next))))
	if next == nil {
		return nil
	}
	return next
}

// Value returns stored value of the queue item
func (i *itemMPSC) Value() any {
	return i.value
}

// Clear sets the value to nil. It doesn't remove this item from the queue. Can be used in a single consumer (goroutine) only.
func (i *itemMPSC) Clear() {
	i.value = nil
}
