package sched

import (
	"runtime"

	"github.com/agem-lang/agem/gen"
	"github.com/agem-lang/agem/lib"
)

// mailbox wraps the MPSC queue with the block's overflow policy. Producers
// are any goroutine; the single consumer is the worker running the block.
type mailbox struct {
	queue  lib.QueueMPSC
	policy gen.OverflowPolicy
}

func newMailbox(limits gen.Limits) *mailbox {
	var q lib.QueueMPSC
	if limits.MaxMailboxSize < 0 && limits.MaxMailboxBytes == 0 {
		q = lib.NewQueueMPSC()
	} else {
		limit := int64(limits.MaxMailboxSize)
		if limits.MaxMailboxSize < 0 {
			limit = 0 // unlimited count, bytes bound only
		}
		q = lib.NewQueueLimitMPSC(limit, limits.MaxMailboxBytes)
	}
	return &mailbox{queue: q, policy: limits.Overflow}
}

// push applies the overflow policy. OverflowCrash is reported as PushFull;
// the send path kills the receiver on that combination.
func (mb *mailbox) push(m *gen.Message) gen.PushResult {
	if mb.queue.Push(m, m.Size) {
		return gen.PushOk
	}

	switch mb.policy {
	case gen.OverflowDropOld:
		// producer-side eviction needs the consumer-exclusion flag. If the
		// consumer holds it the eviction degrades to DropNew.
		if !mb.queue.Lock() {
			return gen.PushFull
		}
		if old, ok := mb.queue.Pop(); ok {
			if om, isMsg := old.(*gen.Message); isMsg {
				gen.ReleaseMessage(om)
			}
		}
		mb.queue.Unlock()
		if mb.queue.Push(m, m.Size) {
			return gen.PushOk
		}
		return gen.PushFull
	case gen.OverflowBlockSender:
		return gen.PushWouldBlock
	default:
		// DropNew and Crash
		return gen.PushFull
	}
}

// pop removes the oldest message. Consumer only. It spins on the exclusion
// flag, which a DropOld producer holds for at most one eviction.
func (mb *mailbox) pop() (*gen.Message, bool) {
	for !mb.queue.Lock() {
		runtime.Gosched()
	}
	v, ok := mb.queue.Pop()
	mb.queue.Unlock()
	if !ok {
		return nil, false
	}
	return v.(*gen.Message), true
}

func (mb *mailbox) len() int64 {
	return mb.queue.Len()
}

func (mb *mailbox) bytes() int64 {
	return mb.queue.Bytes()
}

// drain releases every queued envelope. Called when the block is reaped.
func (mb *mailbox) drain() int {
	n := 0
	for {
		m, ok := mb.pop()
		if !ok {
			return n
		}
		gen.ReleaseMessage(m)
		n++
	}
}
