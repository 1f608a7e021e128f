package gen

import (
	"sync"
)

// OverflowPolicy selects what a mailbox does when a push would exceed its
// message or byte bound.
type OverflowPolicy int

const (
	// OverflowDropNew rejects the incoming message.
	OverflowDropNew OverflowPolicy = 0
	// OverflowDropOld evicts the oldest queued message to make room.
	OverflowDropOld OverflowPolicy = 1
	// OverflowBlockSender reports WouldBlock; the sender retries or drops.
	OverflowBlockSender OverflowPolicy = 2
	// OverflowCrash kills the receiving block.
	OverflowCrash OverflowPolicy = 3
)

func (p OverflowPolicy) String() string {
	switch p {
	case OverflowDropNew:
		return "drop_new"
	case OverflowDropOld:
		return "drop_old"
	case OverflowBlockSender:
		return "block_sender"
	case OverflowCrash:
		return "crash"
	}
	return "overflow#?"
}

// PushResult is the outcome of a mailbox push.
type PushResult int

const (
	PushOk PushResult = 0
	// PushFull - the message was rejected by the bound (DropNew), or the
	// overflow policy decided to crash the receiver.
	PushFull PushResult = 1
	// PushWouldBlock - the BlockSender policy asks the producer to retry.
	PushWouldBlock PushResult = 2
	// PushDead - the receiving block is terminated.
	PushDead PushResult = 3
)

var (
	messages = &sync.Pool{
		New: func() any {
			return &Message{}
		},
	}
)

// TakeMessage takes a recycled Message envelope from the pool.
func TakeMessage() *Message {
	return messages.Get().(*Message)
}

// ReleaseMessage zeroes the envelope and returns it to the pool. Call it only
// after the payload has been consumed.
func ReleaseMessage(m *Message) {
	m.From = InvalidPID
	m.Value = nil
	m.Size = 0
	messages.Put(m)
}
