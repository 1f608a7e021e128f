package gen

import "fmt"

// TraceEventType enumerates the runtime events a tracer can observe.
type TraceEventType int

const (
	TraceSend TraceEventType = iota
	TraceReceive
	TraceSpawn
	TraceExit
	TraceLink
	TraceUnlink
	TraceSchedule
	TraceYield
	TraceGC
	TraceCall
	TraceReturn
)

func (t TraceEventType) String() string {
	switch t {
	case TraceSend:
		return "send"
	case TraceReceive:
		return "receive"
	case TraceSpawn:
		return "spawn"
	case TraceExit:
		return "exit"
	case TraceLink:
		return "link"
	case TraceUnlink:
		return "unlink"
	case TraceSchedule:
		return "schedule"
	case TraceYield:
		return "yield"
	case TraceGC:
		return "gc"
	case TraceCall:
		return "call"
	case TraceReturn:
		return "return"
	}
	return fmt.Sprintf("trace#%d", int(t))
}

// TraceEvent is a single record in the trace ring. Payload content depends on
// the event type (exit reason text, message size, callee name).
type TraceEvent struct {
	Type        TraceEventType
	TimestampNS int64
	Source      PID
	Target      PID
	Payload     any
}

// Tracer receives every recorded event. It runs on the emitting worker's
// goroutine and must not block. When the trace ring overflows, events are
// dropped silently; the ring keeps a drop counter.
type Tracer func(TraceEvent)
