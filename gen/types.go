package gen

import (
	"fmt"
)

// PID is the runtime-wide identifier of a block. It is allocated by the
// scheduler from a monotonic counter and is never reused within a run.
type PID uint64

// InvalidPID is reserved and never assigned to a block.
const InvalidPID PID = 0

func (p PID) String() string {
	return fmt.Sprintf("<0.%d>", uint64(p))
}

// BlockState is the lifecycle state of a block. Transitions are atomic:
// Runnable -> Running -> {Runnable|Waiting|Dead}, Waiting -> Runnable.
// No transition leaves Dead.
type BlockState int32

const (
	BlockStateRunnable BlockState = 1
	BlockStateRunning  BlockState = 2
	BlockStateWaiting  BlockState = 3
	BlockStateDead     BlockState = 4
)

func (s BlockState) String() string {
	switch s {
	case BlockStateRunnable:
		return "runnable"
	case BlockStateRunning:
		return "running"
	case BlockStateWaiting:
		return "waiting"
	case BlockStateDead:
		return "dead"
	}
	return fmt.Sprintf("state#%d", int32(s))
}

// ExitClass is the coarse classification of a block's exit reason.
type ExitClass int32

const (
	ExitNormal   ExitClass = 0
	ExitShutdown ExitClass = 1
	ExitKilled   ExitClass = 2
	ExitCrash    ExitClass = 3
	ExitTimeout  ExitClass = 4
)

func (c ExitClass) String() string {
	switch c {
	case ExitNormal:
		return "normal"
	case ExitShutdown:
		return "shutdown"
	case ExitKilled:
		return "killed"
	case ExitCrash:
		return "crash"
	case ExitTimeout:
		return "timeout"
	}
	return fmt.Sprintf("exit#%d", int32(c))
}

// ExitReason carries the classification, a human readable text and the
// numeric exit code of a dead block. It is set exactly once, at the
// transition into BlockStateDead.
type ExitReason struct {
	Class ExitClass
	Text  string
	Code  int
}

// IsAbnormal reports whether this exit cascades over links to peers that
// do not trap exits.
func (r ExitReason) IsAbnormal() bool {
	return r.Class != ExitNormal
}

func (r ExitReason) String() string {
	if r.Text == "" {
		return r.Class.String()
	}
	return r.Text
}

// ReasonNormal is the reason of a block that ran its bytecode to completion.
func ReasonNormal() ExitReason {
	return ExitReason{Class: ExitNormal, Text: "normal"}
}

// ReasonShutdown is used for supervisor-initiated termination.
func ReasonShutdown() ExitReason {
	return ExitReason{Class: ExitShutdown, Text: "shutdown"}
}

// ReasonKilled is used for Scheduler.Kill victims.
func ReasonKilled() ExitReason {
	return ExitReason{Class: ExitKilled, Text: "killed", Code: 1}
}

// ReasonCrash builds an abnormal reason out of a runtime error text.
func ReasonCrash(text string) ExitReason {
	return ExitReason{Class: ExitCrash, Text: text, Code: 1}
}

// Counters is the per-block counter bag. Updated only by the owning worker,
// read by anyone through BlockInfo.
type Counters struct {
	Reductions       uint64
	MessagesSent     uint64
	MessagesReceived uint64
	GCCycles         uint64
}

// Message is a single mailbox entry. The payload is opaque to the queue;
// the VM layer defines its value semantics (retain/COW/deep-copy on send).
type Message struct {
	From  PID
	Value any
	// Size is the estimated payload size in bytes, used for the mailbox
	// byte budget.
	Size int64
}

// BlockInfo is a point-in-time snapshot of a block, for introspection and
// the statistics surface.
type BlockInfo struct {
	PID         PID
	Name        string
	State       BlockState
	Parent      PID
	Links       []PID
	Monitors    []PID
	MonitoredBy []PID
	MailboxLen  int64
	SaveQueue   int
	Caps        Cap
	Counters    Counters
	ExitReason  *ExitReason
}
