package vm

import (
	"fmt"

	"github.com/agem-lang/agem/gen"
)

// VMResult is the coarse outcome of one Run slice.
type VMResult int

const (
	// ResultOk - the main chunk ran to completion.
	ResultOk VMResult = iota
	// ResultHalted - the block executed OpHalt (or was killed cooperatively).
	ResultHalted
	// ResultYield - the reduction budget expired or OpYield executed; the
	// block stays runnable.
	ResultYield
	// ResultWaiting - a receive found no message; the instruction pointer was
	// rewound so the receive re-executes on wake-up.
	ResultWaiting
	// ResultError - a runtime error killed the block. Error() has the reason.
	ResultError
)

func (r VMResult) String() string {
	switch r {
	case ResultOk:
		return "ok"
	case ResultHalted:
		return "halted"
	case ResultYield:
		return "yield"
	case ResultWaiting:
		return "waiting"
	case ResultError:
		return "error"
	}
	return fmt.Sprintf("result#%d", int(r))
}

// ErrorKind classifies fatal runtime errors.
type ErrorKind int

const (
	ErrInvalidOpcode ErrorKind = iota
	ErrJumpOutOfBounds
	ErrStackOverflow
	ErrStackUnderflow
	ErrArityMismatch
	ErrTypeMismatch
	ErrUndefinedVariable
	ErrDivisionByZero
	ErrOutOfBounds
	ErrCapDenied
	ErrSendFailed
	ErrCallDepth
	ErrHeapExceeded
	ErrNotImplemented
)

func (k ErrorKind) String() string {
	switch k {
	case ErrInvalidOpcode:
		return "invalid opcode"
	case ErrJumpOutOfBounds:
		return "jump out of bounds"
	case ErrStackOverflow:
		return "stack overflow"
	case ErrStackUnderflow:
		return "stack underflow"
	case ErrArityMismatch:
		return "arity mismatch"
	case ErrTypeMismatch:
		return "type mismatch"
	case ErrUndefinedVariable:
		return "undefined variable"
	case ErrDivisionByZero:
		return "division by zero"
	case ErrOutOfBounds:
		return "index out of bounds"
	case ErrCapDenied:
		return "capability denied"
	case ErrSendFailed:
		return "send failed"
	case ErrCallDepth:
		return "call depth exceeded"
	case ErrHeapExceeded:
		return "heap limit exceeded"
	case ErrNotImplemented:
		return "not implemented"
	}
	return fmt.Sprintf("error#%d", int(k))
}

// VMError is a fatal per-block error. It kills the block; it never crosses a
// block boundary except through the exit reason and link/monitor signals.
type VMError struct {
	Kind ErrorKind
	Msg  string
	Line int
}

func (e *VMError) Error() string {
	if e.Msg == "" {
		return e.Kind.String()
	}
	return e.Kind.String() + ": " + e.Msg
}

// SupStrategy mirrors the supervisor restart strategies at the opcode level.
const (
	SupOneForOne  = 0
	SupOneForAll  = 1
	SupRestForOne = 2
)

// Restart kinds at the opcode level.
const (
	RestartPermanent = 0
	RestartTransient = 1
	RestartTemporary = 2
)

// Runtime is the effect surface the interpreter runs against. It is
// implemented by the scheduler's block type; tests may provide lighter
// fakes. Every method is invoked from the single worker goroutine that owns
// the block, so implementations need no internal locking for per-block state.
type Runtime interface {
	Self() gen.PID
	HasCap(c gen.Cap) bool

	// Send delivers a value to another block's mailbox, applying the
	// receiver's overflow policy. The result mirrors the mailbox contract.
	Send(to gen.PID, v Value) gen.PushResult
	// Receive pops one mailbox message. ok is false when the mailbox is
	// empty (the VM then suspends).
	Receive() (v Value, from gen.PID, ok bool)
	// ReceiveMatch scans the save queue and the mailbox for a message
	// matching the pattern; non-matching mailbox messages move to the save
	// queue in arrival order.
	ReceiveMatch(pattern Value) (v Value, from gen.PID, ok bool)

	// ArmReceiveTimeout starts (once) the timeout for the receive currently
	// being executed. Re-arming an armed receive is a no-op.
	ArmReceiveTimeout(ms int64)
	// ReceiveTimedOut reports and clears the fired state of the pending
	// receive timer.
	ReceiveTimedOut() bool
	// CancelReceiveTimeout drops the pending receive timer, if any.
	CancelReceiveTimeout()

	// Spawn creates a new block running the given function or closure value
	// with the caller's capabilities minus CapSpawn.
	Spawn(fn Value) (gen.PID, error)

	Link(peer gen.PID) error
	Unlink(peer gen.PID) error
	Monitor(peer gen.PID) error
	Demonitor(peer gen.PID) error

	SupStart(strategy int) error
	SupAddChild(name string, fn Value, restart int) error
	SupRemoveChild(name string) error
	SupChildren() []gen.PID
	SupShutdown() error

	GroupJoin(name string) error
	GroupLeave(name string) error
	GroupSend(name string, v Value, exceptSelf bool) int
	GroupMembers(name string) []gen.PID
	GroupList() []string

	// ChargeHeap accounts estimated allocation bytes against the block's
	// heap envelope. A negative delta releases.
	ChargeHeap(delta int64) error
	// Killed reports whether the block was killed externally; checked at
	// reduction batch boundaries.
	Killed() bool

	// Sandbox exposes the effectful IO surface to the builtins, or nil when
	// the block runs without one.
	Sandbox() Sandbox
}
