package gen

import (
	"errors"
)

var (
	ErrBlockUnknown    = errors.New("unknown block")
	ErrBlockDead       = errors.New("block terminated")
	ErrBlockNotWaiting = errors.New("block is not waiting")

	ErrMailboxFull       = errors.New("block mailbox is full")
	ErrMailboxWouldBlock = errors.New("block mailbox would block the sender")

	ErrRegistryFull     = errors.New("block registry is full")
	ErrSchedulerStopped = errors.New("scheduler stopped")

	ErrCapabilityDenied = errors.New("capability denied")

	ErrGroupUnknown = errors.New("unknown group")

	ErrChildUnknown      = errors.New("unknown child")
	ErrChildExists       = errors.New("child is already defined")
	ErrRestartsExceeded  = errors.New("restart intensity is exceeded")
	ErrNotSupervisor     = errors.New("block has no supervisor role")
	ErrSupervisorStopped = errors.New("supervisor is shutting down")

	ErrTimerUnknown = errors.New("unknown timer handle")

	ErrCheckpointMagic   = errors.New("bad checkpoint magic")
	ErrCheckpointVersion = errors.New("unsupported checkpoint version")
	ErrCheckpointCorrupt = errors.New("malformed checkpoint payload")

	ErrBytecodeVersion = errors.New("incompatible bytecode compiler version")

	ErrTimeout     = errors.New("timed out")
	ErrIncorrect   = errors.New("incorrect value or argument")
	ErrUnsupported = errors.New("not supported")
)
