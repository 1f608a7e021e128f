package gen

import "io"

const (
	// DefaultMaxBlocks bounds the registry population.
	DefaultMaxBlocks = 10000
	// DefaultReductions is the per-slice reduction budget.
	DefaultReductions = 10000

	DefaultMaxStackDepth  = 1024
	DefaultMaxCallDepth   = 256
	DefaultMaxMailboxSize = 10000

	DefaultTimerWheelSize = 256
	DefaultTimerTickMS    = 10

	DefaultMaxCheckpoints = 8

	DefaultSupMaxRestarts   = 5
	DefaultSupWindowMS      = 5000
	DefaultChildMaxRestarts = 3
	DefaultChildWindowMS    = 5000
)

// SchedulerOptions configures a scheduler instance. The zero value is usable;
// zero fields are replaced by the defaults above.
type SchedulerOptions struct {
	// Name shows up as the log source of scheduler-level messages.
	Name string
	// MaxBlocks limits the registry population. 0 means DefaultMaxBlocks,
	// negative means unlimited.
	MaxBlocks int
	// DefaultReductions is the reduction budget granted per scheduling slice.
	DefaultReductions int
	// NumWorkers starts a pool of worker goroutines. 0 keeps the scheduler
	// single-threaded (driven by Step/Run calls).
	NumWorkers int
	// EnableStealing lets an idle worker pull work from the global queue and
	// then from its peers.
	EnableStealing bool

	Timer      TimerOptions
	Checkpoint CheckpointOptions
	Supervisor SupervisorOptions

	// Logger replaces the default console logger.
	Logger   LoggerBehavior
	LogLevel LogLevel
	// Tracer receives runtime trace events in addition to the in-memory ring.
	Tracer Tracer
	// TraceRingSize is the capacity of the in-memory trace ring.
	TraceRingSize int

	// Output for the default logger (tests point it at a buffer).
	LoggerOutput io.Writer
}

// NormalizeSchedulerOptions fills in defaults.
func NormalizeSchedulerOptions(o SchedulerOptions) SchedulerOptions {
	if o.Name == "" {
		o.Name = "scheduler"
	}
	if o.MaxBlocks == 0 {
		o.MaxBlocks = DefaultMaxBlocks
	}
	if o.DefaultReductions < 1 {
		o.DefaultReductions = DefaultReductions
	}
	if o.NumWorkers < 0 {
		o.NumWorkers = 0
	}
	if o.TraceRingSize < 1 {
		o.TraceRingSize = 4096
	}
	if o.LogLevel == LogLevelDefault {
		o.LogLevel = LogLevelInfo
	}
	o.Timer = NormalizeTimerOptions(o.Timer)
	o.Checkpoint = NormalizeCheckpointOptions(o.Checkpoint)
	o.Supervisor = NormalizeSupervisorOptions(o.Supervisor)
	return o
}

// SupervisorOptions bounds restart churn: a quota applied to every child spec
// individually, and a window over all restarts a supervisor performs.
type SupervisorOptions struct {
	// MaxRestarts is the supervisor-wide restart bound per window.
	MaxRestarts int
	WindowMS    int64
	// ChildMaxRestarts is the per-child restart bound per child window.
	ChildMaxRestarts int
	ChildWindowMS    int64
}

// NormalizeSupervisorOptions fills in defaults.
func NormalizeSupervisorOptions(o SupervisorOptions) SupervisorOptions {
	if o.MaxRestarts < 1 {
		o.MaxRestarts = DefaultSupMaxRestarts
	}
	if o.WindowMS < 1 {
		o.WindowMS = DefaultSupWindowMS
	}
	if o.ChildMaxRestarts < 1 {
		o.ChildMaxRestarts = DefaultChildMaxRestarts
	}
	if o.ChildWindowMS < 1 {
		o.ChildWindowMS = DefaultChildWindowMS
	}
	return o
}

// Limits is the per-block resource envelope.
type Limits struct {
	// MaxHeapSize bounds the estimated bytes held by the block's values.
	// 0 means unlimited.
	MaxHeapSize int64
	// MaxStackDepth bounds the VM operand stack.
	MaxStackDepth int
	// MaxCallDepth bounds the VM frame stack.
	MaxCallDepth int
	// MaxReductions overrides the scheduler's per-slice budget for this block.
	MaxReductions int
	// MaxMailboxSize bounds the number of queued messages. 0 means
	// DefaultMaxMailboxSize, negative means unlimited.
	MaxMailboxSize int
	// MaxMailboxBytes bounds the estimated queued payload bytes. 0 means
	// unlimited.
	MaxMailboxBytes int64
	// Overflow selects the mailbox overflow policy.
	Overflow OverflowPolicy
}

// NormalizeLimits fills in defaults.
func NormalizeLimits(l Limits) Limits {
	if l.MaxStackDepth < 1 {
		l.MaxStackDepth = DefaultMaxStackDepth
	}
	if l.MaxCallDepth < 1 {
		l.MaxCallDepth = DefaultMaxCallDepth
	}
	if l.MaxMailboxSize == 0 {
		l.MaxMailboxSize = DefaultMaxMailboxSize
	}
	return l
}

// TimerOptions configures the hashed timer wheel.
type TimerOptions struct {
	// WheelSize is the slot count. Rounded up to a power of two.
	WheelSize int
	// TickMS is the slot granularity in milliseconds.
	TickMS int64
}

// NormalizeTimerOptions fills in defaults.
func NormalizeTimerOptions(o TimerOptions) TimerOptions {
	if o.WheelSize < 2 {
		o.WheelSize = DefaultTimerWheelSize
	}
	// round up to the next power of two so the slot index can be masked
	n := 1
	for n < o.WheelSize {
		n <<= 1
	}
	o.WheelSize = n
	if o.TickMS < 1 {
		o.TickMS = DefaultTimerTickMS
	}
	return o
}

// CheckpointOptions configures the checkpoint manager.
type CheckpointOptions struct {
	Enabled bool
	// IntervalMS enables periodic snapshots of registered blocks.
	IntervalMS int64
	// CheckpointOnExit snapshots a block right before it is reaped.
	CheckpointOnExit bool
	// StoragePath is the snapshot directory.
	StoragePath string
	// MaxCheckpoints is the retention bound; older snapshots are pruned.
	MaxCheckpoints int
}

// NormalizeCheckpointOptions fills in defaults.
func NormalizeCheckpointOptions(o CheckpointOptions) CheckpointOptions {
	if o.MaxCheckpoints < 1 {
		o.MaxCheckpoints = DefaultMaxCheckpoints
	}
	return o
}
