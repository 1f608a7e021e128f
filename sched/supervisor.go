package sched

import (
	"sync"

	"github.com/agem-lang/agem/gen"
	"github.com/agem-lang/agem/lib"
	"github.com/agem-lang/agem/vm"
)

type childSpec struct {
	name    string
	fn      vm.Value
	restart int
	pid     gen.PID

	// per-child restart quota
	maxRestarts  int
	windowMS     int64
	restartCount int
	windowStart  int64
}

// supState is the supervisor role of a block. Children are kept in start
// order; restart churn is bounded by a windowed counter per child and one
// more across the whole supervisor.
type supState struct {
	mu           sync.Mutex
	strategy     int
	children     []*childSpec
	maxRestarts  int
	windowMS     int64
	restartCount int
	windowStart  int64
	shuttingDown bool
}

func (b *Block) supStart(strategy int) error {
	if strategy < vm.SupOneForOne || strategy > vm.SupRestForOne {
		return gen.ErrIncorrect
	}
	if b.sup != nil {
		return gen.ErrIncorrect
	}
	opts := b.sch.opts.Supervisor
	b.sup = &supState{
		strategy:    strategy,
		maxRestarts: opts.MaxRestarts,
		windowMS:    opts.WindowMS,
		windowStart: lib.NowMS(),
	}
	return nil
}

func (b *Block) supAddChild(name string, fn vm.Value, restart int) error {
	sup := b.sup
	if sup == nil {
		return gen.ErrNotSupervisor
	}
	if restart < vm.RestartPermanent || restart > vm.RestartTemporary {
		return gen.ErrIncorrect
	}

	sup.mu.Lock()
	defer sup.mu.Unlock()
	if sup.shuttingDown {
		return gen.ErrSupervisorStopped
	}
	for _, spec := range sup.children {
		if spec.name == name {
			return gen.ErrChildExists
		}
	}

	opts := b.sch.opts.Supervisor
	spec := &childSpec{
		name:        name,
		fn:          vm.CopyOnSend(fn),
		restart:     restart,
		maxRestarts: opts.ChildMaxRestarts,
		windowMS:    opts.ChildWindowMS,
		windowStart: lib.NowMS(),
	}
	pid, err := b.supSpawnChild(spec)
	if err != nil {
		return err
	}
	spec.pid = pid
	sup.children = append(sup.children, spec)
	return nil
}

// supSpawnChild starts one child block. Called with sup.mu held.
func (b *Block) supSpawnChild(spec *childSpec) (gen.PID, error) {
	return b.sch.spawn(spawnRequest{
		code:    b.code.Retain(),
		entry:   spec.fn,
		name:    spec.name,
		parent:  b.pid,
		supPID:  b.pid,
		caps:    gen.ChildCaps(b.caps),
		limits:  b.limits,
		sandbox: b.sandbox,
	})
}

func (b *Block) supRemoveChild(name string) error {
	sup := b.sup
	if sup == nil {
		return gen.ErrNotSupervisor
	}
	sup.mu.Lock()
	defer sup.mu.Unlock()
	for i, spec := range sup.children {
		if spec.name != name {
			continue
		}
		sup.children = append(sup.children[:i], sup.children[i+1:]...)
		b.supStopChild(spec)
		return nil
	}
	return gen.ErrChildUnknown
}

// supStopChild detaches a live child from supervision and terminates it with
// a shutdown reason. Detaching first keeps the exit from re-entering the
// restart handler.
func (b *Block) supStopChild(spec *childSpec) {
	if spec.pid == gen.InvalidPID {
		return
	}
	child, found := b.sch.blocks.lookup(spec.pid)
	spec.pid = gen.InvalidPID
	if !found {
		return
	}
	child.mu.Lock()
	child.supPID = gen.InvalidPID
	child.mu.Unlock()
	b.sch.terminate(child, gen.ReasonShutdown())
}

func (b *Block) supChildren() []gen.PID {
	sup := b.sup
	if sup == nil {
		return nil
	}
	sup.mu.Lock()
	defer sup.mu.Unlock()
	pids := make([]gen.PID, 0, len(sup.children))
	for _, spec := range sup.children {
		if spec.pid != gen.InvalidPID {
			pids = append(pids, spec.pid)
		}
	}
	return pids
}

func (b *Block) supShutdown() error {
	sup := b.sup
	if sup == nil {
		return gen.ErrNotSupervisor
	}
	b.supTeardown()
	return nil
}

// supTeardown stops every child in reverse start order. Also invoked when
// the supervisor block itself terminates.
func (b *Block) supTeardown() {
	sup := b.sup
	if sup == nil {
		return
	}
	sup.mu.Lock()
	defer sup.mu.Unlock()
	if sup.shuttingDown {
		return
	}
	sup.shuttingDown = true
	for i := len(sup.children) - 1; i >= 0; i-- {
		b.supStopChild(sup.children[i])
	}
	sup.children = nil
}

// recordRestart advances a windowed restart counter and returns the count
// within the current window. The counter resets once a full window elapsed.
func recordRestart(count *int, windowStart *int64, windowMS int64, nowMS int64) int {
	if nowMS-*windowStart > windowMS {
		*windowStart = nowMS
		*count = 0
	}
	*count++
	return *count
}

// handleChildExit runs the restart strategy. Called from the terminating
// child's exit path, after the child left the registry.
func (b *Block) handleChildExit(childPID gen.PID, reason gen.ExitReason) {
	sup := b.sup
	if sup == nil {
		return
	}
	sup.mu.Lock()
	defer sup.mu.Unlock()
	if sup.shuttingDown {
		return
	}

	idx := -1
	for i, spec := range sup.children {
		if spec.pid == childPID {
			idx = i
			break
		}
	}
	if idx < 0 {
		return
	}
	spec := sup.children[idx]
	spec.pid = gen.InvalidPID

	restart := false
	switch spec.restart {
	case vm.RestartPermanent:
		restart = true
	case vm.RestartTransient:
		restart = reason.IsAbnormal()
	}
	if !restart {
		sup.children = append(sup.children[:idx], sup.children[idx+1:]...)
		return
	}

	// the child's own quota is checked first, then the supervisor-wide one
	now := lib.NowMS()
	denied := recordRestart(&spec.restartCount, &spec.windowStart, spec.windowMS, now) > spec.maxRestarts
	if !denied {
		denied = recordRestart(&sup.restartCount, &sup.windowStart, sup.windowMS, now) > sup.maxRestarts
	}
	if denied {
		if !reason.IsAbnormal() {
			sup.children = append(sup.children[:idx], sup.children[idx+1:]...)
			return
		}
		b.log.Error("supervisor %s: restart quota for %q exhausted, giving up", b.pid, spec.name)
		sup.shuttingDown = true
		for i := len(sup.children) - 1; i >= 0; i-- {
			b.supStopChild(sup.children[i])
		}
		sup.children = nil
		go b.sch.killBlock(b, gen.ReasonCrash(gen.ErrRestartsExceeded.Error()))
		return
	}

	switch sup.strategy {
	case vm.SupOneForOne:
		b.supRestartSpecs(sup, idx, idx+1)
	case vm.SupOneForAll:
		for i := len(sup.children) - 1; i >= 0; i-- {
			if i != idx {
				b.supStopChildKeep(sup.children[i])
			}
		}
		b.supRestartSpecs(sup, 0, len(sup.children))
	case vm.SupRestForOne:
		for i := len(sup.children) - 1; i > idx; i-- {
			b.supStopChildKeep(sup.children[i])
		}
		b.supRestartSpecs(sup, idx, len(sup.children))
	}
}

// supStopChildKeep terminates a sibling but keeps its spec for the restart
// pass.
func (b *Block) supStopChildKeep(spec *childSpec) {
	if spec.pid == gen.InvalidPID {
		return
	}
	child, found := b.sch.blocks.lookup(spec.pid)
	spec.pid = gen.InvalidPID
	if !found {
		return
	}
	child.mu.Lock()
	child.supPID = gen.InvalidPID
	child.mu.Unlock()
	b.sch.terminate(child, gen.ReasonShutdown())
}

// supRestartSpecs respawns the specs in [from, to) that are currently down,
// in start order.
func (b *Block) supRestartSpecs(sup *supState, from, to int) {
	for i := from; i < to && i < len(sup.children); i++ {
		spec := sup.children[i]
		if spec.pid != gen.InvalidPID {
			continue
		}
		pid, err := b.supSpawnChild(spec)
		if err != nil {
			b.log.Error("supervisor %s: restart of %q failed: %s", b.pid, spec.name, err)
			continue
		}
		spec.pid = pid
		b.log.Debug("supervisor %s: restarted child %q as %s", b.pid, spec.name, pid)
	}
}
