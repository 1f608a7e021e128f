package sched

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agem-lang/agem/gen"
	"github.com/agem-lang/agem/vm"
)

type supChild struct {
	name string
	// behavior of the child entry function
	behavior childBehavior
	restart  byte
}

type childBehavior int

const (
	childWaits childBehavior = iota
	childCrashes
	childExitsNormal
)

// supervisorUnit builds a unit whose main chunk becomes a supervisor with the
// given children and then waits forever.
func supervisorUnit(strategy byte, children ...supChild) *vm.Bytecode {
	unit := newUnit()

	behaviorIdx := func(b childBehavior) int {
		fn := &vm.Function{Arity: 0, Chunk: vm.NewChunk()}
		switch b {
		case childWaits:
			fn.Name = "waiter"
			fn.Chunk.WriteOp(vm.OpReceive, 1)
		case childCrashes:
			fn.Name = "crasher"
			fn.Chunk.EmitConst(vm.Int(1), 1)
			fn.Chunk.EmitConst(vm.Int(0), 1)
			fn.Chunk.WriteOp(vm.OpDiv, 1)
		case childExitsNormal:
			fn.Name = "quitter"
			fn.Chunk.WriteOp(vm.OpNil, 1)
			fn.Chunk.WriteOp(vm.OpReturn, 1)
		}
		return unit.AddFunction(fn)
	}

	c := unit.Main
	c.WriteOp(vm.OpSupStart, 1)
	c.EmitByte(strategy, 1)
	c.WriteOp(vm.OpPop, 1)
	for _, child := range children {
		c.EmitConst(vm.Str(child.name), 2)
		c.WriteOp(vm.OpClosure, 2)
		c.WriteU16(uint16(behaviorIdx(child.behavior)), 2)
		c.EmitByte(0, 2)
		c.WriteOp(vm.OpSupAddChild, 2)
		c.EmitByte(child.restart, 2)
		c.WriteOp(vm.OpPop, 2)
	}
	c.WriteOp(vm.OpReceive, 3)
	return unit
}

func startSupervisor(t *testing.T, s *Scheduler, unit *vm.Bytecode) *Block {
	t.Helper()
	pid, err := s.Spawn(unit, SpawnOptions{Name: "sup"})
	require.NoError(t, err)
	sup := lookupBlock(t, s, pid)
	s.RunUntilIdle()
	return sup
}

func TestSupervisorOneForOneRestartsCrashedChild(t *testing.T) {
	s := testScheduler(t, gen.SchedulerOptions{})
	sup := startSupervisor(t, s, supervisorUnit(vm.SupOneForOne,
		supChild{name: "w1", behavior: childWaits, restart: vm.RestartPermanent},
		supChild{name: "w2", behavior: childWaits, restart: vm.RestartPermanent},
	))

	before := sup.supChildren()
	require.Len(t, before, 2)

	require.NoError(t, s.Kill(before[1]))
	s.RunUntilIdle()

	after := sup.supChildren()
	require.Len(t, after, 2)
	assert.Equal(t, before[0], after[0], "the untouched sibling keeps its pid")
	assert.NotEqual(t, before[1], after[1], "the crashed child was respawned")

	info, err := s.Info(after[1])
	require.NoError(t, err)
	assert.Equal(t, "w2", info.Name)
	assert.Equal(t, sup.pid, info.Parent)
}

func TestSupervisorOneForAllRestartsAllChildren(t *testing.T) {
	s := testScheduler(t, gen.SchedulerOptions{})
	sup := startSupervisor(t, s, supervisorUnit(vm.SupOneForAll,
		supChild{name: "w1", behavior: childWaits, restart: vm.RestartPermanent},
		supChild{name: "w2", behavior: childWaits, restart: vm.RestartPermanent},
	))

	before := sup.supChildren()
	require.Len(t, before, 2)

	require.NoError(t, s.Kill(before[1]))
	s.RunUntilIdle()

	after := sup.supChildren()
	require.Len(t, after, 2)
	assert.NotEqual(t, before[0], after[0])
	assert.NotEqual(t, before[1], after[1])
}

func TestSupervisorRestForOneRestartsTail(t *testing.T) {
	s := testScheduler(t, gen.SchedulerOptions{})
	sup := startSupervisor(t, s, supervisorUnit(vm.SupRestForOne,
		supChild{name: "a", behavior: childWaits, restart: vm.RestartPermanent},
		supChild{name: "b", behavior: childWaits, restart: vm.RestartPermanent},
		supChild{name: "c", behavior: childWaits, restart: vm.RestartPermanent},
	))

	before := sup.supChildren()
	require.Len(t, before, 3)

	require.NoError(t, s.Kill(before[1]))
	s.RunUntilIdle()

	after := sup.supChildren()
	require.Len(t, after, 3)
	assert.Equal(t, before[0], after[0], "children started before the victim are untouched")
	assert.NotEqual(t, before[1], after[1])
	assert.NotEqual(t, before[2], after[2], "children started after the victim restart too")
}

func TestSupervisorTransientSkipsNormalExit(t *testing.T) {
	s := testScheduler(t, gen.SchedulerOptions{})
	sup := startSupervisor(t, s, supervisorUnit(vm.SupOneForOne,
		supChild{name: "q", behavior: childExitsNormal, restart: vm.RestartTransient},
	))

	// the child ran to completion; a transient spec is dropped, not restarted
	assert.Empty(t, sup.supChildren())
	assert.Equal(t, 1, s.blocks.len())
}

func TestSupervisorTemporaryNeverRestarts(t *testing.T) {
	s := testScheduler(t, gen.SchedulerOptions{})
	sup := startSupervisor(t, s, supervisorUnit(vm.SupOneForOne,
		supChild{name: "t", behavior: childCrashes, restart: vm.RestartTemporary},
	))

	assert.Empty(t, sup.supChildren())
	assert.Equal(t, 1, s.blocks.len())
}

func TestSupervisorIntensityExceededKillsSupervisor(t *testing.T) {
	s := testScheduler(t, gen.SchedulerOptions{})
	sup := startSupervisor(t, s, supervisorUnit(vm.SupOneForOne,
		supChild{name: "boom", behavior: childCrashes, restart: vm.RestartPermanent},
	))

	// every restart crashes again; the window fills up within RunUntilIdle
	// and the supervisor is taken down asynchronously
	require.Eventually(t, func() bool {
		s.RunUntilIdle()
		_, err := s.Info(sup.pid)
		return err != nil
	}, 3*time.Second, 5*time.Millisecond)

	require.NotNil(t, sup.exitReason)
	assert.Equal(t, gen.ExitCrash, sup.exitReason.Class)
	assert.Contains(t, sup.exitReason.Text, "restart intensity")
	assert.Equal(t, 0, s.blocks.len(), "no orphaned children survive the teardown")
}

func TestSupervisorDuplicateChildName(t *testing.T) {
	s := testScheduler(t, gen.SchedulerOptions{})

	// a second add under the same name must come back as an Err value
	dup := newUnit()
	waiter := &vm.Function{Name: "waiter", Arity: 0, Chunk: vm.NewChunk()}
	waiter.Chunk.WriteOp(vm.OpReceive, 1)
	wIdx := dup.AddFunction(waiter)

	m := dup.Main
	m.WriteOp(vm.OpSupStart, 1)
	m.EmitByte(vm.SupOneForOne, 1)
	m.WriteOp(vm.OpPop, 1)
	for i := 0; i < 2; i++ {
		m.EmitConst(vm.Str("w"), 2)
		m.WriteOp(vm.OpClosure, 2)
		m.WriteU16(uint16(wIdx), 2)
		m.EmitByte(0, 2)
		m.WriteOp(vm.OpSupAddChild, 2)
		m.EmitByte(vm.RestartPermanent, 2)
	}
	m.WriteOp(vm.OpIsErr, 2)
	defineGlobal(m, "dup", 2)
	m.WriteOp(vm.OpPop, 2) // first add result
	m.WriteOp(vm.OpSupChildren, 3)
	m.WriteOp(vm.OpLen, 3)
	defineGlobal(m, "count", 3)
	m.WriteOp(vm.OpReceive, 4)

	sup := startSupervisor(t, s, dup)
	assert.True(t, sup.fiber.Globals()["dup"].AsBool())
	assert.Equal(t, int64(1), globalInt(t, sup, "count"))
}

func TestSupervisorShutdownStopsChildrenInReverse(t *testing.T) {
	s := testScheduler(t, gen.SchedulerOptions{})

	unit := newUnit()
	waiter := &vm.Function{Name: "waiter", Arity: 0, Chunk: vm.NewChunk()}
	waiter.Chunk.WriteOp(vm.OpReceive, 1)
	wIdx := unit.AddFunction(waiter)

	m := unit.Main
	m.WriteOp(vm.OpSupStart, 1)
	m.EmitByte(vm.SupOneForOne, 1)
	m.WriteOp(vm.OpPop, 1)
	for _, name := range []string{"w1", "w2"} {
		m.EmitConst(vm.Str(name), 2)
		m.WriteOp(vm.OpClosure, 2)
		m.WriteU16(uint16(wIdx), 2)
		m.EmitByte(0, 2)
		m.WriteOp(vm.OpSupAddChild, 2)
		m.EmitByte(vm.RestartPermanent, 2)
		m.WriteOp(vm.OpPop, 2)
	}
	m.WriteOp(vm.OpSupShutdown, 3)
	m.WriteOp(vm.OpPop, 3)

	pid, err := s.Spawn(unit, SpawnOptions{})
	require.NoError(t, err)
	s.RunUntilIdle()

	_, err = s.Info(pid)
	assert.ErrorIs(t, err, gen.ErrBlockUnknown)
	assert.Equal(t, 0, s.blocks.len())
}

func TestSupervisorTerminationReapsChildren(t *testing.T) {
	s := testScheduler(t, gen.SchedulerOptions{})
	sup := startSupervisor(t, s, supervisorUnit(vm.SupOneForOne,
		supChild{name: "w1", behavior: childWaits, restart: vm.RestartPermanent},
		supChild{name: "w2", behavior: childWaits, restart: vm.RestartPermanent},
	))
	require.Equal(t, 3, s.blocks.len())

	require.NoError(t, s.Kill(sup.pid))
	assert.Equal(t, 0, s.blocks.len(), "children die with their supervisor")
}

func TestSupervisorOpsRequireRole(t *testing.T) {
	s := testScheduler(t, gen.SchedulerOptions{})

	// SupChildren without SupStart is an empty list, adding a child is not
	unit := newUnit()
	waiter := &vm.Function{Name: "waiter", Arity: 0, Chunk: vm.NewChunk()}
	waiter.Chunk.WriteOp(vm.OpReceive, 1)
	wIdx := unit.AddFunction(waiter)

	m := unit.Main
	m.EmitConst(vm.Str("w"), 1)
	m.WriteOp(vm.OpClosure, 1)
	m.WriteU16(uint16(wIdx), 1)
	m.EmitByte(0, 1)
	m.WriteOp(vm.OpSupAddChild, 1)
	m.EmitByte(vm.RestartPermanent, 1)
	m.WriteOp(vm.OpIsErr, 1)
	defineGlobal(m, "failed", 1)

	m.WriteOp(vm.OpReceive, 2) // park so the block outlives the assertion

	pid, err := s.Spawn(unit, SpawnOptions{})
	require.NoError(t, err)
	b := lookupBlock(t, s, pid)
	s.RunUntilIdle()

	assert.True(t, b.fiber.Globals()["failed"].AsBool())
	assert.Equal(t, 1, s.blocks.len(), "no child was spawned")
}

func TestSupervisorPerChildQuota(t *testing.T) {
	s := testScheduler(t, gen.SchedulerOptions{
		Supervisor: gen.SupervisorOptions{ChildMaxRestarts: 1, MaxRestarts: 100},
	})
	sup := startSupervisor(t, s, supervisorUnit(vm.SupOneForOne,
		supChild{name: "boom", behavior: childCrashes, restart: vm.RestartPermanent},
	))

	// one restart is within the child's quota; the second crash exhausts it
	// long before the supervisor-wide bound
	require.Eventually(t, func() bool {
		s.RunUntilIdle()
		_, err := s.Info(sup.pid)
		return err != nil
	}, 3*time.Second, 5*time.Millisecond)

	require.NotNil(t, sup.exitReason)
	assert.Equal(t, gen.ExitCrash, sup.exitReason.Class)
	assert.Contains(t, sup.exitReason.Text, "restart intensity")
	assert.Equal(t, 0, s.blocks.len())
}

func TestSupervisorWideQuota(t *testing.T) {
	s := testScheduler(t, gen.SchedulerOptions{
		Supervisor: gen.SupervisorOptions{ChildMaxRestarts: 100, MaxRestarts: 1},
	})
	sup := startSupervisor(t, s, supervisorUnit(vm.SupOneForOne,
		supChild{name: "boom", behavior: childCrashes, restart: vm.RestartPermanent},
	))

	// the child quota never trips; the supervisor-wide window does
	require.Eventually(t, func() bool {
		s.RunUntilIdle()
		_, err := s.Info(sup.pid)
		return err != nil
	}, 3*time.Second, 5*time.Millisecond)

	require.NotNil(t, sup.exitReason)
	assert.Equal(t, gen.ExitCrash, sup.exitReason.Class)
	assert.Equal(t, 0, s.blocks.len())
}
