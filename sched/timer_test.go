package sched

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agem-lang/agem/gen"
	"github.com/agem-lang/agem/vm"
)

type firedTimer struct {
	pid  gen.PID
	kind timerKind
	msg  vm.Value
}

func collectFired(fired *[]firedTimer) func(gen.PID, timerKind, gen.PID, vm.Value) {
	return func(pid gen.PID, kind timerKind, from gen.PID, msg vm.Value) {
		*fired = append(*fired, firedTimer{pid: pid, kind: kind, msg: msg})
	}
}

func newTestWheel() *timerWheel {
	return newTimerWheel(gen.NormalizeTimerOptions(gen.TimerOptions{
		WheelSize: 16,
		TickMS:    10,
	}))
}

func TestTimerWheelFiresAtDeadline(t *testing.T) {
	w := newTestWheel()
	var fired []firedTimer

	ref := w.arm(25, gen.PID(1), timerMessage, gen.InvalidPID, vm.Int(1))
	require.NotZero(t, ref)
	require.Equal(t, 1, w.pending())

	// 25ms rounds up to 3 ticks
	w.advance(w.startMS+20, collectFired(&fired))
	assert.Empty(t, fired)
	w.advance(w.startMS+30, collectFired(&fired))
	require.Len(t, fired, 1)
	assert.Equal(t, gen.PID(1), fired[0].pid)
	assert.Equal(t, 0, w.pending())
	assert.Equal(t, uint64(1), w.firedCount())
}

func TestTimerWheelZeroDelayFiresNextTick(t *testing.T) {
	w := newTestWheel()
	var fired []firedTimer

	w.arm(0, gen.PID(1), timerReceive, gen.InvalidPID, vm.Nil())
	w.advance(w.startMS+10, collectFired(&fired))
	assert.Len(t, fired, 1)
}

func TestTimerWheelCancel(t *testing.T) {
	w := newTestWheel()
	var fired []firedTimer

	ref := w.arm(20, gen.PID(1), timerMessage, gen.InvalidPID, vm.Int(1))
	require.NoError(t, w.cancel(ref))
	assert.Equal(t, 0, w.pending())
	assert.ErrorIs(t, w.cancel(ref), gen.ErrTimerUnknown)

	w.advance(w.startMS+100, collectFired(&fired))
	assert.Empty(t, fired, "a cancelled timer never fires")
	assert.Equal(t, uint64(0), w.firedCount())
}

func TestTimerWheelLongDelaySurvivesRevolutions(t *testing.T) {
	// 16 slots x 10ms per revolution; a 500ms timer wraps the wheel three
	// times before its absolute tick comes up
	w := newTestWheel()
	var fired []firedTimer

	w.arm(500, gen.PID(9), timerMessage, gen.InvalidPID, vm.Str("late"))
	w.advance(w.startMS+490, collectFired(&fired))
	assert.Empty(t, fired, "earlier revolutions must skip the entry")
	w.advance(w.startMS+500, collectFired(&fired))
	require.Len(t, fired, 1)
	assert.Equal(t, "late", fired[0].msg.AsString())
}

func TestTimerWheelOrderAcrossSlots(t *testing.T) {
	w := newTestWheel()
	var fired []firedTimer

	w.arm(30, gen.PID(3), timerMessage, gen.InvalidPID, vm.Nil())
	w.arm(10, gen.PID(1), timerMessage, gen.InvalidPID, vm.Nil())
	w.arm(20, gen.PID(2), timerMessage, gen.InvalidPID, vm.Nil())

	w.advance(w.startMS+30, collectFired(&fired))
	require.Len(t, fired, 3)
	assert.Equal(t, gen.PID(1), fired[0].pid)
	assert.Equal(t, gen.PID(2), fired[1].pid)
	assert.Equal(t, gen.PID(3), fired[2].pid)
}

func TestTimerWheelSameSlotCollision(t *testing.T) {
	// two timers 160ms apart land in the same slot of a 16x10ms wheel
	w := newTestWheel()
	var fired []firedTimer

	w.arm(10, gen.PID(1), timerMessage, gen.InvalidPID, vm.Nil())
	w.arm(170, gen.PID(2), timerMessage, gen.InvalidPID, vm.Nil())

	w.advance(w.startMS+10, collectFired(&fired))
	require.Len(t, fired, 1)
	assert.Equal(t, gen.PID(1), fired[0].pid)

	w.advance(w.startMS+170, collectFired(&fired))
	require.Len(t, fired, 2)
	assert.Equal(t, gen.PID(2), fired[1].pid)
}

func TestTimerWheelEntryReuse(t *testing.T) {
	w := newTestWheel()
	var fired []firedTimer

	for i := 0; i < 100; i++ {
		w.arm(10, gen.PID(i+1), timerMessage, gen.InvalidPID, vm.Nil())
	}
	w.advance(w.startMS+10, collectFired(&fired))
	require.Len(t, fired, 100)

	// the freelist feeds the next batch; references stay unique
	refs := make(map[uint64]bool)
	for i := 0; i < 100; i++ {
		ref := w.arm(10, gen.PID(i+1), timerMessage, gen.InvalidPID, vm.Nil())
		require.False(t, refs[ref])
		refs[ref] = true
	}
	assert.Equal(t, 100, w.pending())
}

func TestTimerWheelLongStallFiresEverythingOnce(t *testing.T) {
	w := newTestWheel()
	var fired []firedTimer

	// deadlines spread over several slots, then a stall of many revolutions
	w.arm(10, gen.PID(1), timerMessage, gen.InvalidPID, vm.Int(1))
	w.arm(70, gen.PID(2), timerMessage, gen.InvalidPID, vm.Int(2))
	w.arm(500, gen.PID(3), timerMessage, gen.InvalidPID, vm.Int(3))

	w.advance(w.startMS+1_000_000, collectFired(&fired))
	require.Len(t, fired, 3)
	assert.Equal(t, 0, w.pending())

	// the wheel stays usable after the capped catch-up
	w.arm(20, gen.PID(4), timerMessage, gen.InvalidPID, vm.Int(4))
	w.advance(w.startMS+1_000_000+10, collectFired(&fired))
	assert.Len(t, fired, 3, "not due yet")
	w.advance(w.startMS+1_000_000+20, collectFired(&fired))
	require.Len(t, fired, 4)
	assert.Equal(t, gen.PID(4), fired[3].pid)
}
