package sched

import (
	"sync"

	"github.com/agem-lang/agem/gen"
	"github.com/agem-lang/agem/lib"
	"github.com/agem-lang/agem/vm"
)

type timerKind int

const (
	// timerReceive wakes a block whose receive-with-timeout expired.
	timerReceive timerKind = iota
	// timerMessage delivers a payload to a mailbox after the delay.
	timerMessage
)

type timerEntry struct {
	ref       uint64
	deadline  int64 // absolute tick
	pid       gen.PID
	kind      timerKind
	from      gen.PID
	msg       vm.Value
	cancelled bool
	next      *timerEntry
}

// timerWheel is a hashed wheel: a timer lands in slot deadline&mask and
// stays there across revolutions until its absolute tick is reached. Expired
// entries are recycled through a freelist.
type timerWheel struct {
	mu      sync.Mutex
	slots   []*timerEntry
	mask    int64
	tickMS  int64
	startMS int64
	current int64
	refs    map[uint64]*timerEntry
	free    *timerEntry
	nextRef uint64
	fired   uint64
}

func newTimerWheel(opts gen.TimerOptions) *timerWheel {
	return &timerWheel{
		slots:   make([]*timerEntry, opts.WheelSize),
		mask:    int64(opts.WheelSize - 1),
		tickMS:  opts.TickMS,
		startMS: lib.NowMS(),
		refs:    make(map[uint64]*timerEntry),
	}
}

func (w *timerWheel) take() *timerEntry {
	if w.free == nil {
		return &timerEntry{}
	}
	e := w.free
	w.free = e.next
	*e = timerEntry{}
	return e
}

func (w *timerWheel) release(e *timerEntry) {
	e.msg = vm.Nil()
	e.next = w.free
	w.free = e
}

// arm schedules a timer and returns its handle. A zero or negative delay
// fires on the next tick.
func (w *timerWheel) arm(delayMS int64, pid gen.PID, kind timerKind, from gen.PID, msg vm.Value) uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()

	ticks := (delayMS + w.tickMS - 1) / w.tickMS
	if ticks < 1 {
		ticks = 1
	}
	e := w.take()
	w.nextRef++
	e.ref = w.nextRef
	e.deadline = w.current + ticks
	e.pid = pid
	e.kind = kind
	e.from = from
	e.msg = msg

	slot := e.deadline & w.mask
	e.next = w.slots[slot]
	w.slots[slot] = e
	w.refs[e.ref] = e
	return e.ref
}

// cancel marks a timer cancelled. The entry stays in its slot and is
// reclaimed when its tick comes around.
func (w *timerWheel) cancel(ref uint64) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	e, found := w.refs[ref]
	if !found {
		return gen.ErrTimerUnknown
	}
	e.cancelled = true
	delete(w.refs, ref)
	return nil
}

// pending returns the number of armed, not yet cancelled timers.
func (w *timerWheel) pending() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.refs)
}

func (w *timerWheel) firedCount() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.fired
}

// advance processes the ticks up to now, capped at one full revolution, and
// calls fire for each due timer. fire runs outside the wheel lock so it may
// re-arm or cascade into sends.
func (w *timerWheel) advance(nowMS int64, fire func(pid gen.PID, kind timerKind, from gen.PID, msg vm.Value)) {
	w.mu.Lock()
	target := (nowMS - w.startMS) / w.tickMS
	if target <= w.current {
		w.mu.Unlock()
		return
	}

	type due struct {
		pid  gen.PID
		kind timerKind
		from gen.PID
		msg  vm.Value
	}
	var dueList []due

	// a stall longer than one revolution still needs only one pass over the
	// wheel: every slot holds its due entries regardless of how many ticks
	// were missed
	start := w.current + 1
	if target-w.current > w.mask+1 {
		start = target - w.mask
	}
	for t := start; t <= target; t++ {
		slot := t & w.mask
		var keep *timerEntry
		e := w.slots[slot]
		for e != nil {
			next := e.next
			if e.deadline > t {
				// a later revolution; keep it in place
				e.next = keep
				keep = e
			} else {
				if !e.cancelled {
					delete(w.refs, e.ref)
					w.fired++
					dueList = append(dueList, due{pid: e.pid, kind: e.kind, from: e.from, msg: e.msg})
				}
				w.release(e)
			}
			e = next
		}
		w.slots[slot] = keep
	}
	w.current = target
	w.mu.Unlock()

	for _, d := range dueList {
		fire(d.pid, d.kind, d.from, d.msg)
	}
}
