package sched

import (
	"sort"
	"sync"
	"sync/atomic"

	"github.com/agem-lang/agem/gen"
	"github.com/agem-lang/agem/vm"
)

// Block is one isolated lightweight process: a bytecode fiber, a mailbox, a
// capability grant set and the link/monitor edges. It implements vm.Runtime;
// the owning worker is the only goroutine that touches the fiber and the
// save queue.
type Block struct {
	pid    gen.PID
	name   string
	parent gen.PID
	// supPID is the supervisor owning this block as a child, if any
	supPID gen.PID

	sch     *Scheduler
	caps    gen.Cap
	trap    bool
	limits  gen.Limits
	budget  int
	code    *vm.Bytecode
	fiber   *vm.VM
	mailbox *mailbox
	// save holds messages deferred by selective receive, in arrival order
	save    []*gen.Message
	sandbox vm.Sandbox
	log     gen.Log

	state  int32
	killed int32

	heapUsed       int64
	counters       gen.Counters
	lastReductions uint64

	mu          sync.Mutex
	links       map[gen.PID]struct{}
	monitors    map[gen.PID]struct{}
	monitoredBy map[gen.PID]struct{}
	killReason  *gen.ExitReason
	exitReason  *gen.ExitReason

	sup *supState

	recvTimer uint64
	recvFired int32
}

func (b *Block) blockState() gen.BlockState {
	return gen.BlockState(atomic.LoadInt32(&b.state))
}

func (b *Block) casState(from, to gen.BlockState) bool {
	return atomic.CompareAndSwapInt32(&b.state, int32(from), int32(to))
}

// systemMessage builds the map payload of exit, down and timer signals.
func systemMessage(kind string, from gen.PID, reason gen.ExitReason) vm.Value {
	mv := vm.NewMap()
	entries := mv.Map().Entries
	put := func(k string, v vm.Value) {
		key, _ := vm.Str(k).Key()
		entries[key] = v
	}
	put("type", vm.Str(kind))
	put("pid", vm.PIDValue(from))
	put("reason", vm.Str(reason.Text))
	put("code", vm.Int(int64(reason.Class)))
	return mv
}

//
// vm.Runtime
//

func (b *Block) Self() gen.PID { return b.pid }

func (b *Block) HasCap(c gen.Cap) bool { return b.caps.Has(c) }

func (b *Block) Send(to gen.PID, v vm.Value) gen.PushResult {
	return b.sch.routeSend(b.pid, to, v)
}

func (b *Block) Receive() (vm.Value, gen.PID, bool) {
	var m *gen.Message
	if len(b.save) > 0 {
		m = b.save[0]
		b.save = b.save[1:]
	} else {
		var ok bool
		m, ok = b.mailbox.pop()
		if !ok {
			return vm.Nil(), gen.InvalidPID, false
		}
	}
	v := m.Value.(vm.Value)
	from := m.From
	gen.ReleaseMessage(m)
	b.counters.MessagesReceived++
	b.sch.trace(gen.TraceEvent{Type: gen.TraceReceive, Source: from, Target: b.pid})
	return v, from, true
}

// ReceiveMatch scans the save queue first, then drains the mailbox moving
// non-matching messages onto the save queue. Arrival order inside each queue
// is preserved.
func (b *Block) ReceiveMatch(pattern vm.Value) (vm.Value, gen.PID, bool) {
	for i, m := range b.save {
		if vm.Matches(pattern, m.Value.(vm.Value)) {
			b.save = append(b.save[:i], b.save[i+1:]...)
			v := m.Value.(vm.Value)
			from := m.From
			gen.ReleaseMessage(m)
			b.counters.MessagesReceived++
			b.sch.trace(gen.TraceEvent{Type: gen.TraceReceive, Source: from, Target: b.pid})
			return v, from, true
		}
	}
	for {
		m, ok := b.mailbox.pop()
		if !ok {
			return vm.Nil(), gen.InvalidPID, false
		}
		if vm.Matches(pattern, m.Value.(vm.Value)) {
			v := m.Value.(vm.Value)
			from := m.From
			gen.ReleaseMessage(m)
			b.counters.MessagesReceived++
			b.sch.trace(gen.TraceEvent{Type: gen.TraceReceive, Source: from, Target: b.pid})
			return v, from, true
		}
		b.save = append(b.save, m)
	}
}

func (b *Block) ArmReceiveTimeout(ms int64) {
	if b.recvTimer != 0 {
		return
	}
	atomic.StoreInt32(&b.recvFired, 0)
	b.recvTimer = b.sch.timers.arm(ms, b.pid, timerReceive, gen.InvalidPID, vm.Nil())
}

func (b *Block) ReceiveTimedOut() bool {
	if atomic.SwapInt32(&b.recvFired, 0) == 1 {
		b.recvTimer = 0
		return true
	}
	return false
}

func (b *Block) CancelReceiveTimeout() {
	if b.recvTimer == 0 {
		return
	}
	b.sch.timers.cancel(b.recvTimer)
	b.recvTimer = 0
	atomic.StoreInt32(&b.recvFired, 0)
}

func (b *Block) Spawn(fn vm.Value) (gen.PID, error) {
	return b.sch.spawn(spawnRequest{
		code:    b.code.Retain(),
		entry:   vm.CopyOnSend(fn),
		name:    "",
		parent:  b.pid,
		caps:    gen.ChildCaps(b.caps),
		limits:  b.limits,
		sandbox: b.sandbox,
	})
}

// lockPair takes both block mutexes in PID order, so concurrent link and
// exit propagation cannot deadlock.
func lockPair(a, b *Block) {
	if a.pid < b.pid {
		a.mu.Lock()
		b.mu.Lock()
	} else {
		b.mu.Lock()
		a.mu.Lock()
	}
}

func unlockPair(a, b *Block) {
	a.mu.Unlock()
	b.mu.Unlock()
}

func (b *Block) Link(peer gen.PID) error {
	if peer == b.pid {
		return gen.ErrIncorrect
	}
	p, found := b.sch.blocks.lookup(peer)
	if !found || p.blockState() == gen.BlockStateDead {
		return gen.ErrBlockUnknown
	}
	lockPair(b, p)
	b.links[peer] = struct{}{}
	p.links[b.pid] = struct{}{}
	unlockPair(b, p)
	b.sch.trace(gen.TraceEvent{Type: gen.TraceLink, Source: b.pid, Target: peer})
	return nil
}

func (b *Block) Unlink(peer gen.PID) error {
	p, found := b.sch.blocks.lookup(peer)
	if !found {
		b.mu.Lock()
		delete(b.links, peer)
		b.mu.Unlock()
		return nil
	}
	lockPair(b, p)
	delete(b.links, peer)
	delete(p.links, b.pid)
	unlockPair(b, p)
	b.sch.trace(gen.TraceEvent{Type: gen.TraceUnlink, Source: b.pid, Target: peer})
	return nil
}

// Monitor is asymmetric: only the watcher gets a signal. Monitoring a dead
// or unknown PID delivers the down signal immediately instead of failing.
func (b *Block) Monitor(peer gen.PID) error {
	p, found := b.sch.blocks.lookup(peer)
	if !found || p.blockState() == gen.BlockStateDead {
		b.sch.deliverSystem(b.pid, peer, systemMessage("down", peer, gen.ExitReason{Class: gen.ExitCrash, Text: "noproc"}))
		return nil
	}
	lockPair(b, p)
	b.monitors[peer] = struct{}{}
	p.monitoredBy[b.pid] = struct{}{}
	unlockPair(b, p)
	return nil
}

func (b *Block) Demonitor(peer gen.PID) error {
	b.mu.Lock()
	_, found := b.monitors[peer]
	delete(b.monitors, peer)
	b.mu.Unlock()
	if !found {
		return gen.ErrBlockUnknown
	}
	if p, ok := b.sch.blocks.lookup(peer); ok {
		p.mu.Lock()
		delete(p.monitoredBy, b.pid)
		p.mu.Unlock()
	}
	return nil
}

func (b *Block) SupStart(strategy int) error {
	return b.supStart(strategy)
}

func (b *Block) SupAddChild(name string, fn vm.Value, restart int) error {
	return b.supAddChild(name, fn, restart)
}

func (b *Block) SupRemoveChild(name string) error {
	return b.supRemoveChild(name)
}

func (b *Block) SupChildren() []gen.PID {
	return b.supChildren()
}

func (b *Block) SupShutdown() error {
	return b.supShutdown()
}

func (b *Block) GroupJoin(name string) error {
	b.sch.groups.join(name, b.pid)
	return nil
}

func (b *Block) GroupLeave(name string) error {
	return b.sch.groups.leave(name, b.pid)
}

func (b *Block) GroupSend(name string, v vm.Value, exceptSelf bool) int {
	n := 0
	for _, pid := range b.sch.groups.snapshot(name) {
		if exceptSelf && pid == b.pid {
			continue
		}
		if b.sch.routeSend(b.pid, pid, v) == gen.PushOk {
			n++
		}
	}
	return n
}

func (b *Block) GroupMembers(name string) []gen.PID {
	return b.sch.groups.snapshot(name)
}

func (b *Block) GroupList() []string {
	return b.sch.groups.list()
}

func (b *Block) ChargeHeap(delta int64) error {
	b.heapUsed += delta
	if b.heapUsed < 0 {
		b.heapUsed = 0
	}
	if b.limits.MaxHeapSize > 0 && b.heapUsed > b.limits.MaxHeapSize {
		return gen.ErrIncorrect
	}
	return nil
}

func (b *Block) Killed() bool {
	return atomic.LoadInt32(&b.killed) == 1
}

func (b *Block) Sandbox() vm.Sandbox {
	return b.sandbox
}

//
// introspection
//

func sortedPIDs(set map[gen.PID]struct{}) []gen.PID {
	pids := make([]gen.PID, 0, len(set))
	for pid := range set {
		pids = append(pids, pid)
	}
	sort.Slice(pids, func(i, j int) bool { return pids[i] < pids[j] })
	return pids
}

// info snapshots the block. The counters may lag by one scheduling slice.
func (b *Block) info() gen.BlockInfo {
	b.mu.Lock()
	defer b.mu.Unlock()
	info := gen.BlockInfo{
		PID:         b.pid,
		Name:        b.name,
		State:       b.blockState(),
		Parent:      b.parent,
		Links:       sortedPIDs(b.links),
		Monitors:    sortedPIDs(b.monitors),
		MonitoredBy: sortedPIDs(b.monitoredBy),
		MailboxLen:  b.mailbox.len(),
		SaveQueue:   len(b.save),
		Caps:        b.caps,
		Counters:    b.counters,
	}
	if b.exitReason != nil {
		r := *b.exitReason
		info.ExitReason = &r
	}
	return info
}
