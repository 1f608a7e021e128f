package sched

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/agem-lang/agem/gen"
	"github.com/agem-lang/agem/lib"
	"github.com/agem-lang/agem/lib/osdep"
	"github.com/agem-lang/agem/vm"
)

// SupportedCompilerVersions is the semver constraint bytecode units must
// satisfy to be accepted by Spawn.
const SupportedCompilerVersions = ">= 0.1.0, < 2.0.0"

// SpawnOptions parameterizes a top-level spawn. The zero value starts the
// unit's main chunk with the default capability set and limits.
type SpawnOptions struct {
	Name string
	// Caps is the grant set. Zero means gen.CapDefault.
	Caps gen.Cap
	// TrapExit turns exit signals from linked peers into mailbox messages.
	// Requires gen.CapTrapExit in the grant set.
	TrapExit bool
	Limits   gen.Limits
	// Sandbox backs the effectful builtins. Nil means those builtins fail.
	Sandbox vm.Sandbox
	// Entry runs the given function or closure instead of the main chunk.
	Entry vm.Value
}

type spawnRequest struct {
	code    *vm.Bytecode
	entry   vm.Value
	name    string
	parent  gen.PID
	supPID  gen.PID
	caps    gen.Cap
	trap    bool
	limits  gen.Limits
	sandbox vm.Sandbox
	// waiting registers the block parked instead of runnable; the first
	// message wakes it. Used by checkpoint restore.
	waiting bool
}

type worker struct {
	id    int
	queue lib.QueueMPSC
	wake  chan struct{}
}

// Stats is the aggregate counter snapshot of a scheduler.
type Stats struct {
	Spawned      uint64
	Terminated   uint64
	Alive        int
	MessagesSent uint64
	Steals       uint64
	TimersFired  uint64
	TimersActive int
	// process-wide resource usage, microseconds
	UserTimeUS   int64
	SystemTimeUS int64
}

// Scheduler owns the block registry, the run queues, the timer wheel, the
// group table and the trace ring. One scheduler per runtime instance.
type Scheduler struct {
	opts   gen.SchedulerOptions
	log    gen.Log
	logger gen.LoggerBehavior

	blocks *registry
	groups *groups
	timers *timerWheel

	global     lib.QueueMPSC
	workers    []*worker
	nextWorker uint32

	ring   *lib.Ring[gen.TraceEvent]
	tracer gen.Tracer

	ckpt *CheckpointManager

	stopped int32
	stopCh  chan struct{}
	wg      sync.WaitGroup

	spawned    uint64
	terminated uint64
	sent       uint64
	stolen     uint64
}

// New creates a scheduler. With NumWorkers > 0, Start launches the worker
// pool; otherwise the caller drives execution through Step and RunUntilIdle.
func New(options gen.SchedulerOptions) (*Scheduler, error) {
	options = gen.NormalizeSchedulerOptions(options)

	logger := options.Logger
	if logger == nil {
		logger = gen.CreateDefaultLogger(gen.DefaultLoggerOptions{
			TimeFormat: time.StampMilli,
			Output:     options.LoggerOutput,
		})
	}

	s := &Scheduler{
		opts:   options,
		logger: logger,
		log:    createLog(options.LogLevel, logger, gen.MessageLogScheduler{Name: options.Name}),
		blocks: newRegistry(options.MaxBlocks),
		groups: newGroups(),
		timers: newTimerWheel(options.Timer),
		global: lib.NewQueueMPSC(),
		ring:   lib.NewRing[gen.TraceEvent](options.TraceRingSize),
		tracer: options.Tracer,
		stopCh: make(chan struct{}),
	}

	for i := 0; i < options.NumWorkers; i++ {
		s.workers = append(s.workers, &worker{
			id:    i,
			queue: lib.NewQueueMPSC(),
			wake:  make(chan struct{}, 1),
		})
	}

	if options.Checkpoint.Enabled {
		ckpt, err := newCheckpointManager(s, options.Checkpoint)
		if err != nil {
			return nil, err
		}
		s.ckpt = ckpt
	}

	return s, nil
}

// Start launches the worker pool and the timer driver. A no-op in
// single-threaded mode except for the checkpoint manager.
func (s *Scheduler) Start() error {
	if atomic.LoadInt32(&s.stopped) == 1 {
		return gen.ErrSchedulerStopped
	}
	for _, w := range s.workers {
		s.wg.Add(1)
		go s.workerLoop(w)
	}
	if len(s.workers) > 0 {
		s.wg.Add(1)
		go s.timerLoop()
	}
	if s.ckpt != nil {
		s.ckpt.start()
	}
	s.log.Info("scheduler started: %d workers, wheel %d x %dms",
		len(s.workers), len(s.timers.slots), s.timers.tickMS)
	return nil
}

// Stop terminates every block with a shutdown reason, stops the workers and
// the checkpoint manager, and closes the logger.
func (s *Scheduler) Stop() {
	if !atomic.CompareAndSwapInt32(&s.stopped, 0, 1) {
		return
	}
	s.blocks.walk(func(b *Block) {
		s.killBlock(b, gen.ReasonShutdown())
	})
	close(s.stopCh)
	s.wg.Wait()
	if s.ckpt != nil {
		s.ckpt.stop()
	}
	s.log.Info("scheduler stopped")
	s.logger.Terminate()
}

// Log returns the scheduler-level logging facade.
func (s *Scheduler) Log() gen.Log { return s.log }

//
// spawning
//

// Spawn starts a block executing the given bytecode unit.
func (s *Scheduler) Spawn(code *vm.Bytecode, options SpawnOptions) (gen.PID, error) {
	if err := code.CheckCompilerVersion(SupportedCompilerVersions); err != nil {
		return gen.InvalidPID, err
	}
	caps := options.Caps
	if caps == 0 {
		caps = gen.CapDefault
	}
	if options.TrapExit && !caps.Has(gen.CapTrapExit) {
		return gen.InvalidPID, fmt.Errorf("%w: trap_exit", gen.ErrCapabilityDenied)
	}
	return s.spawn(spawnRequest{
		code:    code.Retain(),
		entry:   options.Entry,
		name:    options.Name,
		caps:    caps,
		trap:    options.TrapExit,
		limits:  options.Limits,
		sandbox: options.Sandbox,
	})
}

func (s *Scheduler) spawn(req spawnRequest) (gen.PID, error) {
	if atomic.LoadInt32(&s.stopped) == 1 {
		req.code.Release()
		return gen.InvalidPID, gen.ErrSchedulerStopped
	}

	limits := gen.NormalizeLimits(req.limits)
	budget := limits.MaxReductions
	if budget < 1 {
		budget = s.opts.DefaultReductions
	}

	b := &Block{
		pid:         s.blocks.allocatePID(),
		name:        req.name,
		parent:      req.parent,
		supPID:      req.supPID,
		sch:         s,
		caps:        req.caps,
		trap:        req.trap,
		limits:      limits,
		budget:      budget,
		code:        req.code,
		mailbox:     newMailbox(limits),
		sandbox:     req.sandbox,
		state:       int32(gen.BlockStateRunnable),
		links:       make(map[gen.PID]struct{}),
		monitors:    make(map[gen.PID]struct{}),
		monitoredBy: make(map[gen.PID]struct{}),
	}
	b.log = createLog(s.log.Level(), s.logger, gen.MessageLogBlock{PID: b.pid, Name: b.name})
	b.fiber = vm.New(b, req.code, limits)

	switch req.entry.Kind() {
	case vm.KindFunction:
		b.fiber.LoadClosure(&vm.Closure{Fn: req.entry.Function()})
	case vm.KindClosure:
		b.fiber.LoadClosure(req.entry.Closure())
	}

	if err := s.blocks.register(b); err != nil {
		req.code.Release()
		return gen.InvalidPID, err
	}

	atomic.AddUint64(&s.spawned, 1)
	s.trace(gen.TraceEvent{Type: gen.TraceSpawn, Source: req.parent, Target: b.pid})
	s.log.Debug("spawned %s (parent %s)", b.pid, req.parent)
	if req.waiting {
		atomic.StoreInt32(&b.state, int32(gen.BlockStateWaiting))
	} else {
		s.enqueue(b)
	}
	return b.pid, nil
}

//
// message routing
//

// routeSend delivers a value from one block (or the outside, with an invalid
// from) to another. The payload crosses the isolation boundary through
// CopyOnSend.
func (s *Scheduler) routeSend(from, to gen.PID, v vm.Value) gen.PushResult {
	target, found := s.blocks.lookup(to)
	if !found || target.blockState() == gen.BlockStateDead {
		s.log.Trace("send %s -> %s: dead target", from, to)
		return gen.PushDead
	}

	m := gen.TakeMessage()
	m.From = from
	m.Value = vm.CopyOnSend(v)
	m.Size = vm.EstimateSize(v)

	res := target.mailbox.push(m)
	switch res {
	case gen.PushOk:
		atomic.AddUint64(&s.sent, 1)
		s.trace(gen.TraceEvent{Type: gen.TraceSend, Source: from, Target: to, Payload: m.Size})
		if sender, ok := s.blocks.lookup(from); ok {
			sender.counters.MessagesSent++
		}
		s.wake(target)
	case gen.PushFull:
		gen.ReleaseMessage(m)
		if target.mailbox.policy == gen.OverflowCrash {
			s.log.Warning("%s mailbox overflow, crashing receiver", to)
			s.killBlock(target, gen.ReasonCrash("mailbox overflow"))
		} else {
			s.log.Trace("send %s -> %s: mailbox full, dropped", from, to)
		}
	case gen.PushWouldBlock:
		gen.ReleaseMessage(m)
	}
	return res
}

// Send injects a message from outside the runtime.
func (s *Scheduler) Send(to gen.PID, v vm.Value) error {
	switch s.routeSend(gen.InvalidPID, to, v) {
	case gen.PushOk:
		return nil
	case gen.PushDead:
		return gen.ErrBlockUnknown
	case gen.PushWouldBlock:
		return gen.ErrMailboxWouldBlock
	default:
		return gen.ErrMailboxFull
	}
}

// deliverSystem pushes an exit/down/timer signal, bypassing the sender-side
// capability checks but not the receiver's overflow policy.
func (s *Scheduler) deliverSystem(to, from gen.PID, v vm.Value) {
	target, found := s.blocks.lookup(to)
	if !found || target.blockState() == gen.BlockStateDead {
		return
	}
	m := gen.TakeMessage()
	m.From = from
	m.Value = v
	m.Size = vm.EstimateSize(v)
	if target.mailbox.push(m) != gen.PushOk {
		gen.ReleaseMessage(m)
		s.log.Warning("system signal to %s dropped: mailbox full", to)
		return
	}
	s.wake(target)
}

// wake moves a waiting block back onto a run queue.
func (s *Scheduler) wake(b *Block) {
	if b.casState(gen.BlockStateWaiting, gen.BlockStateRunnable) {
		s.enqueue(b)
	}
}

// enqueue places a runnable block: round-robin over the worker queues, or
// the global queue in single-threaded mode.
func (s *Scheduler) enqueue(b *Block) {
	if len(s.workers) == 0 {
		s.global.Push(b, 0)
		return
	}
	idx := atomic.AddUint32(&s.nextWorker, 1) % uint32(len(s.workers))
	w := s.workers[idx]
	w.queue.Push(b, 0)
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

//
// workers
//

// popLocked pops one entry under the queue's consumer-exclusion flag, so a
// stealing peer and the owner never consume concurrently.
func popLocked(q lib.QueueMPSC) *Block {
	if !q.Lock() {
		return nil
	}
	v, ok := q.Pop()
	q.Unlock()
	if !ok {
		return nil
	}
	return v.(*Block)
}

// nextBlock takes work for a worker: own queue, then the global queue, then
// one stolen from a peer.
func (s *Scheduler) nextBlock(w *worker) *Block {
	if b := popLocked(w.queue); b != nil {
		return b
	}
	if b := popLocked(s.global); b != nil {
		return b
	}
	if !s.opts.EnableStealing {
		return nil
	}
	for _, peer := range s.workers {
		if peer == w {
			continue
		}
		if b := popLocked(peer.queue); b != nil {
			atomic.AddUint64(&s.stolen, 1)
			return b
		}
	}
	return nil
}

func (s *Scheduler) workerLoop(w *worker) {
	defer s.wg.Done()
	for {
		b := s.nextBlock(w)
		if b == nil {
			select {
			case <-w.wake:
				continue
			case <-s.stopCh:
				return
			}
		}
		s.execute(b)
	}
}

func (s *Scheduler) timerLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(time.Duration(s.timers.tickMS) * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.timers.advance(lib.NowMS(), s.fireTimer)
		case <-s.stopCh:
			return
		}
	}
}

func (s *Scheduler) fireTimer(pid gen.PID, kind timerKind, from gen.PID, msg vm.Value) {
	b, found := s.blocks.lookup(pid)
	if !found {
		return
	}
	switch kind {
	case timerReceive:
		atomic.StoreInt32(&b.recvFired, 1)
		s.wake(b)
	case timerMessage:
		s.deliverSystem(pid, from, msg)
	}
}

// execute runs one scheduling slice of a block.
func (s *Scheduler) execute(b *Block) {
	if !b.casState(gen.BlockStateRunnable, gen.BlockStateRunning) {
		return
	}
	s.trace(gen.TraceEvent{Type: gen.TraceSchedule, Target: b.pid})

	res := b.fiber.Run(b.budget)

	total := b.fiber.Reductions()
	b.counters.Reductions += total - b.lastReductions
	b.lastReductions = total

	switch res {
	case vm.ResultYield:
		if b.Killed() {
			s.finishKilled(b)
			return
		}
		if b.casState(gen.BlockStateRunning, gen.BlockStateRunnable) {
			s.trace(gen.TraceEvent{Type: gen.TraceYield, Target: b.pid})
			s.enqueue(b)
		}
	case vm.ResultWaiting:
		if b.Killed() {
			s.finishKilled(b)
			return
		}
		if b.casState(gen.BlockStateRunning, gen.BlockStateWaiting) {
			// a message or timer may have raced the transition; re-check
			if b.mailbox.len() > 0 || atomic.LoadInt32(&b.recvFired) == 1 {
				s.wake(b)
			}
		}
	case vm.ResultOk:
		s.terminate(b, gen.ReasonNormal())
	case vm.ResultHalted:
		if b.Killed() {
			s.finishKilled(b)
			return
		}
		s.terminate(b, gen.ExitReason{Class: gen.ExitNormal, Text: "halt"})
	case vm.ResultError:
		err := b.fiber.Err()
		b.log.Error("block %s crashed: %s", b.pid, err)
		s.terminate(b, gen.ReasonCrash(err.Error()))
	}
}

func (s *Scheduler) finishKilled(b *Block) {
	b.mu.Lock()
	reason := b.killReason
	b.mu.Unlock()
	if reason == nil {
		r := gen.ReasonKilled()
		reason = &r
	}
	s.terminate(b, *reason)
}

//
// termination
//

// Kill terminates a block with the killed reason. A running block stops at
// its next reduction batch boundary.
func (s *Scheduler) Kill(pid gen.PID) error {
	b, found := s.blocks.lookup(pid)
	if !found || b.blockState() == gen.BlockStateDead {
		return gen.ErrBlockUnknown
	}
	s.killBlock(b, gen.ReasonKilled())
	return nil
}

// killBlock marks a block for death. If the block is not running, the
// termination happens inline; a running block is reaped by its own worker.
func (s *Scheduler) killBlock(b *Block, reason gen.ExitReason) {
	b.mu.Lock()
	if b.killReason == nil {
		r := reason
		b.killReason = &r
	}
	b.mu.Unlock()
	atomic.StoreInt32(&b.killed, 1)

	// take the block out of circulation if it is not on a worker right now
	if b.casState(gen.BlockStateWaiting, gen.BlockStateRunning) ||
		b.casState(gen.BlockStateRunnable, gen.BlockStateRunning) {
		s.terminate(b, reason)
	}
}

// terminate transitions a block into the dead state exactly once and runs
// the exit protocol: monitor notifications, link cascade, group removal,
// supervisor handling and reaping.
func (s *Scheduler) terminate(b *Block, reason gen.ExitReason) {
	for {
		st := b.blockState()
		if st == gen.BlockStateDead {
			return
		}
		if b.casState(st, gen.BlockStateDead) {
			break
		}
	}

	b.mu.Lock()
	r := reason
	b.exitReason = &r
	links := make([]gen.PID, 0, len(b.links))
	for pid := range b.links {
		links = append(links, pid)
	}
	watchers := make([]gen.PID, 0, len(b.monitoredBy))
	for pid := range b.monitoredBy {
		watchers = append(watchers, pid)
	}
	supPID := b.supPID
	b.mu.Unlock()

	b.CancelReceiveTimeout()

	if s.ckpt != nil && s.ckpt.opts.CheckpointOnExit {
		if err := s.ckpt.snapshotBlock(b); err != nil {
			s.log.Warning("exit checkpoint of %s failed: %s", b.pid, err)
		}
	}

	for _, m := range b.save {
		gen.ReleaseMessage(m)
	}
	b.save = nil
	b.mailbox.drain()

	s.groups.leaveAll(b.pid)
	s.blocks.unregister(b.pid)
	atomic.AddUint64(&s.terminated, 1)

	// the block may itself be a supervisor
	b.supTeardown()

	for _, watcher := range watchers {
		if w, found := s.blocks.lookup(watcher); found {
			w.mu.Lock()
			delete(w.monitors, b.pid)
			w.mu.Unlock()
		}
		s.deliverSystem(watcher, b.pid, systemMessage("down", b.pid, reason))
	}

	for _, peer := range links {
		p, found := s.blocks.lookup(peer)
		if !found {
			continue
		}
		p.mu.Lock()
		delete(p.links, b.pid)
		trap := p.trap
		p.mu.Unlock()
		if trap {
			s.deliverSystem(peer, b.pid, systemMessage("exit", b.pid, reason))
			continue
		}
		if reason.IsAbnormal() {
			// the peer dies with a cascade reason naming the dead block, not
			// with the dead block's own reason
			s.killBlock(p, gen.ReasonCrash(fmt.Sprintf("linked process %s crashed", b.pid)))
		}
	}

	if supPID != gen.InvalidPID {
		if sup, found := s.blocks.lookup(supPID); found {
			sup.handleChildExit(b.pid, reason)
		}
	}

	s.trace(gen.TraceEvent{Type: gen.TraceExit, Source: b.pid, Payload: reason.String()})
	s.log.Debug("block %s exited: %s", b.pid, reason)
	b.code.Release()
}

//
// single-threaded driving
//

// Step advances timers and executes at most one scheduling slice. Reports
// whether any block ran. Only valid with NumWorkers == 0.
func (s *Scheduler) Step() bool {
	s.timers.advance(lib.NowMS(), s.fireTimer)
	b := popLocked(s.global)
	if b == nil {
		return false
	}
	s.execute(b)
	return true
}

// RunUntilIdle steps until no block is runnable. Blocks waiting on armed
// timers are not waited for; the caller decides whether to sleep and step
// again. Returns the number of slices executed.
func (s *Scheduler) RunUntilIdle() int {
	n := 0
	for s.Step() {
		n++
	}
	return n
}

//
// timers (public surface)
//

// SendAfter delivers a message to a block after the delay. Returns a timer
// handle usable with CancelTimer.
func (s *Scheduler) SendAfter(to gen.PID, v vm.Value, delayMS int64) uint64 {
	return s.timers.arm(delayMS, to, timerMessage, gen.InvalidPID, vm.CopyOnSend(v))
}

// CancelTimer cancels an armed SendAfter timer.
func (s *Scheduler) CancelTimer(ref uint64) error {
	return s.timers.cancel(ref)
}

//
// introspection
//

// Info snapshots one block.
func (s *Scheduler) Info(pid gen.PID) (gen.BlockInfo, error) {
	b, found := s.blocks.lookup(pid)
	if !found {
		return gen.BlockInfo{}, gen.ErrBlockUnknown
	}
	return b.info(), nil
}

// ListBlocks returns the PIDs of all live blocks, unordered.
func (s *Scheduler) ListBlocks() []gen.PID {
	return s.blocks.list()
}

// GroupMembers exposes group membership to the embedding application.
func (s *Scheduler) GroupMembers(name string) []gen.PID {
	return s.groups.snapshot(name)
}

// Groups lists all group names.
func (s *Scheduler) Groups() []string {
	return s.groups.list()
}

func (s *Scheduler) trace(ev gen.TraceEvent) {
	ev.TimestampNS = time.Now().UnixNano()
	s.ring.Put(ev)
	if s.tracer != nil {
		s.tracer(ev)
	}
}

// TraceSnapshot copies the retained trace events, oldest first.
func (s *Scheduler) TraceSnapshot() []gen.TraceEvent {
	return s.ring.Snapshot()
}

// TraceDropped reports how many trace events were overwritten unread.
func (s *Scheduler) TraceDropped() uint64 {
	return s.ring.Dropped()
}

// Stats aggregates the runtime counters.
func (s *Scheduler) Stats() Stats {
	utime, stime := osdep.ResourceUsage() // nanoseconds
	return Stats{
		Spawned:      atomic.LoadUint64(&s.spawned),
		Terminated:   atomic.LoadUint64(&s.terminated),
		Alive:        s.blocks.len(),
		MessagesSent: atomic.LoadUint64(&s.sent),
		Steals:       atomic.LoadUint64(&s.stolen),
		TimersFired:  s.timers.firedCount(),
		TimersActive: s.timers.pending(),
		UserTimeUS:   utime / 1000,
		SystemTimeUS: stime / 1000,
	}
}
