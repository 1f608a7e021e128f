package vm

import (
	"fmt"

	"github.com/agem-lang/agem/gen"
)

// reductionBatch is the power-of-two boundary at which the interpreter
// checks its budget and external kill flag. Reductions are counted per
// instruction; the yield branch is paid once per batch.
const reductionBatch = 64

// Upvalue is a captured variable. While the capturing frame is live the
// upvalue is open: loc points into the fiber stack. When the frame unwinds
// past the slot the value is copied into val and loc repointed (closed).
type Upvalue struct {
	loc  *Value
	val  Value
	slot int // stack index while open, -1 once closed
	next *Upvalue
}

// Get returns the current value of the upvalue.
func (u *Upvalue) Get() Value { return *u.loc }

// Set overwrites the captured variable.
func (u *Upvalue) Set(v Value) { *u.loc = v }

// Closed makes a pre-closed upvalue, used by deep copies and spawned
// closures.
func ClosedUpvalue(v Value) *Upvalue {
	u := &Upvalue{val: v, slot: -1}
	u.loc = &u.val
	return u
}

func (u *Upvalue) closed() bool { return u.slot < 0 }

// Closure pairs a function with its captured environment.
type Closure struct {
	Fn       *Function
	Upvalues []*Upvalue
}

// deepCopy snapshots the closure for crossing a block boundary: every
// upvalue is closed over a copy of its current value.
func (c *Closure) deepCopy() *Closure {
	ups := make([]*Upvalue, len(c.Upvalues))
	for i, uv := range c.Upvalues {
		ups[i] = ClosedUpvalue(CopyOnSend(*uv.loc))
	}
	return &Closure{Fn: c.Fn, Upvalues: ups}
}

type frame struct {
	closure *Closure // nil in the main chunk
	chunk   *Chunk
	ip      int
	base    int
}

// VM is the bytecode fiber of one block. It is single-threaded: only the
// worker owning the block may call Run.
type VM struct {
	rt   Runtime
	code *Bytecode

	globals map[string]Value

	stack []Value
	sp    int

	frames    []frame
	maxFrames int

	// open upvalues, sorted by stack slot descending
	openUpvalues *Upvalue

	reductions uint64
	err        *VMError
	halted     bool
}

// New creates a fiber positioned at the start of the unit's main chunk.
func New(rt Runtime, code *Bytecode, limits gen.Limits) *VM {
	limits = gen.NormalizeLimits(limits)
	m := &VM{
		rt:      rt,
		code:    code,
		globals: make(map[string]Value),
		// the stack never reallocates: open upvalues point into it
		stack:     make([]Value, limits.MaxStackDepth),
		frames:    make([]frame, 0, 8),
		maxFrames: limits.MaxCallDepth,
	}
	m.frames = append(m.frames, frame{chunk: code.Main})
	return m
}

// LoadClosure repositions a fresh fiber at a spawned function or closure
// instead of the main chunk.
func (m *VM) LoadClosure(c *Closure) {
	m.frames = m.frames[:0]
	m.frames = append(m.frames, frame{closure: c, chunk: c.Fn.Chunk})
	m.sp = 0
}

// Globals exposes the block-scoped global map for checkpointing.
func (m *VM) Globals() map[string]Value { return m.globals }

// SetGlobal installs a global, used by checkpoint restore.
func (m *VM) SetGlobal(name string, v Value) { m.globals[name] = v }

// Reductions returns the lifetime instruction count.
func (m *VM) Reductions() uint64 { return m.reductions }

// Err returns the fatal error after a ResultError.
func (m *VM) Err() *VMError { return m.err }

func (m *VM) fail(kind ErrorKind, format string, args ...any) VMResult {
	line := 0
	if len(m.frames) > 0 {
		f := &m.frames[len(m.frames)-1]
		if f.ip > 0 && f.ip-1 < len(f.chunk.Lines) {
			line = int(f.chunk.Lines[f.ip-1])
		}
	}
	m.err = &VMError{Kind: kind, Msg: fmt.Sprintf(format, args...), Line: line}
	return ResultError
}

func (m *VM) push(v Value) bool {
	if m.sp >= len(m.stack) {
		m.fail(ErrStackOverflow, "stack depth %d", len(m.stack))
		return false
	}
	m.stack[m.sp] = v
	m.sp++
	return true
}

func (m *VM) pop() (Value, bool) {
	if m.sp == 0 {
		m.fail(ErrStackUnderflow, "")
		return Nil(), false
	}
	m.sp--
	return m.stack[m.sp], true
}

func (m *VM) peek(depth int) Value {
	return m.stack[m.sp-1-depth]
}

// readU16 reads a big-endian operand, bounds-checked against the chunk.
func (m *VM) readU16(f *frame) (uint16, bool) {
	if f.ip+2 > len(f.chunk.Code) {
		m.fail(ErrJumpOutOfBounds, "truncated operand")
		return 0, false
	}
	v := uint16(f.chunk.Code[f.ip])<<8 | uint16(f.chunk.Code[f.ip+1])
	f.ip += 2
	return v, true
}

func (m *VM) readByte(f *frame) (byte, bool) {
	if f.ip >= len(f.chunk.Code) {
		m.fail(ErrJumpOutOfBounds, "truncated operand")
		return 0, false
	}
	b := f.chunk.Code[f.ip]
	f.ip++
	return b, true
}

func (m *VM) constant(f *frame, idx uint16) (Value, bool) {
	if int(idx) >= len(f.chunk.Constants) {
		m.fail(ErrOutOfBounds, "constant %d", idx)
		return Nil(), false
	}
	return f.chunk.Constants[idx], true
}

func (m *VM) constantName(f *frame, idx uint16) (string, bool) {
	v, ok := m.constant(f, idx)
	if !ok {
		return "", false
	}
	if v.Kind() != KindString {
		m.fail(ErrTypeMismatch, "name constant is %s", v.Kind())
		return "", false
	}
	return v.AsString(), true
}

func (m *VM) checkCap(c gen.Cap) bool {
	if m.rt.HasCap(c) {
		return true
	}
	m.fail(ErrCapDenied, "%s", c)
	return false
}

// captureUpvalue finds or creates the open upvalue for a stack slot.
// Duplicate captures of the same slot share one upvalue.
func (m *VM) captureUpvalue(slot int) *Upvalue {
	var prev *Upvalue
	uv := m.openUpvalues
	for uv != nil && uv.slot > slot {
		prev = uv
		uv = uv.next
	}
	if uv != nil && uv.slot == slot {
		return uv
	}
	created := &Upvalue{loc: &m.stack[slot], slot: slot, next: uv}
	if prev == nil {
		m.openUpvalues = created
	} else {
		prev.next = created
	}
	return created
}

// closeUpvalues closes every open upvalue at or above the given slot.
func (m *VM) closeUpvalues(from int) {
	for m.openUpvalues != nil && m.openUpvalues.slot >= from {
		uv := m.openUpvalues
		uv.val = *uv.loc
		uv.loc = &uv.val
		uv.slot = -1
		m.openUpvalues = uv.next
		uv.next = nil
	}
}

// Run executes until the budget expires or the fiber suspends, completes or
// fails. No suspension happens mid-instruction.
func (m *VM) Run(budget int) VMResult {
	if m.err != nil {
		return ResultError
	}
	if m.halted {
		return ResultHalted
	}
	if budget < 1 {
		budget = 1
	}

	red := 0
	for {
		f := &m.frames[len(m.frames)-1]
		if f.ip >= len(f.chunk.Code) {
			// falling off the end: implicit return nil, or completion
			if len(m.frames) == 1 {
				return ResultOk
			}
			if r := m.returnValue(Nil()); r != ResultYield {
				return r
			}
			continue
		}

		red++
		m.reductions++
		if red&(reductionBatch-1) == 0 {
			if m.rt.Killed() {
				m.halted = true
				return ResultHalted
			}
			if red >= budget {
				return ResultYield
			}
		}

		opIP := f.ip
		op := Opcode(f.chunk.Code[f.ip])
		f.ip++

		switch op {
		case OpConst:
			idx, ok := m.readU16(f)
			if !ok {
				return ResultError
			}
			v, ok := m.constant(f, idx)
			if !ok || !m.push(v) {
				return ResultError
			}

		case OpNil:
			if !m.push(Nil()) {
				return ResultError
			}
		case OpTrue:
			if !m.push(Bool(true)) {
				return ResultError
			}
		case OpFalse:
			if !m.push(Bool(false)) {
				return ResultError
			}

		case OpPop:
			if _, ok := m.pop(); !ok {
				return ResultError
			}
		case OpDup:
			if m.sp == 0 {
				return m.fail(ErrStackUnderflow, "")
			}
			if !m.push(m.peek(0)) {
				return ResultError
			}
		case OpSwap:
			if m.sp < 2 {
				return m.fail(ErrStackUnderflow, "")
			}
			m.stack[m.sp-1], m.stack[m.sp-2] = m.stack[m.sp-2], m.stack[m.sp-1]

		case OpAdd, OpSub, OpMul, OpDiv, OpMod:
			if r := m.binaryArith(op); r != ResultYield {
				return r
			}

		case OpNeg:
			v, ok := m.pop()
			if !ok {
				return ResultError
			}
			switch v.Kind() {
			case KindInt:
				m.push(Int(-v.AsInt()))
			case KindFloat:
				m.push(Float(-v.AsFloat()))
			default:
				return m.fail(ErrTypeMismatch, "cannot negate %s", v.Kind())
			}

		case OpNot:
			v, ok := m.pop()
			if !ok {
				return ResultError
			}
			m.push(Bool(!v.Truthy()))

		case OpEqual, OpNotEqual:
			b, ok1 := m.pop()
			a, ok2 := m.pop()
			if !ok1 || !ok2 {
				return ResultError
			}
			eq := Equal(a, b)
			if op == OpNotEqual {
				eq = !eq
			}
			m.push(Bool(eq))

		case OpLess, OpLessEq, OpGreater, OpGreaterEq:
			if r := m.compare(op); r != ResultYield {
				return r
			}

		case OpJump:
			off, ok := m.readU16(f)
			if !ok {
				return ResultError
			}
			target := f.ip + int(off)
			if target > len(f.chunk.Code) {
				return m.fail(ErrJumpOutOfBounds, "jump to %d of %d", target, len(f.chunk.Code))
			}
			f.ip = target

		case OpJumpIfFalse, OpJumpIfTrue:
			off, ok := m.readU16(f)
			if !ok {
				return ResultError
			}
			cond, ok := m.pop()
			if !ok {
				return ResultError
			}
			jump := !cond.Truthy()
			if op == OpJumpIfTrue {
				jump = !jump
			}
			if jump {
				target := f.ip + int(off)
				if target > len(f.chunk.Code) {
					return m.fail(ErrJumpOutOfBounds, "jump to %d of %d", target, len(f.chunk.Code))
				}
				f.ip = target
			}

		case OpLoop:
			off, ok := m.readU16(f)
			if !ok {
				return ResultError
			}
			target := f.ip - int(off)
			if target < 0 {
				return m.fail(ErrJumpOutOfBounds, "loop to %d", target)
			}
			f.ip = target

		case OpGetLocal:
			idx, ok := m.readU16(f)
			if !ok {
				return ResultError
			}
			slot := f.base + int(idx)
			if slot >= m.sp {
				return m.fail(ErrOutOfBounds, "local %d", idx)
			}
			if !m.push(m.stack[slot]) {
				return ResultError
			}

		case OpSetLocal:
			idx, ok := m.readU16(f)
			if !ok {
				return ResultError
			}
			slot := f.base + int(idx)
			if slot >= m.sp {
				return m.fail(ErrOutOfBounds, "local %d", idx)
			}
			m.stack[slot] = m.peek(0)

		case OpDefineGlobal:
			idx, ok := m.readU16(f)
			if !ok {
				return ResultError
			}
			name, ok := m.constantName(f, idx)
			if !ok {
				return ResultError
			}
			v, ok := m.pop()
			if !ok {
				return ResultError
			}
			m.globals[name] = v

		case OpGetGlobal:
			idx, ok := m.readU16(f)
			if !ok {
				return ResultError
			}
			name, ok := m.constantName(f, idx)
			if !ok {
				return ResultError
			}
			v, found := m.globals[name]
			if !found {
				return m.fail(ErrUndefinedVariable, "%s", name)
			}
			if !m.push(v) {
				return ResultError
			}

		case OpSetGlobal:
			idx, ok := m.readU16(f)
			if !ok {
				return ResultError
			}
			name, ok := m.constantName(f, idx)
			if !ok {
				return ResultError
			}
			if _, found := m.globals[name]; !found {
				return m.fail(ErrUndefinedVariable, "%s", name)
			}
			m.globals[name] = m.peek(0)

		case OpCall:
			argc, ok := m.readByte(f)
			if !ok {
				return ResultError
			}
			if r := m.callValue(int(argc)); r != ResultYield {
				return r
			}

		case OpReturn:
			if len(m.frames) == 1 {
				return ResultOk
			}
			ret, ok := m.pop()
			if !ok {
				return ResultError
			}
			if r := m.returnValue(ret); r != ResultYield {
				return r
			}

		case OpClosure:
			if r := m.makeClosure(f); r != ResultYield {
				return r
			}

		case OpGetUpvalue:
			idx, ok := m.readByte(f)
			if !ok {
				return ResultError
			}
			if f.closure == nil || int(idx) >= len(f.closure.Upvalues) {
				return m.fail(ErrOutOfBounds, "upvalue %d", idx)
			}
			if !m.push(f.closure.Upvalues[idx].Get()) {
				return ResultError
			}

		case OpSetUpvalue:
			idx, ok := m.readByte(f)
			if !ok {
				return ResultError
			}
			if f.closure == nil || int(idx) >= len(f.closure.Upvalues) {
				return m.fail(ErrOutOfBounds, "upvalue %d", idx)
			}
			f.closure.Upvalues[idx].Set(m.peek(0))

		case OpCloseUpvalue:
			if m.sp == 0 {
				return m.fail(ErrStackUnderflow, "")
			}
			m.closeUpvalues(m.sp - 1)
			m.pop()

		case OpArray:
			count, ok := m.readU16(f)
			if !ok {
				return ResultError
			}
			if m.sp < int(count) {
				return m.fail(ErrStackUnderflow, "")
			}
			items := make([]Value, count)
			copy(items, m.stack[m.sp-int(count):m.sp])
			m.sp -= int(count)
			arr := NewArray(items)
			if err := m.rt.ChargeHeap(EstimateSize(arr)); err != nil {
				return m.fail(ErrHeapExceeded, "%v", err)
			}
			if !m.push(arr) {
				return ResultError
			}

		case OpMap:
			pairs, ok := m.readU16(f)
			if !ok {
				return ResultError
			}
			if m.sp < int(pairs)*2 {
				return m.fail(ErrStackUnderflow, "")
			}
			mv := NewMap()
			entries := mv.Map().Entries
			baseIdx := m.sp - int(pairs)*2
			for i := 0; i < int(pairs); i++ {
				kv := m.stack[baseIdx+i*2]
				vv := m.stack[baseIdx+i*2+1]
				key, keyOK := kv.Key()
				if !keyOK {
					return m.fail(ErrTypeMismatch, "%s is not a map key", kv.Kind())
				}
				entries[key] = vv
			}
			m.sp = baseIdx
			if err := m.rt.ChargeHeap(EstimateSize(mv)); err != nil {
				return m.fail(ErrHeapExceeded, "%v", err)
			}
			if !m.push(mv) {
				return ResultError
			}

		case OpIndex:
			if r := m.indexValue(); r != ResultYield {
				return r
			}

		case OpSetIndex:
			if r := m.setIndexValue(); r != ResultYield {
				return r
			}

		case OpAppend:
			v, ok1 := m.pop()
			cv, ok2 := m.pop()
			if !ok1 || !ok2 {
				return ResultError
			}
			if cv.Kind() != KindArray {
				return m.fail(ErrTypeMismatch, "cannot append to %s", cv.Kind())
			}
			owned := cv.Array().Owned()
			owned.Items = append(owned.Items, v)
			if err := m.rt.ChargeHeap(EstimateSize(v)); err != nil {
				return m.fail(ErrHeapExceeded, "%v", err)
			}
			if !m.push(Value{kind: KindArray, obj: owned}) {
				return ResultError
			}

		case OpLen:
			v, ok := m.pop()
			if !ok {
				return ResultError
			}
			var n int
			switch v.Kind() {
			case KindString:
				n = len(v.AsString())
			case KindBytes:
				n = len(v.AsBytes())
			case KindArray:
				n = len(v.Array().Items)
			case KindMap:
				n = len(v.Map().Entries)
			case KindVector:
				n = len(v.AsVector())
			default:
				return m.fail(ErrTypeMismatch, "%s has no length", v.Kind())
			}
			m.push(Int(int64(n)))

		case OpGetField:
			if r := m.getField(f); r != ResultYield {
				return r
			}

		case OpSetField:
			if r := m.setField(f); r != ResultYield {
				return r
			}

		case OpOk, OpErr, OpSome:
			v, ok := m.pop()
			if !ok {
				return ResultError
			}
			switch op {
			case OpOk:
				m.push(Ok(v))
			case OpErr:
				m.push(Err(v))
			case OpSome:
				m.push(Some(v))
			}
		case OpNone:
			if !m.push(None()) {
				return ResultError
			}

		case OpIsOk, OpIsErr:
			v, ok := m.pop()
			if !ok {
				return ResultError
			}
			if v.Kind() != KindResult {
				return m.fail(ErrTypeMismatch, "%s is not a result", v.Kind())
			}
			isOK := v.Result().OK
			if op == OpIsErr {
				isOK = !isOK
			}
			m.push(Bool(isOK))

		case OpIsSome:
			v, ok := m.pop()
			if !ok {
				return ResultError
			}
			if v.Kind() != KindOption {
				return m.fail(ErrTypeMismatch, "%s is not an option", v.Kind())
			}
			m.push(Bool(v.Option().Some))

		case OpUnwrap:
			v, ok := m.pop()
			if !ok {
				return ResultError
			}
			switch v.Kind() {
			case KindResult:
				r := v.Result()
				if !r.OK {
					return m.fail(ErrTypeMismatch, "unwrap of Err(%s)", r.Val)
				}
				m.push(r.Val)
			case KindOption:
				o := v.Option()
				if !o.Some {
					return m.fail(ErrTypeMismatch, "unwrap of None")
				}
				m.push(o.Val)
			default:
				return m.fail(ErrTypeMismatch, "cannot unwrap %s", v.Kind())
			}

		case OpUnwrapOr:
			alt, ok1 := m.pop()
			v, ok2 := m.pop()
			if !ok1 || !ok2 {
				return ResultError
			}
			switch v.Kind() {
			case KindResult:
				r := v.Result()
				if r.OK {
					m.push(r.Val)
				} else {
					m.push(alt)
				}
			case KindOption:
				o := v.Option()
				if o.Some {
					m.push(o.Val)
				} else {
					m.push(alt)
				}
			default:
				return m.fail(ErrTypeMismatch, "cannot unwrap %s", v.Kind())
			}

		case OpSelf:
			if !m.push(PIDValue(m.rt.Self())) {
				return ResultError
			}

		case OpSend:
			if !m.checkCap(gen.CapSend) {
				return ResultError
			}
			msg, ok1 := m.pop()
			to, ok2 := m.pop()
			if !ok1 || !ok2 {
				return ResultError
			}
			if to.Kind() != KindPID {
				return m.fail(ErrTypeMismatch, "send target is %s", to.Kind())
			}
			res := m.rt.Send(to.AsPID(), msg)
			m.push(Bool(res == gen.PushOk))

		case OpReceive:
			if !m.checkCap(gen.CapReceive) {
				return ResultError
			}
			v, _, ok := m.rt.Receive()
			if !ok {
				f.ip = opIP
				return ResultWaiting
			}
			if !m.push(v) {
				return ResultError
			}

		case OpReceiveTimeout:
			if !m.checkCap(gen.CapReceive) {
				return ResultError
			}
			if m.sp == 0 {
				return m.fail(ErrStackUnderflow, "")
			}
			tv := m.peek(0)
			if tv.Kind() != KindInt {
				return m.fail(ErrTypeMismatch, "timeout is %s", tv.Kind())
			}
			if m.rt.ReceiveTimedOut() {
				m.pop()
				m.push(ErrText("timeout"))
				break
			}
			if v, _, ok := m.rt.Receive(); ok {
				m.rt.CancelReceiveTimeout()
				m.pop()
				m.push(Ok(v))
				break
			}
			m.rt.ArmReceiveTimeout(tv.AsInt())
			f.ip = opIP
			return ResultWaiting

		case OpReceiveMatch:
			if !m.checkCap(gen.CapReceive) {
				return ResultError
			}
			if m.sp == 0 {
				return m.fail(ErrStackUnderflow, "")
			}
			pattern := m.peek(0)
			v, _, ok := m.rt.ReceiveMatch(pattern)
			if !ok {
				f.ip = opIP
				return ResultWaiting
			}
			m.pop()
			if !m.push(v) {
				return ResultError
			}

		case OpSpawn:
			if !m.checkCap(gen.CapSpawn) {
				return ResultError
			}
			fn, ok := m.pop()
			if !ok {
				return ResultError
			}
			if fn.Kind() != KindFunction && fn.Kind() != KindClosure {
				return m.fail(ErrTypeMismatch, "cannot spawn %s", fn.Kind())
			}
			pid, err := m.rt.Spawn(fn)
			if err != nil {
				pid = gen.InvalidPID
			}
			m.push(PIDValue(pid))

		case OpYield:
			return ResultYield

		case OpLink, OpUnlink:
			if !m.checkCap(gen.CapLink) {
				return ResultError
			}
			pv, ok := m.pop()
			if !ok {
				return ResultError
			}
			if pv.Kind() != KindPID {
				return m.fail(ErrTypeMismatch, "link target is %s", pv.Kind())
			}
			var err error
			if op == OpLink {
				err = m.rt.Link(pv.AsPID())
			} else {
				err = m.rt.Unlink(pv.AsPID())
			}
			m.push(Bool(err == nil))

		case OpMonitor, OpDemonitor:
			if !m.checkCap(gen.CapMonitor) {
				return ResultError
			}
			pv, ok := m.pop()
			if !ok {
				return ResultError
			}
			if pv.Kind() != KindPID {
				return m.fail(ErrTypeMismatch, "monitor target is %s", pv.Kind())
			}
			var err error
			if op == OpMonitor {
				err = m.rt.Monitor(pv.AsPID())
			} else {
				err = m.rt.Demonitor(pv.AsPID())
			}
			m.push(Bool(err == nil))

		case OpHalt:
			m.halted = true
			return ResultHalted

		case OpSupStart:
			if !m.checkCap(gen.CapSupervise) {
				return ResultError
			}
			strategy, ok := m.readByte(f)
			if !ok {
				return ResultError
			}
			if err := m.rt.SupStart(int(strategy)); err != nil {
				m.push(ErrText(err.Error()))
			} else {
				m.push(Ok(Nil()))
			}

		case OpSupAddChild:
			if !m.checkCap(gen.CapSupervise) {
				return ResultError
			}
			restart, ok := m.readByte(f)
			if !ok {
				return ResultError
			}
			fn, ok1 := m.pop()
			name, ok2 := m.pop()
			if !ok1 || !ok2 {
				return ResultError
			}
			if name.Kind() != KindString {
				return m.fail(ErrTypeMismatch, "child name is %s", name.Kind())
			}
			if fn.Kind() != KindFunction && fn.Kind() != KindClosure {
				return m.fail(ErrTypeMismatch, "child init is %s", fn.Kind())
			}
			if err := m.rt.SupAddChild(name.AsString(), fn, int(restart)); err != nil {
				m.push(ErrText(err.Error()))
			} else {
				m.push(Ok(Nil()))
			}

		case OpSupRemoveChild:
			if !m.checkCap(gen.CapSupervise) {
				return ResultError
			}
			name, ok := m.pop()
			if !ok {
				return ResultError
			}
			if name.Kind() != KindString {
				return m.fail(ErrTypeMismatch, "child name is %s", name.Kind())
			}
			if err := m.rt.SupRemoveChild(name.AsString()); err != nil {
				m.push(ErrText(err.Error()))
			} else {
				m.push(Ok(Nil()))
			}

		case OpSupChildren:
			pids := m.rt.SupChildren()
			items := make([]Value, len(pids))
			for i, p := range pids {
				items[i] = PIDValue(p)
			}
			if !m.push(NewArray(items)) {
				return ResultError
			}

		case OpSupShutdown:
			if !m.checkCap(gen.CapSupervise) {
				return ResultError
			}
			if err := m.rt.SupShutdown(); err != nil {
				m.push(ErrText(err.Error()))
			} else {
				m.push(Ok(Nil()))
			}

		case OpGroupJoin, OpGroupLeave:
			name, ok := m.pop()
			if !ok {
				return ResultError
			}
			if name.Kind() != KindString {
				return m.fail(ErrTypeMismatch, "group name is %s", name.Kind())
			}
			var err error
			if op == OpGroupJoin {
				err = m.rt.GroupJoin(name.AsString())
			} else {
				err = m.rt.GroupLeave(name.AsString())
			}
			m.push(Bool(err == nil))

		case OpGroupSend, OpGroupSendOthers:
			if !m.checkCap(gen.CapSend) {
				return ResultError
			}
			msg, ok1 := m.pop()
			name, ok2 := m.pop()
			if !ok1 || !ok2 {
				return ResultError
			}
			if name.Kind() != KindString {
				return m.fail(ErrTypeMismatch, "group name is %s", name.Kind())
			}
			n := m.rt.GroupSend(name.AsString(), msg, op == OpGroupSendOthers)
			m.push(Int(int64(n)))

		case OpGroupMembers:
			name, ok := m.pop()
			if !ok {
				return ResultError
			}
			if name.Kind() != KindString {
				return m.fail(ErrTypeMismatch, "group name is %s", name.Kind())
			}
			pids := m.rt.GroupMembers(name.AsString())
			items := make([]Value, len(pids))
			for i, p := range pids {
				items[i] = PIDValue(p)
			}
			if !m.push(NewArray(items)) {
				return ResultError
			}

		case OpGroupList:
			names := m.rt.GroupList()
			items := make([]Value, len(names))
			for i, n := range names {
				items[i] = Str(n)
			}
			if !m.push(NewArray(items)) {
				return ResultError
			}

		case OpBuiltin:
			id, ok := m.readU16(f)
			if !ok {
				return ResultError
			}
			argc, ok := m.readByte(f)
			if !ok {
				return ResultError
			}
			if r := m.callBuiltin(id, int(argc)); r != ResultYield {
				return r
			}

		default:
			return m.fail(ErrInvalidOpcode, "opcode %d", byte(op))
		}
	}
}

// binaryArith covers Add/Sub/Mul/Div/Mod: integer fast path, float fallback,
// string concatenation for Add.
func (m *VM) binaryArith(op Opcode) VMResult {
	b, ok1 := m.pop()
	a, ok2 := m.pop()
	if !ok1 || !ok2 {
		return ResultError
	}

	if op == OpAdd && a.Kind() == KindString && b.Kind() == KindString {
		s := a.AsString() + b.AsString()
		if err := m.rt.ChargeHeap(int64(len(s))); err != nil {
			return m.fail(ErrHeapExceeded, "%v", err)
		}
		if !m.push(Str(s)) {
			return ResultError
		}
		return ResultYield
	}

	if a.Kind() == KindInt && b.Kind() == KindInt {
		x, y := a.AsInt(), b.AsInt()
		var r int64
		switch op {
		case OpAdd:
			r = x + y
		case OpSub:
			r = x - y
		case OpMul:
			r = x * y
		case OpDiv:
			if y == 0 {
				return m.fail(ErrDivisionByZero, "")
			}
			r = x / y
		case OpMod:
			if y == 0 {
				return m.fail(ErrDivisionByZero, "modulo by zero")
			}
			r = x % y
		}
		if !m.push(Int(r)) {
			return ResultError
		}
		return ResultYield
	}

	if a.IsNumber() && b.IsNumber() {
		if op == OpMod {
			return m.fail(ErrTypeMismatch, "modulo requires integers")
		}
		x, y := a.AsNumber(), b.AsNumber()
		var r float64
		switch op {
		case OpAdd:
			r = x + y
		case OpSub:
			r = x - y
		case OpMul:
			r = x * y
		case OpDiv:
			if y == 0 {
				return m.fail(ErrDivisionByZero, "")
			}
			r = x / y
		}
		if !m.push(Float(r)) {
			return ResultError
		}
		return ResultYield
	}

	return m.fail(ErrTypeMismatch, "%s %s %s", a.Kind(), op, b.Kind())
}

func (m *VM) compare(op Opcode) VMResult {
	b, ok1 := m.pop()
	a, ok2 := m.pop()
	if !ok1 || !ok2 {
		return ResultError
	}

	var less, equal bool
	switch {
	case a.IsNumber() && b.IsNumber():
		x, y := a.AsNumber(), b.AsNumber()
		less, equal = x < y, x == y
	case a.Kind() == KindString && b.Kind() == KindString:
		less, equal = a.AsString() < b.AsString(), a.AsString() == b.AsString()
	default:
		return m.fail(ErrTypeMismatch, "cannot compare %s and %s", a.Kind(), b.Kind())
	}

	var r bool
	switch op {
	case OpLess:
		r = less
	case OpLessEq:
		r = less || equal
	case OpGreater:
		r = !less && !equal
	case OpGreaterEq:
		r = !less
	}
	if !m.push(Bool(r)) {
		return ResultError
	}
	return ResultYield
}

// callValue dispatches OpCall: the callee sits below argc arguments.
func (m *VM) callValue(argc int) VMResult {
	if m.sp < argc+1 {
		return m.fail(ErrStackUnderflow, "")
	}
	callee := m.peek(argc)

	var fn *Function
	var closure *Closure
	switch callee.Kind() {
	case KindFunction:
		fn = callee.Function()
	case KindClosure:
		closure = callee.Closure()
		fn = closure.Fn
	default:
		return m.fail(ErrTypeMismatch, "cannot call %s", callee.Kind())
	}

	if argc != fn.Arity {
		return m.fail(ErrArityMismatch, "%s wants %d args, got %d", fn.Name, fn.Arity, argc)
	}
	if len(m.frames) >= m.maxFrames {
		return m.fail(ErrCallDepth, "depth %d", m.maxFrames)
	}

	m.frames = append(m.frames, frame{
		closure: closure,
		chunk:   fn.Chunk,
		base:    m.sp - argc,
	})
	return ResultYield
}

// returnValue unwinds the current frame: upvalues at or above the frame base
// are closed, the operand stack is cut back and the return value pushed.
func (m *VM) returnValue(ret Value) VMResult {
	f := m.frames[len(m.frames)-1]
	m.closeUpvalues(f.base)
	m.frames = m.frames[:len(m.frames)-1]
	m.sp = f.base - 1 // drop the callee as well
	if !m.push(ret) {
		return ResultError
	}
	return ResultYield
}

func (m *VM) makeClosure(f *frame) VMResult {
	fnIdx, ok := m.readU16(f)
	if !ok {
		return ResultError
	}
	count, ok := m.readByte(f)
	if !ok {
		return ResultError
	}
	if int(fnIdx) >= len(m.code.Functions) {
		return m.fail(ErrOutOfBounds, "function %d", fnIdx)
	}
	fn := m.code.Functions[fnIdx]

	closure := &Closure{Fn: fn, Upvalues: make([]*Upvalue, count)}
	for i := 0; i < int(count); i++ {
		isLocal, ok1 := m.readByte(f)
		index, ok2 := m.readByte(f)
		if !ok1 || !ok2 {
			return ResultError
		}
		if isLocal != 0 {
			closure.Upvalues[i] = m.captureUpvalue(f.base + int(index))
		} else {
			if f.closure == nil || int(index) >= len(f.closure.Upvalues) {
				return m.fail(ErrOutOfBounds, "upvalue %d", index)
			}
			closure.Upvalues[i] = f.closure.Upvalues[index]
		}
	}
	if !m.push(ClosureValue(closure)) {
		return ResultError
	}
	return ResultYield
}

func (m *VM) indexValue() VMResult {
	key, ok1 := m.pop()
	cv, ok2 := m.pop()
	if !ok1 || !ok2 {
		return ResultError
	}
	switch cv.Kind() {
	case KindArray:
		if key.Kind() != KindInt {
			return m.fail(ErrTypeMismatch, "array index is %s", key.Kind())
		}
		items := cv.Array().Items
		i := key.AsInt()
		if i < 0 || i >= int64(len(items)) {
			return m.fail(ErrOutOfBounds, "index %d of %d", i, len(items))
		}
		m.push(items[i])
	case KindMap:
		v, found := cv.Map().Get(key)
		if !found {
			m.push(Nil())
		} else {
			m.push(v)
		}
	case KindString:
		if key.Kind() != KindInt {
			return m.fail(ErrTypeMismatch, "string index is %s", key.Kind())
		}
		s := cv.AsString()
		i := key.AsInt()
		if i < 0 || i >= int64(len(s)) {
			return m.fail(ErrOutOfBounds, "index %d of %d", i, len(s))
		}
		m.push(Str(s[i : i+1]))
	case KindBytes:
		if key.Kind() != KindInt {
			return m.fail(ErrTypeMismatch, "bytes index is %s", key.Kind())
		}
		bts := cv.AsBytes()
		i := key.AsInt()
		if i < 0 || i >= int64(len(bts)) {
			return m.fail(ErrOutOfBounds, "index %d of %d", i, len(bts))
		}
		m.push(Int(int64(bts[i])))
	default:
		return m.fail(ErrTypeMismatch, "cannot index %s", cv.Kind())
	}
	return ResultYield
}

// setIndexValue mutates a container. COW: a shared container is cloned first
// and the (possibly new) container is pushed back.
func (m *VM) setIndexValue() VMResult {
	v, ok1 := m.pop()
	key, ok2 := m.pop()
	cv, ok3 := m.pop()
	if !ok1 || !ok2 || !ok3 {
		return ResultError
	}
	switch cv.Kind() {
	case KindArray:
		if key.Kind() != KindInt {
			return m.fail(ErrTypeMismatch, "array index is %s", key.Kind())
		}
		owned := cv.Array().Owned()
		i := key.AsInt()
		if i < 0 || i >= int64(len(owned.Items)) {
			return m.fail(ErrOutOfBounds, "index %d of %d", i, len(owned.Items))
		}
		owned.Items[i] = v
		m.push(Value{kind: KindArray, obj: owned})
	case KindMap:
		k, keyOK := key.Key()
		if !keyOK {
			return m.fail(ErrTypeMismatch, "%s is not a map key", key.Kind())
		}
		owned := cv.Map().Owned()
		owned.Entries[k] = v
		m.push(Value{kind: KindMap, obj: owned})
	default:
		return m.fail(ErrTypeMismatch, "cannot assign into %s", cv.Kind())
	}
	return ResultYield
}

// getField reads a named field from a struct (through the inline cache) or a
// map with a string key.
func (m *VM) getField(f *frame) VMResult {
	nameIdx, ok := m.readU16(f)
	if !ok {
		return ResultError
	}
	icIdx, ok := m.readU16(f)
	if !ok {
		return ResultError
	}
	name, ok := m.constantName(f, nameIdx)
	if !ok {
		return ResultError
	}
	cv, ok := m.pop()
	if !ok {
		return ResultError
	}

	switch cv.Kind() {
	case KindStruct:
		s := cv.Struct()
		slot := -1
		if int(icIdx) < len(f.chunk.ICSlots) {
			ic := &f.chunk.ICSlots[icIdx]
			if ic.Shape == s.Shape.ID {
				slot = int(ic.Slot)
			} else {
				// monomorphic cache: record the new shape, drop the old
				if idx := s.Shape.FieldIndex(name); idx >= 0 {
					ic.Shape = s.Shape.ID
					ic.Slot = int32(idx)
					slot = idx
				} else {
					ic.Shape = 0
				}
			}
		}
		if slot < 0 {
			slot = s.Shape.FieldIndex(name)
		}
		if slot < 0 {
			return m.fail(ErrUndefinedVariable, "field %s of %s", name, s.Shape.Name)
		}
		m.push(s.Fields[slot])
	case KindMap:
		v, found := cv.Map().Get(Str(name))
		if !found {
			m.push(Nil())
		} else {
			m.push(v)
		}
	default:
		return m.fail(ErrTypeMismatch, "%s has no fields", cv.Kind())
	}
	return ResultYield
}

func (m *VM) setField(f *frame) VMResult {
	nameIdx, ok := m.readU16(f)
	if !ok {
		return ResultError
	}
	name, ok := m.constantName(f, nameIdx)
	if !ok {
		return ResultError
	}
	v, ok1 := m.pop()
	cv, ok2 := m.pop()
	if !ok1 || !ok2 {
		return ResultError
	}

	switch cv.Kind() {
	case KindStruct:
		s := cv.Struct().Owned()
		slot := s.Shape.FieldIndex(name)
		if slot < 0 {
			return m.fail(ErrUndefinedVariable, "field %s of %s", name, s.Shape.Name)
		}
		s.Fields[slot] = v
		m.push(Value{kind: KindStruct, obj: s})
	case KindMap:
		owned := cv.Map().Owned()
		k, _ := Str(name).Key()
		owned.Entries[k] = v
		m.push(Value{kind: KindMap, obj: owned})
	default:
		return m.fail(ErrTypeMismatch, "%s has no fields", cv.Kind())
	}
	return ResultYield
}
