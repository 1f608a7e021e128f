package vm

import (
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/Masterminds/semver/v3"

	"github.com/agem-lang/agem/gen"
)

// IC is one inline-cache slot. A monomorphic cache records the shape that was
// seen and the resolved field slot; a miss clears it.
type IC struct {
	Shape uint32
	Slot  int32
}

// Chunk is a compiled unit of code: instruction bytes, a parallel line table,
// a constant pool and the inline-cache slots its field accesses use.
type Chunk struct {
	Code      []byte
	Lines     []uint16
	Constants []Value
	ICSlots   []IC
}

func NewChunk() *Chunk {
	return &Chunk{}
}

// WriteOp appends an opcode byte.
func (c *Chunk) WriteOp(op Opcode, line int) {
	c.Code = append(c.Code, byte(op))
	c.Lines = append(c.Lines, uint16(line))
}

// EmitByte appends a raw operand byte. Not named WriteByte so the method set
// stays clear of io.ByteWriter.
func (c *Chunk) EmitByte(b byte, line int) {
	c.Code = append(c.Code, b)
	c.Lines = append(c.Lines, uint16(line))
}

// WriteU16 appends a big-endian u16 operand.
func (c *Chunk) WriteU16(v uint16, line int) {
	c.Code = append(c.Code, byte(v>>8), byte(v))
	c.Lines = append(c.Lines, uint16(line), uint16(line))
}

// AddConstant interns a value in the pool and returns its index.
func (c *Chunk) AddConstant(v Value) int {
	c.Constants = append(c.Constants, v)
	return len(c.Constants) - 1
}

// EmitConst is the common write-op-plus-constant shorthand.
func (c *Chunk) EmitConst(v Value, line int) {
	idx := c.AddConstant(v)
	c.WriteOp(OpConst, line)
	c.WriteU16(uint16(idx), line)
}

// EmitJump writes a jump with a placeholder offset and returns the patch
// position.
func (c *Chunk) EmitJump(op Opcode, line int) int {
	c.WriteOp(op, line)
	c.WriteU16(0xffff, line)
	return len(c.Code) - 2
}

// PatchJump fixes up a forward jump emitted by EmitJump to land after the
// currently last instruction.
func (c *Chunk) PatchJump(at int) {
	offset := len(c.Code) - at - 2
	c.Code[at] = byte(offset >> 8)
	c.Code[at+1] = byte(offset)
}

// EmitLoop writes a backward jump to the given code position.
func (c *Chunk) EmitLoop(target int, line int) {
	c.WriteOp(OpLoop, line)
	offset := len(c.Code) - target + 2
	c.WriteU16(uint16(offset), line)
}

// AddICSlot reserves an inline-cache slot and returns its index.
func (c *Chunk) AddICSlot() int {
	c.ICSlots = append(c.ICSlots, IC{})
	return len(c.ICSlots) - 1
}

// Function is a compiled function: its chunk plus the call metadata.
type Function struct {
	Name         string
	Arity        int
	UpvalueCount int
	Chunk        *Chunk
}

// Bytecode is the unit the runtime consumes: a main chunk, the ordered
// function table, the interned string table and a reference count shared
// between the blocks executing it.
type Bytecode struct {
	Main      *Chunk
	Functions []*Function
	Strings   []string
	// CompilerVersion is the semantic version of the producing compiler.
	// The scheduler refuses units outside its supported range.
	CompilerVersion string

	refc int32
}

func NewBytecode(compilerVersion string) *Bytecode {
	return &Bytecode{
		Main:            NewChunk(),
		CompilerVersion: compilerVersion,
		refc:            1,
	}
}

// AddFunction appends a function and returns its index for OpClosure/OpSpawn
// constants.
func (b *Bytecode) AddFunction(f *Function) int {
	b.Functions = append(b.Functions, f)
	return len(b.Functions) - 1
}

// InternString adds a string to the table, reusing an existing slot.
func (b *Bytecode) InternString(s string) int {
	for i, existing := range b.Strings {
		if existing == s {
			return i
		}
	}
	b.Strings = append(b.Strings, s)
	return len(b.Strings) - 1
}

// Retain increments the reference count and returns the receiver, so spawn
// sites can thread it through.
func (b *Bytecode) Retain() *Bytecode {
	atomic.AddInt32(&b.refc, 1)
	return b
}

// Release decrements the reference count. The last release drops the chunk
// references so the GC can collect them even if the Bytecode value itself is
// still reachable from a registry entry.
func (b *Bytecode) Release() {
	if atomic.AddInt32(&b.refc, -1) > 0 {
		return
	}
	b.Main = nil
	b.Functions = nil
	b.Strings = nil
}

// RefCount returns the current share count.
func (b *Bytecode) RefCount() int32 {
	return atomic.LoadInt32(&b.refc)
}

// CheckCompilerVersion validates the unit's compiler version against a semver
// constraint such as ">= 0.4, < 2".
func (b *Bytecode) CheckCompilerVersion(constraint string) error {
	if b.CompilerVersion == "" {
		return fmt.Errorf("%w: missing version", gen.ErrBytecodeVersion)
	}
	v, err := semver.NewVersion(b.CompilerVersion)
	if err != nil {
		return fmt.Errorf("%w: %v", gen.ErrBytecodeVersion, err)
	}
	c, err := semver.NewConstraint(constraint)
	if err != nil {
		return fmt.Errorf("invalid version constraint: %w", err)
	}
	if !c.Check(v) {
		return fmt.Errorf("%w: %s does not satisfy %s", gen.ErrBytecodeVersion, b.CompilerVersion, constraint)
	}
	return nil
}

// Disassemble renders a chunk for debugging.
func Disassemble(c *Chunk, name string) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "== %s ==\n", name)
	for offset := 0; offset < len(c.Code); {
		offset = disassembleInstruction(&sb, c, offset)
	}
	return sb.String()
}

func disassembleInstruction(sb *strings.Builder, c *Chunk, offset int) int {
	fmt.Fprintf(sb, "%04d ", offset)
	op := Opcode(c.Code[offset])
	if op >= opCount {
		fmt.Fprintf(sb, "INVALID %d\n", c.Code[offset])
		return offset + 1
	}
	switch width := op.OperandWidth(); width {
	case 0:
		fmt.Fprintf(sb, "%s\n", op)
		return offset + 1
	case 1:
		fmt.Fprintf(sb, "%-16s %d\n", op, c.Code[offset+1])
		return offset + 2
	case 2:
		operand := uint16(c.Code[offset+1])<<8 | uint16(c.Code[offset+2])
		if op == OpConst && int(operand) < len(c.Constants) {
			fmt.Fprintf(sb, "%-16s %d (%s)\n", op, operand, c.Constants[operand])
		} else {
			fmt.Fprintf(sb, "%-16s %d\n", op, operand)
		}
		return offset + 3
	case 4:
		a := uint16(c.Code[offset+1])<<8 | uint16(c.Code[offset+2])
		b := uint16(c.Code[offset+3])<<8 | uint16(c.Code[offset+4])
		fmt.Fprintf(sb, "%-16s %d ic=%d\n", op, a, b)
		return offset + 5
	default:
		// compound: OpClosure
		fnIdx := uint16(c.Code[offset+1])<<8 | uint16(c.Code[offset+2])
		count := int(c.Code[offset+3])
		fmt.Fprintf(sb, "%-16s fn=%d upvalues=%d\n", op, fnIdx, count)
		return offset + 4 + count*2
	}
}
