package vm

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/agem-lang/agem/gen"
)

// Kind is the semantic type of a Value.
type Kind uint8

const (
	KindNil Kind = iota
	KindBool
	KindInt
	KindFloat
	KindString
	KindBytes
	KindPID
	KindArray
	KindMap
	KindStruct
	KindEnum
	KindFunction
	KindClosure
	KindVector
	KindResult
	KindOption
)

func (k Kind) String() string {
	switch k {
	case KindNil:
		return "nil"
	case KindBool:
		return "bool"
	case KindInt:
		return "int"
	case KindFloat:
		return "float"
	case KindString:
		return "string"
	case KindBytes:
		return "bytes"
	case KindPID:
		return "pid"
	case KindArray:
		return "array"
	case KindMap:
		return "map"
	case KindStruct:
		return "struct"
	case KindEnum:
		return "enum"
	case KindFunction:
		return "function"
	case KindClosure:
		return "closure"
	case KindVector:
		return "vector"
	case KindResult:
		return "result"
	case KindOption:
		return "option"
	}
	return fmt.Sprintf("kind#%d", uint8(k))
}

// Value is the compact tagged representation the interpreter operates on.
// Scalars live in bits/str; containers and callables hang off obj. Containers
// are copy-on-write: Send marks them shared, the first mutation afterwards
// clones.
type Value struct {
	kind Kind
	bits uint64
	str  string
	obj  any
}

func Nil() Value { return Value{} }

func Bool(b bool) Value {
	v := Value{kind: KindBool}
	if b {
		v.bits = 1
	}
	return v
}

func Int(i int64) Value { return Value{kind: KindInt, bits: uint64(i)} }
func Float(f float64) Value {
	return Value{kind: KindFloat, bits: math.Float64bits(f)}
}
func Str(s string) Value          { return Value{kind: KindString, str: s} }
func Bytes(b []byte) Value        { return Value{kind: KindBytes, obj: b} }
func PIDValue(p gen.PID) Value    { return Value{kind: KindPID, bits: uint64(p)} }
func Vector(f []float64) Value    { return Value{kind: KindVector, obj: f} }
func FuncValue(f *Function) Value { return Value{kind: KindFunction, obj: f} }
func ClosureValue(c *Closure) Value {
	return Value{kind: KindClosure, obj: c}
}

func (v Value) Kind() Kind  { return v.kind }
func (v Value) IsNil() bool { return v.kind == KindNil }

// Truthy follows the language rule: nil and false are falsy, everything else
// is truthy.
func (v Value) Truthy() bool {
	switch v.kind {
	case KindNil:
		return false
	case KindBool:
		return v.bits != 0
	}
	return true
}

func (v Value) AsBool() bool     { return v.bits != 0 }
func (v Value) AsInt() int64     { return int64(v.bits) }
func (v Value) AsFloat() float64 { return math.Float64frombits(v.bits) }
func (v Value) AsString() string { return v.str }
func (v Value) AsBytes() []byte  { b, _ := v.obj.([]byte); return b }
func (v Value) AsPID() gen.PID   { return gen.PID(v.bits) }
func (v Value) AsVector() []float64 {
	f, _ := v.obj.([]float64)
	return f
}

// AsNumber widens int to float for the mixed arithmetic fallback.
func (v Value) AsNumber() float64 {
	if v.kind == KindInt {
		return float64(int64(v.bits))
	}
	return math.Float64frombits(v.bits)
}

func (v Value) IsNumber() bool {
	return v.kind == KindInt || v.kind == KindFloat
}

func (v Value) Array() *Array       { a, _ := v.obj.(*Array); return a }
func (v Value) Map() *Map           { m, _ := v.obj.(*Map); return m }
func (v Value) Struct() *Struct     { s, _ := v.obj.(*Struct); return s }
func (v Value) Enum() *Enum         { e, _ := v.obj.(*Enum); return e }
func (v Value) Function() *Function { f, _ := v.obj.(*Function); return f }
func (v Value) Closure() *Closure   { c, _ := v.obj.(*Closure); return c }
func (v Value) Result() *Result     { r, _ := v.obj.(*Result); return r }
func (v Value) Option() *Option     { o, _ := v.obj.(*Option); return o }

//
// containers
//

// Array is a COW list of values.
type Array struct {
	Items  []Value
	shared int32
}

func NewArray(items []Value) Value {
	return Value{kind: KindArray, obj: &Array{Items: items}}
}

// MarkShared flags the array (and, lazily, its elements) as shared between
// blocks. The next mutation clones.
func (a *Array) MarkShared() { atomic.StoreInt32(&a.shared, 1) }
func (a *Array) IsShared() bool {
	return atomic.LoadInt32(&a.shared) == 1
}

// Owned returns an array safe to mutate: the receiver when unshared,
// otherwise a shallow clone whose element containers stay shared.
func (a *Array) Owned() *Array {
	if !a.IsShared() {
		return a
	}
	items := make([]Value, len(a.Items))
	copy(items, a.Items)
	for i := range items {
		markValueShared(items[i])
	}
	return &Array{Items: items}
}

// MapKey is the comparable projection of a scalar Value used as a map key.
type MapKey struct {
	Kind Kind
	Bits uint64
	Str  string
}

// Key converts a value into a map key. Only scalar kinds are allowed.
func (v Value) Key() (MapKey, bool) {
	switch v.kind {
	case KindNil, KindBool, KindInt, KindFloat, KindString, KindPID:
		return MapKey{Kind: v.kind, Bits: v.bits, Str: v.str}, true
	}
	return MapKey{}, false
}

// Value turns a key back into the value it was projected from.
func (k MapKey) Value() Value {
	return Value{kind: k.Kind, bits: k.Bits, str: k.Str}
}

// Map is a COW hash of scalar keys to values.
type Map struct {
	Entries map[MapKey]Value
	shared  int32
}

func NewMap() Value {
	return Value{kind: KindMap, obj: &Map{Entries: make(map[MapKey]Value)}}
}

func (m *Map) MarkShared() { atomic.StoreInt32(&m.shared, 1) }
func (m *Map) IsShared() bool {
	return atomic.LoadInt32(&m.shared) == 1
}

func (m *Map) Owned() *Map {
	if !m.IsShared() {
		return m
	}
	entries := make(map[MapKey]Value, len(m.Entries))
	for k, v := range m.Entries {
		markValueShared(v)
		entries[k] = v
	}
	return &Map{Entries: entries}
}

// Get looks up a scalar key.
func (m *Map) Get(key Value) (Value, bool) {
	k, ok := key.Key()
	if !ok {
		return Nil(), false
	}
	v, found := m.Entries[k]
	return v, found
}

// Shape describes the field layout of a struct type. Shapes are interned by
// the bytecode producer; the ID feeds the inline caches.
type Shape struct {
	ID     uint32
	Name   string
	Fields []string
	index  map[string]int
}

func NewShape(id uint32, name string, fields []string) *Shape {
	idx := make(map[string]int, len(fields))
	for i, f := range fields {
		idx[f] = i
	}
	return &Shape{ID: id, Name: name, Fields: fields, index: idx}
}

// FieldIndex returns the slot of a field, or -1.
func (s *Shape) FieldIndex(name string) int {
	if i, ok := s.index[name]; ok {
		return i
	}
	return -1
}

// Struct is a COW record with a fixed shape.
type Struct struct {
	Shape  *Shape
	Fields []Value
	shared int32
}

func NewStruct(shape *Shape, fields []Value) Value {
	return Value{kind: KindStruct, obj: &Struct{Shape: shape, Fields: fields}}
}

func (s *Struct) MarkShared() { atomic.StoreInt32(&s.shared, 1) }
func (s *Struct) IsShared() bool {
	return atomic.LoadInt32(&s.shared) == 1
}

func (s *Struct) Owned() *Struct {
	if !s.IsShared() {
		return s
	}
	fields := make([]Value, len(s.Fields))
	copy(fields, s.Fields)
	for i := range fields {
		markValueShared(fields[i])
	}
	return &Struct{Shape: s.Shape, Fields: fields}
}

// Enum is a tagged variant with an optional payload.
type Enum struct {
	Type    string
	Variant string
	Payload Value
}

func NewEnum(typ, variant string, payload Value) Value {
	return Value{kind: KindEnum, obj: &Enum{Type: typ, Variant: variant, Payload: payload}}
}

// Result is the in-language error-carrying pair.
type Result struct {
	OK  bool
	Val Value
}

func Ok(v Value) Value  { return Value{kind: KindResult, obj: &Result{OK: true, Val: v}} }
func Err(v Value) Value { return Value{kind: KindResult, obj: &Result{OK: false, Val: v}} }

// ErrText is the common case of a string error payload.
func ErrText(text string) Value { return Err(Str(text)) }

// Option is the in-language presence pair.
type Option struct {
	Some bool
	Val  Value
}

func Some(v Value) Value { return Value{kind: KindOption, obj: &Option{Some: true, Val: v}} }
func None() Value        { return Value{kind: KindOption, obj: &Option{}} }

//
// equality / ordering
//

// Equal is deep structural equality. Functions and closures compare by
// identity.
func Equal(a, b Value) bool {
	if a.kind != b.kind {
		// int/float cross comparison is the one sanctioned widening
		if a.IsNumber() && b.IsNumber() {
			return a.AsNumber() == b.AsNumber()
		}
		return false
	}
	switch a.kind {
	case KindNil:
		return true
	case KindBool, KindInt, KindPID:
		return a.bits == b.bits
	case KindFloat:
		return a.AsFloat() == b.AsFloat()
	case KindString:
		return a.str == b.str
	case KindBytes:
		ab, bb := a.AsBytes(), b.AsBytes()
		if len(ab) != len(bb) {
			return false
		}
		for i := range ab {
			if ab[i] != bb[i] {
				return false
			}
		}
		return true
	case KindVector:
		av, bv := a.AsVector(), b.AsVector()
		if len(av) != len(bv) {
			return false
		}
		for i := range av {
			if av[i] != bv[i] {
				return false
			}
		}
		return true
	case KindArray:
		aa, ba := a.Array(), b.Array()
		if len(aa.Items) != len(ba.Items) {
			return false
		}
		for i := range aa.Items {
			if !Equal(aa.Items[i], ba.Items[i]) {
				return false
			}
		}
		return true
	case KindMap:
		am, bm := a.Map(), b.Map()
		if len(am.Entries) != len(bm.Entries) {
			return false
		}
		for k, av := range am.Entries {
			bv, ok := bm.Entries[k]
			if !ok || !Equal(av, bv) {
				return false
			}
		}
		return true
	case KindStruct:
		as, bs := a.Struct(), b.Struct()
		if as.Shape.ID != bs.Shape.ID || len(as.Fields) != len(bs.Fields) {
			return false
		}
		for i := range as.Fields {
			if !Equal(as.Fields[i], bs.Fields[i]) {
				return false
			}
		}
		return true
	case KindEnum:
		ae, be := a.Enum(), b.Enum()
		return ae.Type == be.Type && ae.Variant == be.Variant && Equal(ae.Payload, be.Payload)
	case KindResult:
		ar, br := a.Result(), b.Result()
		return ar.OK == br.OK && Equal(ar.Val, br.Val)
	case KindOption:
		ao, bo := a.Option(), b.Option()
		return ao.Some == bo.Some && Equal(ao.Val, bo.Val)
	}
	return a.obj == b.obj
}

// Matches implements the selective-receive pattern rule: a map pattern
// matches a map message iff every non-nil keyed entry of the pattern is
// present in the message with an equal value; nil-valued entries accept any
// value as long as the key is present. Non-map patterns match by equality.
func Matches(pattern, msg Value) bool {
	if pattern.kind == KindMap && msg.kind == KindMap {
		pm, mm := pattern.Map(), msg.Map()
		for k, pv := range pm.Entries {
			mv, ok := mm.Entries[k]
			if !ok {
				return false
			}
			if pv.IsNil() {
				continue
			}
			if !Equal(pv, mv) {
				return false
			}
		}
		return true
	}
	return Equal(pattern, msg)
}

//
// sharing and copying on send
//

func markValueShared(v Value) {
	switch v.kind {
	case KindArray:
		v.Array().MarkShared()
	case KindMap:
		v.Map().MarkShared()
	case KindStruct:
		v.Struct().MarkShared()
	}
}

// CopyOnSend prepares a value for crossing a block boundary: scalars are
// retained as-is, containers are marked shared (COW), closures and byte
// buffers are deep-copied to preserve isolation.
func CopyOnSend(v Value) Value {
	switch v.kind {
	case KindBytes:
		src := v.AsBytes()
		dst := make([]byte, len(src))
		copy(dst, src)
		return Bytes(dst)
	case KindVector:
		src := v.AsVector()
		dst := make([]float64, len(src))
		copy(dst, src)
		return Vector(dst)
	case KindClosure:
		return ClosureValue(v.Closure().deepCopy())
	case KindArray, KindMap, KindStruct:
		markValueShared(v)
		return v
	case KindEnum:
		e := v.Enum()
		return NewEnum(e.Type, e.Variant, CopyOnSend(e.Payload))
	case KindResult:
		r := v.Result()
		if r.OK {
			return Ok(CopyOnSend(r.Val))
		}
		return Err(CopyOnSend(r.Val))
	case KindOption:
		o := v.Option()
		if o.Some {
			return Some(CopyOnSend(o.Val))
		}
		return None()
	}
	return v
}

// EstimateSize approximates the bytes a value holds, for the mailbox byte
// budget and the per-block heap envelope. Containers are charged shallow plus
// their elements; cycles are impossible by construction (no mutable
// self-reference opcode).
func EstimateSize(v Value) int64 {
	const word = 16
	switch v.kind {
	case KindString:
		return word + int64(len(v.str))
	case KindBytes:
		return word + int64(len(v.AsBytes()))
	case KindVector:
		return word + int64(len(v.AsVector())*8)
	case KindArray:
		total := int64(word)
		for _, it := range v.Array().Items {
			total += EstimateSize(it)
		}
		return total
	case KindMap:
		total := int64(word)
		for k, mv := range v.Map().Entries {
			total += word + int64(len(k.Str)) + EstimateSize(mv)
		}
		return total
	case KindStruct:
		total := int64(word)
		for _, f := range v.Struct().Fields {
			total += EstimateSize(f)
		}
		return total
	case KindEnum:
		return word + EstimateSize(v.Enum().Payload)
	case KindResult:
		return word + EstimateSize(v.Result().Val)
	case KindOption:
		return word + EstimateSize(v.Option().Val)
	case KindClosure:
		c := v.Closure()
		total := int64(word)
		for _, uv := range c.Upvalues {
			if uv.closed() {
				total += EstimateSize(uv.val)
			}
		}
		return total
	}
	return word
}

func (v Value) String() string {
	switch v.kind {
	case KindNil:
		return "nil"
	case KindBool:
		if v.bits != 0 {
			return "true"
		}
		return "false"
	case KindInt:
		return strconv.FormatInt(v.AsInt(), 10)
	case KindFloat:
		return strconv.FormatFloat(v.AsFloat(), 'g', -1, 64)
	case KindString:
		return v.str
	case KindBytes:
		return fmt.Sprintf("bytes(%d)", len(v.AsBytes()))
	case KindPID:
		return v.AsPID().String()
	case KindVector:
		return fmt.Sprintf("vector(%d)", len(v.AsVector()))
	case KindArray:
		a := v.Array()
		parts := make([]string, len(a.Items))
		for i, it := range a.Items {
			parts[i] = it.String()
		}
		return "[" + strings.Join(parts, ", ") + "]"
	case KindMap:
		m := v.Map()
		parts := make([]string, 0, len(m.Entries))
		for k, mv := range m.Entries {
			parts = append(parts, k.Value().String()+": "+mv.String())
		}
		sort.Strings(parts)
		return "{" + strings.Join(parts, ", ") + "}"
	case KindStruct:
		s := v.Struct()
		parts := make([]string, len(s.Fields))
		for i, f := range s.Fields {
			parts[i] = s.Shape.Fields[i] + ": " + f.String()
		}
		return s.Shape.Name + "{" + strings.Join(parts, ", ") + "}"
	case KindEnum:
		e := v.Enum()
		if e.Payload.IsNil() {
			return e.Type + "." + e.Variant
		}
		return e.Type + "." + e.Variant + "(" + e.Payload.String() + ")"
	case KindFunction:
		return "fn " + v.Function().Name
	case KindClosure:
		return "fn " + v.Closure().Fn.Name
	case KindResult:
		r := v.Result()
		if r.OK {
			return "Ok(" + r.Val.String() + ")"
		}
		return "Err(" + r.Val.String() + ")"
	case KindOption:
		o := v.Option()
		if o.Some {
			return "Some(" + o.Val.String() + ")"
		}
		return "None"
	}
	return "?"
}
