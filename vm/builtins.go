package vm

import (
	"encoding/base64"
	"encoding/json"
	"strings"

	"github.com/agem-lang/agem/gen"
	"github.com/agem-lang/agem/lib"
)

// Builtin ids, stable across bytecode versions.
const (
	BuiltinFileRead uint16 = iota
	BuiltinFileWrite
	BuiltinFileExists
	BuiltinFileLines
	BuiltinFileWriteBytes
	BuiltinEnvGet
	BuiltinEnvSet
	BuiltinShell
	BuiltinExec
	BuiltinJSONParse
	BuiltinJSONEncode
	BuiltinB64Encode
	BuiltinB64Decode
	BuiltinTimeMS
	BuiltinUUID

	builtinCount
)

type builtinFn func(m *VM, args []Value) (Value, *VMError)

type builtinInfo struct {
	name  string
	arity int
	cap   gen.Cap // 0 means ungated
	fn    builtinFn
}

var builtinTable [builtinCount]builtinInfo

// The table is filled in init: the builtin bodies read their own entries
// back through argString, which would otherwise form an initialization cycle
// with a plain composite literal.
func init() {
	builtinTable = [builtinCount]builtinInfo{
		BuiltinFileRead:       {"file_read", 1, gen.CapFileRead, builtinFileRead},
		BuiltinFileWrite:      {"file_write", 2, gen.CapFileWrite, builtinFileWrite},
		BuiltinFileExists:     {"file_exists", 1, gen.CapFileRead, builtinFileExists},
		BuiltinFileLines:      {"file_lines", 1, gen.CapFileRead, builtinFileLines},
		BuiltinFileWriteBytes: {"file_write_bytes", 2, gen.CapFileWrite, builtinFileWriteBytes},
		BuiltinEnvGet:         {"env_get", 1, gen.CapEnv, builtinEnvGet},
		BuiltinEnvSet:         {"env_set", 2, gen.CapEnv, builtinEnvSet},
		BuiltinShell:          {"shell", 1, gen.CapShell, builtinShell},
		BuiltinExec:           {"exec", 2, gen.CapExec, builtinExec},
		BuiltinJSONParse:      {"json_parse", 1, 0, builtinJSONParse},
		BuiltinJSONEncode:     {"json_encode", 1, 0, builtinJSONEncode},
		BuiltinB64Encode:      {"b64_encode", 1, 0, builtinB64Encode},
		BuiltinB64Decode:      {"b64_decode", 1, 0, builtinB64Decode},
		BuiltinTimeMS:         {"time_ms", 0, 0, builtinTimeMS},
		BuiltinUUID:           {"uuid", 0, 0, builtinUUID},
	}
}

// BuiltinByName resolves an id for the bytecode producer.
func BuiltinByName(name string) (uint16, bool) {
	for id := uint16(0); id < uint16(builtinCount); id++ {
		if builtinTable[id].name == name {
			return id, true
		}
	}
	return 0, false
}

// BuiltinName returns the source-level name of a builtin id.
func BuiltinName(id uint16) string {
	if id >= uint16(builtinCount) {
		return "?"
	}
	return builtinTable[id].name
}

// callBuiltin implements OpBuiltin. Effect errors surface as Err values, not
// VM errors; only structural problems (bad id, wrong arity, missing
// capability) kill the block.
func (m *VM) callBuiltin(id uint16, argc int) VMResult {
	if id >= uint16(builtinCount) {
		return m.fail(ErrInvalidOpcode, "builtin %d", id)
	}
	info := &builtinTable[id]
	if argc != info.arity {
		return m.fail(ErrArityMismatch, "%s wants %d args, got %d", info.name, info.arity, argc)
	}
	if info.cap != 0 && !m.rt.HasCap(info.cap) {
		return m.fail(ErrCapDenied, "%s requires %s", info.name, info.cap)
	}
	if m.sp < argc {
		return m.fail(ErrStackUnderflow, "")
	}

	args := make([]Value, argc)
	copy(args, m.stack[m.sp-argc:m.sp])
	m.sp -= argc

	out, verr := info.fn(m, args)
	if verr != nil {
		m.err = verr
		return ResultError
	}
	if err := m.rt.ChargeHeap(EstimateSize(out)); err != nil {
		return m.fail(ErrHeapExceeded, "%v", err)
	}
	if !m.push(out) {
		return ResultError
	}
	return ResultYield
}

func argString(info *builtinInfo, args []Value, i int) (string, *VMError) {
	if args[i].Kind() != KindString {
		return "", &VMError{Kind: ErrTypeMismatch, Msg: info.name + ": argument is " + args[i].Kind().String()}
	}
	return args[i].AsString(), nil
}

func sandboxOf(m *VM) (Sandbox, *VMError) {
	sb := m.rt.Sandbox()
	if sb == nil {
		return nil, &VMError{Kind: ErrNotImplemented, Msg: "no sandbox attached"}
	}
	return sb, nil
}

func builtinFileRead(m *VM, args []Value) (Value, *VMError) {
	path, verr := argString(&builtinTable[BuiltinFileRead], args, 0)
	if verr != nil {
		return Nil(), verr
	}
	sb, verr := sandboxOf(m)
	if verr != nil {
		return Nil(), verr
	}
	data, err := sb.FileRead(path)
	if err != nil {
		return ErrText(err.Error()), nil
	}
	return Ok(Str(string(data))), nil
}

func builtinFileWrite(m *VM, args []Value) (Value, *VMError) {
	info := &builtinTable[BuiltinFileWrite]
	path, verr := argString(info, args, 0)
	if verr != nil {
		return Nil(), verr
	}
	content, verr := argString(info, args, 1)
	if verr != nil {
		return Nil(), verr
	}
	sb, verr := sandboxOf(m)
	if verr != nil {
		return Nil(), verr
	}
	if err := sb.FileWrite(path, []byte(content)); err != nil {
		return ErrText(err.Error()), nil
	}
	return Ok(Nil()), nil
}

func builtinFileExists(m *VM, args []Value) (Value, *VMError) {
	path, verr := argString(&builtinTable[BuiltinFileExists], args, 0)
	if verr != nil {
		return Nil(), verr
	}
	sb, verr := sandboxOf(m)
	if verr != nil {
		return Nil(), verr
	}
	exists, err := sb.FileExists(path)
	if err != nil {
		return ErrText(err.Error()), nil
	}
	return Ok(Bool(exists)), nil
}

func builtinFileLines(m *VM, args []Value) (Value, *VMError) {
	path, verr := argString(&builtinTable[BuiltinFileLines], args, 0)
	if verr != nil {
		return Nil(), verr
	}
	sb, verr := sandboxOf(m)
	if verr != nil {
		return Nil(), verr
	}
	data, err := sb.FileRead(path)
	if err != nil {
		return ErrText(err.Error()), nil
	}
	text := strings.TrimSuffix(string(data), "\n")
	var items []Value
	if text != "" {
		for _, line := range strings.Split(text, "\n") {
			items = append(items, Str(line))
		}
	}
	return Ok(NewArray(items)), nil
}

func builtinFileWriteBytes(m *VM, args []Value) (Value, *VMError) {
	info := &builtinTable[BuiltinFileWriteBytes]
	path, verr := argString(info, args, 0)
	if verr != nil {
		return Nil(), verr
	}
	if args[1].Kind() != KindBytes {
		return Nil(), &VMError{Kind: ErrTypeMismatch, Msg: info.name + ": argument is " + args[1].Kind().String()}
	}
	sb, verr := sandboxOf(m)
	if verr != nil {
		return Nil(), verr
	}
	if err := sb.FileWrite(path, args[1].AsBytes()); err != nil {
		return ErrText(err.Error()), nil
	}
	return Ok(Nil()), nil
}

func builtinEnvGet(m *VM, args []Value) (Value, *VMError) {
	name, verr := argString(&builtinTable[BuiltinEnvGet], args, 0)
	if verr != nil {
		return Nil(), verr
	}
	sb, verr := sandboxOf(m)
	if verr != nil {
		return Nil(), verr
	}
	if v, ok := sb.EnvGet(name); ok {
		return Some(Str(v)), nil
	}
	return None(), nil
}

func builtinEnvSet(m *VM, args []Value) (Value, *VMError) {
	info := &builtinTable[BuiltinEnvSet]
	name, verr := argString(info, args, 0)
	if verr != nil {
		return Nil(), verr
	}
	value, verr := argString(info, args, 1)
	if verr != nil {
		return Nil(), verr
	}
	sb, verr := sandboxOf(m)
	if verr != nil {
		return Nil(), verr
	}
	if err := sb.EnvSet(name, value); err != nil {
		return ErrText(err.Error()), nil
	}
	return Ok(Nil()), nil
}

func shellResultValue(r ShellResult) Value {
	mv := NewMap()
	entries := mv.Map().Entries
	put := func(k string, v Value) {
		key, _ := Str(k).Key()
		entries[key] = v
	}
	put("stdout", Str(r.Stdout))
	put("stderr", Str(r.Stderr))
	put("exit_code", Int(int64(r.ExitCode)))
	return mv
}

func builtinShell(m *VM, args []Value) (Value, *VMError) {
	command, verr := argString(&builtinTable[BuiltinShell], args, 0)
	if verr != nil {
		return Nil(), verr
	}
	sb, verr := sandboxOf(m)
	if verr != nil {
		return Nil(), verr
	}
	res, err := sb.Shell(command)
	if err != nil {
		return ErrText(err.Error()), nil
	}
	return Ok(shellResultValue(res)), nil
}

func builtinExec(m *VM, args []Value) (Value, *VMError) {
	info := &builtinTable[BuiltinExec]
	name, verr := argString(info, args, 0)
	if verr != nil {
		return Nil(), verr
	}
	if args[1].Kind() != KindArray {
		return Nil(), &VMError{Kind: ErrTypeMismatch, Msg: info.name + ": argument is " + args[1].Kind().String()}
	}
	var argv []string
	for _, it := range args[1].Array().Items {
		if it.Kind() != KindString {
			return Nil(), &VMError{Kind: ErrTypeMismatch, Msg: info.name + ": argv element is " + it.Kind().String()}
		}
		argv = append(argv, it.AsString())
	}
	sb, verr := sandboxOf(m)
	if verr != nil {
		return Nil(), verr
	}
	res, err := sb.Exec(name, argv)
	if err != nil {
		return ErrText(err.Error()), nil
	}
	return Ok(shellResultValue(res)), nil
}

// jsonToValue maps the decoded encoding/json shapes onto the value algebra.
// JSON numbers become floats unless they round-trip exactly as integers.
func jsonToValue(x any) Value {
	switch t := x.(type) {
	case nil:
		return Nil()
	case bool:
		return Bool(t)
	case float64:
		if t == float64(int64(t)) {
			return Int(int64(t))
		}
		return Float(t)
	case string:
		return Str(t)
	case []any:
		items := make([]Value, len(t))
		for i, it := range t {
			items[i] = jsonToValue(it)
		}
		return NewArray(items)
	case map[string]any:
		mv := NewMap()
		entries := mv.Map().Entries
		for k, it := range t {
			key, _ := Str(k).Key()
			entries[key] = jsonToValue(it)
		}
		return mv
	}
	return Nil()
}

func valueToJSON(v Value) (any, bool) {
	switch v.Kind() {
	case KindNil:
		return nil, true
	case KindBool:
		return v.AsBool(), true
	case KindInt:
		return v.AsInt(), true
	case KindFloat:
		return v.AsFloat(), true
	case KindString:
		return v.AsString(), true
	case KindArray:
		items := v.Array().Items
		out := make([]any, len(items))
		for i, it := range items {
			x, ok := valueToJSON(it)
			if !ok {
				return nil, false
			}
			out[i] = x
		}
		return out, true
	case KindMap:
		out := make(map[string]any, len(v.Map().Entries))
		for k, mv := range v.Map().Entries {
			if k.Kind != KindString {
				return nil, false
			}
			x, ok := valueToJSON(mv)
			if !ok {
				return nil, false
			}
			out[k.Str] = x
		}
		return out, true
	}
	return nil, false
}

func builtinJSONParse(m *VM, args []Value) (Value, *VMError) {
	text, verr := argString(&builtinTable[BuiltinJSONParse], args, 0)
	if verr != nil {
		return Nil(), verr
	}
	var decoded any
	if err := json.Unmarshal([]byte(text), &decoded); err != nil {
		return ErrText(err.Error()), nil
	}
	return Ok(jsonToValue(decoded)), nil
}

func builtinJSONEncode(m *VM, args []Value) (Value, *VMError) {
	x, ok := valueToJSON(args[0])
	if !ok {
		return ErrText("value is not json encodable"), nil
	}
	raw, err := json.Marshal(x)
	if err != nil {
		return ErrText(err.Error()), nil
	}
	return Ok(Str(string(raw))), nil
}

func builtinB64Encode(m *VM, args []Value) (Value, *VMError) {
	var raw []byte
	switch args[0].Kind() {
	case KindString:
		raw = []byte(args[0].AsString())
	case KindBytes:
		raw = args[0].AsBytes()
	default:
		return Nil(), &VMError{Kind: ErrTypeMismatch, Msg: "b64_encode: argument is " + args[0].Kind().String()}
	}
	return Str(base64.StdEncoding.EncodeToString(raw)), nil
}

func builtinB64Decode(m *VM, args []Value) (Value, *VMError) {
	text, verr := argString(&builtinTable[BuiltinB64Decode], args, 0)
	if verr != nil {
		return Nil(), verr
	}
	raw, err := base64.StdEncoding.DecodeString(text)
	if err != nil {
		return ErrText(err.Error()), nil
	}
	return Ok(Bytes(raw)), nil
}

func builtinTimeMS(m *VM, args []Value) (Value, *VMError) {
	return Int(lib.NowMS()), nil
}

func builtinUUID(m *VM, args []Value) (Value, *VMError) {
	s := lib.RandomString(32)
	return Str(s[0:8] + "-" + s[8:12] + "-" + s[12:16] + "-" + s[16:20] + "-" + s[20:32]), nil
}
