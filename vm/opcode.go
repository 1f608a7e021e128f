package vm

// Opcode is a single instruction byte. Operand widths are fixed per opcode:
// none, one byte, a big-endian u16, or the compound layouts noted below.
type Opcode byte

const (
	// stack / constants
	OpConst Opcode = iota // u16 constant index
	OpNil
	OpTrue
	OpFalse
	OpPop
	OpDup
	OpSwap

	// arithmetic / comparison
	OpAdd
	OpSub
	OpMul
	OpDiv
	OpMod
	OpNeg
	OpNot
	OpEqual
	OpNotEqual
	OpLess
	OpLessEq
	OpGreater
	OpGreaterEq

	// control flow; jump operands are unsigned u16 offsets relative to the
	// instruction after the operand
	OpJump        // u16 forward
	OpJumpIfFalse // u16 forward, pops condition
	OpJumpIfTrue  // u16 forward, pops condition
	OpLoop        // u16 backward

	// variables
	OpGetLocal     // u16 slot
	OpSetLocal     // u16 slot
	OpDefineGlobal // u16 name constant
	OpGetGlobal    // u16 name constant
	OpSetGlobal    // u16 name constant

	// calls and closures
	OpCall    // u8 argc
	OpReturn
	OpClosure    // u16 function index, u8 upvalue count, then per-upvalue (u8 isLocal, u8 index)
	OpGetUpvalue // u8 slot
	OpSetUpvalue // u8 slot
	OpCloseUpvalue

	// collections
	OpArray    // u16 element count
	OpMap      // u16 pair count
	OpIndex
	OpSetIndex
	OpAppend
	OpLen
	OpGetField // u16 name constant, u16 inline-cache slot
	OpSetField // u16 name constant

	// result / option
	OpOk
	OpErr
	OpSome
	OpNone
	OpIsOk
	OpIsErr
	OpIsSome
	OpUnwrap
	OpUnwrapOr

	// process ops (capability gated)
	OpSelf
	OpSend
	OpReceive
	OpReceiveTimeout
	OpReceiveMatch
	OpSpawn
	OpYield
	OpLink
	OpUnlink
	OpMonitor
	OpDemonitor
	OpHalt

	// supervisor ops
	OpSupStart       // u8 strategy
	OpSupAddChild    // u8 restart kind; stack: name, fn
	OpSupRemoveChild // stack: name
	OpSupChildren
	OpSupShutdown

	// group ops
	OpGroupJoin
	OpGroupLeave
	OpGroupSend
	OpGroupSendOthers
	OpGroupMembers
	OpGroupList

	// effectful builtins (sandbox mediated)
	OpBuiltin // u16 builtin id, u8 argc

	opCount
)

type opInfo struct {
	name string
	// operand bytes following the opcode; -1 marks a variable (compound)
	// encoding handled explicitly by the interpreter and disassembler
	width int
}

var opTable = [opCount]opInfo{
	OpConst:           {"CONST", 2},
	OpNil:             {"NIL", 0},
	OpTrue:            {"TRUE", 0},
	OpFalse:           {"FALSE", 0},
	OpPop:             {"POP", 0},
	OpDup:             {"DUP", 0},
	OpSwap:            {"SWAP", 0},
	OpAdd:             {"ADD", 0},
	OpSub:             {"SUB", 0},
	OpMul:             {"MUL", 0},
	OpDiv:             {"DIV", 0},
	OpMod:             {"MOD", 0},
	OpNeg:             {"NEG", 0},
	OpNot:             {"NOT", 0},
	OpEqual:           {"EQ", 0},
	OpNotEqual:        {"NEQ", 0},
	OpLess:            {"LT", 0},
	OpLessEq:          {"LE", 0},
	OpGreater:         {"GT", 0},
	OpGreaterEq:       {"GE", 0},
	OpJump:            {"JUMP", 2},
	OpJumpIfFalse:     {"JUMP_IF_FALSE", 2},
	OpJumpIfTrue:      {"JUMP_IF_TRUE", 2},
	OpLoop:            {"LOOP", 2},
	OpGetLocal:        {"GET_LOCAL", 2},
	OpSetLocal:        {"SET_LOCAL", 2},
	OpDefineGlobal:    {"DEF_GLOBAL", 2},
	OpGetGlobal:       {"GET_GLOBAL", 2},
	OpSetGlobal:       {"SET_GLOBAL", 2},
	OpCall:            {"CALL", 1},
	OpReturn:          {"RETURN", 0},
	OpClosure:         {"CLOSURE", -1},
	OpGetUpvalue:      {"GET_UPVALUE", 1},
	OpSetUpvalue:      {"SET_UPVALUE", 1},
	OpCloseUpvalue:    {"CLOSE_UPVALUE", 0},
	OpArray:           {"ARRAY", 2},
	OpMap:             {"MAP", 2},
	OpIndex:           {"INDEX", 0},
	OpSetIndex:        {"SET_INDEX", 0},
	OpAppend:          {"APPEND", 0},
	OpLen:             {"LEN", 0},
	OpGetField:        {"GET_FIELD", 4},
	OpSetField:        {"SET_FIELD", 2},
	OpOk:              {"OK", 0},
	OpErr:             {"ERR", 0},
	OpSome:            {"SOME", 0},
	OpNone:            {"NONE", 0},
	OpIsOk:            {"IS_OK", 0},
	OpIsErr:           {"IS_ERR", 0},
	OpIsSome:          {"IS_SOME", 0},
	OpUnwrap:          {"UNWRAP", 0},
	OpUnwrapOr:        {"UNWRAP_OR", 0},
	OpSelf:            {"SELF", 0},
	OpSend:            {"SEND", 0},
	OpReceive:         {"RECEIVE", 0},
	OpReceiveTimeout:  {"RECEIVE_TIMEOUT", 0},
	OpReceiveMatch:    {"RECEIVE_MATCH", 0},
	OpSpawn:           {"SPAWN", 0},
	OpYield:           {"YIELD", 0},
	OpLink:            {"LINK", 0},
	OpUnlink:          {"UNLINK", 0},
	OpMonitor:         {"MONITOR", 0},
	OpDemonitor:       {"DEMONITOR", 0},
	OpHalt:            {"HALT", 0},
	OpSupStart:        {"SUP_START", 1},
	OpSupAddChild:     {"SUP_ADD_CHILD", 1},
	OpSupRemoveChild:  {"SUP_REMOVE_CHILD", 0},
	OpSupChildren:     {"SUP_CHILDREN", 0},
	OpSupShutdown:     {"SUP_SHUTDOWN", 0},
	OpGroupJoin:       {"GROUP_JOIN", 0},
	OpGroupLeave:      {"GROUP_LEAVE", 0},
	OpGroupSend:       {"GROUP_SEND", 0},
	OpGroupSendOthers: {"GROUP_SEND_OTHERS", 0},
	OpGroupMembers:    {"GROUP_MEMBERS", 0},
	OpGroupList:       {"GROUP_LIST", 0},
	OpBuiltin:         {"BUILTIN", 3},
}

func (op Opcode) String() string {
	if op >= opCount {
		return "INVALID"
	}
	return opTable[op].name
}

// OperandWidth returns the fixed operand byte count, or -1 for compound
// encodings (OpClosure).
func (op Opcode) OperandWidth() int {
	if op >= opCount {
		return 0
	}
	return opTable[op].width
}
