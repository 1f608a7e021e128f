package gen

import "strings"

// Cap is a bitmask of block capabilities. Every privileged opcode checks the
// executing block's grant set; a denied check crashes the block.
type Cap uint32

const (
	CapSpawn Cap = 1 << iota
	CapSend
	CapReceive
	CapLink
	CapMonitor
	CapSupervise
	CapTrapExit
	CapInfer
	CapMemory
	CapEnv
	CapShell
	CapExec
	CapFileRead
	CapFileWrite
)

// CapDefault is the grant set of a block spawned without explicit caps.
const CapDefault = CapSpawn | CapSend | CapReceive | CapLink | CapMonitor | CapSupervise

// CapAll grants everything, including the effectful IO caps.
const CapAll = CapSpawn | CapSend | CapReceive | CapLink | CapMonitor |
	CapSupervise | CapTrapExit | CapInfer | CapMemory | CapEnv | CapShell |
	CapExec | CapFileRead | CapFileWrite

// ChildCaps returns the grant set a spawned child inherits: the parent set
// minus CapSpawn, to blunt fork bombs.
func ChildCaps(parent Cap) Cap {
	return parent &^ CapSpawn
}

// Has reports whether every capability in want is granted.
func (c Cap) Has(want Cap) bool {
	return c&want == want
}

var capNames = []struct {
	cap  Cap
	name string
}{
	{CapSpawn, "spawn"},
	{CapSend, "send"},
	{CapReceive, "receive"},
	{CapLink, "link"},
	{CapMonitor, "monitor"},
	{CapSupervise, "supervise"},
	{CapTrapExit, "trap_exit"},
	{CapInfer, "infer"},
	{CapMemory, "memory"},
	{CapEnv, "env"},
	{CapShell, "shell"},
	{CapExec, "exec"},
	{CapFileRead, "file_read"},
	{CapFileWrite, "file_write"},
}

func (c Cap) String() string {
	if c == 0 {
		return "none"
	}
	names := []string{}
	for _, cn := range capNames {
		if c&cn.cap != 0 {
			names = append(names, cn.name)
		}
	}
	return strings.Join(names, ",")
}

// ParseCap resolves a single capability name. Returns 0 for unknown names.
func ParseCap(name string) Cap {
	for _, cn := range capNames {
		if cn.name == name {
			return cn.cap
		}
	}
	return 0
}
