package sched

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agem-lang/agem/gen"
	"github.com/agem-lang/agem/lib"
	"github.com/agem-lang/agem/vm"
)

func checkpointScheduler(t *testing.T) (*Scheduler, string) {
	t.Helper()
	dir := t.TempDir()
	s := testScheduler(t, gen.SchedulerOptions{
		Checkpoint: gen.CheckpointOptions{
			Enabled:     true,
			StoragePath: dir,
		},
	})
	return s, dir
}

func checkpointFiles(t *testing.T, dir string, pid gen.PID) []string {
	t.Helper()
	pattern := filepath.Join(dir, fmt.Sprintf("%d-*%s", uint64(pid), checkpointSuffix))
	files, err := filepath.Glob(pattern)
	require.NoError(t, err)
	return files
}

// stateUnit defines a global and then waits, so the snapshot catches both the
// global table and a queued message.
func stateUnit() *vm.Bytecode {
	unit := newUnit()
	c := unit.Main
	c.EmitConst(vm.Int(7), 1)
	defineGlobal(c, "g", 1)
	c.WriteOp(vm.OpReceive, 2)
	return unit
}

func TestCheckpointRoundTrip(t *testing.T) {
	s, dir := checkpointScheduler(t)

	pid, err := s.Spawn(stateUnit(), SpawnOptions{Name: "stateful"})
	require.NoError(t, err)
	s.RunUntilIdle()

	// queue a message without letting the block consume it
	require.NoError(t, s.Send(pid, vm.Str("pending")))
	require.NoError(t, s.Checkpoint(pid))

	files := checkpointFiles(t, dir, pid)
	require.Len(t, files, 1)

	restored, err := s.RestoreCheckpoint(files[0], stateUnit())
	require.NoError(t, err)
	require.NotEqual(t, pid, restored, "a restore allocates a fresh pid")

	b := lookupBlock(t, s, restored)
	assert.Equal(t, int64(7), globalInt(t, b, "g"))
	info, err := s.Info(restored)
	require.NoError(t, err)
	assert.Equal(t, "stateful", info.Name)
	assert.Equal(t, gen.BlockStateWaiting, info.State, "a restored block parks until spoken to")
	assert.Equal(t, int64(0), info.MailboxLen, "version 1 keeps the queue depth only")

	// the first message wakes it and runs the unit from the top
	require.NoError(t, s.Send(restored, vm.Str("hello")))
	s.RunUntilIdle()
	require.NotNil(t, b.exitReason)
	assert.Equal(t, gen.ExitNormal, b.exitReason.Class)
	assert.Equal(t, uint64(1), b.counters.MessagesReceived)
}

func TestCheckpointHeader(t *testing.T) {
	s, dir := checkpointScheduler(t)

	pid, err := s.Spawn(stateUnit(), SpawnOptions{})
	require.NoError(t, err)
	s.RunUntilIdle()
	require.NoError(t, s.Checkpoint(pid))

	files := checkpointFiles(t, dir, pid)
	require.Len(t, files, 1)
	data, err := os.ReadFile(files[0])
	require.NoError(t, err)

	require.GreaterOrEqual(t, len(data), 32)
	assert.Equal(t, uint32(0x41474D43), binary.LittleEndian.Uint32(data))
	assert.Equal(t, uint32(1), binary.LittleEndian.Uint32(data[4:]))
	assert.NotZero(t, binary.LittleEndian.Uint64(data[8:]), "timestamp")
	assert.Equal(t, uint64(pid), binary.LittleEndian.Uint64(data[24:]))
}

func TestCheckpointRejectsBadMagic(t *testing.T) {
	s, dir := checkpointScheduler(t)

	path := filepath.Join(dir, "bogus.agmc")
	require.NoError(t, os.WriteFile(path, []byte("not a checkpoint file"), 0644))

	_, err := s.RestoreCheckpoint(path, stateUnit())
	assert.ErrorIs(t, err, gen.ErrCheckpointMagic)
}

func TestCheckpointRejectsCorruption(t *testing.T) {
	s, dir := checkpointScheduler(t)

	pid, err := s.Spawn(stateUnit(), SpawnOptions{})
	require.NoError(t, err)
	s.RunUntilIdle()
	require.NoError(t, s.Checkpoint(pid))

	files := checkpointFiles(t, dir, pid)
	require.Len(t, files, 1)
	data, err := os.ReadFile(files[0])
	require.NoError(t, err)

	// flip one payload byte, the crc trailer must catch it
	data[len(data)/2] ^= 0xff
	require.NoError(t, os.WriteFile(files[0], data, 0644))

	_, err = s.RestoreCheckpoint(files[0], stateUnit())
	assert.ErrorIs(t, err, gen.ErrCheckpointCorrupt)
}

func TestCheckpointRejectsUnknownVersion(t *testing.T) {
	s, dir := checkpointScheduler(t)

	pid, err := s.Spawn(stateUnit(), SpawnOptions{})
	require.NoError(t, err)
	s.RunUntilIdle()
	require.NoError(t, s.Checkpoint(pid))

	files := checkpointFiles(t, dir, pid)
	require.Len(t, files, 1)
	data, err := os.ReadFile(files[0])
	require.NoError(t, err)
	binary.LittleEndian.PutUint32(data[4:], 99)
	require.NoError(t, os.WriteFile(files[0], data, 0644))

	_, err = s.RestoreCheckpoint(files[0], stateUnit())
	assert.ErrorIs(t, err, gen.ErrCheckpointVersion)
}

func TestCheckpointDisabled(t *testing.T) {
	s := testScheduler(t, gen.SchedulerOptions{})
	pid, err := s.Spawn(stateUnit(), SpawnOptions{})
	require.NoError(t, err)
	assert.ErrorIs(t, s.Checkpoint(pid), gen.ErrUnsupported)
}

func TestCheckpointUnknownBlock(t *testing.T) {
	s, _ := checkpointScheduler(t)
	assert.ErrorIs(t, s.Checkpoint(gen.PID(777)), gen.ErrBlockUnknown)
}

func TestCheckpointRetentionPrunes(t *testing.T) {
	dir := t.TempDir()
	s := testScheduler(t, gen.SchedulerOptions{
		Checkpoint: gen.CheckpointOptions{
			Enabled:        true,
			StoragePath:    dir,
			MaxCheckpoints: 2,
		},
	})

	pid, err := s.Spawn(stateUnit(), SpawnOptions{})
	require.NoError(t, err)
	s.RunUntilIdle()

	for i := 0; i < 5; i++ {
		require.NoError(t, s.Checkpoint(pid))
	}
	files := checkpointFiles(t, dir, pid)
	assert.LessOrEqual(t, len(files), 2)
}

func TestCheckpointSkipsUnserializableGlobals(t *testing.T) {
	s, dir := checkpointScheduler(t)

	unit := newUnit()
	fn := &vm.Function{Name: "noop", Arity: 0, Chunk: vm.NewChunk()}
	fnIdx := unit.AddFunction(fn)

	c := unit.Main
	c.EmitConst(vm.Int(1), 1)
	defineGlobal(c, "plain", 1)
	c.WriteOp(vm.OpClosure, 1)
	c.WriteU16(uint16(fnIdx), 1)
	c.EmitByte(0, 1)
	defineGlobal(c, "fn", 1)
	c.WriteOp(vm.OpReceive, 2)

	pid, err := s.Spawn(unit, SpawnOptions{})
	require.NoError(t, err)
	s.RunUntilIdle()
	require.NoError(t, s.Checkpoint(pid))

	files := checkpointFiles(t, dir, pid)
	require.Len(t, files, 1)
	data, err := os.ReadFile(files[0])
	require.NoError(t, err)
	snap, err := decodeCheckpoint(data)
	require.NoError(t, err)

	assert.Contains(t, snap.Globals, "plain")
	assert.NotContains(t, snap.Globals, "fn", "closures are not serializable")
}

func TestCheckpointOnExit(t *testing.T) {
	dir := t.TempDir()
	s := testScheduler(t, gen.SchedulerOptions{
		Checkpoint: gen.CheckpointOptions{
			Enabled:          true,
			StoragePath:      dir,
			CheckpointOnExit: true,
		},
	})

	pid, err := s.Spawn(stateUnit(), SpawnOptions{})
	require.NoError(t, err)
	s.RunUntilIdle()

	require.NoError(t, s.Kill(pid))
	files := checkpointFiles(t, dir, pid)
	require.Len(t, files, 1)

	snap, err := decodeCheckpoint(readAll(t, files[0]))
	require.NoError(t, err)
	assert.Equal(t, pid, snap.PID)
	v, found := snap.Globals["g"]
	require.True(t, found)
	assert.Equal(t, int64(7), v.AsInt())
}

func readAll(t *testing.T, path string) []byte {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	return data
}

func TestEncodeDecodeSnapshotDirect(t *testing.T) {
	s, _ := checkpointScheduler(t)

	pid, err := s.Spawn(stateUnit(), SpawnOptions{Name: "direct"})
	require.NoError(t, err)
	b := lookupBlock(t, s, pid)
	s.RunUntilIdle()
	require.NoError(t, s.Send(pid, vm.Int(42)))

	buf := lib.TakeBuffer()
	defer lib.ReleaseBuffer(buf)
	require.NoError(t, encodeCheckpoint(b, 12, buf))

	snap, err := decodeCheckpoint(buf.B[:buf.Len()])
	require.NoError(t, err)
	assert.Equal(t, pid, snap.PID)
	assert.Equal(t, "direct", snap.Name)
	assert.Equal(t, b.caps, snap.Caps)
	assert.Equal(t, b.parent, snap.Parent)
	assert.Equal(t, uint64(12), snap.ID)
	assert.Positive(t, snap.TimestampMS)
	assert.Empty(t, snap.Links)
	assert.Equal(t, 1, snap.MailboxLen, "the queue depth rides along, payloads do not")
}

func TestCheckpointRestoreReattachesLinks(t *testing.T) {
	s, dir := checkpointScheduler(t)

	peerPID, err := s.Spawn(waitUnit(), SpawnOptions{Name: "peer"})
	require.NoError(t, err)
	pid, err := s.Spawn(stateUnit(), SpawnOptions{Name: "linked"})
	require.NoError(t, err)
	s.RunUntilIdle()

	b := lookupBlock(t, s, pid)
	require.NoError(t, b.Link(peerPID))
	require.NoError(t, s.Checkpoint(pid))

	files := checkpointFiles(t, dir, pid)
	require.Len(t, files, 1)
	restored, err := s.RestoreCheckpoint(files[0], stateUnit())
	require.NoError(t, err)

	rb := lookupBlock(t, s, restored)
	assert.Equal(t, gen.BlockStateWaiting, rb.blockState())
	rb.mu.Lock()
	_, linked := rb.links[peerPID]
	rb.mu.Unlock()
	assert.True(t, linked, "the snapshot's link set comes back")
	peer := lookupBlock(t, s, peerPID)
	peer.mu.Lock()
	_, back := peer.links[restored]
	peer.mu.Unlock()
	assert.True(t, back, "the peer points at the new pid")
}

func TestCheckpointRestorePreservesParent(t *testing.T) {
	s, dir := checkpointScheduler(t)

	unit := newUnit()
	child := &vm.Function{Name: "child", Arity: 0, Chunk: vm.NewChunk()}
	child.Chunk.WriteOp(vm.OpReceive, 1)
	childIdx := unit.AddFunction(child)
	c := unit.Main
	c.WriteOp(vm.OpClosure, 1)
	c.WriteU16(uint16(childIdx), 1)
	c.EmitByte(0, 1)
	c.WriteOp(vm.OpSpawn, 1)
	defineGlobal(c, "child", 1)
	c.WriteOp(vm.OpReceive, 2)

	pid, err := s.Spawn(unit, SpawnOptions{})
	require.NoError(t, err)
	parent := lookupBlock(t, s, pid)
	s.RunUntilIdle()
	childPID := parent.fiber.Globals()["child"].AsPID()

	require.NoError(t, s.Checkpoint(childPID))
	files := checkpointFiles(t, dir, childPID)
	require.Len(t, files, 1)

	restored, err := s.RestoreCheckpoint(files[0], unit)
	require.NoError(t, err)
	rb := lookupBlock(t, s, restored)
	assert.Equal(t, pid, rb.parent)
}
