package sched

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/agem-lang/agem/gen"
	"github.com/agem-lang/agem/lib"
	"github.com/agem-lang/agem/lib/osdep"
	"github.com/agem-lang/agem/vm"
)

const (
	// checkpoint file layout: magic, version, timestamp, checkpoint id,
	// original pid, name, globals, link set, parent, capabilities, counters,
	// mailbox count, crc32 trailer. All integers little-endian. Version 1
	// records the mailbox depth only, not the queued payloads.
	checkpointMagic   uint32 = 0x41474D43
	checkpointVersion uint32 = 1

	checkpointSuffix = ".agmc"
)

// checkpointSnapshot is the decoded form of one checkpoint file. Only the
// serializable subset of a block survives: identity, topology (links and
// parent), capabilities, counters and globals. Stack and frames do not; a
// restored block restarts its code from the beginning.
type checkpointSnapshot struct {
	PID         gen.PID
	TimestampMS int64
	ID          uint64
	Name        string
	Links       []gen.PID
	Parent      gen.PID
	Caps        gen.Cap
	Counters    gen.Counters
	Globals     map[string]vm.Value
	MailboxLen  int
}

// CheckpointManager writes block snapshots to the storage directory, prunes
// old ones past the retention bound and watches the directory for files
// arriving from outside (an operator dropping in a snapshot to restore).
type CheckpointManager struct {
	opts gen.CheckpointOptions
	sch  *Scheduler
	seq  uint64

	mu      sync.Mutex
	watcher *fsnotify.Watcher
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

func newCheckpointManager(s *Scheduler, opts gen.CheckpointOptions) (*CheckpointManager, error) {
	if opts.StoragePath == "" {
		return nil, fmt.Errorf("%w: checkpoint storage path is empty", gen.ErrIncorrect)
	}
	if err := os.MkdirAll(opts.StoragePath, 0755); err != nil {
		return nil, err
	}
	return &CheckpointManager{
		opts:   opts,
		sch:    s,
		stopCh: make(chan struct{}),
	}, nil
}

func (c *CheckpointManager) start() {
	if watcher, err := fsnotify.NewWatcher(); err == nil {
		if err := watcher.Add(c.opts.StoragePath); err == nil {
			c.watcher = watcher
			c.wg.Add(1)
			go c.watchLoop()
		} else {
			watcher.Close()
			c.sch.log.Warning("checkpoint watcher: %s", err)
		}
	}
	if c.opts.IntervalMS > 0 {
		c.wg.Add(1)
		go c.intervalLoop()
	}
}

func (c *CheckpointManager) stop() {
	close(c.stopCh)
	c.wg.Wait()
	if c.watcher != nil {
		c.watcher.Close()
	}
}

func (c *CheckpointManager) watchLoop() {
	defer c.wg.Done()
	for {
		select {
		case ev, ok := <-c.watcher.Events:
			if !ok {
				return
			}
			if ev.Op.Has(fsnotify.Create) && strings.HasSuffix(ev.Name, checkpointSuffix) {
				c.sch.log.Debug("checkpoint file appeared: %s", ev.Name)
			}
		case err, ok := <-c.watcher.Errors:
			if !ok {
				return
			}
			c.sch.log.Warning("checkpoint watcher: %s", err)
		case <-c.stopCh:
			return
		}
	}
}

func (c *CheckpointManager) intervalLoop() {
	defer c.wg.Done()
	ticker := time.NewTicker(time.Duration(c.opts.IntervalMS) * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.sch.blocks.walk(func(b *Block) {
				if err := c.snapshotBlock(b); err != nil {
					c.sch.log.Warning("periodic checkpoint of %s failed: %s", b.pid, err)
				}
			})
		case <-c.stopCh:
			return
		}
	}
}

// snapshotBlock encodes and persists one block. The file is written to a
// temp name, synced and renamed so a crash never leaves a torn checkpoint
// behind.
func (c *CheckpointManager) snapshotBlock(b *Block) (err error) {
	buf := lib.TakeBuffer()
	defer lib.ReleaseBuffer(buf)

	id := atomic.AddUint64(&c.seq, 1)
	if err = encodeCheckpoint(b, id, buf); err != nil {
		return err
	}

	name := fmt.Sprintf("%d-%d%s", uint64(b.pid), lib.NowMS(), checkpointSuffix)
	final := filepath.Join(c.opts.StoragePath, name)
	tmp := final + ".tmp"

	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	if err = buf.WriteDataTo(f); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err = osdep.FileSync(f); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err = f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	if err = os.Rename(tmp, final); err != nil {
		os.Remove(tmp)
		return err
	}

	c.prune(uint64(b.pid))
	c.sch.log.Trace("checkpointed %s -> %s", b.pid, final)
	return nil
}

// prune enforces the retention bound for one block's snapshots, newest kept.
func (c *CheckpointManager) prune(pid uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	pattern := filepath.Join(c.opts.StoragePath, fmt.Sprintf("%d-*%s", pid, checkpointSuffix))
	files, err := filepath.Glob(pattern)
	if err != nil || len(files) <= c.opts.MaxCheckpoints {
		return
	}
	// the timestamp is zero-padded by wall time scale, lexicographic order
	// is chronological enough within one run
	sort.Strings(files)
	for _, old := range files[:len(files)-c.opts.MaxCheckpoints] {
		os.Remove(old)
	}
}

//
// wire format
//

func encodeCheckpoint(b *Block, id uint64, buf *lib.Buffer) error {
	binary.LittleEndian.PutUint32(buf.Extend(4), checkpointMagic)
	binary.LittleEndian.PutUint32(buf.Extend(4), checkpointVersion)
	binary.LittleEndian.PutUint64(buf.Extend(8), uint64(lib.NowMS()))
	binary.LittleEndian.PutUint64(buf.Extend(8), id)
	binary.LittleEndian.PutUint64(buf.Extend(8), uint64(b.pid))

	binary.LittleEndian.PutUint32(buf.Extend(4), uint32(len(b.name)))
	buf.AppendString(b.name)

	// globals region, length-prefixed as one blob: entry count, then
	// name/value pairs. Only the serializable subset survives.
	type global struct {
		name  string
		value vm.Value
	}
	var globals []global
	for name, v := range b.fiber.Globals() {
		probe := lib.TakeBuffer()
		err := vm.Encode(v, probe)
		lib.ReleaseBuffer(probe)
		if err != nil {
			continue
		}
		globals = append(globals, global{name: name, value: v})
	}
	sort.Slice(globals, func(i, j int) bool { return globals[i].name < globals[j].name })
	gbuf := lib.TakeBuffer()
	defer lib.ReleaseBuffer(gbuf)
	binary.LittleEndian.PutUint32(gbuf.Extend(4), uint32(len(globals)))
	for _, g := range globals {
		binary.LittleEndian.PutUint16(gbuf.Extend(2), uint16(len(g.name)))
		gbuf.AppendString(g.name)
		if err := vm.Encode(g.value, gbuf); err != nil {
			return err
		}
	}
	binary.LittleEndian.PutUint32(buf.Extend(4), uint32(gbuf.Len()))
	buf.Append(gbuf.B)

	b.mu.Lock()
	links := sortedPIDs(b.links)
	b.mu.Unlock()
	binary.LittleEndian.PutUint32(buf.Extend(4), uint32(len(links)))
	for _, pid := range links {
		binary.LittleEndian.PutUint64(buf.Extend(8), uint64(pid))
	}
	binary.LittleEndian.PutUint64(buf.Extend(8), uint64(b.parent))
	binary.LittleEndian.PutUint32(buf.Extend(4), uint32(b.caps))

	binary.LittleEndian.PutUint64(buf.Extend(8), b.counters.Reductions)
	binary.LittleEndian.PutUint64(buf.Extend(8), b.counters.MessagesSent)
	binary.LittleEndian.PutUint64(buf.Extend(8), b.counters.MessagesReceived)

	// the queue depth only; payloads stay out of the file in version 1
	binary.LittleEndian.PutUint32(buf.Extend(4), uint32(b.mailbox.len()))

	sum := crc32.ChecksumIEEE(buf.B[:buf.Len()])
	binary.LittleEndian.PutUint32(buf.Extend(4), sum)
	return nil
}

func decodeCheckpoint(data []byte) (*checkpointSnapshot, error) {
	if len(data) < 4+4+4 {
		return nil, gen.ErrCheckpointCorrupt
	}
	if binary.LittleEndian.Uint32(data) != checkpointMagic {
		return nil, gen.ErrCheckpointMagic
	}
	// higher versions may extend the tail; refuse them
	if v := binary.LittleEndian.Uint32(data[4:]); v == 0 || v > checkpointVersion {
		return nil, fmt.Errorf("%w: %d", gen.ErrCheckpointVersion, v)
	}
	body := data[:len(data)-4]
	sum := binary.LittleEndian.Uint32(data[len(data)-4:])
	if crc32.ChecksumIEEE(body) != sum {
		return nil, gen.ErrCheckpointCorrupt
	}

	snap := &checkpointSnapshot{Globals: make(map[string]vm.Value)}
	pos := 8

	need := func(n int) error {
		if pos+n > len(body) {
			return gen.ErrCheckpointCorrupt
		}
		return nil
	}

	if err := need(24); err != nil {
		return nil, err
	}
	snap.TimestampMS = int64(binary.LittleEndian.Uint64(body[pos:]))
	snap.ID = binary.LittleEndian.Uint64(body[pos+8:])
	snap.PID = gen.PID(binary.LittleEndian.Uint64(body[pos+16:]))
	pos += 24

	if err := need(4); err != nil {
		return nil, err
	}
	nameLen := int(binary.LittleEndian.Uint32(body[pos:]))
	pos += 4
	if err := need(nameLen); err != nil {
		return nil, err
	}
	snap.Name = string(body[pos : pos+nameLen])
	pos += nameLen

	if err := need(4); err != nil {
		return nil, err
	}
	globalsLen := int(binary.LittleEndian.Uint32(body[pos:]))
	pos += 4
	if err := need(globalsLen); err != nil {
		return nil, err
	}
	gbody := body[pos : pos+globalsLen]
	pos += globalsLen
	if len(gbody) < 4 {
		return nil, gen.ErrCheckpointCorrupt
	}
	globalCount := int(binary.LittleEndian.Uint32(gbody))
	gpos := 4
	for i := 0; i < globalCount; i++ {
		if gpos+2 > len(gbody) {
			return nil, gen.ErrCheckpointCorrupt
		}
		n := int(binary.LittleEndian.Uint16(gbody[gpos:]))
		gpos += 2
		if gpos+n > len(gbody) {
			return nil, gen.ErrCheckpointCorrupt
		}
		name := string(gbody[gpos : gpos+n])
		gpos += n
		v, consumed, err := vm.Decode(gbody[gpos:])
		if err != nil {
			return nil, fmt.Errorf("%w: global %q: %s", gen.ErrCheckpointCorrupt, name, err)
		}
		gpos += consumed
		snap.Globals[name] = v
	}

	if err := need(4); err != nil {
		return nil, err
	}
	linkCount := int(binary.LittleEndian.Uint32(body[pos:]))
	pos += 4
	if err := need(8 * linkCount); err != nil {
		return nil, err
	}
	for i := 0; i < linkCount; i++ {
		snap.Links = append(snap.Links, gen.PID(binary.LittleEndian.Uint64(body[pos:])))
		pos += 8
	}

	if err := need(8 + 4 + 3*8 + 4); err != nil {
		return nil, err
	}
	snap.Parent = gen.PID(binary.LittleEndian.Uint64(body[pos:]))
	pos += 8
	snap.Caps = gen.Cap(binary.LittleEndian.Uint32(body[pos:]))
	pos += 4
	snap.Counters.Reductions = binary.LittleEndian.Uint64(body[pos:])
	snap.Counters.MessagesSent = binary.LittleEndian.Uint64(body[pos+8:])
	snap.Counters.MessagesReceived = binary.LittleEndian.Uint64(body[pos+16:])
	pos += 24
	snap.MailboxLen = int(binary.LittleEndian.Uint32(body[pos:]))

	return snap, nil
}

//
// scheduler surface
//

// Checkpoint persists a snapshot of one block now. Requires checkpointing to
// be enabled in the scheduler options.
func (s *Scheduler) Checkpoint(pid gen.PID) error {
	if s.ckpt == nil {
		return gen.ErrUnsupported
	}
	b, found := s.blocks.lookup(pid)
	if !found {
		return gen.ErrBlockUnknown
	}
	return s.ckpt.snapshotBlock(b)
}

// RestoreCheckpoint spawns a fresh block out of a checkpoint file: same
// name, capabilities, counters and globals, links and parent reattached.
// The new block gets a new PID, is registered waiting (the next message
// wakes it) and starts the unit's main chunk from the beginning. Queued
// messages are not recovered, version 1 records the queue depth only.
func (s *Scheduler) RestoreCheckpoint(path string, code *vm.Bytecode) (gen.PID, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return gen.InvalidPID, err
	}
	snap, err := decodeCheckpoint(data)
	if err != nil {
		return gen.InvalidPID, err
	}
	if err := code.CheckCompilerVersion(SupportedCompilerVersions); err != nil {
		return gen.InvalidPID, err
	}

	pid, err := s.spawn(spawnRequest{
		code:    code.Retain(),
		name:    snap.Name,
		parent:  snap.Parent,
		caps:    snap.Caps,
		waiting: true,
	})
	if err != nil {
		return gen.InvalidPID, err
	}

	b, found := s.blocks.lookup(pid)
	if !found {
		return gen.InvalidPID, gen.ErrBlockUnknown
	}
	b.counters = snap.Counters
	for name, v := range snap.Globals {
		b.fiber.SetGlobal(name, v)
	}
	for _, peer := range snap.Links {
		if err := b.Link(peer); err != nil {
			s.log.Warning("restore of %s: linked peer %s is gone, link dropped", snap.PID, peer)
		}
	}
	s.log.Info("restored %s from %s as %s", snap.PID, filepath.Base(path), pid)
	return pid, nil
}
