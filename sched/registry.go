package sched

import (
	"sync"
	"sync/atomic"

	"github.com/agem-lang/agem/gen"
)

// registryShards must be a power of two so lookups can mask instead of mod.
const registryShards = 16

type registryShard struct {
	sync.RWMutex
	blocks map[gen.PID]*Block
}

// registry is the sharded PID table. PIDs come from a monotonic counter and
// are never reused, so a lookup hitting an empty slot means the block is
// unknown or already reaped.
type registry struct {
	shards  [registryShards]registryShard
	nextPID uint64
	count   int64
	max     int
}

func newRegistry(maxBlocks int) *registry {
	r := &registry{max: maxBlocks}
	for i := range r.shards {
		r.shards[i].blocks = make(map[gen.PID]*Block)
	}
	return r
}

func (r *registry) shard(pid gen.PID) *registryShard {
	return &r.shards[uint64(pid)&(registryShards-1)]
}

// allocatePID reserves the next PID without registering anything yet.
func (r *registry) allocatePID() gen.PID {
	return gen.PID(atomic.AddUint64(&r.nextPID, 1))
}

// register inserts a block. Fails when the registry population is at the
// configured bound.
func (r *registry) register(b *Block) error {
	if r.max > 0 && atomic.AddInt64(&r.count, 1) > int64(r.max) {
		atomic.AddInt64(&r.count, -1)
		return gen.ErrRegistryFull
	}
	if r.max <= 0 {
		atomic.AddInt64(&r.count, 1)
	}
	sh := r.shard(b.pid)
	sh.Lock()
	sh.blocks[b.pid] = b
	sh.Unlock()
	return nil
}

// unregister removes a reaped block. Safe to call twice.
func (r *registry) unregister(pid gen.PID) {
	sh := r.shard(pid)
	sh.Lock()
	_, found := sh.blocks[pid]
	delete(sh.blocks, pid)
	sh.Unlock()
	if found {
		atomic.AddInt64(&r.count, -1)
	}
}

func (r *registry) lookup(pid gen.PID) (*Block, bool) {
	sh := r.shard(pid)
	sh.RLock()
	b, found := sh.blocks[pid]
	sh.RUnlock()
	return b, found
}

func (r *registry) len() int {
	return int(atomic.LoadInt64(&r.count))
}

// list snapshots the registered PIDs, unordered.
func (r *registry) list() []gen.PID {
	pids := make([]gen.PID, 0, r.len())
	for i := range r.shards {
		sh := &r.shards[i]
		sh.RLock()
		for pid := range sh.blocks {
			pids = append(pids, pid)
		}
		sh.RUnlock()
	}
	return pids
}

// walk calls f for every registered block. f must not call back into the
// registry for the same shard.
func (r *registry) walk(f func(*Block)) {
	for i := range r.shards {
		sh := &r.shards[i]
		sh.RLock()
		blocks := make([]*Block, 0, len(sh.blocks))
		for _, b := range sh.blocks {
			blocks = append(blocks, b)
		}
		sh.RUnlock()
		for _, b := range blocks {
			f(b)
		}
	}
}
