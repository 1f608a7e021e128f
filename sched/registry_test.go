package sched

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agem-lang/agem/gen"
)

func TestRegistryPIDsAreMonotonic(t *testing.T) {
	r := newRegistry(0)
	a := r.allocatePID()
	b := r.allocatePID()
	assert.Greater(t, uint64(b), uint64(a))
	assert.NotEqual(t, gen.InvalidPID, a)
}

func TestRegistryRegisterLookup(t *testing.T) {
	r := newRegistry(0)
	blk := &Block{pid: r.allocatePID()}
	require.NoError(t, r.register(blk))
	assert.Equal(t, 1, r.len())

	got, found := r.lookup(blk.pid)
	require.True(t, found)
	assert.Same(t, blk, got)

	_, found = r.lookup(gen.PID(12345))
	assert.False(t, found)
}

func TestRegistryBound(t *testing.T) {
	r := newRegistry(2)
	require.NoError(t, r.register(&Block{pid: r.allocatePID()}))
	require.NoError(t, r.register(&Block{pid: r.allocatePID()}))
	assert.ErrorIs(t, r.register(&Block{pid: r.allocatePID()}), gen.ErrRegistryFull)

	// the failed attempt must not leak a slot
	assert.Equal(t, 2, r.len())
}

func TestRegistryUnregisterIdempotent(t *testing.T) {
	r := newRegistry(0)
	blk := &Block{pid: r.allocatePID()}
	require.NoError(t, r.register(blk))
	r.unregister(blk.pid)
	r.unregister(blk.pid)
	assert.Equal(t, 0, r.len())
}

func TestRegistryWalkAndList(t *testing.T) {
	r := newRegistry(0)
	want := make(map[gen.PID]bool)
	for i := 0; i < 40; i++ {
		blk := &Block{pid: r.allocatePID()}
		require.NoError(t, r.register(blk))
		want[blk.pid] = true
	}

	seen := 0
	r.walk(func(b *Block) {
		assert.True(t, want[b.pid])
		seen++
	})
	assert.Equal(t, len(want), seen)
	assert.Len(t, r.list(), len(want))
}

func TestGroupsMembership(t *testing.T) {
	g := newGroups()
	g.join("a", 1)
	g.join("a", 2)
	g.join("a", 2) // double join is a no-op
	g.join("b", 2)

	assert.Equal(t, []gen.PID{1, 2}, g.snapshot("a"))
	assert.Equal(t, []string{"a", "b"}, g.list())

	require.NoError(t, g.leave("a", 1))
	assert.ErrorIs(t, g.leave("a", 1), gen.ErrGroupUnknown)
	assert.ErrorIs(t, g.leave("nope", 1), gen.ErrGroupUnknown)

	g.leaveAll(2)
	assert.Empty(t, g.snapshot("a"))
	assert.Empty(t, g.list(), "empty groups are deleted")
}

func TestMailboxDropOldEvicts(t *testing.T) {
	mb := newMailbox(gen.NormalizeLimits(gen.Limits{
		MaxMailboxSize: 2,
		Overflow:       gen.OverflowDropOld,
	}))

	push := func(n int64) gen.PushResult {
		m := gen.TakeMessage()
		m.Value = n
		m.Size = 1
		return mb.push(m)
	}

	require.Equal(t, gen.PushOk, push(1))
	require.Equal(t, gen.PushOk, push(2))
	require.Equal(t, gen.PushOk, push(3))
	assert.Equal(t, int64(2), mb.len())

	m, ok := mb.pop()
	require.True(t, ok)
	assert.Equal(t, int64(2), m.Value, "the oldest entry was evicted")
}

func TestMailboxDropOldDegradesUnderConsumerLock(t *testing.T) {
	mb := newMailbox(gen.NormalizeLimits(gen.Limits{
		MaxMailboxSize: 1,
		Overflow:       gen.OverflowDropOld,
	}))
	m := gen.TakeMessage()
	m.Size = 1
	require.Equal(t, gen.PushOk, mb.push(m))

	// while the consumer holds the exclusion flag, eviction is refused
	require.True(t, mb.queue.Lock())
	m2 := gen.TakeMessage()
	m2.Size = 1
	assert.Equal(t, gen.PushFull, mb.push(m2))
	mb.queue.Unlock()
}

func TestMailboxDrain(t *testing.T) {
	mb := newMailbox(gen.NormalizeLimits(gen.Limits{}))
	for i := 0; i < 5; i++ {
		m := gen.TakeMessage()
		m.Size = 1
		require.Equal(t, gen.PushOk, mb.push(m))
	}
	assert.Equal(t, 5, mb.drain())
	assert.Equal(t, int64(0), mb.len())
}

func TestMailboxByteBudget(t *testing.T) {
	mb := newMailbox(gen.NormalizeLimits(gen.Limits{
		MaxMailboxSize:  -1,
		MaxMailboxBytes: 100,
		Overflow:        gen.OverflowDropNew,
	}))

	big := gen.TakeMessage()
	big.Size = 90
	require.Equal(t, gen.PushOk, mb.push(big))

	over := gen.TakeMessage()
	over.Size = 20
	assert.Equal(t, gen.PushFull, mb.push(over))
	assert.Equal(t, int64(90), mb.bytes())
}
