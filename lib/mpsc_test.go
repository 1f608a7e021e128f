package lib

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueueMPSCOrder(t *testing.T) {
	q := NewQueueMPSC()
	for i := 0; i < 10; i++ {
		require.True(t, q.Push(i, 1))
	}
	assert.Equal(t, int64(10), q.Len())
	assert.Equal(t, int64(10), q.Bytes())

	for i := 0; i < 10; i++ {
		v, ok := q.Pop()
		require.True(t, ok)
		assert.Equal(t, i, v)
	}
	_, ok := q.Pop()
	assert.False(t, ok)
	assert.Equal(t, int64(0), q.Len())
}

func TestQueueLimitMPSC(t *testing.T) {
	q := NewQueueLimitMPSC(3, 0)
	assert.Equal(t, int64(3), q.Size())
	require.True(t, q.Push("a", 1))
	require.True(t, q.Push("b", 1))
	require.True(t, q.Push("c", 1))
	assert.False(t, q.Push("d", 1), "push beyond the bound must refuse")

	q.Pop()
	assert.True(t, q.Push("d", 1), "a pop frees a slot")
}

func TestQueueLimitMPSCByteBudget(t *testing.T) {
	q := NewQueueLimitMPSC(0, 100)
	require.True(t, q.Push("big", 90))
	assert.False(t, q.Push("too much", 20))
	require.True(t, q.Push("fits", 10))
	assert.Equal(t, int64(100), q.Bytes())
}

func TestQueueMPSCItemWalk(t *testing.T) {
	q := NewQueueMPSC()
	q.Push(1, 0)
	q.Push(2, 0)
	q.Push(3, 0)

	var seen []int
	for item := q.Item(); item != nil; item = item.Next() {
		seen = append(seen, item.Value().(int))
	}
	assert.Equal(t, []int{1, 2, 3}, seen)
	// the walk must not consume
	assert.Equal(t, int64(3), q.Len())
}

func TestQueueMPSCLockFlag(t *testing.T) {
	q := NewQueueMPSC()
	require.True(t, q.Lock())
	assert.False(t, q.Lock(), "second take must fail")
	require.True(t, q.Unlock())
	assert.False(t, q.Unlock(), "double unlock reports not held")
	assert.True(t, q.Lock())
}

func TestQueueMPSCConcurrentProducers(t *testing.T) {
	const producers = 8
	const perProducer = 1000

	q := NewQueueMPSC()
	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				q.Push(p*perProducer+i, 1)
			}
		}(p)
	}
	wg.Wait()

	require.Equal(t, int64(producers*perProducer), q.Len())
	seen := make(map[int]bool, producers*perProducer)
	prev := make(map[int]int) // per-producer FIFO check
	for {
		v, ok := q.Pop()
		if !ok {
			break
		}
		n := v.(int)
		require.False(t, seen[n], "duplicate %d", n)
		seen[n] = true
		p := n / perProducer
		if last, found := prev[p]; found {
			require.Greater(t, n, last, "producer %d order violated", p)
		}
		prev[p] = n
	}
	assert.Len(t, seen, producers*perProducer)
}

func TestRingOverwritesOldest(t *testing.T) {
	r := NewRing[int](4)
	for i := 1; i <= 6; i++ {
		r.Put(i)
	}
	assert.Equal(t, 4, r.Len())
	assert.Equal(t, []int{3, 4, 5, 6}, r.Snapshot())
	assert.Equal(t, uint64(2), r.Dropped())
}

func TestBufferExtend(t *testing.T) {
	b := TakeBuffer()
	defer ReleaseBuffer(b)

	b.AppendString("head")
	tail := b.Extend(4)
	copy(tail, "tail")
	assert.Equal(t, "headtail", b.String())
	assert.Equal(t, 8, b.Len())
}
