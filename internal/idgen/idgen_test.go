package idgen

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSessionIDMonotonic(t *testing.T) {
	var g SessionIDGenerator
	prev := g.NextSessionID()
	for i := 0; i < 1000; i++ {
		next := g.NextSessionID()
		require.Greater(t, next, prev)
		prev = next
	}
}

func TestSessionIDConcurrentUnique(t *testing.T) {
	var g SessionIDGenerator

	const workers, perWorker = 8, 1000
	ids := make(chan int64, workers*perWorker)

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				ids <- g.NextSessionID()
			}
		}()
	}
	wg.Wait()
	close(ids)

	seen := make(map[int64]struct{}, workers*perWorker)
	for id := range ids {
		_, dup := seen[id]
		require.False(t, dup, "duplicate session id %d", id)
		seen[id] = struct{}{}
	}
}

func TestUniqueIDGenerator(t *testing.T) {
	g, err := NewUniqueIDGenerator(5)
	require.NoError(t, err)

	seen := make(map[int64]struct{})
	for i := 0; i < 10000; i++ {
		id := g.NextID()
		_, dup := seen[id]
		require.False(t, dup, "duplicate id %d", id)
		seen[id] = struct{}{}

		// Node id occupies bits 12..21.
		assert.Equal(t, int64(5), (id>>snowflakeCounterBits)&snowflakeMaxNode)
	}
}

func TestUniqueIDGeneratorNodeRange(t *testing.T) {
	_, err := NewUniqueIDGenerator(-1)
	assert.Error(t, err)
	_, err = NewUniqueIDGenerator(snowflakeMaxNode + 1)
	assert.Error(t, err)
	_, err = NewUniqueIDGenerator(snowflakeMaxNode)
	assert.NoError(t, err)
}

func TestMsgSeqSkipsZero(t *testing.T) {
	var s MsgSeq
	s.next.Store(0xFFFE) // next Add yields 0xFFFF, then the wrap to 0 is skipped

	assert.Equal(t, uint16(0xFFFF), s.Next())
	assert.Equal(t, uint16(1), s.Next(), "zero is reserved for pushes")
}
