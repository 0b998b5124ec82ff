// Package idgen provides the framework's ID and sequence generators. All
// generators are values constructed by the runtime and threaded explicitly;
// there are no package-level singletons.
package idgen

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// SessionIDGenerator issues monotonic 64-bit session ids. Ids are never
// reused within a process lifetime.
type SessionIDGenerator struct {
	next atomic.Int64
}

// NextSessionID returns the next session id, starting from 1.
func (g *SessionIDGenerator) NextSessionID() int64 {
	return g.next.Add(1)
}

// Snowflake layout: 41 bits of millisecond timestamp, 10 bits of node id,
// 12 bits of per-millisecond counter.
const (
	snowflakeNodeBits    = 10
	snowflakeCounterBits = 12

	snowflakeMaxNode    = 1<<snowflakeNodeBits - 1
	snowflakeMaxCounter = 1<<snowflakeCounterBits - 1
)

// snowflakeEpoch is 2024-01-01T00:00:00Z in Unix milliseconds.
const snowflakeEpoch = 1704067200000

// UniqueIDGenerator issues node-scoped unique 64-bit ids
// (timestamp<<22 | nodeId<<12 | counter). Used for stage ids and any other
// identifier that must be unique across the mesh.
type UniqueIDGenerator struct {
	nodeID int64

	mu      sync.Mutex
	lastMs  int64
	counter int64
}

// NewUniqueIDGenerator creates a generator for the given node id (0..1023).
func NewUniqueIDGenerator(nodeID int) (*UniqueIDGenerator, error) {
	if nodeID < 0 || nodeID > snowflakeMaxNode {
		return nil, fmt.Errorf("node id %d out of range [0, %d]", nodeID, snowflakeMaxNode)
	}
	return &UniqueIDGenerator{nodeID: int64(nodeID)}, nil
}

// NextID returns the next unique id. Safe for concurrent use. If the
// per-millisecond counter overflows, the call spins to the next millisecond.
func (g *UniqueIDGenerator) NextID() int64 {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := time.Now().UnixMilli()
	if now < g.lastMs {
		// Clock went backwards; keep issuing against the last observed ms.
		now = g.lastMs
	}
	if now == g.lastMs {
		g.counter++
		if g.counter > snowflakeMaxCounter {
			for now <= g.lastMs {
				now = time.Now().UnixMilli()
			}
			g.counter = 0
		}
	} else {
		g.counter = 0
	}
	g.lastMs = now

	return (now-snowflakeEpoch)<<(snowflakeNodeBits+snowflakeCounterBits) |
		g.nodeID<<snowflakeCounterBits |
		g.counter
}

// MsgSeq is a 16-bit request sequence counter. It wraps modulo 65536 and
// skips zero, which is reserved for push messages.
type MsgSeq struct {
	next atomic.Uint32
}

// Next returns the next nonzero sequence.
func (s *MsgSeq) Next() uint16 {
	for {
		seq := uint16(s.next.Add(1))
		if seq != 0 {
			return seq
		}
	}
}
