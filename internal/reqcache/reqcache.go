// Package reqcache correlates outbound requests with inbound replies.
// Entries are keyed by (peer NID, msgSeq) so the 16-bit sequence may wrap
// independently per peer.
package reqcache

import (
	"context"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/ulala-x/playhouse-net-sub015/internal/protocol"
)

const shardCount = 16

// Future resolves with the reply packet exactly once. Synthetic replies
// (timeout, peer loss, shutdown) carry the corresponding error code and the
// reserved timeout msgId.
type Future struct {
	ch chan *protocol.Packet
}

func newFuture() *Future {
	return &Future{ch: make(chan *protocol.Packet, 1)}
}

// Done returns a channel that receives the reply.
func (f *Future) Done() <-chan *protocol.Packet {
	return f.ch
}

// Await blocks until the reply arrives or ctx is canceled.
func (f *Future) Await(ctx context.Context) (*protocol.Packet, error) {
	select {
	case reply := <-f.ch:
		return reply, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

type key struct {
	peer string
	seq  uint16
}

type pending struct {
	fut   *Future
	timer *time.Timer
}

type shard struct {
	mu sync.Mutex
	m  map[key]*pending
}

// Cache is the sharded pending-request table.
type Cache struct {
	shards [shardCount]shard

	closeMu sync.Mutex
	closed  bool
}

// New creates an empty cache.
func New() *Cache {
	c := &Cache{}
	for i := range c.shards {
		c.shards[i].m = make(map[key]*pending)
	}
	return c
}

func (c *Cache) shard(k key) *shard {
	h := fnv.New32a()
	h.Write([]byte(k.peer))
	var b [2]byte
	b[0], b[1] = byte(k.seq), byte(k.seq>>8)
	h.Write(b[:])
	return &c.shards[h.Sum32()%shardCount]
}

// Register arms a pending entry for (peer, seq) with the given timeout and
// returns its future. A duplicate registration fails with InvalidMessage.
func (c *Cache) Register(peer string, seq uint16, timeout time.Duration) (*Future, error) {
	if seq == 0 {
		return nil, protocol.NewPlayError(protocol.InvalidMessage, "seq 0 is reserved for push")
	}

	k := key{peer: peer, seq: seq}
	s := c.shard(k)

	s.mu.Lock()
	defer s.mu.Unlock()

	if c.isClosed() {
		return nil, protocol.NewPlayError(protocol.ServerNotFound, "request cache closed")
	}
	if _, dup := s.m[k]; dup {
		return nil, protocol.NewPlayError(protocol.InvalidMessage,
			fmt.Sprintf("seq %d already registered for peer %s", seq, peer))
	}

	p := &pending{fut: newFuture()}
	p.timer = time.AfterFunc(timeout, func() {
		c.fail(k, protocol.RequestTimeout)
	})
	s.m[k] = p
	return p.fut, nil
}

// Complete resolves the pending future for (peer, seq) with the reply.
// A missing entry is a late reply and a no-op; the return reports delivery.
func (c *Cache) Complete(peer string, seq uint16, reply *protocol.Packet) bool {
	k := key{peer: peer, seq: seq}
	s := c.shard(k)

	s.mu.Lock()
	p, ok := s.m[k]
	if ok {
		delete(s.m, k)
	}
	s.mu.Unlock()

	if !ok {
		return false
	}
	p.timer.Stop()
	p.fut.ch <- reply
	return true
}

// Cancel resolves the pending future with the given error code. Used for
// stage close and shutdown (ServerNotFound). Idempotent.
func (c *Cache) Cancel(peer string, seq uint16, code protocol.ErrorCode) {
	c.fail(key{peer: peer, seq: seq}, code)
}

// FailPeer resolves every pending request addressed to peer with code.
// Called when a peer disappears from the mesh mid-request.
func (c *Cache) FailPeer(peer string, code protocol.ErrorCode) int {
	failed := 0
	for i := range c.shards {
		s := &c.shards[i]

		s.mu.Lock()
		var victims []*pending
		var seqs []uint16
		for k, p := range s.m {
			if k.peer == peer {
				victims = append(victims, p)
				seqs = append(seqs, k.seq)
				delete(s.m, k)
			}
		}
		s.mu.Unlock()

		for j, p := range victims {
			p.timer.Stop()
			p.fut.ch <- syntheticReply(seqs[j], code)
			failed++
		}
	}
	return failed
}

// Close cancels every pending request with ServerNotFound and rejects
// further registrations.
func (c *Cache) Close() {
	c.closeMu.Lock()
	c.closed = true
	c.closeMu.Unlock()

	for i := range c.shards {
		s := &c.shards[i]

		s.mu.Lock()
		var victims []*pending
		var seqs []uint16
		for k, p := range s.m {
			victims = append(victims, p)
			seqs = append(seqs, k.seq)
			delete(s.m, k)
		}
		s.mu.Unlock()

		for j, p := range victims {
			p.timer.Stop()
			p.fut.ch <- syntheticReply(seqs[j], protocol.ServerNotFound)
		}
	}
}

// Len reports the number of in-flight requests.
func (c *Cache) Len() int {
	n := 0
	for i := range c.shards {
		s := &c.shards[i]
		s.mu.Lock()
		n += len(s.m)
		s.mu.Unlock()
	}
	return n
}

func (c *Cache) isClosed() bool {
	c.closeMu.Lock()
	defer c.closeMu.Unlock()
	return c.closed
}

func (c *Cache) fail(k key, code protocol.ErrorCode) {
	s := c.shard(k)

	s.mu.Lock()
	p, ok := s.m[k]
	if ok {
		delete(s.m, k)
	}
	s.mu.Unlock()

	if !ok {
		return
	}
	p.timer.Stop()
	p.fut.ch <- syntheticReply(k.seq, code)
}

func syntheticReply(seq uint16, code protocol.ErrorCode) *protocol.Packet {
	return protocol.NewErrorReply(protocol.MsgIDTimeout, seq, 0, code)
}
