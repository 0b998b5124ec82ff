package discovery

import (
	"context"
	"sync"
	"time"

	"github.com/ulala-x/playhouse-net-sub015/internal/serverinfo"
)

// MemoryPublisher is a process-local registry backend. Several controllers
// sharing one MemoryPublisher discover each other, which is what single-box
// runs and tests need.
type MemoryPublisher struct {
	ttl time.Duration

	mu      sync.Mutex
	servers map[string]serverinfo.ServerInfo
}

// NewMemoryPublisher creates a registry with the given row TTL.
func NewMemoryPublisher(ttl time.Duration) *MemoryPublisher {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &MemoryPublisher{
		ttl:     ttl,
		servers: make(map[string]serverinfo.ServerInfo),
	}
}

// UpdateServerInfo records self's heartbeat and returns all live servers.
func (m *MemoryPublisher) UpdateServerInfo(_ context.Context, self serverinfo.ServerInfo) ([]serverinfo.ServerInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	self.LastHeartbeat = time.Now()
	m.servers[self.NID()] = self

	cutoff := time.Now().Add(-m.ttl)
	out := make([]serverinfo.ServerInfo, 0, len(m.servers))
	for nid, info := range m.servers {
		if info.LastHeartbeat.Before(cutoff) {
			delete(m.servers, nid)
			continue
		}
		out = append(out, info)
	}
	return out, nil
}

// Remove drops a server, simulating a crashed peer whose row expired.
func (m *MemoryPublisher) Remove(nid string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.servers, nid)
}
