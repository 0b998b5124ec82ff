// Package serverinfo keeps the in-memory registry of live mesh servers.
// The discovery controller feeds it full snapshots; the communicator reacts
// to the diff events it emits.
package serverinfo

import (
	"fmt"
	"hash/fnv"
	"sort"
	"sync"
	"time"

	"github.com/ulala-x/playhouse-net-sub015/internal/protocol"
)

// State of a registered server. Disabled servers stay addressable for
// in-flight traffic but are skipped by selection.
type State string

const (
	StateRunning  State = "Running"
	StateDisabled State = "Disabled"
)

// ServerInfo describes one server in the mesh. (ServiceID, ServerID) is
// unique across the mesh; NID derives from it.
type ServerInfo struct {
	ServiceType   protocol.ServiceType
	ServiceID     uint16
	ServerID      string
	Endpoint      string
	State         State
	Weight        int
	LastHeartbeat time.Time
}

// NID returns the node identifier "{serviceId}:{serverId}".
func (s ServerInfo) NID() string {
	return fmt.Sprintf("%d:%s", s.ServiceID, s.ServerID)
}

// EventKind classifies a registry change.
type EventKind int

const (
	EventAdded EventKind = iota
	EventUpdated
	EventRemoved
)

func (k EventKind) String() string {
	switch k {
	case EventAdded:
		return "Added"
	case EventUpdated:
		return "Updated"
	case EventRemoved:
		return "Removed"
	default:
		return fmt.Sprintf("EventKind(%d)", int(k))
	}
}

// Event is one registry change, emitted by Update and ExpireBefore.
type Event struct {
	Kind   EventKind
	Server ServerInfo
}

// Center is the read-mostly registry. Writes are serialized by a single
// lock; lookups take the read side.
type Center struct {
	mu         sync.RWMutex
	servers    map[string]ServerInfo // NID → info
	byEndpoint map[string]string     // endpoint → NID
	cursors    map[uint16]int        // serviceId → round-robin cursor
}

// NewCenter creates an empty registry.
func NewCenter() *Center {
	return &Center{
		servers:    make(map[string]ServerInfo),
		byEndpoint: make(map[string]string),
		cursors:    make(map[uint16]int),
	}
}

// Update replaces the registry contents with the given snapshot and returns
// the diff against the previous state.
func (c *Center) Update(list []ServerInfo) []Event {
	c.mu.Lock()
	defer c.mu.Unlock()

	var events []Event
	seen := make(map[string]struct{}, len(list))

	for _, info := range list {
		nid := info.NID()
		seen[nid] = struct{}{}

		prev, ok := c.servers[nid]
		switch {
		case !ok:
			events = append(events, Event{Kind: EventAdded, Server: info})
		case prev.Endpoint != info.Endpoint || prev.State != info.State || prev.Weight != info.Weight:
			events = append(events, Event{Kind: EventUpdated, Server: info})
		}

		if ok && prev.Endpoint != info.Endpoint {
			delete(c.byEndpoint, prev.Endpoint)
		}
		c.servers[nid] = info
		c.byEndpoint[info.Endpoint] = nid
	}

	for nid, info := range c.servers {
		if _, ok := seen[nid]; !ok {
			delete(c.servers, nid)
			delete(c.byEndpoint, info.Endpoint)
			events = append(events, Event{Kind: EventRemoved, Server: info})
		}
	}
	return events
}

// ExpireBefore removes every server whose heartbeat is older than cutoff and
// returns the Removed events.
func (c *Center) ExpireBefore(cutoff time.Time) []Event {
	c.mu.Lock()
	defer c.mu.Unlock()

	var events []Event
	for nid, info := range c.servers {
		if info.LastHeartbeat.Before(cutoff) {
			delete(c.servers, nid)
			delete(c.byEndpoint, info.Endpoint)
			events = append(events, Event{Kind: EventRemoved, Server: info})
		}
	}
	return events
}

// FindByNID looks a server up by node id.
func (c *Center) FindByNID(nid string) (ServerInfo, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	info, ok := c.servers[nid]
	return info, ok
}

// FindByEndpoint looks a server up by router endpoint.
func (c *Center) FindByEndpoint(endpoint string) (ServerInfo, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	nid, ok := c.byEndpoint[endpoint]
	if !ok {
		return ServerInfo{}, false
	}
	return c.servers[nid], true
}

// FindRoundRobin picks the next Running server of the given service,
// advancing a per-service cursor. Disabled servers are skipped.
func (c *Center) FindRoundRobin(serviceID uint16) (ServerInfo, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	running := c.runningLocked(serviceID)
	if len(running) == 0 {
		return ServerInfo{}, false
	}
	cursor := c.cursors[serviceID]
	c.cursors[serviceID] = cursor + 1
	return running[cursor%len(running)], true
}

// FindByAccountID shards the account over the sorted Running list of the
// service: servers[hash(accountId) mod N]. Topology changes re-route new
// calls; callers accept that.
func (c *Center) FindByAccountID(serviceID uint16, accountID int64) (ServerInfo, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	running := c.runningLocked(serviceID)
	if len(running) == 0 {
		return ServerInfo{}, false
	}
	return running[hashAccountID(accountID)%uint64(len(running))], true
}

// All returns every registered server sorted by NID.
func (c *Center) All() []ServerInfo {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]ServerInfo, 0, len(c.servers))
	for _, info := range c.servers {
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NID() < out[j].NID() })
	return out
}

// runningLocked returns the Running servers of a service sorted by NID.
// Callers hold at least the read lock.
func (c *Center) runningLocked(serviceID uint16) []ServerInfo {
	var out []ServerInfo
	for _, info := range c.servers {
		if info.ServiceID == serviceID && info.State == StateRunning {
			out = append(out, info)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NID() < out[j].NID() })
	return out
}

func hashAccountID(accountID int64) uint64 {
	h := fnv.New64a()
	var b [8]byte
	v := uint64(accountID)
	for i := range b {
		b[i] = byte(v >> (8 * i))
	}
	h.Write(b[:])
	return h.Sum64()
}
