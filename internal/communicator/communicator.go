// Package communicator glues the router socket, the server registry, and the
// request cache into one mesh endpoint, and demultiplexes inbound traffic
// into the hosting server's dispatchers.
package communicator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ulala-x/playhouse-net-sub015/internal/idgen"
	"github.com/ulala-x/playhouse-net-sub015/internal/protocol"
	"github.com/ulala-x/playhouse-net-sub015/internal/reqcache"
	"github.com/ulala-x/playhouse-net-sub015/internal/router"
	"github.com/ulala-x/playhouse-net-sub015/internal/serverinfo"
)

// Dispatcher consumes inbound packets addressed to this server. Dispatch must
// not block: stage-bound messages are enqueued into mailboxes, api handlers
// run on their own goroutines.
type Dispatcher interface {
	Dispatch(header *protocol.RouteHeader, packet *protocol.Packet)
}

// DefaultRequestTimeout bounds cross-server requests without an explicit
// deadline.
const DefaultRequestTimeout = 30 * time.Second

// Communicator is one server's connection to the mesh.
type Communicator struct {
	self   serverinfo.ServerInfo
	socket *router.Socket
	center *serverinfo.Center
	cache  *reqcache.Cache
	seq    idgen.MsgSeq

	requestTimeout time.Duration

	system     Dispatcher
	dispatcher Dispatcher // non-system traffic for this server's service type

	mu        sync.Mutex
	endpoints map[string]string // peer NID → last connected endpoint
}

// New wires a communicator over an already-bound socket.
func New(self serverinfo.ServerInfo, socket *router.Socket, center *serverinfo.Center, cache *reqcache.Cache, requestTimeout time.Duration) *Communicator {
	if requestTimeout <= 0 {
		requestTimeout = DefaultRequestTimeout
	}
	return &Communicator{
		self:           self,
		socket:         socket,
		center:         center,
		cache:          cache,
		requestTimeout: requestTimeout,
		endpoints:      make(map[string]string),
	}
}

// SetDispatcher installs the service dispatcher (play or api).
func (c *Communicator) SetDispatcher(d Dispatcher) {
	c.dispatcher = d
}

// SetSystemDispatcher installs the handler for system-flagged packets.
func (c *Communicator) SetSystemDispatcher(d Dispatcher) {
	c.system = d
}

// Self returns this server's registry entry.
func (c *Communicator) Self() serverinfo.ServerInfo {
	return c.self
}

// Center returns the server registry.
func (c *Communicator) Center() *serverinfo.Center {
	return c.center
}

// RequestTimeout returns the default cross-server request deadline.
func (c *Communicator) RequestTimeout() time.Duration {
	return c.requestTimeout
}

// OnServerEvents reacts to registry changes: connect on Added, reconnect on
// Updated endpoints, hang up and fail in-flight requests on Removed.
func (c *Communicator) OnServerEvents(events []serverinfo.Event) {
	for _, ev := range events {
		if ev.Server.NID() == c.self.NID() {
			continue
		}
		switch ev.Kind {
		case serverinfo.EventAdded, serverinfo.EventUpdated:
			if old, ok := c.priorEndpoint(ev.Server.NID()); ok && old != ev.Server.Endpoint {
				c.socket.Disconnect(old)
				slog.Info("peer endpoint changed",
					"nid", ev.Server.NID(), "old", old, "new", ev.Server.Endpoint)
			}
			if err := c.socket.Connect(ev.Server.Endpoint); err != nil {
				slog.Warn("connect to peer failed",
					"nid", ev.Server.NID(),
					"endpoint", ev.Server.Endpoint,
					"error", err)
			}
			c.rememberEndpoint(ev.Server.NID(), ev.Server.Endpoint)
		case serverinfo.EventRemoved:
			c.socket.Disconnect(ev.Server.Endpoint)
			c.forgetEndpoint(ev.Server.NID())
			if failed := c.cache.FailPeer(ev.Server.NID(), protocol.ServerNotFound); failed > 0 {
				slog.Warn("failed in-flight requests to removed peer",
					"nid", ev.Server.NID(), "count", failed)
			}
		}
	}
}

func (c *Communicator) priorEndpoint(nid string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	old, ok := c.endpoints[nid]
	return old, ok
}

func (c *Communicator) rememberEndpoint(nid, endpoint string) {
	c.mu.Lock()
	c.endpoints[nid] = endpoint
	c.mu.Unlock()
}

func (c *Communicator) forgetEndpoint(nid string) {
	c.mu.Lock()
	delete(c.endpoints, nid)
	c.mu.Unlock()
}

// Send routes one packet to the server named by header.To. Unknown
// destinations are dropped with a warning; if the packet was a request, a
// synthetic ServerNotFound reply resolves the caller's future.
func (c *Communicator) Send(header *protocol.RouteHeader, packet *protocol.Packet) error {
	header.From = c.self.NID()

	// The socket never dials its own endpoint, so traffic addressed to this
	// server loops back through the demux directly. The session gateway's
	// round-robin over its own api service lands here.
	if header.To == c.self.NID() {
		c.deliverLocal(header, packet)
		return nil
	}

	dest, ok := c.center.FindByNID(header.To)
	if !ok {
		slog.Warn("unknown destination", "to", header.To, "msgId", header.MsgID)
		if header.MsgSeq != 0 && !header.IsReply {
			c.cache.Cancel(header.To, header.MsgSeq, protocol.ServerNotFound)
		}
		return protocol.NewPlayError(protocol.ServerNotFound, fmt.Sprintf("no server %s", header.To))
	}

	raw, err := header.Marshal()
	if err != nil {
		return fmt.Errorf("marshaling route header: %w", err)
	}

	msg := &router.Message{Target: header.To, Header: raw, Payload: packet.TakePayload()}
	if err := c.socket.Send(dest.Endpoint, msg); err != nil {
		if header.MsgSeq != 0 && !header.IsReply {
			c.cache.Cancel(header.To, header.MsgSeq, protocol.ServerNotFound)
		}
		return fmt.Errorf("sending to %s: %w", header.To, err)
	}
	return nil
}

// Request sends packet as a request and returns the future its reply
// resolves. The sequence is assigned here; timeout zero means the default.
func (c *Communicator) Request(header *protocol.RouteHeader, packet *protocol.Packet, timeout time.Duration) (*reqcache.Future, error) {
	if timeout <= 0 {
		timeout = c.requestTimeout
	}
	seq := c.seq.Next()
	header.MsgSeq = seq
	packet.MsgSeq = seq

	fut, err := c.cache.Register(header.To, seq, timeout)
	if err != nil {
		return nil, err
	}
	if err := c.Send(header, packet); err != nil {
		// The cache entry was already resolved with ServerNotFound by Send.
		return fut, nil
	}
	return fut, nil
}

// Reply answers a previously received request.
func (c *Communicator) Reply(req *protocol.RouteHeader, code protocol.ErrorCode, payload []byte) error {
	if req.MsgSeq == 0 {
		return nil // push, nothing to answer
	}
	header := &protocol.RouteHeader{
		To:         req.From,
		ServiceID:  c.self.ServiceID,
		ServerType: c.self.ServiceType,
		MsgID:      req.MsgID,
		MsgSeq:     req.MsgSeq,
		StageID:    req.StageID,
		AccountID:  req.AccountID,
		ErrorCode:  code,
		IsReply:    true,
		IsBackend:  req.IsBackend,
	}
	return c.Send(header, protocol.NewPacket(req.MsgID, payload))
}

// Run consumes inbound multiparts until ctx ends. Replies resolve the
// request cache; everything else goes to the system or service dispatcher.
func (c *Communicator) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			c.cache.Close()
			return ctx.Err()
		case msg := <-c.socket.Recv():
			c.handle(msg)
		}
	}
}

func (c *Communicator) handle(msg *router.Message) {
	header, err := protocol.UnmarshalRouteHeader(msg.Header)
	if err != nil {
		slog.Warn("dropping undecodable route header", "error", err)
		return
	}
	c.dispatch(header, inboundPacket(header, msg.Payload))
}

// deliverLocal hands a self-addressed packet to the demux, taking payload
// ownership exactly like a real send would.
func (c *Communicator) deliverLocal(header *protocol.RouteHeader, packet *protocol.Packet) {
	c.dispatch(header, inboundPacket(header, packet.TakePayload()))
}

func inboundPacket(header *protocol.RouteHeader, payload []byte) *protocol.Packet {
	packet := protocol.NewPacket(header.MsgID, payload)
	packet.MsgSeq = header.MsgSeq
	packet.StageID = header.StageID
	packet.ErrorCode = header.ErrorCode
	return packet
}

func (c *Communicator) dispatch(header *protocol.RouteHeader, packet *protocol.Packet) {
	switch {
	case header.IsReply:
		if !c.cache.Complete(header.From, header.MsgSeq, packet) {
			slog.Debug("late reply dropped", "from", header.From, "seq", header.MsgSeq)
		}
	case header.IsSystem:
		if c.system == nil {
			slog.Warn("no system dispatcher", "msgId", header.MsgID)
			return
		}
		c.system.Dispatch(header, packet)
	default:
		if c.dispatcher == nil {
			slog.Warn("no dispatcher for service", "msgId", header.MsgID, "serverType", header.ServerType)
			return
		}
		c.dispatcher.Dispatch(header, packet)
	}
}
