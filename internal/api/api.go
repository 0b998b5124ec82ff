// Package api runs the stateless api service: a msgId to handler table, one
// goroutine per inbound message, and a sender that can answer the client,
// authenticate its session, and drive stage lifecycle on play servers.
package api

import (
	"log/slog"
	"time"

	"github.com/ulala-x/playhouse-net-sub015/internal/protocol"
	"github.com/ulala-x/playhouse-net-sub015/internal/reqcache"
	"github.com/ulala-x/playhouse-net-sub015/internal/serverinfo"
)

// HandlerFunc processes one message addressed to the api service. Returned
// errors map to wire codes via CodeOf; handlers that already replied may
// return nil regardless.
type HandlerFunc func(sender *Sender, packet *protocol.Packet) error

// Registry maps msgIds to handlers, populated at bootstrap.
type Registry struct {
	handlers map[string]HandlerFunc
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]HandlerFunc)}
}

func (r *Registry) Register(msgID string, fn HandlerFunc) {
	r.handlers[msgID] = fn
}

func (r *Registry) lookup(msgID string) (HandlerFunc, bool) {
	fn, ok := r.handlers[msgID]
	return fn, ok
}

// Mesh is the slice of the communicator the api service needs.
type Mesh interface {
	Self() serverinfo.ServerInfo
	Center() *serverinfo.Center
	Send(header *protocol.RouteHeader, packet *protocol.Packet) error
	Request(header *protocol.RouteHeader, packet *protocol.Packet, timeout time.Duration) (*reqcache.Future, error)
	Reply(req *protocol.RouteHeader, code protocol.ErrorCode, payload []byte) error
}

// Service is the api-side dispatcher. Handlers are stateless, so every
// message gets its own goroutine; ordering is a per-stage concern and stages
// live on play servers.
type Service struct {
	mesh          Mesh
	registry      *Registry
	playServiceID uint16
}

// NewService builds an api service. playServiceID names the play fleet that
// stage operations target.
func NewService(mesh Mesh, registry *Registry, playServiceID uint16) *Service {
	return &Service{mesh: mesh, registry: registry, playServiceID: playServiceID}
}

// Dispatch hands the packet to its registered handler on a fresh goroutine.
func (s *Service) Dispatch(header *protocol.RouteHeader, packet *protocol.Packet) {
	fn, ok := s.registry.lookup(packet.MsgID)
	if !ok {
		slog.Warn("no api handler", "msgId", packet.MsgID, "from", header.From)
		if header.MsgSeq != 0 && !header.IsReply {
			s.mesh.Reply(header, protocol.HandlerNotFound, nil)
		}
		return
	}

	go s.run(fn, header, packet)
}

func (s *Service) run(fn HandlerFunc, header *protocol.RouteHeader, packet *protocol.Packet) {
	sender := &Sender{service: s, header: header}

	defer func() {
		if r := recover(); r != nil {
			slog.Error("api handler panic", "msgId", packet.MsgID, "panic", r)
			sender.failIfUnanswered(protocol.UncheckedContentsError)
		}
	}()

	if err := fn(sender, packet); err != nil {
		slog.Warn("api handler failed",
			"msgId", packet.MsgID, "from", header.From, "error", err)
		sender.failIfUnanswered(protocol.CodeOf(err))
	}
}
