// Package stage implements the per-stage single-writer runtime: the mailbox
// executor, actor lifecycle, timers, and the fixed-timestep game loop.
package stage

import (
	"fmt"
	"time"

	"github.com/ulala-x/playhouse-net-sub015/internal/protocol"
	"github.com/ulala-x/playhouse-net-sub015/internal/reqcache"
	"github.com/ulala-x/playhouse-net-sub015/internal/serverinfo"
)

// Handler is the user-defined stage (game room) contract. Every callback
// runs on the stage's mailbox; no two callbacks of one stage ever overlap.
type Handler interface {
	// OnCreate runs exactly once, before any other callback. A returned
	// error fails stage creation with the mapped code.
	OnCreate(packet *protocol.Packet) error

	// OnPostCreate runs immediately after a successful OnCreate.
	OnPostCreate()

	// OnJoinRoom decides whether the actor may join. A nonzero code keeps
	// the actor out; the reply payload goes back to the requester either way.
	OnJoinRoom(actor *Actor, userInfo *protocol.Packet) (protocol.ErrorCode, []byte)

	// OnLeaveRoom is invoked for explicit leave, disconnection, and stage
	// close.
	OnLeaveRoom(actor *Actor, reason LeaveReason)

	// OnDispatch handles a user message addressed to the stage.
	OnDispatch(actor *Actor, packet *protocol.Packet) error

	// OnConnectionChanged reports client socket up/down for an
	// authenticated actor.
	OnConnectionChanged(actor *Actor, connected bool, reason DisconnectReason)

	// OnGameLoopTick runs once per fixed timestep while the game loop is on.
	OnGameLoopTick(delta time.Duration)
}

// ActorHandler is the optional user-defined per-actor contract.
type ActorHandler interface {
	// OnCreate runs when the actor is constructed on the stage.
	OnCreate(actor *Actor)

	// OnAuthenticate handles the configured authenticate message. On zero
	// code the framework marks the actor authenticated and calls
	// OnPostAuthenticate.
	OnAuthenticate(actor *Actor, packet *protocol.Packet) (protocol.ErrorCode, []byte)

	// OnPostAuthenticate runs after a successful authentication.
	OnPostAuthenticate(actor *Actor)

	// OnDestroy runs when the actor leaves the stage for good.
	OnDestroy(actor *Actor)
}

// Factory builds the user stage object. The sender is the stage's handle
// back into the framework and stays valid for the stage's lifetime.
type Factory func(s *Sender) Handler

// ActorFactory builds the user actor state for a joining account.
type ActorFactory func(a *Actor) ActorHandler

// Registry maps stage type names to their factories, built at bootstrap.
type Registry struct {
	stages map[string]Factory
	actors map[string]ActorFactory
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		stages: make(map[string]Factory),
		actors: make(map[string]ActorFactory),
	}
}

// Register binds a stage type name to its factories. actorFactory may be nil
// for stages whose actors carry no user state.
func (r *Registry) Register(stageType string, f Factory, af ActorFactory) {
	r.stages[stageType] = f
	r.actors[stageType] = af
}

// Stage returns the stage factory for stageType.
func (r *Registry) Stage(stageType string) (Factory, error) {
	f, ok := r.stages[stageType]
	if !ok {
		return nil, protocol.NewPlayError(protocol.InvalidStageType, fmt.Sprintf("unknown stage type %q", stageType))
	}
	return f, nil
}

// Actor returns the actor factory for stageType (may be nil).
func (r *Registry) Actor(stageType string) ActorFactory {
	return r.actors[stageType]
}

// LeaveReason explains an OnLeaveRoom call.
type LeaveReason int

const (
	LeaveByRequest LeaveReason = iota
	LeaveByDisconnect
	LeaveByStageClosed
)

func (r LeaveReason) String() string {
	switch r {
	case LeaveByRequest:
		return "Request"
	case LeaveByDisconnect:
		return "Disconnect"
	case LeaveByStageClosed:
		return "StageClosed"
	default:
		return fmt.Sprintf("LeaveReason(%d)", int(r))
	}
}

// DisconnectReason explains an OnConnectionChanged(false) call.
type DisconnectReason int

const (
	DisconnectByClient DisconnectReason = iota
	DisconnectByTimeout
	DisconnectReplaced
	DisconnectByShutdown
)

func (r DisconnectReason) String() string {
	switch r {
	case DisconnectByClient:
		return "Client"
	case DisconnectByTimeout:
		return "ConnectionTimeout"
	case DisconnectReplaced:
		return "Replaced"
	case DisconnectByShutdown:
		return "Shutdown"
	default:
		return fmt.Sprintf("DisconnectReason(%d)", int(r))
	}
}

// Mesh is the slice of the communicator the stage runtime needs. Kept as an
// interface so stage tests run without sockets.
type Mesh interface {
	Self() serverinfo.ServerInfo
	Send(header *protocol.RouteHeader, packet *protocol.Packet) error
	Request(header *protocol.RouteHeader, packet *protocol.Packet, timeout time.Duration) (*reqcache.Future, error)
	Reply(req *protocol.RouteHeader, code protocol.ErrorCode, payload []byte) error
}
