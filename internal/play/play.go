// Package play hosts stages on a play server and routes inbound mesh traffic
// into their mailboxes.
package play

import (
	"log/slog"
	"sync"

	"github.com/ulala-x/playhouse-net-sub015/internal/protocol"
	"github.com/ulala-x/playhouse-net-sub015/internal/stage"
)

// Service is the play-side dispatcher. It owns the stage table; everything
// past the table lookup happens on the stages' own mailboxes, so Dispatch
// never blocks.
type Service struct {
	mesh      stage.Mesh
	registry  *stage.Registry
	pool      *stage.Pool
	authMsgID string

	// defaultStageType backs join-creates that name no type.
	defaultStageType string

	mu     sync.RWMutex
	stages map[int64]*stage.Stage
}

// NewService builds a play service over an established mesh.
func NewService(mesh stage.Mesh, registry *stage.Registry, pool *stage.Pool, authMsgID string) *Service {
	return &Service{
		mesh:      mesh,
		registry:  registry,
		pool:      pool,
		authMsgID: authMsgID,
		stages:    make(map[int64]*stage.Stage),
	}
}

// SetDefaultStageType sets the stage type used when a join-with-create names
// none.
func (s *Service) SetDefaultStageType(stageType string) {
	s.defaultStageType = stageType
}

// Dispatch routes one inbound packet: system messages manage stage lifecycle,
// everything else is user traffic for an existing stage.
func (s *Service) Dispatch(header *protocol.RouteHeader, packet *protocol.Packet) {
	if header.IsSystem {
		s.dispatchSystem(header, packet)
		return
	}

	st, ok := s.find(header.StageID)
	if !ok {
		s.bounce(header, protocol.StageNotFound)
		return
	}
	st.PostDispatch(header, packet)
}

func (s *Service) dispatchSystem(header *protocol.RouteHeader, packet *protocol.Packet) {
	switch header.MsgID {
	case protocol.MsgIDCreateStage:
		s.createStage(header, packet)
	case protocol.MsgIDJoinStage:
		s.joinStage(header, packet)
	case protocol.MsgIDLeaveStage:
		s.leaveStage(header)
	case protocol.MsgIDCloseStage:
		s.closeStage(header)
	case protocol.MsgIDDisconnect:
		s.disconnect(header)
	default:
		slog.Warn("unknown system message", "msgId", header.MsgID, "from", header.From)
		s.bounce(header, protocol.SystemError)
	}
}

func (s *Service) createStage(header *protocol.RouteHeader, packet *protocol.Packet) {
	req, err := protocol.UnmarshalCreateStageReq(packet.TakePayload())
	if err != nil {
		slog.Warn("bad create stage request", "from", header.From, "error", err)
		s.bounce(header, protocol.InvalidMessage)
		return
	}

	st, err := s.spawn(header.StageID, req.StageType)
	if err != nil {
		s.bounce(header, protocol.CodeOf(err))
		return
	}
	st.PostCreate(header, protocol.NewPacket(header.MsgID, req.UserPayload))
}

// spawn inserts a fresh stage shell under stageID, failing on duplicates and
// unknown types.
func (s *Service) spawn(stageID int64, stageType string) (*stage.Stage, error) {
	factory, err := s.registry.Stage(stageType)
	if err != nil {
		return nil, err
	}
	actorF := s.registry.Actor(stageType)

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.stages[stageID]; exists {
		return nil, protocol.NewPlayError(protocol.StageAlreadyExists, "")
	}
	st := stage.New(stageID, stageType, factory, actorF, s.pool, s.mesh, s.authMsgID, s.remove)
	s.stages[stageID] = st
	slog.Info("stage spawned", "stageId", stageID, "stageType", stageType)
	return st, nil
}

func (s *Service) joinStage(header *protocol.RouteHeader, packet *protocol.Packet) {
	req, err := protocol.UnmarshalJoinStageReq(packet.TakePayload())
	if err != nil {
		slog.Warn("bad join stage request", "from", header.From, "error", err)
		s.bounce(header, protocol.InvalidMessage)
		return
	}

	st, ok := s.find(header.StageID)
	if !ok {
		stageType := req.StageType
		if stageType == "" {
			stageType = s.defaultStageType
		}
		if !req.CreateIfAbsent || stageType == "" {
			s.bounce(header, protocol.StageNotFound)
			return
		}
		st, err = s.spawn(header.StageID, stageType)
		if err != nil {
			s.bounce(header, protocol.CodeOf(err))
			return
		}
		// Creation runs first on the mailbox; the join queues behind it.
		st.PostCreate(nil, protocol.NewPacket(header.MsgID, nil))
	}
	st.PostJoin(header, req)
}

func (s *Service) leaveStage(header *protocol.RouteHeader) {
	st, ok := s.find(header.StageID)
	if !ok {
		s.bounce(header, protocol.StageNotFound)
		return
	}
	st.PostLeave(header, header.AccountID)
}

func (s *Service) closeStage(header *protocol.RouteHeader) {
	st, ok := s.find(header.StageID)
	if !ok {
		s.bounce(header, protocol.StageNotFound)
		return
	}
	st.PostClose(header)
}

// disconnect is the gateway's notice that a client socket dropped.
func (s *Service) disconnect(header *protocol.RouteHeader) {
	st, ok := s.find(header.StageID)
	if !ok {
		return
	}
	st.PostConnectionChanged(header.AccountID, false, stage.DisconnectByClient)
}

func (s *Service) find(stageID int64) (*stage.Stage, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.stages[stageID]
	return st, ok
}

// remove is the stage's onClosed callback.
func (s *Service) remove(stageID int64) {
	s.mu.Lock()
	delete(s.stages, stageID)
	s.mu.Unlock()
}

// StageCount reports how many stages this server hosts.
func (s *Service) StageCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.stages)
}

// Shutdown closes every hosted stage.
func (s *Service) Shutdown() {
	s.mu.RLock()
	stages := make([]*stage.Stage, 0, len(s.stages))
	for _, st := range s.stages {
		stages = append(stages, st)
	}
	s.mu.RUnlock()

	for _, st := range stages {
		st.PostClose(nil)
	}
}

func (s *Service) bounce(header *protocol.RouteHeader, code protocol.ErrorCode) {
	if header.MsgSeq == 0 || header.IsReply {
		return
	}
	if err := s.mesh.Reply(header, code, nil); err != nil {
		slog.Warn("bounce reply failed", "code", code, "error", err)
	}
}
