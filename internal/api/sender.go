package api

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ulala-x/playhouse-net-sub015/internal/protocol"
	"github.com/ulala-x/playhouse-net-sub015/internal/serverinfo"
)

// Sender is the per-message handle an api handler works through. For traffic
// forwarded by a gateway, header.From is the gateway's NID and header.StageID
// carries the client session id (a session without a stage has no stage id of
// its own, so the field is free on the api leg).
type Sender struct {
	service *Service
	header  *protocol.RouteHeader

	accountID int64
	replied   bool
}

// SessionID returns the client session id behind this message.
func (s *Sender) SessionID() int64 {
	return s.header.StageID
}

// GatewayNID returns the gateway holding the client socket.
func (s *Sender) GatewayNID() string {
	return s.header.From
}

// AccountID returns the authenticated account, zero before Authenticate for
// a fresh session.
func (s *Sender) AccountID() int64 {
	if s.accountID != 0 {
		return s.accountID
	}
	return s.header.AccountID
}

// Reply answers the current request. No-op for pushes.
func (s *Sender) Reply(code protocol.ErrorCode, payload []byte) {
	if s.header.MsgSeq == 0 || s.header.IsReply {
		return
	}
	s.replied = true
	if err := s.service.mesh.Reply(s.header, code, payload); err != nil {
		slog.Warn("api reply failed", "msgId", s.header.MsgID, "error", err)
	}
}

func (s *Sender) failIfUnanswered(code protocol.ErrorCode) {
	if !s.replied {
		s.Reply(code, nil)
	}
}

// Authenticate binds the session behind this message to accountID: the
// gateway learns the binding and forwards the account on all further frames.
func (s *Sender) Authenticate(accountID int64) error {
	if accountID == 0 {
		return protocol.NewPlayError(protocol.InvalidAccountID, "account id zero")
	}
	s.accountID = accountID

	msg := &protocol.BindSessionMsg{SessionID: s.SessionID(), AccountID: accountID}
	header := s.systemHeader(s.GatewayNID(), protocol.MsgIDBindSession, 0)
	header.AccountID = accountID
	if err := s.service.mesh.Send(header, protocol.NewPacket(protocol.MsgIDBindSession, msg.Marshal())); err != nil {
		return fmt.Errorf("binding session %d: %w", s.SessionID(), err)
	}
	return nil
}

// SendToClient pushes a message to this sender's client through its gateway.
func (s *Sender) SendToClient(msgID string, payload []byte) error {
	pkt := protocol.NewPacket(msgID, payload)
	frame, err := protocol.EncodeClientFrame(nil, pkt)
	if err != nil {
		return fmt.Errorf("encoding client frame: %w", err)
	}
	header := s.systemHeader(s.GatewayNID(), protocol.MsgIDToClient, s.AccountID())
	header.StageID = s.SessionID()
	return s.service.mesh.Send(header, protocol.NewPacket(protocol.MsgIDToClient, frame))
}

// ChoosePlayServer picks a running play server round-robin.
func (s *Sender) ChoosePlayServer() (serverinfo.ServerInfo, bool) {
	return s.service.mesh.Center().FindRoundRobin(s.service.playServiceID)
}

// PlayServerFor picks the play server an account shards to.
func (s *Sender) PlayServerFor(accountID int64) (serverinfo.ServerInfo, bool) {
	return s.service.mesh.Center().FindByAccountID(s.service.playServiceID, accountID)
}

// CreateStage creates a stage of stageType under stageID on the named play
// server and waits for the outcome.
func (s *Sender) CreateStage(playNID string, stageID int64, stageType string, payload []byte, timeout time.Duration) (*protocol.Packet, error) {
	req := &protocol.CreateStageReq{StageType: stageType, UserPayload: payload}
	header := s.systemHeader(playNID, protocol.MsgIDCreateStage, 0)
	header.StageID = stageID
	return s.await(header, protocol.NewPacket(protocol.MsgIDCreateStage, req.Marshal()), timeout)
}

// JoinStage joins this sender's account to a stage. createType non-empty asks
// the play server to create the stage on the fly.
func (s *Sender) JoinStage(playNID string, stageID int64, createType string, payload []byte, timeout time.Duration) (*protocol.Packet, error) {
	accountID := s.AccountID()
	if accountID == 0 {
		return nil, protocol.NewPlayError(protocol.NotAuthenticated, "join before authenticate")
	}
	req := &protocol.JoinStageReq{
		StageType:      createType,
		CreateIfAbsent: createType != "",
		SessionNID:     s.GatewayNID(),
		SessionID:      s.SessionID(),
		UserPayload:    payload,
	}
	header := s.systemHeader(playNID, protocol.MsgIDJoinStage, accountID)
	header.StageID = stageID
	return s.await(header, protocol.NewPacket(protocol.MsgIDJoinStage, req.Marshal()), timeout)
}

// CloseStage tears a stage down.
func (s *Sender) CloseStage(playNID string, stageID int64, timeout time.Duration) (*protocol.Packet, error) {
	header := s.systemHeader(playNID, protocol.MsgIDCloseStage, 0)
	header.StageID = stageID
	return s.await(header, protocol.NewPacket(protocol.MsgIDCloseStage, nil), timeout)
}

// RequestToServer sends an arbitrary backend request and waits for its reply.
func (s *Sender) RequestToServer(toNID string, packet *protocol.Packet, timeout time.Duration) (*protocol.Packet, error) {
	header := s.backendHeader(toNID, packet.MsgID)
	fut, err := s.service.mesh.Request(header, packet, timeout)
	if err != nil {
		return nil, err
	}
	return fut.Await(context.Background())
}

// SendToServer pushes a backend packet without waiting.
func (s *Sender) SendToServer(toNID string, packet *protocol.Packet) error {
	return s.service.mesh.Send(s.backendHeader(toNID, packet.MsgID), packet)
}

func (s *Sender) await(header *protocol.RouteHeader, packet *protocol.Packet, timeout time.Duration) (*protocol.Packet, error) {
	fut, err := s.service.mesh.Request(header, packet, timeout)
	if err != nil {
		return nil, err
	}
	return fut.Await(context.Background())
}

func (s *Sender) systemHeader(toNID, msgID string, accountID int64) *protocol.RouteHeader {
	h := s.backendHeader(toNID, msgID)
	h.AccountID = accountID
	h.IsSystem = true
	return h
}

func (s *Sender) backendHeader(toNID, msgID string) *protocol.RouteHeader {
	self := s.service.mesh.Self()
	return &protocol.RouteHeader{
		To:         toNID,
		ServiceID:  self.ServiceID,
		ServerType: self.ServiceType,
		MsgID:      msgID,
		IsBackend:  true,
	}
}
