package stage

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ulala-x/playhouse-net-sub015/internal/protocol"
	"github.com/ulala-x/playhouse-net-sub015/internal/reqcache"
)

// Sender is the stage's handle back into the framework. Every method is meant
// to be called from the stage's own callbacks, which means on the mailbox.
type Sender struct {
	stage *Stage

	// correlation of the message currently being handled
	current *protocol.RouteHeader
	replied bool
}

func (s *Sender) begin(header *protocol.RouteHeader) {
	s.current = header
	s.replied = false
}

func (s *Sender) end() {
	s.current = nil
	s.replied = false
}

// StageID returns the owning stage's id.
func (s *Sender) StageID() int64 {
	return s.stage.id
}

// StageType returns the owning stage's type name.
func (s *Sender) StageType() string {
	return s.stage.stageType
}

// Reply answers the request currently being handled. A no-op while handling a
// push, a timer, or a tick.
func (s *Sender) Reply(code protocol.ErrorCode, payload []byte) {
	if s.current == nil || s.current.MsgSeq == 0 {
		return
	}
	s.replied = true
	if err := s.stage.mesh.Reply(s.current, code, payload); err != nil {
		slog.Warn("reply failed", "stageId", s.stage.id, "error", err)
	}
}

// SendToClient pushes a message to the actor's client through its gateway.
// Disconnected actors are skipped.
func (s *Sender) SendToClient(actor *Actor, msgID string, payload []byte) {
	if !actor.connected {
		return
	}
	frame, err := s.encodeClient(msgID, payload)
	if err != nil {
		slog.Warn("client push dropped",
			"stageId", s.stage.id, "accountId", actor.accountID, "error", err)
		return
	}
	s.stage.systemSend(actor.sessionNID, protocol.MsgIDToClient, actor.accountID, frame)
}

// Broadcast pushes one message to every connected actor on the stage.
func (s *Sender) Broadcast(msgID string, payload []byte) {
	frame, err := s.encodeClient(msgID, payload)
	if err != nil {
		slog.Warn("broadcast dropped", "stageId", s.stage.id, "error", err)
		return
	}
	for _, actor := range s.stage.actors {
		if actor.connected {
			s.stage.systemSend(actor.sessionNID, protocol.MsgIDToClient, actor.accountID, frame)
		}
	}
}

// encodeClient builds the ready-to-write client frame the gateway forwards
// verbatim.
func (s *Sender) encodeClient(msgID string, payload []byte) ([]byte, error) {
	pkt := protocol.NewPacket(msgID, payload)
	pkt.StageID = s.stage.id
	frame, err := protocol.EncodeClientFrame(nil, pkt)
	if err != nil {
		return nil, fmt.Errorf("encoding client frame: %w", err)
	}
	return frame, nil
}

// FindActor returns the actor joined under accountID.
func (s *Sender) FindActor(accountID int64) (*Actor, bool) {
	a, ok := s.stage.actors[accountID]
	return a, ok
}

// ForEachActor visits every actor on the stage.
func (s *Sender) ForEachActor(fn func(a *Actor)) {
	for _, a := range s.stage.actors {
		fn(a)
	}
}

// ActorCount returns the number of joined actors.
func (s *Sender) ActorCount() int {
	return len(s.stage.actors)
}

// SendToServer pushes a backend packet to another server.
func (s *Sender) SendToServer(toNID string, packet *protocol.Packet) error {
	header := s.backendHeader(toNID, packet.MsgID)
	return s.stage.mesh.Send(header, packet)
}

// RequestToServer sends a backend request and returns its future. Zero
// timeout uses the mesh default.
func (s *Sender) RequestToServer(toNID string, packet *protocol.Packet, timeout time.Duration) (*reqcache.Future, error) {
	header := s.backendHeader(toNID, packet.MsgID)
	return s.stage.mesh.Request(header, packet, timeout)
}

func (s *Sender) backendHeader(toNID, msgID string) *protocol.RouteHeader {
	return &protocol.RouteHeader{
		To:         toNID,
		ServiceID:  s.stage.mesh.Self().ServiceID,
		ServerType: s.stage.mesh.Self().ServiceType,
		MsgID:      msgID,
		StageID:    s.stage.id,
		IsBackend:  true,
	}
}

// Await blocks on a future from inside a handler. The claim flag stays held,
// so the mailbox is paused until the reply or its timeout arrives.
func (s *Sender) Await(fut *reqcache.Future) *protocol.Packet {
	reply, _ := fut.Await(context.Background())
	return reply
}

// AsyncBlock runs block off the mailbox and then runs then with its result,
// still inside the current message. The mailbox stays paused for the whole
// region, so no other stage message interleaves with the continuation.
func (s *Sender) AsyncBlock(block func() ([]byte, error), then func(result []byte, err error)) {
	type outcome struct {
		result []byte
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		var out outcome
		defer func() {
			if r := recover(); r != nil {
				out.err = protocol.NewPlayError(protocol.UncheckedContentsError,
					fmt.Sprintf("async block panic: %v", r))
			}
			done <- out
		}()
		out.result, out.err = block()
	}()
	out := <-done
	s.stage.safeRun(func() { then(out.result, out.err) })
}

// Post schedules fn as its own mailbox message, after everything already
// queued.
func (s *Sender) Post(fn func()) {
	s.stage.postJob(fn)
}

// AddRepeatTimer fires fn every period until cancelled, first after
// initialDelay.
func (s *Sender) AddRepeatTimer(initialDelay, period time.Duration, fn func()) int64 {
	return s.stage.addTimer(initialDelay, period, -1, fn)
}

// AddCountTimer fires fn count times, then removes itself.
func (s *Sender) AddCountTimer(initialDelay time.Duration, count int64, period time.Duration, fn func()) int64 {
	if count <= 0 {
		return 0
	}
	return s.stage.addTimer(initialDelay, period, count, fn)
}

// CancelTimer stops a timer. Unknown ids are ignored.
func (s *Sender) CancelTimer(id int64) {
	s.stage.cancelTimer(id)
}

// StartGameLoop arms the fixed-timestep loop. maxAccum must be at least
// fixedStep and fixedStep positive, otherwise InvalidMessage.
func (s *Sender) StartGameLoop(fixedStep, maxAccum time.Duration) error {
	return s.stage.startGameLoop(fixedStep, maxAccum)
}

// StopGameLoop stops producing ticks. A tick already queued still runs.
func (s *Sender) StopGameLoop() {
	s.stage.stopGameLoop()
}

// CloseStage schedules the stage's terminal close.
func (s *Sender) CloseStage() {
	s.stage.PostClose(nil)
}
