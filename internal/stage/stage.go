package stage

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/ulala-x/playhouse-net-sub015/internal/protocol"
)

type msgKind uint8

const (
	msgCreate msgKind = iota
	msgJoin
	msgLeave
	msgDispatch
	msgConnChange
	msgTimer
	msgTick
	msgJob
	msgClose
)

// message is one mailbox entry. header is non-nil for network-borne messages
// and carries the reply correlation.
type message struct {
	kind   msgKind
	header *protocol.RouteHeader
	packet *protocol.Packet

	join *protocol.JoinStageReq

	accountID  int64
	connected  bool
	discReason DisconnectReason

	timerID int64
	job     func()
}

// Stage owns one mailbox and everything reachable from it: the user handler,
// the actors, the timers, and the game loop. All state below mu is either
// guarded by mu (the queue) or touched exclusively by the worker currently
// holding the claim flag.
type Stage struct {
	id        int64
	stageType string

	pool      *Pool
	mesh      Mesh
	authMsgID string
	onClosed  func(stageID int64)

	mu     sync.Mutex
	queue  []message
	closed bool

	// Claim flag: set while a pool worker is draining this mailbox. The
	// CAS in schedule guarantees at most one drainer, which is the whole
	// serializability story.
	running atomic.Bool

	sender  *Sender
	handler Handler
	actorF  ActorFactory
	actors  map[int64]*Actor
	created bool

	timers      map[int64]*stageTimer
	nextTimerID int64

	loop *gameLoop
}

// New builds a stage shell. The user handler is constructed immediately but
// none of its callbacks run until the Create message is processed.
func New(id int64, stageType string, f Factory, af ActorFactory, pool *Pool, mesh Mesh, authMsgID string, onClosed func(int64)) *Stage {
	s := &Stage{
		id:        id,
		stageType: stageType,
		pool:      pool,
		mesh:      mesh,
		authMsgID: authMsgID,
		onClosed:  onClosed,
		actorF:    af,
		actors:    make(map[int64]*Actor),
		timers:    make(map[int64]*stageTimer),
	}
	s.sender = &Sender{stage: s}
	s.handler = f(s.sender)
	return s
}

// ID returns the stage id.
func (s *Stage) ID() int64 {
	return s.id
}

// StageType returns the registered type name.
func (s *Stage) StageType() string {
	return s.stageType
}

// PostCreate enqueues the creation message carrying the creator's payload.
func (s *Stage) PostCreate(header *protocol.RouteHeader, packet *protocol.Packet) {
	s.post(message{kind: msgCreate, header: header, packet: packet})
}

// PostJoin enqueues a join for the account named in header.
func (s *Stage) PostJoin(header *protocol.RouteHeader, req *protocol.JoinStageReq) {
	s.post(message{kind: msgJoin, header: header, join: req})
}

// PostLeave enqueues an explicit leave.
func (s *Stage) PostLeave(header *protocol.RouteHeader, accountID int64) {
	s.post(message{kind: msgLeave, header: header, accountID: accountID})
}

// PostDispatch enqueues a user message for the actor named in header.
func (s *Stage) PostDispatch(header *protocol.RouteHeader, packet *protocol.Packet) {
	s.post(message{kind: msgDispatch, header: header, packet: packet})
}

// PostConnectionChanged enqueues a client socket up/down notice.
func (s *Stage) PostConnectionChanged(accountID int64, connected bool, reason DisconnectReason) {
	s.post(message{kind: msgConnChange, accountID: accountID, connected: connected, discReason: reason})
}

// PostClose enqueues the terminal close. header may be nil on shutdown.
func (s *Stage) PostClose(header *protocol.RouteHeader) {
	s.post(message{kind: msgClose, header: header})
}

// postJob enqueues an arbitrary continuation, used by async blocks and by
// timer fires.
func (s *Stage) postJob(job func()) {
	s.post(message{kind: msgJob, job: job})
}

func (s *Stage) post(m message) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		s.rejectClosed(m)
		return
	}
	s.queue = append(s.queue, m)
	s.mu.Unlock()
	s.schedule()
}

// rejectClosed answers requests aimed at a closed stage; everything else is
// dropped silently.
func (s *Stage) rejectClosed(m message) {
	if m.header != nil && m.header.MsgSeq != 0 && !m.header.IsReply {
		if err := s.mesh.Reply(m.header, protocol.StageNotFound, nil); err != nil {
			slog.Debug("reply to closed stage request failed", "stageId", s.id, "error", err)
		}
	}
}

func (s *Stage) schedule() {
	if s.running.CompareAndSwap(false, true) {
		s.pool.Submit(s.drain)
	}
}

// drain runs on a pool worker and processes the mailbox until it is empty.
// Clearing the flag and re-checking the queue closes the window where a
// producer enqueued after the last pop but before the flag cleared.
func (s *Stage) drain() {
	for {
		for {
			s.mu.Lock()
			if len(s.queue) == 0 {
				s.mu.Unlock()
				break
			}
			m := s.queue[0]
			s.queue = s.queue[1:]
			s.mu.Unlock()
			s.handle(m)
		}

		s.running.Store(false)

		s.mu.Lock()
		empty := len(s.queue) == 0
		s.mu.Unlock()
		if empty {
			return
		}
		if !s.running.CompareAndSwap(false, true) {
			return // another worker claimed the new work
		}
	}
}

func (s *Stage) handle(m message) {
	if s.isClosed() && m.kind != msgClose {
		s.rejectClosed(m)
		return
	}

	s.sender.begin(m.header)
	defer s.sender.end()

	switch m.kind {
	case msgCreate:
		s.handleCreate(m)
	case msgJoin:
		s.handleJoin(m)
	case msgLeave:
		s.handleLeave(m)
	case msgDispatch:
		s.handleDispatch(m)
	case msgConnChange:
		s.handleConnChange(m)
	case msgTimer:
		s.handleTimer(m.timerID)
	case msgTick:
		s.handleTick()
	case msgJob:
		s.safeRun(m.job)
	case msgClose:
		s.handleClose(m)
	}
}

func (s *Stage) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Stage) handleCreate(m message) {
	if s.created {
		s.reply(m.header, protocol.StageAlreadyExists, nil)
		return
	}

	err := s.safeCall(func() error { return s.handler.OnCreate(m.packet) })
	if err != nil {
		slog.Warn("stage creation failed",
			"stageId", s.id, "stageType", s.stageType, "error", err)
		s.reply(m.header, creationCode(err), nil)
		s.markClosed()
		if s.onClosed != nil {
			s.onClosed(s.id)
		}
		return
	}

	s.created = true
	s.safeCall(func() error { s.handler.OnPostCreate(); return nil })
	s.reply(m.header, protocol.Success, nil)
}

// creationCode preserves an explicit PlayError code and folds everything else
// into StageCreationFailed.
func creationCode(err error) protocol.ErrorCode {
	if code := protocol.CodeOf(err); code != protocol.UncheckedContentsError {
		return code
	}
	return protocol.StageCreationFailed
}

func (s *Stage) handleJoin(m message) {
	if !s.created {
		s.reply(m.header, protocol.StageNotFound, nil)
		return
	}
	accountID := m.header.AccountID
	if accountID == 0 {
		s.reply(m.header, protocol.InvalidAccountID, nil)
		return
	}

	if actor, ok := s.actors[accountID]; ok {
		s.rejoin(m, actor)
		return
	}

	actor := &Actor{
		accountID:  accountID,
		sessionNID: m.join.SessionNID,
		sessionID:  m.join.SessionID,
		connected:  true,
	}
	if s.actorF != nil {
		actor.handler = s.actorF(actor)
		s.safeCall(func() error { actor.handler.OnCreate(actor); return nil })
	}

	userInfo := protocol.NewPacket(m.header.MsgID, m.join.UserPayload)
	code, payload := protocol.JoinStageRejected, []byte(nil)
	err := s.safeCall(func() error {
		code, payload = s.handler.OnJoinRoom(actor, userInfo)
		return nil
	})
	if err != nil {
		s.reply(m.header, protocol.JoinStageFailed, nil)
		return
	}
	if code != protocol.Success {
		s.reply(m.header, code, payload)
		return
	}

	s.actors[accountID] = actor
	s.bindGateway(actor)
	s.reply(m.header, protocol.Success, payload)
}

// rejoin rebinds an existing actor to a new client session. An old live
// session is preempted: the stage tells its gateway to drop the socket and the
// handler sees a Replaced disconnect before the new binding appears.
func (s *Stage) rejoin(m message, actor *Actor) {
	sameSession := actor.sessionNID == m.join.SessionNID && actor.sessionID == m.join.SessionID
	if actor.connected && !sameSession {
		if actor.authenticated {
			s.safeCall(func() error {
				s.handler.OnConnectionChanged(actor, false, DisconnectReplaced)
				return nil
			})
		}
		s.kickSession(actor.sessionNID, actor.sessionID)
	}

	actor.rebind(m.join.SessionNID, m.join.SessionID)
	if !m.join.Resume {
		actor.authenticated = false
	}
	if actor.authenticated {
		s.safeCall(func() error {
			s.handler.OnConnectionChanged(actor, true, 0)
			return nil
		})
	}
	s.bindGateway(actor)
	s.reply(m.header, protocol.Success, nil)
}

// bindGateway tells the actor's gateway which play server and stage now own
// the account, so client frames route here without another lookup.
func (s *Stage) bindGateway(actor *Actor) {
	msg := &protocol.BindStageMsg{
		SessionID: actor.sessionID,
		AccountID: actor.accountID,
		PlayNID:   s.mesh.Self().NID(),
		StageID:   s.id,
	}
	s.systemSend(actor.sessionNID, protocol.MsgIDBindStage, actor.accountID, msg.Marshal())
}

func (s *Stage) kickSession(sessionNID string, sessionID int64) {
	msg := &protocol.DisconnectClientMsg{SessionID: sessionID}
	s.systemSend(sessionNID, protocol.MsgIDDisconnectClient, 0, msg.Marshal())
}

func (s *Stage) systemSend(toNID, msgID string, accountID int64, payload []byte) {
	header := &protocol.RouteHeader{
		To:         toNID,
		ServiceID:  s.mesh.Self().ServiceID,
		ServerType: s.mesh.Self().ServiceType,
		MsgID:      msgID,
		StageID:    s.id,
		AccountID:  accountID,
		IsSystem:   true,
	}
	if err := s.mesh.Send(header, protocol.NewPacket(msgID, payload)); err != nil {
		slog.Warn("system send failed",
			"stageId", s.id, "to", toNID, "msgId", msgID, "error", err)
	}
}

func (s *Stage) handleLeave(m message) {
	actor, ok := s.actors[m.accountID]
	if !ok {
		s.reply(m.header, protocol.ActorNotFound, nil)
		return
	}
	s.removeActor(actor, LeaveByRequest)
	s.reply(m.header, protocol.Success, nil)
}

func (s *Stage) removeActor(actor *Actor, reason LeaveReason) {
	s.safeCall(func() error { s.handler.OnLeaveRoom(actor, reason); return nil })
	if actor.handler != nil {
		s.safeCall(func() error { actor.handler.OnDestroy(actor); return nil })
	}
	delete(s.actors, actor.accountID)

	// Unbind the gateway; stage id zero means "no stage".
	if reason != LeaveByStageClosed && actor.connected {
		msg := &protocol.BindStageMsg{
			SessionID: actor.sessionID,
			AccountID: actor.accountID,
			PlayNID:   s.mesh.Self().NID(),
			StageID:   0,
		}
		s.systemSend(actor.sessionNID, protocol.MsgIDBindStage, actor.accountID, msg.Marshal())
	}
}

func (s *Stage) handleDispatch(m message) {
	actor, ok := s.actors[m.header.AccountID]
	if !ok {
		s.reply(m.header, protocol.ActorNotFound, nil)
		return
	}

	if s.authMsgID != "" && m.packet.MsgID == s.authMsgID {
		s.authenticate(m, actor)
		return
	}
	if !actor.authenticated {
		s.reply(m.header, protocol.NotAuthenticated, nil)
		return
	}

	err := s.safeCall(func() error { return s.handler.OnDispatch(actor, m.packet) })
	if err != nil {
		slog.Warn("dispatch failed",
			"stageId", s.id, "accountId", actor.accountID,
			"msgId", m.packet.MsgID, "error", err)
		if m.header.MsgSeq != 0 && !s.sender.replied {
			s.reply(m.header, protocol.CodeOf(err), nil)
		}
	}
}

func (s *Stage) authenticate(m message, actor *Actor) {
	if actor.authenticated {
		s.reply(m.header, protocol.AlreadyAuthenticated, nil)
		return
	}

	code, payload := protocol.Success, []byte(nil)
	if actor.handler != nil {
		err := s.safeCall(func() error {
			code, payload = actor.handler.OnAuthenticate(actor, m.packet)
			return nil
		})
		if err != nil {
			s.reply(m.header, protocol.AuthenticationFailed, nil)
			return
		}
	}
	if code != protocol.Success {
		s.reply(m.header, code, payload)
		return
	}

	actor.authenticated = true
	if actor.handler != nil {
		s.safeCall(func() error { actor.handler.OnPostAuthenticate(actor); return nil })
	}
	s.reply(m.header, protocol.Success, payload)
}

func (s *Stage) handleConnChange(m message) {
	actor, ok := s.actors[m.accountID]
	if !ok {
		return
	}
	actor.connected = m.connected
	if actor.authenticated {
		s.safeCall(func() error {
			s.handler.OnConnectionChanged(actor, m.connected, m.discReason)
			return nil
		})
	}
}

func (s *Stage) handleClose(m message) {
	if s.isClosed() {
		s.reply(m.header, protocol.Success, nil)
		return
	}
	s.markClosed()

	for _, t := range s.timers {
		t.cancel()
	}
	clear(s.timers)
	if s.loop != nil {
		s.loop.stop()
	}

	for _, actor := range s.actors {
		if actor.connected {
			s.kickSession(actor.sessionNID, actor.sessionID)
		}
		s.removeActor(actor, LeaveByStageClosed)
	}

	s.reply(m.header, protocol.Success, nil)
	if s.onClosed != nil {
		s.onClosed(s.id)
	}
	slog.Info("stage closed", "stageId", s.id, "stageType", s.stageType)
}

func (s *Stage) markClosed() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
}

func (s *Stage) reply(header *protocol.RouteHeader, code protocol.ErrorCode, payload []byte) {
	if header == nil || header.MsgSeq == 0 || header.IsReply {
		return
	}
	s.sender.replied = true
	if err := s.mesh.Reply(header, code, payload); err != nil {
		slog.Warn("stage reply failed", "stageId", s.id, "error", err)
	}
}

// safeCall shields the mailbox from user panics. A panicking handler fails
// the current message, never the stage or the worker.
func (s *Stage) safeCall(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("handler panic",
				"stageId", s.id, "stageType", s.stageType, "panic", r)
			err = protocol.NewPlayError(protocol.UncheckedContentsError, fmt.Sprintf("handler panic: %v", r))
		}
	}()
	return fn()
}

func (s *Stage) safeRun(job func()) {
	s.safeCall(func() error { job(); return nil })
}
