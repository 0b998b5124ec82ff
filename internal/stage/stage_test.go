package stage

import (
	"bytes"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ulala-x/playhouse-net-sub015/internal/protocol"
	"github.com/ulala-x/playhouse-net-sub015/internal/reqcache"
	"github.com/ulala-x/playhouse-net-sub015/internal/serverinfo"
)

type recordedSend struct {
	to        string
	msgID     string
	accountID int64
	payload   []byte
}

type recordedReply struct {
	seq     uint16
	code    protocol.ErrorCode
	payload []byte
}

// fakeMesh records traffic instead of touching sockets.
type fakeMesh struct {
	self  serverinfo.ServerInfo
	cache *reqcache.Cache

	mu      sync.Mutex
	sends   []recordedSend
	replies []recordedReply
}

func newFakeMesh() *fakeMesh {
	return &fakeMesh{
		self: serverinfo.ServerInfo{
			ServiceType: protocol.ServiceTypePlay,
			ServiceID:   1,
			ServerID:    "play-1",
			State:       serverinfo.StateRunning,
		},
		cache: reqcache.New(),
	}
}

func (m *fakeMesh) Self() serverinfo.ServerInfo {
	return m.self
}

func (m *fakeMesh) Send(header *protocol.RouteHeader, packet *protocol.Packet) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sends = append(m.sends, recordedSend{
		to:        header.To,
		msgID:     header.MsgID,
		accountID: header.AccountID,
		payload:   packet.TakePayload(),
	})
	return nil
}

func (m *fakeMesh) Request(header *protocol.RouteHeader, packet *protocol.Packet, timeout time.Duration) (*reqcache.Future, error) {
	if timeout <= 0 {
		timeout = time.Second
	}
	return m.cache.Register(header.To, 1, timeout)
}

func (m *fakeMesh) Reply(req *protocol.RouteHeader, code protocol.ErrorCode, payload []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.replies = append(m.replies, recordedReply{seq: req.MsgSeq, code: code, payload: payload})
	return nil
}

func (m *fakeMesh) replyFor(seq uint16) (recordedReply, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.replies {
		if r.seq == seq {
			return r, true
		}
	}
	return recordedReply{}, false
}

func (m *fakeMesh) sendsOf(msgID string) []recordedSend {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []recordedSend
	for _, s := range m.sends {
		if s.msgID == msgID {
			out = append(out, s)
		}
	}
	return out
}

// chatStage is the test Handler. Callbacks run on the mailbox; the mutex only
// guards reads from the test goroutine.
type chatStage struct {
	sender     *Sender
	failCreate bool

	mu     sync.Mutex
	events []string
	order  []int
	ticks  int
}

func (h *chatStage) record(ev string) {
	h.mu.Lock()
	h.events = append(h.events, ev)
	h.mu.Unlock()
}

func (h *chatStage) snapshot() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.events...)
}

func (h *chatStage) OnCreate(packet *protocol.Packet) error {
	if h.failCreate {
		return errors.New("refusing to open")
	}
	h.record("create")
	return nil
}

func (h *chatStage) OnPostCreate() {
	h.record("postCreate")
}

func (h *chatStage) OnJoinRoom(actor *Actor, userInfo *protocol.Packet) (protocol.ErrorCode, []byte) {
	h.record(fmt.Sprintf("join:%d", actor.AccountID()))
	return protocol.Success, []byte("welcome")
}

func (h *chatStage) OnLeaveRoom(actor *Actor, reason LeaveReason) {
	h.record(fmt.Sprintf("leave:%d:%s", actor.AccountID(), reason))
}

func (h *chatStage) OnDispatch(actor *Actor, packet *protocol.Packet) error {
	var n int
	if _, err := fmt.Sscanf(packet.MsgID, "Msg%d", &n); err == nil {
		h.mu.Lock()
		h.order = append(h.order, n)
		h.mu.Unlock()
		return nil
	}
	h.record("dispatch:" + packet.MsgID)
	if packet.MsgID == "Boom" {
		panic("content bug")
	}
	if packet.IsRequest() {
		h.sender.Reply(protocol.Success, packet.Payload())
	}
	return nil
}

func (h *chatStage) OnConnectionChanged(actor *Actor, connected bool, reason DisconnectReason) {
	h.record(fmt.Sprintf("conn:%d:%v:%s", actor.AccountID(), connected, reason))
}

func (h *chatStage) OnGameLoopTick(delta time.Duration) {
	h.mu.Lock()
	h.ticks++
	h.mu.Unlock()
}

func (h *chatStage) tickCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.ticks
}

// chatActor authenticates any packet whose payload is not "wrong".
type chatActor struct {
	stage *chatStage
}

func (a *chatActor) OnCreate(actor *Actor) {
	a.stage.record(fmt.Sprintf("actorCreate:%d", actor.AccountID()))
}

func (a *chatActor) OnAuthenticate(actor *Actor, packet *protocol.Packet) (protocol.ErrorCode, []byte) {
	if string(packet.Payload()) == "wrong" {
		return protocol.AuthenticationFailed, nil
	}
	return protocol.Success, []byte("token")
}

func (a *chatActor) OnPostAuthenticate(actor *Actor) {
	a.stage.record(fmt.Sprintf("postAuth:%d", actor.AccountID()))
}

func (a *chatActor) OnDestroy(actor *Actor) {
	a.stage.record(fmt.Sprintf("actorDestroy:%d", actor.AccountID()))
}

func newTestStage(t *testing.T) (*Stage, *chatStage, *fakeMesh) {
	t.Helper()
	pool := NewPool(4)
	t.Cleanup(pool.Close)

	mesh := newFakeMesh()
	h := &chatStage{}
	factory := func(s *Sender) Handler {
		h.sender = s
		return h
	}
	actorF := func(a *Actor) ActorHandler {
		return &chatActor{stage: h}
	}
	return New(100, "ChatStage", factory, actorF, pool, mesh, "Authenticate", nil), h, mesh
}

func reqHeader(seq uint16, accountID int64, msgID string) *protocol.RouteHeader {
	return &protocol.RouteHeader{
		From:      "2:api-1",
		To:        "1:play-1",
		MsgID:     msgID,
		MsgSeq:    seq,
		StageID:   100,
		AccountID: accountID,
	}
}

func joinReq(sessionNID string, sessionID int64) *protocol.JoinStageReq {
	return &protocol.JoinStageReq{SessionNID: sessionNID, SessionID: sessionID}
}

// drainWait blocks until everything queued before it has been handled.
func drainWait(t *testing.T, st *Stage) {
	t.Helper()
	done := make(chan struct{})
	st.postJob(func() { close(done) })
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("mailbox stalled")
	}
}

func createAndJoin(t *testing.T, st *Stage, mesh *fakeMesh, accountID int64, session *protocol.JoinStageReq) {
	t.Helper()
	st.PostCreate(reqHeader(1, 0, "CreateStage"), protocol.NewPacket("CreateStage", nil))
	st.PostJoin(reqHeader(2, accountID, "JoinStage"), session)
	drainWait(t, st)

	r, ok := mesh.replyFor(2)
	require.True(t, ok)
	require.Equal(t, protocol.Success, r.code)
}

func authenticate(t *testing.T, st *Stage, mesh *fakeMesh, seq uint16, accountID int64) {
	t.Helper()
	st.PostDispatch(reqHeader(seq, accountID, "Authenticate"), protocol.NewPacket("Authenticate", []byte("secret")))
	drainWait(t, st)

	r, ok := mesh.replyFor(seq)
	require.True(t, ok)
	require.Equal(t, protocol.Success, r.code)
}

func TestCreateJoinLifecycle(t *testing.T) {
	st, h, mesh := newTestStage(t)

	createAndJoin(t, st, mesh, 7, joinReq("3:session-1", 11))

	r, ok := mesh.replyFor(1)
	require.True(t, ok)
	assert.Equal(t, protocol.Success, r.code)
	r, _ = mesh.replyFor(2)
	assert.Equal(t, []byte("welcome"), r.payload)

	assert.Equal(t, []string{"create", "postCreate", "actorCreate:7", "join:7"}, h.snapshot())

	// The gateway learned the binding.
	binds := mesh.sendsOf(protocol.MsgIDBindStage)
	require.Len(t, binds, 1)
	bind, err := protocol.UnmarshalBindStageMsg(binds[0].payload)
	require.NoError(t, err)
	assert.Equal(t, int64(11), bind.SessionID)
	assert.Equal(t, int64(100), bind.StageID)
	assert.Equal(t, "1:play-1", bind.PlayNID)
}

func TestCreateFailure(t *testing.T) {
	st, h, mesh := newTestStage(t)
	h.failCreate = true

	st.PostCreate(reqHeader(1, 0, "CreateStage"), protocol.NewPacket("CreateStage", nil))

	assert.Eventually(t, func() bool {
		r, ok := mesh.replyFor(1)
		return ok && r.code == protocol.StageCreationFailed
	}, 2*time.Second, 10*time.Millisecond)

	// The failed stage accepts nothing further.
	st.PostDispatch(reqHeader(2, 7, "Ping"), protocol.NewPacket("Ping", nil))
	assert.Eventually(t, func() bool {
		r, ok := mesh.replyFor(2)
		return ok && r.code == protocol.StageNotFound
	}, 2*time.Second, 10*time.Millisecond)
}

func TestAuthenticationGate(t *testing.T) {
	st, h, mesh := newTestStage(t)
	createAndJoin(t, st, mesh, 7, joinReq("3:session-1", 11))

	// Pre-auth traffic is rejected.
	st.PostDispatch(reqHeader(3, 7, "Ping"), protocol.NewPacket("Ping", nil))
	drainWait(t, st)
	r, ok := mesh.replyFor(3)
	require.True(t, ok)
	assert.Equal(t, protocol.NotAuthenticated, r.code)

	// Wrong credential keeps the gate shut.
	st.PostDispatch(reqHeader(4, 7, "Authenticate"), protocol.NewPacket("Authenticate", []byte("wrong")))
	drainWait(t, st)
	r, _ = mesh.replyFor(4)
	assert.Equal(t, protocol.AuthenticationFailed, r.code)

	authenticate(t, st, mesh, 5, 7)
	assert.Contains(t, h.snapshot(), "postAuth:7")

	// Re-authenticating is an error, regular traffic flows.
	st.PostDispatch(reqHeader(6, 7, "Authenticate"), protocol.NewPacket("Authenticate", []byte("secret")))
	st.PostDispatch(reqHeader(7, 7, "Echo"), protocol.NewPacket("Echo", []byte("hi")))
	drainWait(t, st)

	r, _ = mesh.replyFor(6)
	assert.Equal(t, protocol.AlreadyAuthenticated, r.code)
	r, _ = mesh.replyFor(7)
	assert.Equal(t, protocol.Success, r.code)
	assert.Equal(t, []byte("hi"), r.payload)
}

func TestDispatchPanicIsolated(t *testing.T) {
	st, _, mesh := newTestStage(t)
	createAndJoin(t, st, mesh, 7, joinReq("3:session-1", 11))
	authenticate(t, st, mesh, 3, 7)

	st.PostDispatch(reqHeader(4, 7, "Boom"), protocol.NewPacket("Boom", nil))
	st.PostDispatch(reqHeader(5, 7, "Echo"), protocol.NewPacket("Echo", []byte("still here")))
	drainWait(t, st)

	r, ok := mesh.replyFor(4)
	require.True(t, ok)
	assert.Equal(t, protocol.UncheckedContentsError, r.code)
	r, _ = mesh.replyFor(5)
	assert.Equal(t, protocol.Success, r.code)
}

// Handlers must observe messages in enqueue order even with several pool
// workers available.
func TestSerializability(t *testing.T) {
	st, h, mesh := newTestStage(t)
	createAndJoin(t, st, mesh, 7, joinReq("3:session-1", 11))
	authenticate(t, st, mesh, 3, 7)

	const n = 500
	for i := 0; i < n; i++ {
		msgID := fmt.Sprintf("Msg%d", i)
		st.PostDispatch(reqHeader(0, 7, msgID), protocol.NewPacket(msgID, nil))
	}
	drainWait(t, st)

	h.mu.Lock()
	defer h.mu.Unlock()
	require.Len(t, h.order, n)
	for i, got := range h.order {
		require.Equal(t, i, got)
	}
}

func TestReconnectPreemption(t *testing.T) {
	st, h, mesh := newTestStage(t)
	createAndJoin(t, st, mesh, 7, joinReq("3:session-1", 11))
	authenticate(t, st, mesh, 3, 7)

	// The same account arrives on a new gateway session with resume.
	st.PostJoin(reqHeader(4, 7, "JoinStage"), &protocol.JoinStageReq{
		Resume:     true,
		SessionNID: "3:session-2",
		SessionID:  12,
	})
	drainWait(t, st)

	r, ok := mesh.replyFor(4)
	require.True(t, ok)
	assert.Equal(t, protocol.Success, r.code)

	// Old session kicked, handler saw the replacement.
	kicks := mesh.sendsOf(protocol.MsgIDDisconnectClient)
	require.Len(t, kicks, 1)
	kick, err := protocol.UnmarshalDisconnectClientMsg(kicks[0].payload)
	require.NoError(t, err)
	assert.Equal(t, int64(11), kick.SessionID)

	events := h.snapshot()
	assert.Contains(t, events, "conn:7:false:Replaced")
	assert.Contains(t, events, "conn:7:true:Client")

	// Resume keeps authentication: no re-handshake needed.
	st.PostDispatch(reqHeader(5, 7, "Echo"), protocol.NewPacket("Echo", []byte("back")))
	drainWait(t, st)
	r, _ = mesh.replyFor(5)
	assert.Equal(t, protocol.Success, r.code)

	// postAuth fired once, for the original handshake only.
	var postAuths int
	for _, ev := range events {
		if ev == "postAuth:7" {
			postAuths++
		}
	}
	assert.Equal(t, 1, postAuths)
}

func TestCountTimerFiresExactly(t *testing.T) {
	st, h, mesh := newTestStage(t)
	createAndJoin(t, st, mesh, 7, joinReq("3:session-1", 11))

	var fired int
	st.postJob(func() {
		h.sender.AddCountTimer(0, 3, 20*time.Millisecond, func() { fired++ })
	})

	assert.Eventually(t, func() bool {
		var n int
		done := make(chan struct{})
		st.postJob(func() { n = fired; close(done) })
		<-done
		return n == 3
	}, 2*time.Second, 20*time.Millisecond)

	// Fired out, the timer removed itself.
	time.Sleep(100 * time.Millisecond)
	var n, live int
	done := make(chan struct{})
	st.postJob(func() { n, live = fired, len(st.timers); close(done) })
	<-done
	assert.Equal(t, 3, n)
	assert.Zero(t, live)
}

func TestRepeatTimerCancel(t *testing.T) {
	st, h, mesh := newTestStage(t)
	createAndJoin(t, st, mesh, 7, joinReq("3:session-1", 11))

	var fired int
	var id int64
	st.postJob(func() {
		id = h.sender.AddRepeatTimer(0, 10*time.Millisecond, func() { fired++ })
	})

	assert.Eventually(t, func() bool {
		var n int
		done := make(chan struct{})
		st.postJob(func() { n = fired; close(done) })
		<-done
		return n >= 3
	}, 2*time.Second, 10*time.Millisecond)

	st.postJob(func() {
		h.sender.CancelTimer(id)
		h.sender.CancelTimer(id) // idempotent
	})
	drainWait(t, st)

	var before int
	done := make(chan struct{})
	st.postJob(func() { before = fired; close(done) })
	<-done
	time.Sleep(60 * time.Millisecond)

	var after int
	done = make(chan struct{})
	st.postJob(func() { after = fired; close(done) })
	<-done
	assert.Equal(t, before, after)
}

func TestGameLoopConfigValidation(t *testing.T) {
	st, h, mesh := newTestStage(t)
	createAndJoin(t, st, mesh, 7, joinReq("3:session-1", 11))

	errs := make(chan error, 1)
	st.postJob(func() {
		errs <- h.sender.StartGameLoop(50*time.Millisecond, 10*time.Millisecond)
	})
	err := <-errs
	require.Error(t, err)
	assert.Equal(t, protocol.InvalidMessage, protocol.CodeOf(err))

	st.postJob(func() {
		errs <- h.sender.StartGameLoop(0, time.Second)
	})
	err = <-errs
	assert.Equal(t, protocol.InvalidMessage, protocol.CodeOf(err))
}

func TestGameLoopTicks(t *testing.T) {
	st, h, mesh := newTestStage(t)
	createAndJoin(t, st, mesh, 7, joinReq("3:session-1", 11))

	errs := make(chan error, 1)
	st.postJob(func() {
		errs <- h.sender.StartGameLoop(10*time.Millisecond, 100*time.Millisecond)
	})
	require.NoError(t, <-errs)

	time.Sleep(300 * time.Millisecond)
	st.postJob(func() { h.sender.StopGameLoop() })
	drainWait(t, st)
	stopped := h.tickCount()

	// Fixed timestep: around 30 ticks for 300ms, wide margin for CI noise.
	assert.GreaterOrEqual(t, stopped, 15)
	assert.LessOrEqual(t, stopped, 45)

	// No new ticks after stop.
	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, stopped, h.tickCount())
}

func TestCloseStage(t *testing.T) {
	st, h, mesh := newTestStage(t)
	createAndJoin(t, st, mesh, 7, joinReq("3:session-1", 11))
	authenticate(t, st, mesh, 3, 7)

	st.PostClose(reqHeader(4, 0, "CloseStage"))
	drainWait2(t, st, mesh, 4)

	events := h.snapshot()
	assert.Contains(t, events, "leave:7:StageClosed")
	assert.Contains(t, events, "actorDestroy:7")

	// Connected actors get their sockets dropped.
	kicks := mesh.sendsOf(protocol.MsgIDDisconnectClient)
	require.Len(t, kicks, 1)

	// Requests after close bounce with StageNotFound.
	st.PostDispatch(reqHeader(5, 7, "Echo"), protocol.NewPacket("Echo", nil))
	assert.Eventually(t, func() bool {
		r, ok := mesh.replyFor(5)
		return ok && r.code == protocol.StageNotFound
	}, 2*time.Second, 10*time.Millisecond)
}

// drainWait2 waits for a reply instead of posting a job, for use once the
// stage may already be closed.
func drainWait2(t *testing.T, st *Stage, mesh *fakeMesh, seq uint16) {
	t.Helper()
	require.Eventually(t, func() bool {
		r, ok := mesh.replyFor(seq)
		return ok && r.code == protocol.Success
	}, 2*time.Second, 10*time.Millisecond)
}

func TestLeaveStage(t *testing.T) {
	st, h, mesh := newTestStage(t)
	createAndJoin(t, st, mesh, 7, joinReq("3:session-1", 11))

	st.PostLeave(reqHeader(3, 7, "LeaveStage"), 7)
	drainWait(t, st)

	r, ok := mesh.replyFor(3)
	require.True(t, ok)
	assert.Equal(t, protocol.Success, r.code)
	assert.Contains(t, h.snapshot(), "leave:7:Request")

	// The gateway was unbound: stage id zero.
	binds := mesh.sendsOf(protocol.MsgIDBindStage)
	require.Len(t, binds, 2)
	unbind, err := protocol.UnmarshalBindStageMsg(binds[1].payload)
	require.NoError(t, err)
	assert.Zero(t, unbind.StageID)

	// Leaving twice is ActorNotFound.
	st.PostLeave(reqHeader(4, 7, "LeaveStage"), 7)
	drainWait(t, st)
	r, _ = mesh.replyFor(4)
	assert.Equal(t, protocol.ActorNotFound, r.code)
}

func TestBroadcastSkipsDisconnected(t *testing.T) {
	st, h, mesh := newTestStage(t)
	createAndJoin(t, st, mesh, 7, joinReq("3:session-1", 11))
	st.PostJoin(reqHeader(3, 8, "JoinStage"), joinReq("3:session-2", 12))
	drainWait(t, st)

	st.PostConnectionChanged(8, false, DisconnectByClient)
	st.postJob(func() { h.sender.Broadcast("Announce", []byte("hello")) })
	drainWait(t, st)

	pushes := mesh.sendsOf(protocol.MsgIDToClient)
	require.Len(t, pushes, 1)
	assert.Equal(t, int64(7), pushes[0].accountID)

	// The frame is a complete server→client frame the gateway relays as-is.
	pkt, err := protocol.ReadClientFrame(bytes.NewReader(pushes[0].payload))
	require.NoError(t, err)
	assert.Equal(t, "Announce", pkt.MsgID)
	assert.Equal(t, int64(100), pkt.StageID)
	assert.Equal(t, []byte("hello"), pkt.Payload())
}
