package session

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ulala-x/playhouse-net-sub015/internal/protocol"
	"github.com/ulala-x/playhouse-net-sub015/internal/reqcache"
	"github.com/ulala-x/playhouse-net-sub015/internal/serverinfo"
)

type sentMsg struct {
	to        string
	msgID     string
	accountID int64
	stageID   int64
	payload   []byte
}

type fakeMesh struct {
	self   serverinfo.ServerInfo
	center *serverinfo.Center
	cache  *reqcache.Cache

	// respond scripts the far side of Request; nil leaves it pending.
	respond func(header *protocol.RouteHeader, packet *protocol.Packet) *protocol.Packet

	mu    sync.Mutex
	seq   uint16
	sends []sentMsg
}

func newFakeMesh() *fakeMesh {
	m := &fakeMesh{
		self: serverinfo.ServerInfo{
			ServiceType: protocol.ServiceTypeSession,
			ServiceID:   3,
			ServerID:    "gateway-1",
			State:       serverinfo.StateRunning,
		},
		center: serverinfo.NewCenter(),
		cache:  reqcache.New(),
	}
	m.center.Update([]serverinfo.ServerInfo{
		{ServiceType: protocol.ServiceTypeAPI, ServiceID: 2, ServerID: "api-1",
			Endpoint: "127.0.0.1:9002", State: serverinfo.StateRunning, LastHeartbeat: time.Now()},
	})
	return m
}

func (m *fakeMesh) Self() serverinfo.ServerInfo { return m.self }
func (m *fakeMesh) Center() *serverinfo.Center  { return m.center }

func (m *fakeMesh) record(header *protocol.RouteHeader, packet *protocol.Packet) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sends = append(m.sends, sentMsg{
		to:        header.To,
		msgID:     header.MsgID,
		accountID: header.AccountID,
		stageID:   header.StageID,
		payload:   packet.TakePayload(),
	})
}

func (m *fakeMesh) Send(header *protocol.RouteHeader, packet *protocol.Packet) error {
	m.record(header, packet)
	return nil
}

func (m *fakeMesh) Request(header *protocol.RouteHeader, packet *protocol.Packet, timeout time.Duration) (*reqcache.Future, error) {
	if timeout <= 0 {
		timeout = time.Second
	}
	m.mu.Lock()
	m.seq++
	seq := m.seq
	m.mu.Unlock()
	m.record(header, packet)

	fut, err := m.cache.Register(header.To, seq, timeout)
	if err != nil {
		return nil, err
	}
	if m.respond != nil {
		if rep := m.respond(header, packet); rep != nil {
			go m.cache.Complete(header.To, seq, rep)
		}
	}
	return fut, nil
}

func (m *fakeMesh) sendsOf(msgID string) []sentMsg {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []sentMsg
	for _, s := range m.sends {
		if s.msgID == msgID {
			out = append(out, s)
		}
	}
	return out
}

func startGateway(t *testing.T, mesh *fakeMesh, heartbeat time.Duration) *Server {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	gw := NewServer(Config{
		TCPAddr:           "127.0.0.1:0",
		WSAddr:            "127.0.0.1:0",
		HeartbeatInterval: heartbeat,
		RequestTimeout:    time.Second,
		APIServiceID:      2,
	}, mesh)
	go gw.Run(ctx)

	require.Eventually(t, func() bool {
		return gw.TCPAddr() != nil && gw.WSAddr() != nil
	}, 2*time.Second, 10*time.Millisecond)
	return gw
}

func dialGateway(t *testing.T, gw *Server) net.Conn {
	t.Helper()
	conn, err := net.Dial("tcp", gw.TCPAddr().String())
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func sendFrame(t *testing.T, conn net.Conn, msgID string, seq uint16, payload []byte) {
	t.Helper()
	pkt := protocol.NewPacket(msgID, payload)
	pkt.MsgSeq = seq
	require.NoError(t, protocol.WriteServerBoundFrame(conn, pkt))
}

func readFrame(t *testing.T, conn net.Conn) *protocol.Packet {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	pkt, err := protocol.ReadClientFrame(conn)
	require.NoError(t, err)
	return pkt
}

func TestDebugEcho(t *testing.T) {
	gw := startGateway(t, newFakeMesh(), 0)
	conn := dialGateway(t, gw)

	sendFrame(t, conn, protocol.MsgIDDebug, 1, []byte("probe"))
	reply := readFrame(t, conn)
	assert.Equal(t, protocol.MsgIDDebug, reply.MsgID)
	assert.Equal(t, uint16(1), reply.MsgSeq)
	assert.Equal(t, protocol.Success, reply.ErrorCode)
	assert.Equal(t, []byte("probe"), reply.Payload())
}

func TestHeartbeat(t *testing.T) {
	gw := startGateway(t, newFakeMesh(), time.Second)
	conn := dialGateway(t, gw)

	sendFrame(t, conn, protocol.MsgIDHeartbeat, 0, nil)
	reply := readFrame(t, conn)
	assert.Equal(t, protocol.MsgIDHeartbeat, reply.MsgID)
	assert.Equal(t, protocol.Success, reply.ErrorCode)
}

func TestHeartbeatTimeoutCloses(t *testing.T) {
	gw := startGateway(t, newFakeMesh(), 50*time.Millisecond)
	conn := dialGateway(t, gw)

	sendFrame(t, conn, protocol.MsgIDHeartbeat, 0, nil)
	readFrame(t, conn)
	require.Equal(t, 1, gw.SessionCount())

	// Go silent for over three intervals; the gateway hangs up.
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, err := protocol.ReadClientFrame(conn)
	assert.Error(t, err)
	assert.Eventually(t, func() bool { return gw.SessionCount() == 0 },
		2*time.Second, 10*time.Millisecond)
}

func TestHeartbeatTTLFactor(t *testing.T) {
	gw := NewServer(Config{HeartbeatInterval: 100 * time.Millisecond}, newFakeMesh())
	assert.Equal(t, 300*time.Millisecond, gw.heartbeatTTL(), "factor defaults to 3")

	gw = NewServer(Config{HeartbeatInterval: 100 * time.Millisecond, HeartbeatTTLFactor: 5}, newFakeMesh())
	assert.Equal(t, 500*time.Millisecond, gw.heartbeatTTL())

	gw = NewServer(Config{}, newFakeMesh())
	assert.Zero(t, gw.heartbeatTTL(), "no interval means no deadline")
}

func TestRequestForwardedToAPI(t *testing.T) {
	mesh := newFakeMesh()
	mesh.respond = func(header *protocol.RouteHeader, packet *protocol.Packet) *protocol.Packet {
		rep := protocol.NewPacket(header.MsgID, []byte("pong"))
		return rep
	}
	gw := startGateway(t, mesh, 0)
	conn := dialGateway(t, gw)

	sendFrame(t, conn, "PingReq", 5, []byte("ping"))
	reply := readFrame(t, conn)
	assert.Equal(t, "PingReq", reply.MsgID)
	assert.Equal(t, uint16(5), reply.MsgSeq)
	assert.Equal(t, protocol.Success, reply.ErrorCode)
	assert.Equal(t, []byte("pong"), reply.Payload())

	// The mesh leg targeted the api fleet and carried the session id.
	sends := mesh.sendsOf("PingReq")
	require.Len(t, sends, 1)
	assert.Equal(t, "2:api-1", sends[0].to)
	assert.NotZero(t, sends[0].stageID)
}

func TestRequestTimeout(t *testing.T) {
	mesh := newFakeMesh()
	gw := startGateway(t, mesh, 0)
	conn := dialGateway(t, gw)

	// Nobody answers; the request cache resolves with the timeout code.
	sendFrame(t, conn, "SlowReq", 9, nil)
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	reply, err := protocol.ReadClientFrame(conn)
	require.NoError(t, err)
	assert.Equal(t, uint16(9), reply.MsgSeq)
	assert.Equal(t, protocol.RequestTimeout, reply.ErrorCode)
}

func TestSystemMsgIDRejected(t *testing.T) {
	gw := startGateway(t, newFakeMesh(), 0)
	conn := dialGateway(t, gw)

	sendFrame(t, conn, protocol.MsgIDCreateStage, 3, nil)
	reply := readFrame(t, conn)
	assert.Equal(t, protocol.InvalidMessage, reply.ErrorCode)
}

func TestBindingAndClientPush(t *testing.T) {
	mesh := newFakeMesh()
	gw := startGateway(t, mesh, 0)
	conn := dialGateway(t, gw)

	// Learn the session id from a forwarded frame.
	sendFrame(t, conn, "LoginReq", 1, nil)
	var sessionID int64
	require.Eventually(t, func() bool {
		sends := mesh.sendsOf("LoginReq")
		if len(sends) == 0 {
			return false
		}
		sessionID = sends[0].stageID
		return true
	}, 2*time.Second, 5*time.Millisecond)

	bind := &protocol.BindSessionMsg{SessionID: sessionID, AccountID: 42}
	gw.Dispatch(&protocol.RouteHeader{MsgID: protocol.MsgIDBindSession, IsSystem: true},
		protocol.NewPacket(protocol.MsgIDBindSession, bind.Marshal()))

	stageBind := &protocol.BindStageMsg{
		SessionID: sessionID, AccountID: 42, PlayNID: "1:play-1", StageID: 100,
	}
	gw.Dispatch(&protocol.RouteHeader{MsgID: protocol.MsgIDBindStage, IsSystem: true},
		protocol.NewPacket(protocol.MsgIDBindStage, stageBind.Marshal()))

	// A stage push reaches the client as a ready-made frame.
	push := protocol.NewPacket("ChatMessage", []byte("hello"))
	push.StageID = 100
	frame, err := protocol.EncodeClientFrame(nil, push)
	require.NoError(t, err)
	gw.Dispatch(
		&protocol.RouteHeader{MsgID: protocol.MsgIDToClient, AccountID: 42, IsSystem: true},
		protocol.NewPacket(protocol.MsgIDToClient, frame))

	got := readFrame(t, conn)
	assert.Equal(t, "ChatMessage", got.MsgID)
	assert.Equal(t, int64(100), got.StageID)
	assert.Equal(t, []byte("hello"), got.Payload())

	// Bound traffic now goes straight to the stage's play server.
	sendFrame(t, conn, "MoveReq", 0, []byte("north"))
	require.Eventually(t, func() bool {
		return len(mesh.sendsOf("MoveReq")) == 1
	}, 2*time.Second, 5*time.Millisecond)
	move := mesh.sendsOf("MoveReq")[0]
	assert.Equal(t, "1:play-1", move.to)
	assert.Equal(t, int64(100), move.stageID)
	assert.Equal(t, int64(42), move.accountID)
}

func TestDisconnectNoticeOnClose(t *testing.T) {
	mesh := newFakeMesh()
	gw := startGateway(t, mesh, 0)
	conn := dialGateway(t, gw)

	sendFrame(t, conn, "LoginReq", 1, nil)
	var sessionID int64
	require.Eventually(t, func() bool {
		sends := mesh.sendsOf("LoginReq")
		if len(sends) == 0 {
			return false
		}
		sessionID = sends[0].stageID
		return true
	}, 2*time.Second, 5*time.Millisecond)

	bind := &protocol.BindSessionMsg{SessionID: sessionID, AccountID: 42}
	gw.Dispatch(&protocol.RouteHeader{MsgID: protocol.MsgIDBindSession, IsSystem: true},
		protocol.NewPacket(protocol.MsgIDBindSession, bind.Marshal()))
	stageBind := &protocol.BindStageMsg{
		SessionID: sessionID, AccountID: 42, PlayNID: "1:play-1", StageID: 100,
	}
	gw.Dispatch(&protocol.RouteHeader{MsgID: protocol.MsgIDBindStage, IsSystem: true},
		protocol.NewPacket(protocol.MsgIDBindStage, stageBind.Marshal()))

	conn.Close()

	require.Eventually(t, func() bool {
		return len(mesh.sendsOf(protocol.MsgIDDisconnect)) == 1
	}, 2*time.Second, 5*time.Millisecond)
	notice := mesh.sendsOf(protocol.MsgIDDisconnect)[0]
	assert.Equal(t, "1:play-1", notice.to)
	assert.Equal(t, int64(100), notice.stageID)
	assert.Equal(t, int64(42), notice.accountID)
}

func TestStageOrderedKickSkipsNotice(t *testing.T) {
	mesh := newFakeMesh()
	gw := startGateway(t, mesh, 0)
	conn := dialGateway(t, gw)

	sendFrame(t, conn, "LoginReq", 1, nil)
	var sessionID int64
	require.Eventually(t, func() bool {
		sends := mesh.sendsOf("LoginReq")
		if len(sends) == 0 {
			return false
		}
		sessionID = sends[0].stageID
		return true
	}, 2*time.Second, 5*time.Millisecond)

	kick := &protocol.DisconnectClientMsg{SessionID: sessionID}
	gw.Dispatch(&protocol.RouteHeader{MsgID: protocol.MsgIDDisconnectClient, IsSystem: true},
		protocol.NewPacket(protocol.MsgIDDisconnectClient, kick.Marshal()))

	require.Eventually(t, func() bool { return gw.SessionCount() == 0 },
		2*time.Second, 5*time.Millisecond)
	assert.Empty(t, mesh.sendsOf(protocol.MsgIDDisconnect))
}

func TestWebSocketEcho(t *testing.T) {
	gw := startGateway(t, newFakeMesh(), 0)

	url := fmt.Sprintf("ws://%s/ws", gw.WSAddr())
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer ws.Close()

	pkt := protocol.NewPacket(protocol.MsgIDDebug, []byte("over ws"))
	pkt.MsgSeq = 2
	var buf bytes.Buffer
	require.NoError(t, protocol.WriteServerBoundFrame(&buf, pkt))
	require.NoError(t, ws.WriteMessage(websocket.BinaryMessage, buf.Bytes()))

	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := ws.ReadMessage()
	require.NoError(t, err)
	reply, err := protocol.ReadClientFrame(bytes.NewReader(data))
	require.NoError(t, err)
	assert.Equal(t, uint16(2), reply.MsgSeq)
	assert.Equal(t, []byte("over ws"), reply.Payload())
}
