// Package session is the client-facing gateway: it terminates TCP, TLS,
// WebSocket, and WSS connections, decodes client frames, and bridges them
// onto the server mesh.
package session

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ulala-x/playhouse-net-sub015/internal/protocol"
)

const (
	defaultSendQueueSize = 256
	defaultWriteTimeout  = 5 * time.Second
)

// transport abstracts the stream (TCP/TLS) and message (WS/WSS) carriers
// behind one frame-oriented surface.
type transport interface {
	ReadFrame() (*protocol.Packet, error)
	WriteBatch(frames [][]byte) error
	SetReadDeadline(t time.Time) error
	RemoteAddr() string
	Close() error
}

type tcpTransport struct {
	conn net.Conn
	r    *bufio.Reader
}

func newTCPTransport(conn net.Conn) *tcpTransport {
	return &tcpTransport{conn: conn, r: bufio.NewReaderSize(conn, 4096)}
}

func (t *tcpTransport) ReadFrame() (*protocol.Packet, error) {
	return protocol.ReadServerBoundFrame(t.r)
}

func (t *tcpTransport) WriteBatch(frames [][]byte) error {
	if len(frames) == 1 {
		_, err := t.conn.Write(frames[0])
		return err
	}
	bufs := make(net.Buffers, len(frames))
	copy(bufs, frames)
	_, err := bufs.WriteTo(t.conn)
	return err
}

func (t *tcpTransport) SetReadDeadline(deadline time.Time) error {
	return t.conn.SetReadDeadline(deadline)
}

func (t *tcpTransport) RemoteAddr() string {
	return t.conn.RemoteAddr().String()
}

func (t *tcpTransport) Close() error {
	return t.conn.Close()
}

// wsTransport carries one client frame per binary websocket message.
type wsTransport struct {
	conn *websocket.Conn
	mu   sync.Mutex // websocket writers are not concurrency-safe
}

func newWSTransport(conn *websocket.Conn) *wsTransport {
	return &wsTransport{conn: conn}
}

func (t *wsTransport) ReadFrame() (*protocol.Packet, error) {
	for {
		mt, data, err := t.conn.ReadMessage()
		if err != nil {
			return nil, err
		}
		if mt != websocket.BinaryMessage {
			continue
		}
		return protocol.ReadServerBoundFrame(bytes.NewReader(data))
	}
}

func (t *wsTransport) WriteBatch(frames [][]byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, frame := range frames {
		if err := t.conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
			return err
		}
	}
	return nil
}

func (t *wsTransport) SetReadDeadline(deadline time.Time) error {
	return t.conn.SetReadDeadline(deadline)
}

func (t *wsTransport) RemoteAddr() string {
	return t.conn.RemoteAddr().String()
}

func (t *wsTransport) Close() error {
	return t.conn.Close()
}

// Session is one client connection. A dedicated writer goroutine drains
// sendCh and batches queued frames into a single write; the read loop owns
// the transport's read side.
type Session struct {
	id int64
	gw *Server
	tr transport

	sendCh    chan []byte
	closeCh   chan struct{}
	closeOnce sync.Once

	writeTimeout time.Duration

	// mesh binding, written by system messages from api and play servers
	accountID atomic.Int64
	stageID   atomic.Int64
	playNID   atomic.Value // string

	// closeReason is read after closeCh; the stage notice carries it
	reasonMu    sync.Mutex
	closeReason string
	notifyStage bool
}

func newSession(id int64, gw *Server, tr transport, sendQueue int, writeTimeout time.Duration) *Session {
	if sendQueue <= 0 {
		sendQueue = defaultSendQueueSize
	}
	if writeTimeout <= 0 {
		writeTimeout = defaultWriteTimeout
	}
	s := &Session{
		id:           id,
		gw:           gw,
		tr:           tr,
		sendCh:       make(chan []byte, sendQueue),
		closeCh:      make(chan struct{}),
		writeTimeout: writeTimeout,
		notifyStage:  true,
	}
	s.playNID.Store("")
	return s
}

// ID returns the session id.
func (s *Session) ID() int64 {
	return s.id
}

// AccountID returns the bound account, zero before authentication.
func (s *Session) AccountID() int64 {
	return s.accountID.Load()
}

func (s *Session) bindAccount(accountID int64) {
	s.accountID.Store(accountID)
}

func (s *Session) bindStage(playNID string, stageID int64) {
	s.playNID.Store(playNID)
	s.stageID.Store(stageID)
}

func (s *Session) stageBinding() (string, int64) {
	nid, _ := s.playNID.Load().(string)
	return nid, s.stageID.Load()
}

// Send queues one encoded frame. Non-blocking: a full queue means a client
// not keeping up with its own traffic, which disconnects it.
func (s *Session) Send(frame []byte) error {
	select {
	case <-s.closeCh:
		return fmt.Errorf("session %d closed", s.id)
	case s.sendCh <- frame:
		return nil
	default:
		slog.Warn("send queue full, disconnecting slow client",
			"sessionId", s.id, "remote", s.tr.RemoteAddr())
		s.closeAsync("slow client", true)
		return fmt.Errorf("session %d send queue full", s.id)
	}
}

// sendPacket encodes and queues a server→client packet.
func (s *Session) sendPacket(p *protocol.Packet) error {
	frame, err := protocol.EncodeClientFrame(nil, p)
	if err != nil {
		return err
	}
	return s.Send(frame)
}

// writePump is the session's single writer. Queued frames are drained and
// written together.
func (s *Session) writePump() {
	frames := make([][]byte, 0, 64)

	for {
		select {
		case <-s.closeCh:
			return
		case frame := <-s.sendCh:
			frames = frames[:0]
			frames = append(frames, frame)
			for n := len(s.sendCh); n > 0; n-- {
				frames = append(frames, <-s.sendCh)
			}

			if c, ok := s.tr.(*tcpTransport); ok {
				c.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
			}
			if err := s.tr.WriteBatch(frames); err != nil {
				slog.Warn("session write failed",
					"sessionId", s.id, "remote", s.tr.RemoteAddr(), "error", err)
				s.closeAsync("write failure", true)
				return
			}
		}
	}
}

// readLoop decodes client frames until the connection drops or goes silent
// past the heartbeat TTL.
func (s *Session) readLoop(ttl time.Duration) {
	for {
		if ttl > 0 {
			s.tr.SetReadDeadline(time.Now().Add(ttl))
		}
		pkt, err := s.tr.ReadFrame()
		if err != nil {
			reason := "client disconnect"
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				reason = "heartbeat timeout"
				slog.Info("session heartbeat timeout", "sessionId", s.id, "ttl", ttl)
			} else if err != io.EOF {
				slog.Debug("session read failed", "sessionId", s.id, "error", err)
			}
			s.closeAsync(reason, true)
			return
		}
		s.gw.route(s, pkt)
	}
}

// closeAsync tears the session down once. notify controls whether the bound
// stage hears about it; a kick the stage itself ordered does not echo back.
func (s *Session) closeAsync(reason string, notify bool) {
	s.closeOnce.Do(func() {
		s.reasonMu.Lock()
		s.closeReason = reason
		s.notifyStage = notify
		s.reasonMu.Unlock()

		close(s.closeCh)
		s.tr.Close()
		s.gw.onSessionClosed(s)
	})
}
