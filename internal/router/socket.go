// Package router implements the server-to-server transport: one bound TCP
// listener per server plus one dialed connection per known peer, carrying
// 3-part multipart frames.
package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"
)

// ErrBufferOverflow is returned when the send queue stays full past the
// bounded wait.
var ErrBufferOverflow = errors.New("router send queue overflow")

// errSocketClosed reports sends after Close.
var errSocketClosed = errors.New("router socket closed")

const (
	DefaultHWM         = 100000
	defaultSendWait    = 100 * time.Millisecond
	defaultDialTimeout = 3 * time.Second
	keepalivePeriod    = 30 * time.Second
)

// Config controls one router socket.
type Config struct {
	BindEndpoint string // "host:port", optional tcp:// prefix
	SendHWM      int
	RecvHWM      int
	SendWait     time.Duration // bounded wait on a full send queue
	TCPKeepalive bool
}

type outbound struct {
	endpoint string
	msg      *Message
}

type peerConn struct {
	endpoint string
	conn     net.Conn
}

// Socket is the router transport. Sends are drained by a single goroutine to
// preserve per-peer order; every inbound connection feeds the single receive
// channel.
type Socket struct {
	cfg Config

	ln     net.Listener
	out    chan outbound
	in     chan *Message
	closed chan struct{}

	mu    sync.Mutex
	peers map[string]*peerConn // by endpoint

	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewSocket creates a socket; Bind must be called before Run.
func NewSocket(cfg Config) *Socket {
	if cfg.SendHWM <= 0 {
		cfg.SendHWM = DefaultHWM
	}
	if cfg.RecvHWM <= 0 {
		cfg.RecvHWM = DefaultHWM
	}
	if cfg.SendWait <= 0 {
		cfg.SendWait = defaultSendWait
	}
	return &Socket{
		cfg:    cfg,
		out:    make(chan outbound, cfg.SendHWM),
		in:     make(chan *Message, cfg.RecvHWM),
		closed: make(chan struct{}),
		peers:  make(map[string]*peerConn),
	}
}

// Bind opens the listener on the configured endpoint.
func (s *Socket) Bind() error {
	addr := dialAddr(s.cfg.BindEndpoint)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("binding router socket on %s: %w", addr, err)
	}
	s.ln = ln
	slog.Info("router socket bound", "address", ln.Addr())
	return nil
}

// Addr returns the bound address, nil before Bind.
func (s *Socket) Addr() net.Addr {
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// Run drives the accept loop and the send loop until ctx ends.
func (s *Socket) Run(ctx context.Context) error {
	if s.ln == nil {
		return errors.New("router socket not bound")
	}

	go func() {
		<-ctx.Done()
		s.Close()
	}()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.sendLoop()
	}()

	for {
		conn, err := s.ln.Accept()
		if err != nil {
			select {
			case <-s.closed:
				s.wg.Wait()
				return nil
			default:
			}
			slog.Error("router accept failed", "error", err)
			continue
		}
		s.configureConn(conn)
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.recvLoop(conn)
		}()
	}
}

// Recv returns the channel of inbound messages. Consumed by a single reader.
func (s *Socket) Recv() <-chan *Message {
	return s.in
}

// Connect dials a peer's router endpoint. Connecting twice to the same
// endpoint is a no-op.
func (s *Socket) Connect(endpoint string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.peers[endpoint]; ok {
		return nil
	}

	conn, err := net.DialTimeout("tcp", dialAddr(endpoint), defaultDialTimeout)
	if err != nil {
		return fmt.Errorf("connecting router to %s: %w", endpoint, err)
	}
	s.configureConn(conn)
	s.peers[endpoint] = &peerConn{endpoint: endpoint, conn: conn}
	slog.Info("router connected", "endpoint", endpoint)
	return nil
}

// Connected reports whether a dialed connection to endpoint exists.
func (s *Socket) Connected(endpoint string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.peers[endpoint]
	return ok
}

// Disconnect hangs up the dialed connection to endpoint.
func (s *Socket) Disconnect(endpoint string) {
	s.mu.Lock()
	peer, ok := s.peers[endpoint]
	if ok {
		delete(s.peers, endpoint)
	}
	s.mu.Unlock()

	if ok {
		peer.conn.Close()
		slog.Info("router disconnected", "endpoint", endpoint)
	}
}

// Send queues msg for the peer at endpoint. On a full queue it waits the
// configured bound and then fails with ErrBufferOverflow.
func (s *Socket) Send(endpoint string, msg *Message) error {
	// Checked on its own first: a buffered out channel would otherwise still
	// accept sends after Close.
	select {
	case <-s.closed:
		return errSocketClosed
	default:
	}

	ob := outbound{endpoint: endpoint, msg: msg}
	select {
	case s.out <- ob:
		return nil
	case <-s.closed:
		return errSocketClosed
	default:
	}

	timer := time.NewTimer(s.cfg.SendWait)
	defer timer.Stop()
	select {
	case s.out <- ob:
		return nil
	case <-timer.C:
		return ErrBufferOverflow
	case <-s.closed:
		return errSocketClosed
	}
}

// Close shuts the listener, every connection, and the send loop.
func (s *Socket) Close() {
	s.closeOnce.Do(func() {
		close(s.closed)
		if s.ln != nil {
			s.ln.Close()
		}
		s.mu.Lock()
		for _, peer := range s.peers {
			peer.conn.Close()
		}
		s.peers = make(map[string]*peerConn)
		s.mu.Unlock()
	})
}

// sendLoop is the single writer: it drains the outbound queue in order and
// writes to the matching peer connection.
func (s *Socket) sendLoop() {
	for {
		select {
		case <-s.closed:
			return
		case ob := <-s.out:
			s.mu.Lock()
			peer, ok := s.peers[ob.endpoint]
			s.mu.Unlock()
			if !ok {
				slog.Warn("dropping message for unconnected peer", "endpoint", ob.endpoint)
				continue
			}

			peer.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
			if err := writeMessage(peer.conn, ob.msg); err != nil {
				slog.Warn("router write failed", "endpoint", ob.endpoint, "error", err)
				s.Disconnect(ob.endpoint)
			}
		}
	}
}

// recvLoop reads multiparts from one accepted connection into the shared
// inbound channel.
func (s *Socket) recvLoop(conn net.Conn) {
	defer conn.Close()

	for {
		msg, err := readMessage(conn)
		if err != nil {
			select {
			case <-s.closed:
			default:
				slog.Debug("router connection closed", "remote", conn.RemoteAddr(), "error", err)
			}
			return
		}
		select {
		case s.in <- msg:
		case <-s.closed:
			return
		}
	}
}

func (s *Socket) configureConn(conn net.Conn) {
	tcpConn, ok := conn.(*net.TCPConn)
	if !ok {
		return
	}
	tcpConn.SetNoDelay(true)
	if s.cfg.TCPKeepalive {
		if err := tcpConn.SetKeepAlive(true); err != nil {
			slog.Warn("set keepalive failed", "error", err)
		}
		if err := tcpConn.SetKeepAlivePeriod(keepalivePeriod); err != nil {
			slog.Warn("set keepalive period failed", "error", err)
		}
	}
}

func dialAddr(endpoint string) string {
	return strings.TrimPrefix(endpoint, "tcp://")
}
