package session

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ulala-x/playhouse-net-sub015/internal/idgen"
	"github.com/ulala-x/playhouse-net-sub015/internal/protocol"
	"github.com/ulala-x/playhouse-net-sub015/internal/reqcache"
	"github.com/ulala-x/playhouse-net-sub015/internal/serverinfo"
)

// Mesh is the slice of the communicator the gateway needs.
type Mesh interface {
	Self() serverinfo.ServerInfo
	Center() *serverinfo.Center
	Send(header *protocol.RouteHeader, packet *protocol.Packet) error
	Request(header *protocol.RouteHeader, packet *protocol.Packet, timeout time.Duration) (*reqcache.Future, error)
}

// Config selects the client listeners. Empty addresses disable a listener.
type Config struct {
	TCPAddr string
	TLSAddr string
	WSAddr  string
	WSSAddr string

	CertFile string
	KeyFile  string

	// HeartbeatInterval is the client's expected send cadence; a session
	// silent for HeartbeatTTLFactor intervals (default 3) is closed.
	HeartbeatInterval  time.Duration
	HeartbeatTTLFactor int

	SendQueueSize  int
	WriteTimeout   time.Duration
	RequestTimeout time.Duration

	APIServiceID uint16
}

// Server is the session gateway: listeners on the client side, one mesh
// connection on the other.
type Server struct {
	cfg  Config
	mesh Mesh
	ids  idgen.SessionIDGenerator

	mu        sync.RWMutex
	sessions  map[int64]*Session
	byAccount map[int64]*Session

	wg        sync.WaitGroup
	tcpLn     net.Listener
	wsLn      net.Listener
	listeners []net.Listener
	httpSrvs  []*http.Server
}

// NewServer builds a gateway over an established mesh.
func NewServer(cfg Config, mesh Mesh) *Server {
	return &Server{
		cfg:       cfg,
		mesh:      mesh,
		sessions:  make(map[int64]*Session),
		byAccount: make(map[int64]*Session),
	}
}

// heartbeatTTL is how long a session may stay silent.
func (g *Server) heartbeatTTL() time.Duration {
	if g.cfg.HeartbeatInterval <= 0 {
		return 0
	}
	factor := g.cfg.HeartbeatTTLFactor
	if factor <= 0 {
		factor = 3
	}
	return time.Duration(factor) * g.cfg.HeartbeatInterval
}

// Run starts every configured listener and blocks until ctx ends, then closes
// the listeners and all live sessions.
func (g *Server) Run(ctx context.Context) error {
	if g.cfg.TCPAddr != "" {
		ln, err := net.Listen("tcp", g.cfg.TCPAddr)
		if err != nil {
			return fmt.Errorf("listening on %s: %w", g.cfg.TCPAddr, err)
		}
		g.addListener(ln)
		g.mu.Lock()
		g.tcpLn = ln
		g.mu.Unlock()
		slog.Info("gateway tcp listener up", "addr", ln.Addr())
		g.wg.Add(1)
		go func() {
			defer g.wg.Done()
			g.acceptLoop(ctx, ln)
		}()
	}

	if g.cfg.TLSAddr != "" {
		cert, err := tls.LoadX509KeyPair(g.cfg.CertFile, g.cfg.KeyFile)
		if err != nil {
			return fmt.Errorf("loading TLS key pair: %w", err)
		}
		ln, err := tls.Listen("tcp", g.cfg.TLSAddr, &tls.Config{Certificates: []tls.Certificate{cert}})
		if err != nil {
			return fmt.Errorf("listening on %s: %w", g.cfg.TLSAddr, err)
		}
		g.addListener(ln)
		slog.Info("gateway tls listener up", "addr", ln.Addr())
		g.wg.Add(1)
		go func() {
			defer g.wg.Done()
			g.acceptLoop(ctx, ln)
		}()
	}

	if g.cfg.WSAddr != "" {
		if err := g.startHTTP(g.cfg.WSAddr, false); err != nil {
			return err
		}
	}
	if g.cfg.WSSAddr != "" {
		if err := g.startHTTP(g.cfg.WSSAddr, true); err != nil {
			return err
		}
	}

	<-ctx.Done()
	g.shutdown()
	g.wg.Wait()
	return ctx.Err()
}

func (g *Server) addListener(ln net.Listener) {
	g.mu.Lock()
	g.listeners = append(g.listeners, ln)
	g.mu.Unlock()
}

// TCPAddr reports the bound plain-TCP address, for tests using port 0.
func (g *Server) TCPAddr() net.Addr {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if g.tcpLn == nil {
		return nil
	}
	return g.tcpLn.Addr()
}

// WSAddr reports the bound plain-WebSocket address.
func (g *Server) WSAddr() net.Addr {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if g.wsLn == nil {
		return nil
	}
	return g.wsLn.Addr()
}

func (g *Server) startHTTP(addr string, useTLS bool) error {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     func(*http.Request) bool { return true },
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			slog.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
			return
		}
		g.startSession(newWSTransport(conn))
	})

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", addr, err)
	}

	srv := &http.Server{Handler: mux}
	g.mu.Lock()
	g.httpSrvs = append(g.httpSrvs, srv)
	if !useTLS && g.wsLn == nil {
		g.wsLn = ln
	}
	g.mu.Unlock()

	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		var err error
		if useTLS {
			err = srv.ServeTLS(ln, g.cfg.CertFile, g.cfg.KeyFile)
		} else {
			err = srv.Serve(ln)
		}
		if err != nil && err != http.ErrServerClosed {
			slog.Error("gateway http listener failed", "addr", addr, "error", err)
		}
	}()
	slog.Info("gateway websocket listener up", "addr", ln.Addr(), "tls", useTLS)
	return nil
}

func (g *Server) acceptLoop(ctx context.Context, ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
			default:
				if !strings.Contains(err.Error(), "use of closed network connection") {
					slog.Error("gateway accept failed", "error", err)
				}
			}
			return
		}
		if tc, ok := conn.(*net.TCPConn); ok {
			tc.SetNoDelay(true)
			tc.SetKeepAlive(true)
			tc.SetKeepAlivePeriod(30 * time.Second)
		}
		g.startSession(newTCPTransport(conn))
	}
}

func (g *Server) startSession(tr transport) {
	s := newSession(g.ids.NextSessionID(), g, tr, g.cfg.SendQueueSize, g.cfg.WriteTimeout)

	g.mu.Lock()
	g.sessions[s.id] = s
	g.mu.Unlock()

	slog.Debug("session opened", "sessionId", s.id, "remote", tr.RemoteAddr())
	go s.writePump()
	go s.readLoop(g.heartbeatTTL())
}

// SessionCount reports live sessions.
func (g *Server) SessionCount() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.sessions)
}

func (g *Server) shutdown() {
	g.mu.Lock()
	listeners := g.listeners
	httpSrvs := g.httpSrvs
	sessions := make([]*Session, 0, len(g.sessions))
	for _, s := range g.sessions {
		sessions = append(sessions, s)
	}
	g.mu.Unlock()

	for _, ln := range listeners {
		ln.Close()
	}
	for _, srv := range httpSrvs {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		srv.Shutdown(ctx)
		cancel()
	}
	for _, s := range sessions {
		s.closeAsync("server shutdown", true)
	}
}

// route handles one decoded client frame.
func (g *Server) route(s *Session, pkt *protocol.Packet) {
	switch pkt.MsgID {
	case protocol.MsgIDHeartbeat:
		g.replyToClient(s, protocol.MsgIDHeartbeat, pkt.MsgSeq, 0, protocol.Success, nil)
		return
	case protocol.MsgIDDebug:
		g.replyToClient(s, protocol.MsgIDDebug, pkt.MsgSeq, 0, protocol.Success, pkt.TakePayload())
		return
	}
	if strings.HasPrefix(pkt.MsgID, "$") {
		slog.Warn("client sent system msgId", "sessionId", s.id, "msgId", pkt.MsgID)
		g.replyToClient(s, pkt.MsgID, pkt.MsgSeq, 0, protocol.InvalidMessage, nil)
		return
	}

	header, ok := g.meshHeader(s)
	if !ok {
		g.replyToClient(s, pkt.MsgID, pkt.MsgSeq, 0, protocol.ServerNotFound, nil)
		return
	}
	header.MsgID = pkt.MsgID

	clientSeq := pkt.MsgSeq
	_, clientStageID := s.stageBinding()
	outbound := protocol.NewPacket(pkt.MsgID, pkt.TakePayload())

	if clientSeq == 0 {
		if err := g.mesh.Send(header, outbound); err != nil {
			slog.Warn("client push dropped", "sessionId", s.id, "msgId", pkt.MsgID, "error", err)
		}
		return
	}

	fut, err := g.mesh.Request(header, outbound, g.cfg.RequestTimeout)
	if err != nil {
		g.replyToClient(s, pkt.MsgID, clientSeq, clientStageID, protocol.CodeOf(err), nil)
		return
	}
	// The reply keeps the mesh seq internal; the client sees its own seq.
	go func() {
		reply, err := fut.Await(context.Background())
		if err != nil {
			g.replyToClient(s, pkt.MsgID, clientSeq, clientStageID, protocol.InternalError, nil)
			return
		}
		g.replyToClient(s, pkt.MsgID, clientSeq, clientStageID, reply.ErrorCode, reply.TakePayload())
	}()
}

// meshHeader aims a client frame: bound sessions go straight to their stage,
// everything else round-robins over the api fleet. For api-bound traffic the
// stageId field carries the session id.
func (g *Server) meshHeader(s *Session) (*protocol.RouteHeader, bool) {
	self := g.mesh.Self()
	playNID, stageID := s.stageBinding()

	if accountID := s.AccountID(); accountID != 0 && stageID != 0 {
		return &protocol.RouteHeader{
			To:         playNID,
			ServiceID:  self.ServiceID,
			ServerType: self.ServiceType,
			StageID:    stageID,
			AccountID:  accountID,
		}, true
	}

	apiServer, ok := g.mesh.Center().FindRoundRobin(g.cfg.APIServiceID)
	if !ok {
		slog.Warn("no api server available", "sessionId", s.id)
		return nil, false
	}
	return &protocol.RouteHeader{
		To:         apiServer.NID(),
		ServiceID:  self.ServiceID,
		ServerType: self.ServiceType,
		StageID:    s.id,
		AccountID:  s.AccountID(),
	}, true
}

func (g *Server) replyToClient(s *Session, msgID string, seq uint16, stageID int64, code protocol.ErrorCode, payload []byte) {
	pkt := protocol.NewPacket(msgID, payload)
	pkt.MsgSeq = seq
	pkt.StageID = stageID
	pkt.ErrorCode = code
	if err := s.sendPacket(pkt); err != nil {
		slog.Debug("client reply dropped", "sessionId", s.id, "error", err)
	}
}

// Dispatch consumes mesh traffic addressed to this gateway: the system
// messages that manage session bindings and client delivery.
func (g *Server) Dispatch(header *protocol.RouteHeader, packet *protocol.Packet) {
	switch header.MsgID {
	case protocol.MsgIDBindSession:
		g.handleBindSession(header, packet)
	case protocol.MsgIDBindStage:
		g.handleBindStage(header, packet)
	case protocol.MsgIDToClient:
		g.handleToClient(header, packet)
	case protocol.MsgIDDisconnectClient:
		g.handleDisconnectClient(header, packet)
	default:
		slog.Warn("unexpected gateway message", "msgId", header.MsgID, "from", header.From)
	}
}

func (g *Server) handleBindSession(header *protocol.RouteHeader, packet *protocol.Packet) {
	msg, err := protocol.UnmarshalBindSessionMsg(packet.TakePayload())
	if err != nil {
		slog.Warn("bad bind session message", "from", header.From, "error", err)
		return
	}
	s, ok := g.findSession(msg.SessionID)
	if !ok {
		slog.Debug("bind for gone session", "sessionId", msg.SessionID)
		return
	}
	s.bindAccount(msg.AccountID)

	g.mu.Lock()
	g.byAccount[msg.AccountID] = s
	g.mu.Unlock()
	slog.Info("session authenticated", "sessionId", msg.SessionID, "accountId", msg.AccountID)
}

func (g *Server) handleBindStage(header *protocol.RouteHeader, packet *protocol.Packet) {
	msg, err := protocol.UnmarshalBindStageMsg(packet.TakePayload())
	if err != nil {
		slog.Warn("bad bind stage message", "from", header.From, "error", err)
		return
	}
	s, ok := g.findSession(msg.SessionID)
	if !ok {
		slog.Debug("stage bind for gone session", "sessionId", msg.SessionID)
		return
	}
	if msg.StageID == 0 {
		s.bindStage("", 0)
		return
	}
	s.bindStage(msg.PlayNID, msg.StageID)
	slog.Debug("session bound to stage",
		"sessionId", msg.SessionID, "playNid", msg.PlayNID, "stageId", msg.StageID)
}

// handleToClient relays a pre-encoded client frame.
func (g *Server) handleToClient(header *protocol.RouteHeader, packet *protocol.Packet) {
	s, ok := g.findByAccount(header.AccountID)
	if !ok {
		// Api pushes to unauthenticated sessions address by session id.
		if s, ok = g.findSession(header.StageID); !ok {
			slog.Debug("client push for gone session",
				"accountId", header.AccountID, "sessionId", header.StageID)
			return
		}
	}
	if err := s.Send(packet.TakePayload()); err != nil {
		slog.Debug("client push dropped", "sessionId", s.id, "error", err)
	}
}

func (g *Server) handleDisconnectClient(header *protocol.RouteHeader, packet *protocol.Packet) {
	msg, err := protocol.UnmarshalDisconnectClientMsg(packet.TakePayload())
	if err != nil {
		slog.Warn("bad disconnect client message", "from", header.From, "error", err)
		return
	}
	if s, ok := g.findSession(msg.SessionID); ok {
		// The stage ordered this; no disconnect notice goes back.
		s.closeAsync("preempted", false)
	}
}

func (g *Server) findSession(id int64) (*Session, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	s, ok := g.sessions[id]
	return s, ok
}

func (g *Server) findByAccount(accountID int64) (*Session, bool) {
	if accountID == 0 {
		return nil, false
	}
	g.mu.RLock()
	defer g.mu.RUnlock()
	s, ok := g.byAccount[accountID]
	return s, ok
}

// onSessionClosed deregisters and tells the bound stage its client is gone.
func (g *Server) onSessionClosed(s *Session) {
	g.mu.Lock()
	delete(g.sessions, s.id)
	if acc := s.AccountID(); acc != 0 && g.byAccount[acc] == s {
		delete(g.byAccount, acc)
	}
	g.mu.Unlock()

	s.reasonMu.Lock()
	reason, notify := s.closeReason, s.notifyStage
	s.reasonMu.Unlock()
	slog.Debug("session closed", "sessionId", s.id, "reason", reason)

	playNID, stageID := s.stageBinding()
	accountID := s.AccountID()
	if !notify || accountID == 0 || stageID == 0 {
		return
	}

	self := g.mesh.Self()
	header := &protocol.RouteHeader{
		To:         playNID,
		ServiceID:  self.ServiceID,
		ServerType: self.ServiceType,
		MsgID:      protocol.MsgIDDisconnect,
		StageID:    stageID,
		AccountID:  accountID,
		IsSystem:   true,
	}
	if err := g.mesh.Send(header, protocol.NewPacket(protocol.MsgIDDisconnect, nil)); err != nil {
		slog.Warn("disconnect notice failed",
			"sessionId", s.id, "stageId", stageID, "error", err)
	}
}
