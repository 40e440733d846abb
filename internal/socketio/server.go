package socketio

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"chat-relay/internal/auth"
	"chat-relay/internal/model"
	"chat-relay/internal/presence"
)

const (
	maxPayload   int64         = 1000000
	writeTimeout time.Duration = 10 * time.Second
	pingInterval time.Duration = 25 * time.Second
	pingTimeout  time.Duration = 20 * time.Second
)

var errConnClosed = errors.New("connection closed")

// Gateway receives the lifecycle and events of every connected socket.
type Gateway interface {
	Open(s presence.Session, subject model.Identity)
	Handle(ctx context.Context, s presence.Session, event string, args []json.RawMessage)
	Close(s presence.Session)
}

type Deps struct {
	Gateway     Gateway
	TokenConfig auth.TokenConfig
	RequireAuth bool
	Logger      *slog.Logger
}

// Server speaks Engine.IO v4 / Socket.IO v5 over a websocket-only transport.
type Server struct {
	gateway     Gateway
	tokenConfig auth.TokenConfig
	requireAuth bool
	log         *slog.Logger

	upgrader websocket.Upgrader

	mu    sync.RWMutex
	conns map[string]*conn
}

func NewServer(deps Deps) *Server {
	return &Server{
		gateway:     deps.Gateway,
		tokenConfig: deps.TokenConfig,
		requireAuth: deps.RequireAuth,
		log:         deps.Logger.With(slog.String("component", "socketio")),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		conns: make(map[string]*conn),
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Debug("upgrade_failed", slog.Any("error", err))
		return
	}
	ws.SetReadLimit(maxPayload)

	c := newConn(ws)
	s.track(c)
	defer s.untrack(c)

	open := map[string]any{
		"sid":          c.sid,
		"upgrades":     []string{},
		"pingInterval": pingInterval.Milliseconds(),
		"pingTimeout":  pingTimeout.Milliseconds(),
		"maxPayload":   maxPayload,
	}
	openBytes, _ := json.Marshal(open)
	_ = c.writeText(string(engineOpen) + string(openBytes))

	go c.pingLoop()
	ctx := r.Context()
	c.readLoop(func(msg string) {
		s.handleMessage(ctx, c, msg)
	})
}

// Connections reports how many sockets are currently open.
func (s *Server) Connections() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.conns)
}

func (s *Server) track(c *conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conns[c.sid] = c
}

func (s *Server) untrack(c *conn) {
	s.mu.Lock()
	delete(s.conns, c.sid)
	s.mu.Unlock()

	c.close()
	if c.connected.Load() {
		s.gateway.Close(c)
	}
	s.log.Debug("socket_closed", slog.String("sid", c.sid))
}

func (s *Server) handleMessage(ctx context.Context, c *conn, msg string) {
	if msg == "" {
		return
	}

	switch enginePacketType(msg[0]) {
	case enginePong:
		c.markPong()
	case engineMessage:
		s.handleSocketPayload(ctx, c, msg[1:])
	case engineClose:
		c.close()
	}
}

type connectAuth struct {
	Token string `json:"token"`
}

func (s *Server) handleSocketPayload(ctx context.Context, c *conn, payload string) {
	if payload == "" {
		return
	}

	switch socketPacketType(payload[0]) {
	case socketConnect:
		s.handleConnect(c, payload)
	case socketDisconnect:
		c.close()
	case socketEvent:
		s.handleEvent(ctx, c, payload)
	}
}

func (s *Server) handleConnect(c *conn, payload string) {
	if c.connected.Load() {
		return
	}

	ns, rest := parseOptionalNamespace(payload[1:])
	var authObj connectAuth
	if rest != "" {
		if err := json.Unmarshal([]byte(rest), &authObj); err != nil {
			s.refuse(c, ns, "Invalid auth")
			return
		}
	}

	var subject model.Identity
	switch {
	case authObj.Token != "":
		claims, err := auth.VerifyToken(authObj.Token, s.tokenConfig)
		if err != nil {
			s.refuse(c, ns, "Invalid authentication token")
			return
		}
		subject = claims.Identity()
	case s.requireAuth:
		s.refuse(c, ns, "Missing token")
		return
	}

	c.namespace = ns
	c.connected.Store(true)
	s.gateway.Open(c, subject)

	packet, err := buildSocketConnectPacket(ns, c.sid)
	if err != nil {
		return
	}
	_ = c.writeText(string(engineMessage) + packet)
	s.log.Debug("socket_connected", slog.String("sid", c.sid), slog.String("subject", subject.String()))
}

func (s *Server) refuse(c *conn, ns, reason string) {
	s.log.Info("socket_refused", slog.String("sid", c.sid), slog.String("reason", reason))
	if packet, err := buildSocketConnectErrorPacket(ns, reason); err == nil {
		_ = c.writeText(string(engineMessage) + packet)
	}
	c.close()
}

func (s *Server) handleEvent(ctx context.Context, c *conn, payload string) {
	if !c.connected.Load() {
		return
	}

	pkt, err := parseSocketEventPacket(payload)
	if err != nil {
		s.log.Debug("socket_packet_invalid", slog.String("sid", c.sid), slog.Any("error", err))
		return
	}

	if pkt.Event == "ping" {
		if pkt.ID != nil {
			if ack, err := buildSocketAckPacket(pkt.Namespace, *pkt.ID); err == nil {
				_ = c.writeText(string(engineMessage) + ack)
			}
		}
		return
	}

	s.gateway.Handle(ctx, c, pkt.Event, pkt.Args)
}

// conn is one websocket carrying one Socket.IO session. It is the
// presence.Session the rest of the server delivers to.
type conn struct {
	ws *websocket.Conn

	sid       string
	namespace string

	connected atomic.Bool

	sendMu sync.Mutex

	pingMu       sync.Mutex
	awaitingPong bool
	pingSentAt   time.Time
	nextPingAt   time.Time

	closed atomic.Bool
}

func newConn(ws *websocket.Conn) *conn {
	return &conn{
		ws:         ws,
		sid:        uuid.NewString(),
		namespace:  "/",
		nextPingAt: time.Now().Add(pingInterval),
	}
}

func (c *conn) ID() string { return c.sid }

// Emit sends a server-to-client event without an ack id.
func (c *conn) Emit(event string, args ...any) error {
	if c.closed.Load() {
		return errConnClosed
	}
	packet, err := buildSocketEventPacket(c.namespace, nil, event, args...)
	if err != nil {
		return err
	}
	return c.writeText(string(engineMessage) + packet)
}

func (c *conn) close() {
	if c.closed.Swap(true) {
		return
	}
	_ = c.ws.Close()
}

func (c *conn) writeText(msg string) error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if err := c.ws.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	return c.ws.WriteMessage(websocket.TextMessage, []byte(msg))
}

func (c *conn) readLoop(onMessage func(string)) {
	defer c.close()
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		onMessage(string(data))
	}
}

func (c *conn) pingLoop() {
	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()
	for range ticker.C {
		if c.closed.Load() {
			return
		}
		now := time.Now()
		c.pingMu.Lock()
		if c.awaitingPong && now.Sub(c.pingSentAt) > pingTimeout {
			c.pingMu.Unlock()
			c.close()
			return
		}
		if !c.awaitingPong && !now.Before(c.nextPingAt) {
			c.awaitingPong = true
			c.pingSentAt = now
			c.nextPingAt = now.Add(pingInterval)
			c.pingMu.Unlock()
			_ = c.writeText(string(enginePing))
			continue
		}
		c.pingMu.Unlock()
	}
}

func (c *conn) markPong() {
	c.pingMu.Lock()
	c.awaitingPong = false
	c.pingMu.Unlock()
}
