package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"chat-relay/internal/auth"
	"chat-relay/internal/model"
	"chat-relay/internal/presence"
)

const (
	wsReadLimit = 1024 * 1024
	wsPongWait  = 60 * time.Second
	wsWriteWait = 10 * time.Second
)

var errSessionClosed = errors.New("websocket closed")

type Gateway interface {
	Open(s presence.Session, subject model.Identity)
	Handle(ctx context.Context, s presence.Session, event string, args []json.RawMessage)
	Close(s presence.Session)
}

// WebSocketHandler serves the plain JSON transport. Frames are
// {"event": name, "args": [...]} in both directions.
type WebSocketHandler struct {
	Gateway     Gateway
	TokenConfig auth.TokenConfig
	RequireAuth bool
	Log         *slog.Logger
}

type frame struct {
	Event string            `json:"event"`
	Args  []json.RawMessage `json:"args,omitempty"`
}

type outFrame struct {
	Event string `json:"event"`
	Args  []any  `json:"args,omitempty"`
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// wsSession adapts one websocket to presence.Session.
type wsSession struct {
	id     string
	conn   *websocket.Conn
	mu     sync.Mutex
	closed atomic.Bool
}

func (s *wsSession) ID() string { return s.id }

func (s *wsSession) Emit(event string, args ...any) error {
	return s.write(outFrame{Event: event, Args: args})
}

func (s *wsSession) write(v any) error {
	if s.closed.Load() {
		return errSessionClosed
	}
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.conn.SetWriteDeadline(time.Now().Add(wsWriteWait)); err != nil {
		return err
	}
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

func (s *wsSession) ping() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait))
}

func (s *wsSession) close() {
	if s.closed.Swap(true) {
		return
	}
	_ = s.conn.Close()
}

func (h *WebSocketHandler) Serve(c *gin.Context) {
	var subject model.Identity
	if token := c.Query("token"); token != "" {
		claims, err := auth.VerifyToken(token, h.TokenConfig)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid authentication token"})
			return
		}
		subject = claims.Identity()
	} else if h.RequireAuth {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid authentication token"})
		return
	}

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}

	sess := &wsSession{id: uuid.NewString(), conn: ws}
	log := h.Log.With(slog.String("component", "websocket"), slog.String("sid", sess.id))
	h.Gateway.Open(sess, subject)
	defer func() {
		sess.close()
		h.Gateway.Close(sess)
		log.Debug("socket_closed")
	}()

	ws.SetReadLimit(wsReadLimit)
	pingPeriod := (wsPongWait * 9) / 10
	_ = ws.SetReadDeadline(time.Now().Add(wsPongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	done := make(chan struct{})
	defer close(done)

	go func() {
		ticker := time.NewTicker(pingPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if err := sess.ping(); err != nil {
					sess.close()
					return
				}
			}
		}
	}()

	ctx := c.Request.Context()
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return
		}

		var msg frame
		if err := json.Unmarshal(data, &msg); err != nil || msg.Event == "" {
			log.Debug("frame_invalid")
			continue
		}
		if msg.Event == "ping" {
			_ = sess.write(outFrame{Event: "pong"})
			continue
		}
		h.Gateway.Handle(ctx, sess, msg.Event, msg.Args)
	}
}
