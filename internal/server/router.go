package server

import (
	"log/slog"

	"github.com/gin-gonic/gin"

	"chat-relay/internal/auth"
	"chat-relay/internal/gateway"
	"chat-relay/internal/handler"
	"chat-relay/internal/middleware"
	"chat-relay/internal/socketio"
	"chat-relay/internal/store"
)

type Deps struct {
	Store        store.Store
	Gateway      *gateway.Gateway
	TokenConfig  auth.TokenConfig
	RequireAuth  bool
	LoginLimiter *middleware.RateLimiter
	Logger       *slog.Logger
}

func NewRouter(deps Deps) *gin.Engine {
	log := deps.Logger
	r := gin.New()
	r.Use(middleware.Recovery(log))
	r.Use(middleware.RequestLogger(log))

	sio := socketio.NewServer(socketio.Deps{
		Gateway:     deps.Gateway,
		TokenConfig: deps.TokenConfig,
		RequireAuth: deps.RequireAuth,
		Logger:      log,
	})

	presenceHandler := &handler.PresenceHandler{Directory: deps.Gateway, Sockets: sio}
	r.GET("/health", presenceHandler.Health)

	userHandler := &handler.UserHandler{Store: deps.Store, TokenConfig: deps.TokenConfig, Log: log}
	loginLimiter := deps.LoginLimiter
	if loginLimiter == nil {
		loginLimiter = middleware.NewRateLimiter(middleware.PerMinute(10), 10)
	}
	r.POST("/v1/users/login", middleware.RateLimitMiddleware(loginLimiter), userHandler.Login)

	protected := r.Group("/v1")
	protected.Use(middleware.RequireAuth(deps.TokenConfig))
	protected.GET("/users", userHandler.List)
	protected.GET("/users/:id", userHandler.Get)
	protected.GET("/presence/:id", presenceHandler.Get)

	messageHandler := &handler.MessageHandler{Store: deps.Store, Log: log}
	protected.POST("/messages", messageHandler.Save)
	protected.GET("/messages/:peer", messageHandler.Conversation)

	callHandler := &handler.CallHandler{Store: deps.Store, Log: log}
	protected.GET("/calls", callHandler.List)

	r.GET("/socket.io/", gin.WrapH(sio))

	wsHandler := &handler.WebSocketHandler{
		Gateway:     deps.Gateway,
		TokenConfig: deps.TokenConfig,
		RequireAuth: deps.RequireAuth,
		Log:         log,
	}
	r.GET("/ws", wsHandler.Serve)

	return r
}
