package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"chat-relay/internal/auth"
	"chat-relay/internal/calls"
	"chat-relay/internal/config"
	"chat-relay/internal/gateway"
	"chat-relay/internal/middleware"
	"chat-relay/internal/presence"
	"chat-relay/internal/relay"
	"chat-relay/internal/server"
	"chat-relay/internal/store"
)

const (
	limiterSweepInterval = time.Minute
	limiterIdleTTL       = 10 * time.Minute
)

func main() {
	if err := run(); err != nil {
		slog.Error("server_exited", slog.Any("error", err))
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return err
	}

	log := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()})).
		With(slog.String("app", "chat-relay"))
	slog.SetDefault(log)
	gin.SetMode(cfg.GinMode)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := store.Open(ctx, cfg, log)
	if err != nil {
		return err
	}
	if cfg.RedisURL != "" {
		client, err := store.NewRedisClient(ctx, cfg.RedisURL, log)
		if err != nil {
			_ = st.Close()
			return err
		}
		st = store.NewCachedStore(st, client, cfg.ProfileCacheTTL(), log)
	}
	defer func() {
		if err := st.Close(); err != nil {
			log.Error("store_close_failed", slog.Any("error", err))
		}
	}()

	tokenCfg := auth.DefaultTokenConfig(cfg.MasterSecret)
	tokenCfg.Expiry = cfg.TokenExpiry()

	eventLimiter := middleware.NewRateLimiter(rate.Limit(cfg.EventRatePerSecond), cfg.EventBurst)
	loginLimiter := middleware.NewRateLimiter(middleware.PerMinute(cfg.LoginRatePerMinute), cfg.LoginRatePerMinute)
	go eventLimiter.Run(ctx, limiterSweepInterval, limiterIdleTTL)
	go loginLimiter.Run(ctx, limiterSweepInterval, limiterIdleTTL)

	registry := presence.NewRegistry()
	gw := gateway.New(gateway.Deps{
		Presence:  presence.NewManager(registry, log),
		Relay:     relay.New(registry, st, log),
		Calls:     calls.New(registry, st, calls.Options{DisconnectCleanup: cfg.CallDisconnectCleanup}, log),
		Limiter:   eventLimiter,
		Logger:    log,
		Lifecycle: context.WithoutCancel(ctx),
	})

	router := server.NewRouter(server.Deps{
		Store:        st,
		Gateway:      gw,
		TokenConfig:  tokenCfg,
		RequireAuth:  cfg.RequireAuth,
		LoginLimiter: loginLimiter,
		Logger:       log,
	})

	log.Info("server_starting",
		slog.Int("port", cfg.Port),
		slog.String("store", cfg.StoreDriver),
		slog.Bool("profile_cache", cfg.RedisURL != ""),
		slog.Bool("require_auth", cfg.RequireAuth),
	)
	return server.Run(ctx, cfg, router, log)
}
