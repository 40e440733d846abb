package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"chat-relay/internal/model"
)

const (
	profileKeyPrefix  = "chat-relay:profile:"
	redisDialTimeout  = 3 * time.Second
	redisReadTimeout  = 2 * time.Second
	redisWriteTimeout = 2 * time.Second
)

// NewRedisClient parses url and checks connectivity once.
func NewRedisClient(ctx context.Context, url string, log *slog.Logger) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("redis: invalid URL: %w", err)
	}
	opts.DialTimeout = redisDialTimeout
	opts.ReadTimeout = redisReadTimeout
	opts.WriteTimeout = redisWriteTimeout

	client := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, redisDialTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis: ping failed: %w", err)
	}

	log.Info("redis_connected", slog.String("addr", opts.Addr))
	return client, nil
}

// CachedStore fronts FetchUserProfile with Redis. Cache failures are logged
// and fall through to the wrapped store.
type CachedStore struct {
	Store
	client *redis.Client
	ttl    time.Duration
	log    *slog.Logger
}

func NewCachedStore(inner Store, client *redis.Client, ttl time.Duration, log *slog.Logger) *CachedStore {
	return &CachedStore{
		Store:  inner,
		client: client,
		ttl:    ttl,
		log:    log.With(slog.String("component", "profile_cache")),
	}
}

func profileKey(id model.Identity) string {
	return profileKeyPrefix + id.String()
}

func (c *CachedStore) FetchUserProfile(ctx context.Context, id model.Identity) (model.UserProfile, error) {
	raw, err := c.client.Get(ctx, profileKey(id)).Bytes()
	switch {
	case err == nil:
		var user model.UserProfile
		if jsonErr := json.Unmarshal(raw, &user); jsonErr == nil {
			return user, nil
		}
		c.log.Warn("profile_cache_corrupt", slog.String("identity", id.String()))
	case errors.Is(err, redis.Nil):
	default:
		c.log.Warn("profile_cache_get_failed", slog.String("identity", id.String()), slog.Any("error", err))
	}

	user, err := c.Store.FetchUserProfile(ctx, id)
	if err != nil {
		return model.UserProfile{}, err
	}
	c.put(ctx, user)
	return user, nil
}

func (c *CachedStore) UpsertUser(ctx context.Context, username, phoneNumber string) (model.UserProfile, bool, error) {
	user, created, err := c.Store.UpsertUser(ctx, username, phoneNumber)
	if err != nil {
		return model.UserProfile{}, false, err
	}
	c.put(ctx, user)
	return user, created, nil
}

func (c *CachedStore) Close() error {
	storeErr := c.Store.Close()
	if err := c.client.Close(); err != nil {
		return errors.Join(storeErr, err)
	}
	return storeErr
}

func (c *CachedStore) put(ctx context.Context, user model.UserProfile) {
	data, err := json.Marshal(user)
	if err != nil {
		return
	}
	if err := c.client.Set(ctx, profileKey(user.ID), data, c.ttl).Err(); err != nil {
		c.log.Warn("profile_cache_set_failed", slog.String("identity", user.ID.String()), slog.Any("error", err))
	}
}
