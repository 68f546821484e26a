package store

import (
	"context"
	"errors"

	"github.com/redis/go-redis/v9"
	"log/slog"

	"github.com/UpstreetAI/multiplayer/internal/app"
)

// Redis keeps room state in one hash per room.
type Redis struct {
	rdb *redis.Client
	log *slog.Logger
}

// NewRedis connects to redis and verifies connectivity
func NewRedis(ctx context.Context, cfg app.Config, log *slog.Logger) (*Redis, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr: cfg.RedisAddr,
		DB:   cfg.RedisDB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, err
	}
	return &Redis{rdb: rdb, log: log}, nil
}

func (r *Redis) Close() { _ = r.rdb.Close() }

func (r *Redis) Get(ctx context.Context, room, key string) ([]byte, error) {
	v, err := r.rdb.HGet(ctx, hashKey(room), key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, err
	}
	return v, nil
}

func (r *Redis) Put(ctx context.Context, room, key string, value []byte) error {
	if err := r.rdb.HSet(ctx, hashKey(room), key, value).Err(); err != nil {
		return err
	}
	r.log.Debug("store.put", "room", room, "key", key, "bytes", len(value))
	return nil
}

// hashKey namespacing for room hashes
func hashKey(room string) string { return "room:" + room }
