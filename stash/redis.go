package stash

import (
	"context"
	"errors"

	"github.com/go-redis/redis/v8"
)

// Redis is the Redis-backed store, the production default.
type Redis struct {
	rdb *redis.Client
}

func NewRedis(rdb *redis.Client) *Redis {
	return &Redis{rdb: rdb}
}

func (s *Redis) Get(ctx context.Context, key string) ([]byte, error) {
	val, err := s.rdb.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	return val, err
}

func (s *Redis) Set(ctx context.Context, key string, value []byte) error {
	return s.rdb.Set(ctx, key, value, 0).Err()
}

func (s *Redis) Del(ctx context.Context, key string) error {
	return s.rdb.Del(ctx, key).Err()
}

func (s *Redis) Keys(ctx context.Context, prefix string) ([]string, error) {
	return s.rdb.Keys(ctx, prefix+"*").Result()
}

func (s *Redis) Close() error {
	return s.rdb.Close()
}
