package token

import (
	"context"
	"fmt"
	"time"

	"github.com/amoylab/replay/internal/common/config"
	"github.com/redis/go-redis/v9"
)

// RedisStore shares redeemed ids between ingest replicas with SETNX
type RedisStore struct {
	client *redis.Client
	prefix string
}

var _ NonceStore = (*RedisStore)(nil)

// NewRedisStore connects to redis and checks the connection
func NewRedisStore(cfg config.RedisConfig) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Username: cfg.Username,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	if err := client.Ping(context.Background()).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &RedisStore{client: client, prefix: cfg.Prefix}, nil
}

// Consume implements NonceStore.Consume
func (s *RedisStore) Consume(ctx context.Context, id string, ttl time.Duration) (bool, error) {
	return s.client.SetNX(ctx, s.prefix+":"+id, 1, ttl).Result()
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
