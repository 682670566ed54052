package store

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/pitabwire/assessor/internal/config"
)

// ConnectRedis opens a Redis client for cfg and verifies it with a ping.
func ConnectRedis(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return client, nil
}

// RedisHealth adapts a Redis client to the readiness HealthChecker
// interface.
type RedisHealth struct {
	Client *redis.Client
}

// HealthCheck pings Redis.
func (h RedisHealth) HealthCheck(ctx context.Context) error {
	return h.Client.Ping(ctx).Err()
}
