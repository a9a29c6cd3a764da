package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"tg_ai_relay_bot/internal/config"
)

// NewRedis constructs a Redis client for conversation logs and verifies
// connectivity with a ping.
func NewRedis(ctx context.Context, cfg config.Config) (*redis.Client, error) {
	if ctx == nil {
		return nil, errors.New("context is required")
	}

	client := redis.NewClient(&redis.Options{
		Addr: cfg.RedisAddr,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	return client, nil
}
