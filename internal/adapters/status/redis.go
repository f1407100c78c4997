package status

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/dkeye/Meet/internal/app"
	"github.com/redis/go-redis/v9"
)

// RedisHook stores the latest snapshot under a key and publishes each
// one on a channel.
type RedisHook struct {
	client  *redis.Client
	key     string
	channel string
	ttl     time.Duration
}

func NewRedisHook(client *redis.Client, key, channel string, ttl time.Duration) *RedisHook {
	return &RedisHook{client: client, key: key, channel: channel, ttl: ttl}
}

func (h *RedisHook) Name() string { return "redis" }

func (h *RedisHook) Publish(ctx context.Context, s app.StatusSnapshot) error {
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	pipe := h.client.TxPipeline()
	pipe.Set(ctx, h.key, data, h.ttl)
	if h.channel != "" {
		pipe.Publish(ctx, h.channel, data)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis status: %w", err)
	}
	return nil
}
