package dedup

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
)

const (
	messagePrefix = "chatflow:dedup:msg:"
	textPrefix    = "chatflow:dedup:text:"
)

// Redis is a Deduper shared by every instance behind the webhook.
type Redis struct {
	client *redis.Client
	cfg    config
}

// NewRedis creates a Redis deduper on an existing client.
func NewRedis(client *redis.Client, opts ...Option) *Redis {
	return &Redis{client: client, cfg: newConfig(opts)}
}

// SeenMessage implements Deduper.
func (r *Redis) SeenMessage(ctx context.Context, messageID string) (bool, error) {
	return r.seen(ctx, messagePrefix+messageID, r.cfg.messageWindow)
}

// SeenText implements Deduper.
func (r *Redis) SeenText(ctx context.Context, address, text string) (bool, error) {
	return r.seen(ctx, textPrefix+textKey(address, text), r.cfg.textWindow)
}

// Forget implements Deduper.
func (r *Redis) Forget(ctx context.Context, messageID, address, text string) error {
	var keys []string
	if messageID != "" {
		keys = append(keys, messagePrefix+messageID)
	}
	if strings.TrimSpace(text) != "" {
		keys = append(keys, textPrefix+textKey(address, text))
	}
	if len(keys) == 0 {
		return nil
	}
	if err := r.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("failed to release %s: %w", strings.Join(keys, ","), err)
	}
	return nil
}

func (r *Redis) seen(ctx context.Context, key string, window time.Duration) (bool, error) {
	set, err := r.client.SetNX(ctx, key, 1, window).Result()
	if err != nil {
		return false, fmt.Errorf("failed to mark %s: %w", key, err)
	}
	return !set, nil
}
