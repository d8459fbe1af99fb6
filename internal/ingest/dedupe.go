package ingest

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisDeduper records processed message keys in Redis with a TTL.
type RedisDeduper struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

// NewRedisDeduper creates a deduper. Keys expire after ttl.
func NewRedisDeduper(client redis.UniversalClient, prefix string, ttl time.Duration) *RedisDeduper {
	return &RedisDeduper{client: client, prefix: prefix, ttl: ttl}
}

// Seen reports whether key was marked.
func (d *RedisDeduper) Seen(ctx context.Context, key string) (bool, error) {
	n, err := d.client.Exists(ctx, d.prefix+key).Result()
	if err != nil {
		return false, fmt.Errorf("ingest/redis: seen: %w", err)
	}
	return n > 0, nil
}

// Mark records key as processed.
func (d *RedisDeduper) Mark(ctx context.Context, key string) error {
	if err := d.client.Set(ctx, d.prefix+key, "1", d.ttl).Err(); err != nil {
		return fmt.Errorf("ingest/redis: mark: %w", err)
	}
	return nil
}

var _ Deduper = (*RedisDeduper)(nil)
