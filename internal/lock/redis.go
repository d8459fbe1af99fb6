package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// releaseScript deletes the key only while it still holds our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Redis is a Locker shared by every replica pointing at the same Redis.
type Redis struct {
	client redis.UniversalClient
	prefix string
}

// NewRedis creates a Redis-backed locker. Keys are namespaced with prefix.
func NewRedis(client redis.UniversalClient, prefix string) *Redis {
	return &Redis{client: client, prefix: prefix}
}

// TryLock acquires key with SET NX PX and a random token.
func (r *Redis) TryLock(ctx context.Context, key string, ttl time.Duration) (Handle, bool, error) {
	if key == "" {
		return nil, false, ErrEmptyKey
	}

	fullKey := r.prefix + key
	token := uuid.NewString()

	ok, err := r.client.SetNX(ctx, fullKey, token, ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("lock/redis: acquire %s: %w", key, err)
	}
	if !ok {
		return nil, false, nil
	}
	return &redisHandle{client: r.client, key: fullKey, token: token}, true, nil
}

type redisHandle struct {
	client redis.UniversalClient
	key    string
	token  string
}

func (h *redisHandle) Unlock(ctx context.Context) error {
	if err := releaseScript.Run(ctx, h.client, []string{h.key}, h.token).Err(); err != nil {
		return fmt.Errorf("lock/redis: release %s: %w", h.key, err)
	}
	return nil
}

var _ Locker = (*Redis)(nil)
