package bus

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// Deduper remembers which events were already dispatched.
type Deduper interface {
	// Add records id and reports whether it was new.
	Add(ctx context.Context, id string) (bool, error)
	Remove(ctx context.Context, id string) error
}

// RedisDeduper keeps dispatched event ids in Redis so redeliveries, across
// restarts or instances, are skipped while the marker lives.
type RedisDeduper struct {
	client *redis.Client
	ttl    time.Duration
}

var _ Deduper = (*RedisDeduper)(nil)

// NewRedisDeduper creates a deduper using the provided Redis client and TTL.
func NewRedisDeduper(client *redis.Client, ttl time.Duration) *RedisDeduper {
	return &RedisDeduper{client: client, ttl: ttl}
}

func (r *RedisDeduper) key(id string) string {
	return "bus:seen:" + id
}

func (r *RedisDeduper) Add(ctx context.Context, id string) (bool, error) {
	return r.client.SetNX(ctx, r.key(id), 1, r.ttl).Result()
}

// Remove forgets id so a later redelivery is dispatched again.
func (r *RedisDeduper) Remove(ctx context.Context, id string) error {
	return r.client.Del(ctx, r.key(id)).Err()
}
