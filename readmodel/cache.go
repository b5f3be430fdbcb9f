package readmodel

import (
	"context"
	"errors"
	"time"

	"github.com/bytedance/sonic"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"eventcore/domain"
)

// Cache wraps a ReadModel with a Redis read-through cache. Every write goes
// to the base store first and then evicts the keys it could have changed.
type Cache struct {
	base  domain.ReadModel
	redis *redis.Client
	ttl   time.Duration
}

var _ domain.ReadModel = (*Cache)(nil)

// NewCache creates a caching wrapper using the provided Redis client and TTL.
func NewCache(base domain.ReadModel, client *redis.Client, ttl time.Duration) *Cache {
	if base == nil {
		panic("readmodel.NewCache: base read model is nil")
	}
	if ttl < 0 {
		ttl = 0
	}
	return &Cache{base: base, redis: client, ttl: ttl}
}

func (c *Cache) GetUser(ctx context.Context, id string) (*domain.User, error) {
	var u domain.User
	if c.load(ctx, userKey(id), &u) {
		return &u, nil
	}
	got, err := c.base.GetUser(ctx, id)
	if err != nil || got == nil {
		return got, err
	}
	c.store(ctx, userKey(id), got)
	return got, nil
}

func (c *Cache) ListUsers(ctx context.Context) ([]domain.User, error) {
	var users []domain.User
	if c.load(ctx, usersKey, &users) {
		return users, nil
	}
	users, err := c.base.ListUsers(ctx)
	if err != nil {
		return nil, err
	}
	c.store(ctx, usersKey, users)
	return users, nil
}

func (c *Cache) SaveUser(ctx context.Context, upd domain.UserUpdate) error {
	if err := c.base.SaveUser(ctx, upd); err != nil {
		return err
	}
	c.evict(ctx, userKey(upd.ID), usersKey)
	return nil
}

func (c *Cache) DeleteUser(ctx context.Context, id string) error {
	if err := c.base.DeleteUser(ctx, id); err != nil {
		return err
	}
	c.evict(ctx, userKey(id), usersKey)
	return nil
}

func (c *Cache) GetItem(ctx context.Context, id string) (*domain.Item, error) {
	var it domain.Item
	if c.load(ctx, itemKey(id), &it) {
		return &it, nil
	}
	got, err := c.base.GetItem(ctx, id)
	if err != nil || got == nil {
		return got, err
	}
	c.store(ctx, itemKey(id), got)
	return got, nil
}

func (c *Cache) ListItems(ctx context.Context, ownerID string) ([]domain.Item, error) {
	var items []domain.Item
	if c.load(ctx, itemsKey(ownerID), &items) {
		return items, nil
	}
	items, err := c.base.ListItems(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	c.store(ctx, itemsKey(ownerID), items)
	return items, nil
}

func (c *Cache) SaveItem(ctx context.Context, upd domain.ItemUpdate) error {
	prev, err := c.base.GetItem(ctx, upd.ID)
	if err != nil {
		return err
	}
	if err := c.base.SaveItem(ctx, upd); err != nil {
		return err
	}
	keys := []string{itemKey(upd.ID), itemsKey("")}
	if prev != nil {
		keys = append(keys, itemsKey(prev.UserID))
	}
	if upd.UserID != nil {
		keys = append(keys, itemsKey(*upd.UserID))
	}
	c.evict(ctx, keys...)
	return nil
}

func (c *Cache) DeleteItem(ctx context.Context, id string) error {
	prev, err := c.base.GetItem(ctx, id)
	if err != nil {
		return err
	}
	if err := c.base.DeleteItem(ctx, id); err != nil {
		return err
	}
	keys := []string{itemKey(id), itemsKey("")}
	if prev != nil {
		keys = append(keys, itemsKey(prev.UserID))
	}
	c.evict(ctx, keys...)
	return nil
}

// Roles are static configuration and are served straight from the base store.

func (c *Cache) GetRole(ctx context.Context, id string) (*domain.Role, error) {
	return c.base.GetRole(ctx, id)
}

func (c *Cache) ListRoles(ctx context.Context) ([]domain.Role, error) {
	return c.base.ListRoles(ctx)
}

func (c *Cache) SaveRole(ctx context.Context, role domain.Role) error {
	return c.base.SaveRole(ctx, role)
}

func (c *Cache) load(ctx context.Context, key string, dst any) bool {
	if c.redis == nil {
		return false
	}
	data, err := c.redis.Get(ctx, key).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			// On redis errors fall back to the backing store without failing.
			_ = c.redis.Del(ctx, key).Err()
		}
		return false
	}
	if err := sonic.Unmarshal(data, dst); err != nil {
		_ = c.redis.Del(ctx, key).Err()
		return false
	}
	return true
}

func (c *Cache) store(ctx context.Context, key string, v any) {
	if c.redis == nil || c.ttl == 0 {
		return
	}
	data, err := sonic.Marshal(v)
	if err != nil {
		return
	}
	if err := c.redis.Set(ctx, key, data, c.ttl).Err(); err != nil {
		log.WithError(err).WithField("key", key).Debug("failed to store cache entry")
	}
}

func (c *Cache) evict(ctx context.Context, keys ...string) {
	if c.redis == nil {
		return
	}
	if err := c.redis.Del(ctx, keys...).Err(); err != nil {
		log.WithError(err).WithField("keys", keys).Warn("failed to evict cache entries")
	}
}

const usersKey = "users"

func userKey(id string) string { return "user:" + id }

func itemKey(id string) string { return "item:" + id }

func itemsKey(ownerID string) string { return "items:" + ownerID }
