package webhooks

import (
	"context"
	"errors"
	"time"

	"github.com/angelmondragon/settlement-ledger/pkg/redis"
)

// SeenCache remembers processed provider event ids in Redis so replays are
// turned away before touching the database. The inbox table stays the
// source of truth; a cache miss or a Redis error falls through to it.
type SeenCache struct {
	store redis.IdempotencyStore
	ttl   time.Duration
	scope string
}

func NewSeenCache(store redis.IdempotencyStore, ttl time.Duration, provider string) (*SeenCache, error) {
	if store == nil {
		return nil, errors.New("idempotency store is required")
	}
	if ttl <= 0 {
		return nil, errors.New("ttl must be positive")
	}
	if provider == "" {
		return nil, errors.New("provider is required")
	}
	return &SeenCache{store: store, ttl: ttl, scope: "webhook:" + provider}, nil
}

func (c *SeenCache) Seen(ctx context.Context, eventID string) bool {
	if c == nil || eventID == "" {
		return false
	}
	v, err := c.store.Get(ctx, c.store.IdempotencyKey(c.scope, eventID))
	return err == nil && v != ""
}

func (c *SeenCache) Mark(ctx context.Context, eventID string) error {
	if c == nil || eventID == "" {
		return nil
	}
	_, err := c.store.SetNX(ctx, c.store.IdempotencyKey(c.scope, eventID), "1", c.ttl)
	return err
}
