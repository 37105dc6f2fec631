package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/gofrs/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/vasiliy-maslov/lumashop-service/internal/order"
)

// OrderCache keeps whole orders as JSON under "order:<id>".
type OrderCache struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewOrderCache(rdb *redis.Client, ttl time.Duration) *OrderCache {
	return &OrderCache{rdb: rdb, ttl: ttl}
}

func orderKey(id uuid.UUID) string {
	return "order:" + id.String()
}

func (c *OrderCache) Get(ctx context.Context, id uuid.UUID) (*order.Order, bool, error) {
	raw, err := c.rdb.Get(ctx, orderKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("cache: failed to get order %s: %w", id, err)
	}

	var o order.Order
	if err := json.Unmarshal(raw, &o); err != nil {
		// A corrupt entry is treated as a miss and dropped.
		_ = c.rdb.Del(ctx, orderKey(id)).Err()
		return nil, false, fmt.Errorf("cache: failed to decode order %s: %w", id, err)
	}
	return &o, true, nil
}

func (c *OrderCache) Set(ctx context.Context, o *order.Order) error {
	raw, err := json.Marshal(o)
	if err != nil {
		return fmt.Errorf("cache: failed to encode order %s: %w", o.ID, err)
	}
	if err := c.rdb.Set(ctx, orderKey(o.ID), raw, c.ttl).Err(); err != nil {
		return fmt.Errorf("cache: failed to set order %s: %w", o.ID, err)
	}
	return nil
}

func (c *OrderCache) Delete(ctx context.Context, id uuid.UUID) error {
	if err := c.rdb.Del(ctx, orderKey(id)).Err(); err != nil {
		return fmt.Errorf("cache: failed to delete order %s: %w", id, err)
	}
	return nil
}

var _ order.Cache = (*OrderCache)(nil)
