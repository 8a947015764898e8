package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

// RPush appends value to the list at key.
func (c *Client) RPush(ctx context.Context, key string, value []byte) error {
	c.metrics.IncRegistryCall(ctx, "rpush")
	if err := c.rdb.RPush(ctx, key, value).Err(); err != nil {
		c.metrics.IncRegistryError(ctx, "rpush")
		return fmt.Errorf("rpush %s: %w", key, err)
	}
	return nil
}

// LMove atomically moves the head of source to the tail of destination.
// A (nil, nil) return means source is empty.
func (c *Client) LMove(ctx context.Context, source, destination string) ([]byte, error) {
	c.metrics.IncRegistryCall(ctx, "lmove")
	value, err := c.rdb.LMove(ctx, source, destination, "LEFT", "RIGHT").Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, nil
	}
	if err != nil {
		c.metrics.IncRegistryError(ctx, "lmove")
		return nil, fmt.Errorf("lmove %s: %w", source, err)
	}
	return value, nil
}

// LRem removes count occurrences of value from the list at key.
func (c *Client) LRem(ctx context.Context, key string, count int, value []byte) (int, error) {
	c.metrics.IncRegistryCall(ctx, "lrem")
	removed, err := c.rdb.LRem(ctx, key, int64(count), value).Result()
	if err != nil {
		c.metrics.IncRegistryError(ctx, "lrem")
		return 0, fmt.Errorf("lrem %s: %w", key, err)
	}
	return int(removed), nil
}

// Expire refreshes the TTL on key.
func (c *Client) Expire(ctx context.Context, key string, ttl time.Duration) error {
	c.metrics.IncRegistryCall(ctx, "expire")
	if err := c.rdb.Expire(ctx, key, ttl).Err(); err != nil {
		c.metrics.IncRegistryError(ctx, "expire")
		return fmt.Errorf("expire %s: %w", key, err)
	}
	return nil
}
