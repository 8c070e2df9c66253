// Package counter keeps per-user concurrency counters in Redis.
//
// Counters are plain integer keys with a TTL so a crashed worker that never
// releases its slot cannot hold it forever. Decrements never go below zero.
package counter

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mohans/schedrun/internal/errors"
)

const userKeyPrefix = "concurrent:user:"

// UserKey returns the counter key for a user's in-flight executions.
func UserKey(uid string) string { return userKeyPrefix + uid }

// decrFloor decrements KEYS[1] unless it is already at or below zero.
var decrFloor = redis.NewScript(`
local v = tonumber(redis.call('GET', KEYS[1]) or '0')
if v <= 0 then
  return 0
end
return redis.call('DECR', KEYS[1])
`)

// Client wraps a redis connection with counter operations.
type Client struct {
	rdb redis.Cmdable
}

// New returns a counter client over any go-redis client, ring or cluster.
func New(rdb redis.Cmdable) *Client {
	return &Client{rdb: rdb}
}

// IncrWithExpiry increments key and refreshes its TTL in one MULTI/EXEC.
func (c *Client) IncrWithExpiry(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	pipe := c.rdb.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, errors.Wrapf(err, "failed to increment %s", key)
	}
	return incr.Val(), nil
}

// DecrFloor decrements key, clamping at zero. It returns the new value.
func (c *Client) DecrFloor(ctx context.Context, key string) (int64, error) {
	n, err := decrFloor.Run(ctx, c.rdb, []string{key}).Int64()
	if err != nil {
		return 0, errors.Wrapf(err, "failed to decrement %s", key)
	}
	return n, nil
}

// Get returns the current value; a missing key reads as zero.
func (c *Client) Get(ctx context.Context, key string) (int64, error) {
	n, err := c.rdb.Get(ctx, key).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, errors.Wrapf(err, "failed to read %s", key)
	}
	return n, nil
}
