// Package redis backs the rate limiter with one Redis counter per
// (bucket, window). The conditional increment runs as a Lua script, so
// the check and the increment are a single atomic operation and the
// stored count never passes the limit.
package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/veldtbase/lib-reliable/reliable/ratelimit"
	libredis "github.com/veldtbase/lib-reliable/reliable/redis"
)

const keyPrefix = "ratelimit:"

var ErrClientRequired = errors.New("redis client is required")

// incrementScript admits and counts a request while the counter is below
// the limit. Returns {count, 1} when admitted, {count, 0} when denied.
// The key expires with its window, so stale buckets reap themselves.
var incrementScript = redis.NewScript(`
local current = tonumber(redis.call('GET', KEYS[1]) or '0')
if current >= tonumber(ARGV[1]) then
  return {current, 0}
end
local count = redis.call('INCR', KEYS[1])
if count == 1 then
  redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
return {count, 1}
`)

// Storage implements ratelimit.Storage over a shared Redis client.
type Storage struct {
	client *libredis.Client
}

var _ ratelimit.Storage = (*Storage)(nil)

// NewStorage creates a Redis rate limit storage.
func NewStorage(client *libredis.Client) (*Storage, error) {
	if client == nil {
		return nil, ErrClientRequired
	}

	return &Storage{client: client}, nil
}

// Increment counts one admission for (bucket, windowStart) if the window
// still has capacity.
func (storage *Storage) Increment(ctx context.Context, bucket string, windowStart time.Time, window time.Duration, limit int64) (int64, bool, error) {
	if storage == nil || storage.client == nil {
		return 0, false, ErrClientRequired
	}

	client, err := storage.client.GetClient(ctx)
	if err != nil {
		return 0, false, fmt.Errorf("get redis client: %w", err)
	}

	key := fmt.Sprintf("%s%s:%d", keyPrefix, bucket, windowStart.UTC().Unix())

	// Expire at the window boundary plus a grace period, so a denied
	// window's counter survives until the window itself is over.
	ttl := time.Until(windowStart.Add(window)) + time.Second
	if ttl < time.Second {
		ttl = time.Second
	}

	result, err := incrementScript.Run(ctx, client, []string{key}, limit, ttl.Milliseconds()).Slice()
	if err != nil {
		return 0, false, fmt.Errorf("running rate limit script: %w", err)
	}

	if len(result) != 2 {
		return 0, false, fmt.Errorf("unexpected script result length %d", len(result))
	}

	count, ok := result[0].(int64)
	if !ok {
		return 0, false, fmt.Errorf("unexpected script count type %T", result[0])
	}

	allowed, ok := result[1].(int64)
	if !ok {
		return 0, false, fmt.Errorf("unexpected script verdict type %T", result[1])
	}

	return count, allowed == 1, nil
}
