package ratelimit

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// fixedWindow counts a hit and starts the window on the first one, atomically.
var fixedWindow = redis.NewScript(`
local current = redis.call("INCR", KEYS[1])
if current == 1 then
	redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
return current
`)

// RedisStore is a fixed-window counter shared by every instance using the same redis.
type RedisStore struct {
	client redis.Scripter
}

// NewRedisStore creates a store on client.
func NewRedisStore(client redis.Scripter) *RedisStore {
	return &RedisStore{client: client}
}

// Allow increments key's window counter.
func (s *RedisStore) Allow(ctx context.Context, key string, operations int, interval time.Duration) (bool, error) {
	ms := interval.Milliseconds()
	if ms < 1 {
		ms = 1
	}
	n, err := fixedWindow.Run(ctx, s.client, []string{key}, ms).Int64()
	if err != nil {
		return false, err
	}
	return n <= int64(operations), nil
}
