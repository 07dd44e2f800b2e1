package lease

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// releaseScript deletes the lease only when it is still ours.
// KEYS[1] = lease key, ARGV[1] = owner
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("DEL", KEYS[1])
end
return 0
`)

// extendScript resets the TTL only when the lease is still ours.
// KEYS[1] = lease key, ARGV[1] = owner, ARGV[2] = ttl in milliseconds
var extendScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// RedisLocker implements Locker with SET NX PX so leases hold across
// engine instances.
type RedisLocker struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisLocker parses a redis:// URL.
func NewRedisLocker(url string) (*RedisLocker, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}
	return &RedisLocker{client: redis.NewClient(opts), prefix: "sync:lease:"}, nil
}

// NewRedisLockerFromClient wraps an existing client.
func NewRedisLockerFromClient(client redis.UniversalClient) *RedisLocker {
	return &RedisLocker{client: client, prefix: "sync:lease:"}
}

func (r *RedisLocker) TryAcquire(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	ok, err := r.client.SetNX(ctx, r.prefix+key, owner, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis lease acquire error: %w", err)
	}
	if ok {
		return true, nil
	}
	// Re-acquiring our own lease succeeds.
	return r.Extend(ctx, key, owner, ttl)
}

func (r *RedisLocker) Extend(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	res, err := extendScript.Run(ctx, r.client, []string{r.prefix + key}, owner, ttl.Milliseconds()).Int64()
	if err != nil {
		return false, fmt.Errorf("redis lease extend error: %w", err)
	}
	return res == 1, nil
}

func (r *RedisLocker) Release(ctx context.Context, key, owner string) error {
	if err := releaseScript.Run(ctx, r.client, []string{r.prefix + key}, owner).Err(); err != nil {
		return fmt.Errorf("redis lease release error: %w", err)
	}
	return nil
}

// Ping reports whether redis is reachable.
func (r *RedisLocker) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *RedisLocker) Close() error {
	return r.client.Close()
}
