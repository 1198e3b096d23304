package kv

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const defaultQueryTimeout = 500 * time.Millisecond

// unlockScript deletes the lock key only when the stored token matches,
// so a lock that expired and was re-acquired elsewhere is never released
// by the previous holder.
// KEYS[1] = lock key
// ARGV[1] = token
// Returns: 1 if released, 0 if not held.
var unlockScript = redis.NewScript(`
		if redis.call('GET', KEYS[1]) == ARGV[1] then
			return redis.call('DEL', KEYS[1])
		end
		return 0
`)

// extendScript renews the TTL only when the stored token matches.
// KEYS[1] = lock key
// ARGV[1] = token
// ARGV[2] = ttl in milliseconds
// Returns: 1 if extended, 0 if not held.
var extendScript = redis.NewScript(`
		if redis.call('GET', KEYS[1]) == ARGV[1] then
			return redis.call('PEXPIRE', KEYS[1], ARGV[2])
		end
		return 0
`)

// RedisKV is a Redis-backed KV.
//
// Read operations degrade gracefully when Redis is unavailable: Get returns
// (nil, false) and the caller proceeds without the cached state. Lock
// acquisition fails closed — a lock that cannot be confirmed is not held.
type RedisKV struct {
	client       *redis.Client
	queryTimeout time.Duration
}

// NewRedisKVFromClient wraps an existing Redis client.
// The caller owns the client lifecycle (creation and Close).
func NewRedisKVFromClient(cli *redis.Client) *RedisKV {
	return &RedisKV{client: cli, queryTimeout: defaultQueryTimeout}
}

// NewRedisKVFromURL parses redisURL, creates a client, verifies the
// connection with a PING, and returns a RedisKV.
func NewRedisKVFromURL(ctx context.Context, redisURL string) (*RedisKV, error) {
	if ctx == nil {
		return nil, fmt.Errorf("kv: context must not be nil")
	}

	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("kv: parse url: %w", err)
	}

	cli := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := cli.Ping(pingCtx).Err(); err != nil {
		_ = cli.Close()
		return nil, fmt.Errorf("kv: ping: %w", err)
	}

	return &RedisKV{client: cli, queryTimeout: defaultQueryTimeout}, nil
}

// Get retrieves the value for key.
// Returns (data, true) on a hit and (nil, false) on a miss or any error.
// Redis errors are logged at WARN level but not propagated.
func (r *RedisKV) Get(ctx context.Context, key string) ([]byte, bool) {
	ctx, cancel := context.WithTimeout(ctx, r.queryTimeout)
	defer cancel()

	val, err := r.client.Get(ctx, key).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			slog.WarnContext(ctx, "kv_get_error",
				slog.String("key", key),
				slog.String("error", err.Error()),
			)
		}
		return nil, false
	}
	return val, true
}

// Set stores value under key with the given TTL.
func (r *RedisKV) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, r.queryTimeout)
	defer cancel()

	if ttl < 0 {
		ttl = 0
	}
	if err := r.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("kv: SET %s: %w", key, err)
	}
	return nil
}

// Delete removes key.
func (r *RedisKV) Delete(ctx context.Context, key string) error {
	ctx, cancel := context.WithTimeout(ctx, r.queryTimeout)
	defer cancel()

	if err := r.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("kv: DEL %s: %w", key, err)
	}
	return nil
}

// Increment atomically adds delta to the integer at key.
func (r *RedisKV) Increment(ctx context.Context, key string, delta int64) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, r.queryTimeout)
	defer cancel()

	n, err := r.client.IncrBy(ctx, key, delta).Result()
	if err != nil {
		return 0, fmt.Errorf("kv: INCRBY %s: %w", key, err)
	}
	return n, nil
}

// Lock acquires key with SET NX PX. Returns a random token on success.
// Any Redis error means the lock is NOT held.
func (r *RedisKV) Lock(ctx context.Context, key string, ttl time.Duration) (string, bool) {
	ctx, cancel := context.WithTimeout(ctx, r.queryTimeout)
	defer cancel()

	token := uuid.NewString()
	ok, err := r.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil || !ok {
		return "", false
	}
	return token, true
}

// Unlock releases the lock when token still owns it.
func (r *RedisKV) Unlock(ctx context.Context, key, token string) error {
	ctx, cancel := context.WithTimeout(ctx, r.queryTimeout)
	defer cancel()

	n, err := unlockScript.Run(ctx, r.client, []string{key}, token).Int()
	if err != nil {
		return fmt.Errorf("kv: unlock %s: %w", key, err)
	}
	if n == 0 {
		return ErrNotHeld
	}
	return nil
}

// Extend renews the lock TTL when token still owns it.
func (r *RedisKV) Extend(ctx context.Context, key, token string, ttl time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, r.queryTimeout)
	defer cancel()

	n, err := extendScript.Run(ctx, r.client, []string{key}, token, ttl.Milliseconds()).Int()
	if err != nil {
		return fmt.Errorf("kv: extend %s: %w", key, err)
	}
	if n == 0 {
		return ErrNotHeld
	}
	return nil
}

// Close releases the Redis connection pool.
func (r *RedisKV) Close() error {
	return r.client.Close()
}
