// Package kv provides the shared key-value layer used for OAuth session
// state, refresh locks, and cross-replica coordination.
//
// Two backends are available:
//   - RedisKV  — Redis-backed, recommended for multi-replica deployments.
//   - MemoryKV — in-process TTL store, zero external dependencies. Ideal
//     for single-instance deployments or local development.
//
// Both implement the KV interface so they are fully interchangeable.
package kv

import (
	"context"
	"errors"
	"time"
)

// ErrNotHeld is returned by Unlock and Extend when the lock token does not
// match, meaning the lock expired and was taken by someone else.
var ErrNotHeld = errors.New("kv: lock not held")

// KV is the key-value contract shared by both backends.
type KV interface {
	// Get returns the value for key. Returns (nil, false) on a miss.
	Get(ctx context.Context, key string) ([]byte, bool)
	// Set stores value under key with the given TTL. A zero or negative ttl
	// means no expiry.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// Delete removes key. Returns nil if the key did not exist.
	Delete(ctx context.Context, key string) error
	// Increment atomically adds delta to the integer at key (creating it at
	// zero) and returns the new value.
	Increment(ctx context.Context, key string, delta int64) (int64, error)

	// Lock acquires a distributed lock on key for ttl. Returns an opaque
	// token on success and ("", false) when the lock is already held.
	Lock(ctx context.Context, key string, ttl time.Duration) (string, bool)
	// Unlock releases the lock only when token still owns it.
	Unlock(ctx context.Context, key, token string) error
	// Extend renews the lock TTL only when token still owns it.
	Extend(ctx context.Context, key, token string, ttl time.Duration) error

	Close() error
}
