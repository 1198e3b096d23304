package kv

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
)

// memItem stores a value together with its expiry time. A zero expiresAt
// means the entry never expires.
type memItem struct {
	data      []byte
	expiresAt time.Time
}

func (i memItem) expired(now time.Time) bool {
	return !i.expiresAt.IsZero() && now.After(i.expiresAt)
}

// MemoryKV is an in-process KV with per-entry TTL.
//
// It is safe for concurrent use. A background goroutine periodically
// removes expired entries to prevent unbounded memory growth.
type MemoryKV struct {
	mu    sync.RWMutex
	items map[string]memItem

	done chan struct{}
}

// NewMemoryKV creates a MemoryKV and starts the background cleanup loop.
// The cleanup goroutine stops when ctx is cancelled or Close is called.
func NewMemoryKV(ctx context.Context) *MemoryKV {
	m := &MemoryKV{
		items: make(map[string]memItem),
		done:  make(chan struct{}),
	}
	go m.cleanup(ctx)
	return m
}

// Get returns the value for key. Expired entries are removed lazily.
func (m *MemoryKV) Get(_ context.Context, key string) ([]byte, bool) {
	m.mu.RLock()
	item, ok := m.items[key]
	m.mu.RUnlock()

	if !ok {
		return nil, false
	}
	if item.expired(time.Now()) {
		m.mu.Lock()
		delete(m.items, key)
		m.mu.Unlock()
		return nil, false
	}
	return item.data, true
}

// Set stores value under key for the duration of ttl.
func (m *MemoryKV) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	item := memItem{data: value}
	if ttl > 0 {
		item.expiresAt = time.Now().Add(ttl)
	}

	m.mu.Lock()
	m.items[key] = item
	m.mu.Unlock()
	return nil
}

// Delete removes key. Returns nil if the key did not exist.
func (m *MemoryKV) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	delete(m.items, key)
	m.mu.Unlock()
	return nil
}

// Increment atomically adds delta to the integer at key.
func (m *MemoryKV) Increment(_ context.Context, key string, delta int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var n int64
	if item, ok := m.items[key]; ok && !item.expired(time.Now()) {
		parsed, err := strconv.ParseInt(string(item.data), 10, 64)
		if err != nil {
			return 0, err
		}
		n = parsed
	}
	n += delta
	m.items[key] = memItem{data: []byte(strconv.FormatInt(n, 10))}
	return n, nil
}

// Lock acquires key when it is absent or expired.
func (m *MemoryKV) Lock(_ context.Context, key string, ttl time.Duration) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if item, ok := m.items[key]; ok && !item.expired(time.Now()) {
		return "", false
	}
	token := uuid.NewString()
	m.items[key] = memItem{data: []byte(token), expiresAt: time.Now().Add(ttl)}
	return token, true
}

// Unlock releases the lock when token still owns it.
func (m *MemoryKV) Unlock(_ context.Context, key, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	item, ok := m.items[key]
	if !ok || item.expired(time.Now()) || string(item.data) != token {
		return ErrNotHeld
	}
	delete(m.items, key)
	return nil
}

// Extend renews the lock TTL when token still owns it.
func (m *MemoryKV) Extend(_ context.Context, key, token string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	item, ok := m.items[key]
	if !ok || item.expired(time.Now()) || string(item.data) != token {
		return ErrNotHeld
	}
	item.expiresAt = time.Now().Add(ttl)
	m.items[key] = item
	return nil
}

// Len returns the number of entries currently held (including entries that
// may have expired but not yet been evicted).
func (m *MemoryKV) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.items)
}

// Close stops the background cleanup goroutine.
func (m *MemoryKV) Close() error {
	close(m.done)
	return nil
}

// cleanup runs every 5 minutes and evicts all expired entries.
func (m *MemoryKV) cleanup(ctx context.Context) {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.evictExpired()
		case <-ctx.Done():
			return
		case <-m.done:
			return
		}
	}
}

func (m *MemoryKV) evictExpired() {
	now := time.Now()

	m.mu.Lock()
	for k, v := range m.items {
		if v.expired(now) {
			delete(m.items, k)
		}
	}
	m.mu.Unlock()
}
