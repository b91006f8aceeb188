// Package dedup implements the content-addressed attachment index: a
// short-TTL shared cache tier in front of the durable md5_index table.
// Reads are optimistic — concurrent resolutions of the same checksum
// race harmlessly because all writers store identical values.
package dedup

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// KV is the fast cache tier. Production uses Redis; tests use MemoryKV.
type KV interface {
	// Get returns the cached value; the boolean reports presence.
	Get(ctx context.Context, key string) (string, bool, error)
	// Set stores a value with a TTL.
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	// SetNX stores a value only when the key is absent, reporting
	// whether the write happened.
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
}

// RedisKV backs KV with a shared Redis instance so the cache tier (and
// the in-flight download flags) span the whole fleet.
type RedisKV struct {
	rdb redis.UniversalClient
}

// NewRedisKV wraps an existing client.
func NewRedisKV(rdb redis.UniversalClient) *RedisKV { return &RedisKV{rdb: rdb} }

// Get implements KV.
func (r *RedisKV) Get(ctx context.Context, key string) (string, bool, error) {
	v, err := r.rdb.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

// Set implements KV.
func (r *RedisKV) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return r.rdb.Set(ctx, key, value, ttl).Err()
}

// SetNX implements KV.
func (r *RedisKV) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	return r.rdb.SetNX(ctx, key, value, ttl).Result()
}

// MemoryKV is a process-local KV with TTL expiry, used in tests and in
// single-node deployments without Redis.
type MemoryKV struct {
	mu    sync.Mutex
	items map[string]memItem
}

type memItem struct {
	value   string
	expires time.Time
}

// NewMemoryKV returns an empty in-process KV.
func NewMemoryKV() *MemoryKV {
	return &MemoryKV{items: make(map[string]memItem)}
}

// Get implements KV.
func (m *MemoryKV) Get(_ context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	it, ok := m.items[key]
	if !ok || time.Now().After(it.expires) {
		delete(m.items, key)
		return "", false, nil
	}
	return it.value, true, nil
}

// Set implements KV.
func (m *MemoryKV) Set(_ context.Context, key, value string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items[key] = memItem{value: value, expires: time.Now().Add(ttl)}
	return nil
}

// SetNX implements KV.
func (m *MemoryKV) SetNX(_ context.Context, key, value string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if it, ok := m.items[key]; ok && time.Now().Before(it.expires) {
		return false, nil
	}
	m.items[key] = memItem{value: value, expires: time.Now().Add(ttl)}
	return true, nil
}
