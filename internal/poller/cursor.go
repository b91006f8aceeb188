// Package poller runs one ingestion loop per tenant: fetch a page of
// encrypted records from the saved cursor, decrypt, classify, hand media
// to the download pool and publish the rest, then persist the cursor.
package poller

import (
	"context"
	"strconv"
	"sync"

	"github.com/redis/go-redis/v9"
)

// cursorKeyPrefix keeps the legacy Redis key layout so an upgraded fleet
// resumes from the position the previous deployment left.
const cursorKeyPrefix = "chat_last_seq_"

// CursorStore persists the per-tenant sequence cursor. The cursor is the
// seq of the last accepted record; polling resumes just past it.
type CursorStore interface {
	Load(ctx context.Context, tenantID string) (uint64, error)
	Save(ctx context.Context, tenantID string, seq uint64) error
}

// RedisCursorStore shares cursors across the fleet.
type RedisCursorStore struct {
	rdb redis.UniversalClient
}

// NewRedisCursorStore wraps an existing client.
func NewRedisCursorStore(rdb redis.UniversalClient) *RedisCursorStore {
	return &RedisCursorStore{rdb: rdb}
}

// Load implements CursorStore. A missing key is cursor zero.
func (s *RedisCursorStore) Load(ctx context.Context, tenantID string) (uint64, error) {
	v, err := s.rdb.Get(ctx, cursorKeyPrefix+tenantID).Result()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return strconv.ParseUint(v, 10, 64)
}

// Save implements CursorStore.
func (s *RedisCursorStore) Save(ctx context.Context, tenantID string, seq uint64) error {
	return s.rdb.Set(ctx, cursorKeyPrefix+tenantID, strconv.FormatUint(seq, 10), 0).Err()
}

// MemoryCursorStore is a process-local store for tests and single-node
// runs.
type MemoryCursorStore struct {
	mu      sync.Mutex
	cursors map[string]uint64
}

// NewMemoryCursorStore returns an empty store.
func NewMemoryCursorStore() *MemoryCursorStore {
	return &MemoryCursorStore{cursors: make(map[string]uint64)}
}

// Load implements CursorStore.
func (s *MemoryCursorStore) Load(_ context.Context, tenantID string) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cursors[tenantID], nil
}

// Save implements CursorStore.
func (s *MemoryCursorStore) Save(_ context.Context, tenantID string, seq uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cursors[tenantID] = seq
	return nil
}
