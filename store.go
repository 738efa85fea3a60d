package syncengine

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
)

// Store is durable key/value persistence that survives process restarts.
type Store interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
	Remove(ctx context.Context, key string) error
}

// Storage keys. Each concern owns a distinct key so writes never overlap.
const (
	keyQueue       = "syncengine.queue"
	keyDead        = "syncengine.queue.dead"
	keyOutbound    = "syncengine.outbound"
	keyStatusIndex = "syncengine.status.index"
	keyStatus      = "syncengine.status."
)

// ============================================================================
// MemoryStore
// ============================================================================

// MemoryStore is a goroutine-safe in-memory Store.
type MemoryStore struct {
	mu     sync.RWMutex
	values map[string]string
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{values: make(map[string]string)}
}

func (s *MemoryStore) Get(_ context.Context, key string) (string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.values[key]
	return v, ok, nil
}

func (s *MemoryStore) Set(_ context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[key] = value
	return nil
}

func (s *MemoryStore) Remove(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.values, key)
	return nil
}

// Len returns the number of stored keys, chunks included.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.values)
}

// ============================================================================
// ChunkedStore
// ============================================================================

const chunkedPrefix = "CHUNKED:"

// DefaultChunkSize is the per-value size limit of the reference deployment.
const DefaultChunkSize = 2048

// ChunkedStore splits values larger than its limit into CHUNKED:<n> plus
// <key>_chunk_<i> entries and reassembles them on read.
type ChunkedStore struct {
	store Store
	limit int
}

// NewChunkedStore wraps store. A limit <= 0 uses DefaultChunkSize.
func NewChunkedStore(store Store, limit int) *ChunkedStore {
	if limit <= 0 {
		limit = DefaultChunkSize
	}
	return &ChunkedStore{store: store, limit: limit}
}

func chunkKey(key string, i int) string {
	return key + "_chunk_" + strconv.Itoa(i)
}

func parseChunkHeader(v string) (int, bool) {
	if !strings.HasPrefix(v, chunkedPrefix) {
		return 0, false
	}
	n, err := strconv.Atoi(strings.TrimPrefix(v, chunkedPrefix))
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}

func (s *ChunkedStore) Get(ctx context.Context, key string) (string, bool, error) {
	v, ok, err := s.store.Get(ctx, key)
	if err != nil || !ok {
		return "", ok, err
	}
	n, chunked := parseChunkHeader(v)
	if !chunked {
		return v, true, nil
	}
	var b strings.Builder
	for i := 0; i < n; i++ {
		part, ok, err := s.store.Get(ctx, chunkKey(key, i))
		if err != nil {
			return "", false, err
		}
		if !ok {
			return "", false, fmt.Errorf("chunk %d of %s missing", i, key)
		}
		b.WriteString(part)
	}
	return b.String(), true, nil
}

func (s *ChunkedStore) Set(ctx context.Context, key, value string) error {
	prev, err := s.chunkCount(ctx, key)
	if err != nil {
		return err
	}
	if len(value) <= s.limit {
		if err := s.store.Set(ctx, key, value); err != nil {
			return err
		}
		return s.removeChunks(ctx, key, 0, prev)
	}
	n := 0
	for start := 0; start < len(value); start += s.limit {
		end := start + s.limit
		if end > len(value) {
			end = len(value)
		}
		if err := s.store.Set(ctx, chunkKey(key, n), value[start:end]); err != nil {
			return err
		}
		n++
	}
	if err := s.store.Set(ctx, key, chunkedPrefix+strconv.Itoa(n)); err != nil {
		return err
	}
	return s.removeChunks(ctx, key, n, prev)
}

func (s *ChunkedStore) Remove(ctx context.Context, key string) error {
	prev, err := s.chunkCount(ctx, key)
	if err != nil {
		return err
	}
	if err := s.store.Remove(ctx, key); err != nil {
		return err
	}
	return s.removeChunks(ctx, key, 0, prev)
}

func (s *ChunkedStore) chunkCount(ctx context.Context, key string) (int, error) {
	v, ok, err := s.store.Get(ctx, key)
	if err != nil || !ok {
		return 0, err
	}
	n, _ := parseChunkHeader(v)
	return n, nil
}

// removeChunks deletes chunk entries [from, to).
func (s *ChunkedStore) removeChunks(ctx context.Context, key string, from, to int) error {
	for i := from; i < to; i++ {
		if err := s.store.Remove(ctx, chunkKey(key, i)); err != nil {
			return err
		}
	}
	return nil
}
