package storage

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// MemoryStore is an in-memory implementation of the Store interface.
type MemoryStore struct {
	items map[string][]byte
	mu    sync.RWMutex
}

// NewMemoryStore creates a new MemoryStore instance.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		items: make(map[string][]byte),
	}
}

// getItem is a standalone generic helper function.
func getItem[T any](ctx context.Context, m map[string]T, key string, errNotFound error) (T, error) {
	return withContext(ctx, func() (T, error) {
		item, ok := m[key]
		if !ok {
			var zero T
			return zero, fmt.Errorf("%w: key=%s", errNotFound, key)
		}
		return item, nil
	})
}

// Get retrieves a copy of the value stored under key.
func (s *MemoryStore) Get(ctx context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	item, err := getItem(ctx, s.items, key, ErrNotFound)
	if err != nil {
		return nil, err
	}
	return append([]byte(nil), item...), nil
}

// Set saves a copy of value under key.
func (s *MemoryStore) Set(ctx context.Context, key string, value []byte) error {
	return withContextError(ctx, func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.items[key] = append([]byte(nil), value...)
		return nil
	})
}

// Delete removes key.
func (s *MemoryStore) Delete(ctx context.Context, key string) error {
	return withContextError(ctx, func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.items, key)
		return nil
	})
}

// Keys returns the stored keys with the given prefix, sorted.
func (s *MemoryStore) Keys(ctx context.Context, prefix string) ([]string, error) {
	return withContext(ctx, func() ([]string, error) {
		s.mu.RLock()
		defer s.mu.RUnlock()
		var keys []string
		for k := range s.items {
			if strings.HasPrefix(k, prefix) {
				keys = append(keys, k)
			}
		}
		sort.Strings(keys)
		return keys, nil
	})
}
