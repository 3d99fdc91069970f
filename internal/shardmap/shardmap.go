// Package shardmap provides a string-keyed concurrent map split into
// independently locked shards so unrelated keys never contend.
package shardmap

import (
	"sync"

	"github.com/cespare/xxhash/v2"
)

const defaultShards = 32

type shard[V any] struct {
	mu    sync.RWMutex
	items map[string]V
}

// Map is a sharded map safe for concurrent use.
type Map[V any] struct {
	shards []*shard[V]
}

// New creates a Map with the default shard count.
func New[V any]() *Map[V] {
	return NewWithShards[V](defaultShards)
}

// NewWithShards creates a Map with n shards (minimum 1).
func NewWithShards[V any](n int) *Map[V] {
	if n < 1 {
		n = 1
	}
	m := &Map[V]{shards: make([]*shard[V], n)}
	for i := range m.shards {
		m.shards[i] = &shard[V]{items: make(map[string]V)}
	}
	return m
}

func (m *Map[V]) shardFor(key string) *shard[V] {
	return m.shards[xxhash.Sum64String(key)%uint64(len(m.shards))]
}

// Get returns the value stored under key.
func (m *Map[V]) Get(key string) (V, bool) {
	s := m.shardFor(key)
	s.mu.RLock()
	v, ok := s.items[key]
	s.mu.RUnlock()
	return v, ok
}

// Set stores v under key.
func (m *Map[V]) Set(key string, v V) {
	s := m.shardFor(key)
	s.mu.Lock()
	s.items[key] = v
	s.mu.Unlock()
}

// Delete removes key.
func (m *Map[V]) Delete(key string) {
	s := m.shardFor(key)
	s.mu.Lock()
	delete(s.items, key)
	s.mu.Unlock()
}

// View calls fn with the value under key while holding the shard read lock,
// so fn may read through pointer values safely but must not modify them.
func (m *Map[V]) View(key string, fn func(v V, exists bool)) {
	s := m.shardFor(key)
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.items[key]
	fn(v, ok)
}

// Update atomically reads, modifies and writes the value under key while
// holding the shard lock. fn receives the current value (zero if absent) and
// returns the new value and whether to keep it; returning false deletes the key.
func (m *Map[V]) Update(key string, fn func(v V, exists bool) (V, bool)) V {
	s := m.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.items[key]
	next, keep := fn(cur, ok)
	if keep {
		s.items[key] = next
	} else {
		delete(s.items, key)
	}
	return next
}

// Range calls fn for every entry until fn returns false. Each shard is read
// locked while it is visited so fn must not call back into the map.
func (m *Map[V]) Range(fn func(key string, v V) bool) {
	for _, s := range m.shards {
		s.mu.RLock()
		for k, v := range s.items {
			if !fn(k, v) {
				s.mu.RUnlock()
				return
			}
		}
		s.mu.RUnlock()
	}
}

// DeleteFunc removes every entry for which fn returns true and reports how many were removed.
func (m *Map[V]) DeleteFunc(fn func(key string, v V) bool) int {
	removed := 0
	for _, s := range m.shards {
		s.mu.Lock()
		for k, v := range s.items {
			if fn(k, v) {
				delete(s.items, k)
				removed++
			}
		}
		s.mu.Unlock()
	}
	return removed
}

// Len returns the number of entries.
func (m *Map[V]) Len() int {
	n := 0
	for _, s := range m.shards {
		s.mu.RLock()
		n += len(s.items)
		s.mu.RUnlock()
	}
	return n
}
