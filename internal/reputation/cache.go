package reputation

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/redis/go-redis/v9"
)

// Cache stores scores with a TTL.
type Cache interface {
	Get(ctx context.Context, ip string) (int, bool, error)
	Set(ctx context.Context, ip string, score int, ttl time.Duration) error
}

type memoryEntry struct {
	score     int
	expiresAt time.Time
}

// MemoryCache is a size-bounded LRU with per-entry expiry.
type MemoryCache struct {
	entries *lru.Cache[string, memoryEntry]
	now     func() time.Time
}

// NewMemoryCache creates a MemoryCache holding at most size entries.
func NewMemoryCache(size int, now func() time.Time) (*MemoryCache, error) {
	entries, err := lru.New[string, memoryEntry](size)
	if err != nil {
		return nil, fmt.Errorf("create lru: %w", err)
	}
	if now == nil {
		now = time.Now
	}
	return &MemoryCache{entries: entries, now: now}, nil
}

func (m *MemoryCache) Get(_ context.Context, ip string) (int, bool, error) {
	e, ok := m.entries.Get(ip)
	if !ok {
		return 0, false, nil
	}
	if !m.now().Before(e.expiresAt) {
		m.entries.Remove(ip)
		return 0, false, nil
	}
	return e.score, true, nil
}

func (m *MemoryCache) Set(_ context.Context, ip string, score int, ttl time.Duration) error {
	m.entries.Add(ip, memoryEntry{score: score, expiresAt: m.now().Add(ttl)})
	return nil
}

// Len returns the number of cached entries, including expired ones not yet evicted.
func (m *MemoryCache) Len() int {
	return m.entries.Len()
}

// RedisCache shares scores between guard instances.
type RedisCache struct {
	client *redis.Client
	prefix string
}

// NewRedisCache wraps an existing client.
func NewRedisCache(client *redis.Client) *RedisCache {
	return &RedisCache{client: client, prefix: "guard:reputation:"}
}

func (r *RedisCache) Get(ctx context.Context, ip string) (int, bool, error) {
	data, err := r.client.Get(ctx, r.prefix+ip).Result()
	if errors.Is(err, redis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("failed to get reputation: %w", err)
	}
	score, err := strconv.Atoi(data)
	if err != nil {
		return 0, false, fmt.Errorf("corrupt reputation entry for %s: %w", ip, err)
	}
	return score, true, nil
}

func (r *RedisCache) Set(ctx context.Context, ip string, score int, ttl time.Duration) error {
	if err := r.client.Set(ctx, r.prefix+ip, strconv.Itoa(score), ttl).Err(); err != nil {
		return fmt.Errorf("failed to set reputation: %w", err)
	}
	return nil
}
