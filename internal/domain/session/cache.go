package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// MemoryCache is a process-local ProfileCache with a fixed TTL.
type MemoryCache struct {
	mu      sync.Mutex
	ttl     time.Duration
	now     func() time.Time
	entries map[string]memoryEntry
}

type memoryEntry struct {
	profile Profile
	expires time.Time
}

// NewMemoryCache creates a cache; ttl <= 0 keeps entries until deleted.
func NewMemoryCache(ttl time.Duration) *MemoryCache {
	return &MemoryCache{ttl: ttl, now: time.Now, entries: make(map[string]memoryEntry)}
}

func (c *MemoryCache) Get(_ context.Context, userID string) (Profile, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[userID]
	if !ok {
		return Profile{}, false, nil
	}
	if !e.expires.IsZero() && !c.now().Before(e.expires) {
		delete(c.entries, userID)
		return Profile{}, false, nil
	}
	return e.profile, true, nil
}

func (c *MemoryCache) Set(_ context.Context, p Profile) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	e := memoryEntry{profile: p}
	if c.ttl > 0 {
		e.expires = c.now().Add(c.ttl)
	}
	c.entries[p.UserID] = e
	return nil
}

func (c *MemoryCache) Delete(_ context.Context, userID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, userID)
	return nil
}

// RedisCache stores profiles as JSON values with a TTL.
type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
	prefix string
}

// NewRedisCache wraps an existing client.
func NewRedisCache(client *redis.Client, ttl time.Duration) *RedisCache {
	return &RedisCache{client: client, ttl: ttl, prefix: "chairside:profile:"}
}

func (c *RedisCache) Get(ctx context.Context, userID string) (Profile, bool, error) {
	data, err := c.client.Get(ctx, c.prefix+userID).Bytes()
	if errors.Is(err, redis.Nil) {
		return Profile{}, false, nil
	}
	if err != nil {
		return Profile{}, false, fmt.Errorf("redis get profile: %w", err)
	}
	var p Profile
	if err := json.Unmarshal(data, &p); err != nil {
		return Profile{}, false, fmt.Errorf("decode cached profile: %w", err)
	}
	return p, true, nil
}

func (c *RedisCache) Set(ctx context.Context, p Profile) error {
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("encode profile: %w", err)
	}
	if err := c.client.Set(ctx, c.prefix+p.UserID, data, c.ttl).Err(); err != nil {
		return fmt.Errorf("redis set profile: %w", err)
	}
	return nil
}

func (c *RedisCache) Delete(ctx context.Context, userID string) error {
	if err := c.client.Del(ctx, c.prefix+userID).Err(); err != nil {
		return fmt.Errorf("redis delete profile: %w", err)
	}
	return nil
}
