package subscription

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"

	"github.com/mcdev12/eventrelay/go/internal/models"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Cache holds resolved subscription lists by key.
type Cache interface {
	Get(ctx context.Context, key string) ([]models.Subscription, bool, error)
	Set(ctx context.Context, key string, subs []models.Subscription, ttl time.Duration) error
	// DeleteSuffix removes every subscription key ending in suffix and returns
	// how many went.
	DeleteSuffix(ctx context.Context, suffix string) (int, error)
}

type memoryEntry struct {
	subs    []models.Subscription
	expires time.Time
}

// MemoryCache is a process-local Cache with per-key expiry.
type MemoryCache struct {
	mu      sync.RWMutex
	clock   clockwork.Clock
	entries map[string]memoryEntry
}

func NewMemoryCache(clock clockwork.Clock) *MemoryCache {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &MemoryCache{clock: clock, entries: make(map[string]memoryEntry)}
}

func (c *MemoryCache) Get(_ context.Context, key string) ([]models.Subscription, bool, error) {
	c.mu.RLock()
	e, ok := c.entries[key]
	c.mu.RUnlock()
	if !ok || !c.clock.Now().Before(e.expires) {
		return nil, false, nil
	}
	return cloneSubs(e.subs), true, nil
}

func (c *MemoryCache) Set(_ context.Context, key string, subs []models.Subscription, ttl time.Duration) error {
	c.mu.Lock()
	c.entries[key] = memoryEntry{subs: cloneSubs(subs), expires: c.clock.Now().Add(ttl)}
	c.mu.Unlock()
	return nil
}

func (c *MemoryCache) DeleteSuffix(_ context.Context, suffix string) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for key := range c.entries {
		if strings.HasPrefix(key, keyPrefix) && strings.HasSuffix(key, suffix) {
			delete(c.entries, key)
			n++
		}
	}
	return n, nil
}

func cloneSubs(subs []models.Subscription) []models.Subscription {
	if subs == nil {
		return nil
	}
	out := make([]models.Subscription, len(subs))
	copy(out, subs)
	return out
}

// redisEntry mirrors models.Subscription including the signing secret, which
// the model hides from JSON.
type redisEntry struct {
	ID          int64             `json:"id"`
	TenantID    int64             `json:"tenant_id"`
	EventType   string            `json:"event_type"`
	ChannelType string            `json:"channel_type"`
	Enabled     bool              `json:"enabled"`
	MaxRetry    *int              `json:"max_retry,omitempty"`
	TargetURL   string            `json:"target_url,omitempty"`
	Secret      string            `json:"secret,omitempty"`
	Headers     map[string]string `json:"headers,omitempty"`
	TimeoutMs   *int              `json:"timeout_ms,omitempty"`
	Topic       string            `json:"topic,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at"`
}

// RedisCache stores subscription lists as JSON strings in Redis.
type RedisCache struct {
	client    redis.UniversalClient
	scanCount int64
}

func NewRedisCache(client redis.UniversalClient) *RedisCache {
	return &RedisCache{client: client, scanCount: 100}
}

func (c *RedisCache) Get(ctx context.Context, key string) ([]models.Subscription, bool, error) {
	raw, err := c.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to read cache key %s: %w", key, err)
	}

	var entries []redisEntry
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, false, fmt.Errorf("failed to decode cache key %s: %w", key, err)
	}
	subs := make([]models.Subscription, len(entries))
	for i, e := range entries {
		subs[i] = models.Subscription{
			ID:          e.ID,
			TenantID:    e.TenantID,
			EventType:   e.EventType,
			ChannelType: models.ChannelType(e.ChannelType),
			Enabled:     e.Enabled,
			MaxRetry:    e.MaxRetry,
			TargetURL:   e.TargetURL,
			Secret:      e.Secret,
			Headers:     e.Headers,
			TimeoutMs:   e.TimeoutMs,
			Topic:       e.Topic,
			CreatedAt:   e.CreatedAt,
			UpdatedAt:   e.UpdatedAt,
		}
	}
	return subs, true, nil
}

func (c *RedisCache) Set(ctx context.Context, key string, subs []models.Subscription, ttl time.Duration) error {
	entries := make([]redisEntry, len(subs))
	for i, s := range subs {
		entries[i] = redisEntry{
			ID:          s.ID,
			TenantID:    s.TenantID,
			EventType:   s.EventType,
			ChannelType: string(s.ChannelType),
			Enabled:     s.Enabled,
			MaxRetry:    s.MaxRetry,
			TargetURL:   s.TargetURL,
			Secret:      s.Secret,
			Headers:     s.Headers,
			TimeoutMs:   s.TimeoutMs,
			Topic:       s.Topic,
			CreatedAt:   s.CreatedAt,
			UpdatedAt:   s.UpdatedAt,
		}
	}
	raw, err := json.Marshal(entries)
	if err != nil {
		return fmt.Errorf("failed to encode cache key %s: %w", key, err)
	}
	if err := c.client.Set(ctx, key, raw, ttl).Err(); err != nil {
		return fmt.Errorf("failed to write cache key %s: %w", key, err)
	}
	return nil
}

// DeleteSuffix walks the keyspace with SCAN and deletes each page of matches.
func (c *RedisCache) DeleteSuffix(ctx context.Context, suffix string) (int, error) {
	var (
		cursor  uint64
		deleted int
	)
	for {
		keys, next, err := c.client.Scan(ctx, cursor, keyPrefix+"*"+suffix, c.scanCount).Result()
		if err != nil {
			return deleted, fmt.Errorf("failed to scan cache keys: %w", err)
		}
		if len(keys) > 0 {
			n, err := c.client.Del(ctx, keys...).Result()
			if err != nil {
				return deleted, fmt.Errorf("failed to delete cache keys: %w", err)
			}
			deleted += int(n)
		}
		cursor = next
		if cursor == 0 {
			return deleted, nil
		}
	}
}
