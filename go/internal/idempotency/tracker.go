// Package idempotency keeps consumers from applying the same event twice under
// at-least-once delivery.
package idempotency

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"

	"github.com/mcdev12/eventrelay/go/internal/eventcodec"
)

const (
	DefaultTTL    = 7 * 24 * time.Hour
	DefaultPrefix = "eventrelay:consume"
)

// EventRef identifies an event the way the outbox does. Event ids are only
// unique within a tenant and event type.
type EventRef struct {
	TenantID  int64
	EventType string
	EventID   string
}

// RefOf returns the reference of evt.
func RefOf(evt *eventcodec.Event) EventRef {
	return EventRef{TenantID: evt.TenantID, EventType: evt.EventType, EventID: evt.EventID}
}

func (r EventRef) String() string {
	return fmt.Sprintf("%d:%s:%s", r.TenantID, r.EventType, r.EventID)
}

// Tracker marks (consumer, event) pairs as taken.
type Tracker interface {
	// TryMarkProcessing returns true for the first caller only, until the
	// mark expires or is released.
	TryMarkProcessing(ctx context.Context, consumer string, ref EventRef) (bool, error)
	// Release clears the mark so a failed handler can run again on retry.
	Release(ctx context.Context, consumer string, ref EventRef) error
}

// Key returns the cache key for a consumer/event pair:
// <prefix>:<consumer>:<tenant>:<type>:<event id>.
func Key(prefix, consumer string, ref EventRef) string {
	return fmt.Sprintf("%s:%s:%s", prefix, consumer, ref)
}

// RedisTracker is a Tracker on SET NX PX.
type RedisTracker struct {
	client redis.Cmdable
	ttl    time.Duration
	prefix string
}

type RedisOption func(*RedisTracker)

func WithTTL(ttl time.Duration) RedisOption {
	return func(t *RedisTracker) {
		if ttl > 0 {
			t.ttl = ttl
		}
	}
}

func WithPrefix(prefix string) RedisOption {
	return func(t *RedisTracker) {
		if prefix != "" {
			t.prefix = prefix
		}
	}
}

func NewRedisTracker(client redis.Cmdable, opts ...RedisOption) *RedisTracker {
	t := &RedisTracker{client: client, ttl: DefaultTTL, prefix: DefaultPrefix}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *RedisTracker) TryMarkProcessing(ctx context.Context, consumer string, ref EventRef) (bool, error) {
	ok, err := t.client.SetNX(ctx, Key(t.prefix, consumer, ref), "1", t.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to mark %s/%s processing: %w", consumer, ref, err)
	}
	return ok, nil
}

func (t *RedisTracker) Release(ctx context.Context, consumer string, ref EventRef) error {
	if err := t.client.Del(ctx, Key(t.prefix, consumer, ref)).Err(); err != nil {
		return fmt.Errorf("failed to release %s/%s: %w", consumer, ref, err)
	}
	return nil
}

// MemoryTracker is a process-local Tracker for single-instance deployments
// and tests.
type MemoryTracker struct {
	mu     sync.Mutex
	clock  clockwork.Clock
	ttl    time.Duration
	prefix string
	expiry map[string]time.Time
}

// NewMemoryTracker builds a tracker keyed like RedisTracker. An empty prefix
// means DefaultPrefix.
func NewMemoryTracker(clock clockwork.Clock, ttl time.Duration, prefix string) *MemoryTracker {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &MemoryTracker{clock: clock, ttl: ttl, prefix: prefix, expiry: make(map[string]time.Time)}
}

func (m *MemoryTracker) TryMarkProcessing(_ context.Context, consumer string, ref EventRef) (bool, error) {
	key := Key(m.prefix, consumer, ref)
	now := m.clock.Now()

	m.mu.Lock()
	defer m.mu.Unlock()
	if exp, ok := m.expiry[key]; ok && now.Before(exp) {
		return false, nil
	}
	m.expiry[key] = now.Add(m.ttl)
	return true, nil
}

func (m *MemoryTracker) Release(_ context.Context, consumer string, ref EventRef) error {
	m.mu.Lock()
	delete(m.expiry, Key(m.prefix, consumer, ref))
	m.mu.Unlock()
	return nil
}
