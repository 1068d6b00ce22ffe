package idempotency

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var evt1 = EventRef{TenantID: 7, EventType: "ORDER_PAID", EventID: "evt-1"}

func newRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

func TestRedisTrackerMarksOnce(t *testing.T) {
	mr, client := newRedis(t)
	tracker := NewRedisTracker(client, WithTTL(time.Hour))
	ctx := context.Background()

	first, err := tracker.TryMarkProcessing(ctx, "ledger", evt1)
	require.NoError(t, err)
	assert.True(t, first)

	second, err := tracker.TryMarkProcessing(ctx, "ledger", evt1)
	require.NoError(t, err)
	assert.False(t, second)

	other, err := tracker.TryMarkProcessing(ctx, "points", evt1)
	require.NoError(t, err)
	assert.True(t, other, "consumers are tracked independently")

	key := "eventrelay:consume:ledger:7:ORDER_PAID:evt-1"
	assert.True(t, mr.Exists(key))
	assert.Equal(t, time.Hour, mr.TTL(key))
}

func TestRedisTrackerExpiresAndReleases(t *testing.T) {
	mr, client := newRedis(t)
	tracker := NewRedisTracker(client, WithTTL(time.Minute), WithPrefix("test"))
	ctx := context.Background()

	ok, err := tracker.TryMarkProcessing(ctx, "ledger", evt1)
	require.NoError(t, err)
	require.True(t, ok)

	mr.FastForward(2 * time.Minute)
	ok, err = tracker.TryMarkProcessing(ctx, "ledger", evt1)
	require.NoError(t, err)
	assert.True(t, ok, "mark is available again after the ttl")

	require.NoError(t, tracker.Release(ctx, "ledger", evt1))
	assert.False(t, mr.Exists("test:ledger:7:ORDER_PAID:evt-1"))
	ok, err = tracker.TryMarkProcessing(ctx, "ledger", evt1)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRedisTrackerSurfacesErrors(t *testing.T) {
	mr, client := newRedis(t)
	tracker := NewRedisTracker(client)
	mr.Close()

	_, err := tracker.TryMarkProcessing(context.Background(), "ledger", evt1)
	assert.Error(t, err)
}

func TestMemoryTracker(t *testing.T) {
	clock := clockwork.NewFakeClock()
	tracker := NewMemoryTracker(clock, time.Minute, "")
	ctx := context.Background()

	ok, _ := tracker.TryMarkProcessing(ctx, "ledger", evt1)
	assert.True(t, ok)
	ok, _ = tracker.TryMarkProcessing(ctx, "ledger", evt1)
	assert.False(t, ok)

	clock.Advance(time.Minute)
	ok, _ = tracker.TryMarkProcessing(ctx, "ledger", evt1)
	assert.True(t, ok)

	require.NoError(t, tracker.Release(ctx, "ledger", evt1))
	ok, _ = tracker.TryMarkProcessing(ctx, "ledger", evt1)
	assert.True(t, ok)
}

func TestTrackerScopesEventIDByTenantAndType(t *testing.T) {
	_, client := newRedis(t)
	trackers := map[string]Tracker{
		"redis":  NewRedisTracker(client),
		"memory": NewMemoryTracker(clockwork.NewFakeClock(), 0, ""),
	}
	for name, tracker := range trackers {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			refs := []EventRef{
				{TenantID: 7, EventType: "ORDER_PAID", EventID: "evt-9"},
				{TenantID: 8, EventType: "ORDER_PAID", EventID: "evt-9"},
				{TenantID: 7, EventType: "ORDER_REFUNDED", EventID: "evt-9"},
			}
			for _, ref := range refs {
				ok, err := tracker.TryMarkProcessing(ctx, "ledger", ref)
				require.NoError(t, err)
				assert.True(t, ok, "%s is a distinct event", ref)
			}
			ok, err := tracker.TryMarkProcessing(ctx, "ledger", refs[1])
			require.NoError(t, err)
			assert.False(t, ok)
		})
	}
}

func TestMemoryTrackerReleasesUnderCustomPrefix(t *testing.T) {
	tracker := NewMemoryTracker(clockwork.NewFakeClock(), time.Hour, "shop:consume")
	ctx := context.Background()

	ok, _ := tracker.TryMarkProcessing(ctx, "ledger", evt1)
	require.True(t, ok)
	assert.Contains(t, tracker.expiry, "shop:consume:ledger:7:ORDER_PAID:evt-1")

	require.NoError(t, tracker.Release(ctx, "ledger", evt1))
	assert.Empty(t, tracker.expiry)
}
