package dispatch

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeDispatcher struct {
	mu      sync.Mutex
	calls   int
	results []BatchResult
}

func (d *fakeDispatcher) Name() string   { return "fake" }
func (d *fakeDispatcher) BatchSize() int { return 10 }

func (d *fakeDispatcher) DispatchDue(context.Context) (BatchResult, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls++
	if len(d.results) == 0 {
		return BatchResult{}, nil
	}
	r := d.results[0]
	d.results = d.results[1:]
	return r, nil
}

func (d *fakeDispatcher) Calls() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

type fakeCleaner struct {
	mu        sync.Mutex
	calls     int
	retention time.Duration
}

func (c *fakeCleaner) Cleanup(_ context.Context, _ time.Time, retention time.Duration, _ int) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	c.retention = retention
	return 3, nil
}

func (c *fakeCleaner) Calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

func TestWorkerStartStop(t *testing.T) {
	d := &fakeDispatcher{}
	w := NewWorker(d, DefaultConfig(), WithWorkerClock(clockwork.NewFakeClock()))
	ctx := context.Background()

	require.NoError(t, w.Start(ctx))
	assert.True(t, w.Running())
	assert.Error(t, w.Start(ctx))

	require.Eventually(t, func() bool { return d.Calls() == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, w.Stop())
	assert.False(t, w.Running())
	assert.Error(t, w.Stop())
}

func TestWorkerTicksOnWakeAndFullBatch(t *testing.T) {
	d := &fakeDispatcher{results: []BatchResult{{Processed: 10}, {Processed: 2}}}
	w := NewWorker(d, DefaultConfig(), WithWorkerClock(clockwork.NewFakeClock()))

	require.NoError(t, w.Start(context.Background()))
	defer func() { _ = w.Stop() }()

	// start tick returns a full batch, which schedules another tick
	require.Eventually(t, func() bool { return d.Calls() == 2 }, time.Second, 5*time.Millisecond)

	w.Wake()
	require.Eventually(t, func() bool { return d.Calls() == 3 }, time.Second, 5*time.Millisecond)

	processed, lastTick := w.Stats()
	assert.Equal(t, uint64(12), processed)
	assert.False(t, lastTick.IsZero())
}

func TestWorkerPollAndCleanup(t *testing.T) {
	clock := clockwork.NewFakeClock()
	d := &fakeDispatcher{}
	c := &fakeCleaner{}
	cfg := DefaultConfig()
	cfg.PollInterval = time.Second
	cfg.CleanupInterval = time.Minute
	cfg.Retention = time.Hour
	w := NewWorker(d, cfg, WithWorkerClock(clock), WithCleaner(c))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, w.Start(ctx))
	defer func() { _ = w.Stop() }()

	require.NoError(t, clock.BlockUntilContext(ctx, 2))
	require.Eventually(t, func() bool { return d.Calls() == 1 }, time.Second, 5*time.Millisecond)

	clock.Advance(time.Second)
	require.Eventually(t, func() bool { return d.Calls() == 2 }, time.Second, 5*time.Millisecond)

	clock.Advance(time.Minute)
	require.Eventually(t, func() bool { return c.Calls() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, time.Hour, c.retention)
}

func TestWakeNeverBlocks(t *testing.T) {
	w := NewWorker(&fakeDispatcher{}, DefaultConfig())
	w.Wake()
	w.Wake()
	w.Wake()
	assert.Len(t, w.wake, 1)
}
