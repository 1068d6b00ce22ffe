package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mcdev12/eventrelay/go/internal/channel"
	"github.com/mcdev12/eventrelay/go/internal/eventcodec"
	"github.com/mcdev12/eventrelay/go/internal/events"
	"github.com/mcdev12/eventrelay/go/internal/models"
	"github.com/mcdev12/eventrelay/go/internal/retry"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Retry = retry.Policy{BaseDelay: 5 * time.Second, MaxDelay: 300 * time.Second, MaxRetryCount: 7}
	return cfg
}

func webhookSub(id int64) *models.Subscription {
	return &models.Subscription{
		ID:          id,
		TenantID:    42,
		EventType:   events.TypeOrderPaid,
		ChannelType: models.ChannelWebhook,
		Enabled:     true,
		TargetURL:   "http://example.invalid/hook",
	}
}

func delivery(id, subID int64) models.Delivery {
	return models.Delivery{
		ID:             id,
		SubscriptionID: subID,
		TenantID:       42,
		EventID:        fmt.Sprintf("evt-%d", id),
		EventType:      events.TypeOrderPaid,
		ChannelType:    models.ChannelWebhook,
		Payload:        `{"eventId":"evt"}`,
		Headers:        map[string]string{"traceId": "trace-1"},
	}
}

func registry(t *testing.T, chs ...channel.Channel) *channel.Registry {
	t.Helper()
	reg, err := channel.NewRegistry(chs...)
	require.NoError(t, err)
	return reg
}

func TestDeliveryRetriesWithBackoffThenSucceeds(t *testing.T) {
	clock := clockwork.NewFakeClockAt(t0)
	store := newMemDeliveries(t0, delivery(1, 10))
	subs := subLookup{subs: map[int64]*models.Subscription{10: webhookSub(10)}}
	boom := errors.New("server error")
	ch := newScripted(models.ChannelWebhook,
		channel.Transient("http_status", boom, 500, 12*time.Millisecond),
		channel.Transient("http_status", boom, 500, 12*time.Millisecond),
		channel.Transient("http_status", boom, 500, 12*time.Millisecond),
		channel.Success(200, 8*time.Millisecond),
	)
	rec := &countingRecorder{}
	s := NewDeliveryScheduler(store, subs, registry(t, ch), testConfig(), WithClock(clock), WithMetrics(rec))
	ctx := context.Background()

	expected := []struct {
		advance time.Duration
		retry   int
		next    time.Time
	}{
		{0, 1, t0.Add(5 * time.Second)},
		{5 * time.Second, 2, t0.Add(15 * time.Second)},
		{10 * time.Second, 3, t0.Add(35 * time.Second)},
	}
	for _, step := range expected {
		clock.Advance(step.advance)
		res, err := s.DispatchDue(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, res.Failed)

		row := store.get(1)
		assert.Equal(t, models.StatusFailed, row.status)
		assert.Equal(t, step.retry, row.retryCount)
		assert.Equal(t, step.next, row.nextRetryAt)
		assert.Equal(t, "http_status: server error", row.lastError)
		require.NotNil(t, row.httpStatus)
		assert.Equal(t, 500, *row.httpStatus)

		// not due again until the backoff elapses
		res, err = s.DispatchDue(ctx)
		require.NoError(t, err)
		assert.Zero(t, res.Processed)
	}

	clock.Advance(20 * time.Second)
	res, err := s.DispatchDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Succeeded)

	row := store.get(1)
	assert.Equal(t, models.StatusSuccess, row.status)
	assert.Equal(t, 3, row.retryCount)
	assert.Equal(t, 200, *row.httpStatus)
	assert.Equal(t, 8, *row.durationMs)
	assert.Equal(t, 4, ch.sends("evt-1"))
	assert.Equal(t, []int{1, 2, 3}, rec.failed)
	assert.Equal(t, 1, rec.success)
}

func TestDeliveryDeadAfterSubscriptionMaxRetry(t *testing.T) {
	clock := clockwork.NewFakeClockAt(t0)
	d := delivery(1, 10)
	d.RetryCount = 1
	store := newMemDeliveries(t0, d)
	sub := webhookSub(10)
	two := 2
	sub.MaxRetry = &two
	ch := newScripted(models.ChannelWebhook, channel.Transient("transport_error", errors.New("refused"), 0, 0))
	rec := &countingRecorder{}
	s := NewDeliveryScheduler(store, subLookup{subs: map[int64]*models.Subscription{10: sub}}, registry(t, ch), testConfig(), WithClock(clock), WithMetrics(rec))

	res, err := s.DispatchDue(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Dead)

	row := store.get(1)
	assert.Equal(t, models.StatusDead, row.status)
	assert.Equal(t, 2, row.retryCount)
	assert.True(t, row.nextRetryAt.IsZero())
	assert.Equal(t, 1, rec.dead)
	assert.Equal(t, []int{2}, rec.failed)
}

func TestDeliveryPermanentFailureGoesDead(t *testing.T) {
	clock := clockwork.NewFakeClockAt(t0)
	store := newMemDeliveries(t0, delivery(1, 10))
	ch := newScripted(models.ChannelWebhook, channel.Permanent("invalid_url", errors.New("bad url"), 0, 0))
	s := NewDeliveryScheduler(store, subLookup{subs: map[int64]*models.Subscription{10: webhookSub(10)}}, registry(t, ch), testConfig(), WithClock(clock))

	res, err := s.DispatchDue(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Dead)

	row := store.get(1)
	assert.Equal(t, models.StatusDead, row.status)
	assert.Zero(t, row.retryCount)
	assert.Equal(t, "invalid_url: bad url", row.lastError)
}

func TestDeliveryUndeliverableRowsGoDead(t *testing.T) {
	disabled := webhookSub(20)
	disabled.Enabled = false
	nats := webhookSub(30)
	nats.ChannelType = models.ChannelNATS

	missingChannel := delivery(3, 30)
	missingChannel.ChannelType = models.ChannelNATS

	store := newMemDeliveries(t0, delivery(1, 99), delivery(2, 20), missingChannel)
	subs := subLookup{subs: map[int64]*models.Subscription{20: disabled, 30: nats}}
	ch := newScripted(models.ChannelWebhook, channel.Success(200, 0))
	s := NewDeliveryScheduler(store, subs, registry(t, ch), testConfig(), WithClock(clockwork.NewFakeClockAt(t0)))

	res, err := s.DispatchDue(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, res.Dead)

	assert.Contains(t, store.get(1).lastError, "subscription 99 not found")
	assert.Contains(t, store.get(2).lastError, "subscription 20 disabled")
	assert.Contains(t, store.get(3).lastError, "channel not found")
	for id := int64(1); id <= 3; id++ {
		assert.Equal(t, models.StatusDead, store.get(id).status)
	}
	assert.Zero(t, ch.sends("evt-1")+ch.sends("evt-2"))
}

func TestDeliveryLookupErrorIsRetried(t *testing.T) {
	store := newMemDeliveries(t0, delivery(1, 10))
	subs := subLookup{err: errors.New("connection reset")}
	s := NewDeliveryScheduler(store, subs, registry(t, newScripted(models.ChannelWebhook, channel.Success(200, 0))), testConfig(), WithClock(clockwork.NewFakeClockAt(t0)))

	res, err := s.DispatchDue(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Failed)
	assert.Equal(t, models.StatusFailed, store.get(1).status)
	assert.Equal(t, 1, store.get(1).retryCount)
}

func TestDeliveryPanicIsIsolated(t *testing.T) {
	store := newMemDeliveries(t0, delivery(1, 10), delivery(2, 10), delivery(3, 10))
	ch := newScripted(models.ChannelWebhook)
	ch.send = func(msg channel.Message) channel.Result {
		if msg.DeliveryID == 2 {
			panic("handler blew up")
		}
		return channel.Success(204, 0)
	}
	cfg := testConfig()
	cfg.Concurrency = 3
	s := NewDeliveryScheduler(store, subLookup{subs: map[int64]*models.Subscription{10: webhookSub(10)}}, registry(t, ch), cfg, WithClock(clockwork.NewFakeClockAt(t0)))

	res, err := s.DispatchDue(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, res.Processed)
	assert.Equal(t, 2, res.Succeeded)
	assert.Equal(t, 1, res.Failed)

	assert.Equal(t, models.StatusSuccess, store.get(1).status)
	assert.Equal(t, models.StatusSuccess, store.get(3).status)
	row := store.get(2)
	assert.Equal(t, models.StatusFailed, row.status)
	assert.Contains(t, row.lastError, "handler blew up")
}

func TestConcurrentSchedulersSendOnce(t *testing.T) {
	var rows []models.Delivery
	for i := int64(1); i <= 50; i++ {
		rows = append(rows, delivery(i, 10))
	}
	store := newMemDeliveries(t0, rows...)
	ch := newScripted(models.ChannelWebhook, channel.Success(200, 0))
	subs := subLookup{subs: map[int64]*models.Subscription{10: webhookSub(10)}}
	cfg := testConfig()
	cfg.Concurrency = 4

	var wg sync.WaitGroup
	results := make([]BatchResult, 3)
	for i := range results {
		s := NewDeliveryScheduler(store, subs, registry(t, ch), cfg, WithClock(clockwork.NewFakeClockAt(t0)))
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := s.DispatchDue(context.Background())
			assert.NoError(t, err)
			results[i] = res
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for _, r := range results {
		succeeded += r.Succeeded
	}
	assert.Equal(t, 50, succeeded)
	for _, d := range rows {
		assert.Equal(t, 1, ch.sends(d.EventID), d.EventID)
		assert.Equal(t, models.StatusSuccess, store.get(d.ID).status)
	}
}

func TestClaimLostIsSkipped(t *testing.T) {
	store := newMemDeliveries(t0, delivery(1, 10))
	store.rows[1].status = models.StatusSending
	d := delivery(1, 10)
	ch := newScripted(models.ChannelWebhook, channel.Success(200, 0))
	s := NewDeliveryScheduler(store, subLookup{subs: map[int64]*models.Subscription{10: webhookSub(10)}}, registry(t, ch), testConfig())

	assert.Equal(t, outcomeSkipped, s.process(context.Background(), d))
	assert.Zero(t, ch.sends(d.EventID))
}

func TestStateUpdateFailureIsCounted(t *testing.T) {
	store := newMemDeliveries(t0, delivery(1, 10))
	store.failWrite = true
	ch := newScripted(models.ChannelWebhook, channel.Success(200, 0))
	rec := &countingRecorder{}
	s := NewDeliveryScheduler(store, subLookup{subs: map[int64]*models.Subscription{10: webhookSub(10)}}, registry(t, ch), testConfig(), WithClock(clockwork.NewFakeClockAt(t0)), WithMetrics(rec))

	res, err := s.DispatchDue(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.StateUpdateFailed)
	assert.Zero(t, rec.success)
	require.Len(t, rec.batches, 1)
	assert.Equal(t, 1, rec.batches[0].StateUpdateFailed)
}

func TestReclaimRunsEveryTick(t *testing.T) {
	store := newMemDeliveries(t0)
	s := NewDeliveryScheduler(store, subLookup{}, registry(t), testConfig())

	for i := 0; i < 3; i++ {
		_, err := s.DispatchDue(context.Background())
		require.NoError(t, err)
	}
	assert.Equal(t, int64(3), store.reclaims)
}

func outboxRow(t *testing.T, codec *eventcodec.Codec, id int64) models.OutboxMessage {
	t.Helper()
	evt := &eventcodec.Event{
		EventID:    fmt.Sprintf("evt-%d", id),
		EventType:  events.TypeOrderPaid,
		TenantID:   42,
		TraceID:    "trace-1",
		OccurredAt: t0,
		Data:       &events.OrderPaidPayload{OrderID: "o-1", AmountCents: 100, Currency: "EUR"},
	}
	payload, err := codec.SerializePayload(evt)
	require.NoError(t, err)
	headers, err := codec.SerializeHeaders(evt)
	require.NoError(t, err)
	return models.OutboxMessage{ID: id, TenantID: 42, EventID: evt.EventID, EventType: evt.EventType, Payload: payload, Headers: headers}
}

func newTestCodec(t *testing.T) *eventcodec.Codec {
	t.Helper()
	reg := eventcodec.NewRegistry()
	require.NoError(t, events.Register(reg))
	return eventcodec.New(reg)
}

func TestOutboxDispatchDecodesAndSends(t *testing.T) {
	codec := newTestCodec(t)
	store := newMemOutbox(t0, outboxRow(t, codec, 1))
	var got *eventcodec.Event
	internal := newScripted(models.ChannelInternal)
	internal.send = func(msg channel.Message) channel.Result {
		got = msg.Event
		return channel.Success(0, 0)
	}
	s := NewOutboxScheduler(store, codec, internal, testConfig(), WithClock(clockwork.NewFakeClockAt(t0)))

	res, err := s.DispatchDue(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Succeeded)
	assert.Equal(t, models.StatusSuccess, store.get(1).status)

	require.NotNil(t, got)
	assert.Equal(t, "evt-1", got.EventID)
	assert.Equal(t, "trace-1", got.TraceID)
	paid, ok := got.Data.(*events.OrderPaidPayload)
	require.True(t, ok)
	assert.Equal(t, "o-1", paid.OrderID)
}

func TestOutboxMalformedRowGoesDead(t *testing.T) {
	codec := newTestCodec(t)
	bad := outboxRow(t, codec, 1)
	bad.Headers = map[string]string{eventcodec.HeaderEventClass: "unknown.Class"}
	store := newMemOutbox(t0, bad, outboxRow(t, codec, 2))
	internal := newScripted(models.ChannelInternal, channel.Success(0, 0))
	s := NewOutboxScheduler(store, codec, internal, testConfig(), WithClock(clockwork.NewFakeClockAt(t0)))

	res, err := s.DispatchDue(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Dead)
	assert.Equal(t, 1, res.Succeeded)

	row := store.get(1)
	assert.Equal(t, models.StatusDead, row.status)
	assert.Zero(t, row.retryCount)
	assert.Contains(t, row.lastError, "malformed_event")
	assert.Zero(t, internal.sends("evt-1"))
	assert.Equal(t, models.StatusSuccess, store.get(2).status)
}

func TestOutboxHandlerFailureIsRetried(t *testing.T) {
	codec := newTestCodec(t)
	clock := clockwork.NewFakeClockAt(t0)
	store := newMemOutbox(t0, outboxRow(t, codec, 1))
	internal := newScripted(models.ChannelInternal, channel.Transient("handler_error", errors.New("db down"), 0, 0))
	s := NewOutboxScheduler(store, codec, internal, testConfig(), WithClock(clock))

	_, err := s.DispatchDue(context.Background())
	require.NoError(t, err)

	row := store.get(1)
	assert.Equal(t, models.StatusFailed, row.status)
	assert.Equal(t, 1, row.retryCount)
	assert.Equal(t, t0.Add(5*time.Second), row.nextRetryAt)
}
