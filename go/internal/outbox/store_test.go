package outbox

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mcdev12/eventrelay/go/internal/eventcodec"
	"github.com/mcdev12/eventrelay/go/internal/events"
	"github.com/mcdev12/eventrelay/go/internal/metrics"
	"github.com/mcdev12/eventrelay/go/internal/models"
	"github.com/mcdev12/eventrelay/go/internal/sqlutil"
	"github.com/mcdev12/eventrelay/go/internal/tenant"
)

// fakeWriter keys rows on (tenant, type, event id) like the unique constraint.
type fakeWriter struct {
	rows   map[string]*models.OutboxMessage
	nextID int64
	err    error
}

func newFakeWriter() *fakeWriter {
	return &fakeWriter{rows: make(map[string]*models.OutboxMessage)}
}

func (w *fakeWriter) Insert(_ context.Context, _ sqlutil.DBTX, msg *models.OutboxMessage) (*models.OutboxMessage, bool, error) {
	if w.err != nil {
		return nil, false, w.err
	}
	key := fmt.Sprintf("%d/%s/%s", msg.TenantID, msg.EventType, msg.EventID)
	if existing, ok := w.rows[key]; ok {
		return existing, false, nil
	}
	w.nextID++
	stored := *msg
	stored.ID = w.nextID
	w.rows[key] = &stored
	return &stored, true, nil
}

// nopTx stands in for the caller's transaction; the fake writer never uses it.
type nopTx struct{}

func (nopTx) Exec(context.Context, string, ...any) (pgconn.CommandTag, error) {
	return pgconn.CommandTag{}, nil
}
func (nopTx) Query(context.Context, string, ...any) (pgx.Rows, error) { return nil, nil }
func (nopTx) QueryRow(context.Context, string, ...any) pgx.Row        { return nil }

type fixedIDs struct{ id string }

func (f fixedIDs) NewID() string { return f.id }

type createdRecorder struct {
	metrics.Noop
	created []string
}

func (c *createdRecorder) OnCreated(_ metrics.Kind, eventType string) {
	c.created = append(c.created, eventType)
}

func newTestStore(t *testing.T, w MessageWriter, opts ...StoreOption) *Store {
	t.Helper()
	reg := eventcodec.NewRegistry()
	require.NoError(t, events.Register(reg))
	return NewStore(w, eventcodec.New(reg), opts...)
}

func orderPaid(eventID string) *eventcodec.Event {
	return &eventcodec.Event{
		EventID:   eventID,
		EventType: events.TypeOrderPaid,
		TenantID:  42,
		TraceID:   "trace-1",
		Data:      &events.OrderPaidPayload{OrderID: "o-1", PaymentID: "p-1", AmountCents: 1999, Currency: "USD"},
	}
}

func TestPublishInsertsNewMessage(t *testing.T) {
	clock := clockwork.NewFakeClockAt(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	w := newFakeWriter()
	rec := &createdRecorder{}
	store := newTestStore(t, w, WithStoreClock(clock), WithStoreMetrics(rec))

	msg, err := store.Publish(context.Background(), nopTx{}, orderPaid("evt-1"))
	require.NoError(t, err)

	assert.Equal(t, int64(1), msg.ID)
	assert.Equal(t, models.StatusNew, msg.Status)
	assert.Equal(t, 0, msg.RetryCount)
	require.NotNil(t, msg.NextRetryAt)
	assert.True(t, msg.NextRetryAt.Equal(clock.Now()))
	assert.Equal(t, "trace-1", msg.TraceID())
	assert.Equal(t, "order.OrderPaid", msg.Headers[eventcodec.HeaderEventClass])
	assert.Contains(t, msg.Payload, `"order_id":"o-1"`)
	assert.Equal(t, []string{events.TypeOrderPaid}, rec.created)
}

func TestPublishIsIdempotent(t *testing.T) {
	w := newFakeWriter()
	rec := &createdRecorder{}
	store := newTestStore(t, w, WithStoreMetrics(rec))
	ctx := context.Background()

	first, err := store.Publish(ctx, nopTx{}, orderPaid("evt-dup"))
	require.NoError(t, err)
	second, err := store.Publish(ctx, nopTx{}, orderPaid("evt-dup"))
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Len(t, w.rows, 1)
	assert.Len(t, rec.created, 1, "a duplicate publish is not counted")
}

func TestPublishAssignsEventID(t *testing.T) {
	store := newTestStore(t, newFakeWriter(), WithIDGenerator(fixedIDs{id: "generated"}))

	evt := orderPaid("")
	msg, err := store.Publish(context.Background(), nopTx{}, evt)
	require.NoError(t, err)
	assert.Equal(t, "generated", msg.EventID)
	assert.Equal(t, "generated", evt.EventID)
	assert.False(t, evt.OccurredAt.IsZero())
}

func TestPublishTakesTraceIDFromContext(t *testing.T) {
	store := newTestStore(t, newFakeWriter())
	ctx := tenant.WithTraceID(context.Background(), "trace-ctx")

	evt := orderPaid("evt-ctx")
	evt.TraceID = ""
	msg, err := store.Publish(ctx, nopTx{}, evt)
	require.NoError(t, err)
	assert.Equal(t, "trace-ctx", msg.Headers[eventcodec.HeaderTraceID])

	explicit, err := store.Publish(ctx, nopTx{}, orderPaid("evt-explicit"))
	require.NoError(t, err)
	assert.Equal(t, "trace-1", explicit.Headers[eventcodec.HeaderTraceID], "an explicit trace id wins")
}

func TestPublishRejectsBadInput(t *testing.T) {
	w := newFakeWriter()
	store := newTestStore(t, w)
	ctx := context.Background()

	_, err := store.Publish(ctx, nopTx{}, nil)
	assert.ErrorIs(t, err, ErrEventRequired)

	_, err = store.Publish(ctx, nil, orderPaid("evt-1"))
	assert.ErrorIs(t, err, ErrTxRequired)

	noType := orderPaid("evt-2")
	noType.EventType = ""
	_, err = store.Publish(ctx, nopTx{}, noType)
	assert.ErrorIs(t, err, eventcodec.ErrMalformedEvent)

	noData := orderPaid("evt-3")
	noData.Data = nil
	_, err = store.Publish(ctx, nopTx{}, noData)
	assert.ErrorIs(t, err, eventcodec.ErrMalformedEvent)

	assert.Empty(t, w.rows, "nothing is written when validation fails")
}

func TestPublishPropagatesWriterError(t *testing.T) {
	w := newFakeWriter()
	w.err = errors.New("connection reset")
	store := newTestStore(t, w)

	_, err := store.Publish(context.Background(), nopTx{}, orderPaid("evt-1"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection reset")
}
