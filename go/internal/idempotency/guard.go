package idempotency

import (
	"context"

	"github.com/mcdev12/eventrelay/go/internal/eventcodec"
	"github.com/mcdev12/eventrelay/go/internal/handler"
	"github.com/mcdev12/eventrelay/go/internal/tenant"
)

// IdempotencyKeyAttribute is the optional event attribute copied into
// event_consume_log.idempotency_key.
const IdempotencyKeyAttribute = "idempotencyKey"

// ConsumeLogStore is the durable record the Guard consults.
type ConsumeLogStore interface {
	IsConsumed(ctx context.Context, consumer string, ref EventRef) (bool, error)
	RecordSuccess(ctx context.Context, c Consumption, result any) error
	RecordFailure(ctx context.Context, c Consumption, errMsg string) error
}

// Guard makes handlers durable-idempotent: an event already recorded as
// consumed by a handler is not handed to it again, even after the tracker
// mark has expired.
type Guard struct {
	store ConsumeLogStore
}

func NewGuard(store ConsumeLogStore) *Guard {
	return &Guard{store: store}
}

type consumeResult struct {
	Handler   string `json:"handler"`
	EventType string `json:"event_type"`
}

type guarded struct {
	next  handler.Handler
	store ConsumeLogStore
}

// Wrap returns h guarded by the consume log. The name is unchanged.
func (g *Guard) Wrap(h handler.Handler) handler.Handler {
	return &guarded{next: h, store: g.store}
}

func (g *guarded) Name() string { return g.next.Name() }

func (g *guarded) Handle(ctx context.Context, evt *eventcodec.Event) error {
	logger := tenant.Logger(ctx)
	consumer := g.next.Name()

	consumed, err := g.store.IsConsumed(ctx, consumer, RefOf(evt))
	if err != nil {
		return err
	}
	if consumed {
		logger.Debug().
			Str("consumer", consumer).
			Str("event_id", evt.EventID).
			Str("event_type", evt.EventType).
			Msg("event already consumed, skipping")
		return nil
	}

	c := Consumption{
		Consumer:  consumer,
		EventID:   evt.EventID,
		EventType: evt.EventType,
		TenantID:  evt.TenantID,
	}
	if key, ok := evt.Attributes[IdempotencyKeyAttribute]; ok && key != "" {
		c.IdempotencyKey = &key
	}

	if err := g.next.Handle(ctx, evt); err != nil {
		if recErr := g.store.RecordFailure(ctx, c, err.Error()); recErr != nil {
			logger.Error().Err(recErr).Str("consumer", consumer).Msg("failed to record consume failure")
		}
		return err
	}

	if err := g.store.RecordSuccess(ctx, c, consumeResult{Handler: consumer, EventType: evt.EventType}); err != nil {
		// The handler's work is done; the tracker still covers near-term redelivery.
		logger.Error().Err(err).Str("consumer", consumer).Msg("failed to record consume success")
	}
	return nil
}
