package delivery

import (
	"context"
	"errors"
	"fmt"

	"github.com/jonboulle/clockwork"

	"github.com/mcdev12/eventrelay/go/internal/eventcodec"
	"github.com/mcdev12/eventrelay/go/internal/metrics"
	"github.com/mcdev12/eventrelay/go/internal/models"
	"github.com/mcdev12/eventrelay/go/internal/tenant"
)

// EnqueuerName is the consumer name of the fan-out handler.
const EnqueuerName = "delivery-enqueuer"

// Writer is the insert side of the delivery repository.
type Writer interface {
	Insert(ctx context.Context, d *models.Delivery) (*models.Delivery, bool, error)
}

// SubscriptionFinder resolves the subscriptions of an event.
type SubscriptionFinder interface {
	FindSubscriptions(ctx context.Context, tenantID int64, eventType string) ([]models.Subscription, error)
}

// Enqueuer is the in-process handler that turns one outbox event into one
// delivery per external subscription. Re-running it for the same event is a
// no-op per subscription.
type Enqueuer struct {
	writer  Writer
	subs    SubscriptionFinder
	codec   *eventcodec.Codec
	clock   clockwork.Clock
	metrics metrics.Recorder
}

func NewEnqueuer(writer Writer, subs SubscriptionFinder, codec *eventcodec.Codec, clock clockwork.Clock, rec metrics.Recorder) *Enqueuer {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if rec == nil {
		rec = metrics.Noop{}
	}
	return &Enqueuer{writer: writer, subs: subs, codec: codec, clock: clock, metrics: rec}
}

func (e *Enqueuer) Name() string { return EnqueuerName }

func (e *Enqueuer) Handle(ctx context.Context, evt *eventcodec.Event) error {
	logger := tenant.Logger(ctx)

	subs, err := e.subs.FindSubscriptions(ctx, evt.TenantID, evt.EventType)
	if err != nil {
		return fmt.Errorf("failed to resolve subscriptions for %s: %w", evt.EventType, err)
	}
	if len(subs) == 0 {
		return nil
	}

	payload, err := e.codec.SerializePayload(evt)
	if err != nil {
		return err
	}
	headers, err := e.codec.SerializeHeaders(evt)
	if err != nil {
		return err
	}

	var errs []error
	for _, sub := range subs {
		if sub.ChannelType == models.ChannelInternal {
			// in-process consumers are reached through the handler registry
			continue
		}
		now := e.clock.Now().UTC()
		d := &models.Delivery{
			SubscriptionID: sub.ID,
			TenantID:       evt.TenantID,
			EventID:        evt.EventID,
			EventType:      evt.EventType,
			ChannelType:    sub.ChannelType,
			Payload:        payload,
			Headers:        headers,
			Status:         models.StatusNew,
			NextRetryAt:    &now,
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		stored, inserted, err := e.writer.Insert(ctx, d)
		if err != nil {
			errs = append(errs, fmt.Errorf("subscription %d: %w", sub.ID, err))
			continue
		}
		if !inserted {
			continue
		}
		e.metrics.OnCreated(metrics.KindDelivery, evt.EventType)
		logger.Info().
			Int64("delivery_id", stored.ID).
			Int64("subscription_id", sub.ID).
			Str("channel_type", string(sub.ChannelType)).
			Str("event_id", evt.EventID).
			Msg("delivery enqueued")
	}
	return errors.Join(errs...)
}
