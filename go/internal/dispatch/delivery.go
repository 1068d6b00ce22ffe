package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/mcdev12/eventrelay/go/internal/channel"
	"github.com/mcdev12/eventrelay/go/internal/metrics"
	"github.com/mcdev12/eventrelay/go/internal/models"
	"github.com/mcdev12/eventrelay/go/internal/subscription"
	"github.com/mcdev12/eventrelay/go/internal/tenant"
)

// DeliveryStore is what the delivery scheduler needs from the repository.
type DeliveryStore interface {
	stateWriter
	FindDue(ctx context.Context, now time.Time, limit int) ([]models.Delivery, error)
}

type SubscriptionLookup interface {
	FindByID(ctx context.Context, id int64) (*models.Subscription, error)
}

// DeliveryScheduler sends due deliveries through the channel of their
// subscription.
type DeliveryScheduler struct {
	store    DeliveryStore
	subs     SubscriptionLookup
	channels *channel.Registry
	cfg      Config
	opts     options
	settler  settler
}

func NewDeliveryScheduler(store DeliveryStore, subs SubscriptionLookup, channels *channel.Registry, cfg Config, opts ...Option) *DeliveryScheduler {
	o := buildOptions(opts)
	return &DeliveryScheduler{
		store:    store,
		subs:     subs,
		channels: channels,
		cfg:      cfg.Normalize(),
		opts:     o,
		settler:  settler{store: store, opts: o},
	}
}

func (s *DeliveryScheduler) Name() string { return string(metrics.KindDelivery) }

func (s *DeliveryScheduler) BatchSize() int { return s.cfg.BatchSize }

func (s *DeliveryScheduler) DispatchDue(ctx context.Context) (BatchResult, error) {
	start := s.opts.clock.Now()
	reclaim(ctx, s.store, s.cfg.ProcessingTimeout, metrics.KindDelivery, log.Logger)

	rows, err := s.store.FindDue(ctx, start.UTC(), s.cfg.BatchSize)
	if err != nil {
		return BatchResult{}, fmt.Errorf("failed to fetch due deliveries: %w", err)
	}
	if len(rows) == 0 {
		return BatchResult{}, nil
	}

	result := runBatch(ctx, rows, s.cfg.Concurrency, s.process)
	d := s.opts.clock.Since(start)
	s.opts.metrics.OnBatch(metrics.KindDelivery, result.batch(), d)
	log.Info().
		Str("kind", string(metrics.KindDelivery)).
		Int("processed", result.Processed).
		Int("succeeded", result.Succeeded).
		Int("failed", result.Failed).
		Int("dead", result.Dead).
		Int("skipped", result.Skipped).
		Int("state_update_failed", result.StateUpdateFailed).
		Dur("duration", d).
		Msg("delivery batch processed")
	return result, nil
}

func (s *DeliveryScheduler) process(ctx context.Context, d models.Delivery) (out outcome) {
	ctx = tenant.Scope(ctx, d.TenantID, d.TraceID())
	logger := tenant.Logger(ctx).With().
		Int64("delivery_id", d.ID).
		Int64("subscription_id", d.SubscriptionID).
		Str("event_id", d.EventID).
		Str("event_type", d.EventType).
		Str("channel_type", string(d.ChannelType)).
		Logger()
	a := attempt{
		kind:       metrics.KindDelivery,
		id:         d.ID,
		eventType:  d.EventType,
		retryCount: d.RetryCount,
		policy:     s.cfg.Retry,
	}

	won, err := s.store.Claim(ctx, d.ID)
	if err != nil {
		logger.Error().Err(err).Msg("failed to claim delivery")
		return outcomeStateUpdateFailed
	}
	if !won {
		logger.Debug().Msg("delivery claimed elsewhere, skipping")
		return outcomeSkipped
	}

	defer func() {
		if r := recover(); r != nil {
			logger.Error().Interface("panic", r).Msg("panic while sending delivery")
			out = s.settler.settle(ctx, logger, a, channel.Transient("panic", fmt.Errorf("panic: %v", r), 0, 0))
		}
	}()

	sub, err := s.subs.FindByID(ctx, d.SubscriptionID)
	switch {
	case errors.Is(err, subscription.ErrSubscriptionNotFound):
		return s.settler.markDead(ctx, logger, a, fmt.Sprintf("subscription %d not found", d.SubscriptionID))
	case err != nil:
		return s.settler.settle(ctx, logger, a, channel.Transient("subscription_lookup", err, 0, 0))
	case !sub.Enabled:
		return s.settler.markDead(ctx, logger, a, fmt.Sprintf("subscription %d disabled", d.SubscriptionID))
	}

	ch, ok := s.channels.Get(d.ChannelType)
	if !ok {
		return s.settler.markDead(ctx, logger, a, fmt.Sprintf("%v: %s", channel.ErrChannelNotFound, d.ChannelType))
	}

	a.policy = s.cfg.Retry.WithMaxRetry(sub.MaxRetry)
	res := ch.Send(ctx, channel.Message{
		DeliveryID: d.ID,
		EventID:    d.EventID,
		EventType:  d.EventType,
		TenantID:   d.TenantID,
		Payload:    d.Payload,
		Headers:    d.Headers,
	}, sub)
	return s.settler.settle(ctx, logger, a, res)
}
