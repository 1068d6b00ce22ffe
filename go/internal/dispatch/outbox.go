package dispatch

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/mcdev12/eventrelay/go/internal/channel"
	"github.com/mcdev12/eventrelay/go/internal/eventcodec"
	"github.com/mcdev12/eventrelay/go/internal/metrics"
	"github.com/mcdev12/eventrelay/go/internal/models"
	"github.com/mcdev12/eventrelay/go/internal/tenant"
)

// OutboxStore is what the outbox scheduler needs from the repository.
type OutboxStore interface {
	stateWriter
	FindDue(ctx context.Context, now time.Time, limit int) ([]models.OutboxMessage, error)
}

// OutboxScheduler drains due outbox messages into the internal channel.
type OutboxScheduler struct {
	store    OutboxStore
	codec    *eventcodec.Codec
	internal channel.Channel
	cfg      Config
	opts     options
	settler  settler
}

func NewOutboxScheduler(store OutboxStore, codec *eventcodec.Codec, internal channel.Channel, cfg Config, opts ...Option) *OutboxScheduler {
	o := buildOptions(opts)
	return &OutboxScheduler{
		store:    store,
		codec:    codec,
		internal: internal,
		cfg:      cfg.Normalize(),
		opts:     o,
		settler:  settler{store: store, opts: o},
	}
}

func (s *OutboxScheduler) Name() string { return string(metrics.KindOutbox) }

func (s *OutboxScheduler) BatchSize() int { return s.cfg.BatchSize }

// DispatchDue runs one tick. Only a failure to read the due rows is returned;
// per-row problems are counted in the result.
func (s *OutboxScheduler) DispatchDue(ctx context.Context) (BatchResult, error) {
	start := s.opts.clock.Now()
	reclaim(ctx, s.store, s.cfg.ProcessingTimeout, metrics.KindOutbox, log.Logger)

	rows, err := s.store.FindDue(ctx, start.UTC(), s.cfg.BatchSize)
	if err != nil {
		return BatchResult{}, fmt.Errorf("failed to fetch due outbox messages: %w", err)
	}
	if len(rows) == 0 {
		return BatchResult{}, nil
	}

	result := runBatch(ctx, rows, s.cfg.Concurrency, s.process)
	d := s.opts.clock.Since(start)
	s.opts.metrics.OnBatch(metrics.KindOutbox, result.batch(), d)
	log.Info().
		Str("kind", string(metrics.KindOutbox)).
		Int("processed", result.Processed).
		Int("succeeded", result.Succeeded).
		Int("failed", result.Failed).
		Int("dead", result.Dead).
		Int("skipped", result.Skipped).
		Int("state_update_failed", result.StateUpdateFailed).
		Dur("duration", d).
		Msg("outbox batch processed")
	return result, nil
}

func (s *OutboxScheduler) process(ctx context.Context, msg models.OutboxMessage) (out outcome) {
	ctx = tenant.Scope(ctx, msg.TenantID, msg.TraceID())
	logger := tenant.Logger(ctx).With().
		Int64("outbox_id", msg.ID).
		Str("event_id", msg.EventID).
		Str("event_type", msg.EventType).
		Logger()
	a := attempt{
		kind:       metrics.KindOutbox,
		id:         msg.ID,
		eventType:  msg.EventType,
		retryCount: msg.RetryCount,
		policy:     s.cfg.Retry,
	}

	won, err := s.store.Claim(ctx, msg.ID)
	if err != nil {
		logger.Error().Err(err).Msg("failed to claim outbox message")
		return outcomeStateUpdateFailed
	}
	if !won {
		logger.Debug().Msg("outbox message claimed elsewhere, skipping")
		return outcomeSkipped
	}

	defer func() {
		if r := recover(); r != nil {
			logger.Error().Interface("panic", r).Msg("panic while dispatching outbox message")
			out = s.settler.settle(ctx, logger, a, channel.Transient("panic", fmt.Errorf("panic: %v", r), 0, 0))
		}
	}()

	evt, err := s.codec.Deserialize(msg.Payload, msg.Headers)
	if err != nil {
		return s.settler.settle(ctx, logger, a, channel.Permanent("malformed_event", err, 0, 0))
	}

	res := s.internal.Send(ctx, channel.Message{
		EventID:   msg.EventID,
		EventType: msg.EventType,
		TenantID:  msg.TenantID,
		Payload:   msg.Payload,
		Headers:   msg.Headers,
		Event:     evt,
	}, nil)
	return s.settler.settle(ctx, logger, a, res)
}
