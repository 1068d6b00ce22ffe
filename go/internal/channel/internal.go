package channel

import (
	"context"
	"errors"
	"fmt"

	"github.com/jonboulle/clockwork"

	"github.com/mcdev12/eventrelay/go/internal/eventcodec"
	"github.com/mcdev12/eventrelay/go/internal/handler"
	"github.com/mcdev12/eventrelay/go/internal/idempotency"
	"github.com/mcdev12/eventrelay/go/internal/models"
	"github.com/mcdev12/eventrelay/go/internal/tenant"
)

// Internal delivers events to in-process handlers. Each handler runs at most
// once per event while the tracker mark lives; a handler that fails releases
// its mark so the retry runs it again.
type Internal struct {
	handlers *handler.Registry
	tracker  idempotency.Tracker
	clock    clockwork.Clock
}

func NewInternal(handlers *handler.Registry, tracker idempotency.Tracker, clock clockwork.Clock) *Internal {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Internal{handlers: handlers, tracker: tracker, clock: clock}
}

func (c *Internal) Type() models.ChannelType { return models.ChannelInternal }

func (c *Internal) Send(ctx context.Context, msg Message, _ *models.Subscription) Result {
	start := c.clock.Now()
	if msg.Event == nil {
		return Permanent("malformed_event", eventcodec.ErrMalformedEvent, 0, 0)
	}
	logger := tenant.Logger(ctx)
	ref := idempotency.RefOf(msg.Event)

	var transient, permanent []error
	for _, h := range c.handlers.For(msg.Event.EventType) {
		name := h.Name()
		if c.tracker != nil {
			first, err := c.tracker.TryMarkProcessing(ctx, name, ref)
			if err != nil {
				transient = append(transient, fmt.Errorf("%s: %w", name, err))
				continue
			}
			if !first {
				logger.Debug().Str("consumer", name).Str("event_id", ref.EventID).Msg("duplicate event, handler skipped")
				continue
			}
		}

		err := h.Handle(ctx, msg.Event)
		if err == nil {
			continue
		}
		if c.tracker != nil {
			if relErr := c.tracker.Release(ctx, name, ref); relErr != nil {
				logger.Warn().Err(relErr).Str("consumer", name).Msg("failed to release consumption mark")
			}
		}
		if handler.IsPermanent(err) {
			permanent = append(permanent, fmt.Errorf("%s: %w", name, err))
		} else {
			transient = append(transient, fmt.Errorf("%s: %w", name, err))
		}
	}

	d := c.clock.Since(start)
	switch {
	case len(transient) > 0:
		return Transient("handler_failed", errors.Join(append(transient, permanent...)...), 0, d)
	case len(permanent) > 0:
		return Permanent("handler_rejected", errors.Join(permanent...), 0, d)
	default:
		return Success(0, d)
	}
}
