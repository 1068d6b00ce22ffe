// Package outbox is the producer side of the event pipeline: it records events
// in the same transaction as the business change that raised them, and owns the
// outbox_message state machine used by the dispatcher.
package outbox

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/eventrelay/go/internal/eventcodec"
	"github.com/mcdev12/eventrelay/go/internal/metrics"
	"github.com/mcdev12/eventrelay/go/internal/models"
	"github.com/mcdev12/eventrelay/go/internal/sqlutil"
	"github.com/mcdev12/eventrelay/go/internal/tenant"
)

// IDGenerator supplies event ids for events published without one.
type IDGenerator interface {
	NewID() string
}

type uuidGenerator struct{}

func (uuidGenerator) NewID() string { return uuid.NewString() }

// MessageWriter is the insert side of the repository.
type MessageWriter interface {
	Insert(ctx context.Context, q sqlutil.DBTX, msg *models.OutboxMessage) (*models.OutboxMessage, bool, error)
}

// Store is the producer-facing publish API.
type Store struct {
	writer  MessageWriter
	codec   *eventcodec.Codec
	clock   clockwork.Clock
	ids     IDGenerator
	metrics metrics.Recorder
}

type StoreOption func(*Store)

func WithStoreClock(clock clockwork.Clock) StoreOption {
	return func(s *Store) {
		if clock != nil {
			s.clock = clock
		}
	}
}

func WithIDGenerator(ids IDGenerator) StoreOption {
	return func(s *Store) {
		if ids != nil {
			s.ids = ids
		}
	}
}

func WithStoreMetrics(m metrics.Recorder) StoreOption {
	return func(s *Store) {
		if m != nil {
			s.metrics = m
		}
	}
}

func NewStore(writer MessageWriter, codec *eventcodec.Codec, opts ...StoreOption) *Store {
	s := &Store{
		writer:  writer,
		codec:   codec,
		clock:   clockwork.NewRealClock(),
		ids:     uuidGenerator{},
		metrics: metrics.Noop{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Publish appends evt to the outbox using tx, the transaction of the business
// change that raised it. Serialization failures are returned before anything is
// written so the caller's transaction rolls back. Publishing the same
// (tenant, type, event id) twice leaves exactly one row. An event without a
// trace id takes the one carried by ctx.
func (s *Store) Publish(ctx context.Context, tx sqlutil.DBTX, evt *eventcodec.Event) (*models.OutboxMessage, error) {
	if evt == nil {
		return nil, ErrEventRequired
	}
	if tx == nil {
		return nil, ErrTxRequired
	}
	if evt.EventType == "" {
		return nil, fmt.Errorf("%w: event type is required", eventcodec.ErrMalformedEvent)
	}
	if evt.EventID == "" {
		evt.EventID = s.ids.NewID()
	}
	if evt.TraceID == "" {
		evt.TraceID = tenant.TraceID(ctx)
	}
	now := s.clock.Now().UTC()
	if evt.OccurredAt.IsZero() {
		evt.OccurredAt = now
	}

	payload, err := s.codec.SerializePayload(evt)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize %s payload: %w", evt.EventType, err)
	}
	headers, err := s.codec.SerializeHeaders(evt)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize %s headers: %w", evt.EventType, err)
	}

	msg := &models.OutboxMessage{
		TenantID:    evt.TenantID,
		EventID:     evt.EventID,
		EventType:   evt.EventType,
		Payload:     payload,
		Headers:     headers,
		Status:      models.StatusNew,
		RetryCount:  0,
		NextRetryAt: &now,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	stored, inserted, err := s.writer.Insert(ctx, tx, msg)
	if err != nil {
		return nil, fmt.Errorf("failed to publish %s: %w", evt.EventType, err)
	}

	if !inserted {
		log.Debug().
			Str("event_id", evt.EventID).
			Str("event_type", evt.EventType).
			Int64("tenant_id", evt.TenantID).
			Int64("outbox_id", stored.ID).
			Msg("outbox event already published")
		return stored, nil
	}

	s.metrics.OnCreated(metrics.KindOutbox, stored.EventType)
	log.Info().
		Str("event_id", stored.EventID).
		Str("event_type", stored.EventType).
		Int64("tenant_id", stored.TenantID).
		Int64("outbox_id", stored.ID).
		Msg("outbox event inserted")
	return stored, nil
}
