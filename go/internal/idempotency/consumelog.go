package idempotency

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jonboulle/clockwork"
	"github.com/sqlc-dev/pqtype"

	"github.com/mcdev12/eventrelay/go/internal/models"
	"github.com/mcdev12/eventrelay/go/internal/sqlutil"
)

var ErrConsumeLogNotFound = errors.New("consume log not found")

// Consumption identifies one consumer handling one event.
type Consumption struct {
	Consumer       string
	EventID        string
	EventType      string
	TenantID       int64
	IdempotencyKey *string
}

func (c Consumption) Ref() EventRef {
	return EventRef{TenantID: c.TenantID, EventType: c.EventType, EventID: c.EventID}
}

// ConsumeLogRepository persists event_consume_log rows. A SUCCESS row is never
// overwritten; a FAILED row is upgraded by a later success.
type ConsumeLogRepository struct {
	db    sqlutil.DBTX
	clock clockwork.Clock
}

func NewConsumeLogRepository(db sqlutil.DBTX, clock clockwork.Clock) *ConsumeLogRepository {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &ConsumeLogRepository{db: db, clock: clock}
}

func (r *ConsumeLogRepository) IsConsumed(ctx context.Context, consumer string, ref EventRef) (bool, error) {
	var consumed bool
	err := r.db.QueryRow(ctx, `SELECT EXISTS (
		SELECT 1 FROM event_consume_log
		WHERE consumer_name = $1 AND tenant_id = $2 AND event_type = $3 AND event_id = $4 AND status = $5)`,
		consumer, ref.TenantID, ref.EventType, ref.EventID, string(models.ConsumeStatusSuccess)).Scan(&consumed)
	if err != nil {
		return false, fmt.Errorf("failed to check consume log for %s/%s: %w", consumer, ref, err)
	}
	return consumed, nil
}

// RecordSuccess stores result as consume_result.
func (r *ConsumeLogRepository) RecordSuccess(ctx context.Context, c Consumption, result any) error {
	raw, err := sqlutil.ToNullRawMessage(result)
	if err != nil {
		return err
	}
	return r.upsert(ctx, c, models.ConsumeStatusSuccess, raw, nil)
}

func (r *ConsumeLogRepository) RecordFailure(ctx context.Context, c Consumption, errMsg string) error {
	return r.upsert(ctx, c, models.ConsumeStatusFailed, pqtype.NullRawMessage{}, &errMsg)
}

func (r *ConsumeLogRepository) upsert(ctx context.Context, c Consumption, status models.ConsumeStatus, result pqtype.NullRawMessage, errMsg *string) error {
	now := r.clock.Now().UTC()
	_, err := r.db.Exec(ctx, `INSERT INTO event_consume_log
		(consumer_name, event_id, event_type, tenant_id, status, idempotency_key,
		 consume_result, error_message, consumed_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $9, $9)
		ON CONFLICT (consumer_name, tenant_id, event_type, event_id) DO UPDATE SET
			status = EXCLUDED.status,
			consume_result = EXCLUDED.consume_result,
			error_message = EXCLUDED.error_message,
			consumed_at = EXCLUDED.consumed_at,
			updated_at = EXCLUDED.updated_at
		WHERE event_consume_log.status <> 'SUCCESS'`,
		c.Consumer, c.EventID, c.EventType, c.TenantID, string(status),
		sqlutil.ToText(c.IdempotencyKey), result, sqlutil.ToText(errMsg), now)
	if err != nil {
		return fmt.Errorf("failed to record %s for %s/%s: %w", status, c.Consumer, c.Ref(), err)
	}
	return nil
}

func (r *ConsumeLogRepository) Get(ctx context.Context, consumer string, ref EventRef) (*models.ConsumeLog, error) {
	var (
		l       models.ConsumeLog
		status  string
		idemKey *string
		result  pqtype.NullRawMessage
		errMsg  *string
	)
	err := r.db.QueryRow(ctx, `SELECT id, consumer_name, event_id, event_type, tenant_id, status,
			idempotency_key, consume_result, error_message, consumed_at, created_at, updated_at
		FROM event_consume_log
		WHERE consumer_name = $1 AND tenant_id = $2 AND event_type = $3 AND event_id = $4`,
		consumer, ref.TenantID, ref.EventType, ref.EventID).
		Scan(&l.ID, &l.ConsumerName, &l.EventID, &l.EventType, &l.TenantID, &status,
			&idemKey, &result, &errMsg, &l.ConsumedAt, &l.CreatedAt, &l.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrConsumeLogNotFound
		}
		return nil, fmt.Errorf("failed to get consume log %s/%s: %w", consumer, ref, err)
	}
	l.Status = models.ConsumeStatus(status)
	l.IdempotencyKey = idemKey
	l.ErrorMessage = errMsg
	if result.Valid {
		l.ConsumeResult = result.RawMessage
	}
	return &l, nil
}
