// Package delivery stores the per-subscription copies of outbox events that
// the delivery dispatcher sends to external integrations.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jonboulle/clockwork"
	"github.com/sqlc-dev/pqtype"

	"github.com/mcdev12/eventrelay/go/internal/models"
	"github.com/mcdev12/eventrelay/go/internal/outbox"
	"github.com/mcdev12/eventrelay/go/internal/sqlutil"
)

var ErrDeliveryNotFound = errors.New("delivery not found")

const (
	tableName     = "integration_delivery"
	selectColumns = `id, subscription_id, tenant_id, event_id, event_type, channel_type, payload, headers,
		status, retry_count, next_retry_at, last_error, last_http_status, last_duration_ms, created_at, updated_at`
)

// Filter narrows List. Zero values are ignored.
type Filter struct {
	Status         models.Status
	EventType      string
	TenantID       *int64
	SubscriptionID *int64
	Limit          int
	Offset         int
}

// Repository persists deliveries. State changes go through the embedded
// StateTable, which also records the HTTP outcome columns.
type Repository struct {
	*outbox.StateTable
	db sqlutil.DBTX
}

func NewRepository(db sqlutil.DBTX, clock clockwork.Clock) (*Repository, error) {
	states, err := outbox.NewStateTable(db, tableName, outbox.WithOutcomeColumns(), outbox.WithClock(clock))
	if err != nil {
		return nil, err
	}
	return &Repository{StateTable: states, db: db}, nil
}

// Insert writes d unless a delivery of the same event to the same subscription
// exists, in which case the existing row is returned with inserted=false. An
// event is identified by (tenant, type, event id), as in the outbox.
func (r *Repository) Insert(ctx context.Context, d *models.Delivery) (*models.Delivery, bool, error) {
	headers, err := sqlutil.ToNullRawMessage(d.Headers)
	if err != nil {
		return nil, false, err
	}

	stored, err := scanDelivery(r.db.QueryRow(ctx, `INSERT INTO integration_delivery
		(subscription_id, tenant_id, event_id, event_type, channel_type, payload, headers,
		 status, retry_count, next_retry_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $11)
		ON CONFLICT (subscription_id, tenant_id, event_type, event_id) DO NOTHING
		RETURNING `+selectColumns,
		d.SubscriptionID, d.TenantID, d.EventID, d.EventType, string(d.ChannelType), d.Payload, headers,
		string(d.Status), d.RetryCount, sqlutil.ToTimestamptz(d.NextRetryAt), d.CreatedAt,
	))
	if err == nil {
		return stored, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, false, fmt.Errorf("failed to insert delivery: %w", err)
	}

	existing, err := scanDelivery(r.db.QueryRow(ctx, `SELECT `+selectColumns+` FROM integration_delivery
		WHERE subscription_id = $1 AND tenant_id = $2 AND event_type = $3 AND event_id = $4`,
		d.SubscriptionID, d.TenantID, d.EventType, d.EventID))
	if err != nil {
		return nil, false, fmt.Errorf("failed to load existing delivery: %w", err)
	}
	return existing, false, nil
}

func (r *Repository) FindDue(ctx context.Context, now time.Time, limit int) ([]models.Delivery, error) {
	rows, err := r.db.Query(ctx, `SELECT `+selectColumns+` FROM integration_delivery
		WHERE status = ANY($1) AND (next_retry_at IS NULL OR next_retry_at <= $2)
		ORDER BY next_retry_at ASC NULLS FIRST, id ASC
		LIMIT $3`,
		models.StatusStrings(models.ClaimableStatuses), now, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch due deliveries: %w", err)
	}
	return collectDeliveries(rows)
}

func (r *Repository) GetByID(ctx context.Context, id int64) (*models.Delivery, error) {
	d, err := scanDelivery(r.db.QueryRow(ctx, `SELECT `+selectColumns+` FROM integration_delivery WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: %d", ErrDeliveryNotFound, id)
		}
		return nil, fmt.Errorf("failed to fetch delivery %d: %w", id, err)
	}
	return d, nil
}

func (r *Repository) List(ctx context.Context, f Filter) ([]models.Delivery, error) {
	var (
		where []string
		args  []any
	)
	add := func(cond string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if f.Status != "" {
		add("status = $%d", string(f.Status))
	}
	if f.EventType != "" {
		add("event_type = $%d", f.EventType)
	}
	if f.TenantID != nil {
		add("tenant_id = $%d", *f.TenantID)
	}
	if f.SubscriptionID != nil {
		add("subscription_id = $%d", *f.SubscriptionID)
	}

	limit := f.Limit
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	query := `SELECT ` + selectColumns + ` FROM integration_delivery`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	args = append(args, limit, f.Offset)
	query += fmt.Sprintf(" ORDER BY created_at DESC, id DESC LIMIT $%d OFFSET $%d", len(args)-1, len(args))

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list deliveries: %w", err)
	}
	return collectDeliveries(rows)
}

func (r *Repository) CleanOld(ctx context.Context, statuses []models.Status, before time.Time, limit int) (int64, error) {
	tag, err := r.db.Exec(ctx, `DELETE FROM integration_delivery WHERE id IN (
		SELECT id FROM integration_delivery WHERE status = ANY($1) AND updated_at < $2 ORDER BY id LIMIT $3)`,
		models.StatusStrings(statuses), before, limit)
	if err != nil {
		return 0, fmt.Errorf("failed to clean deliveries: %w", err)
	}
	return tag.RowsAffected(), nil
}

func collectDeliveries(rows pgx.Rows) ([]models.Delivery, error) {
	defer rows.Close()
	var out []models.Delivery
	for rows.Next() {
		d, err := scanDelivery(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan delivery: %w", err)
		}
		out = append(out, *d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read deliveries: %w", err)
	}
	return out, nil
}

func scanDelivery(row pgx.Row) (*models.Delivery, error) {
	var (
		d           models.Delivery
		channelType string
		status      string
		headers     pqtype.NullRawMessage
		nextRetryAt pgtype.Timestamptz
		lastError   pgtype.Text
		httpStatus  pgtype.Int4
		durationMs  pgtype.Int4
	)
	if err := row.Scan(&d.ID, &d.SubscriptionID, &d.TenantID, &d.EventID, &d.EventType, &channelType,
		&d.Payload, &headers, &status, &d.RetryCount, &nextRetryAt, &lastError, &httpStatus, &durationMs,
		&d.CreatedAt, &d.UpdatedAt); err != nil {
		return nil, err
	}
	hdrs, err := sqlutil.StringMapFromJSON(headers)
	if err != nil {
		return nil, err
	}
	d.Headers = hdrs
	d.ChannelType = models.ChannelType(channelType)
	d.Status = models.Status(status)
	d.NextRetryAt = sqlutil.FromTimestamptz(nextRetryAt)
	d.LastError = sqlutil.FromText(lastError)
	d.LastHTTPStatus = sqlutil.FromInt4(httpStatus)
	d.LastDurationMs = sqlutil.FromInt4(durationMs)
	return &d, nil
}
