// Package subscription resolves which integrations receive an event.
package subscription

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

var ErrSubscriptionNotFound = errors.New("subscription not found")

const subscriptionColumns = `id, tenant_id, event_type, channel_type, enabled, max_retry,
	target_url, secret, headers, timeout_ms, topic, created_at, updated_at`

// Repository reads and writes integration_subscription.
type Repository struct {
	db    sqlutil.DBTX
	clock clockwork.Clock
}

func NewRepository(db sqlutil.DBTX, clock clockwork.Clock) *Repository {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Repository{db: db, clock: clock}
}

// FindEnabled returns the enabled subscriptions of exactly tenantID for eventType.
func (r *Repository) FindEnabled(ctx context.Context, tenantID int64, eventType string) ([]models.Subscription, error) {
	rows, err := r.db.Query(ctx, `SELECT `+subscriptionColumns+`
		FROM integration_subscription
		WHERE tenant_id = $1 AND event_type = $2 AND enabled
		ORDER BY id`, tenantID, eventType)
	if err != nil {
		return nil, fmt.Errorf("failed to query subscriptions for tenant %d: %w", tenantID, err)
	}
	defer rows.Close()

	var subs []models.Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, err
		}
		subs = append(subs, *sub)
	}
	return subs, rows.Err()
}

func (r *Repository) FindByID(ctx context.Context, id int64) (*models.Subscription, error) {
	row := r.db.QueryRow(ctx, `SELECT `+subscriptionColumns+` FROM integration_subscription WHERE id = $1`, id)
	sub, err := scanSubscription(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %d", ErrSubscriptionNotFound, id)
	}
	return sub, err
}

// Upsert updates the subscription matching (tenant, event type, channel,
// target url, topic) or inserts a new one.
func (r *Repository) Upsert(ctx context.Context, sub *models.Subscription) (*models.Subscription, error) {
	headers, err := sqlutil.ToNullRawMessage(sub.Headers)
	if err != nil {
		return nil, err
	}
	now := r.clock.Now().UTC()

	var id int64
	err = r.db.QueryRow(ctx, `SELECT id FROM integration_subscription
		WHERE tenant_id = $1 AND event_type = $2 AND channel_type = $3 AND target_url = $4 AND topic = $5
		ORDER BY id LIMIT 1`,
		sub.TenantID, sub.EventType, string(sub.ChannelType), sub.TargetURL, sub.Topic).Scan(&id)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		row := r.db.QueryRow(ctx, `INSERT INTO integration_subscription
			(tenant_id, event_type, channel_type, enabled, max_retry, target_url, secret,
			 headers, timeout_ms, topic, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $11)
			RETURNING `+subscriptionColumns,
			sub.TenantID, sub.EventType, string(sub.ChannelType), sub.Enabled, sqlutil.ToInt4(sub.MaxRetry),
			sub.TargetURL, sub.Secret, headers, sqlutil.ToInt4(sub.TimeoutMs), sub.Topic, now)
		return scanSubscription(row)
	case err != nil:
		return nil, fmt.Errorf("failed to look up subscription: %w", err)
	}

	row := r.db.QueryRow(ctx, `UPDATE integration_subscription
		SET enabled = $2, max_retry = $3, secret = $4, headers = $5, timeout_ms = $6, updated_at = $7
		WHERE id = $1
		RETURNING `+subscriptionColumns,
		id, sub.Enabled, sqlutil.ToInt4(sub.MaxRetry), sub.Secret, headers, sqlutil.ToInt4(sub.TimeoutMs), now)
	return scanSubscription(row)
}

// SetEnabled toggles a subscription and reports whether it exists.
func (r *Repository) SetEnabled(ctx context.Context, id int64, enabled bool) (bool, error) {
	tag, err := r.db.Exec(ctx, `UPDATE integration_subscription SET enabled = $2, updated_at = $3 WHERE id = $1`,
		id, enabled, r.clock.Now().UTC())
	if err != nil {
		return false, fmt.Errorf("failed to update subscription %d: %w", id, err)
	}
	return tag.RowsAffected() == 1, nil
}

func scanSubscription(row pgx.Row) (*models.Subscription, error) {
	var (
		s           models.Subscription
		channelType string
		maxRetry    *int32
		timeoutMs   *int32
		headers     pqtype.NullRawMessage
	)
	err := row.Scan(&s.ID, &s.TenantID, &s.EventType, &channelType, &s.Enabled, &maxRetry,
		&s.TargetURL, &s.Secret, &headers, &timeoutMs, &s.Topic, &s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan subscription: %w", err)
	}
	s.ChannelType = models.ChannelType(channelType)
	s.MaxRetry = int32Ptr(maxRetry)
	s.TimeoutMs = int32Ptr(timeoutMs)
	if s.Headers, err = sqlutil.StringMapFromJSON(headers); err != nil {
		return nil, err
	}
	return &s, nil
}

func int32Ptr(v *int32) *int {
	if v == nil {
		return nil
	}
	n := int(*v)
	return &n
}
