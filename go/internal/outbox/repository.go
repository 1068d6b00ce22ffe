package outbox

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
	"github.com/mcdev12/eventrelay/go/internal/sqlutil"
)

const (
	tableName     = "outbox_message"
	selectColumns = `id, tenant_id, event_id, event_type, payload, headers, status, retry_count,
		next_retry_at, last_error, created_at, updated_at`
)

// Filter narrows List. Zero values are ignored.
type Filter struct {
	Status    models.Status
	EventType string
	TenantID  *int64
	From      *time.Time
	To        *time.Time
	Limit     int
	Offset    int
}

// Repository persists outbox messages in Postgres through pgx.
type Repository struct {
	*StateTable
	db sqlutil.DBTX
}

func NewRepository(db sqlutil.DBTX, clock clockwork.Clock) (*Repository, error) {
	states, err := NewStateTable(db, tableName, WithClock(clock))
	if err != nil {
		return nil, err
	}
	return &Repository{StateTable: states, db: db}, nil
}

// Insert writes msg through q, which is normally the caller's transaction. When
// a row with the same (tenant_id, event_type, event_id) already exists nothing
// is written and the existing row is returned with inserted=false.
func (r *Repository) Insert(ctx context.Context, q sqlutil.DBTX, msg *models.OutboxMessage) (*models.OutboxMessage, bool, error) {
	headers, err := sqlutil.ToNullRawMessage(msg.Headers)
	if err != nil {
		return nil, false, err
	}

	row := q.QueryRow(ctx, `INSERT INTO outbox_message
		(tenant_id, event_id, event_type, payload, headers, status, retry_count, next_retry_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $9)
		ON CONFLICT (tenant_id, event_type, event_id) DO NOTHING
		RETURNING `+selectColumns,
		msg.TenantID, msg.EventID, msg.EventType, msg.Payload, headers,
		string(msg.Status), msg.RetryCount, sqlutil.ToTimestamptz(msg.NextRetryAt), msg.CreatedAt,
	)
	stored, err := scanMessage(row)
	if err == nil {
		return stored, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, false, fmt.Errorf("failed to insert outbox message: %w", err)
	}

	existing, err := scanMessage(q.QueryRow(ctx, `SELECT `+selectColumns+` FROM outbox_message
		WHERE tenant_id = $1 AND event_type = $2 AND event_id = $3`,
		msg.TenantID, msg.EventType, msg.EventID))
	if err != nil {
		return nil, false, fmt.Errorf("failed to load existing outbox message: %w", err)
	}
	return existing, false, nil
}

// FindDue returns up to limit NEW/FAILED rows whose next_retry_at is unset or
// not after now, oldest due first.
func (r *Repository) FindDue(ctx context.Context, now time.Time, limit int) ([]models.OutboxMessage, error) {
	rows, err := r.db.Query(ctx, `SELECT `+selectColumns+` FROM outbox_message
		WHERE status = ANY($1) AND (next_retry_at IS NULL OR next_retry_at <= $2)
		ORDER BY next_retry_at ASC NULLS FIRST, id ASC
		LIMIT $3`,
		models.StatusStrings(models.ClaimableStatuses), now, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch due outbox messages: %w", err)
	}
	return collectMessages(rows)
}

func (r *Repository) GetByID(ctx context.Context, id int64) (*models.OutboxMessage, error) {
	msg, err := scanMessage(r.db.QueryRow(ctx, `SELECT `+selectColumns+` FROM outbox_message WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: %d", ErrMessageNotFound, id)
		}
		return nil, fmt.Errorf("failed to fetch outbox message %d: %w", id, err)
	}
	return msg, nil
}

// List pages messages newest first.
func (r *Repository) List(ctx context.Context, f Filter) ([]models.OutboxMessage, error) {
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
	if f.From != nil {
		add("created_at >= $%d", *f.From)
	}
	if f.To != nil {
		add("created_at < $%d", *f.To)
	}

	limit := f.Limit
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	query := `SELECT ` + selectColumns + ` FROM outbox_message`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	args = append(args, limit, f.Offset)
	query += fmt.Sprintf(" ORDER BY created_at DESC, id DESC LIMIT $%d OFFSET $%d", len(args)-1, len(args))

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list outbox messages: %w", err)
	}
	return collectMessages(rows)
}

// CleanOld deletes up to limit rows in statuses last updated before cutoff.
func (r *Repository) CleanOld(ctx context.Context, statuses []models.Status, before time.Time, limit int) (int64, error) {
	tag, err := r.db.Exec(ctx, `DELETE FROM outbox_message WHERE id IN (
		SELECT id FROM outbox_message WHERE status = ANY($1) AND updated_at < $2 ORDER BY id LIMIT $3)`,
		models.StatusStrings(statuses), before, limit)
	if err != nil {
		return 0, fmt.Errorf("failed to clean outbox messages: %w", err)
	}
	return tag.RowsAffected(), nil
}

func collectMessages(rows pgx.Rows) ([]models.OutboxMessage, error) {
	defer rows.Close()
	var out []models.OutboxMessage
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan outbox message: %w", err)
		}
		out = append(out, *msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read outbox messages: %w", err)
	}
	return out, nil
}

func scanMessage(row pgx.Row) (*models.OutboxMessage, error) {
	var (
		m           models.OutboxMessage
		status      string
		headers     pqtype.NullRawMessage
		nextRetryAt pgtype.Timestamptz
		lastError   pgtype.Text
	)
	if err := row.Scan(&m.ID, &m.TenantID, &m.EventID, &m.EventType, &m.Payload, &headers, &status,
		&m.RetryCount, &nextRetryAt, &lastError, &m.CreatedAt, &m.UpdatedAt); err != nil {
		return nil, err
	}
	hdrs, err := sqlutil.StringMapFromJSON(headers)
	if err != nil {
		return nil, err
	}
	m.Headers = hdrs
	m.Status = models.Status(status)
	m.NextRetryAt = sqlutil.FromTimestamptz(nextRetryAt)
	m.LastError = sqlutil.FromText(lastError)
	return &m, nil
}
