package outbox

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/mcdev12/eventrelay/go/internal/models"
	"github.com/mcdev12/eventrelay/go/internal/sqlutil"
)

var identifierPattern = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Outcome carries the optional send measurements stored with a final state.
type Outcome struct {
	HTTPStatus *int
	DurationMs *int
}

// StateTable implements the dispatch state machine as conditional UPDATEs on
// any table with the status/retry_count/next_retry_at/last_error/updated_at
// columns. Every write is predicated on the current status, so concurrent
// workers can never both win the same transition.
type StateTable struct {
	db              sqlutil.DBTX
	table           string
	clock           clockwork.Clock
	trackHTTPResult bool
}

type StateTableOption func(*StateTable)

// WithOutcomeColumns records last_http_status and last_duration_ms on final writes.
func WithOutcomeColumns() StateTableOption {
	return func(t *StateTable) { t.trackHTTPResult = true }
}

func WithClock(clock clockwork.Clock) StateTableOption {
	return func(t *StateTable) {
		if clock != nil {
			t.clock = clock
		}
	}
}

func NewStateTable(db sqlutil.DBTX, table string, opts ...StateTableOption) (*StateTable, error) {
	if !identifierPattern.MatchString(table) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidIdentifier, table)
	}
	t := &StateTable{db: db, table: table, clock: clockwork.NewRealClock()}
	for _, opt := range opts {
		opt(t)
	}
	return t, nil
}

func (t *StateTable) Table() string {
	return t.table
}

// Transition moves row id from any of from to to. It returns false when the row
// was not in one of the from states, which is how a lost claim shows up.
func (t *StateTable) Transition(ctx context.Context, id int64, from []models.Status, to models.Status) (bool, error) {
	if len(from) == 0 {
		return false, fmt.Errorf("%w: no source status", ErrInvalidTransition)
	}
	for _, f := range from {
		if !f.CanTransitionTo(to) {
			return false, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, f, to)
		}
	}

	now := t.clock.Now().UTC()
	var nextRetryAt *time.Time
	if to.HasNextRetry() {
		nextRetryAt = &now
	}

	query := fmt.Sprintf(`UPDATE %s
		SET status = $1, next_retry_at = $2, updated_at = $3
		WHERE id = $4 AND status = ANY($5)`, t.table)
	tag, err := t.db.Exec(ctx, query, string(to), sqlutil.ToTimestamptz(nextRetryAt), now, id, models.StatusStrings(from))
	if err != nil {
		return false, fmt.Errorf("failed to transition %s %d to %s: %w", t.table, id, to, err)
	}
	return tag.RowsAffected() == 1, nil
}

// Claim is Transition(id, {NEW, FAILED}, SENDING).
func (t *StateTable) Claim(ctx context.Context, id int64) (bool, error) {
	return t.Transition(ctx, id, models.ClaimableStatuses, models.StatusSending)
}

// MarkSuccess finalizes a SENDING row and clears last_error.
func (t *StateTable) MarkSuccess(ctx context.Context, id int64, outcome Outcome) error {
	now := t.clock.Now().UTC()
	args := []any{string(models.StatusSuccess), now, id, string(models.StatusSending)}
	set := "status = $1, next_retry_at = NULL, last_error = NULL, updated_at = $2"
	if t.trackHTTPResult {
		set += ", last_http_status = $5, last_duration_ms = $6"
		args = append(args, sqlutil.ToInt4(outcome.HTTPStatus), sqlutil.ToInt4(outcome.DurationMs))
	}

	query := fmt.Sprintf(`UPDATE %s SET %s WHERE id = $3 AND status = $4`, t.table, set)
	tag, err := t.db.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to mark %s %d success: %w", t.table, id, err)
	}
	return ensureRowAffected(tag.RowsAffected(), t.table, id)
}

// MarkFailed records a failed attempt. With dead set the row becomes DEAD and
// nextRetryAt is ignored; otherwise it becomes FAILED and due at nextRetryAt.
func (t *StateTable) MarkFailed(ctx context.Context, id int64, retryCount int, nextRetryAt time.Time, dead bool, lastError string, outcome Outcome) error {
	status := models.StatusFailed
	next := sqlutil.ToTimestamptz(&nextRetryAt)
	if dead {
		status = models.StatusDead
		next = sqlutil.ToTimestamptz(nil)
	}

	now := t.clock.Now().UTC()
	args := []any{string(status), retryCount, next, SanitizeError(lastError), now, id, string(models.StatusSending)}
	set := "status = $1, retry_count = $2, next_retry_at = $3, last_error = $4, updated_at = $5"
	if t.trackHTTPResult {
		set += ", last_http_status = $8, last_duration_ms = $9"
		args = append(args, sqlutil.ToInt4(outcome.HTTPStatus), sqlutil.ToInt4(outcome.DurationMs))
	}

	query := fmt.Sprintf(`UPDATE %s SET %s WHERE id = $6 AND status = $7`, t.table, set)
	tag, err := t.db.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to mark %s %d %s: %w", t.table, id, status, err)
	}
	return ensureRowAffected(tag.RowsAffected(), t.table, id)
}

// MarkDead sends a SENDING row straight to DEAD without consuming a retry.
func (t *StateTable) MarkDead(ctx context.Context, id int64, reason string) error {
	query := fmt.Sprintf(`UPDATE %s
		SET status = $1, next_retry_at = NULL, last_error = $2, updated_at = $3
		WHERE id = $4 AND status = $5`, t.table)
	tag, err := t.db.Exec(ctx, query,
		string(models.StatusDead), SanitizeError(reason), t.clock.Now().UTC(), id, string(models.StatusSending))
	if err != nil {
		return fmt.Errorf("failed to mark %s %d dead: %w", t.table, id, err)
	}
	return ensureRowAffected(tag.RowsAffected(), t.table, id)
}

// ResetToNew is the operator replay: DEAD or FAILED back to NEW with the retry
// budget restored.
func (t *StateTable) ResetToNew(ctx context.Context, id int64) (bool, error) {
	now := t.clock.Now().UTC()
	query := fmt.Sprintf(`UPDATE %s
		SET status = $1, retry_count = 0, next_retry_at = $2, last_error = NULL, updated_at = $2
		WHERE id = $3 AND status = ANY($4)`, t.table)
	tag, err := t.db.Exec(ctx, query,
		string(models.StatusNew), now, id, models.StatusStrings(models.ReplayableStatuses))
	if err != nil {
		return false, fmt.Errorf("failed to reset %s %d: %w", t.table, id, err)
	}
	return tag.RowsAffected() == 1, nil
}

// ReclaimStuck returns SENDING rows untouched for longer than timeout to FAILED,
// due immediately. retry_count is left alone.
func (t *StateTable) ReclaimStuck(ctx context.Context, timeout time.Duration) (int64, error) {
	now := t.clock.Now().UTC()
	query := fmt.Sprintf(`UPDATE %s
		SET status = $1, next_retry_at = $2, last_error = $3, updated_at = $2
		WHERE status = $4 AND updated_at < $5`, t.table)
	tag, err := t.db.Exec(ctx, query,
		string(models.StatusFailed), now, "reclaimed after processing timeout",
		string(models.StatusSending), now.Add(-timeout))
	if err != nil {
		return 0, fmt.Errorf("failed to reclaim stuck %s rows: %w", t.table, err)
	}
	return tag.RowsAffected(), nil
}

// CountByStatus returns row counts per status.
func (t *StateTable) CountByStatus(ctx context.Context) (map[models.Status]int64, error) {
	rows, err := t.db.Query(ctx, fmt.Sprintf(`SELECT status, COUNT(*) FROM %s GROUP BY status`, t.table))
	if err != nil {
		return nil, fmt.Errorf("failed to count %s by status: %w", t.table, err)
	}
	defer rows.Close()

	counts := make(map[models.Status]int64)
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("failed to scan %s count: %w", t.table, err)
		}
		counts[models.Status(status)] = n
	}
	return counts, rows.Err()
}

func ensureRowAffected(n int64, table string, id int64) error {
	if n == 0 {
		return fmt.Errorf("%w: %s %d is no longer SENDING", ErrStateConflict, table, id)
	}
	return nil
}
