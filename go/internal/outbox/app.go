package outbox

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/mcdev12/eventrelay/go/internal/models"
)

// OutboxRepository defines what the app layer needs from the repository
type OutboxRepository interface {
	GetByID(ctx context.Context, id int64) (*models.OutboxMessage, error)
	List(ctx context.Context, f Filter) ([]models.OutboxMessage, error)
	ResetToNew(ctx context.Context, id int64) (bool, error)
	CleanOld(ctx context.Context, statuses []models.Status, before time.Time, limit int) (int64, error)
	CountByStatus(ctx context.Context) (map[models.Status]int64, error)
}

// App holds the operator-facing outbox operations.
type App struct {
	repo OutboxRepository
}

func NewApp(repo OutboxRepository) *App {
	return &App{repo: repo}
}

// Replay resets a DEAD or FAILED message to NEW. It reports false when the
// message is in any other state.
func (a *App) Replay(ctx context.Context, id int64) (bool, error) {
	msg, err := a.repo.GetByID(ctx, id)
	if err != nil {
		return false, err
	}
	if msg.Status != models.StatusDead && msg.Status != models.StatusFailed {
		return false, fmt.Errorf("%w: cannot replay %s message %d", ErrInvalidTransition, msg.Status, id)
	}

	ok, err := a.repo.ResetToNew(ctx, id)
	if err != nil {
		return false, err
	}
	if ok {
		log.Info().
			Int64("outbox_id", id).
			Str("event_id", msg.EventID).
			Str("event_type", msg.EventType).
			Str("previous_status", string(msg.Status)).
			Msg("outbox message replayed")
	}
	return ok, nil
}

// ReplayDead resets every DEAD message matching f, up to f.Limit.
func (a *App) ReplayDead(ctx context.Context, f Filter) (int, error) {
	f.Status = models.StatusDead
	msgs, err := a.repo.List(ctx, f)
	if err != nil {
		return 0, err
	}

	replayed := 0
	for _, m := range msgs {
		ok, err := a.repo.ResetToNew(ctx, m.ID)
		if err != nil {
			log.Error().Err(err).Int64("outbox_id", m.ID).Msg("failed to replay outbox message")
			continue
		}
		if ok {
			replayed++
		}
	}
	return replayed, nil
}

func (a *App) Get(ctx context.Context, id int64) (*models.OutboxMessage, error) {
	return a.repo.GetByID(ctx, id)
}

func (a *App) List(ctx context.Context, f Filter) ([]models.OutboxMessage, error) {
	return a.repo.List(ctx, f)
}

// Cleanup deletes SUCCESS and DEAD messages older than retention in batches.
func (a *App) Cleanup(ctx context.Context, now time.Time, retention time.Duration, batchSize int) (int64, error) {
	if retention <= 0 {
		return 0, nil
	}
	if batchSize <= 0 {
		batchSize = 500
	}

	var total int64
	cutoff := now.Add(-retention)
	for {
		n, err := a.repo.CleanOld(ctx, []models.Status{models.StatusSuccess, models.StatusDead}, cutoff, batchSize)
		if err != nil {
			return total, err
		}
		total += n
		if n < int64(batchSize) {
			break
		}
		if err := ctx.Err(); err != nil {
			return total, err
		}
	}
	if total > 0 {
		log.Info().Int64("deleted", total).Time("cutoff", cutoff).Msg("outbox cleanup finished")
	}
	return total, nil
}

func (a *App) Stats(ctx context.Context) (map[models.Status]int64, error) {
	return a.repo.CountByStatus(ctx)
}
