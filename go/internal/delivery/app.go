package delivery

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/mcdev12/eventrelay/go/internal/models"
	"github.com/mcdev12/eventrelay/go/internal/outbox"
)

// DeliveryRepository defines what the app layer needs from the repository
type DeliveryRepository interface {
	GetByID(ctx context.Context, id int64) (*models.Delivery, error)
	List(ctx context.Context, f Filter) ([]models.Delivery, error)
	ResetToNew(ctx context.Context, id int64) (bool, error)
	CleanOld(ctx context.Context, statuses []models.Status, before time.Time, limit int) (int64, error)
	CountByStatus(ctx context.Context) (map[models.Status]int64, error)
}

// App holds the operator-facing delivery operations.
type App struct {
	repo DeliveryRepository
}

func NewApp(repo DeliveryRepository) *App {
	return &App{repo: repo}
}

// Replay resets a DEAD or FAILED delivery to NEW with a fresh retry budget.
func (a *App) Replay(ctx context.Context, id int64) (bool, error) {
	d, err := a.repo.GetByID(ctx, id)
	if err != nil {
		return false, err
	}
	if d.Status != models.StatusDead && d.Status != models.StatusFailed {
		return false, fmt.Errorf("%w: cannot replay %s delivery %d", outbox.ErrInvalidTransition, d.Status, id)
	}
	ok, err := a.repo.ResetToNew(ctx, id)
	if err != nil {
		return false, err
	}
	if ok {
		log.Info().
			Int64("delivery_id", id).
			Int64("subscription_id", d.SubscriptionID).
			Str("event_id", d.EventID).
			Str("previous_status", string(d.Status)).
			Msg("delivery replayed")
	}
	return ok, nil
}

// ReplayDead resets every DEAD delivery matching f, up to f.Limit.
func (a *App) ReplayDead(ctx context.Context, f Filter) (int, error) {
	f.Status = models.StatusDead
	rows, err := a.repo.List(ctx, f)
	if err != nil {
		return 0, err
	}

	replayed := 0
	for _, d := range rows {
		ok, err := a.repo.ResetToNew(ctx, d.ID)
		if err != nil {
			log.Error().Err(err).Int64("delivery_id", d.ID).Msg("failed to replay delivery")
			continue
		}
		if ok {
			replayed++
		}
	}
	return replayed, nil
}

func (a *App) Get(ctx context.Context, id int64) (*models.Delivery, error) {
	return a.repo.GetByID(ctx, id)
}

func (a *App) List(ctx context.Context, f Filter) ([]models.Delivery, error) {
	return a.repo.List(ctx, f)
}

// Cleanup deletes SUCCESS and DEAD deliveries older than retention in batches.
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
		if n < int64(batchSize) || ctx.Err() != nil {
			return total, ctx.Err()
		}
	}
}

func (a *App) Stats(ctx context.Context) (map[models.Status]int64, error) {
	return a.repo.CountByStatus(ctx)
}
