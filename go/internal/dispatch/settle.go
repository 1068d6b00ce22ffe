package dispatch

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/mcdev12/eventrelay/go/internal/channel"
	"github.com/mcdev12/eventrelay/go/internal/metrics"
	"github.com/mcdev12/eventrelay/go/internal/outbox"
	"github.com/mcdev12/eventrelay/go/internal/retry"
)

// BatchResult counts what one tick did with the rows it fetched.
type BatchResult struct {
	Processed         int
	Succeeded         int
	Failed            int
	Dead              int
	Skipped           int
	StateUpdateFailed int
}

func (b BatchResult) batch() metrics.Batch {
	return metrics.Batch{
		Processed:         b.Processed,
		Succeeded:         b.Succeeded,
		Failed:            b.Failed,
		Dead:              b.Dead,
		Skipped:           b.Skipped,
		StateUpdateFailed: b.StateUpdateFailed,
	}
}

type outcome int

const (
	outcomeSucceeded outcome = iota
	outcomeFailed
	outcomeDead
	outcomeSkipped
	outcomeStateUpdateFailed
)

func (b *BatchResult) add(o outcome) {
	b.Processed++
	switch o {
	case outcomeSucceeded:
		b.Succeeded++
	case outcomeFailed:
		b.Failed++
	case outcomeDead:
		b.Dead++
	case outcomeSkipped:
		b.Skipped++
	case outcomeStateUpdateFailed:
		b.StateUpdateFailed++
	}
}

// stateWriter is the final-write half of the state machine.
type stateWriter interface {
	Claim(ctx context.Context, id int64) (bool, error)
	MarkSuccess(ctx context.Context, id int64, outcome outbox.Outcome) error
	MarkFailed(ctx context.Context, id int64, retryCount int, nextRetryAt time.Time, dead bool, lastError string, outcome outbox.Outcome) error
	MarkDead(ctx context.Context, id int64, reason string) error
	ReclaimStuck(ctx context.Context, timeout time.Duration) (int64, error)
}

// attempt identifies the claimed row being settled.
type attempt struct {
	kind       metrics.Kind
	id         int64
	eventType  string
	retryCount int
	policy     retry.Policy
}

type settler struct {
	store stateWriter
	opts  options
}

func outcomeOf(res channel.Result) outbox.Outcome {
	var o outbox.Outcome
	if res.HTTPStatus > 0 {
		status := res.HTTPStatus
		o.HTTPStatus = &status
	}
	ms := res.DurationMs()
	o.DurationMs = &ms
	return o
}

// settle writes the final state for a claimed row from the channel result.
func (s settler) settle(ctx context.Context, logger zerolog.Logger, a attempt, res channel.Result) outcome {
	rec := s.opts.metrics

	switch res.Kind {
	case channel.KindSuccess:
		if err := s.store.MarkSuccess(ctx, a.id, outcomeOf(res)); err != nil {
			logger.Error().Err(err).Msg("failed to mark success")
			return outcomeStateUpdateFailed
		}
		rec.OnSuccess(a.kind, a.eventType, res.Duration)
		logger.Debug().Dur("duration", res.Duration).Int("http_status", res.HTTPStatus).Msg("dispatched")
		return outcomeSucceeded

	case channel.KindPermanent:
		if err := s.store.MarkFailed(ctx, a.id, a.retryCount, time.Time{}, true, res.Error(), outcomeOf(res)); err != nil {
			logger.Error().Err(err).Msg("failed to mark dead")
			return outcomeStateUpdateFailed
		}
		rec.OnDeadLetter(a.kind, a.eventType)
		logger.Warn().Str("reason", res.Error()).Msg("permanent failure, moved to dead")
		return outcomeDead
	}

	n := a.retryCount + 1
	if a.policy.ShouldGiveUp(n, res.Err) {
		if err := s.store.MarkFailed(ctx, a.id, n, time.Time{}, true, res.Error(), outcomeOf(res)); err != nil {
			logger.Error().Err(err).Msg("failed to mark dead")
			return outcomeStateUpdateFailed
		}
		rec.OnFailure(a.kind, a.eventType, n)
		rec.OnDeadLetter(a.kind, a.eventType)
		logger.Warn().Int("retry_count", n).Str("reason", res.Error()).Msg("retries exhausted, moved to dead")
		return outcomeDead
	}

	next := a.policy.NextRetryAt(s.opts.clock.Now().UTC(), n)
	if err := s.store.MarkFailed(ctx, a.id, n, next, false, res.Error(), outcomeOf(res)); err != nil {
		logger.Error().Err(err).Msg("failed to mark failed")
		return outcomeStateUpdateFailed
	}
	rec.OnFailure(a.kind, a.eventType, n)
	logger.Info().
		Int("retry_count", n).
		Time("next_retry_at", next).
		Str("reason", res.Error()).
		Msg("dispatch failed, retry scheduled")
	return outcomeFailed
}

// markDead sends a claimed row to DEAD without an attempt, for rows that can
// never be sent as they are.
func (s settler) markDead(ctx context.Context, logger zerolog.Logger, a attempt, reason string) outcome {
	if err := s.store.MarkDead(ctx, a.id, reason); err != nil {
		logger.Error().Err(err).Msg("failed to mark dead")
		return outcomeStateUpdateFailed
	}
	s.opts.metrics.OnDeadLetter(a.kind, a.eventType)
	logger.Warn().Str("reason", reason).Msg("undeliverable, moved to dead")
	return outcomeDead
}

// runBatch processes rows with at most concurrency goroutines. Each row is
// handled by exactly one goroutine and one failing row never stops the rest.
func runBatch[T any](ctx context.Context, rows []T, concurrency int, process func(context.Context, T) outcome) BatchResult {
	var (
		mu     sync.Mutex
		result BatchResult
	)
	g := new(errgroup.Group)
	g.SetLimit(concurrency)
	for _, row := range rows {
		row := row
		g.Go(func() error {
			o := process(ctx, row)
			mu.Lock()
			result.add(o)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return result
}

func reclaim(ctx context.Context, store stateWriter, timeout time.Duration, kind metrics.Kind, logger zerolog.Logger) {
	n, err := store.ReclaimStuck(ctx, timeout)
	if err != nil {
		logger.Error().Err(err).Str("kind", string(kind)).Msg("failed to reclaim stuck rows")
		return
	}
	if n > 0 {
		logger.Warn().Int64("reclaimed", n).Str("kind", string(kind)).Dur("timeout", timeout).Msg("reclaimed stuck rows")
	}
}
