package dispatch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
)

// Dispatcher is one tick of a scheduler.
type Dispatcher interface {
	Name() string
	BatchSize() int
	DispatchDue(ctx context.Context) (BatchResult, error)
}

// Cleaner deletes terminal rows older than retention.
type Cleaner interface {
	Cleanup(ctx context.Context, now time.Time, retention time.Duration, batchSize int) (int64, error)
}

// Worker runs a Dispatcher on a poll interval, on Wake, and once at start.
// Any number of workers may run against the same tables.
type Worker struct {
	dispatcher Dispatcher
	cleaner    Cleaner
	config     Config
	clock      clockwork.Clock
	wake       chan struct{}

	mu        sync.Mutex
	running   bool
	stopChan  chan struct{}
	wg        sync.WaitGroup
	processed uint64
	lastTick  time.Time
}

type WorkerOption func(*Worker)

func WithCleaner(c Cleaner) WorkerOption {
	return func(w *Worker) { w.cleaner = c }
}

func WithWorkerClock(clock clockwork.Clock) WorkerOption {
	return func(w *Worker) {
		if clock != nil {
			w.clock = clock
		}
	}
}

func NewWorker(dispatcher Dispatcher, cfg Config, opts ...WorkerOption) *Worker {
	w := &Worker{
		dispatcher: dispatcher,
		config:     cfg.Normalize(),
		clock:      clockwork.NewRealClock(),
		wake:       make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

func (w *Worker) Name() string { return w.dispatcher.Name() }

func (w *Worker) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return fmt.Errorf("%s worker already running", w.Name())
	}
	w.running = true
	w.stopChan = make(chan struct{})
	w.mu.Unlock()

	w.wg.Add(1)
	go w.run(ctx)

	log.Info().
		Str("worker", w.Name()).
		Dur("poll_interval", w.config.PollInterval).
		Int("batch_size", w.config.BatchSize).
		Int("concurrency", w.config.Concurrency).
		Msg("dispatch worker started")
	return nil
}

func (w *Worker) Stop() error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return fmt.Errorf("%s worker not running", w.Name())
	}
	w.running = false
	close(w.stopChan)
	w.mu.Unlock()

	w.wg.Wait()

	log.Info().Str("worker", w.Name()).Msg("dispatch worker stopped")
	return nil
}

// Wake asks for a tick as soon as the current one ends. It never blocks.
func (w *Worker) Wake() {
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

func (w *Worker) Running() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running
}

// Stats returns the rows processed so far and the time of the last tick.
func (w *Worker) Stats() (uint64, time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.processed, w.lastTick
}

func (w *Worker) run(ctx context.Context) {
	defer w.wg.Done()

	ticker := w.clock.NewTicker(w.config.PollInterval)
	defer ticker.Stop()

	var cleanupC <-chan time.Time
	if w.cleaner != nil && w.config.CleanupInterval > 0 && w.config.Retention > 0 {
		cleanupTicker := w.clock.NewTicker(w.config.CleanupInterval)
		defer cleanupTicker.Stop()
		cleanupC = cleanupTicker.Chan()
	}

	// Process immediately on start
	w.tick(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopChan:
			return
		case <-ticker.Chan():
			w.tick(ctx)
		case <-w.wake:
			w.tick(ctx)
		case <-cleanupC:
			w.cleanup(ctx)
		}
	}
}

func (w *Worker) tick(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	result, err := w.dispatcher.DispatchDue(ctx)

	w.mu.Lock()
	w.processed += uint64(result.Processed)
	w.lastTick = w.clock.Now()
	w.mu.Unlock()

	if err != nil {
		log.Error().Err(err).Str("worker", w.Name()).Msg("dispatch tick failed")
		return
	}
	// a full batch likely left more due rows behind
	if result.Processed >= w.dispatcher.BatchSize() {
		w.Wake()
	}
}

func (w *Worker) cleanup(ctx context.Context) {
	n, err := w.cleaner.Cleanup(ctx, w.clock.Now().UTC(), w.config.Retention, w.config.CleanupBatchSize)
	if err != nil {
		log.Error().Err(err).Str("worker", w.Name()).Msg("cleanup failed")
		return
	}
	if n > 0 {
		log.Info().Str("worker", w.Name()).Int64("deleted", n).Msg("old rows cleaned up")
	}
}
