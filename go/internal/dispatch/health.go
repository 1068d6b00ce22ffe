package dispatch

import (
	"context"
	"fmt"
	"net/http"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"

	"github.com/mcdev12/eventrelay/go/internal/models"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

type Pinger interface {
	Ping(ctx context.Context) error
}

type StatusCounter interface {
	CountByStatus(ctx context.Context) (map[models.Status]int64, error)
}

// ConnectionChecker reports a broker connection state.
type ConnectionChecker interface {
	Connected() bool
}

type HealthStatus struct {
	Healthy           bool                               `json:"healthy"`
	DatabaseConnected bool                               `json:"database_connected"`
	Workers           map[string]WorkerHealth            `json:"workers"`
	Pending           map[string]map[models.Status]int64 `json:"pending,omitempty"`
	Brokers           map[string]bool                    `json:"brokers,omitempty"`
	RedisConnected    *bool                              `json:"redis_connected,omitempty"`
	Errors            []string                           `json:"errors"`
}

type WorkerHealth struct {
	Running   bool      `json:"running"`
	Processed uint64    `json:"processed"`
	LastTick  time.Time `json:"last_tick"`
}

// HealthChecker aggregates database, worker, broker and cache state.
type HealthChecker struct {
	db        Pinger
	workers   []*Worker
	counters  map[string]StatusCounter
	brokers   map[string]ConnectionChecker
	redis     redis.UniversalClient
	clock     clockwork.Clock
	threshold time.Duration // How long a running worker may go without a tick
}

type HealthOption func(*HealthChecker)

func WithWorkers(workers ...*Worker) HealthOption {
	return func(h *HealthChecker) { h.workers = append(h.workers, workers...) }
}

func WithStatusCounter(name string, c StatusCounter) HealthOption {
	return func(h *HealthChecker) { h.counters[name] = c }
}

func WithBroker(name string, c ConnectionChecker) HealthOption {
	return func(h *HealthChecker) { h.brokers[name] = c }
}

func WithRedis(client redis.UniversalClient) HealthOption {
	return func(h *HealthChecker) { h.redis = client }
}

func WithHealthClock(clock clockwork.Clock) HealthOption {
	return func(h *HealthChecker) {
		if clock != nil {
			h.clock = clock
		}
	}
}

func NewHealthChecker(db Pinger, threshold time.Duration, opts ...HealthOption) *HealthChecker {
	h := &HealthChecker{
		db:        db,
		counters:  make(map[string]StatusCounter),
		brokers:   make(map[string]ConnectionChecker),
		clock:     clockwork.NewRealClock(),
		threshold: threshold,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

func (h *HealthChecker) Check(ctx context.Context) HealthStatus {
	status := HealthStatus{
		Healthy: true,
		Workers: make(map[string]WorkerHealth),
		Errors:  []string{},
	}
	fail := func(format string, args ...any) {
		status.Healthy = false
		status.Errors = append(status.Errors, fmt.Sprintf(format, args...))
	}

	// Check database connection
	if err := h.db.Ping(ctx); err != nil {
		fail("database ping failed: %v", err)
	} else {
		status.DatabaseConnected = true
	}

	now := h.clock.Now()
	for _, w := range h.workers {
		processed, lastTick := w.Stats()
		wh := WorkerHealth{Running: w.Running(), Processed: processed, LastTick: lastTick}
		status.Workers[w.Name()] = wh
		if !wh.Running {
			fail("%s worker not running", w.Name())
			continue
		}
		if h.threshold > 0 && !lastTick.IsZero() && now.Sub(lastTick) > h.threshold {
			fail("%s worker has not ticked for %s", w.Name(), now.Sub(lastTick))
		}
	}

	if status.DatabaseConnected && len(h.counters) > 0 {
		status.Pending = make(map[string]map[models.Status]int64)
		for name, c := range h.counters {
			counts, err := c.CountByStatus(ctx)
			if err != nil {
				status.Errors = append(status.Errors, fmt.Sprintf("failed to count %s rows: %v", name, err))
				continue
			}
			status.Pending[name] = counts
		}
	}

	if len(h.brokers) > 0 {
		status.Brokers = make(map[string]bool)
		for name, b := range h.brokers {
			connected := b.Connected()
			status.Brokers[name] = connected
			if !connected {
				fail("%s disconnected", name)
			}
		}
	}

	if h.redis != nil {
		ok := h.redis.Ping(ctx).Err() == nil
		status.RedisConnected = &ok
		if !ok {
			fail("redis ping failed")
		}
	}

	return status
}

// HTTP handler helper
func (h *HealthChecker) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := h.Check(ctx)

	w.Header().Set("Content-Type", "application/json")
	if !status.Healthy {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(status)
}
