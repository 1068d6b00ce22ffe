// Package dispatch moves due outbox messages and deliveries through the
// state machine: claim, send, then settle as SUCCESS, FAILED or DEAD.
package dispatch

import (
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/mcdev12/eventrelay/go/internal/metrics"
	"github.com/mcdev12/eventrelay/go/internal/retry"
)

type Config struct {
	PollInterval      time.Duration
	BatchSize         int
	Concurrency       int
	ProcessingTimeout time.Duration
	CleanupInterval   time.Duration
	Retention         time.Duration
	CleanupBatchSize  int
	Retry             retry.Policy
}

func DefaultConfig() Config {
	return Config{
		PollInterval:      time.Second,
		BatchSize:         100,
		Concurrency:       1,
		ProcessingTimeout: 5 * time.Minute,
		CleanupInterval:   time.Hour,
		Retention:         7 * 24 * time.Hour,
		CleanupBatchSize:  500,
		Retry:             retry.DefaultPolicy(),
	}
}

// Normalize fills non-positive fields with defaults. CleanupInterval and
// Retention may be zero to disable cleanup.
func (c Config) Normalize() Config {
	def := DefaultConfig()
	if c.PollInterval <= 0 {
		c.PollInterval = def.PollInterval
	}
	if c.BatchSize <= 0 {
		c.BatchSize = def.BatchSize
	}
	if c.Concurrency <= 0 {
		c.Concurrency = def.Concurrency
	}
	if c.ProcessingTimeout <= 0 {
		c.ProcessingTimeout = def.ProcessingTimeout
	}
	if c.CleanupBatchSize <= 0 {
		c.CleanupBatchSize = def.CleanupBatchSize
	}
	if c.CleanupInterval < 0 {
		c.CleanupInterval = 0
	}
	if c.Retention < 0 {
		c.Retention = 0
	}
	c.Retry = c.Retry.Normalize()
	return c
}

type options struct {
	clock   clockwork.Clock
	metrics metrics.Recorder
}

type Option func(*options)

func WithClock(clock clockwork.Clock) Option {
	return func(o *options) {
		if clock != nil {
			o.clock = clock
		}
	}
}

func WithMetrics(rec metrics.Recorder) Option {
	return func(o *options) {
		if rec != nil {
			o.metrics = rec
		}
	}
}

func buildOptions(opts []Option) options {
	o := options{clock: clockwork.NewRealClock(), metrics: metrics.Noop{}}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}
