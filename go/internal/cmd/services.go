package main

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/eventrelay/go/internal/channel"
	"github.com/mcdev12/eventrelay/go/internal/config"
	"github.com/mcdev12/eventrelay/go/internal/dbconfig"
	"github.com/mcdev12/eventrelay/go/internal/delivery"
	"github.com/mcdev12/eventrelay/go/internal/dispatch"
	"github.com/mcdev12/eventrelay/go/internal/eventcodec"
	"github.com/mcdev12/eventrelay/go/internal/events"
	"github.com/mcdev12/eventrelay/go/internal/handler"
	"github.com/mcdev12/eventrelay/go/internal/idempotency"
	"github.com/mcdev12/eventrelay/go/internal/metrics"
	"github.com/mcdev12/eventrelay/go/internal/outbox"
	"github.com/mcdev12/eventrelay/go/internal/subscription"
)

type Services struct {
	Pool     *pgxpool.Pool
	Redis    redis.UniversalClient
	Workers  []*dispatch.Worker
	Listener *dispatch.Listener
	Health   *dispatch.HealthChecker

	closers []func() error
}

// Close releases brokers, Redis and the pool in reverse order of creation.
func (s *Services) Close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			log.Warn().Err(err).Msg("failed to close resource")
		}
	}
}

func setupServices(ctx context.Context, cfg config.Config) (_ *Services, err error) {
	// Wire up dependency injection chain
	// Database layer → Repository layer → Channel layer → Dispatch layer
	s := &Services{}
	defer func() {
		if err != nil {
			s.Close()
		}
	}()
	clock := clockwork.NewRealClock()

	if cfg.Migrate.Enabled {
		if err := dbconfig.Migrate(cfg.Migrate.Dir, cfg.DB.DSN()); err != nil {
			return nil, err
		}
	}
	pool, err := dbconfig.NewPool(ctx, cfg.DB)
	if err != nil {
		return nil, err
	}
	s.Pool = pool
	s.closers = append(s.closers, func() error { pool.Close(); return nil })

	// Metrics
	otelRec, err := metrics.NewOtel(nil)
	if err != nil {
		return nil, err
	}
	rec := metrics.Multi{otelRec, metrics.NewLogging(&log.Logger)}

	// Redis-backed tracker and cache, with in-memory fallbacks
	var (
		tracker idempotency.Tracker
		cache   subscription.Cache
	)
	if cfg.Redis.Addr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("redis ping failed: %w", err)
		}
		s.Redis = client
		s.closers = append(s.closers, client.Close)
		tracker = idempotency.NewRedisTracker(client,
			idempotency.WithTTL(cfg.Tracker.TTL),
			idempotency.WithPrefix(cfg.Tracker.Prefix),
		)
		cache = subscription.NewRedisCache(client)
	} else {
		log.Warn().Msg("REDIS_ADDR not set, using in-memory tracker and subscription cache")
		tracker = idempotency.NewMemoryTracker(clock, cfg.Tracker.TTL, cfg.Tracker.Prefix)
		cache = subscription.NewMemoryCache(clock)
	}

	// Codec
	registry := eventcodec.NewRegistry()
	if err := events.Register(registry); err != nil {
		return nil, err
	}
	codec := eventcodec.New(registry)

	// Repositories
	outboxRepo, err := outbox.NewRepository(pool, clock)
	if err != nil {
		return nil, err
	}
	deliveryRepo, err := delivery.NewRepository(pool, clock)
	if err != nil {
		return nil, err
	}
	resolver := subscription.NewResolver(subscription.NewRepository(pool, clock), cache, cfg.Cache.TTL)
	guard := idempotency.NewGuard(idempotency.NewConsumeLogRepository(pool, clock))

	// In-process handlers
	handlers := handler.NewRegistry()
	enqueuer := delivery.NewEnqueuer(deliveryRepo, resolver, codec, clock, rec)
	if err := handlers.Register(guard.Wrap(enqueuer), events.Types()...); err != nil {
		return nil, err
	}

	// Channels
	internal := channel.NewInternal(handlers, tracker, clock)
	channels, err := channel.NewRegistry(
		channel.NewWebhook(
			channel.WithDefaultTimeout(cfg.Webhook.DefaultTimeout),
			channel.WithBreakerSettings(cfg.Webhook.Breaker),
			channel.WithWebhookClock(clock),
		),
	)
	if err != nil {
		return nil, err
	}
	var healthOpts []dispatch.HealthOption
	if cfg.NATS.Enabled {
		nc, err := channel.DialNATS(ctx, cfg.NATS.NATSConfig)
		if err != nil {
			return nil, err
		}
		s.closers = append(s.closers, nc.Close)
		if err := channels.Register(nc); err != nil {
			return nil, err
		}
		healthOpts = append(healthOpts, dispatch.WithBroker("nats", nc))
	}
	if cfg.AMQP.Enabled {
		ac, err := channel.DialAMQP(cfg.AMQP.AMQPConfig)
		if err != nil {
			return nil, err
		}
		s.closers = append(s.closers, ac.Close)
		if err := channels.Register(ac); err != nil {
			return nil, err
		}
		healthOpts = append(healthOpts, dispatch.WithBroker("amqp", ac))
	}

	// Schedulers and workers
	opts := []dispatch.Option{dispatch.WithClock(clock), dispatch.WithMetrics(rec)}
	wakers := make(map[string]dispatch.Waker)
	if cfg.Outbox.IsEnabled() {
		dcfg := cfg.Dispatch(cfg.Outbox)
		scheduler := dispatch.NewOutboxScheduler(outboxRepo, codec, internal, dcfg, opts...)
		w := dispatch.NewWorker(scheduler, dcfg,
			dispatch.WithCleaner(outbox.NewApp(outboxRepo)),
			dispatch.WithWorkerClock(clock),
		)
		s.Workers = append(s.Workers, w)
		wakers[dispatch.OutboxNotifyChannel] = w
		healthOpts = append(healthOpts, dispatch.WithStatusCounter("outbox", outboxRepo))
	}
	if cfg.Delivery.IsEnabled() {
		dcfg := cfg.Dispatch(cfg.Delivery)
		scheduler := dispatch.NewDeliveryScheduler(deliveryRepo, resolver, channels, dcfg, opts...)
		w := dispatch.NewWorker(scheduler, dcfg,
			dispatch.WithCleaner(delivery.NewApp(deliveryRepo)),
			dispatch.WithWorkerClock(clock),
		)
		s.Workers = append(s.Workers, w)
		wakers[dispatch.DeliveryNotifyChannel] = w
		healthOpts = append(healthOpts, dispatch.WithStatusCounter("delivery", deliveryRepo))
	}

	if cfg.Listener.Enabled && len(wakers) > 0 {
		listener, err := dispatch.NewListener(cfg.ListenerSettings(), wakers)
		if err != nil {
			return nil, err
		}
		s.Listener = listener
	}

	healthOpts = append(healthOpts, dispatch.WithWorkers(s.Workers...), dispatch.WithHealthClock(clock))
	if s.Redis != nil {
		healthOpts = append(healthOpts, dispatch.WithRedis(s.Redis))
	}
	s.Health = dispatch.NewHealthChecker(pool, cfg.Server.HealthThreshold, healthOpts...)

	log.Info().
		Int("workers", len(s.Workers)).
		Int("channels", len(channels.Types())).
		Strs("handlers", handlers.EventTypes()).
		Msg("services ready")
	return s, nil
}
