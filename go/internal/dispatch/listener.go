package dispatch

import (
	"context"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/rs/zerolog/log"
)

// Notification channels raised by the insert triggers.
const (
	OutboxNotifyChannel   = "outbox_events"
	DeliveryNotifyChannel = "delivery_events"
)

type ListenerConfig struct {
	DatabaseURL  string        // Postgres DSN for LISTEN/NOTIFY
	PingInterval time.Duration
	MinReconnect time.Duration
	MaxReconnect time.Duration
}

func DefaultListenerConfig() ListenerConfig {
	return ListenerConfig{
		PingInterval: 90 * time.Second,
		MinReconnect: 10 * time.Second,
		MaxReconnect: time.Minute,
	}
}

// Waker is woken when rows arrive on a channel.
type Waker interface {
	Wake()
}

// Listener turns Postgres notifications into early worker ticks. Polling
// still runs, so a missed notification only delays a row until the next poll.
type Listener struct {
	listener *pq.Listener
	targets  map[string]Waker
	cfg      ListenerConfig
}

func NewListener(cfg ListenerConfig, targets map[string]Waker) (*Listener, error) {
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = DefaultListenerConfig().PingInterval
	}
	l := pq.NewListener(
		cfg.DatabaseURL,
		cfg.MinReconnect,
		cfg.MaxReconnect,
		func(ev pq.ListenerEventType, err error) {
			if err != nil {
				log.Error().Err(err).Msg("listener event")
			}
		},
	)
	for channel := range targets {
		if err := l.Listen(channel); err != nil {
			_ = l.Close()
			return nil, fmt.Errorf("failed to listen to channel %s: %w", channel, err)
		}
		log.Info().Str("channel", channel).Msg("listening for notifications")
	}
	return &Listener{listener: l, targets: targets, cfg: cfg}, nil
}

// Run blocks until ctx is done.
func (l *Listener) Run(ctx context.Context) error {
	pingTicker := time.NewTicker(l.cfg.PingInterval)
	defer pingTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("listener shutting down")
			return l.listener.Close()
		case note := <-l.listener.Notify:
			if note == nil {
				// reconnected; anything sent meanwhile was lost
				for _, t := range l.targets {
					t.Wake()
				}
				continue
			}
			if t, ok := l.targets[note.Channel]; ok {
				t.Wake()
			}
		case <-pingTicker.C:
			if err := l.listener.Ping(); err != nil {
				log.Error().Err(err).Msg("failed to ping listener")
			}
		}
	}
}
