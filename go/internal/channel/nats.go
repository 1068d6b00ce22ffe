package channel

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/eventrelay/go/internal/models"
)

type NATSConfig struct {
	URL             string        `yaml:"url"`
	StreamName      string        `yaml:"stream_name"`
	SubjectPrefix   string        `yaml:"subject_prefix"`
	MaxReconnects   int           `yaml:"max_reconnects"`
	ReconnectWait   time.Duration `yaml:"reconnect_wait"`
	MaxAge          time.Duration `yaml:"max_age"`          // How long to keep messages
	MaxMsgs         int64         `yaml:"max_msgs"`         // Max number of messages to keep
	Replicas        int           `yaml:"replicas"`         // Number of replicas for the stream
	DuplicateWindow time.Duration `yaml:"duplicate_window"` // Window for duplicate detection
}

func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:             nats.DefaultURL,
		StreamName:      "INTEGRATION_EVENTS",
		SubjectPrefix:   "integration.events",
		MaxReconnects:   -1, // Infinite
		ReconnectWait:   2 * time.Second,
		MaxAge:          7 * 24 * time.Hour,
		MaxMsgs:         -1, // No limit
		Replicas:        1,
		DuplicateWindow: 2 * time.Hour,
	}
}

// JetStreamPublisher is the part of jetstream.JetStream the channel uses.
type JetStreamPublisher interface {
	PublishMsg(ctx context.Context, msg *nats.Msg, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error)
}

// NATS publishes deliveries to JetStream. The message id is
// <subscriptionId>:<eventId>, so redelivery inside the stream's duplicate
// window is dropped by the server.
type NATS struct {
	nc     *nats.Conn
	js     JetStreamPublisher
	config NATSConfig
	clock  clockwork.Clock
}

// NewNATS wraps an existing publisher. Use DialNATS to connect.
func NewNATS(js JetStreamPublisher, cfg NATSConfig, clock clockwork.Clock) *NATS {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &NATS{js: js, config: cfg, clock: clock}
}

// DialNATS connects, makes sure the stream exists and returns the channel.
func DialNATS(ctx context.Context, cfg NATSConfig) (*NATS, error) {
	opts := []nats.Option{
		nats.Name("eventrelay"),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			log.Error().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			log.Error().Err(err).Msg("NATS error")
		}),
	}

	nc, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("create JetStream context: %w", err)
	}

	if err := ensureStream(ctx, js, cfg); err != nil {
		nc.Close()
		return nil, fmt.Errorf("ensure stream: %w", err)
	}

	ch := NewNATS(js, cfg, nil)
	ch.nc = nc
	return ch, nil
}

func streamConfig(cfg NATSConfig) jetstream.StreamConfig {
	return jetstream.StreamConfig{
		Name:        cfg.StreamName,
		Description: "Integration deliveries relayed from the outbox",
		Subjects:    []string{fmt.Sprintf("%s.>", cfg.SubjectPrefix)},
		Retention:   jetstream.LimitsPolicy,
		MaxAge:      cfg.MaxAge,
		MaxMsgs:     cfg.MaxMsgs,
		Storage:     jetstream.FileStorage,
		Replicas:    cfg.Replicas,
		Duplicates:  cfg.DuplicateWindow,
	}
}

func ensureStream(ctx context.Context, js jetstream.JetStream, cfg NATSConfig) error {
	sc := streamConfig(cfg)

	stream, err := js.Stream(ctx, cfg.StreamName)
	if err != nil {
		if _, err = js.CreateStream(ctx, sc); err != nil {
			return fmt.Errorf("create stream: %w", err)
		}
		log.Info().Str("stream", cfg.StreamName).Msg("created JetStream stream")
		return nil
	}

	info, err := stream.Info(ctx)
	if err != nil {
		return fmt.Errorf("get stream info: %w", err)
	}
	if !isStreamConfigEqual(info.Config, sc) {
		if _, err = js.UpdateStream(ctx, sc); err != nil {
			return fmt.Errorf("update stream: %w", err)
		}
		log.Info().Str("stream", cfg.StreamName).Msg("updated JetStream stream")
	}
	return nil
}

func isStreamConfigEqual(a, b jetstream.StreamConfig) bool {
	return a.Name == b.Name &&
		a.MaxAge == b.MaxAge &&
		a.MaxMsgs == b.MaxMsgs &&
		a.Replicas == b.Replicas &&
		a.Duplicates == b.Duplicates
}

func (c *NATS) Type() models.ChannelType { return models.ChannelNATS }

// Subject is <prefix>.<topic>, falling back to the event type.
func (c *NATS) Subject(msg Message, sub *models.Subscription) string {
	topic := msg.EventType
	if sub != nil && sub.Topic != "" {
		topic = sub.Topic
	}
	return fmt.Sprintf("%s.%s", c.config.SubjectPrefix, topic)
}

func (c *NATS) Send(ctx context.Context, msg Message, sub *models.Subscription) Result {
	if sub == nil {
		return Permanent("missing_subscription", fmt.Errorf("nats delivery %d has no subscription", msg.DeliveryID), 0, 0)
	}
	subject := c.Subject(msg, sub)
	msgID := fmt.Sprintf("%d:%s", sub.ID, msg.EventID)

	header := nats.Header{}
	for k, v := range msg.Headers {
		header.Set(k, v)
	}
	header.Set("Event-Type", msg.EventType)
	header.Set("Event-ID", msg.EventID)
	header.Set("Tenant-ID", strconv.FormatInt(msg.TenantID, 10))

	start := c.clock.Now()
	ack, err := c.js.PublishMsg(ctx, &nats.Msg{
		Subject: subject,
		Data:    []byte(msg.Payload),
		Header:  header,
	},
		jetstream.WithMsgID(msgID),
		jetstream.WithExpectStream(c.config.StreamName),
	)
	d := c.clock.Since(start)
	if err != nil {
		return Transient("publish_failed", fmt.Errorf("publish to JetStream: %w", err), 0, d)
	}

	log.Debug().
		Str("subject", subject).
		Str("event_id", msg.EventID).
		Uint64("sequence", ack.Sequence).
		Str("stream", ack.Stream).
		Bool("duplicate", ack.Duplicate).
		Msg("published to JetStream")
	return Success(0, d)
}

// Connected reports the NATS connection state for health checks.
func (c *NATS) Connected() bool {
	return c.nc != nil && c.nc.IsConnected()
}

func (c *NATS) Close() error {
	if c.nc != nil {
		c.nc.Close()
	}
	return nil
}
